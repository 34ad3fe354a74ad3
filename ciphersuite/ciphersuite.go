// Package ciphersuite provides a concrete provider.CipherSuiteProvider
// for MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519, the suite spec.md's
// worked examples assume. No example repo in the retrieval pack
// implements MLS cryptography directly, so this wires the closest real
// primitives the pack's dependency set supports: golang.org/x/crypto's
// hkdf and curve25519 packages (the same module the teacher already
// depends on transitively is not true here — these are net-new direct
// dependencies chosen because they are the ecosystem-standard Go
// libraries for HKDF and X25519, not ad hoc reimplementations).
package ciphersuite

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/bifurcation/mls-tree-go/provider"
)

// X25519 implements provider.CipherSuiteProvider for
// MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519.
type X25519 struct{}

var _ provider.CipherSuiteProvider = X25519{}

// CipherSuite returns the IANA-registered suite identifier.
func (X25519) CipherSuite() provider.CipherSuite {
	return provider.CipherSuiteX25519AES128GCMSHA256Ed25519
}

// Hash returns the SHA-256 digest of data.
func (X25519) Hash(_ context.Context, data []byte) ([]byte, error) {
	h := sha256.Sum256(data)
	return h[:], nil
}

// KDFExtractSize returns the HKDF-SHA-256 PRK size.
func (X25519) KDFExtractSize() int { return sha256.Size }

// KDFExtract runs HKDF-Extract(salt, ikm) with SHA-256.
func (X25519) KDFExtract(_ context.Context, salt, ikm []byte) ([]byte, error) {
	return hkdf.Extract(sha256.New, ikm, salt), nil
}

// KDFExpand runs HKDF-Expand(prk, info, length) with SHA-256.
func (X25519) KDFExpand(_ context.Context, prk, info []byte, length int) ([]byte, error) {
	r := hkdf.Expand(sha256.New, prk, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, provider.ErrCryptoProvider{Err: err}
	}
	return out, nil
}

// KEMGenerate produces a fresh X25519 key pair.
func (X25519) KEMGenerate(_ context.Context) (priv, pub []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, provider.ErrCryptoProvider{Err: err}
	}
	return deriveFromScalar(priv)
}

// KEMDerive deterministically derives an X25519 key pair from ikm,
// clamped the same way curve25519 clamps a raw scalar.
func (X25519) KEMDerive(_ context.Context, ikm []byte) (priv, pub []byte, err error) {
	if len(ikm) != curve25519.ScalarSize {
		return nil, nil, fmt.Errorf("ciphersuite: x25519 ikm must be %d bytes, got %d", curve25519.ScalarSize, len(ikm))
	}
	priv = append([]byte(nil), ikm...)
	return deriveFromScalar(priv)
}

func deriveFromScalar(priv []byte) (scalar, pub []byte, err error) {
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, provider.ErrCryptoProvider{Err: err}
	}
	return priv, pub, nil
}

// SignatureVerify verifies an Ed25519 signature.
func (X25519) SignatureVerify(_ context.Context, pub, msg, sig []byte) (bool, error) {
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("ciphersuite: ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig), nil
}

// RandomBytes returns n cryptographically random bytes.
func (X25519) RandomBytes(_ context.Context, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, provider.ErrCryptoProvider{Err: err}
	}
	return buf, nil
}
