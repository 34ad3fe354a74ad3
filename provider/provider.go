// Package provider declares the two external collaborators the ratchet
// tree core consumes but never implements: cipher-suite primitives and
// identity semantics (spec.md §6). Both are modeled with a
// context.Context first argument because spec.md §5 treats every call
// into them as a potentially-suspending effect (a provider may do I/O,
// e.g. certificate validation) even though the core itself never blocks
// or holds a lock across the call.
package provider

import (
	"context"
	"fmt"

	"github.com/bifurcation/mls-tree-go/node"
)

// CipherSuite identifies an MLS ciphersuite by its registered IANA value.
type CipherSuite uint16

const (
	CipherSuiteX25519AES128GCMSHA256Ed25519 CipherSuite = 0x0001
)

// CipherSuiteProvider abstracts hash/KDF/KEM/signature primitives. The
// core composes these; it never implements cryptography itself
// (spec.md §1, Non-goals).
type CipherSuiteProvider interface {
	CipherSuite() CipherSuite
	Hash(ctx context.Context, data []byte) ([]byte, error)
	KDFExtractSize() int
	KDFExtract(ctx context.Context, salt, ikm []byte) ([]byte, error)
	KDFExpand(ctx context.Context, prk, info []byte, length int) ([]byte, error)
	KEMGenerate(ctx context.Context) (priv, pub []byte, err error)
	KEMDerive(ctx context.Context, ikm []byte) (priv, pub []byte, err error)
	SignatureVerify(ctx context.Context, pub, msg, sig []byte) (bool, error)
	RandomBytes(ctx context.Context, n int) ([]byte, error)
}

// IdentityProvider maps signing identities to canonical identity bytes
// and judges whether one identity may succeed another on Update.
type IdentityProvider interface {
	Identity(ctx context.Context, signing node.SigningIdentity) ([]byte, error)
	ValidSuccessor(ctx context.Context, old, new node.SigningIdentity) (bool, error)
}

// ErrIdentityProvider wraps an opaque error returned by an
// IdentityProvider call, preserving the original diagnostic (spec.md §7).
type ErrIdentityProvider struct{ Err error }

func (e ErrIdentityProvider) Error() string { return fmt.Sprintf("identity provider: %v", e.Err) }
func (e ErrIdentityProvider) Unwrap() error { return e.Err }

// ErrCryptoProvider wraps an opaque error returned by a
// CipherSuiteProvider call.
type ErrCryptoProvider struct{ Err error }

func (e ErrCryptoProvider) Error() string { return fmt.Sprintf("crypto provider: %v", e.Err) }
func (e ErrCryptoProvider) Unwrap() error  { return e.Err }
