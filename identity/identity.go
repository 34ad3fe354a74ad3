// Package identity provides the provider.IdentityProvider
// implementations spec.md's worked examples use: a trivial "basic"
// credential identity, and an X.509-chain-validating identity whose
// error set is grounded on aws-mls-identity-x509's error.rs (the
// original_source companion crate to the ratchet-tree core this spec
// was distilled from).
package identity

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"

	"github.com/bifurcation/mls-tree-go/node"
)

// Basic treats a leaf's raw credential bytes as its canonical identity
// and allows any successor (spec.md's simplest worked-example provider).
type Basic struct{}

// Identity returns the credential bytes unchanged.
func (Basic) Identity(_ context.Context, id node.SigningIdentity) ([]byte, error) {
	return id.Credential, nil
}

// ValidSuccessor always allows an Update (no identity policy).
func (Basic) ValidSuccessor(_ context.Context, _, _ node.SigningIdentity) (bool, error) {
	return true, nil
}

// Kind of credential a LeafNode carries; mirrors aws-mls-identity-x509's
// CredentialType discriminant.
type Kind uint16

const (
	KindBasic Kind = 1
	KindX509  Kind = 2
)

// ErrUnsupportedCredentialType is returned when a credential's declared
// type isn't one this provider understands.
type ErrUnsupportedCredentialType struct{ Kind Kind }

func (e ErrUnsupportedCredentialType) Error() string {
	return fmt.Sprintf("identity: unsupported credential type %d", e.Kind)
}

// ErrSignatureKeyMismatch is returned when a signing identity's
// signature key does not match the leaf certificate's public key.
type ErrSignatureKeyMismatch struct{}

func (ErrSignatureKeyMismatch) Error() string {
	return "identity: signing identity public key does not match the leaf certificate"
}

// ErrInvalidCertificateChain is returned when the credential bytes do
// not parse as a well-formed certificate chain.
type ErrInvalidCertificateChain struct{ Err error }

func (e ErrInvalidCertificateChain) Error() string {
	return fmt.Sprintf("identity: unable to parse certificate chain data: %v", e.Err)
}
func (e ErrInvalidCertificateChain) Unwrap() error { return e.Err }

// ErrEmptyCertificateChain is returned when a credential carries no
// certificates at all.
type ErrEmptyCertificateChain struct{}

func (ErrEmptyCertificateChain) Error() string { return "identity: empty certificate chain" }

// X509 validates credentials as DER-encoded certificate chains, with
// the leaf certificate's subject (raw DER Subject field) as the
// canonical identity and chain validation performed against roots.
type X509 struct {
	Roots *x509.CertPool
}

// Identity parses id.Credential as a concatenated DER certificate
// chain and returns the leaf (first) certificate's raw subject bytes.
func (p X509) Identity(_ context.Context, id node.SigningIdentity) ([]byte, error) {
	chain, err := parseChain(id.Credential)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, ErrEmptyCertificateChain{}
	}
	return chain[0].RawSubject, nil
}

// ValidSuccessor parses both identities' certificate chains and
// requires the new leaf's subject to match the old leaf's subject (i.e.
// the same member rotating keys, not a takeover by a different
// identity) and, when p.Roots is set, the new chain to validate against
// p.Roots. With p.Roots nil no chain validation is done.
func (p X509) ValidSuccessor(_ context.Context, oldID, newID node.SigningIdentity) (bool, error) {
	oldChain, err := parseChain(oldID.Credential)
	if err != nil {
		return false, err
	}
	newChain, err := parseChain(newID.Credential)
	if err != nil {
		return false, err
	}
	if len(oldChain) == 0 || len(newChain) == 0 {
		return false, ErrEmptyCertificateChain{}
	}
	if !bytes.Equal(oldChain[0].RawSubject, newChain[0].RawSubject) {
		return false, nil
	}
	return p.verifyChain(newChain)
}

// VerifySignatureKey reports whether the leaf certificate's public key
// matches sigKey exactly (DER SubjectPublicKeyInfo comparison).
func (X509) VerifySignatureKey(chain []*x509.Certificate, sigKey []byte) error {
	if len(chain) == 0 {
		return ErrEmptyCertificateChain{}
	}
	if !bytes.Equal(chain[0].RawSubjectPublicKeyInfo, sigKey) {
		return ErrSignatureKeyMismatch{}
	}
	return nil
}

func (p X509) verifyChain(chain []*x509.Certificate) (bool, error) {
	if p.Roots == nil {
		return true, nil
	}
	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}
	_, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         p.Roots,
		Intermediates: intermediates,
	})
	return err == nil, nil
}

// parseChain parses a concatenation of DER certificates. The caller is
// expected to have already unwrapped MLS's length-prefixed vector
// framing around each certificate entry.
func parseChain(data []byte) ([]*x509.Certificate, error) {
	certs, err := x509.ParseCertificates(data)
	if err != nil {
		return nil, ErrInvalidCertificateChain{Err: err}
	}
	return certs, nil
}
