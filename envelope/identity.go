package envelope

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
)

// Identity holds the local user's key material: the RSA decryption key
// whose public half peers wrap symmetric keys under, the signing key, and
// the fingerprint of the identity's certificate as published to peers.
type Identity struct {
	Alias         string
	DecryptionKey *rsa.PrivateKey
	SigningKey    *rsa.PrivateKey
	Fingerprint   []byte
}

// Trust validates recipient certificate material against a set of trust
// anchors and extracts the usable public key. The concrete chain policy
// lives with the collaborator that provides this.
type Trust interface {
	Validate(der []byte, anchors *x509.CertPool) (*rsa.PublicKey, error)
}

// X509Trust is the standard Trust implementation over DER certificates.
type X509Trust struct{}

// Validate parses der, verifies it against anchors when anchors are
// provided, and returns the certificate's RSA public key.
func (X509Trust) Validate(der []byte, anchors *x509.CertPool) (*rsa.PublicKey, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	if anchors != nil {
		if _, err := cert.Verify(x509.VerifyOptions{Roots: anchors}); err != nil {
			return nil, fmt.Errorf("verify certificate: %w", err)
		}
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("certificate does not carry an RSA public key")
	}
	return pub, nil
}

// wrapKey encrypts the symmetric key for one recipient's public key.
func wrapKey(pub *rsa.PublicKey, key []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
}

// unwrapKey recovers the symmetric key with the local decryption key.
func unwrapKey(priv *rsa.PrivateKey, encryptedKey []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, encryptedKey, nil)
}

// sign produces an RSA-PSS signature over the canonical envelope fields.
func sign(priv *rsa.PrivateKey, signable []byte) ([]byte, error) {
	digest := sha256.Sum256(signable)
	return rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], nil)
}

// verify checks an RSA-PSS signature over the canonical envelope fields.
func verify(pub *rsa.PublicKey, signable, signature []byte) error {
	digest := sha256.Sum256(signable)
	return rsa.VerifyPSS(pub, crypto.SHA256, digest[:], signature, nil)
}
