package envelope

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"database/sql"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/opd-ai/courier/resolve"
)

// testParty is one user in a test: an identity plus the published
// certificate material other parties resolve.
type testParty struct {
	identity *Identity
	bundle   *resolve.Bundle
}

var (
	keyPoolMu sync.Mutex
	keyPool   []*rsa.PrivateKey
)

// testKey hands out RSA keys, generating lazily. Key generation
// dominates test time, so keys are shared across parties within a test
// binary; tests never depend on key uniqueness.
func testKey(t *testing.T, n int) *rsa.PrivateKey {
	t.Helper()
	keyPoolMu.Lock()
	defer keyPoolMu.Unlock()
	for len(keyPool) <= n {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		keyPool = append(keyPool, key)
	}
	return keyPool[n]
}

// newParty builds an identity and its self-signed certificates.
func newParty(t *testing.T, alias string, keyIndex int) *testParty {
	t.Helper()
	key := testKey(t, keyIndex)

	der := selfSignedDER(t, alias, key)
	sum := sha256.Sum256(der)

	return &testParty{
		identity: &Identity{
			Alias:         alias,
			DecryptionKey: key,
			SigningKey:    key,
			Fingerprint:   sum[:],
		},
		bundle: &resolve.Bundle{
			Alias:          alias,
			EncryptionCert: der,
			SigningCert:    der,
			Fingerprint:    sum[:],
		},
	}
}

func selfSignedDER(t *testing.T, alias string, key *rsa.PrivateKey) []byte {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: alias},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return der
}

// mapResolver serves bundles from a map; unknown aliases fail with
// resolve.ErrUnknownRecipient.
type mapResolver struct {
	mu      sync.Mutex
	bundles map[string]*resolve.Bundle
}

func newMapResolver(parties ...*testParty) *mapResolver {
	r := &mapResolver{bundles: make(map[string]*resolve.Bundle)}
	for _, p := range parties {
		r.bundles[p.bundle.Alias] = p.bundle
	}
	return r
}

func (r *mapResolver) Resolve(_ context.Context, alias string) (*resolve.Bundle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bundles[alias]
	if !ok {
		return nil, resolve.ErrUnknownRecipient
	}
	return b, nil
}

func (r *mapResolver) set(alias string, b *resolve.Bundle) {
	r.mu.Lock()
	r.bundles[alias] = b
	r.mu.Unlock()
}

func newTestCache(t *testing.T, resolver resolve.Resolver) *resolve.Cache {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	cache, err := resolve.NewCache(db, resolver)
	require.NoError(t, err)
	return cache
}
