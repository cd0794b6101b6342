package reconcile

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/courier/envelope"
	"github.com/opd-ai/courier/lifecycle"
	"github.com/opd-ai/courier/pipeline"
	"github.com/opd-ai/courier/resolve"
	"github.com/opd-ai/courier/storage"
	"github.com/opd-ai/courier/wire"
)

type fakeRegistry struct {
	transfers []Transfer
}

func (r *fakeRegistry) Transfers(context.Context) ([]Transfer, error) {
	return r.transfers, nil
}

type recordingService struct {
	mu   sync.Mutex
	sent []*wire.Message
}

func (s *recordingService) Send(_ context.Context, msg *wire.Message) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return time.Now(), nil
}

func (s *recordingService) Fetch(context.Context, uuid.UUID) (*wire.Message, error) {
	return nil, nil
}
func (s *recordingService) Ack(context.Context, uuid.UUID, time.Time) error { return nil }
func (s *recordingService) FetchWaiting(context.Context) ([]wire.Header, error) {
	return nil, nil
}
func (s *recordingService) SendDirect(context.Context, *wire.Message, string) error { return nil }
func (s *recordingService) SendUserStatus(context.Context, string, []string) error  { return nil }
func (s *recordingService) SendGroupStatus(context.Context, string, string) error   { return nil }

func (s *recordingService) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type noopTokens struct{}

func (noopTokens) Token(context.Context) (string, error)   { return "token", nil }
func (noopTokens) Refresh(context.Context) (string, error) { return "token", nil }

type pairResolver struct {
	bundles map[string]*resolve.Bundle
}

func (r *pairResolver) Resolve(_ context.Context, alias string) (*resolve.Bundle, error) {
	b, ok := r.bundles[alias]
	if !ok {
		return nil, resolve.ErrUnknownRecipient
	}
	return b, nil
}

var (
	testKeyOnce sync.Once
	testKeys    [2]*rsa.PrivateKey
)

func identityPair(t *testing.T) (*envelope.Identity, *pairResolver) {
	t.Helper()
	testKeyOnce.Do(func() {
		for i := range testKeys {
			key, err := rsa.GenerateKey(rand.Reader, 2048)
			require.NoError(t, err)
			testKeys[i] = key
		}
	})

	bundles := make(map[string]*resolve.Bundle)
	var local *envelope.Identity
	for i, alias := range []string{"alice", "bob"} {
		key := testKeys[i]
		tmpl := &x509.Certificate{
			SerialNumber: big.NewInt(1),
			Subject:      pkix.Name{CommonName: alias},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(24 * time.Hour),
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
		require.NoError(t, err)
		sum := sha256.Sum256(der)
		bundles[alias] = &resolve.Bundle{
			Alias:          alias,
			EncryptionCert: der,
			SigningCert:    der,
			Fingerprint:    sum[:],
		}
		if alias == "alice" {
			local = &envelope.Identity{
				Alias:         alias,
				DecryptionKey: key,
				SigningKey:    key,
				Fingerprint:   sum[:],
			}
		}
	}
	return local, &pairResolver{bundles: bundles}
}

type reconcileRig struct {
	engine  *pipeline.Engine
	ledger  *lifecycle.Ledger
	blobs   *storage.BlobStore
	service *recordingService
	events  *Events
}

func newReconcileRig(t *testing.T) *reconcileRig {
	t.Helper()
	identity, resolver := identityPair(t)

	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cache, err := resolve.NewCache(db, resolver)
	require.NoError(t, err)
	ledger := lifecycle.NewLedger(storage.NewMessageDAO(db), nil)
	blobs := storage.NewBlobStore(db)
	service := &recordingService{}

	engine, err := pipeline.NewEngine(pipeline.Config{
		Identity: identity,
		Service:  service,
		Tokens:   noopTokens{},
		Cache:    cache,
		Ledger:   ledger,
		Blobs:    blobs,
	})
	require.NoError(t, err)
	t.Cleanup(engine.Stop)

	return &reconcileRig{
		engine:  engine,
		ledger:  ledger,
		blobs:   blobs,
		service: service,
		events:  NewEvents(),
	}
}

func (r *reconcileRig) waitStatus(t *testing.T, id uuid.UUID, want lifecycle.Status) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := r.ledger.Message(context.Background(), id)
		if err == nil && msg.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("message %s never reached %s", id, want)
}
