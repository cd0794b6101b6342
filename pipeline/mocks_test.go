package pipeline

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/courier/envelope"
	"github.com/opd-ai/courier/lifecycle"
	"github.com/opd-ai/courier/resolve"
	"github.com/opd-ai/courier/storage"
	"github.com/opd-ai/courier/transport"
	"github.com/opd-ai/courier/wire"
)

type testParty struct {
	identity *envelope.Identity
	bundle   *resolve.Bundle
}

var (
	keyPoolMu sync.Mutex
	keyPool   []*rsa.PrivateKey
)

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

func newParty(t *testing.T, alias string, keyIndex int) *testParty {
	t.Helper()
	key := testKey(t, keyIndex)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: alias},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	sum := sha256.Sum256(der)

	return &testParty{
		identity: &envelope.Identity{
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

// fakeService is an in-memory MessageService. Send failures can be
// scripted per call.
type fakeService struct {
	mu       sync.Mutex
	sent     []*wire.Message
	sendErrs []error
	waiting  []*wire.Message
	acked    []uuid.UUID
}

func (s *fakeService) Send(_ context.Context, msg *wire.Message) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sendErrs) > 0 {
		err := s.sendErrs[0]
		s.sendErrs = s.sendErrs[1:]
		if err != nil {
			return time.Time{}, err
		}
	}
	s.sent = append(s.sent, msg)
	return time.Now(), nil
}

func (s *fakeService) Fetch(_ context.Context, id uuid.UUID) (*wire.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.waiting {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, &transport.NetworkError{Op: "fetch", Err: errors.New("not waiting")}
}

func (s *fakeService) Ack(_ context.Context, id uuid.UUID, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, id)
	return nil
}

func (s *fakeService) FetchWaiting(context.Context) ([]wire.Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	headers := make([]wire.Header, 0, len(s.waiting))
	for _, m := range s.waiting {
		headers = append(headers, wire.Header{ID: m.ID, Kind: m.Kind, Sender: m.Sender})
	}
	return headers, nil
}

func (s *fakeService) SendDirect(_ context.Context, msg *wire.Message, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeService) SendUserStatus(context.Context, string, []string) error { return nil }
func (s *fakeService) SendGroupStatus(context.Context, string, string) error  { return nil }

func (s *fakeService) sentMessages() []*wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*wire.Message, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *fakeService) sentOfKind(k wire.Kind) []*wire.Message {
	var out []*wire.Message
	for _, m := range s.sentMessages() {
		if m.Kind == k {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeService) failNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.sendErrs = append(s.sendErrs, err)
	}
}

type staticTokens struct {
	mu       sync.Mutex
	refreshs int
}

func (s *staticTokens) Token(context.Context) (string, error) { return "token", nil }

func (s *staticTokens) Refresh(context.Context) (string, error) {
	s.mu.Lock()
	s.refreshs++
	s.mu.Unlock()
	return "token", nil
}

type staticReachability struct{ reachable bool }

func (r staticReachability) Reachable() bool { return r.reachable }

// foregroundChats is a mutable Foreground implementation.
type foregroundChats struct {
	mu    sync.Mutex
	chats map[string]bool
}

func (f *foregroundChats) IsForeground(chatID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chats[chatID]
}

func (f *foregroundChats) set(chatID string, on bool) {
	f.mu.Lock()
	f.chats[chatID] = on
	f.mu.Unlock()
}

// testRig is a fully wired engine over in-memory storage.
type testRig struct {
	engine     *Engine
	service    *fakeService
	ledger     *lifecycle.Ledger
	blobs      *storage.BlobStore
	local      *testParty
	peer       *testParty
	foreground *foregroundChats
}

func newTestRig(t *testing.T, mutate func(*Config)) *testRig {
	t.Helper()
	local := newParty(t, "alice", 0)
	peer := newParty(t, "bob", 1)
	resolver := newMapResolver(local, peer)

	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cache, err := resolve.NewCache(db, resolver)
	require.NoError(t, err)
	dao := storage.NewMessageDAO(db)
	blobs := storage.NewBlobStore(db)
	foreground := &foregroundChats{chats: make(map[string]bool)}
	ledger := lifecycle.NewLedger(dao, foreground)
	service := &fakeService{}

	cfg := Config{
		Identity:        local.identity,
		Service:         service,
		Tokens:          &staticTokens{},
		Reachability:    staticReachability{reachable: true},
		Cache:           cache,
		Ledger:          ledger,
		Blobs:           blobs,
		MaxSendAttempts: 3,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	t.Cleanup(engine.Stop)

	return &testRig{
		engine:     engine,
		service:    service,
		ledger:     ledger,
		blobs:      blobs,
		local:      local,
		peer:       peer,
		foreground: foreground,
	}
}

// sealFromPeer produces a wire message as the peer would send it to the
// local identity.
func (r *testRig) sealFromPeer(t *testing.T, out *envelope.Outbound) *wire.Message {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	cache, err := resolve.NewCache(db, newMapResolver(r.local, r.peer))
	require.NoError(t, err)

	builder := envelope.NewBuilder(r.peer.identity, cache, envelope.X509Trust{}, nil)
	msg, skipped, err := builder.Seal(context.Background(), out)
	require.NoError(t, err)
	require.Empty(t, skipped)
	return msg
}

func waitTask(t *testing.T, tk interface{ Wait() }) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		tk.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("task did not finish")
	}
}

func waitStatus(t *testing.T, ledger *lifecycle.Ledger, id uuid.UUID, want lifecycle.Status) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := ledger.Message(context.Background(), id)
		if err == nil && msg.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	msg, err := ledger.Message(context.Background(), id)
	if err != nil {
		t.Fatalf("message %s never reached %s: %v", id, want, err)
	}
	t.Fatalf("message %s stuck at %s, want %s", id, msg.Status, want)
}
