package resolve

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrUnknownRecipient indicates the resolver has no certificate material
// for an alias. The failure is scoped to that recipient only.
var ErrUnknownRecipient = errors.New("unknown recipient")

// DefaultTTL bounds how long a cached bundle is served without
// re-resolving.
const DefaultTTL = 24 * time.Hour

// DefaultCompactionThreshold is the number of cache accesses after which
// one automatic compaction runs.
const DefaultCompactionThreshold = 50

// Bundle is the certificate material cached per recipient alias.
type Bundle struct {
	Alias          string `json:"alias"`
	EncryptionCert []byte `json:"encryption_cert"`
	SigningCert    []byte `json:"signing_cert"`
	Fingerprint    []byte `json:"fingerprint"`
}

// Resolver fetches fresh certificate material for an alias, typically
// from a directory service. Unknown aliases return ErrUnknownRecipient.
type Resolver interface {
	Resolve(ctx context.Context, alias string) (*Bundle, error)
}

// TimeProvider abstracts time for deterministic TTL testing.
type TimeProvider interface {
	Now() time.Time
}

type realTime struct{}

func (realTime) Now() time.Time { return time.Now() }

// Cache is the persisted alias-to-bundle cache.
type Cache struct {
	db       *sql.DB
	resolver Resolver
	ttl      time.Duration
	clock    TimeProvider

	mu        sync.Mutex
	accesses  int
	threshold int
}

// Option customizes a Cache.
type Option func(*Cache)

// WithTTL overrides the row lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithCompactionThreshold overrides the access count that triggers an
// automatic compaction.
func WithCompactionThreshold(n int) Option {
	return func(c *Cache) { c.threshold = n }
}

// WithTimeProvider injects a clock, used by tests.
func WithTimeProvider(tp TimeProvider) Option {
	return func(c *Cache) { c.clock = tp }
}

// NewCache creates the cache over db, bootstrapping its table if needed.
func NewCache(db *sql.DB, resolver Resolver, opts ...Option) (*Cache, error) {
	c := &Cache{
		db:        db,
		resolver:  resolver,
		ttl:       DefaultTTL,
		threshold: DefaultCompactionThreshold,
		clock:     realTime{},
	}
	for _, opt := range opts {
		opt(c)
	}
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS resolution_cache (
		alias      TEXT PRIMARY KEY,
		bundle     BLOB NOT NULL,
		expires_at INTEGER NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("create resolution cache table: %w", err)
	}
	return c, nil
}

// Lookup returns the cached bundle for alias, re-resolving and persisting
// it when the cached row is missing or expired. Every access counts
// toward the auto-compaction threshold.
func (c *Cache) Lookup(ctx context.Context, alias string) (*Bundle, error) {
	c.noteAccess(ctx)

	now := c.clock.Now()
	var raw []byte
	var expiresAt int64
	err := c.db.QueryRowContext(ctx,
		`SELECT bundle, expires_at FROM resolution_cache WHERE alias = ?`, alias).
		Scan(&raw, &expiresAt)
	switch {
	case err == nil && expiresAt > now.UnixNano():
		var b Bundle
		if jsonErr := json.Unmarshal(raw, &b); jsonErr == nil {
			return &b, nil
		}
		// A corrupt row falls through to a fresh resolve.
		logrus.WithFields(logrus.Fields{
			"function": "Lookup",
			"alias":    alias,
		}).Warn("Corrupt cache row, re-resolving")
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("cache query for %q: %w", alias, err)
	}

	return c.reload(ctx, alias)
}

// Invalidate removes the row for alias, forcing a reload on next access.
func (c *Cache) Invalidate(ctx context.Context, alias string) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM resolution_cache WHERE alias = ?`, alias)
	if err != nil {
		return fmt.Errorf("invalidate %q: %w", alias, err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Invalidate",
		"alias":    alias,
	}).Debug("Cache entry invalidated")
	return nil
}

// Compact deletes expired rows only and returns how many were removed.
func (c *Cache) Compact(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM resolution_cache WHERE expires_at <= ?`, c.clock.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("compact resolution cache: %w", err)
	}
	removed, _ := res.RowsAffected()
	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Compact",
			"removed":  removed,
		}).Debug("Compacted resolution cache")
	}
	return removed, nil
}

// reload resolves alias and persists the bundle with a fresh TTL.
func (c *Cache) reload(ctx context.Context, alias string) (*Bundle, error) {
	b, err := c.resolver.Resolve(ctx, alias)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", alias, err)
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode bundle for %q: %w", alias, err)
	}
	expiresAt := c.clock.Now().Add(c.ttl).UnixNano()
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO resolution_cache(alias, bundle, expires_at) VALUES(?,?,?)
		 ON CONFLICT(alias) DO UPDATE SET bundle=excluded.bundle, expires_at=excluded.expires_at`,
		alias, raw, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("persist bundle for %q: %w", alias, err)
	}
	return b, nil
}

// noteAccess bumps the access counter and runs exactly one compaction
// each time the threshold is crossed.
func (c *Cache) noteAccess(ctx context.Context) {
	c.mu.Lock()
	c.accesses++
	compact := c.threshold > 0 && c.accesses >= c.threshold
	if compact {
		c.accesses = 0
	}
	c.mu.Unlock()
	if compact {
		if _, err := c.Compact(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "noteAccess",
				"error":    err.Error(),
			}).Warn("Auto-compaction failed")
		}
	}
}
