// Package courier is a client-side secure message transport core: it
// seals messages for multiple recipients, moves them through a
// dependency-ordered task engine, tracks their delivery lifecycle in a
// local store, and survives process restarts by reconciling against the
// OS background transfer session.
package courier

import (
	"bytes"
	"context"
	"crypto/x509"
	"database/sql"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/courier/envelope"
	"github.com/opd-ai/courier/lifecycle"
	"github.com/opd-ai/courier/pipeline"
	"github.com/opd-ai/courier/reconcile"
	"github.com/opd-ai/courier/resolve"
	"github.com/opd-ai/courier/storage"
	"github.com/opd-ai/courier/transport"
	"github.com/opd-ai/courier/wire"
)

// Options configures a Client. Identity, Service, Resolver and DBPath
// are required; everything else has a usable default.
type Options struct {
	// DBPath is the SQLite database location; ":memory:" for ephemeral.
	DBPath string
	// Identity is the local user's keys and alias.
	Identity *envelope.Identity
	// Resolver fetches recipient certificate bundles on cache misses.
	Resolver resolve.Resolver
	// Service is the message RPC surface.
	Service transport.MessageService
	// Tokens supplies bearer tokens for the HTTP transfer endpoints.
	Tokens transport.TokenSource
	// Reachability reports network state; nil means always reachable.
	Reachability transport.Reachability
	// Registry enumerates surviving background transfers; nil disables
	// reconciliation.
	Registry reconcile.Registry
	// Foreground reports which chat is on screen; nil means none.
	Foreground lifecycle.Foreground

	// SendEndpoint and FetchEndpoint are the HTTP transfer URLs.
	SendEndpoint  string
	FetchEndpoint string
	// HTTPClient is used for payload transfers; nil means the default.
	HTTPClient *http.Client

	// Anchors are the trust anchors recipient certificates chain to.
	Anchors *x509.CertPool
	// PollInterval is the receive polling period; zero means 30s.
	PollInterval time.Duration
	// UploadThreshold, MaxSendAttempts and Workers tune the pipeline.
	UploadThreshold int64
	MaxSendAttempts int
	Workers         int
	// CacheTTL overrides the resolution cache TTL.
	CacheTTL time.Duration
}

// Client ties the courier subsystems together.
type Client struct {
	opts   Options
	db     *sql.DB
	dao    *storage.MessageDAO
	blobs  *storage.BlobStore
	cache  *resolve.Cache
	ledger *lifecycle.Ledger
	engine *pipeline.Engine
	events *reconcile.Events
	recon  *reconcile.Reconciler

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	loop    sync.WaitGroup
}

// New wires a client from options. The caller owns the returned client
// and must Stop it.
func New(opts Options) (*Client, error) {
	switch {
	case opts.Identity == nil:
		return nil, errors.New("courier: identity is required")
	case opts.Service == nil:
		return nil, errors.New("courier: message service is required")
	case opts.Resolver == nil:
		return nil, errors.New("courier: resolver is required")
	case opts.DBPath == "":
		return nil, errors.New("courier: database path is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}

	db, err := storage.Open(opts.DBPath)
	if err != nil {
		return nil, err
	}

	var cacheOpts []resolve.Option
	if opts.CacheTTL > 0 {
		cacheOpts = append(cacheOpts, resolve.WithTTL(opts.CacheTTL))
	}
	cache, err := resolve.NewCache(db, opts.Resolver, cacheOpts...)
	if err != nil {
		db.Close()
		return nil, err
	}

	dao := storage.NewMessageDAO(db)
	blobs := storage.NewBlobStore(db)
	ledger := lifecycle.NewLedger(dao, opts.Foreground)

	var uploader *transport.Uploader
	var downloader *transport.Downloader
	if opts.SendEndpoint != "" && opts.Tokens != nil {
		uploader = transport.NewUploader(opts.SendEndpoint, opts.HTTPClient, opts.Tokens)
	}
	if opts.FetchEndpoint != "" && opts.Tokens != nil {
		downloader = transport.NewDownloader(opts.FetchEndpoint, opts.HTTPClient, opts.Tokens)
	}

	engine, err := pipeline.NewEngine(pipeline.Config{
		Identity:        opts.Identity,
		Anchors:         opts.Anchors,
		Service:         opts.Service,
		Uploader:        uploader,
		Downloader:      downloader,
		Tokens:          opts.Tokens,
		Reachability:    opts.Reachability,
		Cache:           cache,
		Ledger:          ledger,
		Blobs:           blobs,
		UploadThreshold: opts.UploadThreshold,
		MaxSendAttempts: opts.MaxSendAttempts,
		Workers:         opts.Workers,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	c := &Client{
		opts:   opts,
		db:     db,
		dao:    dao,
		blobs:  blobs,
		cache:  cache,
		ledger: ledger,
		engine: engine,
		events: reconcile.NewEvents(),
	}
	if opts.Registry != nil {
		c.recon = reconcile.NewReconciler(opts.Registry, engine, c.events,
			opts.SendEndpoint, opts.FetchEndpoint)
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"alias":    opts.Identity.Alias,
	}).Info("Courier client created")
	return c, nil
}

// Start reconciles surviving background transfers, sweeps interrupted
// sends and begins polling for inbound messages.
func (c *Client) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("courier: already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.started = true
	c.mu.Unlock()

	if c.recon != nil {
		if _, err := c.recon.Reconcile(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Start",
				"error":    err.Error(),
			}).Warn("Background transfer reconciliation failed")
		}
	} else {
		if _, err := c.engine.Sweep(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Start",
				"error":    err.Error(),
			}).Warn("Startup sweep failed")
		}
	}

	c.loop.Add(1)
	go c.pollLoop(ctx)
	return nil
}

// Stop halts polling and shuts the engine down. Executing tasks are
// cancelled cooperatively.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.loop.Wait()
	c.engine.Stop()
	if err := c.db.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Stop",
			"error":    err.Error(),
		}).Warn("Failed to close message store")
	}
}

func (c *Client) pollLoop(ctx context.Context) {
	defer c.loop.Done()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := c.engine.PollOnce(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "pollLoop",
				"error":    err.Error(),
			}).Warn("Receive poll failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// NetworkRestored re-runs the sweep after connectivity comes back.
func (c *Client) NetworkRestored(ctx context.Context) (int, error) {
	return c.engine.Sweep(ctx)
}

// TransferCompleted reports a background-transfer outcome from the
// platform layer; a nil err means success.
func (c *Client) TransferCompleted(transferID string, err error) {
	c.events.Complete(transferID, err)
}

// SendText sends a content payload to the chat's recipients and returns
// the new message id. The payload bytes are stored locally so the
// message can be re-sent after an interruption.
func (c *Client) SendText(ctx context.Context, chatID string, recipients []string, payload []byte) (uuid.UUID, error) {
	id := uuid.New()

	// One ownership count belongs to the message row, a second to the
	// in-flight send; the pipeline releases its own when the send settles.
	stored, err := c.blobs.Put(bytes.NewReader(payload))
	if err != nil {
		return uuid.Nil, err
	}
	sending, err := c.blobs.Acquire(stored.ID())
	if err != nil {
		return uuid.Nil, err
	}

	out := &envelope.Outbound{
		ID:         id,
		Kind:       wire.KindContent,
		ChatID:     chatID,
		Recipients: recipients,
		Payload:    sending,
		Metadata:   map[string]string{"sentAt": wire.Timestamp(time.Now())},
	}
	if _, err := c.engine.SendMessage(ctx, out); err != nil {
		sending.Delete()
		stored.Delete()
		return uuid.Nil, err
	}
	return id, nil
}

// DeleteMessage tombstones a message locally and tells the chat's
// recipients to do the same.
func (c *Client) DeleteMessage(ctx context.Context, chatID string, target uuid.UUID) error {
	msg, err := c.ledger.Message(ctx, target)
	if err == nil && msg.PayloadBlob != 0 {
		if relErr := c.blobs.ReleaseBlob(msg.PayloadBlob); relErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "DeleteMessage",
				"id":       target.String(),
				"error":    relErr.Error(),
			}).Warn("Failed to release payload blob")
		}
	}
	if err := c.ledger.Tombstone(ctx, target, chatID); err != nil {
		return err
	}
	recipients, err := c.ledger.ChatRecipients(ctx, chatID)
	if err != nil {
		return err
	}
	c.engine.SendSystem(wire.DeleteBody{Target: target}, chatID, recipients)
	return nil
}

// Clarify asks a message's sender to re-send it in a clearer form and
// flags it locally.
func (c *Client) Clarify(ctx context.Context, target uuid.UUID) error {
	msg, err := c.ledger.Message(ctx, target)
	if err != nil {
		return err
	}
	if err := c.ledger.Clarify(ctx, target); err != nil {
		return err
	}
	c.engine.SendSystem(wire.ClarifyBody{Target: target}, msg.ChatID, []string{msg.Sender})
	return nil
}

// MarkViewed records that the local user viewed a message and sends the
// view receipt to its sender.
func (c *Client) MarkViewed(ctx context.Context, target uuid.UUID) error {
	msg, err := c.ledger.Message(ctx, target)
	if err != nil {
		return err
	}
	if err := c.ledger.MarkChatRead(ctx, msg.ChatID); err != nil && !errors.Is(err, lifecycle.ErrNotFound) {
		return err
	}
	c.engine.SendSystem(wire.ViewReceiptBody{Target: target, ViewedAt: time.Now()},
		msg.ChatID, []string{msg.Sender})
	return nil
}

// EnterChat announces the local user joining a chat.
func (c *Client) EnterChat(ctx context.Context, chatID string, recipients []string) error {
	for _, alias := range recipients {
		if err := c.ledger.RecipientEntered(ctx, chatID, alias); err != nil {
			return err
		}
	}
	c.engine.SendSystem(wire.EnterBody{}, chatID, recipients)
	return nil
}

// ExitChat announces the local user leaving a chat.
func (c *Client) ExitChat(ctx context.Context, chatID string) error {
	recipients, err := c.ledger.ChatRecipients(ctx, chatID)
	if err != nil {
		return err
	}
	c.engine.SendSystem(wire.ExitBody{}, chatID, recipients)
	return nil
}

// OnMessageReceived registers a callback for decrypted inbound content.
func (c *Client) OnMessageReceived(fn func(msg *envelope.Inbound)) {
	c.engine.OnMessageReceived(fn)
}

// OnStatusChanged registers a callback for message status transitions.
func (c *Client) OnStatusChanged(fn func(msg *lifecycle.Message, previous lifecycle.Status)) {
	c.ledger.OnStatusChanged(fn)
}

// OnNotify registers a callback for background-chat arrivals that should
// raise a local notification.
func (c *Client) OnNotify(fn func(msg *lifecycle.Message)) {
	c.ledger.OnNotify(fn)
}

// OnSignedOut registers a callback for unrecoverable credential failure.
func (c *Client) OnSignedOut(fn func()) {
	c.engine.OnSignedOut(fn)
}

// Message loads one message by id.
func (c *Client) Message(ctx context.Context, id uuid.UUID) (*lifecycle.Message, error) {
	return c.ledger.Message(ctx, id)
}
