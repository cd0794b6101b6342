package pipeline

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/courier/envelope"
	"github.com/opd-ai/courier/task"
)

// Engine owns the task queue and builds send and receive graphs on it.
type Engine struct {
	cfg     Config
	queue   *task.Queue
	builder *envelope.Builder
	opener  *envelope.Opener

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}

	msgReceived     func(msg *envelope.Inbound)
	signedOut       func()
	deviceAuthorize func(device string)
}

// NewEngine creates an engine from the config.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		queue:    task.NewQueue(cfg.Workers),
		builder:  envelope.NewBuilder(cfg.Identity, cfg.Cache, cfg.Trust, cfg.Anchors),
		opener:   envelope.NewOpener(cfg.Identity, cfg.Cache, cfg.Trust, cfg.Anchors),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[uuid.UUID]struct{}),
	}
	logrus.WithFields(logrus.Fields{
		"function": "NewEngine",
		"workers":  cfg.Workers,
	}).Info("Send/receive engine created")
	return e, nil
}

// Queue exposes the engine's task queue for auxiliary tasks.
func (e *Engine) Queue() *task.Queue { return e.queue }

// Stop cancels outstanding work and shuts the queue down.
func (e *Engine) Stop() {
	e.cancel()
	e.queue.Stop()
}

// OnMessageReceived registers a callback for decrypted inbound content
// messages. It runs on a queue worker.
func (e *Engine) OnMessageReceived(fn func(msg *envelope.Inbound)) {
	e.mu.Lock()
	e.msgReceived = fn
	e.mu.Unlock()
}

// OnSignedOut registers a callback for unrecoverable credential failure.
func (e *Engine) OnSignedOut(fn func()) {
	e.mu.Lock()
	e.signedOut = fn
	e.mu.Unlock()
}

// OnDeviceAuthorize registers a callback for device authorization
// messages from another device of this identity.
func (e *Engine) OnDeviceAuthorize(fn func(device string)) {
	e.mu.Lock()
	e.deviceAuthorize = fn
	e.mu.Unlock()
}

// MarkInflight records a message id as having a live transfer, so the
// sweep leaves it alone. The reconciler marks recovered background
// transfers this way.
func (e *Engine) MarkInflight(id uuid.UUID) {
	e.mu.Lock()
	e.inflight[id] = struct{}{}
	e.mu.Unlock()
}

// ClearInflight drops an id from the live-transfer set.
func (e *Engine) ClearInflight(id uuid.UUID) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

// Inflight reports whether a message id has a live transfer.
func (e *Engine) Inflight(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[id]
	return ok
}

// refreshToken forces a token refresh after an authentication rejection,
// escalating to the signed-out callback when the refresh itself fails.
func (e *Engine) refreshToken() {
	if e.cfg.Tokens == nil {
		return
	}
	if _, err := e.cfg.Tokens.Refresh(e.ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "refreshToken",
			"error":    err.Error(),
		}).Error("Token refresh failed, signing out")
		e.mu.Lock()
		fn := e.signedOut
		e.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
}
