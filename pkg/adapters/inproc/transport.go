// Package inproc is the single-process Transport: participants are plain
// RoundHandlers called through a bounded worker pool, with no serialization.
package inproc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/fedmesh/internal/logging"
	"github.com/aretw0/fedmesh/pkg/adapters/mailbox"
	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/aretw0/fedmesh/pkg/ports"
	"github.com/gammazero/workerpool"
)

// DefaultWorkers bounds how many participants run concurrently.
const DefaultWorkers = 4

// ErrClosed is returned after Close.
var ErrClosed = errors.New("inproc: transport closed")

// Viewable is implemented by handlers that can be observed between rounds.
type Viewable interface {
	View() domain.ParticipantView
}

// Transport dispatches envelopes to registered handlers.
type Transport struct {
	mu       sync.RWMutex
	handlers map[string]ports.RoundHandler
	closed   bool

	workers int
	pool    *workerpool.WorkerPool
	box     *mailbox.Mailbox
	logger  *slog.Logger
}

var (
	_ ports.Transport   = (*Transport)(nil)
	_ ports.Inspectable = (*Transport)(nil)
)

// Option configures the Transport.
type Option func(*Transport)

// WithWorkers bounds the number of concurrent participant calls.
func WithWorkers(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.workers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New creates a transport serving the given handlers.
func New(handlers []ports.RoundHandler, opts ...Option) (*Transport, error) {
	t := &Transport{
		handlers: make(map[string]ports.RoundHandler, len(handlers)),
		workers:  DefaultWorkers,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.pool = workerpool.New(t.workers)
	t.box = mailbox.New(t.logger)

	for _, h := range handlers {
		if err := t.Register(h); err != nil {
			t.pool.Stop()
			return nil, err
		}
	}
	return t, nil
}

// Register adds a participant.
func (t *Transport) Register(h ports.RoundHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.handlers[h.ID()]; exists {
		return fmt.Errorf("inproc: participant %s already registered", h.ID())
	}
	t.handlers[h.ID()] = h
	return nil
}

// Broadcast queues one call per recipient. Each recipient gets its own copy
// of the envelope. Shutdown envelopes are not delivered.
func (t *Transport) Broadcast(ctx context.Context, env domain.Envelope, to []string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}
	if env.Phase == domain.PhaseShutdown {
		return nil
	}

	targets := make([]ports.RoundHandler, 0, len(to))
	for _, id := range to {
		h, ok := t.handlers[id]
		if !ok {
			return fmt.Errorf("inproc: unknown participant %s", id)
		}
		targets = append(targets, h)
	}

	for _, h := range targets {
		h := h
		msg := env
		msg.Parameters = env.Parameters.Clone()
		t.pool.Submit(func() {
			reply, err := h.Handle(ctx, msg)
			t.box.Put(mailbox.Reply{From: h.ID(), Envelope: reply, Err: err})
		})
	}
	return nil
}

// Collect waits for the contributions of a round.
func (t *Transport) Collect(ctx context.Context, tag domain.RoundTag, from []string, timeout time.Duration) (*domain.ContributionSet, error) {
	replies, err := t.box.Gather(ctx, tag, from, timeout)
	if err != nil {
		return nil, err
	}
	return mailbox.Contributions(tag, from, replies)
}

// Await waits for the acknowledgements of an aggregate push.
func (t *Transport) Await(ctx context.Context, tag domain.RoundTag, from []string, timeout time.Duration) error {
	_, err := t.box.Gather(ctx, tag, from, timeout)
	return err
}

// ParticipantViews snapshots every handler that supports it.
func (t *Transport) ParticipantViews() map[string]domain.ParticipantView {
	t.mu.RLock()
	defer t.mu.RUnlock()
	views := make(map[string]domain.ParticipantView, len(t.handlers))
	for id, h := range t.handlers {
		if v, ok := h.(Viewable); ok {
			views[id] = v.View()
		}
	}
	return views
}

// Close waits for in-flight calls and releases the pool.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.pool.StopWait()
	t.box.Close()
	return nil
}
