package fedmesh

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/fedmesh/internal/logging"
	"github.com/aretw0/fedmesh/internal/runtime"
	"github.com/aretw0/fedmesh/pkg/aggregate"
	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/aretw0/fedmesh/pkg/party"
	"github.com/aretw0/fedmesh/pkg/ports"
	"github.com/aretw0/fedmesh/pkg/session"
	"github.com/google/uuid"
)

// DefaultTimeout bounds each collection step unless WithTimeout says otherwise.
const DefaultTimeout = 30 * time.Second

// Engine is the high-level entry point of the library.
// It drives a Coordinator through a number of rounds over a Transport.
type Engine struct {
	coordinator  *party.Coordinator
	transport    ports.Transport
	participants []string

	orchestrator *runtime.Orchestrator
	aggregator   *aggregate.Aggregator
	hooks        domain.RoundHooks
	logger       *slog.Logger
	timeout      time.Duration
	policy       UnavailablePolicy
	runID        string

	store   ports.CheckpointStore
	locker  ports.DistributedLocker
	lockTTL time.Duration
}

// Option defines a functional option for configuring the Engine.
type Option func(*Engine)

// WithLogger sets a structured logger for the engine and its orchestrator.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithHooks registers round lifecycle callbacks.
func WithHooks(hooks domain.RoundHooks) Option {
	return func(e *Engine) {
		e.hooks = hooks
	}
}

// WithTimeout bounds each collection step. Zero waits forever.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.timeout = d
	}
}

// WithUnavailablePolicy decides what happens when a participant does not answer.
// The default is AbortRun.
func WithUnavailablePolicy(p UnavailablePolicy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithCheckpointStore persists the global parameters after every round and
// resumes an interrupted run from its last checkpoint.
func WithCheckpointStore(store ports.CheckpointStore) Option {
	return func(e *Engine) {
		e.store = store
	}
}

// WithRunID names the run. Checkpoints and locks are keyed by it.
// A random UUID is used when unset.
func WithRunID(id string) Option {
	return func(e *Engine) {
		e.runID = id
	}
}

// WithLocker makes Run hold a distributed lock on the run ID, so two
// Coordinators never drive the same run. ttl must outlive a round.
func WithLocker(locker ports.DistributedLocker, ttl time.Duration) Option {
	return func(e *Engine) {
		e.locker = locker
		e.lockTTL = ttl
	}
}

// WithAggregator replaces the default plaintext aggregator. Encrypted runs
// need one built with aggregate.WithAdder.
func WithAggregator(a *aggregate.Aggregator) Option {
	return func(e *Engine) {
		e.aggregator = a
	}
}

// New creates an Engine. participants fixes the aggregation order for the whole run.
func New(coordinator *party.Coordinator, transport ports.Transport, participants []string, opts ...Option) (*Engine, error) {
	if coordinator == nil {
		return nil, errors.New("coordinator is required")
	}
	if transport == nil {
		return nil, errors.New("transport is required")
	}

	eng := &Engine{
		coordinator:  coordinator,
		transport:    transport,
		participants: append([]string(nil), participants...),
		timeout:      DefaultTimeout,
		policy:       AbortRun(),
	}
	for _, opt := range opts {
		opt(eng)
	}

	if eng.logger == nil {
		eng.logger = logging.NewNop()
	}
	if eng.runID == "" {
		eng.runID = uuid.NewString()
	}
	eng.logger = eng.logger.With("run_id", eng.runID)

	if eng.store != nil && coordinator.UpdateMode() == domain.UpdateParticipant {
		return nil, errors.New("checkpoints require server-side update: in participant-side mode the coordinator never holds the trained parameters")
	}

	orch, err := runtime.New(coordinator, transport, eng.participants,
		runtime.WithHooks(eng.hooks),
		runtime.WithLogger(eng.logger),
		runtime.WithTimeout(eng.timeout),
		runtime.WithAggregator(eng.aggregator),
		runtime.WithRunID(eng.runID),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid engine: %w", err)
	}
	eng.orchestrator = orch
	return eng, nil
}

// RunID returns the identifier of the run.
func (e *Engine) RunID() string { return e.runID }

// Round returns the number of completed rounds.
func (e *Engine) Round() int { return e.orchestrator.Round() }

// State returns the current state of the round state machine.
func (e *Engine) State() domain.RoundState { return e.orchestrator.State() }

// Parameters returns a copy of the global parameters.
func (e *Engine) Parameters() domain.Vector { return e.coordinator.Parameters() }

// View snapshots the coordinator and, for in-process transports, the participants.
func (e *Engine) View() domain.RoundView { return e.orchestrator.View() }

// Close releases the transport.
func (e *Engine) Close() error { return e.transport.Close() }

func (e *Engine) manager() *session.Manager {
	opts := []session.Option{session.WithLogger(e.logger)}
	if e.locker != nil {
		opts = append(opts, session.WithLocker(e.locker), session.WithLockTTL(e.lockTTL))
	}
	return session.NewManager(e.store, opts...)
}
