package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/fedmesh/internal/logging"
	"github.com/aretw0/fedmesh/pkg/aggregate"
	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/aretw0/fedmesh/pkg/party"
	"github.com/aretw0/fedmesh/pkg/ports"
)

// CoordinatorID is the sender name of every coordinator envelope.
const CoordinatorID = "coordinator"

// Orchestrator drives the round state machine:
//
//	Idle -> Broadcasting -> Collecting -> Aggregating -> Updated -> Idle
//
// A failed attempt ends in Aborted with the global state untouched.
// The round index only advances after Updated.
type Orchestrator struct {
	coordinator  *party.Coordinator
	transport    ports.Transport
	aggregator   *aggregate.Aggregator
	participants []string

	hooks   domain.RoundHooks
	logger  *slog.Logger
	timeout time.Duration
	runID   string

	state domain.RoundState
	round int
}

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithHooks registers lifecycle callbacks.
func WithHooks(hooks domain.RoundHooks) Option {
	return func(o *Orchestrator) {
		o.hooks = hooks
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTimeout bounds every collection step. Zero waits forever.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.timeout = d
	}
}

// WithAggregator replaces the default plaintext-only aggregator.
func WithAggregator(a *aggregate.Aggregator) Option {
	return func(o *Orchestrator) {
		if a != nil {
			o.aggregator = a
		}
	}
}

// WithRunID tags emitted events.
func WithRunID(id string) Option {
	return func(o *Orchestrator) {
		o.runID = id
	}
}

// New creates an orchestrator in the Idle state.
func New(coordinator *party.Coordinator, transport ports.Transport, participants []string, opts ...Option) (*Orchestrator, error) {
	if coordinator == nil || transport == nil {
		return nil, errors.New("orchestrator needs a coordinator and a transport")
	}
	if len(participants) == 0 {
		return nil, errors.New("orchestrator needs at least one participant")
	}
	seen := make(map[string]bool, len(participants))
	for _, id := range participants {
		if seen[id] {
			return nil, fmt.Errorf("duplicate participant %s", id)
		}
		seen[id] = true
	}

	o := &Orchestrator{
		coordinator:  coordinator,
		transport:    transport,
		aggregator:   aggregate.New(),
		participants: append([]string(nil), participants...),
		logger:       logging.NewNop(),
		state:        domain.StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Round returns the index of the next round to run.
func (o *Orchestrator) Round() int { return o.round }

// Resume moves an idle orchestrator to the given round index, e.g. after
// the coordinator was restored from a checkpoint.
func (o *Orchestrator) Resume(round int) error {
	if o.state != domain.StateIdle && o.state != domain.StateAborted {
		return fmt.Errorf("cannot resume while %s", o.state)
	}
	if round < 0 {
		return fmt.Errorf("invalid round %d", round)
	}
	o.round = round
	o.state = domain.StateIdle
	return nil
}

// State returns the current state.
func (o *Orchestrator) State() domain.RoundState { return o.state }

// Participants returns the expected participant IDs in aggregation order.
func (o *Orchestrator) Participants() []string {
	return append([]string(nil), o.participants...)
}

// RunRound executes one attempt of the current round.
// On failure the returned error wraps domain.ErrRoundAborted and the cause.
func (o *Orchestrator) RunRound(ctx context.Context, attempt int) (*domain.RoundEvent, error) {
	if o.state == domain.StateAborted {
		o.transition(ctx, attempt, domain.StateIdle)
	}
	if o.state != domain.StateIdle {
		return nil, fmt.Errorf("round %d: cannot start from state %s", o.round, o.state)
	}

	// Late handlers of this attempt observe cancellation once it ends.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	rc := domain.RoundContext{Round: o.round, Attempt: attempt, Participants: o.Participants()}
	before := o.coordinator.Parameters()

	o.transition(ctx, attempt, domain.StateBroadcasting)
	env := domain.Envelope{Round: rc.Round, Attempt: rc.Attempt, Phase: domain.PhaseRound, From: CoordinatorID, Parameters: before}
	if err := o.transport.Broadcast(ctx, env, rc.Participants); err != nil {
		return nil, o.abort(ctx, rc, start, fmt.Errorf("broadcast: %w", err))
	}

	o.transition(ctx, attempt, domain.StateCollecting)
	set, err := o.transport.Collect(ctx, rc.Tag(domain.PhaseContribution), rc.Participants, o.timeout)
	if err != nil {
		return nil, o.abort(ctx, rc, start, fmt.Errorf("collect: %w", err))
	}

	o.transition(ctx, attempt, domain.StateAggregating)
	result, err := o.aggregator.Aggregate(set)
	if err != nil {
		return nil, o.abort(ctx, rc, start, fmt.Errorf("aggregate: %w", err))
	}
	result, err = o.coordinator.Receive(ctx, result)
	if err != nil {
		return nil, o.abort(ctx, rc, start, err)
	}

	if o.coordinator.UpdateMode() == domain.UpdateParticipant {
		if err := o.push(ctx, rc, result); err != nil {
			return nil, o.abort(ctx, rc, start, err)
		}
	}
	if err := o.coordinator.ApplyAggregate(result); err != nil {
		return nil, o.abort(ctx, rc, start, err)
	}
	o.transition(ctx, attempt, domain.StateUpdated)

	delta, err := domain.Diff(before, o.coordinator.Parameters())
	if err != nil {
		o.logger.Warn("Could not compute round delta", "round", rc.Round, "error", err)
	}
	event := &domain.RoundEvent{
		EventBase:    o.base(domain.EventRoundComplete),
		Round:        rc.Round,
		Attempt:      attempt,
		Participants: set.Len(),
		TotalSamples: result.TotalSamples,
		Duration:     time.Since(start),
		Delta:        delta,
	}

	o.transition(ctx, attempt, domain.StateIdle)
	o.round++

	o.logger.Info("Round complete", "round", rc.Round, "attempt", attempt, "samples", result.TotalSamples, "duration", event.Duration)
	if o.hooks.OnRoundComplete != nil {
		o.hooks.OnRoundComplete(ctx, event)
	}
	return event, nil
}

// push hands the aggregate to every participant and waits for their acks.
// Some participants may already have applied it when this fails, so the
// failure is never reported as a retryable unavailability.
func (o *Orchestrator) push(ctx context.Context, rc domain.RoundContext, result domain.AggregationResult) error {
	env := domain.Envelope{Round: rc.Round, Attempt: rc.Attempt, Phase: domain.PhaseAggregate, From: CoordinatorID, Aggregate: &result}
	err := o.transport.Broadcast(ctx, env, rc.Participants)
	if err == nil {
		err = o.transport.Await(ctx, rc.Tag(domain.PhaseAck), rc.Participants, o.timeout)
	}
	if err != nil {
		return fmt.Errorf("push aggregate to participants: %v", err)
	}
	return nil
}

func (o *Orchestrator) abort(ctx context.Context, rc domain.RoundContext, start time.Time, cause error) error {
	o.transition(ctx, rc.Attempt, domain.StateAborted)

	event := &domain.RoundEvent{
		EventBase: o.base(domain.EventRoundAbort),
		Round:     rc.Round,
		Attempt:   rc.Attempt,
		Duration:  time.Since(start),
		Err:       cause,
	}
	var unavailable *domain.UnavailableError
	if errors.As(cause, &unavailable) {
		event.Missing = unavailable.Missing
	}

	o.logger.Warn("Round aborted", "round", rc.Round, "attempt", rc.Attempt, "missing", event.Missing, "error", cause)
	if o.hooks.OnRoundAbort != nil {
		o.hooks.OnRoundAbort(ctx, event)
	}
	return fmt.Errorf("round %d attempt %d: %w: %w", rc.Round, rc.Attempt, domain.ErrRoundAborted, cause)
}

func (o *Orchestrator) transition(ctx context.Context, attempt int, to domain.RoundState) {
	from := o.state
	o.state = to
	o.logger.Debug("State change", "round", o.round, "attempt", attempt, "from", from, "to", to)
	if o.hooks.OnStateChange != nil {
		o.hooks.OnStateChange(ctx, &domain.StateEvent{
			EventBase: o.base(domain.EventStateChange),
			Round:     o.round,
			Attempt:   attempt,
			From:      from,
			To:        to,
		})
	}
}

func (o *Orchestrator) base(t domain.EventType) domain.EventBase {
	return domain.EventBase{Timestamp: time.Now(), Type: t, RunID: o.runID}
}

// View snapshots the coordinator and, when the transport allows it, every participant.
func (o *Orchestrator) View() domain.RoundView {
	view := domain.RoundView{
		Round:       o.round - 1,
		Coordinator: o.coordinator.View(),
	}
	if in, ok := o.transport.(ports.Inspectable); ok {
		view.Participants = in.ParticipantViews()
	}
	return view
}
