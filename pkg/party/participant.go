package party

import (
	"context"
	"fmt"
	"sync"

	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/aretw0/fedmesh/pkg/ports"
	"github.com/aretw0/fedmesh/pkg/transform"
)

// Participant owns a private model and dataset and produces one contribution per round.
type Participant struct {
	id      string
	model   ports.Model
	trainer ports.Trainer
	opts    options

	optimizer    stepper
	optimizerErr error

	mu          sync.Mutex
	initialized bool
	committed   domain.Vector // parameters at the start of the pending round
	lastSamples int
}

var _ ports.RoundHandler = (*Participant)(nil)

// NewParticipant creates a participant.
func NewParticipant(id string, model ports.Model, trainer ports.Trainer, opts ...Option) *Participant {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	p := &Participant{
		id:      id,
		model:   model,
		trainer: trainer,
		opts:    o,
	}
	p.optimizer, p.optimizerErr = newStepper(o.optimizer)
	return p
}

// ID returns the participant identifier.
func (p *Participant) ID() string { return p.id }

// Chain returns the attached transform chain.
func (p *Participant) Chain() transform.Chain { return p.opts.chain }

// LocalUpdate trains on private data starting from the global parameters and
// returns the contribution after the chain's OnSend.
//
// In participant-side update mode the global parameters are only loaded on the
// first round. Later rounds restart from the last applied aggregate, which makes
// a retried attempt produce the same contribution.
func (p *Participant) LocalUpdate(ctx context.Context, rc domain.RoundContext, global domain.Vector) (domain.Contribution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.opts.update == domain.UpdateServer || !p.initialized {
		if global == nil {
			return domain.Contribution{}, fmt.Errorf("participant %s: round %d without global parameters", p.id, rc.Round)
		}
		if err := p.model.SetParameters(global); err != nil {
			return domain.Contribution{}, fmt.Errorf("participant %s: load global parameters: %w", p.id, err)
		}
		p.initialized = true
		p.committed = global.Clone()
	} else if err := p.model.SetParameters(p.committed); err != nil {
		return domain.Contribution{}, fmt.Errorf("participant %s: restore parameters: %w", p.id, err)
	}

	prev := p.model.Parameters()
	samples, err := p.trainer.Fit(ctx, p.model)
	if err != nil {
		return domain.Contribution{}, fmt.Errorf("participant %s: local training: %w", p.id, err)
	}
	p.lastSamples = samples

	updated := p.model.Parameters()
	var values domain.Vector
	switch p.opts.contribution {
	case domain.ContributeWeights:
		values = updated
	default:
		values = make(domain.Vector, len(prev))
		for i := range prev {
			values[i] = (prev[i] - updated[i]) / p.opts.lr
		}
	}

	contrib := domain.Contribution{
		ParticipantID: p.id,
		Round:         rc.Round,
		Payload:       domain.PlaintextVector{Values: values},
		SampleCount:   samples,
	}
	out, err := p.opts.chain.Send(ctx, contrib)
	if err != nil {
		return domain.Contribution{}, fmt.Errorf("participant %s: %w", p.id, err)
	}

	p.opts.logger.Debug("Local update done", "participant", p.id, "round", rc.Round, "attempt", rc.Attempt, "samples", samples, "payload", out.Payload.Kind())
	return out, nil
}

// HandleAggregate applies a pushed aggregate in participant-side update mode.
// The chain's OnReceive runs first, so an encrypted aggregate is decrypted here.
func (p *Participant) HandleAggregate(ctx context.Context, result domain.AggregationResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return fmt.Errorf("participant %s: aggregate before initialization", p.id)
	}
	if p.optimizerErr != nil {
		return fmt.Errorf("participant %s: %w", p.id, p.optimizerErr)
	}
	result, err := p.opts.chain.Receive(ctx, result)
	if err != nil {
		return fmt.Errorf("participant %s: %w", p.id, err)
	}
	values, ok := result.Plaintext()
	if !ok {
		return fmt.Errorf("%w: participant %s cannot apply a %s aggregate", domain.ErrIncompatibleRepresentations, p.id, result.Payload.Kind())
	}

	switch p.opts.contribution {
	case domain.ContributeWeights:
		err = p.model.SetParameters(values)
	default:
		if err = p.model.SetParameters(p.committed); err == nil {
			err = p.optimizer.step(p.model, values)
		}
	}
	if err != nil {
		return fmt.Errorf("participant %s: apply aggregate: %w", p.id, err)
	}
	p.committed = p.model.Parameters()
	return nil
}

// Handle answers a coordinator request.
// A failed request yields an error and a reply carrying the error message.
func (p *Participant) Handle(ctx context.Context, env domain.Envelope) (domain.Envelope, error) {
	replyPhase, ok := env.Phase.Reply()
	if !ok {
		return domain.Envelope{}, &domain.OrderError{From: env.From, Expected: domain.RoundTag{Round: env.Round, Attempt: env.Attempt, Phase: domain.PhaseRound}, Got: env.Tag()}
	}
	reply := domain.Envelope{Round: env.Round, Attempt: env.Attempt, Phase: replyPhase, From: p.id}

	var err error
	switch env.Phase {
	case domain.PhaseRound:
		var c domain.Contribution
		c, err = p.LocalUpdate(ctx, domain.RoundContext{Round: env.Round, Attempt: env.Attempt}, env.Parameters)
		if err == nil {
			reply.Contribution = &c
		}
	case domain.PhaseAggregate:
		if env.Aggregate == nil {
			err = fmt.Errorf("participant %s: aggregate phase without aggregate", p.id)
		} else {
			err = p.HandleAggregate(ctx, *env.Aggregate)
		}
	}
	if err != nil {
		reply.Error = err.Error()
	}
	return reply, err
}

// Forward runs the private model for evaluation.
func (p *Participant) Forward(input domain.Vector) (domain.Vector, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.model.Forward(input)
}

// View returns a snapshot for the observation callback.
func (p *Participant) View() domain.ParticipantView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return domain.ParticipantView{
		ID:          p.id,
		Parameters:  p.model.Parameters(),
		SampleCount: p.lastSamples,
	}
}
