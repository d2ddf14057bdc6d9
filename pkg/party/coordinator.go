package party

import (
	"context"
	"fmt"
	"sync"

	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/aretw0/fedmesh/pkg/ports"
	"github.com/aretw0/fedmesh/pkg/transform"
)

// Coordinator owns the global model state of a run.
type Coordinator struct {
	model ports.Model
	opts  options

	mu   sync.RWMutex
	last *domain.AggregationResult
}

// NewCoordinator creates a coordinator around the global model.
func NewCoordinator(model ports.Model, opts ...Option) *Coordinator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Coordinator{model: model, opts: o}
}

// Parameters returns a copy of the global parameters.
func (c *Coordinator) Parameters() domain.Vector {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model.Parameters()
}

// Restore replaces the global parameters, e.g. from a checkpoint.
func (c *Coordinator) Restore(params domain.Vector) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model.SetParameters(params)
}

// Chain returns the attached transform chain.
func (c *Coordinator) Chain() transform.Chain { return c.opts.chain }

// UpdateMode returns which party applies aggregates.
func (c *Coordinator) UpdateMode() domain.UpdateMode { return c.opts.update }

// Receive runs the chain's OnReceive over a fresh aggregate.
func (c *Coordinator) Receive(ctx context.Context, result domain.AggregationResult) (domain.AggregationResult, error) {
	return c.opts.chain.Receive(ctx, result)
}

// ApplyAggregate is the only operation that mutates the global state.
//
// In participant-side update mode the aggregate is recorded but not applied:
// the coordinator may not hold the key to decrypt it.
func (c *Coordinator) ApplyAggregate(result domain.AggregationResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opts.update == domain.UpdateParticipant {
		c.record(result)
		return nil
	}

	values, ok := result.Plaintext()
	if !ok {
		return fmt.Errorf("%w: coordinator cannot apply a %s aggregate without a private key", domain.ErrIncompatibleRepresentations, result.Payload.Kind())
	}

	var err error
	switch c.opts.contribution {
	case domain.ContributeWeights:
		err = c.model.SetParameters(values)
	default:
		err = c.model.ApplyGradient(values)
	}
	if err != nil {
		return fmt.Errorf("apply aggregate of round %d: %w", result.Round, err)
	}
	c.record(result)
	c.opts.logger.Debug("Aggregate applied", "round", result.Round, "contributors", len(result.Contributors), "samples", result.TotalSamples)
	return nil
}

// Forward runs the global model for evaluation.
func (c *Coordinator) Forward(input domain.Vector) (domain.Vector, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model.Forward(input)
}

// View returns a snapshot for the observation callback.
func (c *Coordinator) View() domain.CoordinatorView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	view := domain.CoordinatorView{
		Parameters: c.model.Parameters(),
		Mode:       c.opts.update,
	}
	if c.last != nil {
		last := c.last.Clone()
		view.LastAggregate = &last
	}
	return view
}

// record keeps a private copy of the last aggregate; the caller keeps ownership of result.
func (c *Coordinator) record(result domain.AggregationResult) {
	last := result.Clone()
	c.last = &last
}
