package transform

import (
	"context"
	"fmt"

	"github.com/aretw0/fedmesh/pkg/domain"
)

// Layer transforms contributions on the way out and aggregates on the way in.
type Layer interface {
	// Name identifies the layer in logs and errors.
	Name() string

	// OnSend runs on a participant before a contribution leaves it.
	OnSend(ctx context.Context, c domain.Contribution) (domain.Contribution, error)

	// OnReceive runs on the party that applies an aggregate.
	OnReceive(ctx context.Context, r domain.AggregationResult) (domain.AggregationResult, error)
}

// Chain is an immutable ordered list of layers.
type Chain struct {
	layers []Layer
}

// NewChain composes layers in the given order.
func NewChain(layers ...Layer) Chain {
	return Chain{layers: append([]Layer(nil), layers...)}
}

// Attach returns a new chain with l appended. The receiver is not modified.
func (c Chain) Attach(l Layer) Chain {
	out := make([]Layer, len(c.layers), len(c.layers)+1)
	copy(out, c.layers)
	return Chain{layers: append(out, l)}
}

// Len returns the number of layers.
func (c Chain) Len() int { return len(c.layers) }

// Names lists the layers in attachment order.
func (c Chain) Names() []string {
	names := make([]string, len(c.layers))
	for i, l := range c.layers {
		names[i] = l.Name()
	}
	return names
}

// Send applies every layer's OnSend in attachment order.
func (c Chain) Send(ctx context.Context, contrib domain.Contribution) (domain.Contribution, error) {
	var err error
	for _, l := range c.layers {
		contrib, err = l.OnSend(ctx, contrib)
		if err != nil {
			return domain.Contribution{}, fmt.Errorf("transform %s: send: %w", l.Name(), err)
		}
	}
	return contrib, nil
}

// Receive applies every layer's OnReceive in reverse attachment order.
func (c Chain) Receive(ctx context.Context, result domain.AggregationResult) (domain.AggregationResult, error) {
	var err error
	for i := len(c.layers) - 1; i >= 0; i-- {
		l := c.layers[i]
		result, err = l.OnReceive(ctx, result)
		if err != nil {
			return domain.AggregationResult{}, fmt.Errorf("transform %s: receive: %w", l.Name(), err)
		}
	}
	return result, nil
}

// Identity passes payloads through unchanged.
type Identity struct{}

func (Identity) Name() string { return "identity" }

func (Identity) OnSend(_ context.Context, c domain.Contribution) (domain.Contribution, error) {
	return c, nil
}

func (Identity) OnReceive(_ context.Context, r domain.AggregationResult) (domain.AggregationResult, error) {
	return r, nil
}
