// Package aggregate combines the contributions of one round into a weighted average.
//
// Accumulation order is the insertion order of the ContributionSet. Each element is
// computed as (n_1*v_1 + n_2*v_2 + ... + n_k*v_k) * (1/N), left to right, where n_i is
// the sample count of the i-th contribution and N their sum. The encrypted path folds
// the same integer multipliers into the ciphertexts and leaves the division to
// decryption, so both paths agree up to the fixed-point precision of the cryptosystem.
// A key bounds N by its Capacity; larger rounds fail with domain.ErrOverflow instead
// of wrapping around the plaintext space.
package aggregate

import (
	"errors"
	"fmt"

	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/aretw0/fedmesh/pkg/ports"
	"gonum.org/v1/gonum/floats"
)

// ErrEmptySet is returned when there is nothing to aggregate.
var ErrEmptySet = errors.New("aggregate: empty contribution set")

// Aggregator is stateless; one instance can serve every round of a run.
type Aggregator struct {
	adder  ports.Adder
	schema domain.Schema
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithAdder enables homomorphic aggregation of encrypted contributions.
func WithAdder(adder ports.Adder) Option {
	return func(a *Aggregator) {
		a.adder = adder
	}
}

// WithSchema fixes the payload length of every contribution.
func WithSchema(schema domain.Schema) Option {
	return func(a *Aggregator) {
		a.schema = schema
	}
}

// New creates an Aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Schema returns the configured payload schema.
func (a *Aggregator) Schema() domain.Schema { return a.schema }

// Weights returns sampleCount_i / sum(sampleCount) in insertion order.
func Weights(set *domain.ContributionSet) []float64 {
	total := float64(set.TotalSamples())
	out := make([]float64, 0, set.Len())
	_ = set.Each(func(c domain.Contribution) error {
		out = append(out, float64(c.SampleCount)/total)
		return nil
	})
	return out
}

// Aggregate dispatches on the payload representation shared by every contribution.
func (a *Aggregator) Aggregate(set *domain.ContributionSet) (domain.AggregationResult, error) {
	if set == nil || set.Len() == 0 {
		return domain.AggregationResult{}, ErrEmptySet
	}

	var (
		round  int
		kind   domain.Representation
		length int
		first  = true
	)
	err := set.Each(func(c domain.Contribution) error {
		if first {
			round, kind, length = c.Round, c.Payload.Kind(), c.Payload.Len()
			first = false
		}
		if c.Round != round {
			return fmt.Errorf("%w: contribution from %s for round %d while aggregating round %d", domain.ErrRoundOrderViolation, c.ParticipantID, c.Round, round)
		}
		if c.Payload.Kind() != kind {
			return fmt.Errorf("%w: %s sent %s, expected %s", domain.ErrIncompatibleRepresentations, c.ParticipantID, c.Payload.Kind(), kind)
		}
		if c.Payload.Len() != length {
			return fmt.Errorf("%w: %s sent %d elements, expected %d", domain.ErrShapeMismatch, c.ParticipantID, c.Payload.Len(), length)
		}
		return nil
	})
	if err != nil {
		return domain.AggregationResult{}, err
	}
	if err := a.schema.Check(length); err != nil {
		return domain.AggregationResult{}, err
	}

	var payload domain.Payload
	switch kind {
	case domain.RepresentationPlaintext, domain.RepresentationSparse:
		payload, err = a.plaintext(set, length)
	case domain.RepresentationEncrypted:
		payload, err = a.encrypted(set, length)
	default:
		err = fmt.Errorf("%w: unknown representation %q", domain.ErrIncompatibleRepresentations, kind)
	}
	if err != nil {
		return domain.AggregationResult{}, err
	}

	return domain.AggregationResult{
		Round:        round,
		Payload:      payload,
		TotalSamples: set.TotalSamples(),
		Contributors: set.IDs(),
	}, nil
}

func (a *Aggregator) plaintext(set *domain.ContributionSet, length int) (domain.Payload, error) {
	sum := make([]float64, length)
	err := set.Each(func(c domain.Contribution) error {
		values, err := dense(c.Payload)
		if err != nil {
			return fmt.Errorf("contribution from %s: %w", c.ParticipantID, err)
		}
		floats.AddScaled(sum, float64(c.SampleCount), values)
		return nil
	})
	if err != nil {
		return nil, err
	}

	floats.Scale(1/float64(set.TotalSamples()), sum)
	return domain.PlaintextVector{Values: sum}, nil
}

func dense(p domain.Payload) (domain.Vector, error) {
	switch v := p.(type) {
	case domain.PlaintextVector:
		return v.Values, nil
	case domain.SparseVector:
		return v.Dense()
	default:
		return nil, fmt.Errorf("%w: %s payload is not plaintext", domain.ErrIncompatibleRepresentations, p.Kind())
	}
}

func (a *Aggregator) encrypted(set *domain.ContributionSet, length int) (domain.Payload, error) {
	if a.adder == nil {
		return nil, fmt.Errorf("%w: encrypted contributions but no homomorphic adder configured", domain.ErrIncompatibleRepresentations)
	}
	keyID, slots := a.adder.KeyID(), a.adder.Slots()
	total := set.TotalSamples()
	if capacity := a.adder.Capacity(); total > capacity {
		return nil, fmt.Errorf("%w: total weight %d exceeds key capacity %d", domain.ErrOverflow, total, capacity)
	}

	acc := make([]domain.Ciphertext, domain.BlockCount(length, slots))
	populated := make([]bool, length)
	allSparse := true
	err := set.Each(func(c domain.Contribution) error {
		ev, ok := c.Payload.(domain.EncryptedVector)
		if !ok {
			return fmt.Errorf("%w: %s payload is not an EncryptedVector", domain.ErrIncompatibleRepresentations, c.ParticipantID)
		}
		if ev.KeyID != keyID {
			return fmt.Errorf("%w: %s encrypted under %s, aggregating under %s", domain.ErrKeyMismatch, c.ParticipantID, ev.KeyID, keyID)
		}
		if ev.Weight > 1 {
			return fmt.Errorf("%w: %s sent an already weighted ciphertext vector", domain.ErrIncompatibleRepresentations, c.ParticipantID)
		}
		if ev.Slots != slots {
			return fmt.Errorf("%w: %s packed %d slots per block, key packs %d", domain.ErrShapeMismatch, c.ParticipantID, ev.Slots, slots)
		}
		if err := ev.Validate(); err != nil {
			return fmt.Errorf("contribution from %s: %w", c.ParticipantID, err)
		}
		if ev.Sparse() {
			for _, idx := range ev.Indices {
				populated[idx] = true
			}
		} else {
			allSparse = false
		}

		for b, ct := range ev.Blocks {
			scaled, err := multiply(a.adder, ct, c.SampleCount)
			if err != nil {
				return fmt.Errorf("contribution from %s, block %d: %w", c.ParticipantID, b, err)
			}
			if acc[b].IsZero() {
				acc[b] = scaled
				continue
			}
			if acc[b], err = a.adder.Add(acc[b], scaled); err != nil {
				return fmt.Errorf("contribution from %s, block %d: %w", c.ParticipantID, b, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := domain.EncryptedVector{
		KeyID:  keyID,
		Blocks: acc,
		Slots:  slots,
		Length: length,
		Weight: total,
	}
	if allSparse {
		out.Indices = []int{}
		for pos, ok := range populated {
			if ok {
				out.Indices = append(out.Indices, pos)
			}
		}
	}
	return out, nil
}

// multiply computes the encryption of k*m from the encryption of m by double-and-add.
func multiply(adder ports.Adder, ct domain.Ciphertext, k int) (domain.Ciphertext, error) {
	if k < 1 {
		return nil, fmt.Errorf("scalar %d must be positive", k)
	}
	var (
		acc  domain.Ciphertext
		base = ct
		err  error
	)
	for k > 0 {
		if k&1 == 1 {
			if acc.IsZero() {
				acc = base
			} else if acc, err = adder.Add(acc, base); err != nil {
				return nil, err
			}
		}
		k >>= 1
		if k > 0 {
			if base, err = adder.Add(base, base); err != nil {
				return nil, err
			}
		}
	}
	return acc, nil
}
