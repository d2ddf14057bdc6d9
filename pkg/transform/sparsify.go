package transform

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/aretw0/fedmesh/pkg/domain"
)

// Sparsify keeps the top-k elements of a dense payload by magnitude.
type Sparsify struct {
	fraction float64
}

// NewSparsify creates a layer keeping ceil(fraction * n) elements, at least one.
// fraction must lie in (0, 1].
func NewSparsify(fraction float64) (*Sparsify, error) {
	if !(fraction > 0 && fraction <= 1) {
		return nil, fmt.Errorf("sparsify fraction must be in (0, 1], got %v", fraction)
	}
	return &Sparsify{fraction: fraction}, nil
}

func (s *Sparsify) Name() string { return "sparsify" }

// Fraction returns the share of elements kept.
func (s *Sparsify) Fraction() float64 { return s.fraction }

// OnSend replaces a dense plaintext payload by its top-k selection.
// Ties in magnitude keep the lower index. Indices are emitted in ascending order.
func (s *Sparsify) OnSend(_ context.Context, c domain.Contribution) (domain.Contribution, error) {
	p, ok := c.Payload.(domain.PlaintextVector)
	if !ok {
		return domain.Contribution{}, fmt.Errorf("%w: cannot sparsify %s payload", domain.ErrIncompatibleRepresentations, c.Payload.Kind())
	}
	c.Payload = TopK(p.Values, s.k(len(p.Values)))
	return c, nil
}

// OnReceive is the identity: aggregates are already dense.
func (s *Sparsify) OnReceive(_ context.Context, r domain.AggregationResult) (domain.AggregationResult, error) {
	return r, nil
}

func (s *Sparsify) k(n int) int {
	if n == 0 {
		return 0
	}
	k := int(math.Ceil(s.fraction*float64(n) - 1e-9))
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}
	return k
}

// TopK selects the k elements of v with the largest magnitude.
func TopK(v domain.Vector, k int) domain.SparseVector {
	order := make([]int, len(v))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return math.Abs(v[order[a]]) > math.Abs(v[order[b]])
	})

	picked := order[:k]
	sort.Ints(picked)

	out := domain.SparseVector{
		Indices: make([]int, k),
		Values:  make(domain.Vector, k),
		Length:  len(v),
	}
	for i, idx := range picked {
		out.Indices[i] = idx
		out.Values[i] = v[idx]
	}
	return out
}
