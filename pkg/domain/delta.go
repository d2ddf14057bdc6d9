package domain

import (
	"fmt"
	"math"
)

// VectorDelta summarizes how the global parameters moved in one round.
type VectorDelta struct {
	// Changed counts the positions whose value differs.
	Changed int `json:"changed"`
	// L2 is the Euclidean norm of (new - old).
	L2 float64 `json:"l2"`
	// MaxAbs is the largest absolute element change.
	MaxAbs float64 `json:"max_abs"`
}

// Diff calculates the difference between oldParams and newParams.
// If oldParams is nil, every element of newParams counts as changed (initial load).
// It returns nil when nothing changed.
func Diff(oldParams, newParams Vector) (*VectorDelta, error) {
	if oldParams != nil && len(oldParams) != len(newParams) {
		return nil, fmt.Errorf("%w: cannot diff %d against %d elements", ErrShapeMismatch, len(oldParams), len(newParams))
	}

	delta := &VectorDelta{}
	var sumSq float64
	for i, nv := range newParams {
		var ov float64
		if oldParams != nil {
			ov = oldParams[i]
		}
		if oldParams != nil && ov == nv {
			continue
		}
		d := nv - ov
		delta.Changed++
		sumSq += d * d
		if abs := math.Abs(d); abs > delta.MaxAbs {
			delta.MaxAbs = abs
		}
	}

	if delta.Changed == 0 {
		return nil, nil
	}
	delta.L2 = math.Sqrt(sumSq)
	return delta, nil
}
