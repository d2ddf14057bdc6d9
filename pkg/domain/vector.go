package domain

import "fmt"

// Vector is a flattened, ordered sequence of model parameters.
type Vector []float64

// Clone returns an independent copy of the vector.
func (v Vector) Clone() Vector {
	if v == nil {
		return nil
	}
	out := make(Vector, len(v))
	copy(out, v)
	return out
}

// Equal reports whether both vectors hold bit-identical values.
func (v Vector) Equal(other Vector) bool {
	if len(v) != len(other) {
		return false
	}
	for i := range v {
		if v[i] != other[i] {
			return false
		}
	}
	return true
}

// Schema fixes the shape of every payload exchanged during a run.
// A zero Length disables validation.
type Schema struct {
	Length int `json:"length" yaml:"length" mapstructure:"length"`
}

// Check returns ErrShapeMismatch when n does not match the schema length.
func (s Schema) Check(n int) error {
	if s.Length == 0 || s.Length == n {
		return nil
	}
	return fmt.Errorf("%w: expected %d elements, got %d", ErrShapeMismatch, s.Length, n)
}
