// Package model provides a reference implementation of the model oracle:
// a linear regressor trained with plain SGD on synthetic data.
//
// It exists so the round protocol can be exercised end to end without an
// external ML runtime. Parameters are laid out as [w_0 .. w_{d-1}, bias].
package model

import (
	"fmt"
	"sync"

	"github.com/aretw0/fedmesh/pkg/domain"
	"gonum.org/v1/gonum/mat"
)

// Linear is a single-output linear regressor.
type Linear struct {
	mu     sync.RWMutex
	params domain.Vector
	lr     float64
}

// NewLinear creates a model with dim input features, all parameters at zero.
func NewLinear(dim int, lr float64) *Linear {
	return &Linear{
		params: make(domain.Vector, dim+1),
		lr:     lr,
	}
}

// Dim returns the number of input features.
func (m *Linear) Dim() int { return len(m.params) - 1 }

// LearningRate returns the SGD step size.
func (m *Linear) LearningRate() float64 { return m.lr }

// Forward returns the prediction for one feature vector.
func (m *Linear) Forward(input domain.Vector) (domain.Vector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dim := len(m.params) - 1
	if len(input) != dim {
		return nil, fmt.Errorf("%w: model takes %d features, got %d", domain.ErrShapeMismatch, dim, len(input))
	}
	y := m.params[dim]
	if dim > 0 {
		y += mat.Dot(mat.NewVecDense(dim, m.params[:dim]), mat.NewVecDense(dim, input))
	}
	return domain.Vector{y}, nil
}

// Parameters returns a copy of the parameters.
func (m *Linear) Parameters() domain.Vector {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.params.Clone()
}

// SetParameters replaces the parameters.
func (m *Linear) SetParameters(params domain.Vector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(params) != len(m.params) {
		return fmt.Errorf("%w: model has %d parameters, got %d", domain.ErrShapeMismatch, len(m.params), len(params))
	}
	copy(m.params, params)
	return nil
}

// ApplyGradient performs params -= lr * delta.
func (m *Linear) ApplyGradient(delta domain.Vector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(delta) != len(m.params) {
		return fmt.Errorf("%w: model has %d parameters, got gradient of %d", domain.ErrShapeMismatch, len(m.params), len(delta))
	}
	// params is never empty, it always holds the bias
	p := mat.NewVecDense(len(m.params), m.params)
	p.AddScaledVec(p, -m.lr, mat.NewVecDense(len(delta), delta))
	return nil
}

// ComputeLoss returns the mean squared error.
func (m *Linear) ComputeLoss(output, target domain.Vector) (float64, error) {
	if len(output) != len(target) {
		return 0, fmt.Errorf("%w: %d outputs for %d targets", domain.ErrShapeMismatch, len(output), len(target))
	}
	if len(output) == 0 {
		return 0, nil
	}
	var diff mat.VecDense
	diff.SubVec(mat.NewVecDense(len(output), output), mat.NewVecDense(len(target), target))
	return mat.Dot(&diff, &diff) / float64(len(output)), nil
}
