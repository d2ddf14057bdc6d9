package party

import (
	"fmt"
	"math"

	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/aretw0/fedmesh/pkg/ports"
)

const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-8
)

// stepper applies an averaged gradient to a model already reverted to the
// start of the round.
type stepper interface {
	step(m ports.Model, grad domain.Vector) error
}

func newStepper(kind domain.GlobalOptimizer) (stepper, error) {
	switch kind {
	case "", domain.OptimizeSGD:
		return sgd{}, nil
	case domain.OptimizeAdam:
		return &adam{}, nil
	case domain.OptimizeNone:
		return none{}, nil
	default:
		return nil, fmt.Errorf("unknown global optimizer %q", kind)
	}
}

type sgd struct{}

func (sgd) step(m ports.Model, grad domain.Vector) error {
	return m.ApplyGradient(grad)
}

type none struct{}

func (none) step(ports.Model, domain.Vector) error { return nil }

// adam holds the moment estimates of one participant. The model's learning
// rate scales the bias-corrected step.
type adam struct {
	m, v domain.Vector
	t    int
}

func (a *adam) step(m ports.Model, grad domain.Vector) error {
	if a.m == nil {
		a.m = make(domain.Vector, len(grad))
		a.v = make(domain.Vector, len(grad))
	}
	if len(grad) != len(a.m) {
		return fmt.Errorf("%w: adam state has %d parameters, got gradient of %d", domain.ErrShapeMismatch, len(a.m), len(grad))
	}

	t := a.t + 1
	c1 := 1 - math.Pow(adamBeta1, float64(t))
	c2 := 1 - math.Pow(adamBeta2, float64(t))
	m1 := make(domain.Vector, len(grad))
	v1 := make(domain.Vector, len(grad))
	dir := make(domain.Vector, len(grad))
	for i, g := range grad {
		m1[i] = adamBeta1*a.m[i] + (1-adamBeta1)*g
		v1[i] = adamBeta2*a.v[i] + (1-adamBeta2)*g*g
		dir[i] = (m1[i] / c1) / (math.Sqrt(v1[i]/c2) + adamEpsilon)
	}
	if err := m.ApplyGradient(dir); err != nil {
		return err
	}
	a.m, a.v, a.t = m1, v1, t
	return nil
}
