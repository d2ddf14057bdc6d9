package model

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/aretw0/fedmesh/pkg/ports"
)

// Dataset is a participant's private training data.
type Dataset struct {
	X []domain.Vector
	Y domain.Vector
}

// Len returns the number of samples.
func (d Dataset) Len() int { return len(d.Y) }

// Synthetic draws n samples of y = truth·[x, 1] + noise from a seeded source.
// The same seed always yields the same dataset.
func Synthetic(seed uint64, n int, truth domain.Vector, noise float64) Dataset {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	dim := len(truth) - 1

	ds := Dataset{X: make([]domain.Vector, n), Y: make(domain.Vector, n)}
	for i := 0; i < n; i++ {
		x := make(domain.Vector, dim)
		y := truth[dim]
		for j := range x {
			x[j] = rng.Float64()*2 - 1
			y += truth[j] * x[j]
		}
		ds.X[i] = x
		ds.Y[i] = y + noise*rng.NormFloat64()
	}
	return ds
}

// Trainer runs full-batch gradient descent steps of a Linear model over a Dataset.
type Trainer struct {
	Data   Dataset
	Epochs int
}

var _ ports.Trainer = (*Trainer)(nil)

// Fit updates m in place. m must be laid out like Linear.
func (t *Trainer) Fit(ctx context.Context, m ports.Model) (int, error) {
	n := t.Data.Len()
	if n == 0 {
		return 0, fmt.Errorf("empty dataset")
	}
	epochs := t.Epochs
	if epochs < 1 {
		epochs = 1
	}

	for e := 0; e < epochs; e++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		params := m.Parameters()
		dim := len(params) - 1
		grad := make(domain.Vector, len(params))

		for i, x := range t.Data.X {
			out, err := m.Forward(x)
			if err != nil {
				return 0, err
			}
			residual := 2 * (out[0] - t.Data.Y[i]) / float64(n)
			for j := 0; j < dim; j++ {
				grad[j] += residual * x[j]
			}
			grad[dim] += residual
		}
		if err := m.ApplyGradient(grad); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// Loss evaluates m over the whole dataset.
func (d Dataset) Loss(m ports.Model) (float64, error) {
	out := make(domain.Vector, d.Len())
	for i, x := range d.X {
		y, err := m.Forward(x)
		if err != nil {
			return 0, err
		}
		out[i] = y[0]
	}
	return m.ComputeLoss(out, d.Y)
}
