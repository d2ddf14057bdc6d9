package ports

import (
	"context"

	"github.com/aretw0/fedmesh/pkg/domain"
)

// Model is the opaque model oracle. The core never inspects its internals.
type Model interface {
	// Forward runs inference. Used for evaluation only.
	Forward(input domain.Vector) (domain.Vector, error)

	// Parameters returns a copy of the current parameters.
	Parameters() domain.Vector

	// SetParameters replaces the parameters.
	SetParameters(params domain.Vector) error

	// ApplyGradient performs one optimizer step with the given gradient.
	ApplyGradient(delta domain.Vector) error

	// ComputeLoss evaluates the criterion.
	ComputeLoss(output, target domain.Vector) (float64, error)
}

// Trainer runs local optimization steps over a participant's private data.
type Trainer interface {
	// Fit updates m in place and returns the number of samples used.
	Fit(ctx context.Context, m Model) (sampleCount int, err error)
}
