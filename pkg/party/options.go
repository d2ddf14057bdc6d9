package party

import (
	"log/slog"

	"github.com/aretw0/fedmesh/internal/logging"
	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/aretw0/fedmesh/pkg/transform"
)

type options struct {
	chain        transform.Chain
	logger       *slog.Logger
	contribution domain.ContributionMode
	update       domain.UpdateMode
	lr           float64
	optimizer    domain.GlobalOptimizer
}

func defaultOptions() options {
	return options{
		logger:       logging.NewNop(),
		contribution: domain.ContributeGradients,
		update:       domain.UpdateServer,
		lr:           1,
		optimizer:    domain.OptimizeSGD,
	}
}

// Option configures a Participant or a Coordinator.
type Option func(*options)

// WithChain attaches the transform chain of the party.
func WithChain(chain transform.Chain) Option {
	return func(o *options) {
		o.chain = chain
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithContributionMode selects whether gradients or weights are exchanged.
func WithContributionMode(mode domain.ContributionMode) Option {
	return func(o *options) {
		o.contribution = mode
	}
}

// WithUpdateMode selects which party applies the aggregate.
func WithUpdateMode(mode domain.UpdateMode) Option {
	return func(o *options) {
		o.update = mode
	}
}

// WithLearningRate sets the step size used to turn a parameter difference into a
// gradient. It must match the learning rate of the models involved.
func WithLearningRate(lr float64) Option {
	return func(o *options) {
		o.lr = lr
	}
}

// WithGlobalOptimizer selects how a Participant applies the averaged gradient in
// participant-side update mode. An unknown kind fails every HandleAggregate.
func WithGlobalOptimizer(kind domain.GlobalOptimizer) Option {
	return func(o *options) {
		o.optimizer = kind
	}
}
