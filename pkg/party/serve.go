package party

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aretw0/fedmesh/internal/logging"
	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/aretw0/fedmesh/pkg/ports"
)

// Serve runs the participant side of a distributed transport until the
// coordinator sends a shutdown or ctx is canceled.
func Serve(ctx context.Context, endpoint ports.Endpoint, handler ports.RoundHandler, logger *slog.Logger) error {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.With("participant", handler.ID())

	for {
		env, err := endpoint.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}

		if env.Phase == domain.PhaseShutdown {
			logger.Info("Shutdown received", "round", env.Round)
			return nil
		}

		reply, err := handler.Handle(ctx, env)
		if err != nil {
			logger.Warn("Request failed", "round", env.Round, "phase", env.Phase, "error", err)
			if reply.Phase == "" {
				// Unknown request phase: nothing sensible to answer.
				continue
			}
		}
		if err := endpoint.Reply(ctx, reply); err != nil {
			return fmt.Errorf("reply round %d %s: %w", reply.Round, reply.Phase, err)
		}
	}
}
