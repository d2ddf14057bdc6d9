package observability

import (
	"context"
	"log/slog"

	"github.com/aretw0/fedmesh/pkg/domain"
)

// Compose returns hooks that call every given hook in order.
func Compose(all ...domain.RoundHooks) domain.RoundHooks {
	return domain.RoundHooks{
		OnStateChange: func(ctx context.Context, e *domain.StateEvent) {
			for _, h := range all {
				if h.OnStateChange != nil {
					h.OnStateChange(ctx, e)
				}
			}
		},
		OnRoundComplete: func(ctx context.Context, e *domain.RoundEvent) {
			for _, h := range all {
				if h.OnRoundComplete != nil {
					h.OnRoundComplete(ctx, e)
				}
			}
		},
		OnRoundAbort: func(ctx context.Context, e *domain.RoundEvent) {
			for _, h := range all {
				if h.OnRoundAbort != nil {
					h.OnRoundAbort(ctx, e)
				}
			}
		},
	}
}

// LoggingHooks writes one structured record per round outcome.
// State changes are logged at debug level.
func LoggingHooks(logger *slog.Logger) domain.RoundHooks {
	return domain.RoundHooks{
		OnStateChange: func(ctx context.Context, e *domain.StateEvent) {
			logger.DebugContext(ctx, "round_state",
				"run_id", e.RunID,
				"round", e.Round,
				"attempt", e.Attempt,
				"from", e.From,
				"to", e.To,
			)
		},
		OnRoundComplete: func(ctx context.Context, e *domain.RoundEvent) {
			attrs := []any{
				"run_id", e.RunID,
				"round", e.Round,
				"attempt", e.Attempt,
				"participants", e.Participants,
				"samples", e.TotalSamples,
				"duration", e.Duration,
			}
			if e.Delta != nil {
				attrs = append(attrs, "changed", e.Delta.Changed, "l2", e.Delta.L2)
			}
			logger.InfoContext(ctx, "round_complete", attrs...)
		},
		OnRoundAbort: func(ctx context.Context, e *domain.RoundEvent) {
			logger.WarnContext(ctx, "round_abort",
				"run_id", e.RunID,
				"round", e.Round,
				"attempt", e.Attempt,
				"missing", e.Missing,
				"err", e.Err,
			)
		},
	}
}
