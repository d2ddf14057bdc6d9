package fedmesh

import (
	"context"
	"fmt"
	"time"

	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/aretw0/fedmesh/pkg/session"
	"github.com/sethvargo/go-retry"
)

// UnavailablePolicy decides how a round that lost a participant is handled.
// Only domain.ErrParticipantUnavailable is subject to the policy; every other
// failure ends the run.
type UnavailablePolicy struct {
	maxRetries uint64
	backoff    time.Duration
}

// AbortRun ends the run on the first aborted round.
func AbortRun() UnavailablePolicy { return UnavailablePolicy{} }

// RetryRound re-runs an aborted round up to maxRetries times, waiting an
// exponentially growing delay that starts at backoff.
func RetryRound(maxRetries uint64, backoff time.Duration) UnavailablePolicy {
	if backoff <= 0 {
		backoff = time.Millisecond
	}
	return UnavailablePolicy{maxRetries: maxRetries, backoff: backoff}
}

// Retries returns the number of extra attempts per round.
func (p UnavailablePolicy) Retries() uint64 { return p.maxRetries }

func (p UnavailablePolicy) backoffFor() (retry.Backoff, error) {
	b, err := retry.NewExponential(p.backoff)
	if err != nil {
		return nil, err
	}
	return retry.WithMaxRetries(p.maxRetries, b), nil
}

// Result summarizes a call to Run.
type Result struct {
	RunID      string        `json:"run_id"`
	Rounds     int           `json:"rounds"`
	Resumed    int           `json:"resumed_from"`
	Parameters domain.Vector `json:"parameters"`
}

// Run drives the run until `rounds` rounds are complete. A run resumed from
// a checkpoint only executes the rounds still missing.
//
// The observer, when set, receives a RoundView after every completed round.
// On failure the returned Result reflects the last completed round and the
// error wraps domain.ErrRoundAborted when a round was aborted.
func (e *Engine) Run(ctx context.Context, rounds int, observer domain.Observer) (*Result, error) {
	if rounds < 0 {
		return nil, fmt.Errorf("invalid round count %d", rounds)
	}

	res := &Result{RunID: e.runID}
	body := func(ctx context.Context) error {
		if e.store != nil {
			if err := e.resume(ctx, res); err != nil {
				return err
			}
		}
		return e.loop(ctx, rounds, observer, res)
	}

	var err error
	if e.store != nil || e.locker != nil {
		err = e.manager().WithLock(ctx, e.runID, body)
	} else {
		err = body(ctx)
	}
	res.Rounds = e.orchestrator.Round()
	res.Parameters = e.coordinator.Parameters()
	return res, err
}

func (e *Engine) resume(ctx context.Context, res *Result) error {
	cp, err := session.LoadOrStart(ctx, e.store, e.runID, e.coordinator.Parameters())
	if err != nil {
		return err
	}
	if cp.Round == 0 {
		return nil
	}
	if err := e.coordinator.Restore(cp.Parameters); err != nil {
		return fmt.Errorf("restore checkpoint of round %d: %w", cp.Round, err)
	}
	if err := e.orchestrator.Resume(cp.Round); err != nil {
		return err
	}
	res.Resumed = cp.Round
	e.logger.Info("Resumed from checkpoint", "round", cp.Round)
	return nil
}

func (e *Engine) loop(ctx context.Context, rounds int, observer domain.Observer, res *Result) error {
	for e.orchestrator.Round() < rounds {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.runRound(ctx); err != nil {
			return err
		}
		if observer != nil {
			observer(ctx, e.orchestrator.View())
		}
		if e.store != nil {
			cp := domain.NewCheckpoint(e.runID, e.orchestrator.Round(), e.coordinator.Parameters())
			if err := e.store.Save(ctx, e.runID, cp); err != nil {
				return fmt.Errorf("save checkpoint of round %d: %w", cp.Round, err)
			}
		}
	}
	return nil
}

// runRound runs one round under the unavailable policy.
func (e *Engine) runRound(ctx context.Context) error {
	if e.policy.maxRetries == 0 {
		_, err := e.orchestrator.RunRound(ctx, 0)
		return err
	}

	b, err := e.policy.backoffFor()
	if err != nil {
		return fmt.Errorf("invalid retry policy: %w", err)
	}
	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		_, err := e.orchestrator.RunRound(ctx, attempt)
		attempt++
		if err != nil && domain.Recoverable(err) {
			e.logger.Warn("Round attempt failed", "round", e.orchestrator.Round(), "attempt", attempt-1, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}
