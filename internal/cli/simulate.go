package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/aretw0/fedmesh"
	"github.com/aretw0/fedmesh/internal/config"
	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/aretw0/fedmesh/pkg/simulation"
)

// SimulateOptions controls the simulate command.
type SimulateOptions struct {
	// Rounds overrides the run file when positive.
	Rounds int
	// JSON prints the final Result instead of per-round lines.
	JSON   bool
	Out    io.Writer
	Logger *slog.Logger
}

// Simulate trains the run file's federation in-process.
func Simulate(ctx context.Context, f *config.File, opts SimulateOptions) (*fedmesh.Result, error) {
	logger := opts.Logger
	rounds := f.Rounds
	if opts.Rounds > 0 {
		rounds = opts.Rounds
	}

	coordChain, adder, err := BuildChain(f, RoleCoordinator)
	if err != nil {
		return nil, err
	}
	partChain, _, err := BuildChain(f, RoleParticipant)
	if err != nil {
		return nil, err
	}

	setup, err := simulation.Build(simulation.Config{
		Members:            f.Participants,
		Truth:              f.Model.Truth,
		Noise:              f.Model.Noise,
		Epochs:             f.Model.Epochs,
		LearningRate:       f.Model.LearningRate,
		Workers:            f.Workers,
		HoldoutSeed:        f.Holdout.Seed,
		HoldoutSamples:     f.Holdout.Samples,
		ParticipantOptions: PartyOptions(f, partChain, logger),
		CoordinatorOptions: PartyOptions(f, coordChain, logger),
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}

	persistence, err := OpenStore(ctx, f)
	if err != nil {
		return nil, err
	}
	defer persistence.Close()

	telemetry, err := NewTelemetry()
	if err != nil {
		return nil, err
	}
	stop, err := StartStatusServer(f.Status.Addr, telemetry, persistence.Store, logger)
	if err != nil {
		return nil, err
	}
	defer stop()

	engine, err := fedmesh.New(setup.Coordinator, setup.Transport, setup.IDs(),
		EngineOptions(f, persistence, adder, telemetry.Hooks(logger), logger)...)
	if err != nil {
		return nil, err
	}
	defer engine.Close()

	var observer domain.Observer
	if !opts.JSON {
		observer = func(_ context.Context, view domain.RoundView) {
			printRound(opts.Out, setup, f.UpdateMode, view)
		}
	}

	res, err := engine.Run(ctx, rounds, observer)
	if opts.JSON && res != nil {
		enc := json.NewEncoder(opts.Out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(res); encErr != nil && err == nil {
			err = encErr
		}
	}
	return res, err
}

// printRound writes one summary line per completed round. In participant-side
// mode the coordinator never holds the trained parameters, so the first
// participant's model is evaluated instead.
func printRound(w io.Writer, setup *simulation.Setup, mode domain.UpdateMode, view domain.RoundView) {
	params := view.Coordinator.Parameters
	if mode == domain.UpdateParticipant {
		if p, ok := view.Participants[setup.IDs()[0]]; ok {
			params = p.Parameters
		}
	}
	samples := 0
	if agg := view.Coordinator.LastAggregate; agg != nil {
		samples = agg.TotalSamples
	}

	if setup.Holdout.Len() == 0 {
		fmt.Fprintf(w, "round %d\tsamples %d\tparams %v\n", view.Round, samples, params)
		return
	}
	loss, err := setup.Evaluate(params)
	if err != nil {
		fmt.Fprintf(w, "round %d\tsamples %d\tloss error: %v\n", view.Round, samples, err)
		return
	}
	fmt.Fprintf(w, "round %d\tsamples %d\tloss %.6f\n", view.Round, samples, loss)
}
