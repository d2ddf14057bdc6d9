package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/aretw0/fedmesh"
	"github.com/aretw0/fedmesh/internal/config"
	"github.com/aretw0/fedmesh/pkg/adapters/comm/websocket"
	"github.com/aretw0/fedmesh/pkg/adapters/ranked"
	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/aretw0/fedmesh/pkg/model"
	"github.com/aretw0/fedmesh/pkg/party"
)

// NetworkOptions controls the coordinator and participant commands.
type NetworkOptions struct {
	// Addr overrides network.addr of the run file.
	Addr   string
	Out    io.Writer
	Logger *slog.Logger
}

func (o NetworkOptions) addr(f *config.File) (string, error) {
	if o.Addr != "" {
		return o.Addr, nil
	}
	if f.Network.Addr != "" {
		return f.Network.Addr, nil
	}
	return "", fmt.Errorf("no coordinator address: set network.addr or --addr")
}

// RunCoordinator listens for every participant of the run file as rank 0
// and drives the rounds once all of them are connected.
func RunCoordinator(ctx context.Context, f *config.File, opts NetworkOptions) (*fedmesh.Result, error) {
	logger := opts.Logger
	addr, err := opts.addr(f)
	if err != nil {
		return nil, err
	}

	chain, adder, err := BuildChain(f, RoleCoordinator)
	if err != nil {
		return nil, err
	}
	dim := len(f.Model.Truth) - 1
	coordinator := party.NewCoordinator(model.NewLinear(dim, f.Model.LearningRate), PartyOptions(f, chain, logger)...)

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

	ids := f.IDs()
	logger.Info("Waiting for participants", "addr", addr, "expected", len(ids))
	comm, err := websocket.Listen(ctx, addr, len(ids)+1, websocket.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	transport, err := ranked.NewTransport(comm, ids, ranked.WithLogger(logger))
	if err != nil {
		_ = comm.Close()
		return nil, err
	}

	engine, err := fedmesh.New(coordinator, transport, ids,
		EngineOptions(f, persistence, adder, telemetry.Hooks(logger), logger)...)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	// Close sends the shutdown phase to every participant.
	defer engine.Close()

	return engine.Run(ctx, f.Rounds, func(_ context.Context, view domain.RoundView) {
		fmt.Fprintf(opts.Out, "round %d\tparams %v\n", view.Round, view.Coordinator.Parameters)
	})
}

// RunParticipant connects participant id to the coordinator and serves
// rounds until the coordinator shuts the run down.
func RunParticipant(ctx context.Context, f *config.File, id string, opts NetworkOptions) error {
	logger := opts.Logger
	addr, err := opts.addr(f)
	if err != nil {
		return err
	}

	rank := -1
	for i, pid := range f.IDs() {
		if pid == id {
			rank = i + 1
		}
	}
	member, ok := f.Member(id)
	if !ok {
		return fmt.Errorf("participant %q is not listed in the run file", id)
	}

	chain, _, err := BuildChain(f, RoleParticipant)
	if err != nil {
		return err
	}
	dim := len(f.Model.Truth) - 1
	trainer := &model.Trainer{
		Data:   model.Synthetic(member.Seed, member.Samples, f.Model.Truth, f.Model.Noise),
		Epochs: f.Model.Epochs,
	}
	p := party.NewParticipant(id, model.NewLinear(dim, f.Model.LearningRate), trainer, PartyOptions(f, chain, logger)...)

	comm, err := websocket.Dial(ctx, addr, rank, len(f.Participants)+1, websocket.WithLogger(logger))
	if err != nil {
		return err
	}
	endpoint, err := ranked.NewEndpoint(comm, ranked.WithLogger(logger))
	if err != nil {
		_ = comm.Close()
		return err
	}
	defer endpoint.Close()

	logger.Info("Connected", "participant", id, "rank", rank, "addr", addr)
	if err := party.Serve(ctx, endpoint, p, logger); err != nil {
		return err
	}
	fmt.Fprintf(opts.Out, "%s\tparams %v\n", id, p.View().Parameters)
	return nil
}
