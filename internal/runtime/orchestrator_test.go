package runtime_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/fedmesh/internal/runtime"
	"github.com/aretw0/fedmesh/internal/testutils"
	"github.com/aretw0/fedmesh/pkg/adapters/inproc"
	"github.com/aretw0/fedmesh/pkg/aggregate"
	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/aretw0/fedmesh/pkg/model"
	"github.com/aretw0/fedmesh/pkg/party"
	"github.com/aretw0/fedmesh/pkg/ports"
	"github.com/aretw0/fedmesh/pkg/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lr = 0.5

type fitFunc func(context.Context, ports.Model) (int, error)

func (f fitFunc) Fit(ctx context.Context, m ports.Model) (int, error) { return f(ctx, m) }

// fixedStep trains by applying grad once.
func fixedStep(grad domain.Vector, samples int) ports.Trainer {
	return fitFunc(func(_ context.Context, m ports.Model) (int, error) {
		return samples, m.ApplyGradient(grad)
	})
}

// stallFirst blocks the first call until the attempt is canceled.
func stallFirst(inner ports.Trainer) ports.Trainer {
	var calls atomic.Int32
	return fitFunc(func(ctx context.Context, m ports.Model) (int, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return inner.Fit(ctx, m)
	})
}

type fixture struct {
	coord     *party.Coordinator
	transport *inproc.Transport
	ids       []string
}

func newFixture(t *testing.T, coordOpts []party.Option, partOpts []party.Option, trainers map[string]ports.Trainer, ids ...string) *fixture {
	t.Helper()
	cm := model.NewLinear(1, lr)
	require.NoError(t, cm.SetParameters(domain.Vector{1, 1}))
	coord := party.NewCoordinator(cm, coordOpts...)

	var handlers []ports.RoundHandler
	for _, id := range ids {
		opts := append([]party.Option{party.WithLearningRate(lr)}, partOpts...)
		handlers = append(handlers, party.NewParticipant(id, model.NewLinear(1, lr), trainers[id], opts...))
	}
	tr, err := inproc.New(handlers)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return &fixture{coord: coord, transport: tr, ids: ids}
}

func TestRunRound_WeightedAverage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil, map[string]ports.Trainer{
		"p1": fixedStep(domain.Vector{1, 1}, 600),
		"p2": fixedStep(domain.Vector{0, 2}, 400),
	}, "p1", "p2")

	var states []domain.RoundState
	var completed *domain.RoundEvent
	orch, err := runtime.New(f.coord, f.transport, f.ids,
		runtime.WithTimeout(time.Second),
		runtime.WithHooks(domain.RoundHooks{
			OnStateChange:   func(_ context.Context, e *domain.StateEvent) { states = append(states, e.To) },
			OnRoundComplete: func(_ context.Context, e *domain.RoundEvent) { completed = e },
		}),
	)
	require.NoError(t, err)

	event, err := orch.RunRound(ctx, 0)
	require.NoError(t, err)

	// aggregate gradient [0.6, 1.4], one SGD step at lr 0.5
	assert.InDeltaSlice(t, []float64{1 - lr*0.6, 1 - lr*1.4}, []float64(f.coord.Parameters()), 1e-12)
	assert.Equal(t, 1, orch.Round())
	assert.Equal(t, domain.StateIdle, orch.State())
	assert.Equal(t, []domain.RoundState{
		domain.StateBroadcasting, domain.StateCollecting, domain.StateAggregating, domain.StateUpdated, domain.StateIdle,
	}, states)
	require.NotNil(t, completed)
	assert.Equal(t, event, completed)
	assert.Equal(t, 1000, event.TotalSamples)
	require.NotNil(t, event.Delta)
	assert.Equal(t, 2, event.Delta.Changed)

	view := orch.View()
	assert.Equal(t, 0, view.Round)
	assert.Len(t, view.Participants, 2)
	assert.Equal(t, 600, view.Participants["p1"].SampleCount)
}

func TestRunRound_UnavailableAbortsWithoutMutation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil, map[string]ports.Trainer{
		"p1": fixedStep(domain.Vector{1, 1}, 1),
		"p2": stallFirst(fixedStep(domain.Vector{1, 1}, 1)),
		"p3": fixedStep(domain.Vector{1, 1}, 1),
	}, "p1", "p2", "p3")

	var aborted *domain.RoundEvent
	orch, err := runtime.New(f.coord, f.transport, f.ids,
		runtime.WithTimeout(50*time.Millisecond),
		runtime.WithHooks(domain.RoundHooks{
			OnRoundAbort: func(_ context.Context, e *domain.RoundEvent) { aborted = e },
		}),
	)
	require.NoError(t, err)
	before := f.coord.Parameters()

	_, err = orch.RunRound(ctx, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRoundAborted)
	assert.ErrorIs(t, err, domain.ErrParticipantUnavailable)
	assert.True(t, domain.Recoverable(err))

	assert.Equal(t, domain.StateAborted, orch.State())
	assert.Equal(t, 0, orch.Round())
	assert.True(t, before.Equal(f.coord.Parameters()), "aborted round must not touch the global state")
	require.NotNil(t, aborted)
	assert.Equal(t, []string{"p2"}, aborted.Missing)

	// The retry ignores the stale reply of the aborted attempt.
	_, err = orch.RunRound(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, orch.Round())
	assert.InDeltaSlice(t, []float64{1 - lr, 1 - lr}, []float64(f.coord.Parameters()), 1e-12)
}

func TestRunRound_MixedRepresentationsIsFatal(t *testing.T) {
	ctx := context.Background()
	sparsify, err := transform.NewSparsify(0.5)
	require.NoError(t, err)

	cm := model.NewLinear(1, lr)
	coord := party.NewCoordinator(cm)
	handlers := []ports.RoundHandler{
		party.NewParticipant("dense", model.NewLinear(1, lr), fixedStep(domain.Vector{1, 1}, 1), party.WithLearningRate(lr)),
		party.NewParticipant("sparse", model.NewLinear(1, lr), fixedStep(domain.Vector{1, 1}, 1), party.WithLearningRate(lr), party.WithChain(transform.NewChain(sparsify))),
	}
	tr, err := inproc.New(handlers)
	require.NoError(t, err)
	defer tr.Close()

	orch, err := runtime.New(coord, tr, []string{"dense", "sparse"}, runtime.WithTimeout(time.Second))
	require.NoError(t, err)

	_, err = orch.RunRound(ctx, 0)
	assert.ErrorIs(t, err, domain.ErrIncompatibleRepresentations)
	assert.False(t, domain.Recoverable(err))
	assert.Equal(t, domain.Vector{0, 0}, coord.Parameters())
}

func TestRunRound_EncryptedServerSide(t *testing.T) {
	ctx := context.Background()
	sk := testutils.EncryptionKey(t, 0)

	trainers := map[string]ports.Trainer{
		"p1": fixedStep(domain.Vector{1, 1}, 600),
		"p2": fixedStep(domain.Vector{0, 2}, 400),
	}
	f := newFixture(t,
		[]party.Option{party.WithChain(transform.NewChain(transform.NewEncryption(sk.Public(), transform.WithPrivateKey(sk))))},
		[]party.Option{party.WithChain(transform.NewChain(transform.NewEncryption(sk.Public())))},
		trainers, "p1", "p2")

	orch, err := runtime.New(f.coord, f.transport, f.ids,
		runtime.WithTimeout(time.Second),
		runtime.WithAggregator(aggregate.New(aggregate.WithAdder(sk.Public()))),
	)
	require.NoError(t, err)

	_, err = orch.RunRound(ctx, 0)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1 - lr*0.6, 1 - lr*1.4}, []float64(f.coord.Parameters()), 1e-9)
}

func TestRunRound_EncryptedParticipantSide(t *testing.T) {
	ctx := context.Background()
	sk := testutils.EncryptionKey(t, 0)

	trainers := map[string]ports.Trainer{
		"p1": fixedStep(domain.Vector{1, 1}, 600),
		"p2": fixedStep(domain.Vector{0, 2}, 400),
	}
	f := newFixture(t,
		[]party.Option{
			party.WithUpdateMode(domain.UpdateParticipant),
			party.WithChain(transform.NewChain(transform.NewEncryption(sk.Public()))),
		},
		[]party.Option{
			party.WithUpdateMode(domain.UpdateParticipant),
			party.WithChain(transform.NewChain(transform.NewEncryption(sk.Public(), transform.WithPrivateKey(sk)))),
		},
		trainers, "p1", "p2")

	orch, err := runtime.New(f.coord, f.transport, f.ids,
		runtime.WithTimeout(time.Second),
		runtime.WithAggregator(aggregate.New(aggregate.WithAdder(sk.Public()))),
	)
	require.NoError(t, err)

	_, err = orch.RunRound(ctx, 0)
	require.NoError(t, err)

	view := orch.View()
	assert.Equal(t, domain.Vector{1, 1}, view.Coordinator.Parameters, "coordinator never applies in participant mode")
	require.NotNil(t, view.Coordinator.LastAggregate)
	assert.Equal(t, domain.RepresentationEncrypted, view.Coordinator.LastAggregate.Payload.Kind())

	want := []float64{1 - lr*0.6, 1 - lr*1.4}
	for _, id := range f.ids {
		assert.InDeltaSlice(t, want, []float64(view.Participants[id].Parameters), 1e-9, id)
	}
}

func TestNew_Validation(t *testing.T) {
	coord := party.NewCoordinator(model.NewLinear(1, lr))
	tr, err := inproc.New(nil)
	require.NoError(t, err)
	defer tr.Close()

	_, err = runtime.New(coord, tr, nil)
	assert.Error(t, err)
	_, err = runtime.New(coord, tr, []string{"a", "a"})
	assert.Error(t, err)
	_, err = runtime.New(nil, tr, []string{"a"})
	assert.Error(t, err)
}
