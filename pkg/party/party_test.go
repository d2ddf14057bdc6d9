package party_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aretw0/fedmesh/internal/testutils"
	"github.com/aretw0/fedmesh/pkg/aggregate"
	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/aretw0/fedmesh/pkg/model"
	"github.com/aretw0/fedmesh/pkg/party"
	"github.com/aretw0/fedmesh/pkg/ports"
	"github.com/aretw0/fedmesh/pkg/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fitFunc adapts a function to ports.Trainer.
type fitFunc func(context.Context, ports.Model) (int, error)

func (f fitFunc) Fit(ctx context.Context, m ports.Model) (int, error) { return f(ctx, m) }

// newParticipant builds a participant whose training applies grad once.
func newParticipant(id string, grad domain.Vector, samples int, opts ...party.Option) (*party.Participant, *model.Linear) {
	m := model.NewLinear(len(grad)-1, 0.5)
	trainer := fitFunc(func(_ context.Context, pm ports.Model) (int, error) {
		return samples, pm.ApplyGradient(grad)
	})
	return party.NewParticipant(id, m, trainer, append([]party.Option{party.WithLearningRate(0.5)}, opts...)...), m
}

func TestParticipant_GradientContribution(t *testing.T) {
	ctx := context.Background()
	p, _ := newParticipant("p1", domain.Vector{2, -4}, 10)

	c, err := p.LocalUpdate(ctx, domain.RoundContext{Round: 3}, domain.Vector{1, 1})
	require.NoError(t, err)

	assert.Equal(t, "p1", c.ParticipantID)
	assert.Equal(t, 3, c.Round)
	assert.Equal(t, 10, c.SampleCount)
	// (prev - new) / lr recovers the applied gradient.
	assert.Equal(t, domain.PlaintextVector{Values: domain.Vector{2, -4}}, c.Payload)

	view := p.View()
	assert.Equal(t, domain.Vector{0, 3}, view.Parameters)
	assert.Equal(t, 10, view.SampleCount)
}

func TestParticipant_WeightsContribution(t *testing.T) {
	p, _ := newParticipant("p1", domain.Vector{2, -4}, 10, party.WithContributionMode(domain.ContributeWeights))

	c, err := p.LocalUpdate(context.Background(), domain.RoundContext{}, domain.Vector{1, 1})
	require.NoError(t, err)
	assert.Equal(t, domain.PlaintextVector{Values: domain.Vector{0, 3}}, c.Payload)
}

func TestParticipant_TrainingFailure(t *testing.T) {
	boom := errors.New("boom")
	m := model.NewLinear(1, 1)
	p := party.NewParticipant("p1", m, fitFunc(func(context.Context, ports.Model) (int, error) {
		return 0, boom
	}))

	reply, err := p.Handle(context.Background(), domain.Envelope{Round: 1, Phase: domain.PhaseRound, Parameters: domain.Vector{0, 0}})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, domain.PhaseContribution, reply.Phase)
	assert.Contains(t, reply.Error, "boom")
	assert.Nil(t, reply.Contribution)
}

func TestParticipant_HandleUnknownPhase(t *testing.T) {
	p, _ := newParticipant("p1", domain.Vector{0, 0}, 1)
	_, err := p.Handle(context.Background(), domain.Envelope{Round: 1, Phase: domain.PhaseAck})
	assert.ErrorIs(t, err, domain.ErrRoundOrderViolation)
}

func TestParticipantSideUpdate(t *testing.T) {
	ctx := context.Background()
	sk := testutils.EncryptionKey(t, 0)

	chain := transform.NewChain(transform.NewEncryption(sk.Public(), transform.WithPrivateKey(sk)))
	opts := []party.Option{party.WithUpdateMode(domain.UpdateParticipant), party.WithChain(chain)}
	p1, m1 := newParticipant("p1", domain.Vector{1, 0}, 3, opts...)
	p2, m2 := newParticipant("p2", domain.Vector{0, 1}, 1, opts...)

	global := domain.Vector{10, 10}
	set := domain.NewContributionSet()
	for _, p := range []*party.Participant{p1, p2} {
		c, err := p.LocalUpdate(ctx, domain.RoundContext{Round: 0}, global)
		require.NoError(t, err)
		require.NoError(t, set.Add(c))
	}

	result, err := aggregate.New(aggregate.WithAdder(sk.Public())).Aggregate(set)
	require.NoError(t, err)

	// The coordinator records the encrypted aggregate and leaves its state alone.
	coordModel := model.NewLinear(1, 0.5)
	require.NoError(t, coordModel.SetParameters(global))
	coord := party.NewCoordinator(coordModel, party.WithUpdateMode(domain.UpdateParticipant),
		party.WithChain(transform.NewChain(transform.NewEncryption(sk.Public()))))
	received, err := coord.Receive(ctx, result)
	require.NoError(t, err)
	require.NoError(t, coord.ApplyAggregate(received))
	assert.Equal(t, global, coord.Parameters())
	require.NotNil(t, coord.View().LastAggregate)
	assert.Equal(t, domain.RepresentationEncrypted, coord.View().LastAggregate.Payload.Kind())

	// Each participant reverts to the round start and steps with the averaged gradient.
	for _, p := range []*party.Participant{p1, p2} {
		require.NoError(t, p.HandleAggregate(ctx, received))
	}
	want := domain.Vector{10 - 0.5*0.75, 10 - 0.5*0.25}
	assert.InDeltaSlice(t, []float64(want), []float64(m1.Parameters()), 1e-9)
	assert.InDeltaSlice(t, []float64(want), []float64(m2.Parameters()), 1e-9)

	// Later rounds ignore broadcast parameters and restart from the applied aggregate.
	c, err := p1.LocalUpdate(ctx, domain.RoundContext{Round: 1}, domain.Vector{99, 99})
	require.NoError(t, err)
	assert.Equal(t, domain.RepresentationEncrypted, c.Payload.Kind())
	assert.InDeltaSlice(t, []float64{want[0] - 0.5, want[1]}, []float64(m1.Parameters()), 1e-9)
}

func TestCoordinator_ApplyAggregate(t *testing.T) {
	m := model.NewLinear(1, 0.5)
	require.NoError(t, m.SetParameters(domain.Vector{1, 1}))
	coord := party.NewCoordinator(m)

	err := coord.ApplyAggregate(domain.AggregationResult{Round: 0, Payload: domain.PlaintextVector{Values: domain.Vector{2, -2}}})
	require.NoError(t, err)
	assert.Equal(t, domain.Vector{0, 2}, coord.Parameters())

	params := coord.Parameters()
	params[0] = 42
	assert.Equal(t, domain.Vector{0, 2}, coord.Parameters(), "Parameters must return a copy")

	err = coord.ApplyAggregate(domain.AggregationResult{Payload: domain.EncryptedVector{Length: 2}})
	assert.ErrorIs(t, err, domain.ErrIncompatibleRepresentations)

	err = coord.ApplyAggregate(domain.AggregationResult{Payload: domain.PlaintextVector{Values: domain.Vector{1}}})
	assert.ErrorIs(t, err, domain.ErrShapeMismatch)
	assert.Equal(t, domain.Vector{0, 2}, coord.Parameters())
}

func TestCoordinator_ViewIsDetached(t *testing.T) {
	m := model.NewLinear(1, 0.5)
	require.NoError(t, m.SetParameters(domain.Vector{1, 1}))
	coord := party.NewCoordinator(m)

	aggregate := domain.Vector{2, -2}
	require.NoError(t, coord.ApplyAggregate(domain.AggregationResult{
		Payload:      domain.PlaintextVector{Values: aggregate},
		Contributors: []string{"p1"},
	}))
	aggregate[0] = 7

	view := coord.View()
	view.LastAggregate.Payload.(domain.PlaintextVector).Values[0] = 999
	view.LastAggregate.Contributors[0] = "intruder"
	view.Parameters[0] = 999

	again := coord.View()
	assert.Equal(t, domain.PlaintextVector{Values: domain.Vector{2, -2}}, again.LastAggregate.Payload)
	assert.Equal(t, []string{"p1"}, again.LastAggregate.Contributors)
	assert.Equal(t, domain.Vector{0, 2}, again.Parameters)
}

func plainAggregate(round int, values ...float64) domain.AggregationResult {
	return domain.AggregationResult{Round: round, Payload: domain.PlaintextVector{Values: values}, TotalSamples: 1}
}

func TestParticipant_GlobalOptimizer(t *testing.T) {
	ctx := context.Background()
	start := domain.Vector{10, 10}

	tests := []struct {
		name  string
		kind  domain.GlobalOptimizer
		want0 domain.Vector
		want1 domain.Vector
	}{
		{"sgd", domain.OptimizeSGD, domain.Vector{8, 10.25}, domain.Vector{7.5, 10}},
		// Bias correction makes the first Adam step lr * sign(g).
		{"adam", domain.OptimizeAdam, domain.Vector{9.5, 10.5}, domain.Vector{9.084701236, 10.473684201}},
		{"none", domain.OptimizeNone, start, start},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, m := newParticipant("p1", domain.Vector{1, -2}, 1,
				party.WithUpdateMode(domain.UpdateParticipant), party.WithGlobalOptimizer(tt.kind))
			_, err := p.LocalUpdate(ctx, domain.RoundContext{Round: 0}, start)
			require.NoError(t, err)

			require.NoError(t, p.HandleAggregate(ctx, plainAggregate(0, 4, -0.5)))
			assert.InDeltaSlice(t, []float64(tt.want0), []float64(m.Parameters()), 1e-6)

			require.NoError(t, p.HandleAggregate(ctx, plainAggregate(1, 1, 0.5)))
			assert.InDeltaSlice(t, []float64(tt.want1), []float64(m.Parameters()), 1e-6)
		})
	}
}

func TestParticipant_AdamStateIsPerParticipant(t *testing.T) {
	ctx := context.Background()
	opts := []party.Option{party.WithUpdateMode(domain.UpdateParticipant), party.WithGlobalOptimizer(domain.OptimizeAdam)}
	p1, m1 := newParticipant("p1", domain.Vector{0, 0}, 1, opts...)
	p2, m2 := newParticipant("p2", domain.Vector{0, 0}, 1, opts...)
	for _, p := range []*party.Participant{p1, p2} {
		_, err := p.LocalUpdate(ctx, domain.RoundContext{}, domain.Vector{0, 0})
		require.NoError(t, err)
	}

	// p1 builds up momentum before both see the same aggregate.
	require.NoError(t, p1.HandleAggregate(ctx, plainAggregate(0, 8, 8)))
	require.NoError(t, p2.HandleAggregate(ctx, plainAggregate(0, 1, 1)))

	require.NoError(t, p1.HandleAggregate(ctx, plainAggregate(1, 1, 1)))
	assert.NotEqual(t, m1.Parameters(), m2.Parameters())
	assert.InDeltaSlice(t, []float64{-0.5, -0.5}, []float64(m2.Parameters()), 1e-6)
}

func TestParticipant_UnknownGlobalOptimizer(t *testing.T) {
	ctx := context.Background()
	p, m := newParticipant("p1", domain.Vector{0, 0}, 1,
		party.WithUpdateMode(domain.UpdateParticipant), party.WithGlobalOptimizer("rmsprop"))
	_, err := p.LocalUpdate(ctx, domain.RoundContext{}, domain.Vector{1, 1})
	require.NoError(t, err)

	assert.ErrorContains(t, p.HandleAggregate(ctx, plainAggregate(0, 1, 1)), "rmsprop")
	assert.Equal(t, domain.Vector{1, 1}, m.Parameters())
}
