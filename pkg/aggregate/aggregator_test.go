package aggregate_test

import (
	"context"
	"testing"

	"github.com/aretw0/fedmesh/internal/testutils"
	"github.com/aretw0/fedmesh/pkg/aggregate"
	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/aretw0/fedmesh/pkg/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func plain(id string, samples int, values ...float64) domain.Contribution {
	return domain.Contribution{
		ParticipantID: id,
		SampleCount:   samples,
		Payload:       domain.PlaintextVector{Values: values},
	}
}

func setOf(t *testing.T, contribs ...domain.Contribution) *domain.ContributionSet {
	t.Helper()
	set := domain.NewContributionSet()
	for _, c := range contribs {
		require.NoError(t, set.Add(c))
	}
	return set
}

func TestAggregate_WeightedAverage(t *testing.T) {
	set := setOf(t,
		plain("p1", 600, 1.0, 1.0),
		plain("p2", 400, 0.0, 2.0),
	)

	result, err := aggregate.New().Aggregate(set)
	require.NoError(t, err)

	values, ok := result.Plaintext()
	require.True(t, ok)
	assert.InDeltaSlice(t, []float64{0.6, 1.4}, []float64(values), 1e-12)
	assert.Equal(t, 1000, result.TotalSamples)
	assert.Equal(t, []string{"p1", "p2"}, result.Contributors)
}

func TestWeights_SumToOne(t *testing.T) {
	set := setOf(t,
		plain("a", 3, 0),
		plain("b", 7, 0),
		plain("c", 11, 0),
		plain("d", 1, 0),
	)

	weights := aggregate.Weights(set)
	require.Len(t, weights, 4)

	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-15)
	assert.InDelta(t, 3.0/22.0, weights[0], 1e-15)
}

func TestAggregate_InsertionOrder(t *testing.T) {
	// 1e16 + 1 is not representable, so the order decides whether the 1 survives.
	forward := setOf(t, plain("a", 1, 1e16), plain("b", 1, 1), plain("c", 1, -1e16))
	reordered := setOf(t, plain("a", 1, 1e16), plain("c", 1, -1e16), plain("b", 1, 1))

	agg := aggregate.New()
	r1, err := agg.Aggregate(forward)
	require.NoError(t, err)
	r2, err := agg.Aggregate(reordered)
	require.NoError(t, err)

	large, one, n := 1e16, 1.0, 3.0
	v1, _ := r1.Plaintext()
	v2, _ := r2.Plaintext()
	assert.Equal(t, ((large+one)-large)*(1/n), v1[0])
	assert.Equal(t, ((large-large)+one)*(1/n), v2[0])
	assert.NotEqual(t, v1[0], v2[0])
}

func TestAggregate_SparseDisjoint(t *testing.T) {
	a := domain.Vector{5, 0, 0, -4, 0, 0}
	b := domain.Vector{0, 3, 0, 0, 0, 9}

	sa := transform.TopK(a, 2)
	sb := transform.TopK(b, 2)
	require.Equal(t, []int{0, 3}, sa.Indices)
	require.Equal(t, []int{1, 5}, sb.Indices)

	set := setOf(t,
		domain.Contribution{ParticipantID: "a", SampleCount: 1, Payload: sa},
		domain.Contribution{ParticipantID: "b", SampleCount: 1, Payload: sb},
	)
	result, err := aggregate.New().Aggregate(set)
	require.NoError(t, err)

	values, ok := result.Plaintext()
	require.True(t, ok)
	for i := range a {
		assert.Equal(t, (a[i]+b[i])/2, values[i], "element %d", i)
	}
}

func TestAggregate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		agg     *aggregate.Aggregator
		set     func(t *testing.T) *domain.ContributionSet
		wantErr error
	}{
		{
			name: "sparse length mismatch",
			agg:  aggregate.New(),
			set: func(t *testing.T) *domain.ContributionSet {
				return setOf(t,
					domain.Contribution{ParticipantID: "a", SampleCount: 1, Payload: domain.SparseVector{Indices: []int{0}, Values: domain.Vector{1}, Length: 4}},
					domain.Contribution{ParticipantID: "b", SampleCount: 1, Payload: domain.SparseVector{Indices: []int{0}, Values: domain.Vector{1}, Length: 5}},
				)
			},
			wantErr: domain.ErrShapeMismatch,
		},
		{
			name: "dense length mismatch",
			agg:  aggregate.New(),
			set: func(t *testing.T) *domain.ContributionSet {
				return setOf(t, plain("a", 1, 1, 2), plain("b", 1, 1, 2, 3))
			},
			wantErr: domain.ErrShapeMismatch,
		},
		{
			name: "schema mismatch",
			agg:  aggregate.New(aggregate.WithSchema(domain.Schema{Length: 3})),
			set: func(t *testing.T) *domain.ContributionSet {
				return setOf(t, plain("a", 1, 1, 2))
			},
			wantErr: domain.ErrShapeMismatch,
		},
		{
			name: "mixed representations",
			agg:  aggregate.New(),
			set: func(t *testing.T) *domain.ContributionSet {
				return setOf(t,
					plain("a", 1, 1, 0),
					domain.Contribution{ParticipantID: "b", SampleCount: 1, Payload: domain.SparseVector{Indices: []int{0}, Values: domain.Vector{1}, Length: 2}},
				)
			},
			wantErr: domain.ErrIncompatibleRepresentations,
		},
		{
			name: "encrypted without adder",
			agg:  aggregate.New(),
			set: func(t *testing.T) *domain.ContributionSet {
				return setOf(t, domain.Contribution{ParticipantID: "a", SampleCount: 1, Payload: domain.EncryptedVector{KeyID: "k", Blocks: []domain.Ciphertext{{1}}, Slots: 1, Length: 1, Weight: 1}})
			},
			wantErr: domain.ErrIncompatibleRepresentations,
		},
		{
			name:    "empty set",
			agg:     aggregate.New(),
			set:     func(t *testing.T) *domain.ContributionSet { return domain.NewContributionSet() },
			wantErr: aggregate.ErrEmptySet,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.agg.Aggregate(tt.set(t))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAggregate_EncryptedMatchesPlaintext(t *testing.T) {
	ctx := context.Background()
	sk := testutils.EncryptionKey(t, 0)
	layer := transform.NewEncryption(sk.Public(), transform.WithPrivateKey(sk))

	raw := []domain.Contribution{
		plain("p1", 600, 1.0, 1.0, -0.25),
		plain("p2", 400, 0.0, 2.0, 3.5),
		plain("p3", 7, 0.125, -8, 0),
	}

	plainResult, err := aggregate.New().Aggregate(setOf(t, raw...))
	require.NoError(t, err)
	want, _ := plainResult.Plaintext()

	encSet := domain.NewContributionSet()
	for _, c := range raw {
		enc, err := layer.OnSend(ctx, c)
		require.NoError(t, err)
		require.NoError(t, encSet.Add(enc))
	}

	encResult, err := aggregate.New(aggregate.WithAdder(sk.Public())).Aggregate(encSet)
	require.NoError(t, err)

	ev, ok := encResult.Payload.(domain.EncryptedVector)
	require.True(t, ok, "aggregate must stay encrypted")
	assert.Equal(t, 1007, ev.Weight)

	decrypted, err := layer.OnReceive(ctx, encResult)
	require.NoError(t, err)
	got, ok := decrypted.Plaintext()
	require.True(t, ok)
	assert.InDeltaSlice(t, []float64(want), []float64(got), 1e-9)
}

func TestAggregate_EncryptedSparse(t *testing.T) {
	ctx := context.Background()
	sk := testutils.EncryptionKey(t, 0)

	sparsify, err := transform.NewSparsify(0.5)
	require.NoError(t, err)
	chain := transform.NewChain(sparsify, transform.NewEncryption(sk.Public(), transform.WithPrivateKey(sk)))

	set := domain.NewContributionSet()
	for _, c := range []domain.Contribution{
		plain("a", 2, 4, 0, 0, 1),
		plain("b", 2, 0, 0, 6, -2),
	} {
		out, err := chain.Send(ctx, c)
		require.NoError(t, err)
		require.NoError(t, set.Add(out))
	}

	result, err := aggregate.New(aggregate.WithAdder(sk.Public())).Aggregate(set)
	require.NoError(t, err)
	ev := result.Payload.(domain.EncryptedVector)
	assert.Equal(t, []int{0, 2, 3}, ev.Indices)

	decrypted, err := chain.Receive(ctx, result)
	require.NoError(t, err)
	got, _ := decrypted.Plaintext()
	assert.InDeltaSlice(t, []float64{2, 0, 3, -0.5}, []float64(got), 1e-9)
}

func TestAggregate_EncryptedKeyMismatch(t *testing.T) {
	ctx := context.Background()
	sk1 := testutils.EncryptionKey(t, 0)
	sk2 := testutils.EncryptionKey(t, 1)

	a, err := transform.NewEncryption(sk1.Public()).OnSend(ctx, plain("a", 1, 1))
	require.NoError(t, err)
	b, err := transform.NewEncryption(sk2.Public()).OnSend(ctx, plain("b", 1, 1))
	require.NoError(t, err)

	_, err = aggregate.New(aggregate.WithAdder(sk1.Public())).Aggregate(setOf(t, a, b))
	assert.ErrorIs(t, err, domain.ErrKeyMismatch)
}

func encryptAll(t *testing.T, layer *transform.Encryption, contribs ...domain.Contribution) *domain.ContributionSet {
	t.Helper()
	set := domain.NewContributionSet()
	for _, c := range contribs {
		out, err := layer.OnSend(context.Background(), c)
		require.NoError(t, err)
		require.NoError(t, set.Add(out))
	}
	return set
}

func TestAggregate_EncryptedBlocks(t *testing.T) {
	key := testutils.PlainKey{SlotCount: 2, Cap: 100}
	layer := transform.NewEncryption(key, transform.WithPrivateKey(key))
	set := encryptAll(t, layer,
		plain("a", 1, 1, 2, 3, 4, 5),
		plain("b", 3, 5, 2, 1, 0, -3),
	)

	result, err := aggregate.New(aggregate.WithAdder(key)).Aggregate(set)
	require.NoError(t, err)
	ev := result.Payload.(domain.EncryptedVector)
	assert.Len(t, ev.Blocks, 3)
	assert.Equal(t, 4, ev.Weight)

	decrypted, err := layer.OnReceive(context.Background(), result)
	require.NoError(t, err)
	got, _ := decrypted.Plaintext()
	assert.Equal(t, domain.Vector{4, 2, 1.5, 1, -1}, got)
}

func TestAggregate_EncryptedCapacity(t *testing.T) {
	key := testutils.PlainKey{SlotCount: 4, Cap: 10}
	layer := transform.NewEncryption(key)
	agg := aggregate.New(aggregate.WithAdder(key))

	_, err := agg.Aggregate(encryptAll(t, layer, plain("a", 4, 1), plain("b", 6, 1)))
	assert.NoError(t, err, "a total weight equal to the capacity fits")

	_, err = agg.Aggregate(encryptAll(t, layer, plain("a", 4, 1), plain("b", 7, 1)))
	assert.ErrorIs(t, err, domain.ErrOverflow)
}

func TestAggregate_EncryptedCapacityOfRealKey(t *testing.T) {
	sk := testutils.EncryptionKey(t, 0)
	layer := transform.NewEncryption(sk.Public())

	_, err := aggregate.New(aggregate.WithAdder(sk.Public())).Aggregate(
		encryptAll(t, layer, plain("a", sk.Capacity(), 1), plain("b", 1, 1)))
	assert.ErrorIs(t, err, domain.ErrOverflow)
}

func TestAggregate_EncryptedLayoutMismatch(t *testing.T) {
	narrow := testutils.PlainKey{SlotCount: 2, Cap: 100}
	wide := testutils.PlainKey{SlotCount: 4, Cap: 100}

	set := encryptAll(t, transform.NewEncryption(narrow), plain("a", 1, 1, 2, 3))
	_, err := aggregate.New(aggregate.WithAdder(wide)).Aggregate(set)
	assert.ErrorIs(t, err, domain.ErrShapeMismatch)
}
