package ports

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunCheckpointStoreContract runs a suite of tests to verify that a CheckpointStore
// implementation adheres to the defined interface contract.
func RunCheckpointStoreContract(t *testing.T, store CheckpointStore) {
	ctx := context.Background()
	runID := "contract-test-run-" + time.Now().Format("20060102150405")

	t.Run("Save and Load", func(t *testing.T) {
		cp := domain.NewCheckpoint(runID, 3, domain.Vector{0.5, -1.25, 3})

		err := store.Save(ctx, runID, cp)
		require.NoError(t, err, "Save should not return error")

		loaded, err := store.Load(ctx, runID)
		require.NoError(t, err, "Load should not return error")
		assert.Equal(t, cp.Round, loaded.Round)
		assert.Equal(t, cp.RunID, loaded.RunID)
		assert.True(t, cp.Parameters.Equal(loaded.Parameters), "parameters must survive bit-identical")
	})

	t.Run("Save Overwrites", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, runID, domain.NewCheckpoint(runID, 4, domain.Vector{1})))
		require.NoError(t, store.Save(ctx, runID, domain.NewCheckpoint(runID, 5, domain.Vector{2})))

		loaded, err := store.Load(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, 5, loaded.Round)
		assert.Equal(t, domain.Vector{2}, loaded.Parameters)
	})

	t.Run("Load Non-Existent", func(t *testing.T) {
		_, err := store.Load(ctx, "non-existent-"+runID)
		assert.ErrorIs(t, err, domain.ErrCheckpointNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		err := store.Save(ctx, runID, domain.NewCheckpoint(runID, 0, domain.Vector{0}))
		require.NoError(t, err)

		err = store.Delete(ctx, runID)
		require.NoError(t, err, "Delete should not return error")

		_, err = store.Load(ctx, runID)
		assert.ErrorIs(t, err, domain.ErrCheckpointNotFound, "Load after Delete should return ErrCheckpointNotFound")
	})

	t.Run("List", func(t *testing.T) {
		id1 := runID + "-1"
		id2 := runID + "-2"
		_ = store.Save(ctx, id1, domain.NewCheckpoint(id1, 0, domain.Vector{1}))
		_ = store.Save(ctx, id2, domain.NewCheckpoint(id2, 0, domain.Vector{2}))

		defer func() {
			_ = store.Delete(ctx, id1)
			_ = store.Delete(ctx, id2)
		}()

		runs, err := store.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, runs, id1)
		assert.Contains(t, runs, id2)
	})
}
