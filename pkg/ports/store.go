package ports

import (
	"context"

	"github.com/aretw0/fedmesh/pkg/domain"
)

// CheckpointStore defines the interface for persisting the global model between rounds.
// This allows a halted run to resume from its last completed round.
type CheckpointStore interface {
	// Save persists the checkpoint for a given run ID.
	Save(ctx context.Context, runID string, cp *domain.Checkpoint) error

	// Load retrieves the latest checkpoint for a given run ID.
	// Returns domain.ErrCheckpointNotFound if the run has none.
	Load(ctx context.Context, runID string) (*domain.Checkpoint, error)

	// Delete removes the checkpoint for a given run ID.
	Delete(ctx context.Context, runID string) error

	// List returns the run IDs with a stored checkpoint.
	List(ctx context.Context) ([]string, error)
}
