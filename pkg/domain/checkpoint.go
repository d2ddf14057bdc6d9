package domain

import "time"

// Checkpoint is the persisted global model of a run after a completed round.
type Checkpoint struct {
	RunID      string    `json:"run_id"`
	Round      int       `json:"round"`
	Parameters Vector    `json:"parameters,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`

	// Sealed holds the encrypted checkpoint when a store middleware hides
	// the parameters. Parameters is nil in that case.
	Sealed []byte `json:"sealed,omitempty"`
}

// NewCheckpoint creates a checkpoint owning a copy of the parameters.
func NewCheckpoint(runID string, round int, params Vector) *Checkpoint {
	return &Checkpoint{
		RunID:      runID,
		Round:      round,
		Parameters: params.Clone(),
		UpdatedAt:  time.Now().UTC(),
	}
}
