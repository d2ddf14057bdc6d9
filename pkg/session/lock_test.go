package session

import (
	"context"
	"fmt"
	"testing"

	"github.com/aretw0/fedmesh/pkg/domain"
)

type nopStore struct{}

func (nopStore) Save(context.Context, string, *domain.Checkpoint) error { return nil }
func (nopStore) Load(context.Context, string) (*domain.Checkpoint, error) {
	return nil, domain.ErrCheckpointNotFound
}
func (nopStore) Delete(context.Context, string) error    { return nil }
func (nopStore) List(context.Context) ([]string, error) { return nil, nil }

func TestManager_LockLifecycle(t *testing.T) {
	mgr := NewManager(nopStore{})
	ctx := context.Background()
	count := 10000

	for i := 0; i < count; i++ {
		id := fmt.Sprintf("run-%d", i)
		_ = mgr.Save(ctx, id, domain.NewCheckpoint(id, 0, domain.Vector{1}))
		_ = mgr.Delete(ctx, id)
	}

	if lockCount := len(mgr.locks); lockCount != 0 {
		t.Errorf("Memory Leak Detected: %d locks remaining in memory after Delete", lockCount)
	}
}
