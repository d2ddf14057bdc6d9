package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/fedmesh/pkg/adapters/memory"
	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/aretw0/fedmesh/pkg/ports"
	"github.com/aretw0/fedmesh/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slowStore simulates latency to provoke races if locking is missing.
type slowStore struct {
	ports.CheckpointStore
	saves atomic.Int32
}

func (s *slowStore) Save(ctx context.Context, runID string, cp *domain.Checkpoint) error {
	s.saves.Add(1)
	time.Sleep(5 * time.Millisecond)
	return s.CheckpointStore.Save(ctx, runID, cp)
}

func TestManager_LoadOrStart(t *testing.T) {
	store := &slowStore{CheckpointStore: memory.NewStore()}
	manager := session.NewManager(store)
	ctx := context.Background()
	id := "atomic-init"

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cp, err := manager.LoadOrStart(ctx, id, domain.Vector{1, 2})
			assert.NoError(t, err)
			assert.Equal(t, 0, cp.Round)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), store.saves.Load(), "only the first caller initializes")
	cp, err := manager.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.Vector{1, 2}, cp.Parameters)
}

func TestManager_LoadMissing(t *testing.T) {
	manager := session.NewManager(memory.NewStore())
	_, err := manager.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrCheckpointNotFound)
}

type countingLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	ttl      time.Duration
	unlocked int
}

func (l *countingLocker) Lock(ctx context.Context, key string, ttl time.Duration) (ports.UnlockFunc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, errors.New("already held")
	}
	l.held[key] = true
	l.ttl = ttl
	return func(ctx context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		l.unlocked++
		return nil
	}, nil
}

func TestManager_DistributedLock(t *testing.T) {
	locker := &countingLocker{held: map[string]bool{}}
	manager := session.NewManager(memory.NewStore(), session.WithLocker(locker), session.WithLockTTL(time.Minute))
	ctx, cancel := context.WithCancel(context.Background())

	err := manager.WithLock(ctx, "run", func(ctx context.Context) error {
		cancel()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, locker.ttl)
	assert.Equal(t, 1, locker.unlocked, "unlock runs even after cancellation")
	assert.Empty(t, locker.held)
}

func TestManager_Serializes(t *testing.T) {
	manager := session.NewManager(memory.NewStore())
	ctx := context.Background()

	var inside, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = manager.WithLock(ctx, "run", func(context.Context) error {
				n := inside.Add(1)
				if n > peak.Load() {
					peak.Store(n)
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}
