package observability

import (
	"context"
	"sync"
	"time"

	"github.com/aretw0/fedmesh/pkg/domain"
)

// Status is a point-in-time summary of a run.
type Status struct {
	RunID         string             `json:"run_id,omitempty"`
	State         domain.RoundState  `json:"state"`
	Round         int                `json:"round"`
	Attempt       int                `json:"attempt"`
	Completed     int                `json:"completed"`
	Aborted       int                `json:"aborted"`
	LastCompleted *domain.RoundEvent `json:"last_completed,omitempty"`
	LastAbort     *AbortSummary      `json:"last_abort,omitempty"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// AbortSummary is the JSON-friendly form of an abort event.
type AbortSummary struct {
	Round   int      `json:"round"`
	Attempt int      `json:"attempt"`
	Missing []string `json:"missing,omitempty"`
	Error   string   `json:"error"`
}

// Tracker keeps the latest Status and fans events out to subscribers.
type Tracker struct {
	mu     sync.RWMutex
	status Status

	subMu sync.RWMutex
	subs  map[chan any]struct{}
}

// NewTracker creates a Tracker in the Idle state.
func NewTracker() *Tracker {
	return &Tracker{
		status: Status{State: domain.StateIdle},
		subs:   make(map[chan any]struct{}),
	}
}

// Snapshot returns the current Status.
func (t *Tracker) Snapshot() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Subscribe returns a channel of events and a cancel function.
// Slow subscribers lose events instead of blocking the round.
func (t *Tracker) Subscribe() (<-chan any, func()) {
	ch := make(chan any, 16)
	t.subMu.Lock()
	t.subs[ch] = struct{}{}
	t.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.subMu.Lock()
			delete(t.subs, ch)
			t.subMu.Unlock()
			close(ch)
		})
	}
}

func (t *Tracker) publish(event any) {
	t.subMu.RLock()
	defer t.subMu.RUnlock()
	for ch := range t.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Hooks returns the callbacks that keep the Tracker current.
func (t *Tracker) Hooks() domain.RoundHooks {
	return domain.RoundHooks{
		OnStateChange: func(_ context.Context, e *domain.StateEvent) {
			t.mu.Lock()
			t.status.RunID = e.RunID
			t.status.State = e.To
			t.status.Round = e.Round
			t.status.Attempt = e.Attempt
			t.status.UpdatedAt = e.Timestamp
			t.mu.Unlock()
			t.publish(e)
		},
		OnRoundComplete: func(_ context.Context, e *domain.RoundEvent) {
			t.mu.Lock()
			t.status.Completed++
			t.status.LastCompleted = e
			t.status.UpdatedAt = e.Timestamp
			t.mu.Unlock()
			t.publish(e)
		},
		OnRoundAbort: func(_ context.Context, e *domain.RoundEvent) {
			summary := &AbortSummary{Round: e.Round, Attempt: e.Attempt, Missing: e.Missing}
			if e.Err != nil {
				summary.Error = e.Err.Error()
			}
			t.mu.Lock()
			t.status.Aborted++
			t.status.LastAbort = summary
			t.status.UpdatedAt = e.Timestamp
			t.mu.Unlock()
			t.publish(summary)
		},
	}
}
