package domain

import (
	"context"
	"time"
)

// EventType defines the category of the event.
type EventType string

const (
	EventStateChange   EventType = "state_change"
	EventRoundComplete EventType = "round_complete"
	EventRoundAbort    EventType = "round_abort"
)

// EventBase contains common fields for all events.
type EventBase struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
}

// StateEvent represents a transition of the round state machine.
type StateEvent struct {
	EventBase
	Round   int        `json:"round"`
	Attempt int        `json:"attempt"`
	From    RoundState `json:"from"`
	To      RoundState `json:"to"`
}

// RoundEvent summarizes a finished or aborted round.
type RoundEvent struct {
	EventBase
	Round        int           `json:"round"`
	Attempt      int           `json:"attempt"`
	Participants int           `json:"participants"`
	TotalSamples int           `json:"total_samples,omitempty"`
	Duration     time.Duration `json:"duration"`
	Delta        *VectorDelta  `json:"delta,omitempty"`
	Missing      []string      `json:"missing,omitempty"`
	Err          error         `json:"-"`
}

// RoundHooks defines callbacks for orchestrator observability.
type RoundHooks struct {
	OnStateChange   func(context.Context, *StateEvent)
	OnRoundComplete func(context.Context, *RoundEvent)
	OnRoundAbort    func(context.Context, *RoundEvent)
}

// CoordinatorView is a read-only snapshot of the Coordinator.
type CoordinatorView struct {
	Parameters    Vector             `json:"parameters"`
	Mode          UpdateMode         `json:"mode"`
	LastAggregate *AggregationResult `json:"last_aggregate,omitempty"`
}

// ParticipantView is a read-only snapshot of a Participant.
type ParticipantView struct {
	ID          string `json:"id"`
	Parameters  Vector `json:"parameters"`
	SampleCount int    `json:"sample_count"`
}

// RoundView is handed to the observation callback once per completed round.
// Every field is a copy; mutating it has no effect on the protocol.
type RoundView struct {
	Round        int                        `json:"round"`
	Coordinator  CoordinatorView            `json:"coordinator"`
	Participants map[string]ParticipantView `json:"participants,omitempty"`
}

// Observer receives a RoundView after each completed round.
type Observer func(context.Context, RoundView)
