package ports

import (
	"context"
	"time"

	"github.com/aretw0/fedmesh/pkg/domain"
)

// Transport is the Coordinator's channel to the Participants.
// Implementations must make the same protocol behave identically whether
// participants live in-process or in other ranks.
type Transport interface {
	// Broadcast delivers env to every participant in to.
	Broadcast(ctx context.Context, env domain.Envelope, to []string) error

	// Collect blocks until every participant in from replied with a contribution
	// tagged tag, or until timeout elapses. Contributions are inserted in the
	// order of from, independent of arrival order.
	// Returns a *domain.UnavailableError when a participant is missing.
	Collect(ctx context.Context, tag domain.RoundTag, from []string, timeout time.Duration) (*domain.ContributionSet, error)

	// Await blocks until every participant in from acknowledged tag.
	Await(ctx context.Context, tag domain.RoundTag, from []string, timeout time.Duration) error

	// Close releases the transport. Participants receive a shutdown message when supported.
	Close() error
}

// RoundHandler answers a request envelope with a reply envelope.
// Participants implement it; transports call it.
type RoundHandler interface {
	// ID returns the participant identifier.
	ID() string

	// Handle processes a PhaseRound or PhaseAggregate envelope.
	Handle(ctx context.Context, env domain.Envelope) (domain.Envelope, error)
}

// Endpoint is the participant side of a distributed transport.
type Endpoint interface {
	// Receive blocks until the next envelope from the Coordinator arrives.
	Receive(ctx context.Context) (domain.Envelope, error)

	// Reply sends a reply envelope to the Coordinator.
	Reply(ctx context.Context, env domain.Envelope) error

	// Close releases the endpoint.
	Close() error
}

// Inspectable defines transports that can expose read-only participant snapshots.
// This is typically only possible for in-process simulation.
type Inspectable interface {
	ParticipantViews() map[string]domain.ParticipantView
}
