package ports

import (
	"context"
	"errors"
)

// ErrDisconnected is returned by Comm.Recv when a peer rank went away.
var ErrDisconnected = errors.New("peer disconnected")

// Comm is the low-level collective communication layer.
// Rank 0 is always the Coordinator.
type Comm interface {
	// Rank returns the local rank.
	Rank() int

	// Size returns the number of ranks, Coordinator included.
	Size() int

	// Send delivers a frame to a rank.
	Send(ctx context.Context, to int, frame []byte) error

	// Recv blocks until a frame from any rank arrives.
	// When a peer disconnects, it returns that peer's rank and an error wrapping ErrDisconnected.
	Recv(ctx context.Context) (from int, frame []byte, err error)

	// Close releases the communicator.
	Close() error
}
