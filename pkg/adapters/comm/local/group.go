// Package local is an in-memory ports.Comm group. Every rank lives in the
// same process and frames are copied through buffered channels.
package local

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aretw0/fedmesh/pkg/ports"
)

// ErrClosed is returned by a Comm after its own Close.
var ErrClosed = errors.New("local comm closed")

const inboxSize = 64

type message struct {
	from  int
	frame []byte
	lost  bool
}

// Group connects size ranks.
type Group struct {
	mu      sync.RWMutex
	inboxes []chan message
	gone    []chan struct{}
	down    []bool
}

// NewGroup creates a group of size ranks.
func NewGroup(size int) *Group {
	g := &Group{
		inboxes: make([]chan message, size),
		gone:    make([]chan struct{}, size),
		down:    make([]bool, size),
	}
	for i := 0; i < size; i++ {
		g.inboxes[i] = make(chan message, inboxSize)
		g.gone[i] = make(chan struct{})
	}
	return g
}

// Comm returns the communicator of a rank.
func (g *Group) Comm(rank int) *Comm {
	return &Comm{group: g, rank: rank}
}

// Disconnect takes a rank down. Its peers observe ErrDisconnected from Recv
// and Send.
func (g *Group) Disconnect(rank int) {
	g.mu.Lock()
	if g.down[rank] {
		g.mu.Unlock()
		return
	}
	g.down[rank] = true
	close(g.gone[rank])
	g.mu.Unlock()

	for peer := range g.inboxes {
		if peer == rank {
			continue
		}
		go g.deliver(peer, message{from: rank, lost: true})
	}
}

func (g *Group) deliver(to int, msg message) {
	select {
	case g.inboxes[to] <- msg:
	case <-g.gone[to]:
	}
}

func (g *Group) isDown(rank int) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.down[rank]
}

// Comm is one rank's view of the group.
type Comm struct {
	group *Group
	rank  int
}

var _ ports.Comm = (*Comm)(nil)

func (c *Comm) Rank() int { return c.rank }
func (c *Comm) Size() int { return len(c.group.inboxes) }

// Send copies frame into the recipient's inbox.
func (c *Comm) Send(ctx context.Context, to int, frame []byte) error {
	if to < 0 || to >= c.Size() {
		return fmt.Errorf("local comm: rank %d out of range", to)
	}
	if c.group.isDown(c.rank) {
		return ErrClosed
	}
	if c.group.isDown(to) {
		return fmt.Errorf("rank %d: %w", to, ports.ErrDisconnected)
	}

	msg := message{from: c.rank, frame: append([]byte(nil), frame...)}
	select {
	case c.group.inboxes[to] <- msg:
		return nil
	case <-c.group.gone[to]:
		return fmt.Errorf("rank %d: %w", to, ports.ErrDisconnected)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the next frame addressed to this rank.
func (c *Comm) Recv(ctx context.Context) (int, []byte, error) {
	select {
	case msg := <-c.group.inboxes[c.rank]:
		if msg.lost {
			return msg.from, nil, fmt.Errorf("rank %d: %w", msg.from, ports.ErrDisconnected)
		}
		return msg.from, msg.frame, nil
	case <-c.group.gone[c.rank]:
		return c.rank, nil, ErrClosed
	case <-ctx.Done():
		return c.rank, nil, ctx.Err()
	}
}

// Close disconnects this rank from the group.
func (c *Comm) Close() error {
	c.group.Disconnect(c.rank)
	return nil
}
