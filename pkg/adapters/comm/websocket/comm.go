// Package websocket is a ports.Comm over gorilla/websocket connections in a
// star topology: rank 0 listens, every other rank dials it and identifies
// itself with the rank query parameter. Frames are binary messages.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/aretw0/fedmesh/internal/logging"
	"github.com/aretw0/fedmesh/pkg/ports"
	"github.com/gorilla/websocket"
)

// Path is the HTTP path rank 0 accepts connections on.
const Path = "/fedmesh/comm"

// ErrClosed is returned after Close.
var ErrClosed = errors.New("websocket comm closed")

const writeTimeout = 10 * time.Second

type message struct {
	from  int
	frame []byte
	err   error
}

type peer struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (p *peer) write(ctx context.Context, frame []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return p.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Comm is one rank's endpoint.
type Comm struct {
	rank, size int
	logger     *slog.Logger

	mu    sync.RWMutex
	peers map[int]*peer

	inbox     chan message
	closed    chan struct{}
	closeOnce sync.Once
	server    *http.Server
}

var _ ports.Comm = (*Comm)(nil)

// Option configures a Comm.
type Option func(*Comm)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Comm) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func newComm(rank, size int, opts []Option) *Comm {
	c := &Comm{
		rank:   rank,
		size:   size,
		logger: logging.NewNop(),
		peers:  make(map[int]*peer),
		inbox:  make(chan message, 64),
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Listen starts rank 0 on addr and blocks until the other size-1 ranks are
// connected or ctx is done.
func Listen(ctx context.Context, addr string, size int, opts ...Option) (*Comm, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("websocket comm: listen: %w", err)
	}
	return Serve(ctx, ln, size, opts...)
}

// Serve is Listen on an existing listener.
func Serve(ctx context.Context, ln net.Listener, size int, opts ...Option) (*Comm, error) {
	c := newComm(0, size, opts)
	ready := make(chan struct{})
	var readyOnce sync.Once

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1 << 16,
		WriteBufferSize: 1 << 16,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(Path, func(w http.ResponseWriter, r *http.Request) {
		rank, err := strconv.Atoi(r.URL.Query().Get("rank"))
		if err != nil || rank < 1 || rank >= size {
			http.Error(w, "invalid rank", http.StatusBadRequest)
			return
		}
		c.mu.RLock()
		_, taken := c.peers[rank]
		c.mu.RUnlock()
		if taken {
			http.Error(w, "rank already connected", http.StatusConflict)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			c.logger.Warn("Upgrade failed", "rank", rank, "error", err)
			return
		}

		// A concurrent dial for the same rank may have won the upgrade race.
		c.mu.Lock()
		if _, taken := c.peers[rank]; taken {
			c.mu.Unlock()
			c.logger.Warn("Duplicate rank rejected", "rank", rank)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "rank already connected"),
				time.Now().Add(time.Second))
			_ = conn.Close()
			return
		}
		c.peers[rank] = &peer{conn: conn}
		connected := len(c.peers)
		c.mu.Unlock()
		c.logger.Info("Rank connected", "rank", rank, "connected", connected, "expected", size-1)
		if connected == size-1 {
			readyOnce.Do(func() { close(ready) })
		}
		go c.readLoop(rank, conn)
	})

	c.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("Comm server stopped", "error", err)
		}
	}()

	if size <= 1 {
		return c, nil
	}
	select {
	case <-ready:
		return c, nil
	case <-ctx.Done():
		_ = c.Close()
		return nil, fmt.Errorf("websocket comm: waiting for ranks: %w", ctx.Err())
	}
}

// Dial connects a participant rank to the rank 0 listener at addr (host:port).
func Dial(ctx context.Context, addr string, rank, size int, opts ...Option) (*Comm, error) {
	if rank < 1 || rank >= size {
		return nil, fmt.Errorf("websocket comm: rank %d out of range for size %d", rank, size)
	}
	u := url.URL{Scheme: "ws", Host: addr, Path: Path, RawQuery: "rank=" + strconv.Itoa(rank)}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket comm: dial %s: %w", u.String(), err)
	}

	c := newComm(rank, size, opts)
	c.peers[0] = &peer{conn: conn}
	go c.readLoop(0, conn)
	return c, nil
}

func (c *Comm) readLoop(rank int, conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if p, ok := c.peers[rank]; ok && p.conn == conn {
				delete(c.peers, rank)
			}
			c.mu.Unlock()
			_ = conn.Close()

			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("Connection lost", "rank", rank, "error", err)
			}
			c.push(message{from: rank, err: fmt.Errorf("rank %d: %w", rank, ports.ErrDisconnected)})
			return
		}
		c.push(message{from: rank, frame: frame})
	}
}

func (c *Comm) push(m message) {
	select {
	case c.inbox <- m:
	case <-c.closed:
	}
}

func (c *Comm) Rank() int { return c.rank }
func (c *Comm) Size() int { return c.size }

// Send writes a frame to a connected rank. In the star topology participants
// can only reach rank 0.
func (c *Comm) Send(ctx context.Context, to int, frame []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.mu.RLock()
	p, ok := c.peers[to]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("rank %d: %w", to, ports.ErrDisconnected)
	}
	if err := p.write(ctx, frame); err != nil {
		return fmt.Errorf("rank %d: %w: %v", to, ports.ErrDisconnected, err)
	}
	return nil
}

// Recv returns the next frame from any connected rank.
func (c *Comm) Recv(ctx context.Context) (int, []byte, error) {
	select {
	case m := <-c.inbox:
		return m.from, m.frame, m.err
	case <-c.closed:
		return c.rank, nil, ErrClosed
	case <-ctx.Done():
		return c.rank, nil, ctx.Err()
	}
}

// Close sends a close frame to every peer and stops the listener.
func (c *Comm) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		peers := c.peers
		c.peers = make(map[int]*peer)
		c.mu.Unlock()

		deadline := time.Now().Add(time.Second)
		for _, p := range peers {
			p.wmu.Lock()
			_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			p.wmu.Unlock()
			_ = p.conn.Close()
		}
		if c.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = c.server.Shutdown(ctx)
		}
	})
	return nil
}
