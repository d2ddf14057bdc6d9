// Package ranked is the distributed Transport. Every party is a rank of a
// ports.Comm group; rank 0 is the coordinator and participant i of the run
// is rank i+1. Envelopes travel as snappy-compressed CBOR frames.
package ranked

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aretw0/fedmesh/internal/logging"
	"github.com/aretw0/fedmesh/pkg/adapters/mailbox"
	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/aretw0/fedmesh/pkg/ports"
	"github.com/hashicorp/go-multierror"
)

// CoordinatorRank is the rank of the coordinator in every group.
const CoordinatorRank = 0

// Option configures a Transport or an Endpoint.
type Option func(*config)

type config struct {
	logger *slog.Logger
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func newConfig(opts []Option) config {
	c := config{logger: logging.NewNop()}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Transport is the coordinator side.
type Transport struct {
	comm   ports.Comm
	ranks  map[string]int
	ids    map[int]string
	box    *mailbox.Mailbox
	logger *slog.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

var _ ports.Transport = (*Transport)(nil)

// NewTransport wraps the coordinator's communicator. participants[i] is rank i+1.
func NewTransport(comm ports.Comm, participants []string, opts ...Option) (*Transport, error) {
	if comm.Rank() != CoordinatorRank {
		return nil, fmt.Errorf("ranked: coordinator must be rank %d, got %d", CoordinatorRank, comm.Rank())
	}
	if comm.Size() != len(participants)+1 {
		return nil, fmt.Errorf("ranked: group of %d ranks for %d participants", comm.Size(), len(participants))
	}

	cfg := newConfig(opts)
	t := &Transport{
		comm:   comm,
		ranks:  make(map[string]int, len(participants)),
		ids:    make(map[int]string, len(participants)),
		box:    mailbox.New(cfg.logger),
		logger: cfg.logger,
		done:   make(chan struct{}),
	}
	for i, id := range participants {
		if _, dup := t.ranks[id]; dup {
			return nil, fmt.Errorf("ranked: duplicate participant %s", id)
		}
		t.ranks[id] = i + 1
		t.ids[i+1] = id
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.receive(ctx)
	return t, nil
}

// RankOf returns the rank serving a participant.
func (t *Transport) RankOf(id string) (int, bool) {
	r, ok := t.ranks[id]
	return r, ok
}

func (t *Transport) receive(ctx context.Context) {
	defer close(t.done)
	for {
		from, frame, err := t.comm.Recv(ctx)
		id, known := t.ids[from]
		if !known {
			id = "rank-" + strconv.Itoa(from)
		}

		switch {
		case err == nil:
		case ctx.Err() != nil:
			return
		case errors.Is(err, ports.ErrDisconnected):
			t.box.Put(mailbox.Reply{From: id, Lost: true})
			continue
		default:
			t.logger.Error("Receive loop stopped", "error", err)
			return
		}

		env, err := Decode(frame)
		if err != nil {
			t.logger.Warn("Dropping undecodable frame", "rank", from, "error", err)
			continue
		}
		t.box.Put(mailbox.Reply{From: id, Envelope: env})
	}
}

// Broadcast encodes env once and sends it to every recipient rank.
// Recipients that are gone are reported together as unavailable.
func (t *Transport) Broadcast(ctx context.Context, env domain.Envelope, to []string) error {
	frame, err := Encode(env)
	if err != nil {
		return err
	}

	var (
		lost []string
		errs *multierror.Error
	)
	for _, id := range to {
		rank, ok := t.ranks[id]
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf("ranked: unknown participant %s", id))
			continue
		}
		if err := t.comm.Send(ctx, rank, frame); err != nil {
			if errors.Is(err, ports.ErrDisconnected) {
				lost = append(lost, id)
				continue
			}
			errs = multierror.Append(errs, fmt.Errorf("send to %s (rank %d): %w", id, rank, err))
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return err
	}
	if len(lost) > 0 {
		return &domain.UnavailableError{Round: env.Round, Phase: env.Phase, Missing: lost, Cause: ports.ErrDisconnected}
	}
	return nil
}

// Collect gathers contributions from the expected ranks.
func (t *Transport) Collect(ctx context.Context, tag domain.RoundTag, from []string, timeout time.Duration) (*domain.ContributionSet, error) {
	replies, err := t.box.Gather(ctx, tag, from, timeout)
	if err != nil {
		return nil, err
	}
	return mailbox.Contributions(tag, from, replies)
}

// Await gathers acknowledgements from the expected ranks.
func (t *Transport) Await(ctx context.Context, tag domain.RoundTag, from []string, timeout time.Duration) error {
	_, err := t.box.Gather(ctx, tag, from, timeout)
	return err
}

// Close sends a shutdown to every participant, then releases the communicator.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		ids := make([]string, 0, len(t.ranks))
		for rank := 1; rank <= len(t.ranks); rank++ {
			ids = append(ids, t.ids[rank])
		}
		if serr := t.Broadcast(ctx, domain.Envelope{Phase: domain.PhaseShutdown}, ids); serr != nil {
			t.logger.Debug("Shutdown not delivered to every rank", "error", serr)
		}

		t.cancel()
		err = t.comm.Close()
		<-t.done
		t.box.Close()
	})
	return err
}

// Endpoint is the participant side.
type Endpoint struct {
	comm   ports.Comm
	logger *slog.Logger
}

var _ ports.Endpoint = (*Endpoint)(nil)

// NewEndpoint wraps a participant's communicator.
func NewEndpoint(comm ports.Comm, opts ...Option) (*Endpoint, error) {
	if comm.Rank() == CoordinatorRank {
		return nil, fmt.Errorf("ranked: rank %d is reserved for the coordinator", CoordinatorRank)
	}
	cfg := newConfig(opts)
	return &Endpoint{comm: comm, logger: cfg.logger}, nil
}

// Receive returns the next envelope sent by the coordinator.
func (e *Endpoint) Receive(ctx context.Context) (domain.Envelope, error) {
	for {
		from, frame, err := e.comm.Recv(ctx)
		if err != nil {
			return domain.Envelope{}, err
		}
		if from != CoordinatorRank {
			e.logger.Warn("Ignoring frame from non-coordinator rank", "rank", from)
			continue
		}
		env, err := Decode(frame)
		if err != nil {
			e.logger.Warn("Dropping undecodable frame", "error", err)
			continue
		}
		return env, nil
	}
}

// Reply sends a reply to the coordinator.
func (e *Endpoint) Reply(ctx context.Context, env domain.Envelope) error {
	frame, err := Encode(env)
	if err != nil {
		return err
	}
	return e.comm.Send(ctx, CoordinatorRank, frame)
}

// Close releases the communicator.
func (e *Endpoint) Close() error {
	return e.comm.Close()
}
