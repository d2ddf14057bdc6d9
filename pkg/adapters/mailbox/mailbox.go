// Package mailbox buffers participant replies on the coordinator side and
// validates them against the protocol step being collected.
//
// Both transports hand every reply they receive to a Mailbox. Gather then waits
// for one reply per expected participant for a given RoundTag. Replies left
// over from an aborted attempt of the same round are dropped. Any other reply
// that does not match the step, including one from an earlier round, fails the
// step with a RoundOrderViolation.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/fedmesh/internal/logging"
	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/aretw0/fedmesh/pkg/ports"
	"github.com/hashicorp/go-multierror"
)

// ErrClosed is returned by Gather after Close.
var ErrClosed = errors.New("mailbox closed")

// Reply is one message delivered to the coordinator.
type Reply struct {
	// From is the sender as identified by the transport.
	From string
	// Envelope is the reply itself. Unused when Lost is set.
	Envelope domain.Envelope
	// Err is a local handler failure (in-process transports only).
	Err error
	// Lost marks the sender as disconnected.
	Lost bool
}

// Mailbox is safe for concurrent Put. Gather must not be called concurrently.
type Mailbox struct {
	mu     sync.Mutex
	queue  []Reply
	notify chan struct{}
	closed bool
	logger *slog.Logger
}

// New creates an empty mailbox.
func New(logger *slog.Logger) *Mailbox {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Mailbox{
		notify: make(chan struct{}, 1),
		logger: logger,
	}
}

// Put enqueues a reply and wakes a pending Gather.
func (m *Mailbox) Put(r Reply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.queue = append(m.queue, r)

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Close discards pending replies and makes Gather fail.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.queue = nil
	close(m.notify)
}

func (m *Mailbox) drain() ([]Reply, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.queue
	m.queue = nil
	return out, m.closed
}

// Gather blocks until every participant in from has answered want, the timeout
// expires or ctx is done. A zero timeout waits indefinitely.
//
// Participant failures are joined into a single error. A timeout or a
// disconnect yields a *domain.UnavailableError listing the participants that
// did not answer, in the order of from.
func (m *Mailbox) Gather(ctx context.Context, want domain.RoundTag, from []string, timeout time.Duration) (map[string]domain.Envelope, error) {
	expected := make(map[string]bool, len(from))
	for _, id := range from {
		expected[id] = true
	}

	var (
		replies = make(map[string]domain.Envelope, len(from))
		failed  = make(map[string]bool)
		lost    bool
		errs    *multierror.Error
	)

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		batch, closed := m.drain()
		if closed {
			return nil, ErrClosed
		}

		for _, r := range batch {
			if r.Lost {
				if expected[r.From] && !answered(r.From, replies, failed) {
					m.logger.Warn("Participant lost", "participant", r.From, "round", want.Round, "phase", want.Phase)
					lost = true
				}
				continue
			}

			got := r.Envelope.Tag()
			if got.Superseded(want) {
				m.logger.Debug("Dropping stale reply", "participant", r.From, "round", got.Round, "attempt", got.Attempt, "phase", got.Phase)
				continue
			}
			if got != want || !expected[r.From] || r.Envelope.From != r.From || answered(r.From, replies, failed) {
				return nil, &domain.OrderError{From: r.From, Expected: want, Got: got}
			}

			switch {
			case r.Err != nil:
				errs = multierror.Append(errs, fmt.Errorf("participant %s: %w", r.From, r.Err))
				failed[r.From] = true
			case r.Envelope.Error != "":
				errs = multierror.Append(errs, fmt.Errorf("participant %s: %s", r.From, r.Envelope.Error))
				failed[r.From] = true
			default:
				replies[r.From] = r.Envelope
			}
		}

		if lost {
			return nil, &domain.UnavailableError{
				Round:   want.Round,
				Phase:   want.Phase,
				Missing: missing(from, replies, failed),
				Cause:   ports.ErrDisconnected,
			}
		}
		if len(replies)+len(failed) == len(expected) {
			if err := errs.ErrorOrNil(); err != nil {
				return nil, err
			}
			return replies, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, &domain.UnavailableError{
				Round:   want.Round,
				Phase:   want.Phase,
				Missing: missing(from, replies, failed),
				Cause:   fmt.Errorf("no reply within %s", timeout),
			}
		case <-m.notify:
		}
	}
}

// Contributions builds the contribution set of a gathered contribution phase.
// Insertion order follows from, not arrival order.
func Contributions(want domain.RoundTag, from []string, replies map[string]domain.Envelope) (*domain.ContributionSet, error) {
	set := domain.NewContributionSet()
	for _, id := range from {
		env := replies[id]
		if env.Contribution == nil {
			return nil, fmt.Errorf("participant %s: contribution reply without contribution", id)
		}
		c := *env.Contribution
		if c.ParticipantID != id || c.Round != want.Round {
			return nil, &domain.OrderError{From: id, Expected: want, Got: domain.RoundTag{Round: c.Round, Attempt: env.Attempt, Phase: env.Phase}}
		}
		if err := set.Add(c); err != nil {
			return nil, fmt.Errorf("participant %s: %w", id, err)
		}
	}
	return set, nil
}

func answered(id string, replies map[string]domain.Envelope, failed map[string]bool) bool {
	_, ok := replies[id]
	return ok || failed[id]
}

func missing(from []string, replies map[string]domain.Envelope, failed map[string]bool) []string {
	var out []string
	for _, id := range from {
		if !answered(id, replies, failed) {
			out = append(out, id)
		}
	}
	return out
}
