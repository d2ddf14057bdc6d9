package mailbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aretw0/fedmesh/pkg/adapters/mailbox"
	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/aretw0/fedmesh/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contribution(id string, round, attempt int) mailbox.Reply {
	return mailbox.Reply{
		From: id,
		Envelope: domain.Envelope{
			Round:   round,
			Attempt: attempt,
			Phase:   domain.PhaseContribution,
			From:    id,
			Contribution: &domain.Contribution{
				ParticipantID: id,
				Round:         round,
				SampleCount:   1,
				Payload:       domain.PlaintextVector{Values: domain.Vector{1}},
			},
		},
	}
}

var want = domain.RoundTag{Round: 2, Attempt: 1, Phase: domain.PhaseContribution}

func TestGather_OrdersByExpectedList(t *testing.T) {
	box := mailbox.New(nil)
	box.Put(contribution("c", 2, 1))
	box.Put(contribution("a", 2, 1))
	box.Put(contribution("b", 2, 1))

	from := []string{"a", "b", "c"}
	replies, err := box.Gather(context.Background(), want, from, time.Second)
	require.NoError(t, err)

	set, err := mailbox.Contributions(want, from, replies)
	require.NoError(t, err)
	assert.Equal(t, from, set.IDs())
}

func TestGather_DropsStaleReplies(t *testing.T) {
	box := mailbox.New(nil)
	box.Put(contribution("a", 2, 0)) // aborted attempt
	box.Put(contribution("a", 2, 1))

	replies, err := box.Gather(context.Background(), want, []string{"a"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, replies["a"].Attempt)
}

func TestGather_EarlierRoundIsOrderError(t *testing.T) {
	box := mailbox.New(nil)
	box.Put(contribution("a", 1, 0))
	box.Put(contribution("a", 2, 1))

	_, err := box.Gather(context.Background(), want, []string{"a"}, time.Second)
	var oe *domain.OrderError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "a", oe.From)
	assert.Equal(t, 1, oe.Got.Round)
	assert.Equal(t, want, oe.Expected)
}

func TestGather_OrderViolations(t *testing.T) {
	tests := []struct {
		name  string
		reply mailbox.Reply
	}{
		{"future round", contribution("a", 3, 0)},
		{"earlier round", contribution("a", 1, 0)},
		{"earlier round, later attempt", contribution("a", 1, 5)},
		{"future attempt", contribution("a", 2, 2)},
		{"unexpected sender", contribution("z", 2, 1)},
		{"wrong phase", func() mailbox.Reply {
			r := contribution("a", 2, 1)
			r.Envelope.Phase = domain.PhaseAck
			return r
		}()},
		{"spoofed sender", func() mailbox.Reply {
			r := contribution("a", 2, 1)
			r.Envelope.From = "b"
			return r
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			box := mailbox.New(nil)
			box.Put(tt.reply)
			_, err := box.Gather(context.Background(), want, []string{"a", "b"}, time.Second)
			assert.ErrorIs(t, err, domain.ErrRoundOrderViolation)
		})
	}
}

func TestGather_Duplicate(t *testing.T) {
	box := mailbox.New(nil)
	box.Put(contribution("a", 2, 1))
	box.Put(contribution("a", 2, 1))

	_, err := box.Gather(context.Background(), want, []string{"a", "b"}, time.Second)
	assert.ErrorIs(t, err, domain.ErrRoundOrderViolation)
}

func TestGather_Timeout(t *testing.T) {
	box := mailbox.New(nil)
	box.Put(contribution("b", 2, 1))

	start := time.Now()
	_, err := box.Gather(context.Background(), want, []string{"a", "b", "c"}, 50*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	var unavailable *domain.UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.ErrorIs(t, err, domain.ErrParticipantUnavailable)
	assert.Equal(t, []string{"a", "c"}, unavailable.Missing)
	assert.Equal(t, 2, unavailable.Round)
}

func TestGather_Lost(t *testing.T) {
	box := mailbox.New(nil)
	box.Put(contribution("a", 2, 1))
	box.Put(mailbox.Reply{From: "b", Lost: true})

	_, err := box.Gather(context.Background(), want, []string{"a", "b"}, time.Minute)
	var unavailable *domain.UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, []string{"b"}, unavailable.Missing)
	assert.ErrorIs(t, err, ports.ErrDisconnected)
}

func TestGather_JoinsParticipantFailures(t *testing.T) {
	box := mailbox.New(nil)
	r1 := contribution("a", 2, 1)
	r1.Err = errors.New("disk on fire")
	r2 := contribution("b", 2, 1)
	r2.Envelope.Error = "out of memory"
	box.Put(r1)
	box.Put(r2)

	_, err := box.Gather(context.Background(), want, []string{"a", "b"}, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
	assert.Contains(t, err.Error(), "out of memory")
	assert.False(t, domain.Recoverable(err))
}

func TestGather_WakesOnPut(t *testing.T) {
	box := mailbox.New(nil)
	go func() {
		time.Sleep(20 * time.Millisecond)
		box.Put(contribution("a", 2, 1))
	}()

	_, err := box.Gather(context.Background(), want, []string{"a"}, time.Second)
	assert.NoError(t, err)
}

func TestGather_Closed(t *testing.T) {
	box := mailbox.New(nil)
	box.Close()
	box.Put(contribution("a", 2, 1))

	_, err := box.Gather(context.Background(), want, []string{"a"}, time.Second)
	assert.ErrorIs(t, err, mailbox.ErrClosed)
}
