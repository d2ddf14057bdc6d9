package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrParticipantUnavailable is returned when a participant times out or disconnects
// during Collecting. It is the only recoverable error of the protocol.
var ErrParticipantUnavailable = errors.New("participant unavailable")

// ErrShapeMismatch is returned when vector lengths are incompatible.
var ErrShapeMismatch = errors.New("shape mismatch")

// ErrIncompatibleRepresentations is returned when contributions of one round mix
// payload variants, or a transform cannot handle the variant it receives.
var ErrIncompatibleRepresentations = errors.New("incompatible representations")

// ErrRoundOrderViolation is returned when a message carries an unexpected round tag.
var ErrRoundOrderViolation = errors.New("round order violation")

// ErrKeyMismatch is returned when ciphertexts are combined or decrypted under a different key.
var ErrKeyMismatch = errors.New("key mismatch")

// ErrOverflow is returned when a value or a homomorphic sum does not fit the
// plaintext space of the encryption key.
var ErrOverflow = errors.New("plaintext overflow")

// ErrRoundAborted is returned when a round ended in the Aborted state.
var ErrRoundAborted = errors.New("round aborted")

// ErrCheckpointNotFound is returned when a run has no stored checkpoint.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// UnavailableError reports which participants failed to answer in time.
type UnavailableError struct {
	Round   int
	Phase   Phase
	Missing []string
	Cause   error
}

func (e *UnavailableError) Error() string {
	msg := fmt.Sprintf("round %d (%s): %s: missing [%s]", e.Round, e.Phase, ErrParticipantUnavailable, strings.Join(e.Missing, ", "))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *UnavailableError) Is(target error) bool { return target == ErrParticipantUnavailable }

func (e *UnavailableError) Unwrap() error { return e.Cause }

// OrderError reports a message whose tag does not match the step being collected.
type OrderError struct {
	From     string
	Expected RoundTag
	Got      RoundTag
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("%s: from %s: expected round %d/%d %s, got round %d/%d %s",
		ErrRoundOrderViolation, e.From,
		e.Expected.Round, e.Expected.Attempt, e.Expected.Phase,
		e.Got.Round, e.Got.Attempt, e.Got.Phase)
}

func (e *OrderError) Is(target error) bool { return target == ErrRoundOrderViolation }

// Recoverable reports whether the round can be retried after err.
func Recoverable(err error) bool {
	return errors.Is(err, ErrParticipantUnavailable)
}
