package domain

import (
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Contribution is one participant's payload for a round.
type Contribution struct {
	ParticipantID string  `json:"participant_id"`
	Round         int     `json:"round"`
	Payload       Payload `json:"-"`
	SampleCount   int     `json:"sample_count"`
}

// Validate checks the fields every transport and aggregator relies on.
func (c Contribution) Validate() error {
	if c.ParticipantID == "" {
		return fmt.Errorf("contribution without participant id")
	}
	if c.SampleCount < 1 {
		return fmt.Errorf("contribution from %s: sample count must be >= 1, got %d", c.ParticipantID, c.SampleCount)
	}
	if c.Payload == nil {
		return fmt.Errorf("contribution from %s: missing payload", c.ParticipantID)
	}
	return nil
}

// ContributionSet maps participant IDs to contributions and remembers the
// order in which they were added. Aggregation accumulates in that order.
type ContributionSet struct {
	entries *orderedmap.OrderedMap[string, Contribution]
}

// NewContributionSet creates an empty set.
func NewContributionSet() *ContributionSet {
	return &ContributionSet{entries: orderedmap.New[string, Contribution]()}
}

// Add appends a contribution. A second contribution from the same participant
// is a protocol violation.
func (s *ContributionSet) Add(c Contribution) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if _, exists := s.entries.Get(c.ParticipantID); exists {
		return fmt.Errorf("%w: duplicate contribution from %s for round %d", ErrRoundOrderViolation, c.ParticipantID, c.Round)
	}
	s.entries.Set(c.ParticipantID, c)
	return nil
}

// Get returns the contribution of a participant.
func (s *ContributionSet) Get(id string) (Contribution, bool) {
	return s.entries.Get(id)
}

// Len returns the number of contributions.
func (s *ContributionSet) Len() int {
	return s.entries.Len()
}

// IDs returns the participant IDs in insertion order.
func (s *ContributionSet) IDs() []string {
	ids := make([]string, 0, s.entries.Len())
	for pair := s.entries.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
	}
	return ids
}

// Each visits contributions in insertion order and stops at the first error.
func (s *ContributionSet) Each(fn func(Contribution) error) error {
	for pair := s.entries.Oldest(); pair != nil; pair = pair.Next() {
		if err := fn(pair.Value); err != nil {
			return err
		}
	}
	return nil
}

// TotalSamples returns the weighted-average denominator of the round.
func (s *ContributionSet) TotalSamples() int {
	total := 0
	for pair := s.entries.Oldest(); pair != nil; pair = pair.Next() {
		total += pair.Value.SampleCount
	}
	return total
}

// AggregationResult is the combined payload of a round.
type AggregationResult struct {
	Round        int      `json:"round"`
	Payload      Payload  `json:"-"`
	TotalSamples int      `json:"total_samples"`
	Contributors []string `json:"contributors"`
}

// Plaintext returns the dense values when the result is a PlaintextVector.
func (r AggregationResult) Plaintext() (Vector, bool) {
	p, ok := r.Payload.(PlaintextVector)
	if !ok {
		return nil, false
	}
	return p.Values, true
}

// Clone returns a deep copy of the result.
func (r AggregationResult) Clone() AggregationResult {
	out := r
	out.Payload = ClonePayload(r.Payload)
	if r.Contributors != nil {
		out.Contributors = append([]string(nil), r.Contributors...)
	}
	return out
}
