package domain

// RoundState is a position in the round state machine.
type RoundState string

const (
	StateIdle         RoundState = "idle"
	StateBroadcasting RoundState = "broadcasting"
	StateCollecting   RoundState = "collecting"
	StateAggregating  RoundState = "aggregating"
	StateUpdated      RoundState = "updated"
	StateAborted      RoundState = "aborted" // Terminal for the attempt, reachable from Collecting
)

// UpdateMode decides which party decrypts and applies the aggregate.
type UpdateMode string

const (
	// UpdateServer has the Coordinator decrypt (when needed) and apply the aggregate.
	UpdateServer UpdateMode = "server"
	// UpdateParticipant pushes the aggregate back to the Participants, which
	// decrypt and apply it locally. The Coordinator never decrypts.
	UpdateParticipant UpdateMode = "participant"
)

// ContributionMode selects what a Participant uploads.
type ContributionMode string

const (
	// ContributeGradients uploads (previous - updated) / learningRate.
	ContributeGradients ContributionMode = "gradients"
	// ContributeWeights uploads the updated parameters.
	ContributeWeights ContributionMode = "weights"
)

// GlobalOptimizer selects how a Participant applies the averaged gradient in
// participant-side update mode. Weight contributions ignore it.
type GlobalOptimizer string

const (
	// OptimizeSGD steps params -= lr * gradient.
	OptimizeSGD GlobalOptimizer = "sgd"
	// OptimizeAdam keeps Adam moment estimates per participant across rounds.
	OptimizeAdam GlobalOptimizer = "adam"
	// OptimizeNone leaves the parameters at the start of the round.
	OptimizeNone GlobalOptimizer = "none"
)

// RoundContext is created when a round starts and discarded when it ends.
type RoundContext struct {
	Round        int      `json:"round"`
	Attempt      int      `json:"attempt"`
	Participants []string `json:"participants"`
}

// Tag returns the message tag for the given phase of this round.
func (rc RoundContext) Tag(phase Phase) RoundTag {
	return RoundTag{Round: rc.Round, Attempt: rc.Attempt, Phase: phase}
}

// Phase tags every message so receivers can detect out-of-order delivery.
type Phase string

const (
	PhaseRound        Phase = "round"        // Coordinator -> Participant: global parameters
	PhaseContribution Phase = "contribution" // Participant -> Coordinator: local update
	PhaseAggregate    Phase = "aggregate"    // Coordinator -> Participant: aggregate to apply
	PhaseAck          Phase = "ack"          // Participant -> Coordinator: aggregate applied
	PhaseShutdown     Phase = "shutdown"     // Coordinator -> Participant: run finished
)

// Reply returns the phase a participant answers a request phase with.
func (p Phase) Reply() (Phase, bool) {
	switch p {
	case PhaseRound:
		return PhaseContribution, true
	case PhaseAggregate:
		return PhaseAck, true
	default:
		return "", false
	}
}

// RoundTag identifies a protocol step.
type RoundTag struct {
	Round   int   `json:"round"`
	Attempt int   `json:"attempt"`
	Phase   Phase `json:"phase"`
}

// Superseded reports whether t belongs to an aborted attempt of the round of other.
func (t RoundTag) Superseded(other RoundTag) bool {
	return t.Round == other.Round && t.Attempt < other.Attempt
}

// Envelope is the unit every transport exchanges.
type Envelope struct {
	Round   int    `json:"round"`
	Attempt int    `json:"attempt"`
	Phase   Phase  `json:"phase"`
	From    string `json:"from"`

	// Parameters is set on PhaseRound. It may be nil in participant-side
	// update mode once participants are initialized.
	Parameters Vector `json:"parameters,omitempty"`

	// Aggregate is set on PhaseAggregate.
	Aggregate *AggregationResult `json:"aggregate,omitempty"`

	// Contribution is set on PhaseContribution.
	Contribution *Contribution `json:"contribution,omitempty"`

	// Error carries a participant-side failure on a reply.
	Error string `json:"error,omitempty"`
}

// Tag returns the envelope's protocol tag.
func (e Envelope) Tag() RoundTag {
	return RoundTag{Round: e.Round, Attempt: e.Attempt, Phase: e.Phase}
}
