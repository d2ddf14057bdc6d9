package ranked

import (
	"errors"
	"fmt"

	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/fxamacker/cbor/v2"
	"github.com/golang/snappy"
)

var errMalformedFrame = errors.New("malformed frame")

// Frames are snappy-compressed CBOR. Payloads travel as a tagged union since the
// domain types hide them behind an interface.
type wirePayload struct {
	Kind        domain.Representation `cbor:"1,keyasint"`
	Values      []float64             `cbor:"2,keyasint,omitempty"`
	Ciphertexts [][]byte              `cbor:"3,keyasint,omitempty"`
	Indices     []int                 `cbor:"4,keyasint,omitempty"`
	Sparse      bool                  `cbor:"5,keyasint,omitempty"`
	Length      int                   `cbor:"6,keyasint"`
	KeyID       string                `cbor:"7,keyasint,omitempty"`
	Weight      int                   `cbor:"8,keyasint,omitempty"`
	Slots       int                   `cbor:"9,keyasint,omitempty"`
}

type wireContribution struct {
	ParticipantID string       `cbor:"1,keyasint"`
	Round         int          `cbor:"2,keyasint"`
	SampleCount   int          `cbor:"3,keyasint"`
	Payload       *wirePayload `cbor:"4,keyasint"`
}

type wireAggregate struct {
	Round        int          `cbor:"1,keyasint"`
	TotalSamples int          `cbor:"2,keyasint"`
	Contributors []string     `cbor:"3,keyasint"`
	Payload      *wirePayload `cbor:"4,keyasint"`
}

type wireEnvelope struct {
	Round        int               `cbor:"1,keyasint"`
	Attempt      int               `cbor:"2,keyasint"`
	Phase        domain.Phase      `cbor:"3,keyasint"`
	From         string            `cbor:"4,keyasint"`
	Parameters   []float64         `cbor:"5,keyasint,omitempty"`
	Aggregate    *wireAggregate    `cbor:"6,keyasint,omitempty"`
	Contribution *wireContribution `cbor:"7,keyasint,omitempty"`
	Error        string            `cbor:"8,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(fmt.Sprintf("ranked: cbor encoder: %v", err))
	}
	if decMode, err = (cbor.DecOptions{MaxArrayElements: 1 << 27}).DecMode(); err != nil {
		panic(fmt.Sprintf("ranked: cbor decoder: %v", err))
	}
}

// Encode serializes an envelope into a frame.
func Encode(env domain.Envelope) ([]byte, error) {
	w := wireEnvelope{
		Round:      env.Round,
		Attempt:    env.Attempt,
		Phase:      env.Phase,
		From:       env.From,
		Parameters: env.Parameters,
		Error:      env.Error,
	}
	if c := env.Contribution; c != nil {
		p, err := encodePayload(c.Payload)
		if err != nil {
			return nil, err
		}
		w.Contribution = &wireContribution{ParticipantID: c.ParticipantID, Round: c.Round, SampleCount: c.SampleCount, Payload: p}
	}
	if a := env.Aggregate; a != nil {
		p, err := encodePayload(a.Payload)
		if err != nil {
			return nil, err
		}
		w.Aggregate = &wireAggregate{Round: a.Round, TotalSamples: a.TotalSamples, Contributors: a.Contributors, Payload: p}
	}

	raw, err := encMode.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("could not encode envelope: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

// Decode parses a frame produced by Encode.
func Decode(frame []byte) (domain.Envelope, error) {
	raw, err := snappy.Decode(nil, frame)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	var w wireEnvelope
	if err := decMode.Unmarshal(raw, &w); err != nil {
		return domain.Envelope{}, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}

	env := domain.Envelope{
		Round:      w.Round,
		Attempt:    w.Attempt,
		Phase:      w.Phase,
		From:       w.From,
		Parameters: w.Parameters,
		Error:      w.Error,
	}
	if c := w.Contribution; c != nil {
		p, err := decodePayload(c.Payload)
		if err != nil {
			return domain.Envelope{}, err
		}
		env.Contribution = &domain.Contribution{ParticipantID: c.ParticipantID, Round: c.Round, SampleCount: c.SampleCount, Payload: p}
	}
	if a := w.Aggregate; a != nil {
		p, err := decodePayload(a.Payload)
		if err != nil {
			return domain.Envelope{}, err
		}
		env.Aggregate = &domain.AggregationResult{Round: a.Round, TotalSamples: a.TotalSamples, Contributors: a.Contributors, Payload: p}
	}
	return env, nil
}

func encodePayload(p domain.Payload) (*wirePayload, error) {
	switch v := p.(type) {
	case domain.PlaintextVector:
		return &wirePayload{Kind: v.Kind(), Values: v.Values, Length: len(v.Values)}, nil
	case domain.SparseVector:
		return &wirePayload{Kind: v.Kind(), Values: v.Values, Indices: v.Indices, Sparse: true, Length: v.Length}, nil
	case domain.EncryptedVector:
		cts := make([][]byte, len(v.Blocks))
		for i, c := range v.Blocks {
			cts[i] = c
		}
		return &wirePayload{Kind: v.Kind(), Ciphertexts: cts, Slots: v.Slots, Indices: v.Indices, Sparse: v.Sparse(), Length: v.Length, KeyID: v.KeyID, Weight: v.Weight}, nil
	case nil:
		return nil, fmt.Errorf("%w: missing payload", errMalformedFrame)
	default:
		return nil, fmt.Errorf("%w: cannot encode %T", domain.ErrIncompatibleRepresentations, p)
	}
}

func decodePayload(w *wirePayload) (domain.Payload, error) {
	if w == nil {
		return nil, fmt.Errorf("%w: missing payload", errMalformedFrame)
	}
	indices := w.Indices
	if w.Sparse && indices == nil {
		indices = []int{}
	}

	switch w.Kind {
	case domain.RepresentationPlaintext:
		values := domain.Vector(w.Values)
		if values == nil {
			values = domain.Vector{}
		}
		if len(values) != w.Length {
			return nil, fmt.Errorf("%w: %d values for length %d", errMalformedFrame, len(values), w.Length)
		}
		return domain.PlaintextVector{Values: values}, nil
	case domain.RepresentationSparse:
		return domain.SparseVector{Indices: indices, Values: w.Values, Length: w.Length}, nil
	case domain.RepresentationEncrypted:
		cts := make([]domain.Ciphertext, len(w.Ciphertexts))
		for i, c := range w.Ciphertexts {
			cts[i] = c
		}
		return domain.EncryptedVector{KeyID: w.KeyID, Blocks: cts, Slots: w.Slots, Indices: indices, Length: w.Length, Weight: w.Weight}, nil
	default:
		return nil, fmt.Errorf("%w: unknown payload kind %q", errMalformedFrame, w.Kind)
	}
}
