package domain

import "fmt"

// Representation identifies the concrete variant of a Payload.
type Representation string

const (
	RepresentationPlaintext Representation = "plaintext"
	RepresentationEncrypted Representation = "encrypted"
	RepresentationSparse    Representation = "sparse"
)

// Payload is the gradient or weight representation carried by a Contribution
// or an AggregationResult. The concrete variant is decided by the transform
// chain of the producing party.
type Payload interface {
	// Kind returns the representation variant.
	Kind() Representation
	// Len returns the logical (dense) number of elements.
	Len() int
}

// PlaintextVector is a dense vector of real values.
type PlaintextVector struct {
	Values Vector `json:"values"`
}

func (p PlaintextVector) Kind() Representation { return RepresentationPlaintext }
func (p PlaintextVector) Len() int             { return len(p.Values) }

// Ciphertext is an opaque element produced by an additive-homomorphic scheme.
// An empty Ciphertext marks a missing block.
type Ciphertext []byte

// IsZero reports whether the ciphertext is empty.
func (c Ciphertext) IsZero() bool { return len(c) == 0 }

// EncryptedVector holds packed ciphertexts over the dense layout of a vector:
// Blocks[b] encrypts positions [b*Slots, (b+1)*Slots), and positions past
// Length or outside Indices encrypt zero.
//
// Indices is nil for a dense vector. When set, it lists the populated
// positions of a sparse payload in increasing order.
//
// Weight is the integer multiplier folded into the plaintexts: 1 for a fresh
// contribution, the total sample count for an aggregate. Decrypting a slot
// and dividing by Weight yields the real value.
type EncryptedVector struct {
	KeyID   string       `json:"key_id"`
	Blocks  []Ciphertext `json:"blocks"`
	Slots   int          `json:"slots"`
	Indices []int        `json:"indices,omitempty"`
	Length  int          `json:"length"`
	Weight  int          `json:"weight"`
}

func (e EncryptedVector) Kind() Representation { return RepresentationEncrypted }
func (e EncryptedVector) Len() int             { return e.Length }

// Sparse reports whether only a subset of the positions is populated.
func (e EncryptedVector) Sparse() bool { return e.Indices != nil }

// BlockCount returns the number of ciphertexts needed for length elements.
func BlockCount(length, slots int) int {
	if slots < 1 {
		return 0
	}
	return (length + slots - 1) / slots
}

// Validate checks the block layout and the sparse index list.
func (e EncryptedVector) Validate() error {
	if e.Slots < 1 {
		return fmt.Errorf("%w: encrypted vector with %d slots per block", ErrShapeMismatch, e.Slots)
	}
	if want := BlockCount(e.Length, e.Slots); len(e.Blocks) != want {
		return fmt.Errorf("%w: %d blocks for length %d, want %d", ErrShapeMismatch, len(e.Blocks), e.Length, want)
	}
	for i, b := range e.Blocks {
		if b.IsZero() {
			return fmt.Errorf("%w: block %d is empty", ErrShapeMismatch, i)
		}
	}
	return checkIndices(e.Indices, e.Length)
}

// SparseVector is a top-k selection of a dense vector.
// Indices are strictly increasing and lower than Length.
type SparseVector struct {
	Indices []int  `json:"indices"`
	Values  Vector `json:"values"`
	Length  int    `json:"length"`
}

func (s SparseVector) Kind() Representation { return RepresentationSparse }
func (s SparseVector) Len() int             { return s.Length }

// Validate checks the internal consistency of the sparse encoding.
func (s SparseVector) Validate() error {
	if len(s.Indices) != len(s.Values) {
		return fmt.Errorf("%w: %d indices for %d values", ErrShapeMismatch, len(s.Indices), len(s.Values))
	}
	return checkIndices(s.Indices, s.Length)
}

func checkIndices(indices []int, length int) error {
	prev := -1
	for _, idx := range indices {
		if idx <= prev || idx >= length {
			return fmt.Errorf("%w: index %d out of order or beyond length %d", ErrShapeMismatch, idx, length)
		}
		prev = idx
	}
	return nil
}

// Dense reconstructs the zero-padded dense vector.
func (s SparseVector) Dense() (Vector, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	out := make(Vector, s.Length)
	for i, idx := range s.Indices {
		out[idx] = s.Values[i]
	}
	return out, nil
}

// ClonePayload returns a deep copy of p. Nothing in the copy aliases p.
func ClonePayload(p Payload) Payload {
	switch v := p.(type) {
	case PlaintextVector:
		return PlaintextVector{Values: v.Values.Clone()}
	case SparseVector:
		return SparseVector{Indices: cloneInts(v.Indices), Values: v.Values.Clone(), Length: v.Length}
	case EncryptedVector:
		out := v
		out.Indices = cloneInts(v.Indices)
		if v.Blocks != nil {
			out.Blocks = make([]Ciphertext, len(v.Blocks))
			for i, b := range v.Blocks {
				out.Blocks[i] = append(Ciphertext(nil), b...)
			}
		}
		return out
	default:
		return p
	}
}

func cloneInts(in []int) []int {
	if in == nil {
		return nil
	}
	return append(make([]int, 0, len(in)), in...)
}
