package transform

import (
	"context"
	"fmt"

	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/aretw0/fedmesh/pkg/ports"
)

// Encryption encrypts contributions under an additive-homomorphic public key,
// packing consecutive elements into the slots of each ciphertext. With a
// private key attached it also decrypts aggregates.
type Encryption struct {
	public  ports.Encryptor
	private ports.Decryptor
}

// EncryptionOption configures an Encryption layer.
type EncryptionOption func(*Encryption)

// WithPrivateKey lets the layer decrypt aggregates in OnReceive.
// Without it, encrypted aggregates pass through untouched.
func WithPrivateKey(dec ports.Decryptor) EncryptionOption {
	return func(e *Encryption) {
		e.private = dec
	}
}

// NewEncryption creates an encryption layer for the given public key.
func NewEncryption(pub ports.Encryptor, opts ...EncryptionOption) *Encryption {
	e := &Encryption{public: pub}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Encryption) Name() string { return "encryption" }

// CanDecrypt reports whether a private key is attached.
func (e *Encryption) CanDecrypt() bool { return e.private != nil }

// Adder exposes the homomorphic addition used by the aggregator.
func (e *Encryption) Adder() ports.Adder { return e.public }

// OnSend encrypts dense and sparse plaintext payloads. Sparse values are
// scattered to their dense positions so blocks of different participants
// stay slot-aligned.
func (e *Encryption) OnSend(_ context.Context, c domain.Contribution) (domain.Contribution, error) {
	var (
		values  domain.Vector
		indices []int
	)
	switch p := c.Payload.(type) {
	case domain.PlaintextVector:
		values = p.Values
	case domain.SparseVector:
		dense, err := p.Dense()
		if err != nil {
			return domain.Contribution{}, err
		}
		values = dense
		indices = append([]int{}, p.Indices...)
	default:
		return domain.Contribution{}, fmt.Errorf("%w: cannot encrypt %s payload", domain.ErrIncompatibleRepresentations, c.Payload.Kind())
	}

	blocks, err := e.encryptBlocks(values)
	if err != nil {
		return domain.Contribution{}, err
	}
	c.Payload = domain.EncryptedVector{
		KeyID:   e.public.KeyID(),
		Blocks:  blocks,
		Slots:   e.public.Slots(),
		Indices: indices,
		Length:  len(values),
		Weight:  1,
	}
	return c, nil
}

// OnReceive decrypts an encrypted aggregate into a dense plaintext vector,
// dividing every element by the aggregate weight.
func (e *Encryption) OnReceive(_ context.Context, r domain.AggregationResult) (domain.AggregationResult, error) {
	ev, ok := r.Payload.(domain.EncryptedVector)
	if !ok || e.private == nil {
		return r, nil
	}
	if ev.KeyID != e.private.KeyID() {
		return domain.AggregationResult{}, fmt.Errorf("%w: aggregate under key %s, holding %s", domain.ErrKeyMismatch, ev.KeyID, e.private.KeyID())
	}
	if ev.Weight < 1 {
		return domain.AggregationResult{}, fmt.Errorf("encrypted aggregate with weight %d", ev.Weight)
	}
	if err := ev.Validate(); err != nil {
		return domain.AggregationResult{}, err
	}

	dense := make(domain.Vector, 0, ev.Length)
	for b, ct := range ev.Blocks {
		n := min(ev.Slots, ev.Length-b*ev.Slots)
		values, err := e.private.Decrypt(ct, n)
		if err != nil {
			return domain.AggregationResult{}, fmt.Errorf("decrypt block %d: %w", b, err)
		}
		for _, v := range values {
			dense = append(dense, v/float64(ev.Weight))
		}
	}

	r.Payload = domain.PlaintextVector{Values: dense}
	return r, nil
}

func (e *Encryption) encryptBlocks(values domain.Vector) ([]domain.Ciphertext, error) {
	slots := e.public.Slots()
	out := make([]domain.Ciphertext, 0, domain.BlockCount(len(values), slots))
	for lo := 0; lo < len(values); lo += slots {
		hi := min(lo+slots, len(values))
		ct, err := e.public.Encrypt(values[lo:hi])
		if err != nil {
			return nil, fmt.Errorf("encrypt elements [%d, %d): %w", lo, hi, err)
		}
		out = append(out, ct)
	}
	return out, nil
}
