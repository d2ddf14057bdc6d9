// Package testutils holds fixtures shared by the test suites.
package testutils

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/aretw0/fedmesh/pkg/crypto/he"
	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/stretchr/testify/require"
)

// KeyParams shrinks the ring of test keys to 4096 slots. Far too small for real use.
var KeyParams = he.Params{
	LogN:             12,
	LogQ:             []int{60, 60},
	LogP:             []int{60},
	PlaintextModulus: he.DefaultParams.PlaintextModulus,
	Precision:        he.DefaultParams.Precision,
	Magnitude:        he.DefaultParams.Magnitude,
}

var (
	keysMu sync.Mutex
	keys   []*he.PrivateKey
)

// EncryptionKey returns the i-th test key of the package binary, generating
// it on first use. Distinct indices yield distinct keys.
// It fails the test immediately on error.
func EncryptionKey(t *testing.T, i int) *he.PrivateKey {
	t.Helper()
	keysMu.Lock()
	defer keysMu.Unlock()

	for len(keys) <= i {
		sk, err := he.GenerateKey(KeyParams)
		require.NoError(t, err, "Failed to generate encryption key")
		keys = append(keys, sk)
	}
	return keys[i]
}

// PlainKey is a transparent stand-in for an encryption key with a small
// number of slots. Ciphertexts are the little-endian float64 bits of every slot.
type PlainKey struct {
	SlotCount int
	Cap       int
}

func (k PlainKey) KeyID() string { return "plain" }
func (k PlainKey) Slots() int    { return k.SlotCount }
func (k PlainKey) Capacity() int { return k.Cap }

func (k PlainKey) Encrypt(values []float64) (domain.Ciphertext, error) {
	if len(values) > k.SlotCount {
		return nil, fmt.Errorf("%w: %d values for %d slots", domain.ErrShapeMismatch, len(values), k.SlotCount)
	}
	slots := make([]float64, k.SlotCount)
	copy(slots, values)
	return k.pack(slots), nil
}

func (k PlainKey) Add(a, b domain.Ciphertext) (domain.Ciphertext, error) {
	x, err := k.unpack(a)
	if err != nil {
		return nil, err
	}
	y, err := k.unpack(b)
	if err != nil {
		return nil, err
	}
	for i := range x {
		x[i] += y[i]
	}
	return k.pack(x), nil
}

func (k PlainKey) Decrypt(c domain.Ciphertext, n int) ([]float64, error) {
	x, err := k.unpack(c)
	if err != nil {
		return nil, err
	}
	return x[:n], nil
}

func (k PlainKey) pack(slots []float64) domain.Ciphertext {
	out := make([]byte, 8*len(slots))
	for i, v := range slots {
		binary.LittleEndian.PutUint64(out[8*i:], math.Float64bits(v))
	}
	return out
}

func (k PlainKey) unpack(c domain.Ciphertext) ([]float64, error) {
	if len(c) != 8*k.SlotCount {
		return nil, fmt.Errorf("%w: %d bytes for %d slots", domain.ErrKeyMismatch, len(c), k.SlotCount)
	}
	out := make([]float64, k.SlotCount)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(c[8*i:]))
	}
	return out, nil
}
