// Package he is the additive-homomorphic encryption oracle of the encryption
// transform, built on the BGV scheme of lattigo.
//
// Real values are mapped to the plaintext ring Z_t with a fixed-point
// encoding: x is stored as round(x * 2^Precision), centered around zero.
// Every ciphertext packs up to Slots values, and slot-wise sums of
// ciphertexts decrypt to exact sums of the encoded integers as long as the
// total weight stays within Capacity.
package he

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"math/bits"
	"sync"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/bgv"

	"github.com/aretw0/fedmesh/pkg/domain"
)

// Params selects the BGV ring and the fixed-point encoding.
type Params struct {
	LogN             int    `yaml:"log_n"`
	LogQ             []int  `yaml:"log_q,flow"`
	LogP             []int  `yaml:"log_p,flow"`
	PlaintextModulus uint64 `yaml:"plaintext_modulus"`

	// Precision is the number of fractional bits of the encoding.
	Precision uint `yaml:"precision"`
	// Magnitude bounds the inputs: |x| < 2^Magnitude.
	Magnitude uint `yaml:"magnitude"`
}

// DefaultParams packs 8192 values per ciphertext with 20 fractional bits.
// The plaintext modulus is a 55-bit prime congruent to 1 mod 2^14, which
// enables full batching at LogN 13.
var DefaultParams = Params{
	LogN:             13,
	LogQ:             []int{60, 60},
	LogP:             []int{60},
	PlaintextModulus: 0x7ffffffffb4001,
	Precision:        20,
	Magnitude:        16,
}

// Validate checks that the encoding fits the plaintext modulus.
func (p Params) Validate() error {
	if p.PlaintextModulus < 3 {
		return fmt.Errorf("he: plaintext modulus %d too small", p.PlaintextModulus)
	}
	// one bit for the sign, at least one for the weight
	if need := p.Precision + p.Magnitude + 2; uint(bits.Len64(p.PlaintextModulus)) <= need {
		return fmt.Errorf("he: %d-bit plaintext modulus cannot hold precision %d and magnitude %d",
			bits.Len64(p.PlaintextModulus), p.Precision, p.Magnitude)
	}
	return nil
}

func (p Params) bgv() (bgv.Parameters, error) {
	if err := p.Validate(); err != nil {
		return bgv.Parameters{}, err
	}
	params, err := bgv.NewParametersFromLiteral(bgv.ParametersLiteral{
		LogN:             p.LogN,
		LogQ:             p.LogQ,
		LogP:             p.LogP,
		PlaintextModulus: p.PlaintextModulus,
	})
	if err != nil {
		return bgv.Parameters{}, fmt.Errorf("he: parameters: %w", err)
	}
	return params, nil
}

// PublicKey encrypts and homomorphically adds. It is safe for concurrent use.
type PublicKey struct {
	spec   Params
	params bgv.Parameters
	pk     *rlwe.PublicKey
	id     string

	scale    float64
	bound    float64
	capacity int

	// lattigo encoders, encryptors and evaluators keep scratch buffers
	mu        sync.Mutex
	encoder   *bgv.Encoder
	encryptor *rlwe.Encryptor
	evaluator *bgv.Evaluator
}

// PrivateKey decrypts ciphertexts produced under its PublicKey.
type PrivateKey struct {
	*PublicKey

	sk        *rlwe.SecretKey
	decryptor *rlwe.Decryptor
}

// GenerateKey creates a key pair.
func GenerateKey(p Params) (*PrivateKey, error) {
	params, err := p.bgv()
	if err != nil {
		return nil, err
	}
	sk, pk := rlwe.NewKeyGenerator(params).GenKeyPairNew()
	return newPrivateKey(p, params, sk, pk)
}

func newPrivateKey(p Params, params bgv.Parameters, sk *rlwe.SecretKey, pk *rlwe.PublicKey) (*PrivateKey, error) {
	pub, err := newPublicKey(p, params, pk)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{
		PublicKey: pub,
		sk:        sk,
		decryptor: rlwe.NewDecryptor(params, sk),
	}, nil
}

func newPublicKey(p Params, params bgv.Parameters, pk *rlwe.PublicKey) (*PublicKey, error) {
	data, err := pk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("he: marshal public key: %w", err)
	}
	sum := sha256.Sum256(data)

	half := (p.PlaintextModulus - 1) / 2
	capacity := half >> (p.Precision + p.Magnitude)
	if capacity > math.MaxInt32 {
		capacity = math.MaxInt32
	}

	return &PublicKey{
		spec:      p,
		params:    params,
		pk:        pk,
		id:        hex.EncodeToString(sum[:8]),
		scale:     math.Ldexp(1, int(p.Precision)),
		bound:     math.Ldexp(1, int(p.Precision+p.Magnitude)),
		capacity:  int(capacity),
		encoder:   bgv.NewEncoder(params),
		encryptor: rlwe.NewEncryptor(params, pk),
		evaluator: bgv.NewEvaluator(params, nil),
	}, nil
}

// KeyID identifies the key pair. Ciphertext vectors carry it so mixing keys is detected.
func (k *PublicKey) KeyID() string { return k.id }

// Params returns the parameters the key was generated with.
func (k *PublicKey) Params() Params { return k.spec }

// Slots returns the number of values packed into one ciphertext.
func (k *PublicKey) Slots() int { return k.params.MaxSlots() }

// Capacity returns the largest total weight of a sum that still decodes.
func (k *PublicKey) Capacity() int { return k.capacity }

// Encrypt packs values into one ciphertext.
func (k *PublicKey) Encrypt(values []float64) (domain.Ciphertext, error) {
	slots := k.Slots()
	if len(values) > slots {
		return nil, fmt.Errorf("%w: %d values for %d slots", domain.ErrShapeMismatch, len(values), slots)
	}
	coeffs := make([]int64, slots)
	for i, x := range values {
		m, err := k.encode(x)
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", i, err)
		}
		coeffs[i] = m
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	pt := bgv.NewPlaintext(k.params, k.params.MaxLevel())
	if err := k.encoder.Encode(coeffs, pt); err != nil {
		return nil, fmt.Errorf("he: encode: %w", err)
	}
	ct, err := k.encryptor.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("he: encrypt: %w", err)
	}
	return marshal(ct)
}

// Add returns the encryption of the slot-wise sum of both plaintexts.
func (k *PublicKey) Add(a, b domain.Ciphertext) (domain.Ciphertext, error) {
	ca, err := k.parse(a)
	if err != nil {
		return nil, err
	}
	cb, err := k.parse(b)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	sum, err := k.evaluator.AddNew(ca, cb)
	if err != nil {
		return nil, fmt.Errorf("he: add: %w", err)
	}
	return marshal(sum)
}

// Decrypt recovers the first n packed values.
func (k *PrivateKey) Decrypt(c domain.Ciphertext, n int) ([]float64, error) {
	if n < 0 || n > k.Slots() {
		return nil, fmt.Errorf("%w: %d values from %d slots", domain.ErrShapeMismatch, n, k.Slots())
	}
	ct, err := k.parse(c)
	if err != nil {
		return nil, err
	}

	coeffs := make([]int64, k.Slots())
	k.mu.Lock()
	pt := k.decryptor.DecryptNew(ct)
	err = k.encoder.Decode(pt, coeffs)
	k.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("he: decode: %w", err)
	}

	out := make([]float64, n)
	for i := range out {
		out[i] = float64(coeffs[i]) / k.scale
	}
	return out, nil
}

// Public returns the public half of the key pair.
func (k *PrivateKey) Public() *PublicKey {
	return k.PublicKey
}

func (k *PublicKey) encode(x float64) (int64, error) {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0, fmt.Errorf("he: cannot encode %v", x)
	}
	m := math.Round(x * k.scale)
	if math.Abs(m) >= k.bound {
		return 0, fmt.Errorf("%w: |%v| >= 2^%d", domain.ErrOverflow, x, k.spec.Magnitude)
	}
	return int64(m), nil
}

func (k *PublicKey) parse(c domain.Ciphertext) (*rlwe.Ciphertext, error) {
	if c.IsZero() {
		return nil, fmt.Errorf("%w: empty ciphertext", domain.ErrShapeMismatch)
	}
	ct := new(rlwe.Ciphertext)
	if err := ct.UnmarshalBinary(c); err != nil {
		return nil, fmt.Errorf("%w: ciphertext does not decode under key %s: %v", domain.ErrKeyMismatch, k.id, err)
	}
	if ct.Degree() != 1 || ct.Level() > k.params.MaxLevel() || ct.Value[0].N() != k.params.N() {
		return nil, fmt.Errorf("%w: ciphertext ring does not match key %s", domain.ErrKeyMismatch, k.id)
	}
	return ct, nil
}

func marshal(ct *rlwe.Ciphertext) (domain.Ciphertext, error) {
	data, err := ct.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("he: marshal ciphertext: %w", err)
	}
	return domain.Ciphertext(data), nil
}
