package he_test

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/aretw0/fedmesh/internal/testutils"
	"github.com/aretw0/fedmesh/pkg/crypto/he"
	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	sk := testutils.EncryptionKey(t, 0)
	values := []float64{0, 1, -1, 0.6, -1234.5678, 40000, 3.0 / 7.0}

	c, err := sk.Public().Encrypt(values)
	require.NoError(t, err)

	got, err := sk.Decrypt(c, len(values))
	require.NoError(t, err)
	for i, x := range values {
		assert.InDelta(t, x, got[i], math.Ldexp(1, -int(sk.Params().Precision)), "value %v", x)
	}
}

func TestUnusedSlotsDecryptToZero(t *testing.T) {
	sk := testutils.EncryptionKey(t, 0)
	c, err := sk.Encrypt([]float64{2.5})
	require.NoError(t, err)

	got, err := sk.Decrypt(c, 4)
	require.NoError(t, err)
	assert.Equal(t, []float64{2.5, 0, 0, 0}, got)
}

func TestHomomorphicAdd(t *testing.T) {
	sk := testutils.EncryptionKey(t, 0)
	pk := sk.Public()

	a, err := pk.Encrypt([]float64{1.5, 10})
	require.NoError(t, err)
	b, err := pk.Encrypt([]float64{-4.25, 0.5})
	require.NoError(t, err)

	sum, err := pk.Add(a, b)
	require.NoError(t, err)

	got, err := sk.Decrypt(sum, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{-2.75, 10.5}, got, "dyadic rationals must add exactly")
}

func TestProbabilisticEncryption(t *testing.T) {
	sk := testutils.EncryptionKey(t, 0)
	a, err := sk.Encrypt([]float64{1})
	require.NoError(t, err)
	b, err := sk.Encrypt([]float64{1})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestForeignCiphertext(t *testing.T) {
	small := testutils.EncryptionKey(t, 0)
	large, err := he.GenerateKey(he.DefaultParams)
	require.NoError(t, err)
	assert.NotEqual(t, small.KeyID(), large.KeyID())

	c, err := large.Encrypt([]float64{42})
	require.NoError(t, err)

	_, err = small.Decrypt(c, 1)
	assert.ErrorIs(t, err, domain.ErrKeyMismatch)
}

func TestEncrypt_Limits(t *testing.T) {
	sk := testutils.EncryptionKey(t, 0)

	_, err := sk.Encrypt([]float64{math.Ldexp(1, int(sk.Params().Magnitude))})
	assert.ErrorIs(t, err, domain.ErrOverflow)

	_, err = sk.Encrypt([]float64{math.NaN()})
	assert.Error(t, err)

	_, err = sk.Encrypt(make([]float64, sk.Slots()+1))
	assert.ErrorIs(t, err, domain.ErrShapeMismatch)

	_, err = sk.Decrypt(nil, 1)
	assert.ErrorIs(t, err, domain.ErrShapeMismatch)
}

func TestCapacity(t *testing.T) {
	sk := testutils.EncryptionKey(t, 0)
	p := sk.Params()
	want := (p.PlaintextModulus - 1) / 2 >> (p.Precision + p.Magnitude)
	assert.Equal(t, int(want), sk.Capacity())
	assert.Equal(t, 1<<p.LogN, sk.Slots())
}

func TestParams_Validate(t *testing.T) {
	assert.NoError(t, he.DefaultParams.Validate())

	p := he.DefaultParams
	p.Precision = 40
	assert.Error(t, p.Validate())

	_, err := he.GenerateKey(p)
	assert.Error(t, err)
}

func TestKeyFiles(t *testing.T) {
	sk := testutils.EncryptionKey(t, 1)
	dir := t.TempDir()
	privPath := filepath.Join(dir, "key.yaml")
	pubPath := filepath.Join(dir, "key.pub.yaml")

	require.NoError(t, he.WritePrivateKey(privPath, sk))
	require.NoError(t, he.WritePublicKey(pubPath, sk.Public()))

	loaded, err := he.ReadPrivateKey(privPath)
	require.NoError(t, err)
	pub, err := he.ReadPublicKey(pubPath)
	require.NoError(t, err)

	assert.Equal(t, sk.KeyID(), loaded.KeyID())
	assert.Equal(t, sk.KeyID(), pub.KeyID())
	assert.Equal(t, sk.Params(), pub.Params())

	c, err := pub.Encrypt([]float64{2.5})
	require.NoError(t, err)
	got, err := loaded.Decrypt(c, 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{2.5}, got)

	_, err = he.ReadPrivateKey(pubPath)
	assert.Error(t, err)
}
