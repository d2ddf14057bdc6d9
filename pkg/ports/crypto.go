package ports

import "github.com/aretw0/fedmesh/pkg/domain"

// Adder combines ciphertexts without decrypting them.
type Adder interface {
	// KeyID identifies the public key the ciphertexts were produced under.
	KeyID() string

	// Slots returns how many values one ciphertext packs.
	Slots() int

	// Capacity returns the largest total weight a sum of fresh encryptions
	// may carry before it wraps around the plaintext space.
	Capacity() int

	// Add returns the slot-wise encryption of the sum of both plaintexts.
	Add(a, b domain.Ciphertext) (domain.Ciphertext, error)
}

// Encryptor is the public half of an additive-homomorphic scheme.
type Encryptor interface {
	Adder

	// Encrypt packs at most Slots real values into one ciphertext.
	// Unused slots encrypt zero.
	Encrypt(values []float64) (domain.Ciphertext, error)
}

// Decryptor holds the private key matching an Encryptor.
type Decryptor interface {
	Encryptor

	// Decrypt recovers the first n packed values of a ciphertext.
	Decrypt(c domain.Ciphertext, n int) ([]float64, error)
}
