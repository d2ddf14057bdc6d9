package he

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"gopkg.in/yaml.v3"
)

// KeyFile is the on-disk representation of a key. Key material is base64
// encoded lattigo binary. Public key files omit the secret key.
type KeyFile struct {
	Params    Params `yaml:"params"`
	KeyID     string `yaml:"key_id"`
	PublicKey string `yaml:"public_key"`
	SecretKey string `yaml:"secret_key,omitempty"`
}

// WritePrivateKey stores the full key pair with owner-only permissions.
func WritePrivateKey(path string, k *PrivateKey) error {
	kf, err := k.PublicKey.keyFile()
	if err != nil {
		return err
	}
	data, err := k.sk.MarshalBinary()
	if err != nil {
		return fmt.Errorf("he: marshal secret key: %w", err)
	}
	kf.SecretKey = base64.StdEncoding.EncodeToString(data)
	return writeKeyFile(path, kf, 0600)
}

// WritePublicKey stores only the public half.
func WritePublicKey(path string, k *PublicKey) error {
	kf, err := k.keyFile()
	if err != nil {
		return err
	}
	return writeKeyFile(path, kf, 0644)
}

// ReadPrivateKey loads a key pair written by WritePrivateKey.
func ReadPrivateKey(path string) (*PrivateKey, error) {
	kf, err := readKeyFile(path)
	if err != nil {
		return nil, err
	}
	if kf.SecretKey == "" {
		return nil, fmt.Errorf("he: %s holds no secret key", path)
	}
	params, err := kf.Params.bgv()
	if err != nil {
		return nil, err
	}
	pk, err := decodePublicKey(kf, params)
	if err != nil {
		return nil, err
	}

	data, err := base64.StdEncoding.DecodeString(kf.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("he: decode secret key: %w", err)
	}
	sk := rlwe.NewSecretKey(params)
	if err := sk.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("he: unmarshal secret key: %w", err)
	}
	k, err := newPrivateKey(kf.Params, params, sk, pk)
	if err != nil {
		return nil, err
	}
	if err := kf.checkID(k.PublicKey); err != nil {
		return nil, err
	}
	return k, nil
}

// ReadPublicKey loads the public half of any key file.
func ReadPublicKey(path string) (*PublicKey, error) {
	kf, err := readKeyFile(path)
	if err != nil {
		return nil, err
	}
	params, err := kf.Params.bgv()
	if err != nil {
		return nil, err
	}
	pk, err := decodePublicKey(kf, params)
	if err != nil {
		return nil, err
	}
	k, err := newPublicKey(kf.Params, params, pk)
	if err != nil {
		return nil, err
	}
	if err := kf.checkID(k); err != nil {
		return nil, err
	}
	return k, nil
}

func (kf KeyFile) checkID(k *PublicKey) error {
	if kf.KeyID != "" && kf.KeyID != k.KeyID() {
		return fmt.Errorf("he: key file claims id %s, key material is %s", kf.KeyID, k.KeyID())
	}
	return nil
}

func (k *PublicKey) keyFile() (KeyFile, error) {
	data, err := k.pk.MarshalBinary()
	if err != nil {
		return KeyFile{}, fmt.Errorf("he: marshal public key: %w", err)
	}
	return KeyFile{
		Params:    k.spec,
		KeyID:     k.id,
		PublicKey: base64.StdEncoding.EncodeToString(data),
	}, nil
}

func decodePublicKey(kf KeyFile, params rlwe.ParameterProvider) (*rlwe.PublicKey, error) {
	data, err := base64.StdEncoding.DecodeString(kf.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("he: decode public key: %w", err)
	}
	pk := rlwe.NewPublicKey(params)
	if err := pk.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("he: unmarshal public key: %w", err)
	}
	return pk, nil
}

func writeKeyFile(path string, kf KeyFile, perm os.FileMode) error {
	data, err := yaml.Marshal(kf)
	if err != nil {
		return fmt.Errorf("he: marshal key: %w", err)
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("he: write key: %w", err)
	}
	return nil
}

func readKeyFile(path string) (KeyFile, error) {
	var kf KeyFile
	data, err := os.ReadFile(path)
	if err != nil {
		return kf, fmt.Errorf("he: read key: %w", err)
	}
	if err := yaml.Unmarshal(data, &kf); err != nil {
		return kf, fmt.Errorf("he: parse key %s: %w", path, err)
	}
	if kf.PublicKey == "" {
		return kf, fmt.Errorf("he: %s holds no public key", path)
	}
	return kf, nil
}
