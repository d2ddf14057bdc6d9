package cli

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aretw0/fedmesh"
	"github.com/aretw0/fedmesh/internal/config"
	"github.com/aretw0/fedmesh/pkg/adapters/file"
	"github.com/aretw0/fedmesh/pkg/adapters/memory"
	"github.com/aretw0/fedmesh/pkg/adapters/redis"
	"github.com/aretw0/fedmesh/pkg/aggregate"
	"github.com/aretw0/fedmesh/pkg/crypto/he"
	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/aretw0/fedmesh/pkg/party"
	"github.com/aretw0/fedmesh/pkg/persistence/middleware"
	"github.com/aretw0/fedmesh/pkg/ports"
	"github.com/aretw0/fedmesh/pkg/transform"
)

// Role is the side of the protocol a process plays.
type Role int

const (
	RoleCoordinator Role = iota
	RoleParticipant
)

// decrypts reports whether the role applies aggregates, and therefore needs
// the private key, under the given update mode.
func (r Role) decrypts(mode domain.UpdateMode) bool {
	if mode == domain.UpdateParticipant {
		return r == RoleParticipant
	}
	return r == RoleCoordinator
}

// BuildChain assembles the transform chain of one party. adder is non-nil
// when the chain encrypts; the aggregator needs it to sum ciphertexts.
func BuildChain(f *config.File, role Role) (chain transform.Chain, adder ports.Adder, err error) {
	specs, err := f.Layers()
	if err != nil {
		return transform.Chain{}, nil, err
	}

	layers := make([]transform.Layer, 0, len(specs))
	for _, spec := range specs {
		switch spec.Type {
		case config.LayerSparsify:
			s, err := transform.NewSparsify(spec.Fraction)
			if err != nil {
				return transform.Chain{}, nil, err
			}
			layers = append(layers, s)

		case config.LayerEncryption:
			if adder != nil {
				return transform.Chain{}, nil, errors.New("only one encryption layer is supported")
			}
			enc, err := encryptionLayer(f, spec, role.decrypts(f.UpdateMode))
			if err != nil {
				return transform.Chain{}, nil, err
			}
			layers = append(layers, enc)
			adder = enc.Adder()
		}
	}
	return transform.NewChain(layers...), adder, nil
}

func encryptionLayer(f *config.File, spec config.LayerSpec, private bool) (*transform.Encryption, error) {
	if private {
		if spec.KeyFile == "" {
			return nil, errors.New("encryption: this party decrypts aggregates and needs key_file")
		}
		sk, err := he.ReadPrivateKey(f.Resolve(spec.KeyFile))
		if err != nil {
			return nil, err
		}
		return transform.NewEncryption(sk.Public(), transform.WithPrivateKey(sk)), nil
	}

	if spec.PublicKeyFile != "" {
		pk, err := he.ReadPublicKey(f.Resolve(spec.PublicKeyFile))
		if err != nil {
			return nil, err
		}
		return transform.NewEncryption(pk), nil
	}
	sk, err := he.ReadPrivateKey(f.Resolve(spec.KeyFile))
	if err != nil {
		return nil, err
	}
	return transform.NewEncryption(sk.Public()), nil
}

// PartyOptions returns the options shared by every party of the run.
func PartyOptions(f *config.File, chain transform.Chain, logger *slog.Logger) []party.Option {
	return []party.Option{
		party.WithChain(chain),
		party.WithLogger(logger),
		party.WithUpdateMode(f.UpdateMode),
		party.WithContributionMode(f.ContributionMode),
		party.WithGlobalOptimizer(f.GlobalOptimizer),
		party.WithLearningRate(f.Model.LearningRate),
	}
}

// Persistence is the checkpoint backend selected by the run file.
type Persistence struct {
	Store  ports.CheckpointStore
	Locker ports.DistributedLocker
	close  func() error
}

// Close releases the backend connection, if any.
func (p *Persistence) Close() error {
	if p == nil || p.close == nil {
		return nil
	}
	return p.close()
}

// OpenStore creates the checkpoint store and, for redis, the run locker.
// It returns an empty Persistence when checkpointing is disabled.
func OpenStore(ctx context.Context, f *config.File) (*Persistence, error) {
	cfg := f.Checkpoint
	p := &Persistence{}

	switch cfg.Store {
	case config.StoreNone:
		return p, nil
	case config.StoreMemory:
		p.Store = memory.NewStore()
	case config.StoreFile:
		p.Store = file.New(f.Resolve(cfg.Path))
	case config.StoreRedis:
		var opts []redis.Option
		if cfg.TTL > 0 {
			opts = append(opts, redis.WithTTL(cfg.TTL))
		}
		if cfg.Prefix != "" {
			opts = append(opts, redis.WithPrefix(cfg.Prefix))
		}
		rs := redis.New(cfg.Addr, cfg.Password, cfg.DB, opts...)
		if err := rs.Client().Ping(ctx).Err(); err != nil {
			_ = rs.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
		}
		p.Store = rs
		p.close = rs.Close
		if cfg.Lock {
			p.Locker = redis.NewLocker(rs.Client(), "fedmesh:")
		}
	default:
		return nil, fmt.Errorf("unknown checkpoint store %q", cfg.Store)
	}

	if cfg.KeyFile != "" {
		key, err := ReadAESKey(f.Resolve(cfg.KeyFile))
		if err != nil {
			_ = p.Close()
			return nil, err
		}
		p.Store = middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: key})(p.Store)
	}
	return p, nil
}

// ReadAESKey loads a hex encoded AES-256 key.
func ReadAESKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint key: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("checkpoint key %s is not hex: %w", path, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("checkpoint key %s must be 32 bytes, got %d", path, len(key))
	}
	return key, nil
}

// EngineOptions translates the run file into Engine options.
func EngineOptions(f *config.File, p *Persistence, adder ports.Adder, hooks domain.RoundHooks, logger *slog.Logger) []fedmesh.Option {
	opts := []fedmesh.Option{
		fedmesh.WithLogger(logger),
		fedmesh.WithHooks(hooks),
		fedmesh.WithTimeout(f.Timeout),
	}
	if f.RunID != "" {
		opts = append(opts, fedmesh.WithRunID(f.RunID))
	}
	if f.Retry.MaxRetries > 0 {
		opts = append(opts, fedmesh.WithUnavailablePolicy(fedmesh.RetryRound(f.Retry.MaxRetries, f.Retry.Backoff)))
	}
	if adder != nil {
		opts = append(opts, fedmesh.WithAggregator(aggregate.New(aggregate.WithAdder(adder))))
	}
	if p != nil && p.Store != nil {
		opts = append(opts, fedmesh.WithCheckpointStore(p.Store))
	}
	if p != nil && p.Locker != nil {
		opts = append(opts, fedmesh.WithLocker(p.Locker, f.Checkpoint.LockTTL))
	}
	return opts
}
