// Package config loads the YAML run file shared by the fedmesh commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/aretw0/fedmesh/pkg/simulation"
	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultTimeout bounds each collection step.
	DefaultTimeout = 30 * time.Second
	// DefaultLockTTL is the lease of the run lock.
	DefaultLockTTL = 30 * time.Second
	// DefaultCheckpointPath is where the file store writes.
	DefaultCheckpointPath = ".fedmesh/checkpoints"
)

// Store kinds accepted by checkpoint.store.
const (
	StoreNone   = "none"
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

// Layer types accepted in transforms.
const (
	LayerSparsify   = "sparsify"
	LayerEncryption = "encryption"
)

// File is the root of a run file.
type File struct {
	RunID            string                  `yaml:"run_id"`
	Rounds           int                     `yaml:"rounds"`
	LogLevel         string                  `yaml:"log_level"`
	UpdateMode       domain.UpdateMode       `yaml:"update_mode"`
	ContributionMode domain.ContributionMode `yaml:"contribution_mode"`
	GlobalOptimizer  domain.GlobalOptimizer  `yaml:"global_optimizer"`
	Timeout          time.Duration           `yaml:"timeout"`
	Workers          int                     `yaml:"workers"`

	Retry        Retry               `yaml:"retry"`
	Model        Model               `yaml:"model"`
	Holdout      Holdout             `yaml:"holdout"`
	Participants []simulation.Member `yaml:"participants"`

	// Transforms stays loose until Layers decodes it, so every layer type
	// can carry its own keys.
	Transforms []map[string]any `yaml:"transforms"`

	Checkpoint Checkpoint `yaml:"checkpoint"`
	Status     Status     `yaml:"status"`
	Network    Network    `yaml:"network"`

	dir string
}

// Retry configures the unavailable-participant policy. Zero retries aborts the run.
type Retry struct {
	MaxRetries uint64        `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
}

// Model describes the synthetic linear-regression task.
type Model struct {
	// Truth holds the generating weights followed by the bias.
	Truth        domain.Vector `yaml:"truth"`
	Noise        float64       `yaml:"noise"`
	LearningRate float64       `yaml:"learning_rate"`
	Epochs       int           `yaml:"epochs"`
}

// Holdout describes the evaluation set.
type Holdout struct {
	Seed    uint64 `yaml:"seed"`
	Samples int    `yaml:"samples"`
}

// Checkpoint selects where the global parameters are persisted.
type Checkpoint struct {
	Store    string        `yaml:"store"`
	Path     string        `yaml:"path"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
	// KeyFile holds a hex encoded AES-256 key. Checkpoints are sealed when set.
	KeyFile string        `yaml:"key_file"`
	Lock    bool          `yaml:"lock"`
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// Status configures the HTTP status server. Empty Addr disables it.
type Status struct {
	Addr string `yaml:"addr"`
}

// Network is the coordinator address used by distributed runs.
type Network struct {
	Addr string `yaml:"addr"`
}

// LayerSpec is one decoded entry of transforms.
type LayerSpec struct {
	Type string `mapstructure:"type"`
	// Fraction is the share of elements kept by sparsify.
	Fraction float64 `mapstructure:"fraction"`
	// KeyFile is a homomorphic key pair; PublicKeyFile is enough for parties
	// that never decrypt.
	KeyFile       string `mapstructure:"key_file"`
	PublicKeyFile string `mapstructure:"public_key_file"`
}

// Load reads and validates a run file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.dir = filepath.Dir(path)
	return f, nil
}

// Resolve interprets a path of the run file relative to the file itself.
func (f *File) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || f.dir == "" {
		return path
	}
	return filepath.Join(f.dir, path)
}

// Parse decodes a run file, applies defaults and validates it.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse run file: %w", err)
	}
	f.applyDefaults()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) applyDefaults() {
	if f.UpdateMode == "" {
		f.UpdateMode = domain.UpdateServer
	}
	if f.ContributionMode == "" {
		f.ContributionMode = domain.ContributeGradients
	}
	if f.GlobalOptimizer == "" {
		f.GlobalOptimizer = domain.OptimizeSGD
	}
	if f.Timeout == 0 {
		f.Timeout = DefaultTimeout
	}
	if f.Model.Epochs == 0 {
		f.Model.Epochs = 1
	}
	if f.Checkpoint.Store == "" {
		f.Checkpoint.Store = StoreNone
	}
	if f.Checkpoint.Store == StoreFile && f.Checkpoint.Path == "" {
		f.Checkpoint.Path = DefaultCheckpointPath
	}
	if f.Checkpoint.LockTTL == 0 {
		f.Checkpoint.LockTTL = DefaultLockTTL
	}
}

// Validate reports every problem of the file at once.
func (f *File) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if f.Rounds < 1 {
		add("rounds must be >= 1, got %d", f.Rounds)
	}
	if len(f.Participants) == 0 {
		add("at least one participant is required")
	}
	seen := make(map[string]bool, len(f.Participants))
	for i, m := range f.Participants {
		switch {
		case m.ID == "":
			add("participants[%d]: id is required", i)
		case seen[m.ID]:
			add("participants[%d]: duplicate id %q", i, m.ID)
		}
		seen[m.ID] = true
		if m.Samples < 1 {
			add("participants[%d]: samples must be >= 1", i)
		}
	}

	switch f.UpdateMode {
	case domain.UpdateServer, domain.UpdateParticipant:
	default:
		add("unknown update_mode %q", f.UpdateMode)
	}
	switch f.ContributionMode {
	case domain.ContributeGradients, domain.ContributeWeights:
	default:
		add("unknown contribution_mode %q", f.ContributionMode)
	}
	switch f.GlobalOptimizer {
	case domain.OptimizeSGD, domain.OptimizeAdam, domain.OptimizeNone:
	default:
		add("unknown global_optimizer %q", f.GlobalOptimizer)
	}
	if f.Timeout < 0 {
		add("timeout must not be negative")
	}
	if len(f.Model.Truth) < 2 {
		add("model.truth needs at least one weight and a bias")
	}
	if f.Model.LearningRate <= 0 {
		add("model.learning_rate must be positive")
	}
	if f.Model.Epochs < 1 {
		add("model.epochs must be >= 1")
	}

	switch f.Checkpoint.Store {
	case StoreNone:
	case StoreMemory, StoreFile:
		if f.UpdateMode == domain.UpdateParticipant {
			add("checkpoint.store requires update_mode %q", domain.UpdateServer)
		}
	case StoreRedis:
		if f.Checkpoint.Addr == "" {
			add("checkpoint.addr is required for the redis store")
		}
		if f.UpdateMode == domain.UpdateParticipant {
			add("checkpoint.store requires update_mode %q", domain.UpdateServer)
		}
	default:
		add("unknown checkpoint.store %q", f.Checkpoint.Store)
	}
	if f.Checkpoint.Lock && f.Checkpoint.Store != StoreRedis {
		add("checkpoint.lock needs the redis store")
	}

	if _, err := f.Layers(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Layers decodes transforms in declaration order.
func (f *File) Layers() ([]LayerSpec, error) {
	specs := make([]LayerSpec, 0, len(f.Transforms))
	for i, raw := range f.Transforms {
		var spec LayerSpec
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &spec,
			ErrorUnused:      true,
			WeaklyTypedInput: true,
		})
		if err != nil {
			return nil, err
		}
		if err := dec.Decode(raw); err != nil {
			return nil, fmt.Errorf("transforms[%d]: %w", i, err)
		}
		if err := spec.validate(); err != nil {
			return nil, fmt.Errorf("transforms[%d]: %w", i, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (s LayerSpec) validate() error {
	switch s.Type {
	case LayerSparsify:
		if s.Fraction <= 0 || s.Fraction > 1 {
			return fmt.Errorf("sparsify fraction must be in (0, 1], got %v", s.Fraction)
		}
	case LayerEncryption:
		if s.KeyFile == "" && s.PublicKeyFile == "" {
			return errors.New("encryption needs key_file or public_key_file")
		}
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("unknown layer type %q", s.Type)
	}
	return nil
}

// Member returns the participant entry with the given ID.
func (f *File) Member(id string) (simulation.Member, bool) {
	for _, m := range f.Participants {
		if m.ID == id {
			return m, true
		}
	}
	return simulation.Member{}, false
}

// IDs returns the participant IDs in aggregation order.
func (f *File) IDs() []string {
	ids := make([]string, len(f.Participants))
	for i, m := range f.Participants {
		ids[i] = m.ID
	}
	return ids
}
