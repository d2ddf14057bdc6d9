// Package simulation assembles an in-process federation over synthetic
// linear-regression data. Every random draw is derived from explicit seeds,
// so two builds from the same Config train bit-identically.
package simulation

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/aretw0/fedmesh/internal/logging"
	"github.com/aretw0/fedmesh/pkg/adapters/inproc"
	"github.com/aretw0/fedmesh/pkg/domain"
	"github.com/aretw0/fedmesh/pkg/model"
	"github.com/aretw0/fedmesh/pkg/party"
	"github.com/aretw0/fedmesh/pkg/ports"
)

// Member describes one simulated participant.
type Member struct {
	ID      string `yaml:"id" mapstructure:"id"`
	Samples int    `yaml:"samples" mapstructure:"samples"`
	Seed    uint64 `yaml:"seed" mapstructure:"seed"`
}

// Config describes a simulated federation.
type Config struct {
	Members []Member
	// Truth holds the generating weights followed by the bias.
	Truth        domain.Vector
	Noise        float64
	Epochs       int
	LearningRate float64
	Workers      int

	// HoldoutSeed and HoldoutSamples describe the evaluation set.
	HoldoutSeed    uint64
	HoldoutSamples int

	// ParticipantOptions apply to every participant, CoordinatorOptions to the coordinator.
	ParticipantOptions []party.Option
	CoordinatorOptions []party.Option
	// Trainers overrides the trainer of individual participants.
	Trainers map[string]ports.Trainer

	Logger *slog.Logger
}

// Setup is a ready-to-run federation.
type Setup struct {
	Coordinator  *party.Coordinator
	Participants []*party.Participant
	Transport    *inproc.Transport
	Holdout      model.Dataset

	dim int
	lr  float64
}

// IDs returns the participant IDs in aggregation order.
func (s *Setup) IDs() []string {
	ids := make([]string, len(s.Participants))
	for i, p := range s.Participants {
		ids[i] = p.ID()
	}
	return ids
}

// Evaluate returns the holdout loss of the given parameters.
func (s *Setup) Evaluate(params domain.Vector) (float64, error) {
	m := model.NewLinear(s.dim, s.lr)
	if err := m.SetParameters(params); err != nil {
		return 0, err
	}
	return s.Holdout.Loss(m)
}

// Build creates the coordinator, the participants and an in-process transport.
func Build(cfg Config) (*Setup, error) {
	if len(cfg.Members) == 0 {
		return nil, errors.New("simulation needs at least one participant")
	}
	if len(cfg.Truth) < 2 {
		return nil, errors.New("truth needs at least one weight and a bias")
	}
	if cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", cfg.LearningRate)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	dim := len(cfg.Truth) - 1

	setup := &Setup{dim: dim, lr: cfg.LearningRate}
	common := []party.Option{party.WithLearningRate(cfg.LearningRate), party.WithLogger(logger)}

	handlers := make([]ports.RoundHandler, 0, len(cfg.Members))
	for _, m := range cfg.Members {
		if m.Samples < 1 {
			return nil, fmt.Errorf("participant %s: samples must be >= 1", m.ID)
		}
		trainer, ok := cfg.Trainers[m.ID]
		if !ok {
			trainer = &model.Trainer{
				Data:   model.Synthetic(m.Seed, m.Samples, cfg.Truth, cfg.Noise),
				Epochs: cfg.Epochs,
			}
		}
		opts := append(append([]party.Option{}, common...), cfg.ParticipantOptions...)
		p := party.NewParticipant(m.ID, model.NewLinear(dim, cfg.LearningRate), trainer, opts...)
		setup.Participants = append(setup.Participants, p)
		handlers = append(handlers, p)
	}

	coordOpts := append(append([]party.Option{}, common...), cfg.CoordinatorOptions...)
	setup.Coordinator = party.NewCoordinator(model.NewLinear(dim, cfg.LearningRate), coordOpts...)

	if cfg.HoldoutSamples > 0 {
		setup.Holdout = model.Synthetic(cfg.HoldoutSeed, cfg.HoldoutSamples, cfg.Truth, 0)
	}

	var topts []inproc.Option
	if cfg.Workers > 0 {
		topts = append(topts, inproc.WithWorkers(cfg.Workers))
	}
	topts = append(topts, inproc.WithLogger(logger))
	tr, err := inproc.New(handlers, topts...)
	if err != nil {
		return nil, err
	}
	setup.Transport = tr
	return setup, nil
}
