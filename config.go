package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds every hyperparameter of a training session. It is passed by
// value into NewGPT and NewTrainer; nothing reads hyperparameters from
// package-level state.
type Config struct {
	// Model shape
	BlockSize int     `json:"block_size"` // maximum context length
	EmbedDim  int     `json:"n_embd"`
	NumHeads  int     `json:"n_head"`
	NumLayers int     `json:"n_layer"`
	Dropout   float64 `json:"dropout"` // probability in [0,1)

	// Optimization
	BatchSize       int     `json:"batch_size"`
	LearningRate    float64 `json:"learning_rate"`
	WeightDecay     float64 `json:"weight_decay"`      // decoupled (AdamW)
	GradClip        float64 `json:"grad_clip"`         // global-norm clip, 0 disables
	WarmupIters     int     `json:"warmup_iters"`      // linear warmup, 0 disables
	MinLearningRate float64 `json:"min_learning_rate"` // cosine floor, used only with warmup

	// Schedule
	MaxIters     int `json:"max_iters"`
	EvalInterval int `json:"eval_interval"`
	EvalIters    int `json:"eval_iters"`

	// Data
	TrainFraction float64 `json:"train_fraction"`

	// Hardware
	Backend string `json:"backend"` // see NewBackend

	Seed uint64 `json:"seed"`
}

// DefaultConfig returns the hyperparameters of the reference Shakespeare run.
func DefaultConfig() Config {
	return Config{
		BlockSize: 256,
		EmbedDim:  384,
		NumHeads:  6,
		NumLayers: 6,
		Dropout:   0.2,

		BatchSize:       64,
		LearningRate:    3e-4,
		WeightDecay:     0.01,
		GradClip:        0,
		WarmupIters:     0,
		MinLearningRate: 3e-5,

		MaxIters:     5000,
		EvalInterval: 500,
		EvalIters:    200,

		TrainFraction: 0.9,

		Backend: "auto",
		Seed:    1337,
	}
}

// TinyConfig returns a configuration small enough to train in seconds on a
// laptop CPU. Used by the CLI's --tiny flag and by tests.
func TinyConfig() Config {
	cfg := DefaultConfig()
	cfg.BlockSize = 32
	cfg.EmbedDim = 64
	cfg.NumHeads = 4
	cfg.NumLayers = 2
	cfg.Dropout = 0.1
	cfg.BatchSize = 16
	cfg.LearningRate = 1e-3
	cfg.MaxIters = 500
	cfg.EvalInterval = 100
	cfg.EvalIters = 20
	return cfg
}

// HeadDim returns the per-head width.
func (c Config) HeadDim() int {
	return c.EmbedDim / c.NumHeads
}

// Validate checks that the configuration can build and train a model.
func (c Config) Validate() error {
	switch {
	case c.BlockSize <= 0:
		return fmt.Errorf("%w: block_size must be positive, got %d", ErrConfiguration, c.BlockSize)
	case c.EmbedDim <= 0:
		return fmt.Errorf("%w: n_embd must be positive, got %d", ErrConfiguration, c.EmbedDim)
	case c.NumHeads <= 0:
		return fmt.Errorf("%w: n_head must be positive, got %d", ErrConfiguration, c.NumHeads)
	case c.EmbedDim%c.NumHeads != 0:
		return fmt.Errorf("%w: n_embd (%d) must be divisible by n_head (%d)", ErrConfiguration, c.EmbedDim, c.NumHeads)
	case c.NumLayers <= 0:
		return fmt.Errorf("%w: n_layer must be positive, got %d", ErrConfiguration, c.NumLayers)
	case c.Dropout < 0 || c.Dropout >= 1:
		return fmt.Errorf("%w: dropout must be in [0,1), got %g", ErrConfiguration, c.Dropout)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch_size must be positive, got %d", ErrConfiguration, c.BatchSize)
	case c.LearningRate <= 0:
		return fmt.Errorf("%w: learning_rate must be positive, got %g", ErrConfiguration, c.LearningRate)
	case c.WeightDecay < 0:
		return fmt.Errorf("%w: weight_decay must be non-negative, got %g", ErrConfiguration, c.WeightDecay)
	case c.GradClip < 0:
		return fmt.Errorf("%w: grad_clip must be non-negative, got %g", ErrConfiguration, c.GradClip)
	case c.WarmupIters < 0:
		return fmt.Errorf("%w: warmup_iters must be non-negative, got %d", ErrConfiguration, c.WarmupIters)
	case c.MaxIters < 0:
		return fmt.Errorf("%w: max_iters must be non-negative, got %d", ErrConfiguration, c.MaxIters)
	case c.EvalInterval <= 0:
		return fmt.Errorf("%w: eval_interval must be positive, got %d", ErrConfiguration, c.EvalInterval)
	case c.EvalIters <= 0:
		return fmt.Errorf("%w: eval_iters must be positive, got %d", ErrConfiguration, c.EvalIters)
	case c.TrainFraction <= 0 || c.TrainFraction > 1:
		return fmt.Errorf("%w: train_fraction must be in (0,1], got %g", ErrConfiguration, c.TrainFraction)
	}
	return nil
}

// LoadConfig reads a JSON file and overlays it on DefaultConfig. Keys absent
// from the file keep their default values.
func LoadConfig(filename string) (Config, error) {
	return loadConfigOver(DefaultConfig(), filename)
}

// loadConfigOver overlays a JSON file on base.
func loadConfigOver(cfg Config, filename string) (Config, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", filename, err)
	}

	return cfg, nil
}
