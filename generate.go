package main

import (
	"fmt"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"
)

// SampleConfig holds configuration for text generation sampling.
type SampleConfig struct {
	Temperature float64 // Divides logits before softmax; must be > 0
	TopK        int     // Keep only the k most likely tokens (0 = disabled)
	TopP        float64 // Nucleus sampling threshold (0 = disabled)
}

// NewSampleConfig returns plain multinomial sampling from the model's
// distribution.
func NewSampleConfig() SampleConfig {
	return SampleConfig{Temperature: 1.0}
}

// SampleOption adjusts a SampleConfig.
type SampleOption func(*SampleConfig)

// WithTemperature sets the softmax temperature.
func WithTemperature(t float64) SampleOption {
	return func(c *SampleConfig) { c.Temperature = t }
}

// WithTopK restricts sampling to the k most likely tokens.
func WithTopK(k int) SampleOption {
	return func(c *SampleConfig) { c.TopK = k }
}

// WithTopP restricts sampling to the smallest set of tokens whose
// probabilities sum to at least p.
func WithTopP(p float64) SampleOption {
	return func(c *SampleConfig) { c.TopP = p }
}

func (c SampleConfig) validate() error {
	switch {
	case c.Temperature <= 0:
		return fmt.Errorf("%w: temperature must be positive, got %g", ErrConfiguration, c.Temperature)
	case c.TopK < 0:
		return fmt.Errorf("%w: top-k must be non-negative, got %d", ErrConfiguration, c.TopK)
	case c.TopP < 0 || c.TopP > 1:
		return fmt.Errorf("%w: top-p must be in [0,1], got %g", ErrConfiguration, c.TopP)
	}
	return nil
}

// Generate extends seed by numNewTokens sampled tokens.
//
// Each step crops the context to the last BlockSize tokens, runs the model
// without dropout, turns the last position's logits into a distribution and
// draws one token from it with rng.
//
// Returns: len(seed)+numNewTokens IDs, the first len(seed) equal to seed.
//
// Generate reads model parameters only and never switches the model's mode,
// so concurrent calls are safe as long as each has its own rng and nothing
// is training the model.
func Generate(model *GPT, seed []int, numNewTokens int, rng *rand.Rand, opts ...SampleOption) ([]int, error) {
	cfg := NewSampleConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(seed) == 0 {
		return nil, fmt.Errorf("%w: generation needs at least one seed token", ErrShapeMismatch)
	}
	if numNewTokens < 0 {
		return nil, fmt.Errorf("%w: token count must be non-negative, got %d", ErrConfiguration, numNewTokens)
	}
	if rng == nil {
		return nil, fmt.Errorf("%w: random source is required", ErrConfiguration)
	}
	if err := model.checkIDs(seed); err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}

	tokens := make([]int, len(seed), len(seed)+numNewTokens)
	copy(tokens, seed)
	blockSize := model.cfg.BlockSize

	for i := 0; i < numNewTokens; i++ {
		// Crop to the last blockSize tokens
		context := tokens[max(0, len(tokens)-blockSize):]

		logits, _ := model.forwardSequence(context, nil)
		last := logits.Row(len(context) - 1)

		next, err := sampleToken(last, cfg, rng)
		if err != nil {
			return nil, fmt.Errorf("token %d: %w", i, err)
		}
		tokens = append(tokens, next)
	}

	return tokens, nil
}

// GenerateText encodes prompt, generates numNewTokens characters and decodes
// the whole sequence, prompt included.
func GenerateText(model *GPT, vocab *Vocabulary, prompt string, numNewTokens int, rng *rand.Rand, opts ...SampleOption) (string, error) {
	seed, err := vocab.Encode(prompt)
	if err != nil {
		return "", fmt.Errorf("encode prompt: %w", err)
	}
	ids, err := Generate(model, seed, numNewTokens, rng, opts...)
	if err != nil {
		return "", err
	}
	return vocab.Decode(ids)
}

// sampleToken draws one token ID from logits using temperature, top-k, and
// top-p filtering.
func sampleToken(logits []float64, cfg SampleConfig, rng *rand.Rand) (int, error) {
	scaled := make([]float64, len(logits))
	for i, logit := range logits {
		scaled[i] = logit / cfg.Temperature
	}

	probs := make([]float64, len(scaled))
	softmaxInto(probs, scaled)
	if !allFinite(probs) {
		return 0, fmt.Errorf("%w: sampling distribution is not finite", ErrNumericInstability)
	}

	if cfg.TopK > 0 {
		probs = applyTopK(probs, cfg.TopK)
	}
	if cfg.TopP > 0 && cfg.TopP < 1 {
		probs = applyTopP(probs, cfg.TopP)
	}

	dist := distuv.NewCategorical(probs, rng)
	return int(dist.Rand()), nil
}

// rankByProb returns token indices ordered by descending probability.
// Ties keep the lower index first.
func rankByProb(probs []float64) []int {
	indices := make([]int, len(probs))
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(i, j int) bool {
		return probs[indices[i]] > probs[indices[j]]
	})
	return indices
}

// applyTopK zeroes every probability outside the k largest.
// Categorical sampling normalizes, so the result need not sum to 1.
func applyTopK(probs []float64, k int) []float64 {
	if k <= 0 || k >= len(probs) {
		return probs
	}

	filtered := make([]float64, len(probs))
	for _, idx := range rankByProb(probs)[:k] {
		filtered[idx] = probs[idx]
	}
	return filtered
}

// applyTopP keeps the minimum set of most likely tokens with cumulative
// probability >= p.
func applyTopP(probs []float64, p float64) []float64 {
	if p <= 0 || p >= 1 {
		return probs
	}

	total := 0.0
	for _, v := range probs {
		total += v
	}

	filtered := make([]float64, len(probs))
	cum := 0.0
	for _, idx := range rankByProb(probs) {
		if cum >= p*total {
			break
		}
		filtered[idx] = probs[idx]
		cum += probs[idx]
	}
	return filtered
}
