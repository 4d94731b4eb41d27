package main

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// AdamW implements Adam with decoupled weight decay.
//
// PAPER: "Decoupled Weight Decay Regularization" by Loshchilov & Hutter (2019)
// https://arxiv.org/abs/1711.05101
//
// Adam combines:
//   - Momentum (moving average of gradients)
//   - RMSProp (moving average of squared gradients)
//   - Bias correction (accounts for initialization at zero)
//
// Update rule:
//
//	m_t = beta1 * m_{t-1} + (1 - beta1) * grad
//	v_t = beta2 * v_{t-1} + (1 - beta2) * grad²
//	m_hat = m_t / (1 - beta1^t)
//	v_hat = v_t / (1 - beta2^t)
//	param -= lr * (m_hat / (sqrt(v_hat) + epsilon) + weightDecay * param)
//
// The decay term is applied to the parameter directly rather than folded
// into grad, so it is not rescaled by the adaptive denominator.
type AdamW struct {
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64

	// State (one per parameter)
	m [][]float64 // First moment (momentum)
	v [][]float64 // Second moment (variance)
	t int         // Time step (for bias correction)
}

// NewAdamW creates an optimizer for params with the usual betas (0.9, 0.999)
// and epsilon 1e-8.
func NewAdamW(params []*Tensor, weightDecay float64) *AdamW {
	m := make([][]float64, len(params))
	v := make([][]float64, len(params))
	for i, p := range params {
		m[i] = make([]float64, p.Size())
		v[i] = make([]float64, p.Size())
	}

	return &AdamW{
		beta1:       0.9,
		beta2:       0.999,
		epsilon:     1e-8,
		weightDecay: weightDecay,
		m:           m,
		v:           v,
	}
}

// Step applies one update to params using their gradient buffers. params must
// be the same slice, in the same order, that the optimizer was created with.
func (opt *AdamW) Step(params []*Tensor, lr float64) {
	opt.t++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(opt.beta1, float64(opt.t))
	bias2 := 1.0 - math.Pow(opt.beta2, float64(opt.t))

	for i, p := range params {
		m, v := opt.m[i], opt.v[i]
		for j, grad := range p.grad {
			m[j] = opt.beta1*m[j] + (1.0-opt.beta1)*grad
			v[j] = opt.beta2*v[j] + (1.0-opt.beta2)*grad*grad

			mHat := m[j] / bias1
			vHat := v[j] / bias2

			p.data[j] -= lr * (mHat/(math.Sqrt(vHat)+opt.epsilon) + opt.weightDecay*p.data[j])
		}
	}
}

// Steps returns the number of updates applied so far.
func (opt *AdamW) Steps() int { return opt.t }

// LRSchedule maps a step index to a learning rate.
//
// With WarmupIters == 0 the rate is constant. Otherwise it ramps linearly
// over the warmup, then follows a cosine from the base rate down to
// MinLearningRate at MaxIters.
type LRSchedule struct {
	baseLR      float64
	minLR       float64
	warmupSteps int
	decaySteps  int
}

// NewLRSchedule creates the schedule described by cfg.
func NewLRSchedule(cfg Config) LRSchedule {
	return LRSchedule{
		baseLR:      cfg.LearningRate,
		minLR:       cfg.MinLearningRate,
		warmupSteps: cfg.WarmupIters,
		decaySteps:  cfg.MaxIters,
	}
}

// At returns the learning rate for the zero-based step.
func (s LRSchedule) At(step int) float64 {
	if s.warmupSteps <= 0 {
		return s.baseLR
	}

	// Phase 1: Linear warmup
	if step < s.warmupSteps {
		return s.baseLR * float64(step+1) / float64(s.warmupSteps)
	}

	// Phase 2: Cosine decay
	if step < s.decaySteps {
		progress := float64(step-s.warmupSteps) / float64(s.decaySteps-s.warmupSteps)
		cosine := 0.5 * (1.0 + math.Cos(math.Pi*progress))
		return s.minLR + (s.baseLR-s.minLR)*cosine
	}

	// Phase 3: Constant minimum
	return s.minLR
}

// gradNorm returns the global L2 norm over every parameter's gradient.
// NaN or Inf in any gradient makes the result non-finite.
func gradNorm(params []*Tensor) float64 {
	sumSq := 0.0
	for _, p := range params {
		n := floats.Norm(p.grad, 2)
		sumSq += n * n
	}
	return math.Sqrt(sumSq)
}

// clipGradients rescales gradients so their global norm is at most maxNorm.
func clipGradients(params []*Tensor, norm, maxNorm float64) {
	if maxNorm <= 0 || norm <= maxNorm {
		return
	}
	scale := maxNorm / norm
	for _, p := range params {
		floats.Scale(scale, p.grad)
	}
}
