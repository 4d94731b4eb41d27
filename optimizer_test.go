package main

import (
	"math"
	"testing"
)

func TestAdamWFirstStep(t *testing.T) {
	p := NewParameter(3)
	copy(p.data, []float64{1, 1, 1})
	copy(p.grad, []float64{0.5, -2, 1e-3})

	opt := NewAdamW([]*Tensor{p}, 0)
	opt.Step([]*Tensor{p}, 0.1)

	// After bias correction the first step is lr * sign(grad).
	want := []float64{0.9, 1.1, 0.9}
	for i, v := range p.data {
		if math.Abs(v-want[i]) > 1e-4 {
			t.Errorf("element %d: expected %f, got %f", i, want[i], v)
		}
	}
	if opt.Steps() != 1 {
		t.Errorf("expected 1 step, got %d", opt.Steps())
	}
}

func TestAdamWDecoupledWeightDecay(t *testing.T) {
	p := NewParameter(2)
	copy(p.data, []float64{2, -4})

	opt := NewAdamW([]*Tensor{p}, 0.1)
	opt.Step([]*Tensor{p}, 0.5) // zero gradient

	// Only the decay term acts: p -= lr * wd * p
	want := []float64{2 - 0.5*0.1*2, -4 + 0.5*0.1*4}
	for i, v := range p.data {
		if math.Abs(v-want[i]) > 1e-12 {
			t.Errorf("element %d: expected %f, got %f", i, want[i], v)
		}
	}
}

func TestLRSchedule(t *testing.T) {
	t.Run("constant without warmup", func(t *testing.T) {
		cfg := DefaultConfig()
		s := NewLRSchedule(cfg)
		for _, step := range []int{0, 10, cfg.MaxIters - 1, cfg.MaxIters + 10} {
			if lr := s.At(step); lr != cfg.LearningRate {
				t.Errorf("step %d: expected %g, got %g", step, cfg.LearningRate, lr)
			}
		}
	})

	t.Run("warmup then cosine", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.LearningRate = 1e-3
		cfg.MinLearningRate = 1e-4
		cfg.WarmupIters = 10
		cfg.MaxIters = 110
		s := NewLRSchedule(cfg)

		if lr := s.At(0); math.Abs(lr-1e-4) > 1e-15 {
			t.Errorf("step 0: expected 1e-4, got %g", lr)
		}
		if lr := s.At(9); math.Abs(lr-1e-3) > 1e-15 {
			t.Errorf("step 9: expected peak 1e-3, got %g", lr)
		}
		if lr := s.At(10); math.Abs(lr-1e-3) > 1e-15 {
			t.Errorf("step 10: expected 1e-3 at start of decay, got %g", lr)
		}
		if lr := s.At(60); math.Abs(lr-5.5e-4) > 1e-12 {
			t.Errorf("step 60: expected midpoint 5.5e-4, got %g", lr)
		}
		if lr := s.At(200); lr != 1e-4 {
			t.Errorf("step 200: expected floor 1e-4, got %g", lr)
		}

		prev := math.Inf(1)
		for step := 10; step < 110; step++ {
			lr := s.At(step)
			if lr > prev {
				t.Fatalf("learning rate increased during decay at step %d", step)
			}
			prev = lr
		}
	})
}

func TestClipGradients(t *testing.T) {
	a := NewParameter(2)
	b := NewParameter(1)
	copy(a.grad, []float64{3, 0})
	copy(b.grad, []float64{4})
	params := []*Tensor{a, b}

	norm := gradNorm(params)
	if math.Abs(norm-5) > 1e-12 {
		t.Fatalf("expected norm 5, got %f", norm)
	}

	clipGradients(params, norm, 0) // disabled
	if a.grad[0] != 3 {
		t.Error("clip 0 should leave gradients alone")
	}

	clipGradients(params, norm, 1)
	if got := gradNorm(params); math.Abs(got-1) > 1e-12 {
		t.Errorf("expected clipped norm 1, got %f", got)
	}
	if math.Abs(a.grad[0]-0.6) > 1e-12 || math.Abs(b.grad[0]-0.8) > 1e-12 {
		t.Errorf("clipping should preserve direction, got %v %v", a.grad, b.grad)
	}
}
