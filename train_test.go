package main

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"strings"
	"testing"
)

// newTestTrainer builds a model and trainer over corpus.
func newTestTrainer(t testing.TB, cfg Config, corpus string, opts ...TrainerOption) (*Trainer, *GPT, *Vocabulary) {
	t.Helper()

	vocab := BuildVocabulary(corpus)
	ids, err := vocab.Encode(corpus)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	data, err := NewDataset(ids, cfg.TrainFraction)
	if err != nil {
		t.Fatalf("NewDataset: %v", err)
	}
	model := newTestModel(t, cfg, vocab.Size())

	trainer, err := NewTrainer(model, data, cfg, rand.New(rand.NewPCG(cfg.Seed, 2)), opts...)
	if err != nil {
		t.Fatalf("NewTrainer: %v", err)
	}
	return trainer, model, vocab
}

// TestLossImproves trains on a perfectly alternating corpus, where every
// character after the first in a window is predictable.
func TestLossImproves(t *testing.T) {
	cfg := smallConfig()
	cfg.BlockSize = 8
	cfg.EmbedDim = 16
	cfg.NumHeads = 2
	cfg.NumLayers = 1
	cfg.Dropout = 0
	cfg.BatchSize = 4
	cfg.LearningRate = 5e-3
	cfg.MaxIters = 200
	cfg.EvalInterval = 100
	cfg.EvalIters = 10

	trainer, _, vocab := newTestTrainer(t, cfg, strings.Repeat("ab", 1000))
	if vocab.Size() != 2 {
		t.Fatalf("expected vocab size 2, got %d", vocab.Size())
	}

	history, err := trainer.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	first := history.Evals[0]
	last, _ := history.LastEval()

	// An untrained model is close to uniform over two characters.
	if math.Abs(first.Val-math.Ln2) > 0.1 {
		t.Errorf("expected initial val loss near ln 2 = %.3f, got %.3f", math.Ln2, first.Val)
	}
	if last.Val >= 0.75*first.Val {
		t.Errorf("val loss did not improve enough: %.4f -> %.4f", first.Val, last.Val)
	}
	if last.Train >= 0.75*first.Train {
		t.Errorf("train loss did not improve enough: %.4f -> %.4f", first.Train, last.Train)
	}
}

func TestEvalSchedule(t *testing.T) {
	tests := []struct {
		maxIters, interval int
		want               []int
	}{
		{25, 10, []int{0, 10, 20, 25}},
		{20, 10, []int{0, 10, 20}},
		{3, 10, []int{0, 3}},
		{0, 10, []int{0}},
	}

	for _, tt := range tests {
		cfg := smallConfig()
		cfg.MaxIters = tt.maxIters
		cfg.EvalInterval = tt.interval
		cfg.EvalIters = 1
		cfg.BatchSize = 2

		var hooked []int
		trainer, _, _ := newTestTrainer(t, cfg, strings.Repeat("hello world ", 20),
			WithEvalHook(func(r EvalReport) { hooked = append(hooked, r.Step) }))

		history, err := trainer.Run(context.Background())
		if err != nil {
			t.Fatalf("Run: %v", err)
		}

		var got []int
		for _, e := range history.Evals {
			got = append(got, e.Step)
		}
		if !slices.Equal(got, tt.want) {
			t.Errorf("max %d interval %d: expected evals at %v, got %v", tt.maxIters, tt.interval, tt.want, got)
		}
		if !slices.Equal(hooked, tt.want) {
			t.Errorf("eval hook saw %v, want %v", hooked, tt.want)
		}
		if len(history.Steps) != tt.maxIters {
			t.Errorf("expected %d steps, got %d", tt.maxIters, len(history.Steps))
		}
	}
}

func TestRunStopsWhenCancelled(t *testing.T) {
	cfg := smallConfig()
	cfg.MaxIters = 100
	cfg.EvalIters = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trainer, _, _ := newTestTrainer(t, cfg, strings.Repeat("hello world ", 20),
		WithStepHook(func(r StepResult) {
			if r.Step == 4 {
				cancel()
			}
		}))

	history, err := trainer.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// The step in flight completes; nothing after it starts.
	if len(history.Steps) != 5 || trainer.StepsDone() != 5 {
		t.Errorf("expected 5 completed steps, got %d (trainer says %d)", len(history.Steps), trainer.StepsDone())
	}
}

func TestEstimateLossRestoresMode(t *testing.T) {
	cfg := smallConfig()
	cfg.EvalIters = 2
	trainer, model, _ := newTestTrainer(t, cfg, strings.Repeat("hello world ", 20))

	for _, training := range []bool{true, false} {
		if training {
			model.Train()
		} else {
			model.Eval()
		}

		est, err := trainer.EstimateLoss()
		if err != nil {
			t.Fatalf("EstimateLoss: %v", err)
		}
		if model.Training() != training {
			t.Errorf("mode changed from training=%v", training)
		}
		if !allFinite([]float64{est.Train, est.Val}) || est.Train <= 0 || est.Val <= 0 {
			t.Errorf("expected positive finite estimates, got %+v", est)
		}
	}
}

func TestStepUpdatesParameters(t *testing.T) {
	cfg := smallConfig()
	trainer, model, _ := newTestTrainer(t, cfg, strings.Repeat("hello world ", 20))
	before := snapshotParameters(model)

	result, err := trainer.Step()
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if result.Step != 0 || trainer.StepsDone() != 1 {
		t.Errorf("expected step 0 and 1 done, got %d and %d", result.Step, trainer.StepsDone())
	}
	if !(result.Loss > 0) || !(result.GradNorm > 0) {
		t.Errorf("expected positive loss and gradient norm, got %+v", result)
	}
	if result.LearningRate != cfg.LearningRate {
		t.Errorf("expected lr %g, got %g", cfg.LearningRate, result.LearningRate)
	}

	changed := 0
	for i, p := range model.Parameters() {
		if !tensorsEqual(p, before[i], 0) {
			changed++
		}
		for _, g := range p.grad {
			if g != 0 {
				t.Fatalf("parameter %d: gradients should be cleared after the step", i)
			}
		}
	}
	if changed == 0 {
		t.Error("no parameter changed")
	}
}

func TestStepNumericInstability(t *testing.T) {
	cfg := smallConfig()
	trainer, model, _ := newTestTrainer(t, cfg, strings.Repeat("hello world ", 20))

	model.lmBias.data[0] = math.Inf(1)
	before := snapshotParameters(model)

	_, err := trainer.Step()
	if !errors.Is(err, ErrNumericInstability) {
		t.Fatalf("expected ErrNumericInstability, got %v", err)
	}

	for i, p := range model.Parameters() {
		for j, v := range p.data {
			w := before[i].data[j]
			if v != w && !(math.IsNaN(v) && math.IsNaN(w)) {
				t.Fatalf("parameter %d changed after a failed step", i)
			}
		}
	}
	if trainer.StepsDone() != 0 {
		t.Errorf("failed step should not count, got %d", trainer.StepsDone())
	}
}

func TestNewTrainerValidation(t *testing.T) {
	cfg := smallConfig()
	model := newTestModel(t, cfg, 3)
	rng := rand.New(rand.NewPCG(1, 1))

	t.Run("short validation split", func(t *testing.T) {
		data, _ := NewDataset(make([]int, 50), 0.9) // 5 val tokens, block 8
		if _, err := NewTrainer(model, data, cfg, rng); !errors.Is(err, ErrInsufficientData) {
			t.Errorf("expected ErrInsufficientData, got %v", err)
		}
	})

	t.Run("block size larger than model", func(t *testing.T) {
		data, _ := NewDataset(make([]int, 500), 0.5)
		big := cfg
		big.BlockSize = cfg.BlockSize * 2
		if _, err := NewTrainer(model, data, big, rng); !errors.Is(err, ErrConfiguration) {
			t.Errorf("expected ErrConfiguration, got %v", err)
		}
	})

	t.Run("missing random source", func(t *testing.T) {
		data, _ := NewDataset(make([]int, 500), 0.5)
		if _, err := NewTrainer(model, data, cfg, nil); !errors.Is(err, ErrConfiguration) {
			t.Errorf("expected ErrConfiguration, got %v", err)
		}
	})
}

func TestTrainingIsReproducible(t *testing.T) {
	cfg := smallConfig()
	cfg.MaxIters = 5
	cfg.EvalIters = 1
	corpus := strings.Repeat("to be or not to be ", 20)

	run := func() *History {
		trainer, _, _ := newTestTrainer(t, cfg, corpus)
		history, err := trainer.Run(context.Background())
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		return history
	}

	a, b := run(), run()
	for i := range a.Steps {
		if a.Steps[i].Loss != b.Steps[i].Loss {
			t.Fatalf("step %d: losses differ between identical runs: %g vs %g", i, a.Steps[i].Loss, b.Steps[i].Loss)
		}
	}
}
