package main

import (
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"testing"
)

func TestGenerateLengthAndSeed(t *testing.T) {
	cfg := smallConfig()
	V := 7
	model := newTestModel(t, cfg, V)
	model.Eval()
	rng := rand.New(rand.NewPCG(1, 1))

	tests := []struct {
		name string
		seed []int
		n    int
	}{
		{"single token", []int{0}, 20},
		{"zero new tokens", []int{3, 4}, 0},
		{"seed longer than block", []int{1, 2, 3, 4, 5, 6, 0, 1, 2, 3, 4}, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seed := slices.Clone(tt.seed)
			out, err := Generate(model, seed, tt.n, rng)
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}

			if len(out) != len(tt.seed)+tt.n {
				t.Fatalf("expected %d tokens, got %d", len(tt.seed)+tt.n, len(out))
			}
			if !slices.Equal(out[:len(tt.seed)], tt.seed) {
				t.Errorf("seed not preserved: %v vs %v", out[:len(tt.seed)], tt.seed)
			}
			if !slices.Equal(seed, tt.seed) {
				t.Error("Generate modified the caller's seed")
			}
			for _, id := range out {
				if id < 0 || id >= V {
					t.Errorf("generated id %d outside [0,%d)", id, V)
				}
			}
		})
	}
}

func TestGenerateErrors(t *testing.T) {
	model := newTestModel(t, smallConfig(), 5)
	rng := rand.New(rand.NewPCG(1, 1))

	tests := []struct {
		name string
		seed []int
		n    int
		opts []SampleOption
		want error
	}{
		{"empty seed", nil, 3, nil, ErrShapeMismatch},
		{"unknown seed id", []int{5}, 3, nil, ErrUnknownToken},
		{"negative count", []int{0}, -1, nil, ErrConfiguration},
		{"zero temperature", []int{0}, 3, []SampleOption{WithTemperature(0)}, ErrConfiguration},
		{"negative top-k", []int{0}, 3, []SampleOption{WithTopK(-1)}, ErrConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Generate(model, tt.seed, tt.n, rng, tt.opts...); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestGenerateDoesNotChangeMode(t *testing.T) {
	model := newTestModel(t, smallConfig(), 5)
	model.Train()

	if _, err := Generate(model, []int{0}, 5, rand.New(rand.NewPCG(1, 1))); err != nil {
		t.Fatal(err)
	}
	if !model.Training() {
		t.Error("Generate should leave the model's mode alone")
	}
}

func TestGenerateIsReproducible(t *testing.T) {
	model := newTestModel(t, smallConfig(), 6)

	a, _ := Generate(model, []int{0}, 30, rand.New(rand.NewPCG(9, 9)))
	b, _ := Generate(model, []int{0}, 30, rand.New(rand.NewPCG(9, 9)))
	if !slices.Equal(a, b) {
		t.Errorf("same seed should give same text: %v vs %v", a, b)
	}
}

func TestConcurrentGenerate(t *testing.T) {
	model := newTestModel(t, smallConfig(), 6)
	model.Eval()

	want := make([][]int, 8)
	for i := range want {
		want[i], _ = Generate(model, []int{i % 6}, 20, rand.New(rand.NewPCG(uint64(i), 0)))
	}

	var wg sync.WaitGroup
	got := make([][]int, len(want))
	errs := make([]error, len(want))
	for i := range want {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], errs[i] = Generate(model, []int{i % 6}, 20, rand.New(rand.NewPCG(uint64(i), 0)))
		}(i)
	}
	wg.Wait()

	for i := range want {
		if errs[i] != nil {
			t.Errorf("request %d: %v", i, errs[i])
			continue
		}
		if !slices.Equal(got[i], want[i]) {
			t.Errorf("request %d: concurrent result differs from sequential", i)
		}
	}
}

func TestGenerateText(t *testing.T) {
	corpus := strings.Repeat("hello world ", 10)
	vocab := BuildVocabulary(corpus)
	model := newTestModel(t, smallConfig(), vocab.Size())

	text, err := GenerateText(model, vocab, "hello", 15, rand.New(rand.NewPCG(1, 1)))
	if err != nil {
		t.Fatalf("GenerateText: %v", err)
	}
	if !strings.HasPrefix(text, "hello") {
		t.Errorf("expected prompt prefix, got %q", text)
	}
	if n := len([]rune(text)); n != 20 {
		t.Errorf("expected 20 characters, got %d", n)
	}

	if _, err := GenerateText(model, vocab, "HELLO", 5, rand.New(rand.NewPCG(1, 1))); !errors.Is(err, ErrUnknownCharacter) {
		t.Errorf("expected ErrUnknownCharacter for prompt, got %v", err)
	}
}

func TestSampleTokenDistribution(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 3))
	logits := []float64{math.Log(0.7), math.Log(0.2), math.Log(0.1)}

	counts := make([]int, 3)
	const n = 20000
	for i := 0; i < n; i++ {
		id, err := sampleToken(logits, NewSampleConfig(), rng)
		if err != nil {
			t.Fatal(err)
		}
		counts[id]++
	}

	for i, p := range []float64{0.7, 0.2, 0.1} {
		freq := float64(counts[i]) / n
		if math.Abs(freq-p) > 0.02 {
			t.Errorf("token %d: expected frequency %.2f, got %.3f", i, p, freq)
		}
	}
}

func TestTopKAndTopP(t *testing.T) {
	probs := []float64{0.1, 0.5, 0.15, 0.25}

	topK := applyTopK(probs, 2)
	if !slices.Equal(topK, []float64{0, 0.5, 0, 0.25}) {
		t.Errorf("top-2: got %v", topK)
	}

	topP := applyTopP(probs, 0.7)
	if !slices.Equal(topP, []float64{0, 0.5, 0, 0.25}) {
		t.Errorf("top-p 0.7: got %v", topP)
	}

	rng := rand.New(rand.NewPCG(4, 4))
	logits := []float64{math.Log(0.1), math.Log(0.5), math.Log(0.15), math.Log(0.25)}
	for i := 0; i < 200; i++ {
		id, _ := sampleToken(logits, SampleConfig{Temperature: 1, TopK: 1}, rng)
		if id != 1 {
			t.Fatalf("top-1 sampling should always pick token 1, got %d", id)
		}
	}
}
