package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// StepResult describes one optimizer update.
type StepResult struct {
	Step         int // zero-based
	Loss         float64
	LearningRate float64
	GradNorm     float64 // global norm before clipping
	Duration     time.Duration
}

// LossEstimate is the mean loss over EvalIters random batches of each split.
type LossEstimate struct {
	Train float64
	Val   float64
}

// EvalReport is a LossEstimate taken after Step updates.
type EvalReport struct {
	Step int
	LossEstimate
}

// String formats the report the way the training log prints it.
func (r EvalReport) String() string {
	return fmt.Sprintf("step %d: train loss %.4f, val loss %.4f", r.Step, r.Train, r.Val)
}

// History stores metrics collected during a training run.
type History struct {
	Steps []StepResult
	Evals []EvalReport
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{
		Steps: make([]StepResult, 0),
		Evals: make([]EvalReport, 0),
	}
}

// RecordStep appends one optimizer step.
func (h *History) RecordStep(r StepResult) {
	h.Steps = append(h.Steps, r)
}

// RecordEval appends one evaluation report.
func (h *History) RecordEval(r EvalReport) {
	h.Evals = append(h.Evals, r)
}

// LastEval returns the most recent evaluation report.
func (h *History) LastEval() (EvalReport, bool) {
	if len(h.Evals) == 0 {
		return EvalReport{}, false
	}
	return h.Evals[len(h.Evals)-1], true
}

// HistorySummary aggregates the per-step training losses.
type HistorySummary struct {
	Steps     int
	FinalLoss float64
	MinLoss   float64
	MaxLoss   float64
	MeanLoss  float64
	StdDev    float64
	Elapsed   time.Duration
}

// Summary computes aggregate statistics over recorded steps.
func (h *History) Summary() (HistorySummary, error) {
	if len(h.Steps) == 0 {
		return HistorySummary{}, fmt.Errorf("no metrics recorded")
	}

	losses := make([]float64, len(h.Steps))
	var elapsed time.Duration
	for i, s := range h.Steps {
		losses[i] = s.Loss
		elapsed += s.Duration
	}

	mean, std := stat.MeanStdDev(losses, nil)
	return HistorySummary{
		Steps:     len(losses),
		FinalLoss: losses[len(losses)-1],
		MinLoss:   floats.Min(losses),
		MaxLoss:   floats.Max(losses),
		MeanLoss:  mean,
		StdDev:    std,
		Elapsed:   elapsed,
	}, nil
}

// WriteCSV writes one row per step. Steps with an evaluation carry the
// train/val estimate; other rows leave those columns empty.
func (h *History) WriteCSV(w io.Writer) error {
	evals := make(map[int]EvalReport, len(h.Evals))
	for _, e := range h.Evals {
		evals[e.Step] = e
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"step", "loss", "lr", "grad_norm", "duration_ms", "train_loss", "val_loss"}); err != nil {
		return err
	}

	f := func(v float64) string { return strconv.FormatFloat(v, 'g', 6, 64) }
	for _, s := range h.Steps {
		row := []string{
			strconv.Itoa(s.Step),
			f(s.Loss),
			f(s.LearningRate),
			f(s.GradNorm),
			strconv.FormatInt(s.Duration.Milliseconds(), 10),
			"", "",
		}
		// Evaluations at step N run before update N.
		if e, ok := evals[s.Step]; ok {
			row[5], row[6] = f(e.Train), f(e.Val)
			delete(evals, s.Step)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	// The final evaluation follows the last update and has no step row.
	for _, e := range h.Evals {
		if _, ok := evals[e.Step]; !ok {
			continue
		}
		if err := cw.Write([]string{strconv.Itoa(e.Step), "", "", "", "", f(e.Train), f(e.Val)}); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}
