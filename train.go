package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements the training loop for the language model: sampling
// batches, backpropagation, AdamW updates and periodic loss estimates.
//
// INTENTION:
// Create a complete training system that demonstrates:
//   - Forward pass: Batch → Model → Loss
//   - Backward pass: Loss → Gradients → Parameter updates
//   - Evaluation: mean loss on fresh train and validation batches
//
// THE TRAINING PROCESS:
//
// 1. Sample:
//    - batch_size random windows of block_size characters from the train split
//    - targets are the same windows shifted one character to the right
//
// 2. Forward + Backward:
//    - Mean cross-entropy over all B·T positions
//    - Chain rule back through every layer (transformer_backward.go)
//
// 3. Guard:
//    - A NaN or Inf loss or gradient aborts the step before any parameter moves
//
// 4. Update:
//    - Optional global-norm clipping, then AdamW with the scheduled rate
//
// 5. Report:
//    - Every eval_interval steps (and after the last) estimate train and val
//      loss over eval_iters batches each, in eval mode
//
// Reports are descriptive only. There is no early stopping.
//
// PERFORMANCE CHARACTERISTICS:
//
// Training is dominated by matrix multiplies (same as inference):
//   - Forward pass: Same cost as inference
//   - Backward pass: ~2x forward pass (gradient computation)
//   - Total: ~3x inference cost per training step
//
// Memory:
//   - Forward: Store activations for backprop (one sequence at a time)
//   - Optimizer: Store momentum/variance (Adam: 2x parameters)
//
// ===========================================================================

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Trainer owns the optimization loop for one model. It is not safe for
// concurrent use.
type Trainer struct {
	model    *GPT
	data     *Dataset
	cfg      Config
	rng      *rand.Rand // batch sampling
	params   []*Tensor
	opt      *AdamW
	schedule LRSchedule
	step     int

	logger *slog.Logger
	onEval func(EvalReport)
	onStep func(StepResult)
}

// TrainerOption configures optional Trainer behavior.
type TrainerOption func(*Trainer)

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(logger *slog.Logger) TrainerOption {
	return func(t *Trainer) { t.logger = logger }
}

// WithEvalHook registers a callback for every evaluation report.
func WithEvalHook(fn func(EvalReport)) TrainerOption {
	return func(t *Trainer) { t.onEval = fn }
}

// WithStepHook registers a callback for every completed optimizer step.
func WithStepHook(fn func(StepResult)) TrainerOption {
	return func(t *Trainer) { t.onStep = fn }
}

// NewTrainer prepares training of model on data. cfg supplies the
// optimization and schedule settings; its block size may not exceed the
// model's. rng drives batch sampling and is independent of the model's
// dropout source.
func NewTrainer(model *GPT, data *Dataset, cfg Config, rng *rand.Rand, opts ...TrainerOption) (*Trainer, error) {
	if model == nil || data == nil || rng == nil {
		return nil, fmt.Errorf("%w: model, dataset and random source are required", ErrConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.BlockSize > model.cfg.BlockSize {
		return nil, fmt.Errorf("%w: training block size %d exceeds model block size %d",
			ErrConfiguration, cfg.BlockSize, model.cfg.BlockSize)
	}
	for _, split := range []Split{SplitTrain, SplitVal} {
		if n := data.Len(split); n < cfg.BlockSize+1 {
			return nil, fmt.Errorf("%w: %s split has %d tokens, need at least %d",
				ErrInsufficientData, split, n, cfg.BlockSize+1)
		}
	}

	params := model.Parameters()
	t := &Trainer{
		model:    model,
		data:     data,
		cfg:      cfg,
		rng:      rng,
		params:   params,
		opt:      NewAdamW(params, cfg.WeightDecay),
		schedule: NewLRSchedule(cfg),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// StepsDone returns the number of completed optimizer steps.
func (t *Trainer) StepsDone() int { return t.step }

// Step performs one optimizer update on a freshly sampled training batch.
//
// The model is switched to training mode. If the loss or any gradient is
// not finite the step fails with ErrNumericInstability and no parameter is
// modified. Gradients are cleared before returning either way.
func (t *Trainer) Step() (StepResult, error) {
	start := time.Now()

	batch, err := t.data.Sample(t.rng, SplitTrain, t.cfg.BlockSize, t.cfg.BatchSize)
	if err != nil {
		return StepResult{}, fmt.Errorf("step %d: %w", t.step, err)
	}

	t.model.Train()
	t.model.ZeroGrad()
	defer t.model.ZeroGrad()

	loss, err := t.model.accumulateGradients(batch)
	if err != nil {
		return StepResult{}, fmt.Errorf("step %d: %w", t.step, err)
	}

	for i, p := range t.params {
		if !allFinite(p.grad) {
			return StepResult{}, fmt.Errorf("step %d: %w: non-finite gradient in parameter %d %v",
				t.step, ErrNumericInstability, i, p.shape)
		}
	}

	norm := gradNorm(t.params)
	clipGradients(t.params, norm, t.cfg.GradClip)

	lr := t.schedule.At(t.step)
	t.opt.Step(t.params, lr)

	result := StepResult{
		Step:         t.step,
		Loss:         loss,
		LearningRate: lr,
		GradNorm:     norm,
		Duration:     time.Since(start),
	}
	t.step++

	t.logger.Debug("step",
		"step", result.Step,
		"loss", result.Loss,
		"lr", result.LearningRate,
		"grad_norm", result.GradNorm,
		"duration", result.Duration,
	)
	return result, nil
}

// EstimateLoss averages the loss over EvalIters random batches of each split
// in eval mode. The model's previous mode is restored afterwards.
func (t *Trainer) EstimateLoss() (LossEstimate, error) {
	wasTraining := t.model.Training()
	t.model.Eval()
	defer func() {
		if wasTraining {
			t.model.Train()
		}
	}()

	var est LossEstimate
	for _, split := range []Split{SplitTrain, SplitVal} {
		total := 0.0
		for i := 0; i < t.cfg.EvalIters; i++ {
			batch, err := t.data.Sample(t.rng, split, t.cfg.BlockSize, t.cfg.BatchSize)
			if err != nil {
				return LossEstimate{}, fmt.Errorf("estimate %s loss: %w", split, err)
			}
			logits, err := t.model.Forward(batch.Context)
			if err != nil {
				return LossEstimate{}, fmt.Errorf("estimate %s loss: %w", split, err)
			}
			loss, err := t.model.Loss(logits, batch.Target)
			if err != nil {
				return LossEstimate{}, fmt.Errorf("estimate %s loss: %w", split, err)
			}
			total += loss
		}

		mean := total / float64(t.cfg.EvalIters)
		if split == SplitTrain {
			est.Train = mean
		} else {
			est.Val = mean
		}
	}
	return est, nil
}

// Run performs steps until MaxIters updates have been made.
//
// Before every step whose index is a multiple of EvalInterval, and once more
// after the final step, it estimates the loss, records the report and passes
// it to the eval hook. Cancellation is checked between steps; a cancelled
// run returns the history so far together with ctx.Err().
func (t *Trainer) Run(ctx context.Context) (*History, error) {
	history := NewHistory()

	t.logger.Info("training started",
		"max_iters", t.cfg.MaxIters,
		"batch_size", t.cfg.BatchSize,
		"block_size", t.cfg.BlockSize,
		"parameters", t.model.NumParameters(),
		"backend", t.model.backend.Name(),
	)

	for t.step < t.cfg.MaxIters {
		if err := ctx.Err(); err != nil {
			t.logger.Warn("training cancelled", "step", t.step, "err", err)
			return history, err
		}

		if t.step%t.cfg.EvalInterval == 0 {
			if err := t.evaluate(history); err != nil {
				return history, err
			}
		}

		result, err := t.Step()
		if err != nil {
			t.logger.Error("training step failed", "step", t.step, "err", err)
			return history, err
		}
		history.RecordStep(result)
		if t.onStep != nil {
			t.onStep(result)
		}
	}

	if err := t.evaluate(history); err != nil {
		return history, err
	}

	if summary, err := history.Summary(); err == nil {
		t.logger.Info("training finished",
			"steps", summary.Steps,
			"final_loss", summary.FinalLoss,
			"min_loss", summary.MinLoss,
			"elapsed", summary.Elapsed,
		)
	}
	return history, nil
}

func (t *Trainer) evaluate(history *History) error {
	est, err := t.EstimateLoss()
	if err != nil {
		return err
	}

	report := EvalReport{Step: t.step, LossEstimate: est}
	history.RecordEval(report)

	t.logger.Info("eval", "step", report.Step, "train_loss", report.Train, "val_loss", report.Val)
	if t.onEval != nil {
		t.onEval(report)
	}
	return nil
}
