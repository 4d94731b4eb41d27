package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// ===========================================================================
// TRAINING CLI
// ===========================================================================
//
// This file implements the command that runs the whole pipeline:
// corpus → vocabulary → dataset → model → training → samples.
//
// CONFIGURATION PRECEDENCE (lowest to highest):
//   1. DefaultConfig, or TinyConfig with --tiny
//   2. JSON file given with --config (keys present in the file only)
//   3. Hyperparameter flags explicitly set on the command line
//
// WHAT YOU'LL SEE:
//   - A sample from the untrained model (uniform-ish gibberish)
//   - "step N: train loss X, val loss Y" every eval interval
//   - Initial loss near ln(vocab size), e.g. ~4.2 for 65 characters
//   - A sample from the trained model
//
// Ctrl-C stops training between steps; the final sample is still printed.
//
// ===========================================================================

type trainOptions struct {
	data       string
	ext        string
	configPath string
	tiny       bool
	prompt     string
	genTokens  int
	progress   bool
	metrics    string

	temperature float64
	topK        int
	topP        float64

	// Values of the hyperparameter flags; only explicitly set ones apply.
	flagCfg Config
}

func newTrainCommand(global *globalOptions) *cobra.Command {
	opts := &trainOptions{flagCfg: DefaultConfig()}

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model on a corpus and print samples before and after",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), global.logLevel, global.logFormat)
			if err != nil {
				return err
			}
			cfg, err := opts.resolveConfig(cmd.Flags())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runTrain(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), logger, cfg, opts)
		},
	}

	opts.bindFlags(cmd.Flags())
	return cmd
}

func (o *trainOptions) bindFlags(flags *pflag.FlagSet) {
	// I/O
	flags.StringVar(&o.data, "data", "input.txt", "Corpus file or directory")
	flags.StringVar(&o.ext, "ext", ".txt", "File extension to read when --data is a directory")
	flags.StringVar(&o.configPath, "config", "", "JSON config file overlaid on the defaults")
	flags.BoolVar(&o.tiny, "tiny", false, "Start from the tiny configuration (trains in seconds)")
	flags.StringVar(&o.metrics, "metrics", "", "Write per-step metrics as CSV to this path")
	flags.BoolVar(&o.progress, "progress", true, "Show a progress bar")

	// Sampling
	flags.StringVar(&o.prompt, "prompt", "", "Prompt for the samples (empty starts from token 0)")
	flags.IntVar(&o.genTokens, "gen-tokens", 500, "Characters to generate per sample")
	flags.Float64Var(&o.temperature, "temperature", 1.0, "Sampling temperature (> 0)")
	flags.IntVar(&o.topK, "top-k", 0, "Sample only from the k most likely characters (0 = all)")
	flags.Float64Var(&o.topP, "top-p", 0, "Sample from the smallest set of characters whose probability reaches p (0 = off)")

	// Model hyperparameters
	c := &o.flagCfg
	flags.IntVar(&c.BlockSize, "block-size", c.BlockSize, "Maximum context length")
	flags.IntVar(&c.EmbedDim, "n-embd", c.EmbedDim, "Embedding dimension")
	flags.IntVar(&c.NumHeads, "n-head", c.NumHeads, "Number of attention heads")
	flags.IntVar(&c.NumLayers, "n-layer", c.NumLayers, "Number of transformer blocks")
	flags.Float64Var(&c.Dropout, "dropout", c.Dropout, "Dropout probability")

	// Training hyperparameters
	flags.IntVar(&c.BatchSize, "batch-size", c.BatchSize, "Sequences per batch")
	flags.Float64Var(&c.LearningRate, "lr", c.LearningRate, "Learning rate")
	flags.Float64Var(&c.WeightDecay, "weight-decay", c.WeightDecay, "AdamW weight decay")
	flags.Float64Var(&c.GradClip, "grad-clip", c.GradClip, "Global gradient norm limit (0 = off)")
	flags.IntVar(&c.WarmupIters, "warmup-iters", c.WarmupIters, "Linear warmup steps before cosine decay (0 = constant rate)")
	flags.Float64Var(&c.MinLearningRate, "min-lr", c.MinLearningRate, "Cosine decay floor")
	flags.IntVar(&c.MaxIters, "max-iters", c.MaxIters, "Optimizer steps")
	flags.IntVar(&c.EvalInterval, "eval-interval", c.EvalInterval, "Steps between loss estimates")
	flags.IntVar(&c.EvalIters, "eval-iters", c.EvalIters, "Batches per loss estimate")
	flags.Float64Var(&c.TrainFraction, "train-fraction", c.TrainFraction, "Share of the corpus used for training")
	flags.StringVar(&c.Backend, "backend", c.Backend, "Compute backend (auto, blas, parallel, naive)")
	flags.Uint64Var(&c.Seed, "seed", c.Seed, "Random seed")
}

// resolveConfig applies defaults, the config file and explicit flags in
// that order.
func (o *trainOptions) resolveConfig(flags *pflag.FlagSet) (Config, error) {
	cfg := DefaultConfig()
	if o.tiny {
		cfg = TinyConfig()
	}
	if o.configPath != "" {
		loaded, err := loadConfigOver(cfg, o.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	f := o.flagCfg
	overrides := []struct {
		name  string
		apply func()
	}{
		{"block-size", func() { cfg.BlockSize = f.BlockSize }},
		{"n-embd", func() { cfg.EmbedDim = f.EmbedDim }},
		{"n-head", func() { cfg.NumHeads = f.NumHeads }},
		{"n-layer", func() { cfg.NumLayers = f.NumLayers }},
		{"dropout", func() { cfg.Dropout = f.Dropout }},
		{"batch-size", func() { cfg.BatchSize = f.BatchSize }},
		{"lr", func() { cfg.LearningRate = f.LearningRate }},
		{"weight-decay", func() { cfg.WeightDecay = f.WeightDecay }},
		{"grad-clip", func() { cfg.GradClip = f.GradClip }},
		{"warmup-iters", func() { cfg.WarmupIters = f.WarmupIters }},
		{"min-lr", func() { cfg.MinLearningRate = f.MinLearningRate }},
		{"max-iters", func() { cfg.MaxIters = f.MaxIters }},
		{"eval-interval", func() { cfg.EvalInterval = f.EvalInterval }},
		{"eval-iters", func() { cfg.EvalIters = f.EvalIters }},
		{"train-fraction", func() { cfg.TrainFraction = f.TrainFraction }},
		{"backend", func() { cfg.Backend = f.Backend }},
		{"seed", func() { cfg.Seed = f.Seed }},
	}
	for _, ov := range overrides {
		if flags.Changed(ov.name) {
			ov.apply()
		}
	}

	return cfg, cfg.Validate()
}

func runTrain(ctx context.Context, out, errOut io.Writer, logger *slog.Logger, cfg Config, opts *trainOptions) error {
	text, err := LoadCorpus(opts.data, opts.ext)
	if err != nil {
		return err
	}

	vocab := BuildVocabulary(text)
	ids, err := vocab.Encode(text)
	if err != nil {
		return fmt.Errorf("encode corpus: %w", err)
	}
	data, err := NewDataset(ids, cfg.TrainFraction)
	if err != nil {
		return err
	}

	backend, err := NewBackend(cfg.Backend)
	if err != nil {
		return err
	}

	// Independent streams for initialization/dropout, batch sampling and
	// generation, all derived from one seed.
	modelRNG := rand.New(rand.NewPCG(cfg.Seed, 1))
	dataRNG := rand.New(rand.NewPCG(cfg.Seed, 2))
	sampleRNG := rand.New(rand.NewPCG(cfg.Seed, 3))

	model, err := NewGPT(cfg, vocab.Size(), backend, modelRNG)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Corpus: %d characters (%d train, %d val)\n",
		len(ids), data.Len(SplitTrain), data.Len(SplitVal))
	fmt.Fprintf(out, "Vocabulary: %d characters, fingerprint %016x\n", vocab.Size(), vocab.Fingerprint())
	fmt.Fprintf(out, "Model: %d layers, %d embed dim, %d heads, block %d, %.2fM parameters, backend %s\n",
		cfg.NumLayers, cfg.EmbedDim, cfg.NumHeads, cfg.BlockSize,
		float64(model.NumParameters())/1e6, backend.Name())
	fmt.Fprintln(out)

	sampleOpts := []SampleOption{WithTemperature(opts.temperature), WithTopK(opts.topK), WithTopP(opts.topP)}
	sample := func(title string) error {
		model.Eval()
		defer model.Train()
		ids, err := sampleSeed(vocab, opts.prompt)
		if err != nil {
			return err
		}
		generated, err := Generate(model, ids, opts.genTokens, sampleRNG, sampleOpts...)
		if err != nil {
			return err
		}
		text, err := vocab.Decode(generated)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "--- %s ---\n%s\n\n", title, text)
		return nil
	}

	if err := sample("sample before training"); err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	if opts.progress {
		bar = progressbar.NewOptions(cfg.MaxIters,
			progressbar.OptionSetWriter(errOut),
			progressbar.OptionSetDescription("Training"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("steps"),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}

	trainer, err := NewTrainer(model, data, cfg, dataRNG,
		WithLogger(logger),
		WithStepHook(func(r StepResult) {
			if bar != nil {
				bar.Describe(fmt.Sprintf("Training [loss %.4f]", r.Loss))
				_ = bar.Add(1)
			}
		}),
		WithEvalHook(func(r EvalReport) {
			if bar != nil {
				_ = bar.Clear()
			}
			fmt.Fprintln(out, r)
		}),
	)
	if err != nil {
		return err
	}

	history, runErr := trainer.Run(ctx)
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(errOut)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	if runErr != nil {
		fmt.Fprintf(out, "Training interrupted after %d steps\n", trainer.StepsDone())
	}

	if opts.metrics != "" {
		if err := writeMetrics(opts.metrics, history); err != nil {
			return err
		}
		logger.Info("metrics written", "path", opts.metrics)
	}

	fmt.Fprintln(out)
	return sample("sample after training")
}

// sampleSeed encodes the prompt, or returns token 0 when it is empty.
func sampleSeed(vocab *Vocabulary, prompt string) ([]int, error) {
	if prompt == "" {
		return []int{0}, nil
	}
	ids, err := vocab.Encode(prompt)
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}
	return ids, nil
}

func writeMetrics(path string, history *History) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create metrics file: %w", err)
	}
	if err := history.WriteCSV(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return f.Close()
}
