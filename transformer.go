package main

import (
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements a character-level GPT: the decoder-only transformer
// that predicts the next character from the characters before it.
//
// INTENTION:
// Create a working, trainable transformer that demonstrates all the key
// components: embeddings, causal attention, layer normalization, feed-forward
// networks and the vocabulary projection. The backward pass lives in
// transformer_backward.go; generation in generate.go.
//
// WHERE THIS SITS ON THE CONTINUUM OF NAIVETE:
//
// Architecture Level: Complete and correct
//   ✓ Multi-head attention with causal masking
//   ✓ Pre-norm residual blocks and a final layer norm
//   ✓ Learned position embeddings
//   ✓ Dropout on attention weights and residual branches (training only)
//   - No: KV-caching, flash attention, rotary embeddings
//
// Implementation Level: float64 on the CPU
//   - Every matrix product goes through the injected Backend
//   - Element-wise work (layer norm, GELU, softmax) is plain Go
//   - In eval mode the sequences of a batch run on separate goroutines
//
// PERFORMANCE CHARACTERISTICS:
// For the tiny configuration (64 dim, 4 heads, 2 layers, block 32):
//   - Forward pass per sequence: well under a millisecond
//   - One training step (batch 16): a few milliseconds
//
// Bottlenecks (in order):
//   1. Attention matmuls (Q·K^T and weights·V)
//   2. Feed-forward matmuls (C→4C→C)
//   3. Vocabulary projection (C→V)
//
// ===========================================================================
// RECOMMENDED READING:
//
// Transformer Architecture:
// - "Attention Is All You Need" by Vaswani et al. (2017)
//   https://arxiv.org/abs/1706.03762
//
// GPT Architecture:
// - "Language Models are Unsupervised Multitask Learners" (GPT-2)
//   https://cdn.openai.com/better-language-models/language_models_are_unsupervised_multitask_learners.pdf
//
// - "Let's build GPT: from scratch, in code, spelled out" by Andrej Karpathy
//   https://www.youtube.com/watch?v=kCc8FmEb1nY
// ===========================================================================

// initStd is the standard deviation of every weight matrix and embedding table.
const initStd = 0.02

// dropoutMask returns an inverted-dropout keep mask: each element is 0 with
// probability p and 1/(1-p) otherwise. It returns nil when dropout is off
// (p == 0 or no random source), which applyMask treats as identity.
func dropoutMask(rng *rand.Rand, p float64, shape ...int) *Tensor {
	if rng == nil || p <= 0 {
		return nil
	}
	mask := NewTensor(shape...)
	keep := 1.0 / (1.0 - p)
	for i := range mask.data {
		if rng.Float64() >= p {
			mask.data[i] = keep
		}
	}
	return mask
}

// applyMask multiplies x by a dropout mask. A nil mask returns x unchanged.
func applyMask(x, mask *Tensor) *Tensor {
	if mask == nil {
		return x
	}
	return Mul(x, mask)
}

// LayerNorm implements layer normalization.
//
// PAPER: "Layer Normalization" by Ba, Kiros, Hinton (2016)
// https://arxiv.org/abs/1607.06450
//
// Formula: y = γ * (x - μ) / σ + β
// where μ, σ are computed per position, γ, β are learned parameters.
type LayerNorm struct {
	dim   int
	eps   float64
	gamma *Tensor // Scale parameter
	beta  *Tensor // Shift parameter
}

// layerNormCache holds the normalized input and 1/σ of every row.
type layerNormCache struct {
	xhat   *Tensor
	invStd []float64
}

// NewLayerNorm creates a layer normalization layer (gamma=1, beta=0).
func NewLayerNorm(dim int) *LayerNorm {
	return &LayerNorm{
		dim:   dim,
		eps:   1e-5,
		gamma: NewParameterFilled(1.0, dim),
		beta:  NewParameter(dim),
	}
}

func (ln *LayerNorm) parameters() []*Tensor {
	return []*Tensor{ln.gamma, ln.beta}
}

// Forward applies layer normalization to x: (seqLen, features).
func (ln *LayerNorm) Forward(x *Tensor) (*Tensor, *layerNormCache) {
	if len(x.shape) != 2 || x.shape[1] != ln.dim {
		panic(fmt.Sprintf("transformer: LayerNorm expects (T, %d), got %v", ln.dim, x.shape))
	}

	seqLen := x.shape[0]
	out := NewTensor(seqLen, ln.dim)
	cache := &layerNormCache{
		xhat:   NewTensor(seqLen, ln.dim),
		invStd: make([]float64, seqLen),
	}

	// Normalize each position independently
	for i := 0; i < seqLen; i++ {
		row := x.Row(i)

		mean := 0.0
		for _, v := range row {
			mean += v
		}
		mean /= float64(ln.dim)

		variance := 0.0
		for _, v := range row {
			diff := v - mean
			variance += diff * diff
		}
		variance /= float64(ln.dim)

		invStd := 1.0 / math.Sqrt(variance+ln.eps)
		cache.invStd[i] = invStd

		xhat, outRow := cache.xhat.Row(i), out.Row(i)
		for j, v := range row {
			xhat[j] = (v - mean) * invStd
			outRow[j] = xhat[j]*ln.gamma.data[j] + ln.beta.data[j]
		}
	}

	return out, cache
}

// FeedForward implements the position-wise feed-forward network.
//
// This is a simple two-layer MLP applied independently to each position:
//
//	FFN(x) = dropout(GELU(x @ W1 + b1) @ W2 + b2)
//
// The hidden dimension is 4x the embedding dimension.
// This is where most of the model's parameters reside.
type FeedForward struct {
	w1, b1  *Tensor // (C, 4C), (4C)
	w2, b2  *Tensor // (4C, C), (C)
	dropout float64
}

type feedForwardCache struct {
	input     *Tensor // (T, C)
	hidden    *Tensor // (T, 4C) before GELU
	activated *Tensor // (T, 4C) after GELU
	mask      *Tensor // (T, C) dropout mask, nil when off
}

// NewFeedForward creates a feed-forward layer.
func NewFeedForward(embedDim, hiddenDim int, dropout float64, rng *rand.Rand) *FeedForward {
	return &FeedForward{
		w1:      NewParameterNormal(rng, initStd, embedDim, hiddenDim),
		b1:      NewParameter(hiddenDim),
		w2:      NewParameterNormal(rng, initStd, hiddenDim, embedDim),
		b2:      NewParameter(embedDim),
		dropout: dropout,
	}
}

func (ff *FeedForward) parameters() []*Tensor {
	return []*Tensor{ff.w1, ff.b1, ff.w2, ff.b2}
}

// Forward applies the feed-forward network to x: (seqLen, embedDim).
// A nil rng disables dropout.
func (ff *FeedForward) Forward(be Backend, x *Tensor, rng *rand.Rand) (*Tensor, *feedForwardCache) {
	// First layer with GELU activation
	hidden := be.MatMul(x, ff.w1)
	AddBias(hidden, ff.b1)
	activated := GELU(hidden)

	// Second layer
	out := be.MatMul(activated, ff.w2)
	AddBias(out, ff.b2)

	mask := dropoutMask(rng, ff.dropout, out.shape...)
	return applyMask(out, mask), &feedForwardCache{
		input:     x,
		hidden:    hidden,
		activated: activated,
		mask:      mask,
	}
}

// Block combines attention, layer norm, and feed-forward layers.
//
// Architecture (GPT-style, pre-norm):
//
//	x = x + Attention(LayerNorm(x))
//	x = x + FeedForward(LayerNorm(x))
//
// The residual connections (x + ...) are crucial for training deep networks.
type Block struct {
	attn *MultiHeadAttention
	ln1  *LayerNorm
	ff   *FeedForward
	ln2  *LayerNorm
}

type blockCache struct {
	ln1  *layerNormCache
	attn *attentionCache
	ln2  *layerNormCache
	ff   *feedForwardCache
}

// NewBlock creates a transformer block.
func NewBlock(cfg Config, rng *rand.Rand) (*Block, error) {
	attn, err := NewMultiHeadAttention(cfg.EmbedDim, cfg.NumHeads, cfg.Dropout, rng)
	if err != nil {
		return nil, err
	}
	return &Block{
		attn: attn,
		ln1:  NewLayerNorm(cfg.EmbedDim),
		ff:   NewFeedForward(cfg.EmbedDim, 4*cfg.EmbedDim, cfg.Dropout, rng),
		ln2:  NewLayerNorm(cfg.EmbedDim),
	}, nil
}

func (b *Block) parameters() []*Tensor {
	params := b.ln1.parameters()
	params = append(params, b.attn.parameters()...)
	params = append(params, b.ln2.parameters()...)
	return append(params, b.ff.parameters()...)
}

// Forward applies the block to x: (seqLen, embedDim). Output has the same shape.
func (b *Block) Forward(be Backend, x *Tensor, rng *rand.Rand) (*Tensor, *blockCache) {
	cache := &blockCache{}

	// Self-attention with residual connection
	normed, ln1Cache := b.ln1.Forward(x)
	attended, attnCache := b.attn.Forward(be, normed, rng)
	x = Add(x, attended)

	// Feed-forward with residual connection
	normed, ln2Cache := b.ln2.Forward(x)
	fed, ffCache := b.ff.Forward(be, normed, rng)
	x = Add(x, fed)

	cache.ln1, cache.attn = ln1Cache, attnCache
	cache.ln2, cache.ff = ln2Cache, ffCache
	return x, cache
}

// GPT implements a character-level GPT language model.
//
// Architecture:
//  1. Token + positional embeddings
//  2. Stack of transformer blocks
//  3. Final layer norm
//  4. Linear projection to vocabulary logits
//
// A GPT starts in training mode. Forward in eval mode reads parameters only,
// so any number of goroutines may run it at once. Training-mode forwards and
// the optimizer update draw on and mutate model state and must not overlap
// with anything else. Mode switches are not synchronized.
type GPT struct {
	cfg       Config
	vocabSize int
	backend   Backend
	rng       *rand.Rand // dropout masks, training mode only
	training  bool

	// Embeddings
	tokenEmbed *Tensor // (vocabSize, embedDim)
	posEmbed   *Tensor // (blockSize, embedDim)

	blocks []*Block

	// Output layers
	lnFinal *LayerNorm
	lmHead  *Tensor // (embedDim, vocabSize)
	lmBias  *Tensor // (vocabSize)
}

// NewGPT validates cfg and creates a model with randomly initialized weights
// drawn from rng. The same rng later supplies dropout masks.
func NewGPT(cfg Config, vocabSize int, backend Backend, rng *rand.Rand) (*GPT, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if vocabSize <= 0 {
		return nil, fmt.Errorf("%w: vocabulary size must be positive, got %d", ErrConfiguration, vocabSize)
	}
	if backend == nil {
		return nil, fmt.Errorf("%w: backend is required", ErrConfiguration)
	}
	if rng == nil {
		return nil, fmt.Errorf("%w: random source is required", ErrConfiguration)
	}

	g := &GPT{
		cfg:        cfg,
		vocabSize:  vocabSize,
		backend:    backend,
		rng:        rng,
		training:   true,
		tokenEmbed: NewParameterNormal(rng, initStd, vocabSize, cfg.EmbedDim),
		posEmbed:   NewParameterNormal(rng, initStd, cfg.BlockSize, cfg.EmbedDim),
		blocks:     make([]*Block, cfg.NumLayers),
		lnFinal:    NewLayerNorm(cfg.EmbedDim),
	}

	for i := range g.blocks {
		block, err := NewBlock(cfg, rng)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		g.blocks[i] = block
	}

	g.lmHead = NewParameterNormal(rng, initStd, cfg.EmbedDim, vocabSize)
	g.lmBias = NewParameter(vocabSize)

	return g, nil
}

// Config returns the configuration the model was built with.
func (g *GPT) Config() Config { return g.cfg }

// VocabSize returns the width of the output distribution.
func (g *GPT) VocabSize() int { return g.vocabSize }

// Backend returns the compute backend.
func (g *GPT) Backend() Backend { return g.backend }

// Train switches to training mode (dropout on).
func (g *GPT) Train() { g.training = true }

// Eval switches to evaluation mode (dropout off, no activation recording).
func (g *GPT) Eval() { g.training = false }

// Training reports whether the model is in training mode.
func (g *GPT) Training() bool { return g.training }

// Parameters returns every trainable tensor in a fixed order.
func (g *GPT) Parameters() []*Tensor {
	params := []*Tensor{g.tokenEmbed, g.posEmbed}
	for _, b := range g.blocks {
		params = append(params, b.parameters()...)
	}
	params = append(params, g.lnFinal.parameters()...)
	return append(params, g.lmHead, g.lmBias)
}

// NumParameters returns the total number of trainable scalars.
func (g *GPT) NumParameters() int {
	total := 0
	for _, p := range g.Parameters() {
		total += p.Size()
	}
	return total
}

// Forward computes logits for a batch of token ID sequences.
//
// ids: B sequences of equal length T, 1 ≤ T ≤ BlockSize
// Returns: (B, T, vocabSize) logits
//
// Position t of each row depends only on positions 0..t of that row.
func (g *GPT) Forward(ids [][]int) (*Tensor, error) {
	batch, seqLen, err := g.checkInput(ids)
	if err != nil {
		return nil, err
	}

	out := NewTensor(batch, seqLen, g.vocabSize)
	stride := seqLen * g.vocabSize

	if g.training {
		// Dropout masks come from the shared model rng, so stay sequential.
		for b, seq := range ids {
			logits, _ := g.forwardSequence(seq, g.rng)
			copy(out.data[b*stride:(b+1)*stride], logits.data)
		}
		return out, nil
	}

	parallelFor(batch, runtime.GOMAXPROCS(0), func(start, end int) {
		for b := start; b < end; b++ {
			logits, _ := g.forwardSequence(ids[b], nil)
			copy(out.data[b*stride:(b+1)*stride], logits.data)
		}
	})
	return out, nil
}

// Loss returns the mean cross-entropy of targets under logits over all
// B·T positions.
//
// logits: (B, T, vocabSize) from Forward
// targets: B rows of T next-token IDs
func (g *GPT) Loss(logits *Tensor, targets [][]int) (float64, error) {
	if len(logits.shape) != 3 || logits.shape[2] != g.vocabSize {
		return 0, fmt.Errorf("%w: logits shape %v, want (B, T, %d)", ErrShapeMismatch, logits.shape, g.vocabSize)
	}
	batch, seqLen := logits.shape[0], logits.shape[1]
	if len(targets) != batch {
		return 0, fmt.Errorf("%w: %d target rows for %d logit rows", ErrShapeMismatch, len(targets), batch)
	}
	for b, row := range targets {
		if len(row) != seqLen {
			return 0, fmt.Errorf("%w: target row %d has length %d, want %d", ErrShapeMismatch, b, len(row), seqLen)
		}
		if err := g.checkIDs(row); err != nil {
			return 0, fmt.Errorf("target row %d: %w", b, err)
		}
	}

	total := 0.0
	for b := 0; b < batch; b++ {
		total += CrossEntropyLoss(batchSlice(logits, b), targets[b])
	}

	loss := total / float64(batch*seqLen)
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, fmt.Errorf("%w: loss is %v", ErrNumericInstability, loss)
	}
	return loss, nil
}

// forwardSequence runs one sequence through the network.
// A nil rng disables dropout.
//
// Returns: (seqLen, vocabSize) logits and the activations for backprop.
func (g *GPT) forwardSequence(ids []int, rng *rand.Rand) (*Tensor, *sequenceCache) {
	seqLen := len(ids)
	be := g.backend

	// Token embeddings + positional embeddings
	x := NewTensor(seqLen, g.cfg.EmbedDim)
	for t, id := range ids {
		row := x.Row(t)
		copy(row, g.tokenEmbed.Row(id))
		for j, p := range g.posEmbed.Row(t) {
			row[j] += p
		}
	}

	cache := &sequenceCache{
		ids:    ids,
		blocks: make([]*blockCache, len(g.blocks)),
	}

	for i, block := range g.blocks {
		x, cache.blocks[i] = block.Forward(be, x, rng)
	}

	normed, lnCache := g.lnFinal.Forward(x)
	cache.lnFinal = lnCache
	cache.normed = normed

	// Project to vocabulary
	logits := be.MatMul(normed, g.lmHead)
	AddBias(logits, g.lmBias)

	return logits, cache
}

// checkInput validates a batch of context rows and returns (B, T).
func (g *GPT) checkInput(ids [][]int) (int, int, error) {
	if len(ids) == 0 {
		return 0, 0, fmt.Errorf("%w: empty batch", ErrShapeMismatch)
	}
	seqLen := len(ids[0])
	if seqLen == 0 || seqLen > g.cfg.BlockSize {
		return 0, 0, fmt.Errorf("%w: sequence length %d outside [1, %d]", ErrShapeMismatch, seqLen, g.cfg.BlockSize)
	}
	for b, row := range ids {
		if len(row) != seqLen {
			return 0, 0, fmt.Errorf("%w: row %d has length %d, want %d", ErrShapeMismatch, b, len(row), seqLen)
		}
		if err := g.checkIDs(row); err != nil {
			return 0, 0, fmt.Errorf("row %d: %w", b, err)
		}
	}
	return len(ids), seqLen, nil
}

func (g *GPT) checkIDs(ids []int) error {
	for t, id := range ids {
		if id < 0 || id >= g.vocabSize {
			return fmt.Errorf("%w: id %d at position %d (vocab size %d)", ErrUnknownToken, id, t, g.vocabSize)
		}
	}
	return nil
}

// batchSlice returns sequence b of a (B, T, V) tensor as a (T, V) view
// sharing storage.
func batchSlice(t *Tensor, b int) *Tensor {
	seqLen, width := t.shape[1], t.shape[2]
	stride := seqLen * width
	return &Tensor{
		data:  t.data[b*stride : (b+1)*stride],
		shape: []int{seqLen, width},
	}
}
