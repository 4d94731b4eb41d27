package main

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements backpropagation through transformer layers.
//
// INTENTION:
// Enable gradient flow through the complete transformer architecture so the
// model can learn from data via gradient descent.
//
// THE BACKWARD PASS:
//
// Each component has a backward implementation:
//   1. GPT.backward() - Top-level backward through entire model
//   2. Block.Backward() - Through attention + feedforward
//   3. MultiHeadAttention.Backward() - in attention.go
//   4. FeedForward.Backward() - Through MLP layers
//   5. LayerNorm.Backward() - Through normalization
//
// GRADIENT FLOW:
//
// Forward: Input → Embed → Blocks → LN → Output → Logits → Loss
// Backward: Loss → ∂Logits → ∂LN → ∂Blocks → ∂Embed
//
// At each step, we:
//   1. Receive gradient from next layer (∂L/∂output)
//   2. Accumulate gradients for parameters (∂L/∂weights)
//   3. Compute gradient for input (∂L/∂input)
//   4. Pass input gradient to previous layer
//
// RESIDUAL CONNECTIONS:
//
// Residual: y = x + F(x)
// Backward: ∂L/∂x = ∂L/∂y + ∂L/∂y · ∂F/∂x
//
// In practice: gradients add at residual connections.
//
// MEMORY MANAGEMENT:
//
// Backward pass requires the activations recorded by the forward pass
// (sequenceCache and the per-layer caches). Caches are dropped after each
// sequence's backward, so peak memory is one sequence's activations.
//
// ===========================================================================

// sequenceCache stores the activations of one sequence's forward pass.
type sequenceCache struct {
	ids     []int
	blocks  []*blockCache
	lnFinal *layerNormCache
	normed  *Tensor // final layer norm output, input to the LM head
}

// ZeroGrad clears the gradient buffers of every parameter.
func (g *GPT) ZeroGrad() {
	for _, p := range g.Parameters() {
		p.ZeroGrad()
	}
}

// accumulateGradients runs forward and backward over a batch in training
// mode, adding ∂(mean loss)/∂θ into every parameter's gradient buffer.
// The caller zeroes gradients first. Returns the mean loss.
func (g *GPT) accumulateGradients(batch Batch) (float64, error) {
	if !g.training {
		return 0, fmt.Errorf("%w: backpropagation requires training mode", ErrConfiguration)
	}
	numSeqs, seqLen, err := g.checkInput(batch.Context)
	if err != nil {
		return 0, err
	}
	if len(batch.Target) != numSeqs {
		return 0, fmt.Errorf("%w: %d target rows for %d context rows", ErrShapeMismatch, len(batch.Target), numSeqs)
	}

	// Gradients of the mean over all B·T positions.
	scale := 1.0 / float64(numSeqs*seqLen)
	total := 0.0

	for b, seq := range batch.Context {
		targets := batch.Target[b]
		if len(targets) != seqLen {
			return 0, fmt.Errorf("%w: target row %d has length %d, want %d", ErrShapeMismatch, b, len(targets), seqLen)
		}
		if err := g.checkIDs(targets); err != nil {
			return 0, fmt.Errorf("target row %d: %w", b, err)
		}

		logits, cache := g.forwardSequence(seq, g.rng)
		sum, gradLogits := CrossEntropy(logits, targets, scale)
		total += sum

		g.backward(gradLogits, cache)
	}

	loss := total * scale
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, fmt.Errorf("%w: loss is %v", ErrNumericInstability, loss)
	}
	return loss, nil
}

// backward propagates ∂L/∂logits: (seqLen, vocabSize) through one sequence.
func (g *GPT) backward(gradLogits *Tensor, cache *sequenceCache) {
	be := g.backend

	// logits = normed @ lmHead + lmBias
	gradNormed, gradHead := MatMulBackward(be, cache.normed, g.lmHead, gradLogits)
	g.lmHead.AccumulateGrad(gradHead)
	accumulateBiasGrad(g.lmBias, gradLogits)

	grad := g.lnFinal.Backward(gradNormed, cache.lnFinal)

	// Backward through transformer blocks (reverse order)
	for i := len(g.blocks) - 1; i >= 0; i-- {
		grad = g.blocks[i].Backward(be, grad, cache.blocks[i])
	}

	// Embedding gradients: scatter-add by token ID and by position.
	for t, id := range cache.ids {
		row := grad.Row(t)
		floats.Add(gradRow(g.tokenEmbed, id), row)
		floats.Add(gradRow(g.posEmbed, t), row)
	}
}

// Backward propagates through the block:
//
//	x1 = x + attn(ln1(x))
//	y  = x1 + ff(ln2(x1))
func (b *Block) Backward(be Backend, gradOut *Tensor, cache *blockCache) *Tensor {
	// Feed-forward branch; residual passes gradOut straight through.
	gradNormed2 := b.ff.Backward(be, gradOut, cache.ff)
	gradX1 := Add(gradOut, b.ln2.Backward(gradNormed2, cache.ln2))

	// Attention branch
	gradNormed1 := b.attn.Backward(be, gradX1, cache.attn)
	return Add(gradX1, b.ln1.Backward(gradNormed1, cache.ln1))
}

// Backward propagates through FFN(x) = dropout(GELU(x @ W1 + b1) @ W2 + b2).
func (ff *FeedForward) Backward(be Backend, gradOut *Tensor, cache *feedForwardCache) *Tensor {
	grad := applyMask(gradOut, cache.mask)

	// Second layer
	gradActivated, gradW2 := MatMulBackward(be, cache.activated, ff.w2, grad)
	ff.w2.AccumulateGrad(gradW2)
	accumulateBiasGrad(ff.b2, grad)

	gradHidden := GELUBackward(cache.hidden, gradActivated)

	// First layer
	gradInput, gradW1 := MatMulBackward(be, cache.input, ff.w1, gradHidden)
	ff.w1.AccumulateGrad(gradW1)
	accumulateBiasGrad(ff.b1, gradHidden)

	return gradInput
}

// Backward propagates through layer normalization.
//
// With x̂ = (x - μ)/σ and y = γx̂ + β:
//
//	∂L/∂γ = Σ_rows ∂L/∂y · x̂
//	∂L/∂β = Σ_rows ∂L/∂y
//	∂L/∂x = (1/σ)/n · (n·g - Σg - x̂·Σ(g·x̂)),  g = ∂L/∂y · γ
func (ln *LayerNorm) Backward(gradOut *Tensor, cache *layerNormCache) *Tensor {
	seqLen := gradOut.shape[0]
	n := float64(ln.dim)
	gradIn := NewTensor(seqLen, ln.dim)
	gradXhat := make([]float64, ln.dim)

	for i := 0; i < seqLen; i++ {
		gOut, xhat := gradOut.Row(i), cache.xhat.Row(i)

		for j, g := range gOut {
			ln.gamma.grad[j] += g * xhat[j]
			ln.beta.grad[j] += g
			gradXhat[j] = g * ln.gamma.data[j]
		}

		sumG := floats.Sum(gradXhat)
		sumGX := floats.Dot(gradXhat, xhat)
		k := cache.invStd[i] / n

		gIn := gradIn.Row(i)
		for j := range gIn {
			gIn[j] = k * (n*gradXhat[j] - sumG - xhat[j]*sumGX)
		}
	}

	return gradIn
}

// gradRow returns row i of a 2D parameter's gradient buffer.
func gradRow(t *Tensor, i int) []float64 {
	cols := t.shape[1]
	return t.grad[i*cols : (i+1)*cols]
}
