package main

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// MultiHeadAttention implements causal multi-head self-attention.
//
// INTUITION:
// Attention allows each position to "look at" earlier positions in the
// sequence to gather context. Each token emits a query ("what am I looking
// for?") and a key ("what do I contain?"); the query-key dot product decides
// how much of each earlier token's value flows into this position.
//
// Mechanism (per head, hd = head dimension):
//  1. Project input to Q, K, V
//  2. Scores: Q·K^T / √hd
//  3. Causal mask: score[i][j] = -Inf for j > i
//  4. Weights: softmax(scores) per row, dropout in training mode
//  5. Output: weights · V
//
// Multi-head: the Q/K/V projections are stored as single (C, C) matrices and
// head h owns columns [h*hd, (h+1)*hd). Head outputs are concatenated back in
// the same column layout and passed through the output projection Wo.
type MultiHeadAttention struct {
	embedDim int
	numHeads int
	headDim  int
	dropout  float64

	// Linear projections
	wq, wk, wv *Tensor // (C, C), no bias
	wo, bo     *Tensor // (C, C), (C)
}

// attentionCache stores activations needed by Backward.
type attentionCache struct {
	input   *Tensor   // (T, C)
	q, k, v *Tensor   // (T, C)
	weights []*Tensor // per head (T, T), after softmax, before dropout
	masks   []*Tensor // per head (T, T) dropout keep masks, nil entries when off
	context *Tensor   // (T, C) concatenated head outputs
	outMask *Tensor   // (T, C) residual dropout mask, nil when off
}

// NewMultiHeadAttention creates an attention layer with N(0, 0.02²) weights.
func NewMultiHeadAttention(embedDim, numHeads int, dropout float64, rng *rand.Rand) (*MultiHeadAttention, error) {
	if embedDim <= 0 || numHeads <= 0 {
		return nil, fmt.Errorf("%w: embedDim (%d) and numHeads (%d) must be positive", ErrConfiguration, embedDim, numHeads)
	}
	if embedDim%numHeads != 0 {
		return nil, fmt.Errorf("%w: embedDim (%d) must be divisible by numHeads (%d)", ErrConfiguration, embedDim, numHeads)
	}

	return &MultiHeadAttention{
		embedDim: embedDim,
		numHeads: numHeads,
		headDim:  embedDim / numHeads,
		dropout:  dropout,
		wq:       NewParameterNormal(rng, initStd, embedDim, embedDim),
		wk:       NewParameterNormal(rng, initStd, embedDim, embedDim),
		wv:       NewParameterNormal(rng, initStd, embedDim, embedDim),
		wo:       NewParameterNormal(rng, initStd, embedDim, embedDim),
		bo:       NewParameter(embedDim),
	}, nil
}

// parameters returns the trainable tensors in a fixed order.
func (a *MultiHeadAttention) parameters() []*Tensor {
	return []*Tensor{a.wq, a.wk, a.wv, a.wo, a.bo}
}

// Forward computes attention for one sequence x: (T, C) and returns (T, C).
// A nil rng disables dropout.
func (a *MultiHeadAttention) Forward(be Backend, x *Tensor, rng *rand.Rand) (*Tensor, *attentionCache) {
	seqLen := x.shape[0]

	cache := &attentionCache{
		input:   x,
		q:       be.MatMul(x, a.wq),
		k:       be.MatMul(x, a.wk),
		v:       be.MatMul(x, a.wv),
		weights: make([]*Tensor, a.numHeads),
		masks:   make([]*Tensor, a.numHeads),
		context: NewTensor(seqLen, a.embedDim),
	}

	scale := 1.0 / math.Sqrt(float64(a.headDim))

	for h := 0; h < a.numHeads; h++ {
		qHead := a.headColumns(cache.q, h)
		kHead := a.headColumns(cache.k, h)
		vHead := a.headColumns(cache.v, h)

		// Attention scores: Q @ K^T / sqrt(d_k)
		scores := Scale(be.MatMul(qHead, Transpose(kHead)), scale)

		// Position i may only see positions j <= i.
		negInf := math.Inf(-1)
		for i := 0; i < seqLen; i++ {
			row := scores.Row(i)
			for j := i + 1; j < seqLen; j++ {
				row[j] = negInf
			}
		}

		weights := Softmax(scores)
		cache.weights[h] = weights

		mask := dropoutMask(rng, a.dropout, seqLen, seqLen)
		cache.masks[h] = mask

		a.setHeadColumns(cache.context, h, be.MatMul(applyMask(weights, mask), vHead))
	}

	out := be.MatMul(cache.context, a.wo)
	AddBias(out, a.bo)

	cache.outMask = dropoutMask(rng, a.dropout, seqLen, a.embedDim)
	return applyMask(out, cache.outMask), cache
}

// Backward propagates gradOut: (T, C) through the layer, accumulating
// parameter gradients, and returns ∂L/∂input.
func (a *MultiHeadAttention) Backward(be Backend, gradOut *Tensor, cache *attentionCache) *Tensor {
	seqLen := cache.input.shape[0]
	scale := 1.0 / math.Sqrt(float64(a.headDim))

	gradProj := applyMask(gradOut, cache.outMask)

	// out = context @ Wo + bo
	gradContext, gradWo := MatMulBackward(be, cache.context, a.wo, gradProj)
	a.wo.AccumulateGrad(gradWo)
	accumulateBiasGrad(a.bo, gradProj)

	gradQ := NewTensor(seqLen, a.embedDim)
	gradK := NewTensor(seqLen, a.embedDim)
	gradV := NewTensor(seqLen, a.embedDim)

	for h := 0; h < a.numHeads; h++ {
		qHead := a.headColumns(cache.q, h)
		kHead := a.headColumns(cache.k, h)
		vHead := a.headColumns(cache.v, h)
		gradHead := a.headColumns(gradContext, h)

		weights := cache.weights[h]
		mask := cache.masks[h]

		// headOut = dropout(weights) @ V
		gradDropped, gradVHead := MatMulBackward(be, applyMask(weights, mask), vHead, gradHead)
		gradWeights := applyMask(gradDropped, mask)

		// weights = softmax(scores); masked entries get zero gradient
		gradScores := Scale(SoftmaxBackward(weights, gradWeights), scale)

		// scores = Q @ K^T
		gradQHead := be.MatMul(gradScores, kHead)
		gradKHead := be.MatMul(Transpose(gradScores), qHead)

		a.setHeadColumns(gradQ, h, gradQHead)
		a.setHeadColumns(gradK, h, gradKHead)
		a.setHeadColumns(gradV, h, gradVHead)
	}

	// Q, K and V projections share the same input, so their gradients add.
	gradInput := NewTensor(cache.input.shape...)
	for _, proj := range []struct {
		w, grad *Tensor
	}{{a.wq, gradQ}, {a.wk, gradK}, {a.wv, gradV}} {
		gradIn, gradW := MatMulBackward(be, cache.input, proj.w, proj.grad)
		proj.w.AccumulateGrad(gradW)
		AddInPlace(gradInput, gradIn)
	}

	return gradInput
}

// headColumns copies the columns of head h out of a (T, C) tensor.
func (a *MultiHeadAttention) headColumns(x *Tensor, h int) *Tensor {
	seqLen := x.shape[0]
	out := NewTensor(seqLen, a.headDim)
	for i := 0; i < seqLen; i++ {
		copy(out.Row(i), x.Row(i)[h*a.headDim:(h+1)*a.headDim])
	}
	return out
}

// setHeadColumns writes a (T, hd) head tensor into the columns of head h.
func (a *MultiHeadAttention) setHeadColumns(dst *Tensor, h int, head *Tensor) {
	for i := 0; i < dst.shape[0]; i++ {
		copy(dst.Row(i)[h*a.headDim:(h+1)*a.headDim], head.Row(i))
	}
}
