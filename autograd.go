package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements the backward primitives used by backpropagation.
//
// INTENTION:
// Each forward operation (MatMul, GELU, Softmax, cross-entropy) gets a
// matching backward function that turns ∂L/∂output into ∂L/∂inputs. The layer
// code in attention.go and transformer_backward.go chains them together.
//
// THE CHAIN RULE:
//
// Given: y = f(x) and z = g(y)
// Chain rule: ∂z/∂x = ∂z/∂y · ∂y/∂x
//
// EXAMPLE: Matrix Multiplication
//
// Forward: C = A @ B
// Backward:
//   - ∂L/∂A = ∂L/∂C @ B^T
//   - ∂L/∂B = A^T @ ∂L/∂C
//
// PERFORMANCE:
// Backward pass is typically 2x the cost of forward pass:
//   - Forward: One matmul
//   - Backward: Two matmuls (one for each input gradient)
//
// ===========================================================================

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// MatMulBackward computes gradients for C = A @ B.
//
//   - gradA = gradC @ B^T
//   - gradB = A^T @ gradC
//
// Derivation:
//
//	C[i,j] = Σ_k A[i,k] * B[k,j]
//	∂L/∂A[i,k] = Σ_j ∂L/∂C[i,j] * B[k,j] = (gradC @ B^T)[i,k]
func MatMulBackward(be Backend, a, b, gradC *Tensor) (gradA, gradB *Tensor) {
	gradA = be.MatMul(gradC, Transpose(b))
	gradB = be.MatMul(Transpose(a), gradC)
	return gradA, gradB
}

// GELUBackward computes ∂L/∂x for y = GELU(x).
//
// d/dx GELU(x) = 0.5*(1 + tanh(u)) + 0.5*x*sech²(u)*u'
// where u = √(2/π)(x + 0.044715x³), u' = √(2/π)(1 + 3*0.044715x²)
func GELUBackward(x, gradY *Tensor) *Tensor {
	gradX := NewTensor(x.shape...)

	for i, v := range x.data {
		inner := sqrt2OverPi * (v + geluCoeff*v*v*v)
		tanhInner := math.Tanh(inner)

		tanhDeriv := 1.0 - tanhInner*tanhInner // sech²(inner)
		innerDeriv := sqrt2OverPi * (1.0 + 3.0*geluCoeff*v*v)
		geluDeriv := 0.5*(1.0+tanhInner) + 0.5*v*tanhDeriv*innerDeriv

		gradX.data[i] = gradY.data[i] * geluDeriv
	}

	return gradX
}

// SoftmaxBackward computes ∂L/∂x for row-wise y = softmax(x).
//
//	∂Y[i]/∂X[j] = Y[i] * (δ[i,j] - Y[j])
//
// Simplifies to:
//
//	gradX[i] = Y[i] * (gradY[i] - Σ_j gradY[j] * Y[j])
//
// Masked entries have Y = 0 and therefore receive exactly zero gradient.
func SoftmaxBackward(y, gradY *Tensor) *Tensor {
	if len(y.shape) != 2 {
		panic("SoftmaxBackward: requires 2D tensor")
	}

	gradX := NewTensor(y.shape...)
	for b := 0; b < y.shape[0]; b++ {
		yRow, gRow, out := y.Row(b), gradY.Row(b), gradX.Row(b)
		dot := floats.Dot(gRow, yRow)
		for f := range out {
			out[f] = yRow[f] * (gRow[f] - dot)
		}
	}

	return gradX
}

// CrossEntropy computes the summed negative log-likelihood of targets under
// softmax(logits) and the gradient of scale*sum with respect to logits.
//
// Given:
//   - logits: (rows, vocab_size) - unnormalized scores
//   - targets: (rows) - target token IDs
//
// Gradient: scale * (softmax(logits) - one_hot(targets))
//
// Callers averaging over N positions pass scale = 1/N and divide the sum by N.
func CrossEntropy(logits *Tensor, targets []int, scale float64) (sum float64, grad *Tensor) {
	if len(logits.shape) != 2 {
		panic("CrossEntropy: requires 2D logits")
	}
	rows, vocab := logits.shape[0], logits.shape[1]
	if len(targets) != rows {
		panic(fmt.Sprintf("CrossEntropy: target length %d != rows %d", len(targets), rows))
	}

	grad = NewTensor(rows, vocab)
	for r := 0; r < rows; r++ {
		row := logits.Row(r)
		lse := logSumExp(row)
		sum += lse - row[targets[r]]

		g := grad.Row(r)
		for v, logit := range row {
			g[v] = math.Exp(logit-lse) * scale
		}
		g[targets[r]] -= scale
	}

	return sum, grad
}

// CrossEntropyLoss is the summed negative log-likelihood of CrossEntropy
// without the gradient.
func CrossEntropyLoss(logits *Tensor, targets []int) float64 {
	if len(logits.shape) != 2 {
		panic("CrossEntropyLoss: requires 2D logits")
	}
	if len(targets) != logits.shape[0] {
		panic(fmt.Sprintf("CrossEntropyLoss: target length %d != rows %d", len(targets), logits.shape[0]))
	}

	sum := 0.0
	for r, target := range targets {
		row := logits.Row(r)
		sum += logSumExp(row) - row[target]
	}
	return sum
}

// logSumExp computes log(sum(exp(row))) with max subtraction.
func logSumExp(row []float64) float64 {
	maxLogit := floats.Max(row)
	sumExp := 0.0
	for _, v := range row {
		sumExp += math.Exp(v - maxLogit)
	}
	return maxLogit + math.Log(sumExp)
}

// AccumulateGrad adds grad to a parameter's gradient buffer.
// Used when a parameter contributes to several positions or sequences.
func (t *Tensor) AccumulateGrad(grad *Tensor) {
	if !shapeEqual(t.shape, grad.shape) {
		panic(fmt.Sprintf("AccumulateGrad: shape mismatch %v vs %v", t.shape, grad.shape))
	}
	floats.Add(t.grad, grad.data)
}

// accumulateBiasGrad adds the column sums of a 2D gradient to a bias gradient.
func accumulateBiasGrad(bias, grad *Tensor) {
	for r := 0; r < grad.shape[0]; r++ {
		floats.Add(bias.grad, grad.Row(r))
	}
}
