package main

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// RECOMMENDED READING:
//
// Deep Learning Foundations:
// - "Deep Learning" by Goodfellow, Bengio, Courville (2016)
//   Chapter 2: Linear Algebra - tensor operations
//   Chapter 6: Deep Feedforward Networks - backpropagation
//
// Numerical Computing:
// - "Numerical Linear Algebra" by Trefethen & Bau (1997)
//   Explains stability, conditioning of matrix operations

// Tensor represents a multi-dimensional array of float64 values.
// It stores data in row-major (C-contiguous) order.
//
// Parameters carry a gradient buffer of the same size; activations do not.
//
// Tensor is not safe for concurrent mutation. Concurrent reads are fine.
type Tensor struct {
	data  []float64 // Flat array storing all elements
	shape []int     // Dimensions [batch, seq_len, features, etc.]
	grad  []float64 // Gradient for backpropagation (nil for activations)
}

// NewTensor creates a tensor with the given shape, initialized to zero.
// Panics if shape is invalid (empty or contains non-positive dimensions).
//
// Shape errors are programmer bugs, not runtime conditions that should be
// handled gracefully. Public entry points validate their inputs first.
func NewTensor(shape ...int) *Tensor {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}

	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}

	// Copy shape slice to prevent external mutation
	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &Tensor{
		data:  make([]float64, size),
		shape: shapeCopy,
	}
}

// NewParameter creates a zero-initialized trainable tensor with a gradient buffer.
func NewParameter(shape ...int) *Tensor {
	t := NewTensor(shape...)
	t.grad = make([]float64, len(t.data))
	return t
}

// NewParameterNormal creates a trainable tensor drawn from N(0, std²).
// GPT-2 uses std=0.02 for every weight matrix and embedding table.
func NewParameterNormal(rng *rand.Rand, std float64, shape ...int) *Tensor {
	t := NewParameter(shape...)
	dist := distuv.Normal{Mu: 0, Sigma: std, Src: rng}
	for i := range t.data {
		t.data[i] = dist.Rand()
	}
	return t
}

// NewParameterFilled creates a trainable tensor with every element set to v.
func NewParameterFilled(v float64, shape ...int) *Tensor {
	t := NewParameter(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	shape := make([]int, len(t.shape))
	copy(shape, t.shape)
	return shape
}

// Dims returns the number of dimensions (rank) of the tensor.
func (t *Tensor) Dims() int {
	return len(t.shape)
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return len(t.data)
}

// Data exposes the underlying row-major storage.
func (t *Tensor) Data() []float64 {
	return t.data
}

// Grad exposes the gradient buffer (nil for activations).
func (t *Tensor) Grad() []float64 {
	return t.grad
}

// At returns the element at the given indices.
// Panics if indices are invalid - this is a programmer error.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set sets the element at the given indices.
// Panics if indices are invalid.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

// Row returns row i of a 2D tensor as a slice sharing storage.
func (t *Tensor) Row(i int) []float64 {
	if len(t.shape) != 2 {
		panic("tensor: Row requires 2D tensor")
	}
	cols := t.shape[1]
	return t.data[i*cols : (i+1)*cols]
}

// flatIndex converts multi-dimensional indices to a flat index.
// Panics on invalid indices.
func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}

	idx := 0
	stride := 1

	// Compute flat index in row-major order
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}

	return idx
}

// ZeroGrad clears the gradient buffer. Call before the backward pass.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// Clone creates a deep copy of the tensor, including its gradient buffer.
func (t *Tensor) Clone() *Tensor {
	clone := NewTensor(t.shape...)
	copy(clone.data, t.data)
	if t.grad != nil {
		clone.grad = make([]float64, len(t.grad))
		copy(clone.grad, t.grad)
	}
	return clone
}

// String returns a string representation of the tensor for debugging.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.shape, len(t.data))
}

// ===========================================================================
// OPERATIONS
// ===========================================================================

// Add performs element-wise addition: out = a + b.
// Panics if shapes don't match.
func Add(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot add shapes %v and %v", a.shape, b.shape))
	}

	out := NewTensor(a.shape...)
	copy(out.data, a.data)
	floats.Add(out.data, b.data)
	return out
}

// AddInPlace accumulates b into a: a += b.
func AddInPlace(a, b *Tensor) {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot add shapes %v and %v", a.shape, b.shape))
	}
	floats.Add(a.data, b.data)
}

// Scale multiplies all elements by a scalar: out = a * scalar.
func Scale(a *Tensor, scalar float64) *Tensor {
	out := NewTensor(a.shape...)
	floats.ScaleTo(out.data, scalar, a.data)
	return out
}

// Mul performs element-wise multiplication: out = a * b (Hadamard product).
func Mul(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot multiply shapes %v and %v", a.shape, b.shape))
	}

	out := NewTensor(a.shape...)
	floats.MulTo(out.data, a.data, b.data)
	return out
}

// Transpose returns the transpose of a 2D matrix: A^T.
// A: (M, N) -> A^T: (N, M).
func Transpose(a *Tensor) *Tensor {
	if len(a.shape) != 2 {
		panic("tensor: Transpose requires 2D tensor")
	}

	m, n := a.shape[0], a.shape[1]
	out := NewTensor(n, m)

	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out.data[j*m+i] = a.data[i*n+j]
		}
	}

	return out
}

// AddBias adds a bias vector to each row of a 2D tensor in place.
// x: (rows, features), bias: (features,)
func AddBias(x, bias *Tensor) {
	if len(x.shape) != 2 || len(bias.shape) != 1 || x.shape[1] != bias.shape[0] {
		panic(fmt.Sprintf("tensor: cannot add bias %v to %v", bias.shape, x.shape))
	}
	for i := 0; i < x.shape[0]; i++ {
		floats.Add(x.Row(i), bias.data)
	}
}

// ===========================================================================
// ACTIVATION FUNCTIONS
// ===========================================================================

const (
	sqrt2OverPi = 0.7978845608028654 // sqrt(2/π)
	geluCoeff   = 0.044715
)

// GELU applies Gaussian Error Linear Unit (tanh approximation).
// Used in transformers (GPT, BERT). Smoother than ReLU.
//
// GELU(x) ≈ 0.5 * x * (1 + tanh(√(2/π) * (x + 0.044715 * x³)))
func GELU(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)
	for i, v := range x.data {
		inner := sqrt2OverPi * (v + geluCoeff*v*v*v)
		out.data[i] = 0.5 * v * (1.0 + math.Tanh(inner))
	}
	return out
}

// Softmax applies softmax to each row of a 2D tensor: p_i = exp(x_i) / Σ exp(x_j).
//
// Numerically stable: subtract the row max before exp. Entries equal to -Inf
// (masked) come out as exactly zero, provided each row has a finite entry.
func Softmax(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("tensor: Softmax requires 2D tensor")
	}

	out := NewTensor(x.shape...)
	for b := 0; b < x.shape[0]; b++ {
		softmaxInto(out.Row(b), x.Row(b))
	}
	return out
}

// softmaxInto writes softmax(src) into dst.
func softmaxInto(dst, src []float64) {
	maxVal := floats.Max(src)
	sum := 0.0
	for i, v := range src {
		e := math.Exp(v - maxVal)
		dst[i] = e
		sum += e
	}
	floats.Scale(1/sum, dst)
}

// ===========================================================================
// HELPERS
// ===========================================================================

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// allFinite reports whether every value is neither NaN nor ±Inf.
func allFinite(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
