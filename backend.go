package main

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file defines the tensor-compute capability the model depends on.
//
// INTENTION:
// The model never asks "which device am I on?". It holds a Backend and calls
// MatMul; everything else (embeddings, layer norm, softmax) is cheap
// element-wise work done in plain Go. Swapping the backend changes throughput,
// never results (beyond floating-point summation order).
//
// AVAILABLE BACKENDS:
//   - naive:    single-threaded i-k-j loops, the reference implementation
//   - parallel: output rows split across goroutines (compute.go)
//   - blas:     gonum's pure-Go BLAS (blas64.Gemm); blocked and unrolled,
//               and swappable for a native BLAS via blas64.Use
//
// Accelerator names ("cuda", "mps", "metal") are recognized so that
// configurations written for GPU runs fail loudly instead of silently
// training on something else.
//
// ===========================================================================

// Backend performs the matrix products that dominate transformer compute.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string

	// MatMul returns a @ b for a: (M, K), b: (K, N).
	// Panics on shape mismatch like the other tensor kernels.
	MatMul(a, b *Tensor) *Tensor
}

// NewBackend returns the backend for a selector name. "auto" and "" pick the
// fastest backend available in this build.
func NewBackend(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto", "blas":
		return BLASBackend{}, nil
	case "naive", "cpu":
		return NaiveBackend{}, nil
	case "parallel":
		return NewParallelBackend(DefaultComputeConfig()), nil
	case "cuda", "mps", "metal", "gpu":
		return nil, fmt.Errorf("%w: backend %q is not available in this build", ErrConfiguration, name)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrConfiguration, name)
	}
}

// NaiveBackend multiplies on the calling goroutine.
type NaiveBackend struct{}

// Name implements Backend.
func (NaiveBackend) Name() string { return "naive" }

// MatMul implements Backend.
func (NaiveBackend) MatMul(a, b *Tensor) *Tensor {
	m, _, n := checkMatMulShapes(a, b)
	out := NewTensor(m, n)
	matmulRows(a, b, out, 0, m)
	return out
}

// ParallelBackend splits output rows across worker goroutines.
type ParallelBackend struct {
	cfg ComputeConfig
}

// NewParallelBackend creates a goroutine-parallel backend.
func NewParallelBackend(cfg ComputeConfig) *ParallelBackend {
	return &ParallelBackend{cfg: cfg}
}

// Name implements Backend.
func (p *ParallelBackend) Name() string { return "parallel" }

// MatMul implements Backend.
//
// Parallelization strategy:
//   - Divide output rows among workers
//   - Each worker computes a contiguous block of rows
//   - Workers write disjoint slices of out, so no locking is needed
func (p *ParallelBackend) MatMul(a, b *Tensor) *Tensor {
	m, _, n := checkMatMulShapes(a, b)
	out := NewTensor(m, n)

	if !p.cfg.shouldParallelize(m) {
		matmulRows(a, b, out, 0, m)
		return out
	}

	parallelFor(m, p.cfg.numWorkers(), func(start, end int) {
		matmulRows(a, b, out, start, end)
	})
	return out
}

// BLASBackend delegates to gonum's BLAS implementation.
type BLASBackend struct{}

// Name implements Backend.
func (BLASBackend) Name() string { return "blas" }

// MatMul implements Backend.
func (BLASBackend) MatMul(a, b *Tensor) *Tensor {
	m, k, n := checkMatMulShapes(a, b)
	out := NewTensor(m, n)

	blas64.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas64.General{Rows: m, Cols: k, Stride: k, Data: a.data},
		blas64.General{Rows: k, Cols: n, Stride: n, Data: b.data},
		0,
		blas64.General{Rows: m, Cols: n, Stride: n, Data: out.data},
	)
	return out
}
