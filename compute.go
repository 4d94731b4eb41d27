package main

import (
	"runtime"
	"sync"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements parallel execution of tensor work using goroutines.
//
// INTENTION:
// Expose CPU parallelism as a configurable option. Let the user choose between
// single-threaded (deterministic, debuggable) and parallel (faster) modes at
// runtime.
//
// Two things get parallelized:
//   - Matrix multiplication: output rows are split across workers
//     (ParallelBackend in backend.go).
//   - Independent sequences of a batch during inference: each sequence's
//     forward pass runs on its own goroutine (GPT.Forward).
//
// Neither changes results. Each output element is still computed by exactly
// one goroutine with the same summation order as the single-threaded path.
//
// PERFORMANCE CHARACTERISTICS:
// For matrix multiplication (n×n matrices):
//   - n < 64:   Slower than single-threaded (goroutine overhead)
//   - n = 512:  ~1.5-2x speedup
//   - n = 2048: ~2-3x speedup (limited by memory bandwidth, not CPU)
//
// ===========================================================================

// ComputeConfig controls parallelization behavior for tensor operations.
type ComputeConfig struct {
	// Parallel enables multi-threaded execution.
	Parallel bool

	// NumWorkers specifies the number of worker goroutines to use.
	// If 0, defaults to runtime.NumCPU().
	NumWorkers int

	// MinSizeForParallel is the minimum row count before work is split.
	// Small matrices don't benefit due to goroutine overhead.
	MinSizeForParallel int
}

// DefaultComputeConfig returns a sensible default configuration.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           true,
		NumWorkers:         0, // Use all available CPUs
		MinSizeForParallel: 64,
	}
}

// SingleThreadedConfig returns a configuration for single-threaded execution.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           false,
		NumWorkers:         1,
		MinSizeForParallel: 0,
	}
}

// numWorkers returns the actual number of workers to use.
func (c ComputeConfig) numWorkers() int {
	if !c.Parallel {
		return 1
	}
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

// shouldParallelize determines if an operation of the given size is split.
func (c ComputeConfig) shouldParallelize(size int) bool {
	return c.Parallel && size >= c.MinSizeForParallel && c.numWorkers() > 1
}

// parallelFor runs fn over [0, n) split into contiguous chunks, one per
// worker. fn receives a half-open range [start, end).
func parallelFor(n, workers int, fn func(start, end int)) {
	if workers <= 1 || n <= 1 {
		fn(0, n)
		return
	}
	if workers > n {
		workers = n
	}

	chunk := (n + workers - 1) / workers // Ceiling division

	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}

// matmulRows computes rows [startRow, endRow) of out = a @ b.
//
// i-k-j loop order: the inner loop walks contiguous memory in both b and out,
// which is several times faster than the textbook i-j-k order.
func matmulRows(a, b, out *Tensor, startRow, endRow int) {
	k := a.shape[1]
	n := b.shape[1]
	for i := startRow; i < endRow; i++ {
		outRow := out.data[i*n : (i+1)*n]
		aRow := a.data[i*k : (i+1)*k]
		for kk, av := range aRow {
			bRow := b.data[kk*n : (kk+1)*n]
			for j, bv := range bRow {
				outRow[j] += av * bv
			}
		}
	}
}

// checkMatMulShapes validates (M,K) @ (K,N) and returns M, K, N.
func checkMatMulShapes(a, b *Tensor) (m, k, n int) {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic("tensor: MatMul requires 2D tensors")
	}
	if a.shape[1] != b.shape[0] {
		panic("tensor: incompatible dimensions for matmul")
	}
	return a.shape[0], a.shape[1], b.shape[1]
}
