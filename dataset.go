package main

import (
	"fmt"
	"math/rand/v2"
	"slices"
)

// Split selects the training prefix or validation suffix of a Dataset.
type Split int

const (
	SplitTrain Split = iota
	SplitVal
)

func (s Split) String() string {
	switch s {
	case SplitTrain:
		return "train"
	case SplitVal:
		return "val"
	default:
		return fmt.Sprintf("Split(%d)", int(s))
	}
}

// Dataset is an encoded corpus split into a training prefix and a
// validation suffix. It is immutable and safe for concurrent sampling as long
// as each caller brings its own random source.
type Dataset struct {
	train []int
	val   []int
}

// NewDataset copies ids and splits them at int(trainFraction * len(ids)).
func NewDataset(ids []int, trainFraction float64) (*Dataset, error) {
	if trainFraction <= 0 || trainFraction > 1 {
		return nil, fmt.Errorf("%w: train fraction must be in (0,1], got %g", ErrConfiguration, trainFraction)
	}

	data := slices.Clone(ids)
	n := int(trainFraction * float64(len(data)))

	return &Dataset{
		train: data[:n:n],
		val:   data[n:],
	}, nil
}

// Len returns the number of tokens in a split.
func (d *Dataset) Len(split Split) int {
	return len(d.tokens(split))
}

func (d *Dataset) tokens(split Split) []int {
	if split == SplitVal {
		return d.val
	}
	return d.train
}

// Batch is one sampled training example set. Target[b][t] is the token that
// follows Context[b][t] in the corpus.
type Batch struct {
	Context [][]int
	Target  [][]int
}

// Shape returns (batch, time).
func (b Batch) Shape() (int, int) {
	if len(b.Context) == 0 {
		return 0, 0
	}
	return len(b.Context), len(b.Context[0])
}

// Sample draws batchSize independent windows of blockSize consecutive tokens.
//
// Offsets are uniform over [0, len(split)-blockSize-1] so that every target
// window stays in range. A split shorter than blockSize+1 cannot produce one
// window and fails with ErrInsufficientData.
func (d *Dataset) Sample(rng *rand.Rand, split Split, blockSize, batchSize int) (Batch, error) {
	if blockSize <= 0 || batchSize <= 0 {
		return Batch{}, fmt.Errorf("%w: block size %d and batch size %d must be positive", ErrConfiguration, blockSize, batchSize)
	}

	data := d.tokens(split)
	if len(data) < blockSize+1 {
		return Batch{}, fmt.Errorf("%w: %s split has %d tokens, need at least %d for block size %d",
			ErrInsufficientData, split, len(data), blockSize+1, blockSize)
	}

	numOffsets := len(data) - blockSize
	batch := Batch{
		Context: make([][]int, batchSize),
		Target:  make([][]int, batchSize),
	}
	for b := 0; b < batchSize; b++ {
		off := rng.IntN(numOffsets)
		batch.Context[b] = slices.Clone(data[off : off+blockSize])
		batch.Target[b] = slices.Clone(data[off+1 : off+blockSize+1])
	}

	return batch, nil
}
