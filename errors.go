package main

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownCharacter indicates text contains a character outside the vocabulary.
	ErrUnknownCharacter = errors.New("tokenizer: unknown character")

	// ErrUnknownToken indicates a token ID outside the vocabulary range.
	ErrUnknownToken = errors.New("tokenizer: unknown token id")

	// ErrInsufficientData indicates a split is too short to draw one block.
	ErrInsufficientData = errors.New("dataset: insufficient data")

	// ErrConfiguration indicates an invalid hyperparameter or shape combination.
	ErrConfiguration = errors.New("config: invalid configuration")

	// ErrNumericInstability indicates a non-finite loss or gradient.
	ErrNumericInstability = errors.New("train: numeric instability")

	// ErrShapeMismatch indicates inputs whose shapes the model cannot accept.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")
)

// UnknownCharacterError reports the first character that could not be encoded.
type UnknownCharacterError struct {
	Char   rune
	Offset int // rune offset within the encoded text
}

func (e *UnknownCharacterError) Error() string {
	return fmt.Sprintf("tokenizer: unknown character %q at offset %d", e.Char, e.Offset)
}

// Is lets errors.Is(err, ErrUnknownCharacter) match.
func (e *UnknownCharacterError) Is(target error) bool {
	return target == ErrUnknownCharacter
}
