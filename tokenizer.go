package main

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

// Vocabulary is a character-level tokenizer: every distinct character of the
// corpus gets one ID, assigned in ascending code-point order.
//
// Sorting makes the mapping a pure function of the character set, so two
// builds over the same corpus (or over any corpus with the same characters)
// agree on every ID.
//
// A Vocabulary is immutable after BuildVocabulary and safe for concurrent use.
type Vocabulary struct {
	charToID map[rune]int
	idToChar []rune
}

// BuildVocabulary collects the distinct characters of corpus. The corpus must
// be valid UTF-8: bytes that do not decode are left out of the vocabulary,
// and Encode reports them as unknown characters.
func BuildVocabulary(corpus string) *Vocabulary {
	seen := make(map[rune]struct{})
	for i := 0; i < len(corpus); {
		r, width := utf8.DecodeRuneInString(corpus[i:])
		if !invalidRune(r, width) {
			seen[r] = struct{}{}
		}
		i += width
	}

	// Sort for deterministic ordering
	chars := make([]rune, 0, len(seen))
	for r := range seen {
		chars = append(chars, r)
	}
	slices.Sort(chars)

	charToID := make(map[rune]int, len(chars))
	for id, r := range chars {
		charToID[r] = id
	}

	return &Vocabulary{
		charToID: charToID,
		idToChar: chars,
	}
}

// Size returns the number of distinct characters (the model's output width).
func (v *Vocabulary) Size() int {
	return len(v.idToChar)
}

// Chars returns the characters in ID order.
func (v *Vocabulary) Chars() []rune {
	return slices.Clone(v.idToChar)
}

// Encode maps each character of text to its ID.
// Characters outside the vocabulary are reported, never substituted. An
// invalid UTF-8 byte is reported as utf8.RuneError at its offset.
func (v *Vocabulary) Encode(text string) ([]int, error) {
	ids := make([]int, 0, utf8.RuneCountInString(text))
	offset := 0
	for i := 0; i < len(text); {
		r, width := utf8.DecodeRuneInString(text[i:])
		id, ok := v.charToID[r]
		if !ok || invalidRune(r, width) {
			return nil, &UnknownCharacterError{Char: r, Offset: offset}
		}
		ids = append(ids, id)
		offset++
		i += width
	}
	return ids, nil
}

// invalidRune reports whether a decoded rune stands for a byte that is not
// valid UTF-8, as opposed to an encoded U+FFFD.
func invalidRune(r rune, width int) bool {
	return r == utf8.RuneError && width == 1
}

// Decode maps IDs back to text. It is the exact inverse of Encode.
func (v *Vocabulary) Decode(ids []int) (string, error) {
	var sb strings.Builder
	sb.Grow(len(ids))
	for i, id := range ids {
		if id < 0 || id >= len(v.idToChar) {
			return "", fmt.Errorf("%w: id %d at position %d (vocab size %d)", ErrUnknownToken, id, i, len(v.idToChar))
		}
		sb.WriteRune(v.idToChar[id])
	}
	return sb.String(), nil
}

// Fingerprint hashes the ordered character table. Vocabularies with equal
// fingerprints assign identical IDs.
func (v *Vocabulary) Fingerprint() uint64 {
	return xxhash.Sum64String(string(v.idToChar))
}
