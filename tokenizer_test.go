package main

import (
	"errors"
	"math/rand/v2"
	"slices"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestVocabularyHelloWorld(t *testing.T) {
	corpus := strings.Repeat("hello world", 50)
	vocab := BuildVocabulary(corpus)

	// ' ', d, e, h, l, o, r, w
	if vocab.Size() != 8 {
		t.Errorf("expected vocab size 8, got %d", vocab.Size())
	}
	if got := string(vocab.Chars()); got != " dehlorw" {
		t.Errorf("expected sorted characters %q, got %q", " dehlorw", got)
	}

	ids, err := vocab.Encode(corpus)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(ids) != len(corpus) {
		t.Errorf("expected %d ids, got %d", len(corpus), len(ids))
	}

	decoded, err := vocab.Decode(ids)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded != corpus {
		t.Error("round trip did not reproduce the corpus")
	}

	// The same corpus drives a model end to end at block 8, batch 4.
	data, err := NewDataset(ids, 0.9)
	if err != nil {
		t.Fatalf("NewDataset: %v", err)
	}
	cfg := smallConfig()
	cfg.BlockSize = 8
	cfg.BatchSize = 4
	batch, err := data.Sample(rand.New(rand.NewPCG(1, 1)), SplitTrain, cfg.BlockSize, cfg.BatchSize)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}

	model := newTestModel(t, cfg, vocab.Size())
	logits, err := model.Forward(batch.Context)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if want := []int{4, 8, 8}; !slices.Equal(logits.Shape(), want) {
		t.Errorf("expected logits shape %v, got %v", want, logits.Shape())
	}
}

func TestVocabularyInvalidUTF8(t *testing.T) {
	text := "ab\xffcd"
	vocab := BuildVocabulary(text)

	if got := string(vocab.Chars()); got != "abcd" {
		t.Errorf("expected vocabulary %q, got %q", "abcd", got)
	}

	_, err := vocab.Encode(text)
	var uce *UnknownCharacterError
	if !errors.As(err, &uce) {
		t.Fatalf("expected *UnknownCharacterError, got %v", err)
	}
	if uce.Char != utf8.RuneError || uce.Offset != 2 {
		t.Errorf("expected RuneError at offset 2, got %q at %d", uce.Char, uce.Offset)
	}

	// An encoded U+FFFD is an ordinary character.
	replacement := "a\uFFFDb"
	vocab = BuildVocabulary(replacement)
	ids, err := vocab.Encode(replacement)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if decoded, _ := vocab.Decode(ids); decoded != replacement {
		t.Errorf("expected %q, got %q", replacement, decoded)
	}
}

func TestVocabularyRoundTrip(t *testing.T) {
	corpus := "First Citizen:\nBefore we proceed any further, hear me speak.\nÆthelred - naïve café 日本語"
	vocab := BuildVocabulary(corpus)

	tests := []string{
		"",
		"hear me",
		"\n\n",
		"café 日本",
		corpus,
	}

	for _, text := range tests {
		t.Run(text, func(t *testing.T) {
			ids, err := vocab.Encode(text)
			if err != nil {
				t.Fatalf("encode failed: %v", err)
			}
			for _, id := range ids {
				if id < 0 || id >= vocab.Size() {
					t.Fatalf("id %d outside [0,%d)", id, vocab.Size())
				}
			}

			decoded, err := vocab.Decode(ids)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if decoded != text {
				t.Errorf("expected %q, got %q", text, decoded)
			}
		})
	}
}

func TestVocabularyDeterminism(t *testing.T) {
	a := BuildVocabulary("the quick brown fox")
	b := BuildVocabulary("xof nworb kciuq eht") // same characters, different order

	if !slices.Equal(a.Chars(), b.Chars()) {
		t.Errorf("expected identical tables, got %q and %q", string(a.Chars()), string(b.Chars()))
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("equal vocabularies should have equal fingerprints")
	}

	c := BuildVocabulary("the quick brown fox!")
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("different vocabularies should have different fingerprints")
	}

	idsA, _ := a.Encode("quick")
	idsB, _ := b.Encode("quick")
	if !slices.Equal(idsA, idsB) {
		t.Errorf("expected identical encodings, got %v and %v", idsA, idsB)
	}
}

func TestVocabularyUnknownCharacter(t *testing.T) {
	vocab := BuildVocabulary("abc")

	_, err := vocab.Encode("abxc")
	if !errors.Is(err, ErrUnknownCharacter) {
		t.Fatalf("expected ErrUnknownCharacter, got %v", err)
	}

	var uce *UnknownCharacterError
	if !errors.As(err, &uce) {
		t.Fatalf("expected *UnknownCharacterError, got %T", err)
	}
	if uce.Char != 'x' || uce.Offset != 2 {
		t.Errorf("expected 'x' at offset 2, got %q at %d", uce.Char, uce.Offset)
	}
}

func TestVocabularyUnknownToken(t *testing.T) {
	vocab := BuildVocabulary("abc")

	for _, ids := range [][]int{{0, 3}, {-1}} {
		if _, err := vocab.Decode(ids); !errors.Is(err, ErrUnknownToken) {
			t.Errorf("Decode(%v): expected ErrUnknownToken, got %v", ids, err)
		}
	}
}

func BenchmarkVocabularyEncode(b *testing.B) {
	text := strings.Repeat("To be, or not to be, that is the question:\n", 100)
	vocab := BuildVocabulary(text)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = vocab.Encode(text)
	}
}
