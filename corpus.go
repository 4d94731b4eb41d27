package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// LoadCorpus reads the training text. path may name a single file, or a
// directory whose files ending in ext are read in lexical order and joined
// with blank lines. An empty ext matches every file.
func LoadCorpus(path, ext string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to open corpus: %w", err)
	}

	if !info.IsDir() {
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read corpus: %w", err)
		}
		return checkCorpus(path, raw)
	}

	var texts []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ext) {
			return nil
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		text, err := checkCorpus(p, raw)
		if err != nil {
			return err
		}
		texts = append(texts, text)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to read corpus: %w", err)
	}

	if len(texts) == 0 {
		return "", fmt.Errorf("%w: no %q files found in %s", ErrInsufficientData, ext, path)
	}
	return strings.Join(texts, "\n\n"), nil
}

func checkCorpus(path string, raw []byte) (string, error) {
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%s: corpus is not valid UTF-8", path)
	}
	return string(raw), nil
}
