package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"
)

type vocabOptions struct {
	data string
	ext  string
	show bool
}

func newVocabCommand(_ *globalOptions) *cobra.Command {
	opts := &vocabOptions{}

	cmd := &cobra.Command{
		Use:   "vocab",
		Short: "Print the character vocabulary of a corpus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVocab(cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.data, "data", "input.txt", "Corpus file or directory")
	cmd.Flags().StringVar(&opts.ext, "ext", ".txt", "File extension to read when --data is a directory")
	cmd.Flags().BoolVar(&opts.show, "show", false, "Print the id to character table")
	return cmd
}

func runVocab(w io.Writer, opts *vocabOptions) error {
	text, err := LoadCorpus(opts.data, opts.ext)
	if err != nil {
		return err
	}

	vocab := BuildVocabulary(text)
	fmt.Fprintf(w, "Characters: %d\n", len([]rune(text)))
	fmt.Fprintf(w, "Vocabulary size: %d\n", vocab.Size())
	fmt.Fprintf(w, "Fingerprint: %016x\n", vocab.Fingerprint())

	if opts.show {
		fmt.Fprintln(w)
		for id, r := range vocab.Chars() {
			fmt.Fprintf(w, "%4d  %s\n", id, strconv.QuoteRune(r))
		}
	}
	return nil
}
