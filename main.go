package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// globalOptions are shared by every subcommand.
type globalOptions struct {
	logLevel  string
	logFormat string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "chargpt",
		Short: "Train and sample a character-level GPT",
		Long: `chargpt trains a small decoder-only transformer on a text corpus,
one character at a time, and samples new text from it.

Examples:
  chargpt vocab --data input.txt --show
  chargpt train --data input.txt --tiny
  chargpt train --data input.txt --config gpt.json --prompt "ROMEO:" --gen-tokens 500`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(newTrainCommand(opts), newVocabCommand(opts))
	return root
}
