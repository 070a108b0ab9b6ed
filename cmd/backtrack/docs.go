package main

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"
)

var docGenerators = map[string]func(root *cobra.Command, dir string) error{
	"man": func(root *cobra.Command, dir string) error {
		return doc.GenManTree(root, &doc.GenManHeader{
			Title:   "BACKTRACK",
			Section: "1",
			Source:  "backtrack " + version,
		}, dir)
	},
	"markdown": doc.GenMarkdownTree,
	"rest":     doc.GenReSTTree,
}

func newDocsCmd() *cobra.Command {
	var dir, format string
	formats := slices.Sorted(maps.Keys(docGenerators))

	cmd := &cobra.Command{
		Use:    "gen-docs",
		Short:  "Write reference pages for every command",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			gen, ok := docGenerators[format]
			if !ok {
				return fmt.Errorf("unknown format %q (want %s)", format, strings.Join(formats, ", "))
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", dir, err)
			}
			return gen(cmd.Root(), dir)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "docs", "output directory")
	cmd.Flags().StringVar(&format, "format", "man", "one of "+strings.Join(formats, ", "))
	return cmd
}
