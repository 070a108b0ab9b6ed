package main

import (
	"errors"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/bamsammich/backtrack/internal/security"
	"github.com/bamsammich/backtrack/internal/transport"
)

// stdio joins the process's stdin and stdout into one stream.
type stdio struct {
	io.Reader
	io.Writer
}

func (stdio) Close() error {
	return errors.Join(os.Stdin.Close(), os.Stdout.Close())
}

func newServeCmd(g *globals) *cobra.Command {
	var (
		source   string
		compress bool
	)
	cmd := &cobra.Command{
		Use:    "serve --source PATH",
		Short:  "Serve a backup source over stdin/stdout",
		Long:   "Serve PATH as a backup source on stdin/stdout. Started over SSH by a remote backup.",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			policy := g.policy
			if policy == nil {
				// The peer only ever needs to read the source tree.
				var err error
				if policy, err = security.New(source, security.ReadOnly); err != nil {
					return exitCode(err, nil)
				}
			}

			ctx, cancel := signalContext()
			defer cancel()

			err := transport.ServeSource(ctx, source, stdio{Reader: os.Stdin, Writer: os.Stdout}, transport.ServeOptions{
				Compress: compress,
				Policy:   policy,
			})
			return exitCode(err, nil)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "directory to serve")
	cmd.Flags().BoolVar(&compress, "compress", false, "zstd-compress the stream")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}
