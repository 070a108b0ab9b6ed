package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bamsammich/backtrack/internal/engine"
	"github.com/bamsammich/backtrack/internal/event"
	"github.com/bamsammich/backtrack/internal/stats"
	"github.com/bamsammich/backtrack/internal/ui"
)

func newVerifyCmd(g *globals) *cobra.Command {
	var (
		full    bool
		workers int
		tempDir string
	)

	cmd := &cobra.Command{
		Use:   "verify [flags] MIRROR",
		Short: "Check that every increment chain in MIRROR is complete and decodable",
		Long: `Check that every increment chain in MIRROR is complete and decodable.

With --full the content hash of every mirror file is recomputed and every
delta is applied, which reads the whole repository.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("workers") && g.cfg.Defaults.Workers != nil {
				workers = *g.cfg.Defaults.Workers
			}

			ctx, cancel := signalContext()
			defer cancel()

			collector := stats.NewCollector()
			var (
				rep    engine.VerifyReport
				runErr error
			)
			g.report(ui.OpVerify, collector, func(events chan<- event.Event) {
				rep, runErr = engine.RunVerify(ctx, engine.VerifyConfig{
					Mirror:  args[0],
					Full:    full,
					Workers: workers,
					Policy:  g.policy,
					TempDir: tempDir,
					Events:  events,
					Stats:   collector,
				})
			})
			if runErr != nil {
				return exitCode(runErr, nil)
			}

			for _, inc := range rep.Orphans {
				fmt.Fprintf(os.Stderr, "orphan: %s\n", inc.Path)
			}
			if !g.quiet {
				fmt.Fprintf(os.Stdout, "%s  %s paths  %s increments  %d problems\n",
					formatTime(rep.Time),
					ui.FormatCount(rep.Paths),
					ui.FormatCount(rep.Increments),
					len(rep.Problems)+len(rep.Orphans),
				)
			}
			return exitCode(nil, rep.Err())
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "recompute hashes and apply every delta")
	cmd.Flags().IntVar(&workers, "workers", engine.DefaultWorkers(), "number of parallel workers")
	cmd.Flags().StringVar(&tempDir, "tempdir", "", "directory for rebuilt content (default: system temp)")
	return cmd
}
