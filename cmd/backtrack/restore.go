package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/bamsammich/backtrack/internal/engine"
	"github.com/bamsammich/backtrack/internal/event"
	"github.com/bamsammich/backtrack/internal/stats"
	"github.com/bamsammich/backtrack/internal/ui"
)

func newRestoreCmd(g *globals) *cobra.Command {
	var (
		at         string
		subPath    string
		force      bool
		workers    int
		owners     bool
		numericIDs bool
		xattrs     bool
		tempDir    string
	)

	cmd := &cobra.Command{
		Use:   "restore [flags] MIRROR DEST",
		Short: "Rebuild the tree as it was at a past session into DEST",
		Long: `Rebuild the tree as it was at a past session into DEST.

--at accepts "now", unix seconds, RFC 3339, a date, an increment timestamp,
or an interval such as 3D or 2W1D meaning that long ago. The newest session
at or before that time is restored.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("workers") && g.cfg.Defaults.Workers != nil {
				workers = *g.cfg.Defaults.Workers
			}
			if !cmd.Flags().Changed("xattrs") && g.cfg.Defaults.Xattrs != nil {
				xattrs = *g.cfg.Defaults.Xattrs
			}

			var t int64
			if at != "" && at != "now" {
				var err error
				if t, err = engine.ParseTimeSpec(at, time.Now()); err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
			}

			ctx, cancel := signalContext()
			defer cancel()

			collector := stats.NewCollector()
			var (
				sum    engine.RestoreSummary
				runErr error
			)
			g.report(ui.OpRestore, collector, func(events chan<- event.Event) {
				sum, runErr = engine.RunRestore(ctx, engine.RestoreConfig{
					Mirror:     args[0],
					Dest:       args[1],
					Time:       t,
					Path:       subPath,
					Force:      force,
					Workers:    workers,
					Owners:     owners,
					NumericIDs: numericIDs,
					Xattrs:     xattrs,
					Policy:     g.policy,
					TempDir:    tempDir,
					Events:     events,
					Stats:      collector,
				})
			})
			if runErr == nil {
				slog.Info("restored",
					"session", formatTime(sum.Time),
					"files", sum.Files,
					"bytes", ui.FormatBytes(sum.Bytes),
				)
			}
			return exitCode(runErr, sum.Err())
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&at, "at", "now", "restore the newest session at or before TIME")
	fl.StringVar(&subPath, "path", "", "restore only this path, relative to the mirror root")
	fl.BoolVar(&force, "force", false, "restore into a non-empty DEST, replacing what is in the way")
	fl.IntVar(&workers, "workers", engine.DefaultWorkers(), "number of parallel workers")
	fl.BoolVar(&owners, "owners", false, "restore ownership even when not running as root")
	fl.BoolVar(&numericIDs, "numeric-ids", false, "use recorded uid and gid as-is instead of mapping names")
	fl.BoolVar(&xattrs, "xattrs", true, "restore extended attributes and ACLs")
	fl.StringVar(&tempDir, "tempdir", "", "directory for rebuilt content (default: system temp)")
	return cmd
}
