package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bamsammich/backtrack/internal/engine"
)

func newRegressCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "regress MIRROR",
		Short: "Roll back an unfinished session left by a crash",
		Long: `Roll back an unfinished session left by a crash or kill, returning MIRROR
to the last committed session. Backups do this on their own before
starting; run it by hand to make the repository readable again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rep, err := engine.Regress(ctx, engine.RepoConfig{Mirror: args[0], Policy: g.policy})
			if err != nil {
				return exitCode(err, nil)
			}
			if g.quiet {
				return nil
			}
			if rep.Time == 0 {
				fmt.Fprintln(os.Stdout, "nothing to regress")
			} else {
				fmt.Fprintf(os.Stdout, "rolled back session %s to %s (%d paths undone, %d unchanged)\n",
					formatTime(rep.Time), formatTime(rep.Restored), rep.Undone, rep.Unchanged)
			}
			if rep.TmpRemoved > 0 {
				fmt.Fprintf(os.Stdout, "removed %d stray temp files\n", rep.TmpRemoved)
			}
			return nil
		},
	}
}
