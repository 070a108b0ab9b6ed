package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bamsammich/backtrack/internal/engine"
	"github.com/bamsammich/backtrack/internal/meta"
	"github.com/bamsammich/backtrack/internal/ui"
)

func formatTime(t int64) string {
	if t == 0 {
		return "-"
	}
	return time.Unix(t, 0).Format("2006-01-02 15:04:05")
}

func newListCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Inspect the history held in a repository",
	}
	cmd.AddCommand(
		newListSessionsCmd(g),
		newListFilesCmd(g),
		newListChangedCmd(g),
		newListIncrementsCmd(g),
	)
	return cmd
}

func newListSessionsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions MIRROR",
		Short: "List every session that can be restored",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			sessions, err := engine.ListSessions(engine.RepoConfig{Mirror: args[0], Policy: g.policy})
			if err != nil {
				return exitCode(err, nil)
			}
			now := time.Now()
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tAGE\tINCREMENTS\tSIZE\tSOURCE")
			for _, s := range sessions {
				name := formatTime(s.Time)
				if s.Current {
					name += " (current)"
				}
				source := ""
				if s.Info != nil {
					source = s.Info.Source
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
					name,
					ui.FormatAge(time.Unix(s.Time, 0), now),
					s.Increments,
					ui.FormatBytes(s.Bytes),
					source,
				)
			}
			return tw.Flush()
		},
	}
}

func newListFilesCmd(g *globals) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "files [--at TIME] MIRROR",
		Short: "List the paths that existed at a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			t, err := parseAt(at)
			if err != nil {
				return err
			}
			got, recs, err := engine.ListAt(context.Background(), engine.RepoConfig{Mirror: args[0], Policy: g.policy}, t)
			if err != nil {
				return exitCode(err, nil)
			}
			if !g.quiet {
				fmt.Fprintf(os.Stderr, "session %s\n", formatTime(got))
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Kind, sizeColumn(r), formatTime(r.MTime), r.Index)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&at, "at", "now", "list the newest session at or before TIME")
	return cmd
}

func newListChangedCmd(g *globals) *cobra.Command {
	var since string
	cmd := &cobra.Command{
		Use:   "changed --since TIME MIRROR",
		Short: "List the paths that changed between a session and the current mirror",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			t, err := parseAt(since)
			if err != nil {
				return err
			}
			got, changes, err := engine.ChangedSince(context.Background(), engine.RepoConfig{Mirror: args[0], Policy: g.policy}, t)
			if err != nil {
				return exitCode(err, nil)
			}
			if !g.quiet {
				fmt.Fprintf(os.Stderr, "changes since %s\n", formatTime(got))
			}
			for _, c := range changes {
				fmt.Fprintf(os.Stdout, "%-8s %s\n", c.Status, c.Path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "compare against the newest session at or before TIME")
	_ = cmd.MarkFlagRequired("since")
	return cmd
}

func newListIncrementsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "increments MIRROR PATH",
		Short: "List the increments recorded for one path",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			cur, incs, err := engine.ListIncrements(engine.RepoConfig{Mirror: args[0], Policy: g.policy}, args[1])
			if err != nil {
				return exitCode(err, nil)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tTYPE\tSIZE\tFILE")
			for _, inc := range incs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					formatTime(inc.Time), inc.Tag, ui.FormatBytes(inc.Bytes), inc.Path)
			}
			if cur.Exists() {
				fmt.Fprintf(tw, "%s\tcurrent\t%s\t\n", formatTime(cur.Since), sizeColumn(cur))
			} else {
				fmt.Fprintln(tw, "-\tabsent\t\t")
			}
			return tw.Flush()
		},
	}
}

// parseAt treats an empty or "now" spec as the current mirror.
func parseAt(spec string) (int64, error) {
	if spec == "" || spec == "now" {
		return 0, nil
	}
	t, err := engine.ParseTimeSpec(spec, time.Now())
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", spec, err)
	}
	return t, nil
}

func sizeColumn(r *meta.Record) string {
	if !r.IsRegular() {
		return "-"
	}
	return ui.FormatBytes(r.Size)
}
