package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bamsammich/backtrack/internal/collate"
	"github.com/bamsammich/backtrack/internal/config"
	"github.com/bamsammich/backtrack/internal/engine"
	"github.com/bamsammich/backtrack/internal/event"
	"github.com/bamsammich/backtrack/internal/security"
	"github.com/bamsammich/backtrack/internal/stats"
	"github.com/bamsammich/backtrack/internal/store"
	"github.com/bamsammich/backtrack/internal/transport"
	"github.com/bamsammich/backtrack/internal/ui"
)

var version = "dev"

func main() {
	os.Exit(run())
}

// globals holds the flags and state every subcommand shares.
type globals struct {
	verbose      bool
	quiet        bool
	noProgress   bool
	logFile      string
	configFile   string
	restrictPath string
	restrictMode string

	cfg    config.Config
	policy *security.Policy
	logOut *os.File
}

func run() int {
	// Temp files registered by the store are removed however we exit.
	defer store.CleanupTmpFiles()

	if err := newRootCmd(&globals{}).Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

func newRootCmd(g *globals) *cobra.Command {
	var showVersion bool

	rootCmd := &cobra.Command{
		Use:   "backtrack",
		Short: "Reverse-increment backups: a plain mirror of the latest state plus history to rebuild any earlier one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "backtrack %s\n", version)
				return nil
			}
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if g.logOut != nil {
				g.logOut.Close()
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "verbose output: list every changed path")
	pf.BoolVarP(&g.quiet, "quiet", "q", false, "suppress all output except errors")
	pf.BoolVar(&g.noProgress, "no-progress", false, "disable the progress display")
	pf.StringVar(&g.logFile, "log", "", "write structured JSON log to FILE")
	pf.StringVar(&g.configFile, "config", "", "config file (default: $XDG_CONFIG_HOME/backtrack/config.toml)")
	pf.StringVar(&g.restrictPath, "restrict-path", "", "refuse to touch anything outside PATH")
	pf.StringVar(&g.restrictMode, "restrict-mode", "", "read-write, read-only or update-only")

	rootCmd.AddCommand(
		newBackupCmd(g),
		newRestoreCmd(g),
		newVerifyCmd(g),
		newRegressCmd(g),
		newListCmd(g),
		newServeCmd(g),
		newDocsCmd(),
	)

	return rootCmd
}

// setup loads the config file, configures logging and builds the access
// policy. Flags set on the command line win over the config file.
func (g *globals) setup(cmd *cobra.Command) error {
	var err error
	if g.configFile != "" {
		g.cfg, err = config.LoadFile(g.configFile)
	} else {
		g.cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logLevel := slog.LevelWarn
	if g.verbose {
		logLevel = slog.LevelDebug
	} else if !g.quiet {
		logLevel = slog.LevelInfo
	}
	// serve talks the protocol on stdout; logs must stay on stderr.
	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	var logHandler slog.Handler = textHandler
	if g.logFile != "" {
		lf, err := os.Create(g.logFile)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		g.logOut = lf
		jsonHandler := slog.NewJSONHandler(lf, &slog.HandlerOptions{Level: slog.LevelDebug})
		logHandler = ui.NewMultiHandler(textHandler, jsonHandler)
	}
	slog.SetDefault(slog.New(logHandler))

	path, mode := g.restrictPath, g.restrictMode
	if !cmd.Flags().Changed("restrict-path") && g.cfg.Restrict.Path != nil {
		path = *g.cfg.Restrict.Path
	}
	if !cmd.Flags().Changed("restrict-mode") && g.cfg.Restrict.Mode != nil {
		mode = *g.cfg.Restrict.Mode
	}
	if path == "" && mode == "" {
		return nil
	}
	m := security.ReadWrite
	if mode != "" {
		if m, err = security.ParseMode(mode); err != nil {
			return err
		}
	}
	g.policy, err = security.New(path, m)
	return err
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// report runs fn while a presenter displays its events, then prints the
// presenter's summary.
func (g *globals) report(op ui.Op, collector *stats.Collector, fn func(events chan<- event.Event)) {
	g.reportWith(op, collector, false, false, fn)
}

func (g *globals) reportWith(
	op ui.Op,
	collector *stats.Collector,
	forceFeed, forceRate bool,
	fn func(events chan<- event.Event),
) {
	events := make(chan event.Event, 256)
	presenter := ui.NewPresenter(ui.Config{
		Writer:     os.Stdout,
		ErrWriter:  os.Stderr,
		Stats:      collector,
		Op:         op,
		IsTTY:      ui.IsTTY(os.Stderr.Fd()),
		Quiet:      g.quiet,
		Verbose:    g.verbose,
		ForceFeed:  forceFeed,
		ForceRate:  forceRate,
		NoProgress: g.noProgress,
		Width:      ui.TermWidth(os.Stderr.Fd()),
	})

	var presenterErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		presenterErr = presenter.Run(g.teeEvents(events))
	}()

	fn(events)
	close(events)
	wg.Wait()
	if presenterErr != nil {
		fmt.Fprintf(os.Stderr, "presenter: %v\n", presenterErr)
	}
	if !g.quiet {
		if summary := presenter.Summary(); summary != "" {
			fmt.Fprintln(os.Stderr, summary)
		}
	}
}

// teeEvents writes each event as a structured record when --log is set
// before forwarding it to the presenter.
func (g *globals) teeEvents(events <-chan event.Event) <-chan event.Event {
	if g.logFile == "" {
		return events
	}
	teed := make(chan event.Event, 256)
	go func() {
		for ev := range events {
			attrs := []slog.Attr{
				slog.String("type", ev.Type.String()),
				slog.String("path", ev.Path),
				slog.Int64("size", ev.Size),
			}
			if ev.Session != 0 {
				attrs = append(attrs, slog.String("session", store.FormatTime(ev.Session, false)))
			}
			if ev.Tag != "" {
				attrs = append(attrs, slog.String("tag", ev.Tag))
			}
			if ev.Error != nil {
				attrs = append(attrs, slog.String("error", ev.Error.Error()))
			}
			slog.LogAttrs(context.Background(), slog.LevelDebug, "backtrack.event", attrs...)
			teed <- ev
		}
		close(teed)
	}()
	return teed
}

// exitCode maps an operation's outcome onto the process exit status: 2
// when the operation itself failed, 1 when only some paths did.
func exitCode(err, partial error) error {
	switch {
	case err != nil:
		slog.Error("failed", "error", err)
		if hint := errorHint(err); hint != "" {
			fmt.Fprintln(os.Stderr, hint)
		}
		return &exitError{code: 2}
	case partial != nil:
		return &exitError{code: 1}
	}
	return nil
}

func errorHint(err error) string {
	var denied *security.DeniedError
	var pre *collate.PreconditionError
	switch {
	case store.IsNeedsRegress(err):
		return "the repository has an unfinished session; run `backtrack regress` first"
	case errors.Is(err, store.ErrNotRepository):
		return "not a backtrack repository"
	case errors.As(err, &denied):
		return "operation refused by --restrict-mode/--restrict-path"
	case errors.As(err, &pre):
		return "the source listing was not in order; the repository was left unchanged"
	case errors.Is(err, engine.ErrDestNotEmpty):
		return "use --force to restore into an existing directory"
	case errors.Is(err, store.ErrMirrorNotEmpty):
		return "the first backup needs an empty or new mirror directory"
	case errors.Is(err, transport.ErrClosed):
		return "the connection to the source was lost"
	}
	return ""
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
