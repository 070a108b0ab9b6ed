package main

import (
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bamsammich/backtrack/internal/config"
	"github.com/bamsammich/backtrack/internal/engine"
	"github.com/bamsammich/backtrack/internal/event"
	"github.com/bamsammich/backtrack/internal/filter"
	"github.com/bamsammich/backtrack/internal/meta"
	"github.com/bamsammich/backtrack/internal/stats"
	"github.com/bamsammich/backtrack/internal/transport"
	"github.com/bamsammich/backtrack/internal/ui"
)

// filterFlag is a custom pflag.Value that preserves CLI ordering of
// --exclude and --include rules by appending to a shared filter.Chain.
type filterFlag struct {
	chain   *filter.Chain
	include bool
	regexp  bool
}

var _ pflag.Value = (*filterFlag)(nil)

func (*filterFlag) String() string { return "" }
func (*filterFlag) Type() string   { return "string" }

func (f *filterFlag) Set(val string) error {
	switch {
	case f.include && f.regexp:
		return f.chain.AddIncludeRegexp(val)
	case f.regexp:
		return f.chain.AddExcludeRegexp(val)
	case f.include:
		return f.chain.AddInclude(val)
	}
	return f.chain.AddExclude(val)
}

type backupFlags struct {
	workers          int
	bwLimit          string
	timeSpec         string
	filterFile       string
	minSize          string
	maxSize          string
	excludeSpecial   bool
	noHardlinks      bool
	noCompression    bool
	notCompressed    string
	xattrs           bool
	names            bool
	noCompareInode   bool
	fsync            bool
	compatTimestamps bool
	tempDir          string
	forceFeed        bool
	forceRate        bool
	ssh              sshFlags
}

type sshFlags struct {
	keyFile  string
	port     int
	binary   string
	compress bool
	sftp     bool
}

func newBackupCmd(g *globals) *cobra.Command {
	var f backupFlags
	chain := filter.NewChain()

	cmd := &cobra.Command{
		Use:   "backup [flags] SOURCE MIRROR",
		Short: "Mirror SOURCE into MIRROR, keeping the previous state as reverse increments",
		Long: `Mirror SOURCE into MIRROR. After the session MIRROR holds a plain copy of
SOURCE, and every path that changed has a reverse increment from which the
previous version can be rebuilt.

SOURCE may be local or remote as [user@]host:path. Remote sources run
"backtrack serve" over SSH, or use plain SFTP with --sftp.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(cmd, g, &f, chain, args[0], args[1])
		},
	}

	fl := cmd.Flags()
	fl.IntVar(&f.workers, "workers", engine.DefaultWorkers(), "number of parallel workers")
	fl.StringVar(&f.bwLimit, "bwlimit", "", "limit source reads to SIZE per second (e.g. 10M)")
	fl.StringVar(&f.timeSpec, "time", "", "record the session at TIME instead of now")
	fl.Var(&filterFlag{chain: chain}, "exclude", "exclude paths matching PATTERN (repeatable)")
	fl.Var(&filterFlag{chain: chain, include: true}, "include", "include paths matching PATTERN (repeatable)")
	fl.Var(&filterFlag{chain: chain, regexp: true}, "exclude-regexp", "exclude paths matching REGEXP (repeatable)")
	fl.Var(&filterFlag{chain: chain, include: true, regexp: true}, "include-regexp", "include paths matching REGEXP (repeatable)")
	fl.StringVar(&f.filterFile, "filter", "", "read filter rules from FILE")
	fl.StringVar(&f.minSize, "min-size", "", "skip files smaller than SIZE (e.g. 1M, 100K)")
	fl.StringVar(&f.maxSize, "max-size", "", "skip files larger than SIZE (e.g. 1G, 500M)")
	fl.BoolVar(&f.excludeSpecial, "exclude-special-files", false, "skip devices, fifos and sockets")
	fl.BoolVar(&f.noHardlinks, "no-hardlinks", false, "store hard-linked files as independent copies")
	fl.BoolVar(&f.noCompression, "no-compression", false, "store increments uncompressed")
	fl.StringVar(&f.notCompressed, "not-compressed", "", "never compress files whose name matches REGEXP")
	fl.BoolVar(&f.xattrs, "xattrs", true, "record extended attributes and ACLs")
	fl.BoolVar(&f.names, "names", true, "record user and group names")
	fl.BoolVar(&f.noCompareInode, "no-compare-inode", false, "ignore inode changes when deciding what changed")
	fl.BoolVar(&f.fsync, "fsync", false, "fsync files before committing the session")
	fl.BoolVar(&f.compatTimestamps, "compat-timestamps", false, "use colon-free timestamps in increment names")
	fl.StringVar(&f.tempDir, "tempdir", "", "directory for staged content (default: inside MIRROR)")
	fl.BoolVar(&f.forceFeed, "feed", false, "always show the file feed in the progress display")
	fl.BoolVar(&f.forceRate, "rate", false, "show only the transfer rate in the progress display")
	addSSHFlags(cmd, &f.ssh)
	return cmd
}

func addSSHFlags(cmd *cobra.Command, f *sshFlags) {
	fl := cmd.Flags()
	fl.StringVar(&f.keyFile, "ssh-key", "", "SSH private key file (default: auto-detect)")
	fl.IntVar(&f.port, "ssh-port", 22, "SSH port")
	fl.StringVar(&f.binary, "ssh-binary", "backtrack", "backtrack binary on the remote host")
	fl.BoolVar(&f.compress, "compress", false, "compress the remote stream")
	fl.BoolVar(&f.sftp, "sftp", false, "read the remote source over plain SFTP")
}

// sourceOpts merges the ssh flags with the [ssh] config section.
func (f *sshFlags) sourceOpts(cmd *cobra.Command, cfg config.SSHConfig) transport.SourceOpts {
	if !cmd.Flags().Changed("ssh-key") && cfg.KeyFile != nil {
		f.keyFile = *cfg.KeyFile
	}
	if !cmd.Flags().Changed("ssh-port") && cfg.Port != nil {
		f.port = *cfg.Port
	}
	if !cmd.Flags().Changed("ssh-binary") && cfg.Binary != nil {
		f.binary = *cfg.Binary
	}
	if !cmd.Flags().Changed("compress") && cfg.Compress != nil {
		f.compress = *cfg.Compress
	}
	if !cmd.Flags().Changed("sftp") && cfg.SFTP != nil {
		f.sftp = *cfg.SFTP
	}
	return transport.SourceOpts{
		SSH: transport.SSHOpts{
			Port:     f.port,
			KeyFile:  f.keyFile,
			Binary:   f.binary,
			Compress: f.compress,
		},
		SFTP: f.sftp,
	}
}

// applyConfigDefaults applies config file defaults for flags not explicitly set on the CLI.
func applyConfigDefaults(cmd *cobra.Command, d config.DefaultsConfig, f *backupFlags) {
	changed := cmd.Flags().Changed
	if !changed("workers") && d.Workers != nil {
		f.workers = *d.Workers
	}
	if !changed("bwlimit") && d.BWLimit != nil {
		f.bwLimit = *d.BWLimit
	}
	if !changed("no-compression") && d.Compress != nil {
		f.noCompression = !*d.Compress
	}
	if !changed("not-compressed") && d.NotCompressed != nil {
		f.notCompressed = *d.NotCompressed
	}
	if !changed("no-hardlinks") && d.Hardlinks != nil {
		f.noHardlinks = !*d.Hardlinks
	}
	if !changed("xattrs") && d.Xattrs != nil {
		f.xattrs = *d.Xattrs
	}
	if !changed("names") && d.Names != nil {
		f.names = *d.Names
	}
	if !changed("no-compare-inode") && d.CompareInode != nil {
		f.noCompareInode = !*d.CompareInode
	}
	if !changed("fsync") && d.Fsync != nil {
		f.fsync = *d.Fsync
	}
}

// buildFilter completes the command-line chain. Rules match first-wins, so
// the --filter file and then the config excludes come after the flags.
func buildFilter(d config.DefaultsConfig, f *backupFlags, chain *filter.Chain) (*filter.Chain, error) {
	if f.filterFile != "" {
		if err := chain.LoadFile(f.filterFile); err != nil {
			return nil, fmt.Errorf("--filter: %w", err)
		}
	}
	for _, p := range d.Exclude {
		if err := chain.AddExclude(p); err != nil {
			return nil, fmt.Errorf("config exclude %q: %w", p, err)
		}
	}
	if d.ExcludeFile != nil {
		if err := chain.LoadFile(*d.ExcludeFile); err != nil {
			return nil, fmt.Errorf("config exclude_file: %w", err)
		}
	}
	if f.minSize != "" {
		n, err := filter.ParseSize(f.minSize)
		if err != nil {
			return nil, fmt.Errorf("invalid --min-size: %w", err)
		}
		chain.SetMinSize(n)
	}
	if f.maxSize != "" {
		n, err := filter.ParseSize(f.maxSize)
		if err != nil {
			return nil, fmt.Errorf("invalid --max-size: %w", err)
		}
		chain.SetMaxSize(n)
	}
	if f.excludeSpecial {
		chain.ExcludeKind(meta.KindDevice)
		chain.ExcludeKind(meta.KindFifo)
		chain.ExcludeKind(meta.KindSocket)
	}
	return chain, nil
}

func runBackup(cmd *cobra.Command, g *globals, f *backupFlags, cli *filter.Chain, source, mirror string) error {
	applyConfigDefaults(cmd, g.cfg.Defaults, f)

	chain, err := buildFilter(g.cfg.Defaults, f, cli)
	if err != nil {
		return err
	}

	var bwLimit int64
	if f.bwLimit != "" {
		if bwLimit, err = filter.ParseSize(f.bwLimit); err != nil {
			return fmt.Errorf("invalid --bwlimit: %w", err)
		}
	}

	var at int64
	if f.timeSpec != "" {
		if at, err = engine.ParseTimeSpec(f.timeSpec, time.Now()); err != nil {
			return fmt.Errorf("invalid --time: %w", err)
		}
	}

	var notCompressed *regexp.Regexp
	if f.notCompressed != "" {
		if notCompressed, err = regexp.Compile(f.notCompressed); err != nil {
			return fmt.Errorf("invalid --not-compressed: %w", err)
		}
	}

	compare := meta.DefaultCompareOpts
	compare.Inode = !f.noCompareInode
	compare.Xattrs = f.xattrs

	ctx, cancel := signalContext()
	defer cancel()

	src, err := transport.OpenSource(ctx, source, f.ssh.sourceOpts(cmd, g.cfg.SSH))
	if err != nil {
		return exitCode(fmt.Errorf("open source: %w", err), nil)
	}
	defer src.Close()

	var sel meta.Selector
	if !chain.Empty() {
		sel = chain
	}

	collector := stats.NewCollector()
	var (
		sum    engine.BackupSummary
		runErr error
	)
	g.reportWith(ui.OpBackup, collector, f.forceFeed, f.forceRate, func(events chan<- event.Event) {
		sum, runErr = engine.RunBackup(ctx, engine.BackupConfig{
			Source:           src,
			Mirror:           mirror,
			Time:             at,
			Filter:           sel,
			Workers:          f.workers,
			Compare:          &compare,
			NoHardlinks:      f.noHardlinks,
			NoCompression:    f.noCompression,
			NotCompressed:    notCompressed,
			Xattrs:           f.xattrs,
			Names:            f.names,
			Fsync:            f.fsync,
			CompatTimestamps: f.compatTimestamps,
			BWLimit:          bwLimit,
			Policy:           g.policy,
			TempDir:          f.tempDir,
			Events:           events,
			Stats:            collector,
		})
	})

	if runErr == nil {
		slog.Info("session committed",
			"time", sum.Time,
			"new", sum.New,
			"changed", sum.Changed,
			"deleted", sum.Deleted,
			"increments", sum.Increments,
			"increment_bytes", ui.FormatBytes(sum.IncrementBytes),
		)
	}
	return exitCode(runErr, sum.Err())
}
