// Package cmd provides the CLI commands for boxsync.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"

	"github.com/fclairamb/boxsync/internal/apperrors"
	"github.com/fclairamb/boxsync/internal/config"
	"github.com/fclairamb/boxsync/internal/metrics"
	"github.com/fclairamb/boxsync/internal/queue"
	"github.com/fclairamb/boxsync/internal/store"
	"github.com/fclairamb/boxsync/internal/version"
	"github.com/fclairamb/boxsync/internal/watch"
)

// outputPerm is used by get -o when the index has no mode for the file.
const outputPerm = 0o600

// application holds what every command shares once the root command has
// loaded the configuration.
type application struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

// verboseFlag is the shared verbose flag for all commands.
var verboseFlag = &cli.BoolFlag{
	Name:  "verbose",
	Usage: "Enable verbose logging",
}

// setupLogging configures the global logger from the verbose flag and BOX_LOG_FORMAT.
func setupLogging(w io.Writer, format string, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case config.LogFormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	if verbose {
		logger.Debug("Verbose logging enabled")
	}
	return logger
}

// NewApp creates the CLI application.
func NewApp() *cli.Command {
	app := &application{}

	return &cli.Command{
		Name:    "boxsync",
		Usage:   "Keep a folder in sync with a remote copy through a content-hashed index",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "root",
				Aliases: []string{"r"},
				Usage:   "Folder to manage (overrides BOX_ROOT)",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "Metadata database location (overrides BOX_DB_PATH)",
			},
			verboseFlag,
		},
		Before: app.before,
		Commands: []*cli.Command{
			app.putCommand(),
			app.getCommand(),
			app.rmCommand(),
			app.lsCommand(),
			app.statCommand(),
			app.scanCommand(),
			app.verifyCommand(),
			app.gcCommand(),
			app.diffCommand(),
			app.syncCommand(),
			app.watchCommand(),
		},
	}
}

// before loads BOX_ variables, applies flag overrides and sets up logging and metrics.
func (a *application) before(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := config.Load()
	if err != nil {
		return ctx, fmt.Errorf("load config: %w", err)
	}

	if cmd.IsSet("root") {
		cfg.Root = cmd.String("root")
	}
	if cmd.IsSet("db") {
		cfg.DBPath = cmd.String("db")
	}
	if err := config.Validate(cfg); err != nil {
		return ctx, err
	}

	logOut := cmd.ErrWriter
	if logOut == nil {
		logOut = os.Stderr
	}

	a.cfg = cfg
	a.logger = setupLogging(logOut, cfg.LogFormat, cmd.Bool("verbose"))
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	a.logger.DebugContext(ctx, "configuration loaded",
		"root", cfg.Root,
		"metadata", cfg.MetadataPath(),
		"backend", cfg.Backend,
		"remote", cfg.Remote)
	return ctx, nil
}

// pathArg returns the first argument or apperrors.ErrPathRequired.
func pathArg(cmd *cli.Command) (string, error) {
	if cmd.Args().Len() < 1 {
		return "", apperrors.ErrPathRequired
	}
	return cmd.Args().Get(0), nil
}

// putCommand creates the put subcommand.
func (a *application) putCommand() *cli.Command {
	return &cli.Command{
		Name:      "put",
		Usage:     "Store a file, reading its content from a local file or stdin",
		ArgsUsage: "<path> [source]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			p, err := pathArg(cmd)
			if err != nil {
				return err
			}

			var data []byte
			if src := cmd.Args().Get(1); src != "" && src != "-" {
				data, err = os.ReadFile(src) //nolint:gosec // user-provided source file
			} else {
				data, err = io.ReadAll(cmd.Root().Reader)
			}
			if err != nil {
				return fmt.Errorf("read content: %w", err)
			}

			res := &resources{}
			defer func() { _ = res.Close() }()

			local, err := a.openLocal(res)
			if err != nil {
				return err
			}

			md, err := local.Put(ctx, p, data)
			if err != nil {
				return err
			}

			displayMetadata(cmd.Root().Writer, md)
			return nil
		},
	}
}

// getCommand creates the get subcommand.
func (a *application) getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Print a stored file, verifying it against the index",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Write to this file instead of stdout",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			p, err := pathArg(cmd)
			if err != nil {
				return err
			}

			res := &resources{}
			defer func() { _ = res.Close() }()

			local, err := a.openLocal(res)
			if err != nil {
				return err
			}

			file, err := local.Get(ctx, p)
			if err != nil {
				return err
			}

			if out := cmd.String("output"); out != "" {
				perm := file.Metadata.Mode.Perm()
				if perm == 0 {
					perm = outputPerm
				}
				return os.WriteFile(out, file.Data, perm)
			}
			_, err = cmd.Root().Writer.Write(file.Data)
			return err
		},
	}
}

// rmCommand creates the rm subcommand.
func (a *application) rmCommand() *cli.Command {
	return &cli.Command{
		Name:      "rm",
		Usage:     "Remove a stored file and its index entry",
		ArgsUsage: "<path>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			p, err := pathArg(cmd)
			if err != nil {
				return err
			}

			res := &resources{}
			defer func() { _ = res.Close() }()

			local, err := a.openLocal(res)
			if err != nil {
				return err
			}
			return local.Delete(ctx, p)
		},
	}
}

// lsCommand creates the ls subcommand.
func (a *application) lsCommand() *cli.Command {
	return &cli.Command{
		Name:      "ls",
		Usage:     "List indexed files under a prefix",
		ArgsUsage: "[prefix]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "long",
				Aliases: []string{"l"},
				Usage:   "Show size, modification time and hash",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			res := &resources{}
			defer func() { _ = res.Close() }()

			local, err := a.openLocal(res)
			if err != nil {
				return err
			}

			rows, err := local.List(ctx, cmd.Args().Get(0))
			if err != nil {
				return err
			}

			displayList(cmd.Root().Writer, rows, cmd.Bool("long"))
			return nil
		},
	}
}

// statCommand creates the stat subcommand.
func (a *application) statCommand() *cli.Command {
	return &cli.Command{
		Name:      "stat",
		Usage:     "Show the index entry of a file",
		ArgsUsage: "<path>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			p, err := pathArg(cmd)
			if err != nil {
				return err
			}

			res := &resources{}
			defer func() { _ = res.Close() }()

			local, err := a.openLocal(res)
			if err != nil {
				return err
			}

			md, err := local.GetMetadata(ctx, p)
			if err != nil {
				return err
			}

			displayMetadata(cmd.Root().Writer, md)
			return nil
		},
	}
}

// scanCommand creates the scan subcommand.
func (a *application) scanCommand() *cli.Command {
	return &cli.Command{
		Name:  "scan",
		Usage: "Re-index the root from disk",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			res := &resources{}
			defer func() { _ = res.Close() }()

			local, err := a.openLocal(res)
			if err != nil {
				return err
			}

			result, err := local.Scan(ctx)
			if err != nil {
				return err
			}

			displayScanResult(cmd.Root().Writer, result)
			return nil
		},
	}
}

// verifyCommand creates the verify subcommand.
func (a *application) verifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "Check stored files against their indexed hashes",
		ArgsUsage: "[prefix]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			res := &resources{}
			defer func() { _ = res.Close() }()

			local, err := a.openLocal(res)
			if err != nil {
				return err
			}

			result, err := local.Verify(ctx, cmd.Args().Get(0))
			if err != nil {
				return err
			}

			displayVerifyResult(cmd.Root().Writer, result)
			if !result.OK() {
				return fmt.Errorf("%w: %d corrupt, %d missing", apperrors.ErrCorrupted, len(result.Corrupt), len(result.Missing))
			}
			return nil
		},
	}
}

// gcCommand creates the gc subcommand.
func (a *application) gcCommand() *cli.Command {
	return &cli.Command{
		Name:  "gc",
		Usage: "Remove leftover temporary files, and with --orphans files missing from the index",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Only report what would be removed",
			},
			&cli.BoolFlag{
				Name:  "orphans",
				Usage: "Also remove files that are not indexed (run scan first to keep new files)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			res := &resources{}
			defer func() { _ = res.Close() }()

			local, err := a.openLocal(res)
			if err != nil {
				return err
			}

			opts := store.SweepOptions{
				DryRun:  cmd.Bool("dry-run"),
				Orphans: cmd.Bool("orphans"),
			}
			result, err := local.Sweep(ctx, opts)
			if err != nil {
				return err
			}

			displaySweepResult(cmd.Root().Writer, result, opts.DryRun)
			return nil
		},
	}
}

// diffCommand creates the diff subcommand.
func (a *application) diffCommand() *cli.Command {
	return &cli.Command{
		Name:  "diff",
		Usage: "Show what the next sync would do",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Also list unchanged paths",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			res := &resources{}
			defer func() { _ = res.Close() }()

			engine, _, err := a.openEngine(ctx, res, false)
			if err != nil {
				return err
			}

			plan, err := engine.DryRun(ctx)
			if err != nil {
				return err
			}

			displayPlan(cmd.Root().Writer, plan, cmd.Bool("all"))
			return nil
		},
	}
}

// syncCommand creates the sync subcommand.
func (a *application) syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run one sync pass with the remote",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "rescan",
				Usage: "Re-index the root from disk before syncing",
				Value: true,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			res := &resources{}
			defer func() { _ = res.Close() }()

			engine, _, err := a.openEngine(ctx, res, cmd.Bool("rescan"))
			if err != nil {
				return err
			}

			result, err := engine.Run(ctx)
			if result != nil {
				displaySyncResult(cmd.Root().Writer, result)
			}
			return err
		},
	}
}

// watchCommand creates the watch subcommand.
func (a *application) watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Sync continuously: on file changes and every BOX_SYNC_INTERVAL",
		Action: func(ctx context.Context, _ *cli.Command) error {
			res := &resources{}
			defer func() { _ = res.Close() }()

			engine, local, err := a.openEngine(ctx, res, true)
			if err != nil {
				return err
			}

			q := queue.New(
				queue.WithPriority(queue.PatternPriority(a.cfg.Priorities())),
				queue.WithLogger(a.logger),
			)

			worker := watch.NewWorker(engine, q,
				watch.WithSyncDelay(a.cfg.WatchDelay),
				watch.WithSyncInterval(a.cfg.SyncInterval),
				watch.WithWorkerLogger(a.logger),
			)

			watcher, err := watch.NewWatcher(local.Root(), q,
				watch.WithIgnore(local.Ignore()),
				watch.WithNotifier(worker),
				watch.WithWatcherLogger(a.logger),
			)
			if err != nil {
				return err
			}
			res.add(watcher.Close)

			a.logger.InfoContext(ctx, "watching",
				"root", local.Root(),
				"remote", a.cfg.Remote,
				"sync_interval", a.cfg.SyncInterval,
				"metrics_addr", a.cfg.MetricsAddr)

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			tasks := []func(context.Context) error{worker.Start, watcher.Run}
			if a.cfg.MetricsAddr != "" {
				server := watch.NewServer(a.cfg.MetricsAddr, worker, a.registry, a.logger)
				tasks = append(tasks, server.Start)
			}

			errCh := make(chan error, len(tasks))
			for _, task := range tasks {
				go func() { errCh <- task(runCtx) }()
			}

			// The first task to return stops the others.
			var firstErr error
			for range tasks {
				if err := <-errCh; err != nil && firstErr == nil && !errors.Is(err, context.Canceled) {
					firstErr = err
				}
				cancel()
			}
			return firstErr
		},
	}
}
