package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/pacepair/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// skipConfigAnnotation marks commands that must run without a resolved
// config (none today beyond help and completion, which cobra handles).
const skipConfigAnnotation = "skipConfig"

const logFilePermissions = 0o600

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath  string
	flagJSON        bool
	flagVerbose     bool
	flagDebug       bool
	flagQuiet       bool
	flagMetricsAddr string
)

// CLIFlags is a snapshot of the persistent flags taken after parsing.
type CLIFlags struct {
	ConfigPath  string
	JSON        bool
	Verbose     bool
	Debug       bool
	Quiet       bool
	MetricsAddr string
}

// CLIContext carries everything a subcommand needs. It is attached to the
// command context by PersistentPreRunE.
type CLIContext struct {
	Flags  CLIFlags
	Cfg    *config.Resolved
	Logger *slog.Logger

	closeLog func()
}

// Statusf prints a status message to stderr unless quiet mode is set.
func (cc *CLIContext) Statusf(format string, args ...any) {
	statusf(cc.Flags.Quiet, format, args...)
}

type cliContextKey struct{}

func withCLIContext(ctx context.Context, cc *CLIContext) context.Context {
	return context.WithValue(ctx, cliContextKey{}, cc)
}

func cliContextFrom(ctx context.Context) *CLIContext {
	if ctx == nil {
		return nil
	}

	cc, _ := ctx.Value(cliContextKey{}).(*CLIContext)

	return cc
}

// mustCLIContext returns the context installed by PersistentPreRunE. A
// missing context is a wiring bug, not a user error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc := cliContextFrom(ctx)
	if cc == nil {
		panic("pacepair: command context has no CLIContext")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pacepair",
		Short: "Run together, apart",
		Long: `pacepair pairs two devices for a shared virtual run and keeps a local
copy of workout and activity data pulled from the health feed.`,
		Version: version,
		// Silence Cobra's default error/usage printing. main() reports errors.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setupCLIContext(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if cc := cliContextFrom(cmd.Context()); cc != nil && cc.closeLog != nil {
				cc.closeLog()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "show informational logs")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "only log errors")
	cmd.PersistentFlags().StringVar(&flagMetricsAddr, "metrics-addr", "",
		"serve Prometheus metrics on this address (e.g. 127.0.0.1:9464)")
	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newRoutesCmd())
	cmd.AddCommand(newResetAnchorCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newRecoveryCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// setupCLIContext resolves config, builds the logger and attaches both to
// the command context.
func setupCLIContext(cmd *cobra.Command) error {
	flags := CLIFlags{
		ConfigPath:  flagConfigPath,
		JSON:        flagJSON,
		Verbose:     flagVerbose,
		Debug:       flagDebug,
		Quiet:       flagQuiet,
		MetricsAddr: flagMetricsAddr,
	}

	cc := &CLIContext{Flags: flags}

	if cmd.Annotations[skipConfigAnnotation] != "true" {
		resolved, err := loadConfig(cmd, flags)
		if err != nil {
			return err
		}

		cc.Cfg = resolved
	}

	logger, closeLog, err := buildLogger(cc.Cfg, flags)
	if err != nil {
		return err
	}

	cc.Logger = logger
	cc.closeLog = closeLog

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(withCLIContext(ctx, cc))

	return nil
}

// loadConfig resolves the effective configuration from the four-layer
// override chain. Command-local flags that shadow config keys are only
// forwarded when the user set them explicitly.
func loadConfig(cmd *cobra.Command, flags CLIFlags) (*config.Resolved, error) {
	cli := config.CLIOverrides{
		ConfigPath: flags.ConfigPath,
		ListenAddr: changedFlag(cmd, "listen"),
		ConnectURL: changedFlag(cmd, "connect"),
		UserName:   changedFlag(cmd, "name"),
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return resolved, nil
}

// changedFlag returns the value of a flag the user set, or nil.
func changedFlag(cmd *cobra.Command, name string) *string {
	f := cmd.Flags().Lookup(name)
	if f == nil || !f.Changed {
		return nil
	}

	v := f.Value.String()

	return &v
}

// logLevel picks the level: config provides the baseline, CLI flags win.
func logLevel(cfg *config.Resolved, flags CLIFlags) slog.Level {
	level := slog.LevelWarn

	if cfg != nil {
		switch cfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "error":
			level = slog.LevelError
		}
	}

	switch {
	case flags.Debug:
		level = slog.LevelDebug
	case flags.Verbose:
		level = slog.LevelInfo
	case flags.Quiet:
		level = slog.LevelError
	}

	return level
}

// newLogHandler returns a handler for w. "auto" picks text for an
// interactive terminal and JSON otherwise.
func newLogHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	if format == "auto" {
		format = "json"

		if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			format = "text"
		}
	}

	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}

	return slog.NewTextHandler(w, opts)
}

// buildLogger creates the process logger. With log_file set, logs are
// appended there instead of stderr; the returned func closes the file.
func buildLogger(cfg *config.Resolved, flags CLIFlags) (*slog.Logger, func(), error) {
	level := logLevel(cfg, flags)

	format := "auto"
	if cfg != nil && cfg.LogFormat != "" {
		format = cfg.LogFormat
	}

	if cfg == nil || cfg.LogFile == "" {
		return slog.New(newLogHandler(os.Stderr, format, level)), func() {}, nil
	}

	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermissions)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	return slog.New(newLogHandler(f, format, level)), func() { f.Close() }, nil
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
