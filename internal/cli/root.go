// Package cli implements the gitfix command line: the server process and a
// set of operator commands against the same store.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lorenzkrinner/gitfix/internal/config"
)

// ValidFormats are the accepted --format values.
var ValidFormats = []string{"text", "json"}

// RootOptions holds global flags and what PersistentPreRunE derives from
// them.
type RootOptions struct {
	ConfigPath string
	Format     string
	LogLevel   string
	LogFormat  string

	Config *config.Config
	Logger *slog.Logger
}

// NewRootCommand creates the gitfix root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "gitfix",
		Short: "Durable issue triage-and-fix engine",
		Long: `gitfix triages repository issues, works out a fix, opens a pull request
and drafts a comment for the issue. Every run is durable: a restarted
process resumes in-flight issues where they stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "load config", err)
			}
			if opts.LogLevel != "" {
				cfg.Log.Level = opts.LogLevel
			}
			if opts.LogFormat != "" {
				cfg.Log.Format = opts.LogFormat
			}
			if err := cfg.Validate(); err != nil {
				return WrapExitError(ExitCommandError, "invalid config", err)
			}
			opts.Config = cfg
			opts.Logger = NewLogger(cmd.ErrOrStderr(), cfg.Log)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format (text|json)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewTriggerCommand(opts))
	cmd.AddCommand(NewActivityCommand(opts))
	cmd.AddCommand(NewApproveCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

// NewLogger builds the process logger for cfg, writing to w.
func NewLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

func (o *RootOptions) printer(cmd *cobra.Command) *Printer {
	return &Printer{Format: o.Format, Writer: cmd.OutOrStdout()}
}
