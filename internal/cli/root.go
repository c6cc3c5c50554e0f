package cli

import (
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/fibers/instrument"
	"github.com/wippyai/fibers/methoddb"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Debug      bool

	// Config is loaded before any subcommand runs.
	Config *Config
}

// NewRootCommand creates the fiberc root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "fiberc",
		Short: "fiberc - fiber instrumentation for fbc units",
		Long: `Rewrite compiled fbc units so that methods calling suspendable code
can be parked and resumed by the fiber runtime.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "load config", err)
			}
			opts.Config = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default ./"+DefaultConfigFile+")")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "debug output")

	cmd.AddCommand(NewInstrumentCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewBrowseCommand(opts))
	cmd.AddCommand(NewAsmCommand(opts))

	return cmd
}

// newLogger builds a console logger on w honoring the verbosity flags.
func (o *RootOptions) newLogger(w io.Writer) *zap.Logger {
	level := zapcore.WarnLevel
	switch {
	case o.Debug:
		level = zapcore.DebugLevel
	case o.Verbose:
		level = zapcore.InfoLevel
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), level)
	return zap.New(core)
}

// wireLoggers routes the library package loggers to l.
func wireLoggers(l *zap.Logger) {
	methoddb.SetLogger(l.Named("methoddb"))
	instrument.SetEngineLogger(l.Named("engine"))
}
