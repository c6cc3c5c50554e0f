package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wippyai/fibers/classfile"
	"github.com/wippyai/fibers/classifier"
	"github.com/wippyai/fibers/instrument"
	"github.com/wippyai/fibers/methoddb"
	"github.com/wippyai/fibers/store"
)

// InstrumentOptions holds flags for the instrument command.
type InstrumentOptions struct {
	*RootOptions
	Output  string
	Context string
	AOT     bool
	Check   bool
	NoTable bool
}

// unit is one input file.
type unit struct {
	path  string
	data  []byte
	class *classfile.Class
}

// NewInstrumentCommand creates the instrument command.
func NewInstrumentCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InstrumentOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "instrument <in.fbc>...",
		Short: "Instrument compiled units",
		Long: `Instrument fbc units and write them to the output directory.

Every input shares one loading context. With --aot the suspendable set is
closed over the call graph of all inputs first, so callers of suspendable
methods are instrumented in the same run. Units that cannot be instrumented
and have no suspendable calls are reported and not written.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstrument(cmd.Context(), opts, args, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output directory (required)")
	cmd.Flags().StringVar(&opts.Context, "context", "app", "loading context name")
	cmd.Flags().BoolVar(&opts.AOT, "aot", false, "ahead-of-time mode")
	cmd.Flags().BoolVar(&opts.Check, "check", false, "verify every rewritten unit")
	cmd.Flags().BoolVar(&opts.NoTable, "no-resume-table", false, "do not write .resume.cbor files")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}

func readUnits(paths []string) ([]unit, error) {
	units := make([]unit, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "read input", err)
		}
		c, err := classfile.Decode(data)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "decode "+p, err)
		}
		units = append(units, unit{path: p, data: data, class: c})
	}
	return units, nil
}

func runInstrument(ctx context.Context, opts *InstrumentOptions, paths []string, out, errOut io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = &Config{Dir: "."}
	}
	units, err := readUnits(paths)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(opts.Output, 0o755); err != nil {
		return WrapExitError(ExitCommandError, "create output directory", err)
	}

	logger := opts.newLogger(errOut)
	defer logger.Sync()
	wireLoggers(logger)

	var st *store.Store
	if p := cfg.StorePath(); p != "" {
		if st, err = store.Open(p); err != nil {
			return WrapExitError(ExitCommandError, "open store", err)
		}
		defer st.Close()
	}

	base, err := cfg.BuildClassifier(ctx, st)
	if err != nil {
		return WrapExitError(ExitCommandError, "load classifier lists", err)
	}

	icfg := cfg.InstrumentConfig()
	env := instrument.ConfigFromEnv()
	if env.DumpPrefix != "" {
		icfg.DumpPrefix = env.DumpPrefix
	}
	if env.Snapshotter != nil {
		icfg.Snapshotter = env.Snapshotter
	}
	icfg.AllowPlatform = icfg.AllowPlatform || env.AllowPlatform
	icfg.AOT = icfg.AOT || opts.AOT
	icfg.Check = icfg.Check || opts.Check
	icfg.Verbose = opts.Verbose
	icfg.Debug = opts.Debug
	icfg.Log = instrument.NewZapLog(logger)
	icfg.Classifier = base
	if icfg.AOT {
		classes := make([]*classfile.Class, len(units))
		for i, u := range units {
			classes[i] = u.class
		}
		tr, err := classifier.NewTransitive(classes, base)
		if err != nil {
			return WrapExitError(ExitCommandError, "build call graph", err)
		}
		icfg.Classifier = tr
	}

	inst := instrument.New(icfg)
	lc := methoddb.NewLoadingContext(opts.Context, nil)
	defer runtime.KeepAlive(lc)

	p := newPainter(out)
	var failed int
	for _, u := range units {
		name := u.class.Name
		res, err := inst.Instrument(lc, name, u.data)
		if err != nil {
			failed++
			fmt.Fprintf(out, "%s %s: %v\n", p.paint(errorStyle, "FAIL"), name, err)
			continue
		}

		dst := filepath.Join(opts.Output, filepath.Base(u.path))
		switch res.Outcome {
		case instrument.Skipped:
			fmt.Fprintf(out, "%s %s: not installed\n", p.paint(errorStyle, "SKIP"), name)
			continue
		case instrument.Unchanged:
			fmt.Fprintf(out, "%s %s\n", p.paint(helpStyle, "KEEP"), name)
		case instrument.Transformed:
			fmt.Fprintf(out, "%s %s: %d methods, %d call sites\n",
				p.paint(okStyle, "DONE"), name, res.Methods, res.Sites)
		}
		if err := os.WriteFile(dst, res.Data, 0o644); err != nil {
			return WrapExitError(ExitCommandError, "write output", err)
		}
		if res.Outcome == instrument.Transformed && !opts.NoTable {
			table, err := inst.Database(lc).ExportResumeTable(name)
			if err != nil {
				return WrapExitError(ExitFailure, "export resume table", err)
			}
			if err := os.WriteFile(resumeTablePath(dst), table, 0o644); err != nil {
				return WrapExitError(ExitCommandError, "write resume table", err)
			}
		}
	}

	if st != nil {
		mode := store.ModeLoadTime
		if icfg.AOT {
			mode = store.ModeAOT
		}
		build, err := st.BeginBuild(ctx, mode, opts.Context)
		if err != nil {
			return WrapExitError(ExitCommandError, "record build", err)
		}
		if err := st.RecordDatabase(ctx, build.ID, inst.Database(lc)); err != nil {
			return WrapExitError(ExitCommandError, "record build", err)
		}
		fmt.Fprintf(out, "build %s recorded\n", build.ID)
	}

	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d units failed", failed, len(units)))
	}
	return nil
}

// resumeTablePath returns the resume table path next to a unit.
func resumeTablePath(unitPath string) string {
	return strings.TrimSuffix(unitPath, filepath.Ext(unitPath)) + ".resume.cbor"
}
