package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/wippyai/fibers/classfile"
	"github.com/wippyai/fibers/methoddb"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	ResumeTable string
	NoCode      bool
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect <file.fbc>",
		Short: "Disassemble a unit and list its call sites",
		Long: `Disassemble an fbc unit and print the call-site table of every
instrumented method. A resume table written next to the unit by
'fiberc instrument' is decoded and printed as well.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, args[0], cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.ResumeTable, "resume-table", "", "resume table to decode (default: next to the unit)")
	cmd.Flags().BoolVar(&opts.NoCode, "no-code", false, "omit the disassembly")

	return cmd
}

func runInspect(opts *InspectOptions, path string, out io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "read input", err)
	}
	c, err := classfile.Decode(data)
	if err != nil {
		return WrapExitError(ExitCommandError, "decode "+path, err)
	}

	p := newPainter(out)
	fmt.Fprintln(out, p.paint(titleStyle, c.Name))
	fmt.Fprintf(out, "%d bytes, %d methods\n", len(data), len(c.Methods))

	if !opts.NoCode {
		fmt.Fprintln(out)
		if err := classfile.Disassemble(out, c); err != nil {
			return WrapExitError(ExitCommandError, "write disassembly", err)
		}
	}

	fmt.Fprintln(out)
	writeCallSites(out, p, c)

	tablePath := opts.ResumeTable
	explicit := tablePath != ""
	if !explicit {
		tablePath = resumeTablePath(path)
	}
	raw, err := os.ReadFile(tablePath)
	switch {
	case err == nil:
		t, err := methoddb.DecodeResumeTable(raw)
		if err != nil {
			return WrapExitError(ExitCommandError, "decode resume table", err)
		}
		fmt.Fprintln(out)
		writeResumeTable(out, p, t)
	case explicit || !os.IsNotExist(err):
		return WrapExitError(ExitCommandError, "read resume table", err)
	}
	return nil
}

func writeCallSites(out io.Writer, p painter, c *classfile.Class) {
	n := 0
	for _, m := range c.Methods {
		if m.Instrumented == nil {
			continue
		}
		n++
		mode := "load-time"
		if m.Instrumented.AOT {
			mode = "aot"
		}
		fmt.Fprintf(out, "%s (%s)\n", p.paint(methodStyle, m.Signature()), mode)
		for i, s := range m.Instrumented.Sites {
			fmt.Fprintf(out, "  %3d  %-6d -> %-6d %s\n", i, s.Pre, s.Post, p.paint(targetStyle, s.Target.String()))
		}
	}
	if n == 0 {
		fmt.Fprintln(out, p.paint(helpStyle, "no instrumented methods"))
	}
}

func writeResumeTable(out io.Writer, p painter, t *methoddb.ResumeTable) {
	fmt.Fprintf(out, "%s context %q\n", p.paint(titleStyle, "resume table"), t.Context)
	for _, m := range t.Methods {
		fmt.Fprintf(out, "%s.%s\n", m.Class, p.paint(methodStyle, m.Method))
		for i, s := range m.Sites {
			fmt.Fprintf(out, "  state %-3d %-6d -> %-6d %s\n", i+1, s.Original, s.Final, p.paint(targetStyle, s.Target))
		}
	}
}
