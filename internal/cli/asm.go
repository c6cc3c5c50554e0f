package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wippyai/fibers/fasm"
)

// AsmOptions holds flags for the asm command.
type AsmOptions struct {
	*RootOptions
	Output string
}

// NewAsmCommand creates the asm command.
func NewAsmCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AsmOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "asm <file.fasm>",
		Short: "Assemble a text listing into an fbc unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsm(opts, args[0], cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file (default: input with .fbc extension)")

	return cmd
}

func runAsm(opts *AsmOptions, path string, out io.Writer) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "read input", err)
	}
	data, err := fasm.Compile(string(src))
	if err != nil {
		return WrapExitError(ExitFailure, "assemble "+path, err)
	}
	dst := opts.Output
	if dst == "" {
		dst = strings.TrimSuffix(path, filepath.Ext(path)) + ".fbc"
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return WrapExitError(ExitCommandError, "write output", err)
	}
	if opts.Verbose {
		fmt.Fprintf(out, "%s: %d bytes\n", dst, len(data))
	}
	return nil
}
