// Package cmd implements the command-line surface: flag parsing,
// usage text, and exit-code mapping for the acme6502 command.
package cmd

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/siska-tech/acme6502/config"
)

var cfg = config.Default()

var rootCmd = &cobra.Command{
	Use:   "acme6502 sourceFile",
	Short: "A two-pass cross-assembler for the 6502 family",
	Long: `acme6502 reads ACME-syntax 6502/65C02/NMOS-illegal/W65C02S source and
assembles it into a plain, Commodore, Apple II, or Intel HEX memory
image, with an optional VICE-format label file and symbol-table dump.`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(c *cobra.Command, args []string) error {
		cfg.InputPath = args[0]
		return runAssemble(cfg)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&cfg.OutputPath, "output", "o", "", "output image file")
	flags.StringVarP(&cfg.Format, "format", "f", "plain", "container format: plain, cbm, apple, or hex")
	flags.StringVarP(&cfg.ListingPath, "listing", "l", "", "listing file")
	flags.BoolVarP(&cfg.DumpSymbols, "symbols", "s", false, "dump symbol table to stdout")
	flags.StringArrayVarP(&cfg.IncludeDirs, "include", "I", nil, "prepend a directory to the include search path (repeatable)")
	flags.IntVarP(&cfg.Verbosity, "verbosity", "v", 0, "verbosity (0-3)")
	flags.StringVar(&cfg.CPU, "cpu", "6502", "target CPU variant: 6502, 65c02, nmos6502, or w65c02s")
	flags.Int64Var(&cfg.SetPC, "setpc", 0, "initial program counter")
	flags.StringVar(&cfg.ViceLabelsPath, "vicelabels", "", "emit a VICE-format label file")
	flags.IntVar(&cfg.MaxMacroDepth, "max-macro-depth", 0, "override the macro nesting depth limit (0 = default)")
	flags.Int64Var(&cfg.MaxLoopIterations, "max-loop-iterations", 0, "override the loop iteration limit (0 = default)")
	flags.IntVar(&cfg.MaxIncludeDepth, "max-include-depth", 0, "override the include stack depth limit (0 = default)")
}

// Execute runs the root command and returns the process exit code,
// mapping cobra's own usage errors onto exit code 2 and everything
// else onto the codes runAssemble already decided. glog's own flags
// (-v, -logtostderr, ...) live in the standard flag package, separate
// from cobra's pflag-based CLI flags, so they are set directly rather
// than parsed from os.Args a second time; runAssemble raises glog's
// "v" flag to match -v/--verbosity once cobra has parsed it.
func Execute() int {
	flag.Set("logtostderr", "true")

	if err := rootCmd.Execute(); err != nil {
		if code, ok := err.(exitError); ok {
			return int(code)
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	return exitCode
}

var exitCode int

// exitError lets runAssemble hand Execute a specific exit code (1 or
// 3) without cobra printing its own usage banner for an assembly-level
// or internal failure.
type exitError int

func (e exitError) Error() string { return "" }

func bail(code int) error {
	exitCode = code
	return exitError(code)
}
