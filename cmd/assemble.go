package cmd

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang/glog"

	"github.com/siska-tech/acme6502/asm"
	"github.com/siska-tech/acme6502/config"
	"github.com/siska-tech/acme6502/output"
)

// runAssemble drives one end-to-end invocation: validate the config,
// assemble the named source file, print diagnostics, and write
// whichever output containers were requested.
func runAssemble(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return bail(2)
	}
	flag.Set("v", strconv.Itoa(cfg.Verbosity))

	opts := asm.Options{
		Origin:            cfg.SetPC,
		CPU:               cfg.CPU,
		InitMem:           cfg.InitMem,
		IncludeDirs:       cfg.IncludeDirs,
		MaxMacroDepth:     cfg.MaxMacroDepth,
		MaxLoopIterations: cfg.MaxLoopIterations,
		MaxIncludeDepth:   cfg.MaxIncludeDepth,
	}

	glog.V(1).Infof("assembling %s (cpu=%s, origin=$%x)", cfg.InputPath, opts.CPU, opts.Origin)
	result, err := asm.AssembleFile(cfg.InputPath, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return bail(3)
	}

	for _, d := range result.Diags.All() {
		fmt.Fprintln(os.Stderr, d.Format())
	}

	outputPath, outputFormat := cfg.OutputPath, cfg.Format
	if toPath, toFormat := result.ToPath(); outputPath == "" && toPath != "" {
		outputPath = toPath
		if toFormat != "" {
			outputFormat = toFormat
		}
	}

	if !result.Diags.HasErrors() && outputPath != "" {
		format, err := output.ParseFormat(outputFormat)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return bail(2)
		}
		if err := writeOutputFile(outputPath, func(w *os.File) error {
			_, err := output.WriteImage(w, result, format)
			return err
		}); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return bail(3)
		}
		glog.V(1).Infof("wrote %s image to %s", format, outputPath)
		if glog.V(2) {
			lo, hi, any := result.Bounds()
			if any {
				loFile, loLine := result.Map.Search(int(lo))
				hiFile, hiLine := result.Map.Search(int(hi))
				glog.V(2).Infof("image bounds $%04x (%s:%d) - $%04x (%s:%d)", lo, loFile, loLine, hi, hiFile, hiLine)
			}
		}
	}

	if cfg.ListingPath != "" {
		if err := writeOutputFile(cfg.ListingPath, func(w *os.File) error {
			_, err := result.Map.WriteTo(w)
			return err
		}); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return bail(3)
		}
	}

	if cfg.ViceLabelsPath != "" {
		if err := writeOutputFile(cfg.ViceLabelsPath, func(w *os.File) error {
			_, err := output.WriteViceLabels(w, result)
			return err
		}); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return bail(3)
		}
	}

	if cfg.DumpSymbols {
		if _, err := output.WriteSymbols(os.Stdout, result); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return bail(3)
		}
	}

	if result.Diags.HasErrors() {
		return bail(1)
	}
	return nil
}

func writeOutputFile(path string, write func(*os.File) error) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	return write(f)
}
