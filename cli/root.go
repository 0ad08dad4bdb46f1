package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/elfloader"
)

var (
	callExport  string
	searchPaths []string
	noSystem    bool
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:          "elfloader <shared library>",
	Short:        "Load an ELF shared library without the system dynamic linker",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger(verbose)

		opts := []elfloader.Option{
			elfloader.WithLogger(logger),
			elfloader.WithSearchPaths(searchPaths...),
		}
		if noSystem {
			opts = append(opts, elfloader.WithoutSystemFallback())
		}
		ns := elfloader.NewNamespace(opts...)

		library, err := ns.LoadFile(args[0])
		if err != nil {
			return err
		}
		defer func() {
			if err := library.Close(); err != nil {
				level.Error(logger).Log("msg", "close library", "err", err)
			}
		}()

		level.Info(logger).Log("msg", "library loaded", "path", args[0], "deps", len(library.Dependencies()))

		out := cmd.OutOrStdout()
		start, size := library.MappedRange()
		fmt.Fprintf(out, "mapped  %#x (%s)\n", start, humanize.IBytes(uint64(size)))
		if entry := library.Entry(); entry != 0 {
			fmt.Fprintf(out, "entry   %#x\n", entry)
		}
		for _, dep := range library.Dependencies() {
			fmt.Fprintf(out, "needed  %s\n", dep)
		}

		if callExport != "" {
			if err := library.CallExport(callExport); err != nil {
				return err
			}
		}
		fmt.Fprintln(out, "ok")
		return nil
	},
}

func newLogger(verbose bool) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	if verbose {
		return level.NewFilter(logger, level.AllowDebug())
	}
	return level.NewFilter(logger, level.AllowInfo())
}

func init() {
	rootCmd.Flags().StringVar(&callExport, "call-export", "", "Exported function to call after loading")
	rootCmd.Flags().StringSliceVarP(&searchPaths, "search-path", "L", nil, "Directory to search for dependencies")
	rootCmd.Flags().BoolVar(&noSystem, "no-system", false, "Do not fall back to the system dynamic linker for dependencies")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log each loading stage")
}
