package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"lyricsync/internal/app"
	"lyricsync/internal/config"

	"github.com/spf13/cobra"
)

func main() {
	var cfg *config.Config

	root := &cobra.Command{
		Use:           "lyricsync",
		Short:         "Synchronized lyrics for the current MPRIS player",
		Version:       appVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg = config.Load()
			level, _ := cmd.Flags().GetString("log-level")
			if level == "" {
				level = cfg.App.LogLevel
			}
			app.SetupLogging(level)
		},
	}
	root.PersistentFlags().String("log-level", "", "Override app.log_level (debug, info, warn, error).")

	cfgFn := func() *config.Config { return cfg }
	root.AddCommand(
		runCmd(cfgFn),
		parseCmd(),
		fetchCmd(cfgFn),
		offsetCmd(cfgFn),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func appVersion() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi.Main.Version == "" {
		return "unknown"
	}
	return bi.Main.Version
}
