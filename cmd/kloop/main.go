package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/alfredjeanlab/kloop/internal/config"
	"github.com/alfredjeanlab/kloop/internal/loop"
	"github.com/alfredjeanlab/kloop/internal/ui"
	"github.com/spf13/cobra"
)

var (
	configPath string
	jsonOutput bool
	noColor    bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "kloop <command>",
	Short:         "Drive a coding agent through a task graph until it is done",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			ui.ForceNoColor()
		} else {
			ui.SetColor(ui.ShouldUseColor())
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default "+config.DefaultPath+")")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddGroup(
		&cobra.Group{ID: "loop", Title: "Loop:"},
		&cobra.Group{ID: "views", Title: "Views:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)

	cobra.EnableCommandSorting = false
	rootCmd.SetHelpFunc(helpFunc())

	// Loop
	rootCmd.AddCommand(runCmd)

	// Views
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(readyCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(historyCmd)

	// System
	rootCmd.AddCommand(configCmd)
}

// loadConfig reads the --config file (or the default location) and the
// environment.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath, configPath != "")
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// exitCode maps a command error to a process exit status.
func exitCode(err error) int {
	var pe *loop.PreconditionError
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 130
	case errors.As(err, &pe):
		return 2
	default:
		return 1
	}
}

func main() {
	err := rootCmd.Execute()
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}
