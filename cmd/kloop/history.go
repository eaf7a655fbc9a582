package main

import (
	"context"
	"errors"
	"time"

	"github.com/alfredjeanlab/kloop/internal/journal/postgres"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:     "history [run-id]",
	Short:   "List past runs, or the iterations of one run",
	GroupID: "views",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return errors.New("history needs a journal database (set KLOOP_DATABASE_URL)")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		store, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer store.Close()
		out := cmd.OutOrStdout()

		if len(args) == 1 {
			its, err := store.ListIterations(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out, its)
			}
			printIterationTable(out, its)
			return nil
		}

		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := store.ListRuns(ctx, limit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(out, runs)
		}
		printRunTable(out, runs)
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum number of runs to list")
}
