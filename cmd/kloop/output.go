package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alfredjeanlab/kloop/internal/journal"
	"github.com/alfredjeanlab/kloop/internal/model"
	"github.com/alfredjeanlab/kloop/internal/ui"
)

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

// nameWidth is how much of a task name fits on one line of w after the
// columns that precede it.
func nameWidth(w io.Writer, reserved int) int {
	return max(20, ui.Width(w, 80)-reserved)
}

func printStatus(w io.Writer, s *model.StatusSnapshot) {
	width := nameWidth(w, 20)
	fmt.Fprintln(w, "Task Status")
	fmt.Fprintf(w, "  Total:       %d\n", s.Stats.Total)
	fmt.Fprintf(w, "  Pending:     %d\n", s.Stats.Pending)
	fmt.Fprintf(w, "  In Progress: %d\n", s.Stats.InProgress)
	fmt.Fprintf(w, "  Completed:   %d\n", s.Stats.Completed)
	fmt.Fprintf(w, "  Ready:       %d\n", s.Stats.Ready)
	fmt.Fprintf(w, "  Blocked:     %d\n", s.Stats.Blocked)

	section := func(title string, tasks []*model.Task) {
		if len(tasks) == 0 {
			return
		}
		fmt.Fprintf(w, "\n%s:\n", title)
		for _, t := range tasks {
			fmt.Fprintf(w, "  %s  %s\n", t.ID, truncate(t.Name, width))
		}
	}
	section("In progress", s.InProgress)
	section("Ready", s.Ready)
	section("Blocked", s.Blocked)
	section("Recently completed", s.RecentlyCompleted)
}

func printTaskTable(w io.Writer, tasks []*model.Task) {
	width := nameWidth(w, 30)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPRIORITY\tNAME\tBLOCKED BY")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n",
			t.ID,
			t.Priority,
			truncate(t.Name, width),
			strings.Join(t.BlockedBy, ","),
		)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d ready\n", len(tasks))
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func printRunTable(w io.Writer, runs []*journal.Run) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tOUTCOME\tITERATIONS\tMODEL\tSTARTED\tFINISHED")
	for _, r := range runs {
		started := r.StartedAt
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			r.ID,
			r.Outcome,
			r.Iterations,
			r.MaxIterations,
			r.Model,
			formatTime(&started),
			formatTime(r.FinishedAt),
		)
	}
	tw.Flush()
}

func printIterationTable(w io.Writer, its []*journal.Iteration) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tTASK\tEXIT\tCOMPLETED\tOUTCOME\tDURATION")
	for _, it := range its {
		task := it.TaskID
		if task == "" {
			task = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d -> %d\t%s\t%s\n",
			it.Number,
			task,
			it.ExitCode,
			it.CompletedBefore,
			it.CompletedAfter,
			it.Outcome,
			it.FinishedAt.Sub(it.StartedAt).Round(time.Second),
		)
	}
	tw.Flush()
}
