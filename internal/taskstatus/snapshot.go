package taskstatus

import (
	"sort"
	"time"

	"github.com/alfredjeanlab/kloop/internal/model"
)

// recentlyCompletedLimit caps the recently-completed list in a snapshot.
const recentlyCompletedLimit = 5

// BuildSnapshot computes a status snapshot from the full task list. The
// input order is the tie-breaker for ready ordering.
func BuildSnapshot(tasks []*model.Task) *model.StatusSnapshot {
	completed := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		completed[t.ID] = t.Completed
	}
	isComplete := func(id string) bool { return completed[id] }

	snap := &model.StatusSnapshot{
		InProgress:        []*model.Task{},
		Ready:             []*model.Task{},
		Blocked:           []*model.Task{},
		RecentlyCompleted: []*model.Task{},
	}
	var done []*model.Task
	for _, t := range tasks {
		snap.Stats.Total++
		switch t.State() {
		case model.StateComplete:
			snap.Stats.Completed++
			done = append(done, t)
		case model.StateInProgress:
			snap.Stats.InProgress++
			snap.InProgress = append(snap.InProgress, t)
		default:
			snap.Stats.Pending++
			if t.IsReady(isComplete) {
				snap.Ready = append(snap.Ready, t)
			} else {
				snap.Blocked = append(snap.Blocked, t)
			}
		}
	}
	sortReady(snap.Ready)
	snap.Stats.Ready = len(snap.Ready)
	snap.Stats.Blocked = len(snap.Blocked)

	sort.SliceStable(done, func(i, j int) bool {
		return completedAt(done[i]).After(completedAt(done[j]))
	})
	if len(done) > recentlyCompletedLimit {
		done = done[:recentlyCompletedLimit]
	}
	snap.RecentlyCompleted = append(snap.RecentlyCompleted, done...)
	return snap
}

// ReadyTasks returns the ready subset of tasks, ordered by priority and then
// by input order.
func ReadyTasks(tasks []*model.Task) []*model.Task {
	return BuildSnapshot(tasks).Ready
}

// OpenBlockers returns the ids in t.BlockedBy that isComplete rejects.
func OpenBlockers(t *model.Task, isComplete func(id string) bool) []string {
	var open []string
	for _, id := range t.BlockedBy {
		if !isComplete(id) {
			open = append(open, id)
		}
	}
	return open
}

func sortReady(tasks []*model.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Priority < tasks[j].Priority
	})
}

func completedAt(t *model.Task) time.Time {
	if t.CompletedAt != nil {
		return *t.CompletedAt
	}
	return t.UpdatedAt
}
