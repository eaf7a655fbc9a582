package loop

import (
	"strings"

	"github.com/alfredjeanlab/kloop/internal/model"
)

// baseInstruction is the task-agnostic part of every prompt. The worker owns
// task selection; the context block below is only a hint.
const baseInstruction = `You are working through a shared task graph, one task per session.

1. Check which tasks are ready to work on.
2. Claim exactly one ready task by starting it.
3. Do the work the task describes.
4. Mark the task complete with a short summary of the result.
5. Stop after that one task.

If a task is already in progress from an earlier session, finish or reconcile it before claiming a new one.`

// BuildPrompt returns the worker instruction, with a block describing next
// when it is non-nil.
func BuildPrompt(next *model.TaskDetails) string {
	if next == nil {
		return baseInstruction
	}
	sections := []string{
		baseInstruction,
		"Next ready task:",
		"Task ID: " + next.ID,
		"Name: " + next.Name,
	}
	if strings.TrimSpace(next.Description) != "" {
		sections = append(sections, "Description:\n"+next.Description)
	}
	if len(next.BlockedBy) > 0 {
		sections = append(sections, "Blocked by: "+strings.Join(next.BlockedBy, ", "))
	}
	return strings.Join(sections, "\n\n")
}
