package models

import "fmt"

// ReconcileResult is the terminal status and overall error a finished run
// should persist for a task.
type ReconcileResult struct {
	Status TaskStatus
	Error  string
}

// Reconcile computes the terminal status of a task from its jobs, the stored
// task state, and whether the run observed a cancellation request. It is a
// pure function: the caller decides whether the result differs from what is
// stored and only then writes it back.
//
// Precedence: cancellation first, then a previously recorded fatal error,
// then the per-job tallies. The fallthrough branch covers a loop that exited
// with non-terminal jobs left over; it should not happen, but mapping it to
// an error keeps a task from ever being stuck in a non-terminal status.
func Reconcile(t *Task, cancellationObserved bool) ReconcileResult {
	if cancellationObserved || t.Status == TaskCancelled {
		msg := t.Error
		if msg == "" {
			msg = "task cancelled by request"
		}
		return ReconcileResult{Status: TaskCancelled, Error: msg}
	}

	if t.Status == TaskError {
		msg := t.Error
		if msg == "" {
			msg = "task failed"
		}
		return ReconcileResult{Status: TaskError, Error: msg}
	}

	total := len(t.Jobs)
	completed := 0
	failed := 0
	for i := range t.Jobs {
		switch t.Jobs[i].Status {
		case JobCompleted:
			completed++
		case JobError:
			failed++
		}
	}

	if completed+failed == total {
		switch {
		case failed == 0:
			return ReconcileResult{Status: TaskCompleted, Error: ""}
		case completed == 0:
			msg := t.Error
			if msg == "" {
				msg = "all jobs failed"
			}
			return ReconcileResult{Status: TaskError, Error: msg}
		default:
			msg := t.Error
			if msg == "" {
				msg = fmt.Sprintf("%d of %d jobs failed", failed, total)
			}
			return ReconcileResult{Status: TaskPartiallyCompleted, Error: msg}
		}
	}

	return ReconcileResult{
		Status: TaskError,
		Error:  "run ended before all jobs reached a terminal status",
	}
}
