package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// JobStatus represents the current state of a single capture job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobError      JobStatus = "error"
)

// Terminal reports whether no further transition can happen for this status.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobError
}

// TaskStatus represents the overall state of a submitted capture batch.
type TaskStatus string

const (
	TaskPending            TaskStatus = "pending"
	TaskProcessing         TaskStatus = "processing"
	TaskCancelling         TaskStatus = "cancelling"
	TaskCancelled          TaskStatus = "cancelled"
	TaskCompleted          TaskStatus = "completed"
	TaskPartiallyCompleted TaskStatus = "partially_completed"
	TaskError              TaskStatus = "error"
)

// Terminal reports whether the task has reached a final state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCancelled, TaskCompleted, TaskPartiallyCompleted, TaskError:
		return true
	}
	return false
}

// CaptureMode selects how much of the page a job captures.
type CaptureMode string

const (
	ModeViewport CaptureMode = "viewport"
	ModeFullPage CaptureMode = "full_page"
)

// Valid reports whether the mode is one a job may carry.
func (m CaptureMode) Valid() bool {
	return m == ModeViewport || m == ModeFullPage
}

// Job is one (target, dimension, mode) capture unit within a task.
// Target, Dimension, Mode and WaitMs are fixed at submission; only Status
// and the matching outcome field (Error or ArtifactPath) change afterwards.
type Job struct {
	ID           string      `json:"id"`
	Target       string      `json:"target"`
	Dimension    string      `json:"dimension"`
	Mode         CaptureMode `json:"mode"`
	WaitMs       int         `json:"wait_ms"`
	Status       JobStatus   `json:"status"`
	Error        string      `json:"error,omitempty"`
	ArtifactPath string      `json:"artifact_path,omitempty"`
}

// Task is one submitted batch of capture jobs sharing an output directory.
// The job list is fixed at creation; no jobs are added or removed later.
type Task struct {
	ID        string     `json:"id"`
	Status    TaskStatus `json:"status"`
	Jobs      []Job      `json:"jobs"`
	Error     string     `json:"error,omitempty"`
	OutputDir string     `json:"output_dir"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// jobTransitions is the set of legal job status moves. A job never leaves a
// terminal status, which is what makes re-running a task after a crash safe.
var jobTransitions = map[JobStatus]map[JobStatus]bool{
	JobPending:    {JobProcessing: true},
	JobProcessing: {JobCompleted: true, JobError: true},
	JobCompleted:  {},
	JobError:      {},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to JobStatus) bool {
	next, ok := jobTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// Transition moves the job to the given status or fails without changing it.
func (j *Job) Transition(to JobStatus) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("invalid job status transition %q -> %q (job_id=%s)", j.Status, to, j.ID)
	}
	j.Status = to
	return nil
}

// NewJobID derives a stable job identifier from the fields that make the job
// unique within its task. The same submission replayed after a restart yields
// the same IDs, so a resumed run can match persisted outcomes to jobs.
func NewJobID(taskID, target, dimension string, mode CaptureMode) string {
	sum := sha256.Sum256([]byte(taskID + "|" + target + "|" + dimension + "|" + string(mode)))
	return hex.EncodeToString(sum[:])[:16]
}

// JobByID returns a pointer to the job with the given id, or nil.
func (t *Task) JobByID(id string) *Job {
	for i := range t.Jobs {
		if t.Jobs[i].ID == id {
			return &t.Jobs[i]
		}
	}
	return nil
}

// Clone returns a deep copy so callers can hand the task across goroutine
// boundaries without sharing the jobs slice.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Jobs = make([]Job, len(t.Jobs))
	copy(cp.Jobs, t.Jobs)
	return &cp
}

// ParseDimension parses a "WxH" viewport descriptor such as "800x600".
// Both sides must be positive integers.
func ParseDimension(s string) (width, height int, err error) {
	raw := strings.TrimSpace(strings.ToLower(s))
	parts := strings.Split(raw, "x")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid dimension format %q: want WIDTHxHEIGHT", s)
	}
	width, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || width <= 0 {
		return 0, 0, fmt.Errorf("invalid dimension width in %q", s)
	}
	height, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || height <= 0 {
		return 0, 0, fmt.Errorf("invalid dimension height in %q", s)
	}
	return width, height, nil
}

// FormatDimension renders a parsed dimension back to its canonical "WxH" form.
func FormatDimension(width, height int) string {
	return strconv.Itoa(width) + "x" + strconv.Itoa(height)
}
