// Package submission expands a capture request into a task with its
// initial job list. All failures here are input errors: they happen
// before any task exists and never surface as task-level failures.
package submission

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/snapgrid/snapgrid/capture"
	"github.com/snapgrid/snapgrid/models"
)

// ErrInvalidSubmission is the root of every builder error; transport
// layers branch on it with errors.Is to map rejections to client errors.
var ErrInvalidSubmission = errors.New("invalid submission")

var (
	ErrNoTargets    = fmt.Errorf("%w: no valid targets", ErrInvalidSubmission)
	ErrNoDimensions = fmt.Errorf("%w: no valid dimensions", ErrInvalidSubmission)
)

// Request is a raw submission as it arrives from the caller.
type Request struct {
	Targets    []string
	Dimensions []string
	Mode       string // viewport | full_page | both; empty defaults to viewport
	WaitMs     int
}

// Builder turns requests into pending tasks. It holds only the wait
// ceiling; everything else is pure input expansion.
type Builder struct {
	waitCeilingMs int
}

// NewBuilder returns a builder clamping per-job waits to ceilingMs
// (non-positive means the default ceiling).
func NewBuilder(ceilingMs int) *Builder {
	return &Builder{waitCeilingMs: ceilingMs}
}

// Build validates the request and expands targets × dimensions × modes
// into a pending task. Targets and dimensions are deduplicated with
// first-occurrence order preserved; dimensions dedupe on their
// normalized WxH form. A malformed dimension string rejects the whole
// submission; target URLs are not validated here, a bad one fails its
// own job at capture time.
func (b *Builder) Build(req Request) (*models.Task, error) {
	targets := dedupTargets(req.Targets)
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	dims, err := dedupDimensions(req.Dimensions)
	if err != nil {
		return nil, err
	}
	if len(dims) == 0 {
		return nil, ErrNoDimensions
	}
	modes, err := expandMode(req.Mode)
	if err != nil {
		return nil, err
	}
	wait := capture.ClampWaitMs(req.WaitMs, b.waitCeilingMs)

	taskID := uuid.New().String()
	var jobs []models.Job
	for _, target := range targets {
		for _, dim := range dims {
			for _, mode := range modes {
				jobs = append(jobs, models.Job{
					ID:        models.NewJobID(taskID, target, dim, mode),
					Target:    target,
					Dimension: dim,
					Mode:      mode,
					WaitMs:    wait,
					Status:    models.JobPending,
				})
			}
		}
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("%w: expansion produced no jobs", ErrInvalidSubmission)
	}

	now := time.Now().UTC()
	return &models.Task{
		ID:        taskID,
		Status:    models.TaskPending,
		Jobs:      jobs,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// dedupTargets trims, drops empties, and keeps first occurrences.
func dedupTargets(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	var out []string
	for _, t := range raw {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// dedupDimensions parses every entry and dedupes on the normalized WxH
// string, keeping first occurrences. Any malformed entry rejects the
// submission.
func dedupDimensions(raw []string) ([]string, error) {
	seen := make(map[string]struct{}, len(raw))
	var out []string
	for _, d := range raw {
		if strings.TrimSpace(d) == "" {
			continue
		}
		w, h, err := models.ParseDimension(d)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
		}
		norm := models.FormatDimension(w, h)
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	return out, nil
}

// expandMode maps the requested mode to the job modes it emits, with
// viewport before full_page when both are requested.
func expandMode(raw string) ([]models.CaptureMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "viewport":
		return []models.CaptureMode{models.ModeViewport}, nil
	case "full_page", "fullpage":
		return []models.CaptureMode{models.ModeFullPage}, nil
	case "both":
		return []models.CaptureMode{models.ModeViewport, models.ModeFullPage}, nil
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidSubmission, raw)
	}
}
