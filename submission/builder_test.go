package submission

import (
	"errors"
	"strings"
	"testing"

	"github.com/snapgrid/snapgrid/models"
)

func TestBuildDedupsTargetsAndDimensions(t *testing.T) {
	b := NewBuilder(0)
	task, err := b.Build(Request{
		Targets:    []string{"https://a.test", "https://a.test", "https://b.test"},
		Dimensions: []string{"800x600", "800X600", " 800x600 "},
		Mode:       "viewport",
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(task.Jobs) != 2 {
		t.Fatalf("got %d jobs, want 2: %+v", len(task.Jobs), task.Jobs)
	}
	if task.Jobs[0].Target != "https://a.test" || task.Jobs[1].Target != "https://b.test" {
		t.Fatalf("first-occurrence order lost: %q, %q", task.Jobs[0].Target, task.Jobs[1].Target)
	}
	for _, j := range task.Jobs {
		if j.Dimension != "800x600" {
			t.Fatalf("dimension not normalized: %q", j.Dimension)
		}
	}
}

func TestBuildModeBoth(t *testing.T) {
	b := NewBuilder(0)
	task, err := b.Build(Request{
		Targets:    []string{"https://a.test", "https://a.test"},
		Dimensions: []string{"800x600", "800x600"},
		Mode:       "both",
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(task.Jobs) != 2 {
		t.Fatalf("got %d jobs, want 2 (one per mode)", len(task.Jobs))
	}
	if task.Jobs[0].Mode != models.ModeViewport || task.Jobs[1].Mode != models.ModeFullPage {
		t.Fatalf("mode order = %q, %q; want viewport then full_page", task.Jobs[0].Mode, task.Jobs[1].Mode)
	}
}

func TestBuildCrossProductOrder(t *testing.T) {
	b := NewBuilder(0)
	task, err := b.Build(Request{
		Targets:    []string{"https://a.test", "https://b.test"},
		Dimensions: []string{"800x600", "1024x768"},
		Mode:       "both",
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(task.Jobs) != 8 {
		t.Fatalf("got %d jobs, want 8 (2 targets x 2 dims x 2 modes)", len(task.Jobs))
	}
	// Target is the outer loop, then dimension, then mode.
	wantKey := []string{
		"https://a.test|800x600|viewport",
		"https://a.test|800x600|full_page",
		"https://a.test|1024x768|viewport",
		"https://a.test|1024x768|full_page",
		"https://b.test|800x600|viewport",
		"https://b.test|800x600|full_page",
		"https://b.test|1024x768|viewport",
		"https://b.test|1024x768|full_page",
	}
	for i, j := range task.Jobs {
		key := j.Target + "|" + j.Dimension + "|" + string(j.Mode)
		if key != wantKey[i] {
			t.Fatalf("job[%d] = %s, want %s", i, key, wantKey[i])
		}
	}
}

func TestBuildJobIDsUniqueAndStatusPending(t *testing.T) {
	b := NewBuilder(0)
	task, err := b.Build(Request{
		Targets:    []string{"https://a.test", "https://b.test"},
		Dimensions: []string{"800x600"},
		Mode:       "both",
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if task.Status != models.TaskPending {
		t.Fatalf("task status = %q, want pending", task.Status)
	}
	if task.ID == "" || task.CreatedAt.IsZero() {
		t.Fatalf("task identity not populated: id=%q createdAt=%v", task.ID, task.CreatedAt)
	}
	seen := map[string]bool{}
	for _, j := range task.Jobs {
		if j.Status != models.JobPending {
			t.Fatalf("job %s status = %q, want pending", j.ID, j.Status)
		}
		if seen[j.ID] {
			t.Fatalf("duplicate job id %s", j.ID)
		}
		seen[j.ID] = true
	}
}

func TestBuildRejectsEmptyInputs(t *testing.T) {
	b := NewBuilder(0)
	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"no targets", Request{Dimensions: []string{"800x600"}}, ErrNoTargets},
		{"whitespace targets", Request{Targets: []string{"  ", ""}, Dimensions: []string{"800x600"}}, ErrNoTargets},
		{"no dimensions", Request{Targets: []string{"https://a.test"}}, ErrNoDimensions},
		{"whitespace dimensions", Request{Targets: []string{"https://a.test"}, Dimensions: []string{" "}}, ErrNoDimensions},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			task, err := b.Build(tc.req)
			if task != nil {
				t.Fatalf("got a task despite invalid input")
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if !errors.Is(err, ErrInvalidSubmission) {
				t.Fatalf("err = %v, want it to wrap ErrInvalidSubmission", err)
			}
		})
	}
}

func TestBuildRejectsMalformedDimension(t *testing.T) {
	b := NewBuilder(0)
	task, err := b.Build(Request{
		Targets:    []string{"https://a.test"},
		Dimensions: []string{"800x600", "800x"},
		Mode:       "viewport",
	})
	if task != nil {
		t.Fatal("got a task despite malformed dimension")
	}
	if !errors.Is(err, ErrInvalidSubmission) {
		t.Fatalf("err = %v, want ErrInvalidSubmission", err)
	}
	if !strings.Contains(err.Error(), "800x") {
		t.Fatalf("err %q does not name the offending dimension", err)
	}
}

func TestBuildRejectsUnknownMode(t *testing.T) {
	b := NewBuilder(0)
	_, err := b.Build(Request{
		Targets:    []string{"https://a.test"},
		Dimensions: []string{"800x600"},
		Mode:       "panorama",
	})
	if !errors.Is(err, ErrInvalidSubmission) || !strings.Contains(err.Error(), "panorama") {
		t.Fatalf("err = %v, want invalid-submission naming the mode", err)
	}
}

func TestBuildClampsWait(t *testing.T) {
	b := NewBuilder(5000)
	task, err := b.Build(Request{
		Targets:    []string{"https://a.test"},
		Dimensions: []string{"800x600"},
		WaitMs:     90000,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if task.Jobs[0].WaitMs != 5000 {
		t.Fatalf("wait = %d, want clamped to 5000", task.Jobs[0].WaitMs)
	}

	task, err = b.Build(Request{
		Targets:    []string{"https://a.test"},
		Dimensions: []string{"800x600"},
		WaitMs:     -10,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if task.Jobs[0].WaitMs != 0 {
		t.Fatalf("wait = %d, want 0 for negative input", task.Jobs[0].WaitMs)
	}
}

func TestBuildDefaultModeIsViewport(t *testing.T) {
	b := NewBuilder(0)
	task, err := b.Build(Request{
		Targets:    []string{"https://a.test"},
		Dimensions: []string{"800x600"},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(task.Jobs) != 1 || task.Jobs[0].Mode != models.ModeViewport {
		t.Fatalf("default mode expansion = %+v, want single viewport job", task.Jobs)
	}
}
