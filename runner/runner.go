// Package runner drives a single task's jobs to completion. The loop is
// strictly sequential within a task; concurrency exists only across tasks
// and against out-of-band cancellation writes to the shared store. The
// store is the source of truth: the runner re-reads the record before
// every decision and treats its own copy as a cache, so a cancellation
// written by another actor is observed at the next job boundary.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/sirupsen/logrus"

	"github.com/snapgrid/snapgrid/capture"
	"github.com/snapgrid/snapgrid/models"
	"github.com/snapgrid/snapgrid/store"
)

// Config holds the runner's own knobs. Capture timeouts belong to the
// backend; the runner imposes no overall task deadline.
type Config struct {
	// WaitCeilingMs re-clamps each job's stored wait at dispatch, so a
	// record written with an oversized wait cannot stall a run.
	WaitCeilingMs int
}

// Runner executes tasks one at a time per Run call. Exactly one Run per
// task id may be active at a time; callers enforce that.
type Runner struct {
	store   store.TaskStore
	backend capture.Backend
	cfg     Config
	log     *logrus.Entry
	notify  func(*models.Task)
}

// New builds a runner over the given store and capture backend.
func New(st store.TaskStore, backend capture.Backend, cfg Config, log *logrus.Entry) *Runner {
	return &Runner{store: st, backend: backend, cfg: cfg, log: log}
}

// SetNotifier registers a callback invoked with a snapshot of the task
// after every persisted change. Used for live progress fan-out.
func (r *Runner) SetNotifier(fn func(*models.Task)) {
	r.notify = fn
}

// Run advances the task with the given id until it reaches a terminal
// status. It is safe to invoke again after a crashed run: jobs already
// terminal are skipped and their outcomes preserved. The returned error
// is non-nil only when the run could not take ownership of the task at
// all (initial load or initial processing write failed); every other
// failure is absorbed into the task record itself.
func (r *Runner) Run(ctx context.Context, taskID string) error {
	log := r.log.WithFields(logrus.Fields{
		"task_id": taskID,
		"run":     gonanoid.Must(8),
	})

	task, err := r.store.Get(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug("no task record, nothing to run")
		return nil
	}
	if err != nil {
		log.WithError(err).Error("initial task load failed")
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	if task.Status.Terminal() {
		log.WithField("status", task.Status).Debug("task already terminal, refusing duplicate run")
		return nil
	}

	cancelObserved := false

	// A cancellation that landed before this run took ownership must not
	// be overwritten by the processing transition.
	if task.Status == models.TaskCancelling {
		log.Info("task was cancelled before the run started")
		cancelObserved = true
		r.finalize(ctx, log, taskID, cancelObserved)
		return nil
	}

	task.Status = models.TaskProcessing
	task.Error = ""
	task.UpdatedAt = time.Now().UTC()
	if err := r.store.Set(ctx, taskID, task); err != nil {
		// Without this write the run has no confirmed ownership, so it
		// must not touch any job.
		log.WithError(err).Error("cannot mark task processing, abandoning run")
		return fmt.Errorf("mark task %s processing: %w", taskID, err)
	}
	r.notifyTask(task)
	log.WithField("jobs", len(task.Jobs)).Info("task run started")

	if fault := r.executeJobs(ctx, log, task, &cancelObserved); fault != "" {
		r.recordFault(ctx, log, taskID, fault)
	}
	r.finalize(ctx, log, taskID, cancelObserved)
	return nil
}

// executeJobs walks the job list in original order. It returns a non-empty
// diagnostic only for catastrophic faults (backend initialization failure
// or a panic escaping a capture); per-job failures are recorded on the
// jobs themselves and never stop the loop.
func (r *Runner) executeJobs(ctx context.Context, log *logrus.Entry, task *models.Task, cancelObserved *bool) (fault string) {
	defer func() {
		if p := recover(); p != nil {
			fault = fmt.Sprintf("job loop panicked: %v", p)
			log.WithField("panic", p).Error("job loop aborted")
		}
	}()

	if w, ok := r.backend.(capture.Warmer); ok {
		if err := w.Warmup(ctx); err != nil {
			return fmt.Sprintf("capture backend initialization failed: %v", err)
		}
	}

	// Membership and order are fixed at submission, so the initial list
	// dictates iteration; per-iteration reloads supply current state.
	order := task.Jobs
	cached := task
	for i := range order {
		cur, vanished := r.reload(ctx, log, cached)
		if vanished {
			log.Warn("task record vanished mid-run, stopping")
			*cancelObserved = true
			return ""
		}
		cached = cur

		if cur.Status == models.TaskCancelling || cur.Status == models.TaskCancelled {
			log.WithField("job_index", i).Info("cancellation observed, no further jobs will start")
			*cancelObserved = true
			return ""
		}

		job := locateJob(cur, i, order[i].ID)
		if job == nil {
			log.WithField("job_id", order[i].ID).Error("job missing from reloaded record, skipping")
			continue
		}
		if job.Status != models.JobPending {
			log.WithFields(logrus.Fields{"job_id": job.ID, "status": job.Status}).
				Debug("job already handled in a previous run, skipping")
			continue
		}

		jlog := log.WithField("job_id", job.ID)
		if err := job.Transition(models.JobProcessing); err != nil {
			jlog.WithError(err).Error("refusing illegal job transition")
			continue
		}
		cur.UpdatedAt = time.Now().UTC()
		// Best effort: losing this write must not lose the capture.
		if err := r.store.Set(ctx, cur.ID, cur); err != nil {
			jlog.WithError(err).Warn("could not persist job processing state, capturing anyway")
		} else {
			r.notifyTask(cur)
		}

		artifact, jobErr := r.attempt(ctx, cur.OutputDir, *job)

		// The capture may have been slow; pick up whatever happened to
		// the record in the meantime before merging the outcome.
		after, vanished := r.reload(ctx, log, cur)
		if vanished {
			jlog.Warn("task record vanished while capture was in flight, stopping")
			*cancelObserved = true
			return ""
		}
		cached = after

		merged := after.JobByID(job.ID)
		switch {
		case merged == nil:
			jlog.Error("job absent from reloaded record, outcome dropped")
			continue
		case merged.Status.Terminal():
			jlog.WithField("status", merged.Status).Debug("job already terminal after reload, keeping stored outcome")
		default:
			// The reloaded copy may have missed the processing write;
			// assigning the outcome directly is the recovery.
			if jobErr != "" {
				merged.Status = models.JobError
				merged.Error = jobErr
				merged.ArtifactPath = ""
				jlog.WithField("reason", jobErr).Info("job failed")
			} else {
				merged.Status = models.JobCompleted
				merged.ArtifactPath = artifact
				merged.Error = ""
				jlog.WithField("artifact", artifact).Info("job completed")
			}
			after.UpdatedAt = time.Now().UTC()
			if err := r.store.Set(ctx, after.ID, after); err != nil {
				jlog.WithError(err).Warn("could not persist job outcome")
			} else {
				r.notifyTask(after)
			}
		}

		if after.Status == models.TaskCancelling || after.Status == models.TaskCancelled {
			jlog.Info("cancellation observed after merging outcome, stopping")
			*cancelObserved = true
			return ""
		}
	}
	return ""
}

// attempt runs one capture and folds any failure into the message that
// belongs on the job record. Backend failures are classified into the
// capture taxonomy; a dimension that no longer parses fails just this job.
func (r *Runner) attempt(ctx context.Context, outDir string, job models.Job) (artifact, errMsg string) {
	width, height, err := models.ParseDimension(job.Dimension)
	if err != nil {
		return "", err.Error()
	}
	req := capture.Request{
		Target:   job.Target,
		Width:    width,
		Height:   height,
		FullPage: job.Mode == models.ModeFullPage,
		Wait:     time.Duration(capture.ClampWaitMs(job.WaitMs, r.cfg.WaitCeilingMs)) * time.Millisecond,
	}
	res, err := r.backend.Capture(ctx, outDir, req)
	if err != nil {
		return "", capture.Classify(err).Error()
	}
	if res == nil || res.ArtifactPath == "" {
		return "", "backend returned no artifact reference"
	}
	return res.ArtifactPath, ""
}

// reload fetches the freshest record. A transient read failure falls back
// to the cached copy so captures keep flowing; a missing record reports
// vanished and the caller stops the run.
func (r *Runner) reload(ctx context.Context, log *logrus.Entry, cached *models.Task) (*models.Task, bool) {
	cur, err := r.store.Get(ctx, cached.ID)
	if err == nil {
		return cur, false
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, true
	}
	log.WithError(err).Warn("task reload failed, proceeding with cached state")
	return cached, false
}

// recordFault forces the task into error with a diagnostic after a
// catastrophic fault. Jobs never dispatched stay pending; the task-level
// error accounts for them.
func (r *Runner) recordFault(ctx context.Context, log *logrus.Entry, taskID, fault string) {
	cur, err := r.store.Get(ctx, taskID)
	if err != nil {
		log.WithError(err).Error("cannot record fault, task not loadable")
		return
	}
	if cur.Status.Terminal() {
		log.WithField("status", cur.Status).Warn("task already terminal, fault not recorded")
		return
	}
	cur.Status = models.TaskError
	cur.Error = fault
	cur.UpdatedAt = time.Now().UTC()
	if err := r.store.Set(ctx, taskID, cur); err != nil {
		log.WithError(err).Error("could not persist fault")
		return
	}
	r.notifyTask(cur)
}

// finalize reconciles the task into its terminal status and persists the
// result only when it differs from what is stored. A failing final write
// is logged and not retried; the startup resume sweep covers that gap.
func (r *Runner) finalize(ctx context.Context, log *logrus.Entry, taskID string, cancelObserved bool) {
	cur, err := r.store.Get(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("task absent at finalization, nothing to update")
		return
	}
	if err != nil {
		log.WithError(err).Error("finalization load failed")
		return
	}

	res := models.Reconcile(cur, cancelObserved)
	if res.Status == cur.Status && res.Error == cur.Error {
		log.WithField("status", cur.Status).Debug("final state already persisted")
		return
	}
	if cur.Status.Terminal() {
		// Terminal records never change again, even when a reconcile
		// under a different flag disagrees.
		log.WithFields(logrus.Fields{"status": cur.Status, "computed": res.Status}).
			Warn("task already terminal, keeping stored state")
		return
	}

	cur.Status = res.Status
	cur.Error = res.Error
	cur.UpdatedAt = time.Now().UTC()
	if err := r.store.Set(ctx, taskID, cur); err != nil {
		log.WithError(err).Error("could not persist final task status")
		return
	}
	r.notifyTask(cur)
	log.WithField("status", res.Status).Info("task finished")
}

func (r *Runner) notifyTask(t *models.Task) {
	if r.notify != nil {
		r.notify(t.Clone())
	}
}

// locateJob prefers the positional lookup and falls back to the id scan
// if the reloaded list was somehow reordered.
func locateJob(t *models.Task, idx int, wantID string) *models.Job {
	if idx < len(t.Jobs) && t.Jobs[idx].ID == wantID {
		return &t.Jobs[idx]
	}
	return t.JobByID(wantID)
}
