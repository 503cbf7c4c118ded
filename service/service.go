// Package service glues the pieces together: it accepts submissions,
// owns the worker pool that feeds the runner, answers status and cancel
// requests, and builds result bundles. Transport layers stay thin on top
// of it.
package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snapgrid/snapgrid/bundle"
	"github.com/snapgrid/snapgrid/models"
	"github.com/snapgrid/snapgrid/runner"
	"github.com/snapgrid/snapgrid/store"
	"github.com/snapgrid/snapgrid/submission"
)

var (
	// ErrQueueFull rejects a submission when the task queue has no room.
	ErrQueueFull = errors.New("task queue is full")
	// ErrShuttingDown rejects work arriving after shutdown began.
	ErrShuttingDown = errors.New("service is shutting down")
	// ErrBundleNotReady rejects bundle requests for unfinished tasks.
	ErrBundleNotReady = errors.New("bundle not available")
)

// Config sizes the worker pool and places task output.
type Config struct {
	Workers    int    // concurrent task runners; tasks are sequential inside
	QueueSize  int    // buffered task ids awaiting a worker
	OutputRoot string // artifacts land under OutputRoot/<task id>
}

// CancelOutcome reports what a cancel request did. Requested is true only
// when this call flipped the task to cancelling; otherwise Status carries
// the state that made the request a no-op.
type CancelOutcome struct {
	Status    models.TaskStatus
	Requested bool
}

// Stats is a point-in-time picture of the engine.
type Stats struct {
	Queued  int            `json:"queued"`
	Running int            `json:"running"`
	Active  map[string]int `json:"active,omitempty"`
}

// Service orchestrates task intake and execution.
type Service struct {
	store   store.TaskStore
	runner  *runner.Runner
	builder *submission.Builder
	bundler bundle.Bundler
	cfg     Config
	log     *logrus.Entry
	notify  func(*models.Task)

	queue      chan string
	wg         sync.WaitGroup
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inFlight map[string]struct{}
}

// New wires a service. Call Start to launch the workers.
func New(st store.TaskStore, r *runner.Runner, b *submission.Builder, bd bundle.Bundler, cfg Config, log *logrus.Entry) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:      st,
		runner:     r,
		builder:    b,
		bundler:    bd,
		cfg:        cfg,
		log:        log,
		queue:      make(chan string, cfg.QueueSize),
		baseCtx:    ctx,
		baseCancel: cancel,
		inFlight:   make(map[string]struct{}),
	}
}

// SetNotifier registers a callback for every persisted task change,
// including submission and cancellation writes made by the service itself.
func (s *Service) SetNotifier(fn func(*models.Task)) {
	s.notify = fn
	s.runner.SetNotifier(fn)
}

// Start launches the worker pool and re-enqueues tasks a previous process
// left non-terminal. A store that cannot enumerate active tasks just
// skips the sweep.
func (s *Service) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.log.WithField("workers", s.cfg.Workers).Info("task workers started")

	if n, err := s.ResumeActive(ctx); err != nil {
		s.log.WithError(err).Warn("resume sweep failed")
	} else if n > 0 {
		s.log.WithField("tasks", n).Info("re-enqueued unfinished tasks")
	}
}

// Shutdown stops intake and waits up to timeout for in-flight tasks to
// finish. On timeout the run contexts are cancelled, which aborts any
// captures still executing; the startup sweep picks those tasks up next
// boot.
func (s *Service) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.baseCancel()
		s.log.Info("all task workers drained")
		return nil
	case <-time.After(timeout):
		s.baseCancel()
		return fmt.Errorf("shutdown timed out after %s", timeout)
	}
}

// Submit expands the request into a task, persists it, and queues it for
// execution. The task is returned immediately; processing is async.
func (s *Service) Submit(ctx context.Context, req submission.Request) (*models.Task, error) {
	task, err := s.builder.Build(req)
	if err != nil {
		return nil, err
	}
	task.OutputDir = filepath.Join(s.cfg.OutputRoot, task.ID)
	if err := s.store.Set(ctx, task.ID, task); err != nil {
		return nil, fmt.Errorf("persist new task: %w", err)
	}
	if err := s.enqueue(task.ID); err != nil {
		// Keeping an unqueued record would strand a pending task, so the
		// rejection removes it again.
		if derr := s.store.Delete(ctx, task.ID); derr != nil {
			s.log.WithError(derr).WithField("task_id", task.ID).Warn("could not remove rejected task")
		}
		return nil, err
	}
	s.notifyTask(task)
	s.log.WithFields(logrus.Fields{"task_id": task.ID, "jobs": len(task.Jobs)}).Info("task submitted")
	return task, nil
}

// Get returns the current task record.
func (s *Service) Get(ctx context.Context, id string) (*models.Task, error) {
	return s.store.Get(ctx, id)
}

// Cancel requests cooperative cancellation. Pending or processing tasks
// flip to cancelling; the runner honors the flag at its next job
// boundary. Anything else is acknowledged as a no-op with the state that
// made it one.
func (s *Service) Cancel(ctx context.Context, id string) (CancelOutcome, error) {
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return CancelOutcome{}, err
	}
	switch task.Status {
	case models.TaskPending, models.TaskProcessing:
		task.Status = models.TaskCancelling
		task.UpdatedAt = time.Now().UTC()
		if err := s.store.Set(ctx, id, task); err != nil {
			return CancelOutcome{}, fmt.Errorf("persist cancellation: %w", err)
		}
		s.notifyTask(task)
		s.log.WithField("task_id", id).Info("cancellation requested")
		return CancelOutcome{Status: models.TaskCancelling, Requested: true}, nil
	case models.TaskCancelling:
		return CancelOutcome{Status: models.TaskCancelling, Requested: false}, nil
	default:
		return CancelOutcome{Status: task.Status, Requested: false}, nil
	}
}

// BundlePath returns the archive for a finished task, building it on
// first use. Tasks that are not completed or partially completed are
// rejected with ErrBundleNotReady.
func (s *Service) BundlePath(ctx context.Context, id string) (string, error) {
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if task.Status != models.TaskCompleted && task.Status != models.TaskPartiallyCompleted {
		return "", fmt.Errorf("%w: task is %s", ErrBundleNotReady, task.Status)
	}
	return s.bundler.Bundle(ctx, task)
}

// Stats reports queue depth, running tasks, and, when the store can
// enumerate them, stored non-terminal tasks broken down by status.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	running := len(s.inFlight)
	s.mu.Unlock()
	st := Stats{Queued: len(s.queue), Running: running}

	lister, ok := s.store.(store.ActiveLister)
	if !ok {
		return st, nil
	}
	ids, err := lister.ListActive(ctx)
	if err != nil {
		return st, fmt.Errorf("list active tasks: %w", err)
	}
	st.Active = make(map[string]int)
	for _, id := range ids {
		task, err := s.store.Get(ctx, id)
		if err != nil {
			continue // finished or deleted since the listing
		}
		st.Active[string(task.Status)]++
	}
	return st, nil
}

// ActiveTasks returns the stored non-terminal tasks. Stores that cannot
// enumerate tasks yield an empty slice.
func (s *Service) ActiveTasks(ctx context.Context) ([]*models.Task, error) {
	lister, ok := s.store.(store.ActiveLister)
	if !ok {
		return nil, nil
	}
	ids, err := lister.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	tasks := make([]*models.Task, 0, len(ids))
	for _, id := range ids {
		task, err := s.store.Get(ctx, id)
		if err != nil {
			continue // finished or deleted since the listing
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// ResumeActive re-enqueues every stored non-terminal task. Runs that are
// already terminal per job simply fall through the runner's idempotent
// resume, so sweeping is safe to repeat.
func (s *Service) ResumeActive(ctx context.Context) (int, error) {
	lister, ok := s.store.(store.ActiveLister)
	if !ok {
		s.log.Debug("store cannot enumerate active tasks, resume sweep skipped")
		return 0, nil
	}
	ids, err := lister.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active tasks: %w", err)
	}
	n := 0
	for _, id := range ids {
		if err := s.enqueue(id); err != nil {
			s.log.WithError(err).WithField("task_id", id).Warn("could not re-enqueue task")
			continue
		}
		n++
	}
	return n, nil
}

func (s *Service) worker(i int) {
	defer s.wg.Done()
	log := s.log.WithField("worker", i)
	for taskID := range s.queue {
		if !s.claim(taskID) {
			log.WithField("task_id", taskID).Warn("task already running, duplicate enqueue dropped")
			continue
		}
		if err := s.runner.Run(s.baseCtx, taskID); err != nil {
			log.WithError(err).WithField("task_id", taskID).Error("task run aborted before starting")
		}
		s.release(taskID)
	}
}

// claim marks a task as running in this process. Two workers can see the
// same id when a resume sweep races a fresh submission; only one wins.
func (s *Service) claim(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[taskID]; busy {
		return false
	}
	s.inFlight[taskID] = struct{}{}
	return true
}

func (s *Service) release(taskID string) {
	s.mu.Lock()
	delete(s.inFlight, taskID)
	s.mu.Unlock()
}

func (s *Service) enqueue(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShuttingDown
	}
	select {
	case s.queue <- id:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) notifyTask(t *models.Task) {
	if s.notify != nil {
		s.notify(t.Clone())
	}
}
