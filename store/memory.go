package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/snapgrid/snapgrid/models"
)

// Memory is the in-process store used by tests and single-node runs.
// Records are held as JSON snapshots rather than live pointers so that a
// caller can never mutate stored state through a retained *Task, and so
// the round-trip behaves like the remote backends.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string][]byte
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{tasks: make(map[string][]byte)}
}

func (m *Memory) Get(ctx context.Context, id string) (*models.Task, error) {
	m.mu.RLock()
	raw, ok := m.tasks[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var t models.Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

func (m *Memory) Set(ctx context.Context, id string, task *models.Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", id, err)
	}
	m.mu.Lock()
	m.tasks[id] = raw
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.tasks, id)
	m.mu.Unlock()
	return nil
}

// ListActive returns ids of tasks not yet in a terminal status, in no
// particular order.
func (m *Memory) ListActive(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, raw := range m.tasks {
		var t models.Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", id, err)
		}
		if !t.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
