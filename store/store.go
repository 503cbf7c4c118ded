// Package store persists task records behind a small key-value contract.
// The task id is the only key; there are no multi-key transactions, so
// callers that mutate a task must re-read it before every decision and
// tolerate read-modify-write races.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/snapgrid/snapgrid/models"
)

// ErrNotFound is returned by Get when no task exists under the given id.
var ErrNotFound = errors.New("task not found")

// TaskStore is the durable mapping from task id to task record.
type TaskStore interface {
	Get(ctx context.Context, id string) (*models.Task, error)
	Set(ctx context.Context, id string, task *models.Task) error
	Delete(ctx context.Context, id string) error
}

// ActiveLister is an optional capability: stores that can enumerate
// non-terminal tasks support the startup resume sweep and the stats
// endpoint. Callers type-assert; the runner itself never needs it.
type ActiveLister interface {
	ListActive(ctx context.Context) ([]string, error)
}

// Config selects and parameterizes the store backend.
type Config struct {
	Driver   string // memory | redis | postgres
	Redis    RedisConfig
	Postgres PostgresConfig
}

// RedisConfig holds connection settings for the redis backend.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// PostgresConfig holds connection settings for the postgres backend.
type PostgresConfig struct {
	DSN string
}

// Open builds the configured store. The returned cleanup func closes any
// underlying connections and is safe to call once.
func Open(ctx context.Context, cfg Config, log *logrus.Logger) (TaskStore, func(), error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), func() {}, nil
	case "redis":
		s, err := NewRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				log.WithError(err).Warn("closing redis store")
			}
		}, nil
	case "postgres":
		s, err := NewPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
