package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/snapgrid/snapgrid/models"
)

// Postgres keeps one row per task with the full record as JSONB. The
// status column is duplicated out of the document so the active-task
// sweep is a plain indexed filter instead of a JSON path query.
type Postgres struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS tasks_status_idx ON tasks (status);
`

// NewPostgres connects a pool and ensures the schema exists.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*models.Task, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT data FROM tasks WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %s: %w", id, err)
	}
	var t models.Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

func (p *Postgres) Set(ctx context.Context, id string, task *models.Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", id, err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO tasks (id, status, data, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, data = EXCLUDED.data, updated_at = now()`,
		id, string(task.Status), raw)
	if err != nil {
		return fmt.Errorf("postgres set %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres delete %s: %w", id, err)
	}
	return nil
}

// ListActive returns ids of tasks whose stored status is non-terminal.
func (p *Postgres) ListActive(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id FROM tasks WHERE status NOT IN ($1, $2, $3, $4)`,
		string(models.TaskCompleted), string(models.TaskPartiallyCompleted),
		string(models.TaskError), string(models.TaskCancelled))
	if err != nil {
		return nil, fmt.Errorf("postgres list active: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres rows: %w", err)
	}
	return ids, nil
}

// Close drains the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
