package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mediaforge/jobs-api/internal/domain"
)

const createJobsTable = `
	CREATE TABLE IF NOT EXISTS media_jobs (
		seq           BIGSERIAL,
		id            TEXT PRIMARY KEY,
		kind          TEXT NOT NULL,
		inputs        TEXT[] NOT NULL,
		output        TEXT NOT NULL,
		options       JSONB NOT NULL DEFAULT '{}'::jsonb,
		status        TEXT NOT NULL,
		progress      INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL,
		ended_at      TIMESTAMPTZ
	)
`

const selectJobColumns = `id, kind, inputs, output, options, status, progress, error_message, created_at, ended_at`

type PostgresJobsRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresJobsRepository(ctx context.Context, databaseURL string) (*PostgresJobsRepository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	if _, err := pool.Exec(ctx, createJobsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure media_jobs table: %w", err)
	}
	return &PostgresJobsRepository{pool: pool}, nil
}

func (r *PostgresJobsRepository) Close() {
	r.pool.Close()
}

func (r *PostgresJobsRepository) CreateJob(ctx context.Context, job *domain.Job) error {
	options, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("encode job options: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO media_jobs (
			id,
			kind,
			inputs,
			output,
			options,
			status,
			progress,
			error_message,
			created_at,
			ended_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		job.ID,
		string(job.Kind),
		job.Inputs,
		job.Output,
		options,
		string(job.Status),
		job.Progress,
		job.Error,
		job.CreatedAt,
		job.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *PostgresJobsRepository) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+selectJobColumns+` FROM media_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

// UpdateJob locks the row for the duration of the mutation so concurrent
// writers to the same job are serialized by the database.
func (r *PostgresJobsRepository) UpdateJob(ctx context.Context, jobID string, mutate JobMutation) (*domain.Job, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+selectJobColumns+` FROM media_jobs WHERE id = $1 FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock job: %w", err)
	}

	if err := mutate(job); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE media_jobs
		SET status = $2,
			progress = $3,
			error_message = $4,
			ended_at = $5
		WHERE id = $1
	`, job.ID, string(job.Status), job.Progress, job.Error, job.EndedAt)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return job, nil
}

func (r *PostgresJobsRepository) ListJobs(ctx context.Context) ([]*domain.Job, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+selectJobColumns+` FROM media_jobs ORDER BY created_at ASC, seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	items := make([]*domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		items = append(items, job)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate jobs: %w", rows.Err())
	}
	return items, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job       domain.Job
		kind      string
		status    string
		options   []byte
		createdAt time.Time
		endedAt   *time.Time
	)
	err := row.Scan(
		&job.ID,
		&kind,
		&job.Inputs,
		&job.Output,
		&options,
		&status,
		&job.Progress,
		&job.Error,
		&createdAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(options) > 0 {
		if err := json.Unmarshal(options, &job.Options); err != nil {
			return nil, fmt.Errorf("decode job options: %w", err)
		}
	}
	job.Kind = domain.JobKind(kind)
	job.Status = domain.JobStatus(status)
	job.CreatedAt = createdAt
	job.EndedAt = endedAt
	return &job, nil
}
