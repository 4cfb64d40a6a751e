// Package postgres provides the PostgreSQL implementation of the job queue
// repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velotype/keypulse/internal/domain"
	"github.com/velotype/keypulse/internal/jobs"
)

// Repository implements jobs.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL job repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const jobColumns = `id, user_id, type, send_at, status, attempt_count, last_error, meta, created_at, updated_at`

// CreateJobs inserts pending jobs in bulk.
func (r *Repository) CreateJobs(ctx context.Context, list []*domain.Job) error {
	if len(list) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, job := range list {
		batch.Queue(`
			INSERT INTO notification_jobs (id, user_id, type, send_at, status, attempt_count, meta)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, job.ID, job.UserID, job.Type, job.SendAt, domain.JobStatusPending, job.AttemptCount, job.Meta)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for range list {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("create jobs: %w", err)
		}
	}
	return nil
}

// ClaimDueJobs atomically claims up to limit due pending jobs. The claim is
// one conditional update: SKIP LOCKED keeps concurrent claimers from ever
// selecting the same rows.
func (r *Repository) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	query := `
		UPDATE notification_jobs
		SET status = $1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM notification_jobs
			WHERE status = $2 AND send_at <= $3
			ORDER BY send_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	rows, err := r.db.Query(ctx, query, domain.JobStatusClaimed, domain.JobStatusPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// MarkCompleted transitions a claimed job to completed.
func (r *Repository) MarkCompleted(ctx context.Context, id string) error {
	query := `
		UPDATE notification_jobs
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`
	result, err := r.db.Exec(ctx, query, id, domain.JobStatusCompleted, domain.JobStatusClaimed)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return jobs.ErrJobNotFound
	}
	return nil
}

// MarkFailed transitions a non-terminal job to failed. Terminal rows are
// never rewritten.
func (r *Repository) MarkFailed(ctx context.Context, id, reason string) error {
	query := `
		UPDATE notification_jobs
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($4, $5)
	`
	result, err := r.db.Exec(ctx, query, id, domain.JobStatusFailed, reason,
		domain.JobStatusCompleted, domain.JobStatusFailed)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return jobs.ErrJobNotFound
	}
	return nil
}

// Reschedule returns a claimed job to pending at a later instant.
func (r *Repository) Reschedule(ctx context.Context, id string, nextAt time.Time, attemptCount int) error {
	query := `
		UPDATE notification_jobs
		SET status = $2, send_at = $3, attempt_count = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`
	result, err := r.db.Exec(ctx, query, id, domain.JobStatusPending, nextAt, attemptCount, domain.JobStatusClaimed)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return jobs.ErrJobNotFound
	}
	return nil
}

// FindPending returns the user's pending job of the given type.
func (r *Repository) FindPending(ctx context.Context, userID string, t domain.NotificationType) (*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM notification_jobs
		WHERE user_id = $1 AND type = $2 AND status = $3
		ORDER BY send_at
		LIMIT 1
	`
	row := r.db.QueryRow(ctx, query, userID, t, domain.JobStatusPending)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, jobs.ErrJobNotFound
		}
		return nil, fmt.Errorf("find pending job: %w", err)
	}
	return job, nil
}

// DeletePending removes the user's pending jobs of the given type.
func (r *Repository) DeletePending(ctx context.Context, userID string, t domain.NotificationType) (int64, error) {
	query := `DELETE FROM notification_jobs WHERE user_id = $1 AND type = $2 AND status = $3`
	result, err := r.db.Exec(ctx, query, userID, t, domain.JobStatusPending)
	if err != nil {
		return 0, fmt.Errorf("delete pending jobs: %w", err)
	}
	return result.RowsAffected(), nil
}

// CleanupOldJobs removes terminal jobs past the retention horizon.
func (r *Repository) CleanupOldJobs(ctx context.Context, retentionDays int) (int64, error) {
	query := `
		DELETE FROM notification_jobs
		WHERE status IN ($1, $2) AND updated_at < NOW() - make_interval(days => $3)
	`
	result, err := r.db.Exec(ctx, query, domain.JobStatusCompleted, domain.JobStatusFailed, retentionDays)
	if err != nil {
		return 0, fmt.Errorf("cleanup old jobs: %w", err)
	}
	return result.RowsAffected(), nil
}

// Stats returns queue depth by status.
func (r *Repository) Stats(ctx context.Context) (*jobs.QueueStats, error) {
	query := `SELECT status, COUNT(*) FROM notification_jobs GROUP BY status`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := &jobs.QueueStats{}
	for rows.Next() {
		var status domain.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		switch status {
		case domain.JobStatusPending:
			stats.Pending = count
		case domain.JobStatusClaimed:
			stats.Claimed = count
		case domain.JobStatusCompleted:
			stats.Completed = count
		case domain.JobStatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

func scanJobs(rows pgx.Rows) ([]*domain.Job, error) {
	list := make([]*domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		list = append(list, job)
	}
	return list, rows.Err()
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	var lastError *string
	err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.Type,
		&job.SendAt,
		&job.Status,
		&job.AttemptCount,
		&lastError,
		&job.Meta,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastError != nil {
		job.LastError = *lastError
	}
	job.SendAt = job.SendAt.UTC()
	return &job, nil
}
