// Package jobs implements the persistent notification job queue: the
// repository contract, the ticking dispatcher and the recurring-job
// generator.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/velotype/keypulse/internal/domain"
)

// Repository errors.
var (
	ErrJobNotFound = errors.New("job not found")
)

// Repository defines the interface for job queue data access.
//
// ClaimDueJobs must be a single atomic conditional update at the storage
// layer: a job handed to one caller is not claimable by another. All other
// guarantees of the engine build on this one.
type Repository interface {
	// CreateJobs inserts pending jobs in bulk.
	CreateJobs(ctx context.Context, jobs []*domain.Job) error

	// ClaimDueJobs atomically marks up to limit due pending jobs as claimed
	// and returns them.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error)

	// MarkCompleted transitions a claimed job to its terminal completed state.
	MarkCompleted(ctx context.Context, id string) error

	// MarkFailed transitions a job to its terminal failed state.
	MarkFailed(ctx context.Context, id, reason string) error

	// Reschedule returns a claimed job to pending at a later instant with an
	// updated attempt count.
	Reschedule(ctx context.Context, id string, nextAt time.Time, attemptCount int) error

	// FindPending returns the user's pending job of the given type, or
	// ErrJobNotFound.
	FindPending(ctx context.Context, userID string, t domain.NotificationType) (*domain.Job, error)

	// DeletePending removes the user's pending jobs of the given type.
	// Terminal jobs are never touched.
	DeletePending(ctx context.Context, userID string, t domain.NotificationType) (int64, error)

	// CleanupOldJobs removes terminal jobs older than the retention horizon
	// and returns how many were removed.
	CleanupOldJobs(ctx context.Context, retentionDays int) (int64, error)

	// Stats returns queue depth by status.
	Stats(ctx context.Context) (*QueueStats, error)
}

// QueueStats holds queue depth by status.
type QueueStats struct {
	Pending   int
	Claimed   int
	Completed int
	Failed    int
}

// NewJob builds a pending job for the given user, type and UTC send instant.
func NewJob(userID string, t domain.NotificationType, sendAt time.Time, meta map[string]string) *domain.Job {
	return &domain.Job{
		ID:     uuid.NewString(),
		UserID: userID,
		Type:   t,
		SendAt: sendAt.UTC(),
		Status: domain.JobStatusPending,
		Meta:   meta,
	}
}
