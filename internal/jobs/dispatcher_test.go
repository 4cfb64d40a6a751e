package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velotype/keypulse/internal/delivery"
	"github.com/velotype/keypulse/internal/domain"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type rescheduleCall struct {
	id           string
	nextAt       time.Time
	attemptCount int
}

// mockRepository implements Repository for testing.
type mockRepository struct {
	mu sync.Mutex

	claimJobs []*domain.Job
	claimErr  error

	created     []*domain.Job
	completed   []string
	failed      map[string]string
	rescheduled []rescheduleCall

	pending map[string]*domain.Job
	deleted []string
}

func newMockRepository() *mockRepository {
	return &mockRepository{failed: make(map[string]string)}
}

func (m *mockRepository) CreateJobs(_ context.Context, jobs []*domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, jobs...)
	return nil
}

func (m *mockRepository) ClaimDueJobs(_ context.Context, _ time.Time, _ int) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	jobs := m.claimJobs
	m.claimJobs = nil
	return jobs, nil
}

func (m *mockRepository) MarkCompleted(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, id)
	return nil
}

func (m *mockRepository) MarkFailed(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[id] = reason
	return nil
}

func (m *mockRepository) Reschedule(_ context.Context, id string, nextAt time.Time, attemptCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rescheduled = append(m.rescheduled, rescheduleCall{id: id, nextAt: nextAt, attemptCount: attemptCount})
	return nil
}

func (m *mockRepository) FindPending(_ context.Context, userID string, t domain.NotificationType) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.pending[userID+"/"+string(t)]; ok {
		return job, nil
	}
	return nil, ErrJobNotFound
}

func (m *mockRepository) DeletePending(_ context.Context, userID string, t domain.NotificationType) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, userID+"/"+string(t))
	return 0, nil
}

func (m *mockRepository) CleanupOldJobs(_ context.Context, _ int) (int64, error) {
	return 0, nil
}

func (m *mockRepository) Stats(_ context.Context) (*QueueStats, error) {
	return &QueueStats{}, nil
}

// mockDeliverer routes each job through a per-job function keyed by job id.
type mockDeliverer struct {
	mu       sync.Mutex
	handlers map[string]func() (int, int, error)
	fallback func() (int, int, error)
	calls    []string
}

func (m *mockDeliverer) Deliver(_ context.Context, job *domain.Job) (int, int, error) {
	m.mu.Lock()
	m.calls = append(m.calls, job.ID)
	h := m.handlers[job.ID]
	m.mu.Unlock()
	if h == nil {
		if m.fallback != nil {
			return m.fallback()
		}
		return 1, 0, nil
	}
	return h()
}

func newDispatcherForTest(repo Repository, deliverer Deliverer, clock *fakeClock) *Dispatcher {
	return NewDispatcher(DefaultDispatcherConfig(), repo, deliverer, nil, nil, clock)
}

func testJob(id string, t domain.NotificationType, attempts int) *domain.Job {
	return &domain.Job{
		ID:           id,
		UserID:       "user-1",
		Type:         t,
		SendAt:       time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		Status:       domain.JobStatusClaimed,
		AttemptCount: attempts,
		Meta:         map[string]string{"timezone": "UTC"},
	}
}

func TestDispatcher_RetryDelay(t *testing.T) {
	d := newDispatcherForTest(newMockRepository(), &mockDeliverer{}, &fakeClock{})

	tests := []struct {
		name     string
		attempts int
		expected time.Duration
	}{
		{"first failure", 0, 5 * time.Minute},
		{"second failure", 1, 10 * time.Minute},
		{"third failure", 2, 20 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, d.retryDelay(tt.attempts))
		})
	}
}

func TestDispatcher_Tick_BatchIsolation(t *testing.T) {
	repo := newMockRepository()
	repo.claimJobs = []*domain.Job{
		testJob("job-1", domain.NotificationDailyReminder, 0),
		testJob("job-2", domain.NotificationTipOfTheDay, 0),
		testJob("job-3", domain.NotificationAchievementUnlock, 0),
		testJob("job-4", domain.NotificationPersonalRecord, 0),
		testJob("job-5", domain.NotificationStreakWarning, 0),
	}

	deliverer := &mockDeliverer{
		handlers: map[string]func() (int, int, error){
			"job-3": func() (int, int, error) { panic("boom") },
		},
	}

	clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 5, 0, time.UTC)}
	d := newDispatcherForTest(repo, deliverer, clock)

	result := d.Tick(context.Background())

	assert.Equal(t, 4, result.Succeeded)
	assert.Equal(t, 1, result.Failed)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Len(t, repo.completed, 4)
	require.Contains(t, repo.failed, "job-3")
	assert.Contains(t, repo.failed["job-3"], "panic")
}

func TestDispatcher_Tick_SingleFlight(t *testing.T) {
	repo := newMockRepository()
	repo.claimJobs = []*domain.Job{testJob("job-1", domain.NotificationTipOfTheDay, 0)}

	started := make(chan struct{})
	release := make(chan struct{})
	deliverer := &mockDeliverer{
		handlers: map[string]func() (int, int, error){
			"job-1": func() (int, int, error) {
				close(started)
				<-release
				return 1, 0, nil
			},
		},
	}

	d := newDispatcherForTest(repo, deliverer, &fakeClock{now: time.Now()})

	done := make(chan BatchResult)
	go func() {
		done <- d.Tick(context.Background())
	}()

	<-started
	// The first tick still holds the batch; this one must bail out empty.
	overlap := d.Tick(context.Background())
	assert.Equal(t, BatchResult{}, overlap)

	close(release)
	first := <-done
	assert.Equal(t, BatchResult{Succeeded: 1}, first)
}

func TestDispatcher_Tick_ClaimError(t *testing.T) {
	repo := newMockRepository()
	repo.claimErr = errors.New("connection refused")

	d := newDispatcherForTest(repo, &mockDeliverer{}, &fakeClock{now: time.Now()})

	assert.Equal(t, BatchResult{}, d.Tick(context.Background()))
}

func TestDispatcher_ProcessJob_RetriesWithBackoff(t *testing.T) {
	repo := newMockRepository()
	clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 1, 0, 0, time.UTC)}

	deliverer := &mockDeliverer{
		fallback: func() (int, int, error) { return 0, 0, errors.New("provider unavailable") },
	}
	d := newDispatcherForTest(repo, deliverer, clock)

	job := testJob("job-1", domain.NotificationAchievementUnlock, 1)
	err := d.processJob(context.Background(), job)
	require.Error(t, err)

	require.Len(t, repo.rescheduled, 1)
	call := repo.rescheduled[0]
	assert.Equal(t, "job-1", call.id)
	assert.Equal(t, 2, call.attemptCount)
	assert.Equal(t, clock.now.Add(10*time.Minute), call.nextAt)
	assert.Empty(t, repo.failed)
}

func TestDispatcher_ProcessJob_NonRetryableFailsWithoutBackoff(t *testing.T) {
	repo := newMockRepository()
	deliverer := &mockDeliverer{
		fallback: func() (int, int, error) {
			return 0, 1, delivery.NewNonRetryableError(errors.New("push service returned 400"))
		},
	}
	d := newDispatcherForTest(repo, deliverer, &fakeClock{now: time.Now()})

	// First attempt, so the backoff budget is untouched.
	job := testJob("job-1", domain.NotificationAchievementUnlock, 0)
	err := d.processJob(context.Background(), job)
	require.Error(t, err)

	assert.Empty(t, repo.rescheduled)
	require.Contains(t, repo.failed, "job-1")
	assert.Contains(t, repo.failed["job-1"], "400")
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"retryable classification", delivery.NewRetryableError(errors.New("http 503")), true},
		{"non-retryable classification", delivery.NewNonRetryableError(errors.New("http 400")), false},
		{"wrapped non-retryable", fmt.Errorf("deliver: %w", delivery.NewNonRetryableError(errors.New("bad key"))), false},
		{"plain error defaults to retryable", errors.New("something broke"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isRetryable(tt.err))
		})
	}
}

func TestDispatcher_ProcessJob_FailsPermanentlyAfterMaxAttempts(t *testing.T) {
	repo := newMockRepository()
	deliverer := &mockDeliverer{
		fallback: func() (int, int, error) { return 0, 0, errors.New("provider unavailable") },
	}
	d := newDispatcherForTest(repo, deliverer, &fakeClock{now: time.Now()})

	job := testJob("job-1", domain.NotificationAchievementUnlock, 3)
	err := d.processJob(context.Background(), job)
	require.Error(t, err)

	assert.Empty(t, repo.rescheduled)
	require.Contains(t, repo.failed, "job-1")
	assert.Contains(t, repo.failed["job-1"], "provider unavailable")
}

func TestDispatcher_ProcessJob_UnknownTypeFailsWithoutDelivery(t *testing.T) {
	repo := newMockRepository()
	deliverer := &mockDeliverer{}
	d := newDispatcherForTest(repo, deliverer, &fakeClock{now: time.Now()})

	job := testJob("job-1", domain.NotificationType("bogus"), 0)
	err := d.processJob(context.Background(), job)
	require.Error(t, err)

	assert.Empty(t, deliverer.calls)
	assert.Empty(t, repo.rescheduled)
	require.Contains(t, repo.failed, "job-1")
	assert.Contains(t, repo.failed["job-1"], "unknown notification type")
}

func TestDispatcher_ProcessJob_AllEndpointsFailedTakesRetryPath(t *testing.T) {
	repo := newMockRepository()
	deliverer := &mockDeliverer{
		fallback: func() (int, int, error) { return 0, 2, nil },
	}
	clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 1, 0, 0, time.UTC)}
	d := newDispatcherForTest(repo, deliverer, clock)

	job := testJob("job-1", domain.NotificationRaceInvite, 0)
	err := d.processJob(context.Background(), job)
	require.Error(t, err)

	require.Len(t, repo.rescheduled, 1)
	assert.Equal(t, clock.now.Add(5*time.Minute), repo.rescheduled[0].nextAt)
	assert.Empty(t, repo.completed)
}

func TestDispatcher_ProcessJob_PartialSuccessCompletes(t *testing.T) {
	repo := newMockRepository()
	deliverer := &mockDeliverer{
		fallback: func() (int, int, error) { return 1, 1, nil },
	}
	d := newDispatcherForTest(repo, deliverer, &fakeClock{now: time.Now()})

	job := testJob("job-1", domain.NotificationRaceInvite, 0)
	require.NoError(t, d.processJob(context.Background(), job))

	assert.Equal(t, []string{"job-1"}, repo.completed)
	assert.Empty(t, repo.rescheduled)
}

func TestDispatcher_ProcessJob_RecurringSchedulesNextOccurrence(t *testing.T) {
	repo := newMockRepository()
	deliverer := &mockDeliverer{}
	d := newDispatcherForTest(repo, deliverer, &fakeClock{now: time.Now()})

	job := testJob("job-1", domain.NotificationDailyReminder, 0)
	job.Meta = map[string]string{"timezone": "Europe/Berlin", "send_time": "09:00"}
	job.SendAt = time.Date(2026, 3, 28, 8, 0, 0, 0, time.UTC) // 09:00 Berlin, day before DST starts

	require.NoError(t, d.processJob(context.Background(), job))

	require.Len(t, repo.created, 1)
	next := repo.created[0]
	assert.Equal(t, job.UserID, next.UserID)
	assert.Equal(t, domain.NotificationDailyReminder, next.Type)
	assert.Equal(t, domain.JobStatusPending, next.Status)
	// Wall clock holds at 09:00 local across the spring-forward transition.
	assert.Equal(t, time.Date(2026, 3, 29, 7, 0, 0, 0, time.UTC), next.SendAt)
}

func TestDispatcher_ProcessJob_RecurrenceSnapsBackToAnchorAfterBackoff(t *testing.T) {
	repo := newMockRepository()
	d := newDispatcherForTest(repo, &mockDeliverer{}, &fakeClock{now: time.Now()})

	// A transient failure pushed this occurrence from 09:00 to 09:05. The
	// next one must land back on the 09:00 anchor, not 09:05.
	job := testJob("job-1", domain.NotificationDailyReminder, 1)
	job.Meta = map[string]string{"timezone": "UTC", "send_time": "09:00"}
	job.SendAt = time.Date(2026, 3, 2, 9, 5, 0, 0, time.UTC)

	require.NoError(t, d.processJob(context.Background(), job))

	require.Len(t, repo.created, 1)
	next := repo.created[0]
	assert.Equal(t, time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC), next.SendAt)
	assert.Zero(t, next.AttemptCount)
}

func TestDispatcher_ProcessJob_WeeklyRecursSevenDaysLater(t *testing.T) {
	repo := newMockRepository()
	d := newDispatcherForTest(repo, &mockDeliverer{}, &fakeClock{now: time.Now()})

	// 2026-03-02 is a Monday.
	job := testJob("job-1", domain.NotificationWeeklySummary, 0)
	job.Meta = map[string]string{"timezone": "UTC", "send_time": "09:00"}
	job.SendAt = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, d.processJob(context.Background(), job))

	require.Len(t, repo.created, 1)
	assert.Equal(t, time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC), repo.created[0].SendAt)
}

func TestDispatcher_ProcessJob_RecurrenceWithoutAnchorStepsFromSendAt(t *testing.T) {
	repo := newMockRepository()
	d := newDispatcherForTest(repo, &mockDeliverer{}, &fakeClock{now: time.Now()})

	// Jobs created before the anchor rode along in meta.
	job := testJob("job-1", domain.NotificationWeeklySummary, 0)
	job.Meta = map[string]string{"timezone": "UTC"}
	job.SendAt = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, d.processJob(context.Background(), job))

	require.Len(t, repo.created, 1)
	assert.Equal(t, time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC), repo.created[0].SendAt)
}

func TestDispatcher_ProcessJob_OneShotDoesNotRecur(t *testing.T) {
	repo := newMockRepository()
	d := newDispatcherForTest(repo, &mockDeliverer{}, &fakeClock{now: time.Now()})

	job := testJob("job-1", domain.NotificationAchievementUnlock, 0)
	require.NoError(t, d.processJob(context.Background(), job))

	assert.Empty(t, repo.created)
	assert.Equal(t, []string{"job-1"}, repo.completed)
}
