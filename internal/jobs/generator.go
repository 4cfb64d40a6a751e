package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/velotype/keypulse/internal/domain"
	"github.com/velotype/keypulse/internal/timeutil"
)

// Local wall-clock anchors for recurring types without a per-user setting.
const (
	streakWarningTime = "20:00"
	weeklySummaryDay  = time.Monday
)

// PreferencesSource resolves which users get jobs and how they want them.
type PreferencesSource interface {
	// ListNotifiableUsers returns ids of users with at least one active
	// push subscription.
	ListNotifiableUsers(ctx context.Context) ([]string, error)

	// GetPreferences returns the user's settings, or defaults if none saved.
	GetPreferences(ctx context.Context, userID string) (*domain.Preferences, error)
}

// Generator produces and refreshes the recurring job set per user. One-shot
// types (achievements, races, records) are created by their external
// triggers through Repository.CreateJobs and never touched here.
type Generator struct {
	repo  Repository
	prefs PreferencesSource
	clock timeutil.Clock
}

// NewGenerator creates a new job generator. A nil clock defaults to system
// time.
func NewGenerator(repo Repository, prefs PreferencesSource, clock timeutil.Clock) *Generator {
	if clock == nil {
		clock = timeutil.NewClock()
	}
	return &Generator{
		repo:  repo,
		prefs: prefs,
		clock: clock,
	}
}

// Regenerate refreshes the recurring schedule of every notifiable user:
// missing pending jobs are created, pending jobs of since-disabled types are
// removed. Per-user failures are logged and do not abort the pass.
func (g *Generator) Regenerate(ctx context.Context) error {
	userIDs, err := g.prefs.ListNotifiableUsers(ctx)
	if err != nil {
		return fmt.Errorf("list notifiable users: %w", err)
	}

	slog.Info("regenerating recurring jobs", "users", len(userIDs))

	var failures int
	for _, userID := range userIDs {
		if err := g.RefreshUser(ctx, userID); err != nil {
			slog.Error("failed to refresh user jobs", "user_id", userID, "error", err)
			failures++
		}
	}

	if failures > 0 {
		return fmt.Errorf("regeneration finished with %d failed users", failures)
	}
	return nil
}

// RefreshUser reconciles one user's pending recurring jobs with their
// current preferences.
func (g *Generator) RefreshUser(ctx context.Context, userID string) error {
	prefs, err := g.prefs.GetPreferences(ctx, userID)
	if err != nil {
		return fmt.Errorf("get preferences: %w", err)
	}

	for _, t := range domain.RecurringTypes {
		if !prefs.TypeEnabled(t) {
			if _, err := g.repo.DeletePending(ctx, userID, t); err != nil {
				return fmt.Errorf("delete pending %s: %w", t, err)
			}
			continue
		}

		_, err := g.repo.FindPending(ctx, userID, t)
		if err == nil {
			continue // already scheduled
		}
		if !errors.Is(err, ErrJobNotFound) {
			return fmt.Errorf("find pending %s: %w", t, err)
		}

		job := NewJob(userID, t, g.firstOccurrence(t, prefs), map[string]string{
			"timezone":  prefs.Timezone,
			"send_time": localSendTime(t, prefs),
		})
		if err := g.repo.CreateJobs(ctx, []*domain.Job{job}); err != nil {
			return fmt.Errorf("create %s: %w", t, err)
		}

		slog.Debug("created recurring job",
			"user_id", userID,
			"type", t,
			"send_at", job.SendAt,
		)
	}

	return nil
}

// firstOccurrence computes the initial send instant for a recurring type
// from the user's local schedule.
func (g *Generator) firstOccurrence(t domain.NotificationType, prefs *domain.Preferences) time.Time {
	now := g.clock.Now()
	at := localSendTime(t, prefs)

	if t == domain.NotificationWeeklySummary {
		return timeutil.NextWeekdayAtLocalTime(now, prefs.Timezone, weeklySummaryDay, at)
	}
	return timeutil.NextAtLocalTime(now, prefs.Timezone, at)
}

// localSendTime is the local "HH:MM" anchor a recurring type fires at. It
// rides along in the job meta so recurrence never drifts off the anchor.
func localSendTime(t domain.NotificationType, prefs *domain.Preferences) string {
	if t == domain.NotificationStreakWarning {
		return streakWarningTime
	}
	return prefs.ReminderTime
}
