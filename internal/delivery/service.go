package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/velotype/keypulse/internal/domain"
	"github.com/velotype/keypulse/internal/pkg/ctxlog"
	"github.com/velotype/keypulse/internal/timeutil"
)

// Pusher is the opaque push transport: it delivers one payload to one
// subscription endpoint and classifies failures via ErrSubscriptionGone,
// ErrTransportDisabled and RetryableError.
type Pusher interface {
	Send(ctx context.Context, sub domain.Subscription, payload []byte, opts SendOptions) error
}

// ServiceConfig contains delivery service configuration.
type ServiceConfig struct {
	DedupWindow        time.Duration
	DedupSweepInterval time.Duration
	SendTimeout        time.Duration
}

// DefaultServiceConfig returns default delivery service configuration.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		DedupWindow:        60 * time.Second,
		DedupSweepInterval: 5 * time.Minute,
		SendTimeout:        10 * time.Second,
	}
}

// Service executes one job: resolves facts, applies the preference,
// quiet-hour, newsworthiness and dedup gates, fans out to every active
// subscription and logs each attempt to history.
type Service struct {
	config ServiceConfig
	repo   Repository
	facts  FactSource
	pusher Pusher
	clock  timeutil.Clock
	dedup  *dedupCache
}

// NewService creates a new delivery service. A nil clock defaults to system
// time.
func NewService(config ServiceConfig, repo Repository, facts FactSource, pusher Pusher, clock timeutil.Clock) *Service {
	if clock == nil {
		clock = timeutil.NewClock()
	}
	return &Service{
		config: config,
		repo:   repo,
		facts:  facts,
		pusher: pusher,
		clock:  clock,
		dedup:  newDedupCache(config.DedupWindow, config.DedupSweepInterval, clock),
	}
}

// Close stops the dedup cache sweeper.
func (s *Service) Close() {
	s.dedup.Stop()
}

// Deliver executes one job and returns per-endpoint counts. Gate skips
// return (0, 0, nil): being gated is policy, not failure. When every
// attempted endpoint fails, the returned error carries the aggregate
// retryability so the caller can choose between backoff and terminal
// failure.
func (s *Service) Deliver(ctx context.Context, job *domain.Job) (sent, failed int, err error) {
	log := ctxlog.FromContext(ctx)

	prefs, err := s.repo.GetPreferences(ctx, job.UserID)
	if err != nil {
		return 0, 0, fmt.Errorf("get preferences: %w", err)
	}

	if !prefs.TypeEnabled(job.Type) {
		log.Debug("notification disabled by preference", "user_id", job.UserID)
		recordDelivery(job.Type, "skipped_preference")
		return 0, 0, nil
	}

	if s.inQuietHours(job.Type, prefs) {
		log.Debug("notification suppressed by quiet hours", "user_id", job.UserID)
		recordDelivery(job.Type, "skipped_quiet_hours")
		return 0, 0, nil
	}

	payload, err := s.buildPayload(ctx, job)
	if err != nil {
		return 0, 0, err
	}
	if payload == nil {
		// Nothing newsworthy for this occurrence. Intentional, not a failure.
		log.Debug("notification has no content, skipping", "user_id", job.UserID)
		recordDelivery(job.Type, "skipped_no_content")
		return 0, 0, nil
	}

	dedupKey := fmt.Sprintf("%s:%s:%s", job.UserID, job.Type, payload.Tag)
	if s.dedup.SeenWithinWindow(dedupKey) {
		log.Debug("duplicate notification suppressed", "key", dedupKey)
		recordDelivery(job.Type, "skipped_dedup")
		return 0, 0, nil
	}

	subs, err := s.repo.ListActiveSubscriptions(ctx, job.UserID)
	if err != nil {
		return 0, 0, fmt.Errorf("list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		log.Debug("no active subscriptions", "user_id", job.UserID)
		recordDelivery(job.Type, "skipped_no_subscriptions")
		return 0, 0, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal payload: %w", err)
	}

	opts := sendOptionsFor(job.Type)

	// A failure only justifies a retry if at least one endpoint could still
	// accept the payload next time. Gone endpoints are deactivated and broken
	// requests stay broken.
	var retryWorthwhile bool
	var lastErr error

	for _, sub := range subs {
		sendErr := s.sendToSubscription(ctx, job, sub, payload, body, opts)
		switch {
		case sendErr == nil:
			sent++
		case errors.Is(sendErr, ErrTransportDisabled):
			// Counted neither way: nothing was attempted.
		default:
			failed++
			lastErr = sendErr
			if !errors.Is(sendErr, ErrSubscriptionGone) && IsRetryable(sendErr) {
				retryWorthwhile = true
			}
		}
	}

	if failed > 0 && sent == 0 {
		cause := fmt.Errorf("all %d delivery attempts failed: %w", failed, lastErr)
		if retryWorthwhile {
			return 0, failed, NewRetryableError(cause)
		}
		return 0, failed, NewNonRetryableError(cause)
	}

	return sent, failed, nil
}

// sendToSubscription attempts delivery to one endpoint and records the
// outcome in history. Endpoints reported gone are deactivated without
// aborting delivery to the user's other devices. A disabled transport
// surfaces as ErrTransportDisabled and leaves no history.
func (s *Service) sendToSubscription(ctx context.Context, job *domain.Job, sub domain.Subscription, payload *Payload, body []byte, opts SendOptions) error {
	log := ctxlog.FromContext(ctx)

	sendCtx, cancel := context.WithTimeout(ctx, s.config.SendTimeout)
	defer cancel()

	start := time.Now()
	err := s.pusher.Send(sendCtx, sub, body, opts)

	if errors.Is(err, ErrTransportDisabled) {
		log.Debug("push transport disabled, skipping", "subscription_id", sub.ID)
		recordDelivery(job.Type, "skipped_transport_disabled")
		return err
	}
	recordSendDuration(job.Type, time.Since(start))

	if err == nil {
		s.appendHistory(ctx, job, payload, domain.HistoryStatusSent, "")
		recordDelivery(job.Type, "sent")
		return nil
	}

	if errors.Is(err, ErrSubscriptionGone) {
		log.Info("deactivating gone subscription",
			"subscription_id", sub.ID,
			"user_id", sub.UserID,
		)
		if deactivateErr := s.repo.DeactivateSubscription(ctx, sub.ID); deactivateErr != nil {
			log.Error("failed to deactivate subscription", "subscription_id", sub.ID, "error", deactivateErr)
		}
	}

	log.Warn("push send failed",
		"subscription_id", sub.ID,
		"user_id", sub.UserID,
		"error", err,
	)
	s.appendHistory(ctx, job, payload, domain.HistoryStatusFailed, err.Error())
	recordDelivery(job.Type, "failed")
	return err
}

func (s *Service) appendHistory(ctx context.Context, job *domain.Job, payload *Payload, status domain.HistoryStatus, errMsg string) {
	record := &domain.HistoryRecord{
		UserID:       job.UserID,
		Type:         job.Type,
		Title:        payload.Title,
		Body:         payload.Body,
		Status:       status,
		ErrorMessage: errMsg,
		SentAt:       s.clock.Now(),
	}
	if err := s.repo.AppendHistory(ctx, record); err != nil {
		ctxlog.FromContext(ctx).Error("failed to append history", "user_id", job.UserID, "error", err)
	}
}

// inQuietHours checks the user's local clock against their quiet window.
// Urgent race notifications bypass the window.
func (s *Service) inQuietHours(t domain.NotificationType, prefs *domain.Preferences) bool {
	if t.BypassesQuietHours() {
		return false
	}
	local := s.clock.Now().In(timeutil.LoadLocation(prefs.Timezone))
	return timeutil.InQuietHours(local, prefs.QuietStart, prefs.QuietEnd)
}

// buildPayload resolves type-specific facts and renders the payload. A nil
// payload with nil error means this occurrence has nothing newsworthy to
// say.
func (s *Service) buildPayload(ctx context.Context, job *domain.Job) (*Payload, error) {
	switch job.Type {
	case domain.NotificationDailyReminder:
		streak, err := s.facts.CurrentStreak(ctx, job.UserID)
		if err != nil {
			return nil, fmt.Errorf("resolve streak: %w", err)
		}
		if streak != nil && streak.CompletedToday {
			return nil, nil // already practiced, no reminder needed
		}
		return dailyReminderPayload(streak), nil

	case domain.NotificationStreakWarning:
		streak, err := s.facts.CurrentStreak(ctx, job.UserID)
		if err != nil {
			return nil, fmt.Errorf("resolve streak: %w", err)
		}
		if streak == nil || streak.Days == 0 || streak.CompletedToday {
			return nil, nil // no streak to lose, or already safe
		}
		return streakWarningPayload(streak), nil

	case domain.NotificationWeeklySummary:
		stats, err := s.facts.WeeklyStats(ctx, job.UserID)
		if err != nil {
			return nil, fmt.Errorf("resolve weekly stats: %w", err)
		}
		if stats == nil || stats.TestsCompleted == 0 {
			return nil, nil // empty week, nothing to summarize
		}
		return weeklySummaryPayload(stats), nil

	case domain.NotificationTipOfTheDay:
		tip, err := s.facts.DailyTip(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve tip: %w", err)
		}
		if tip == nil || tip.Text == "" {
			return nil, nil
		}
		return tipPayload(tip), nil

	default:
		return oneShotPayload(job), nil
	}
}
