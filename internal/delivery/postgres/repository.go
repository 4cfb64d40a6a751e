// Package postgres provides the PostgreSQL implementation of the delivery
// repository: subscriptions, preferences and the history log.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velotype/keypulse/internal/delivery"
	"github.com/velotype/keypulse/internal/domain"
)

// Repository implements delivery.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL delivery repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// CreateSubscription registers a push endpoint for a user. Called by the
// external registration API; exposed here so tests and tooling can seed
// subscriptions.
func (r *Repository) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	query := `
		INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth, is_active)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (endpoint) DO UPDATE
		SET p256dh = EXCLUDED.p256dh, auth = EXCLUDED.auth, is_active = TRUE, updated_at = NOW()
		RETURNING id, is_active, created_at, updated_at
	`
	return r.db.QueryRow(ctx, query, sub.UserID, sub.Endpoint, sub.P256dh, sub.Auth).
		Scan(&sub.ID, &sub.IsActive, &sub.CreatedAt, &sub.UpdatedAt)
}

// ListActiveSubscriptions returns the user's active push endpoints.
func (r *Repository) ListActiveSubscriptions(ctx context.Context, userID string) ([]domain.Subscription, error) {
	query := `
		SELECT id, user_id, endpoint, p256dh, auth, is_active, created_at, updated_at
		FROM push_subscriptions
		WHERE user_id = $1 AND is_active
		ORDER BY created_at
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	subs := make([]domain.Subscription, 0)
	for rows.Next() {
		var sub domain.Subscription
		err := rows.Scan(
			&sub.ID,
			&sub.UserID,
			&sub.Endpoint,
			&sub.P256dh,
			&sub.Auth,
			&sub.IsActive,
			&sub.CreatedAt,
			&sub.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// DeactivateSubscription marks an endpoint inactive after the transport
// reported it gone. The row stays for auditability.
func (r *Repository) DeactivateSubscription(ctx context.Context, id string) error {
	query := `UPDATE push_subscriptions SET is_active = FALSE, updated_at = NOW() WHERE id = $1`
	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("deactivate subscription: %w", err)
	}
	if result.RowsAffected() == 0 {
		return delivery.ErrSubscriptionNotFound
	}
	return nil
}

// GetPreferences returns the user's saved settings, or defaults when the
// user never saved any.
func (r *Repository) GetPreferences(ctx context.Context, userID string) (*domain.Preferences, error) {
	query := `
		SELECT user_id, enabled, quiet_start, quiet_end, timezone, reminder_time
		FROM notification_preferences
		WHERE user_id = $1
	`
	prefs := &domain.Preferences{}
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&prefs.UserID,
		&prefs.Enabled,
		&prefs.QuietStart,
		&prefs.QuietEnd,
		&prefs.Timezone,
		&prefs.ReminderTime,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DefaultPreferences(userID), nil
		}
		return nil, fmt.Errorf("get preferences: %w", err)
	}
	return prefs, nil
}

// SavePreferences upserts a user's settings. Owned by the external
// preferences API; exposed for tests and tooling.
func (r *Repository) SavePreferences(ctx context.Context, prefs *domain.Preferences) error {
	query := `
		INSERT INTO notification_preferences (user_id, enabled, quiet_start, quiet_end, timezone, reminder_time)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE
		SET enabled = EXCLUDED.enabled,
		    quiet_start = EXCLUDED.quiet_start,
		    quiet_end = EXCLUDED.quiet_end,
		    timezone = EXCLUDED.timezone,
		    reminder_time = EXCLUDED.reminder_time,
		    updated_at = NOW()
	`
	_, err := r.db.Exec(ctx, query,
		prefs.UserID, prefs.Enabled, prefs.QuietStart, prefs.QuietEnd, prefs.Timezone, prefs.ReminderTime)
	if err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

// ListNotifiableUsers returns ids of users with at least one active
// subscription.
func (r *Repository) ListNotifiableUsers(ctx context.Context) ([]string, error) {
	query := `SELECT DISTINCT user_id FROM push_subscriptions WHERE is_active ORDER BY user_id`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list notifiable users: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendHistory writes one delivery attempt to the append-only log.
func (r *Repository) AppendHistory(ctx context.Context, record *domain.HistoryRecord) error {
	query := `
		INSERT INTO notification_history (user_id, type, title, body, status, error_message, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	err := r.db.QueryRow(ctx, query,
		record.UserID,
		record.Type,
		record.Title,
		record.Body,
		record.Status,
		record.ErrorMessage,
		record.SentAt,
	).Scan(&record.ID)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// CleanupHistory removes history past the retention horizon.
func (r *Repository) CleanupHistory(ctx context.Context, retentionDays int) (int64, error) {
	query := `DELETE FROM notification_history WHERE sent_at < NOW() - make_interval(days => $1)`
	result, err := r.db.Exec(ctx, query, retentionDays)
	if err != nil {
		return 0, fmt.Errorf("cleanup history: %w", err)
	}
	return result.RowsAffected(), nil
}
