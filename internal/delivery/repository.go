// Package delivery turns a claimed job into zero or more sent push
// notifications, applying every user-facing gate: preferences, quiet hours,
// newsworthiness and burst deduplication.
package delivery

import (
	"context"

	"github.com/velotype/keypulse/internal/domain"
)

// Repository defines the interface for delivery-side data access:
// subscriptions, preferences and the append-only history log.
type Repository interface {
	// Subscriptions
	ListActiveSubscriptions(ctx context.Context, userID string) ([]domain.Subscription, error)
	DeactivateSubscription(ctx context.Context, id string) error

	// Preferences (read-only here, owned by an external preferences API)
	GetPreferences(ctx context.Context, userID string) (*domain.Preferences, error)
	ListNotifiableUsers(ctx context.Context) ([]string, error)

	// History
	AppendHistory(ctx context.Context, record *domain.HistoryRecord) error
	CleanupHistory(ctx context.Context, retentionDays int) (int64, error)
}
