package domain

import "time"

// Subscription is one registered push endpoint (one browser on one device).
// Endpoints reported gone by the transport are deactivated, not deleted.
type Subscription struct {
	ID        string
	UserID    string
	Endpoint  string
	P256dh    string
	Auth      string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
