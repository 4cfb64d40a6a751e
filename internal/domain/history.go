package domain

import "time"

type HistoryStatus string

const (
	HistoryStatusSent   HistoryStatus = "sent"
	HistoryStatusFailed HistoryStatus = "failed"
)

// HistoryRecord is one row in the append-only delivery log, one per
// subscription attempt. The engine only writes; reporting reads.
type HistoryRecord struct {
	ID           string
	UserID       string
	Type         NotificationType
	Title        string
	Body         string
	Status       HistoryStatus
	ErrorMessage string
	SentAt       time.Time
}
