package domain

import "time"

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusClaimed   JobStatus = "claimed"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job is a scheduled unit of work: send one notification type to one user
// at one UTC instant. Completed and failed jobs are terminal and never
// reclaimed.
type Job struct {
	ID           string
	UserID       string
	Type         NotificationType
	SendAt       time.Time // UTC
	Status       JobStatus
	AttemptCount int
	LastError    string
	Meta         map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsTerminal reports whether the job can never be processed again.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}
