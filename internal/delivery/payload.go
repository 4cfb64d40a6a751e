package delivery

import (
	"fmt"

	"github.com/velotype/keypulse/internal/domain"
)

// Default notification assets served by the web client.
const (
	defaultIcon  = "/icons/icon-192.png"
	defaultBadge = "/icons/badge-72.png"
)

// Payload is the transport-agnostic notification body handed to the push
// transport as JSON.
type Payload struct {
	Title              string         `json:"title"`
	Body               string         `json:"body"`
	Icon               string         `json:"icon,omitempty"`
	Badge              string         `json:"badge,omitempty"`
	Image              string         `json:"image,omitempty"`
	Data               map[string]any `json:"data,omitempty"`
	Tag                string         `json:"tag,omitempty"`
	Actions            []Action       `json:"actions,omitempty"`
	RequireInteraction bool           `json:"requireInteraction,omitempty"`
}

// Action is one tappable button on a notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// SendOptions are the transport hints passed alongside the payload.
type SendOptions struct {
	TTLSeconds int
	Urgency    string
}

// sendOptionsFor returns transport hints per type: race notifications are
// worthless once the race started, everything else can wait out a short
// offline period.
func sendOptionsFor(t domain.NotificationType) SendOptions {
	switch t {
	case domain.NotificationRaceInvite, domain.NotificationRaceStarting:
		return SendOptions{TTLSeconds: 120, Urgency: "high"}
	default:
		return SendOptions{TTLSeconds: 3600, Urgency: "normal"}
	}
}

func newPayload(t domain.NotificationType, title, body, url, tag string) *Payload {
	return &Payload{
		Title: title,
		Body:  body,
		Icon:  defaultIcon,
		Badge: defaultBadge,
		Data:  map[string]any{"url": url, "type": string(t)},
		Tag:   tag,
	}
}

func dailyReminderPayload(streak *StreakInfo) *Payload {
	body := "A quick test keeps your fingers sharp."
	if streak != nil && streak.Days > 0 {
		body = fmt.Sprintf("Day %d of your streak is waiting.", streak.Days+1)
	}
	return newPayload(domain.NotificationDailyReminder, "Time to type", body, "/", "daily-reminder")
}

func streakWarningPayload(streak *StreakInfo) *Payload {
	p := newPayload(
		domain.NotificationStreakWarning,
		"Your streak is at risk",
		fmt.Sprintf("Your %d-day streak ends at midnight. One test keeps it alive.", streak.Days),
		"/",
		"streak-warning",
	)
	p.RequireInteraction = true
	return p
}

func weeklySummaryPayload(stats *WeeklyStats) *Payload {
	return newPayload(
		domain.NotificationWeeklySummary,
		"Your week in typing",
		fmt.Sprintf("%d tests, %.0f wpm average, %.0f wpm best, %.1f%% accuracy.",
			stats.TestsCompleted, stats.AvgWPM, stats.BestWPM, stats.AvgAccuracy),
		"/stats",
		"weekly-summary",
	)
}

func tipPayload(tip *Tip) *Payload {
	return newPayload(domain.NotificationTipOfTheDay, "Tip of the day", tip.Text, "/", "tip-of-the-day")
}

// oneShotTitles are fallback titles for externally triggered types whose
// trigger did not supply one in the job meta.
var oneShotTitles = map[domain.NotificationType]string{
	domain.NotificationAchievementUnlock:  "Achievement unlocked",
	domain.NotificationChallengeStarted:   "Challenge started",
	domain.NotificationChallengeProgress:  "Challenge progress",
	domain.NotificationChallengeCompleted: "Challenge completed",
	domain.NotificationLeaderboardUpdate:  "Leaderboard update",
	domain.NotificationRaceInvite:         "Race invitation",
	domain.NotificationRaceStarting:       "Race starting",
	domain.NotificationPersonalRecord:     "New personal record",
	domain.NotificationStreakMilestone:    "Streak milestone",
}

// oneShotPayload builds the payload for externally triggered types from the
// job meta: the trigger knows the content, the engine only carries it.
func oneShotPayload(job *domain.Job) *Payload {
	title := job.Meta["title"]
	if title == "" {
		title = oneShotTitles[job.Type]
	}

	url := job.Meta["url"]
	if url == "" {
		url = "/"
	}

	tag := job.Meta["tag"]
	if tag == "" {
		tag = string(job.Type)
	}

	p := newPayload(job.Type, title, job.Meta["body"], url, tag)

	if job.Type == domain.NotificationRaceInvite {
		p.RequireInteraction = true
		p.Actions = []Action{
			{Action: "join", Title: "Join race"},
			{Action: "dismiss", Title: "Dismiss"},
		}
	}

	return p
}
