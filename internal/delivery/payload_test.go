package delivery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velotype/keypulse/internal/domain"
)

func TestSendOptionsFor(t *testing.T) {
	tests := []struct {
		name    string
		jobType domain.NotificationType
		ttl     int
		urgency string
	}{
		{"race invite is urgent and short-lived", domain.NotificationRaceInvite, 120, "high"},
		{"race starting is urgent and short-lived", domain.NotificationRaceStarting, 120, "high"},
		{"daily reminder waits out offline periods", domain.NotificationDailyReminder, 3600, "normal"},
		{"achievement waits out offline periods", domain.NotificationAchievementUnlock, 3600, "normal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := sendOptionsFor(tt.jobType)
			assert.Equal(t, tt.ttl, opts.TTLSeconds)
			assert.Equal(t, tt.urgency, opts.Urgency)
		})
	}
}

func TestOneShotPayload_MetaOverridesDefaults(t *testing.T) {
	job := oneShotJob(domain.NotificationChallengeCompleted, map[string]string{
		"title": "Speed demon done",
		"body":  "You finished the 100 wpm challenge.",
		"url":   "/challenges/42",
		"tag":   "challenge-42",
	})

	p := oneShotPayload(job)

	assert.Equal(t, "Speed demon done", p.Title)
	assert.Equal(t, "You finished the 100 wpm challenge.", p.Body)
	assert.Equal(t, "challenge-42", p.Tag)
	assert.Equal(t, "/challenges/42", p.Data["url"])
	assert.Equal(t, "challenge_completed", p.Data["type"])
}

func TestOneShotPayload_Fallbacks(t *testing.T) {
	job := oneShotJob(domain.NotificationPersonalRecord, nil)

	p := oneShotPayload(job)

	assert.Equal(t, "New personal record", p.Title)
	assert.Equal(t, "/", p.Data["url"])
	assert.Equal(t, "personal_record", p.Tag)
}

func TestOneShotPayload_RaceInviteActions(t *testing.T) {
	p := oneShotPayload(oneShotJob(domain.NotificationRaceInvite, nil))

	assert.True(t, p.RequireInteraction)
	require.Len(t, p.Actions, 2)
	assert.Equal(t, "join", p.Actions[0].Action)
	assert.Equal(t, "dismiss", p.Actions[1].Action)
}

func TestStreakWarningPayloadRequiresInteraction(t *testing.T) {
	p := streakWarningPayload(&StreakInfo{Days: 7})

	assert.True(t, p.RequireInteraction)
	assert.Contains(t, p.Body, "7-day streak")
	assert.Equal(t, "streak-warning", p.Tag)
}

func TestDailyReminderPayloadMentionsStreak(t *testing.T) {
	withStreak := dailyReminderPayload(&StreakInfo{Days: 4})
	assert.Contains(t, withStreak.Body, "Day 5")

	plain := dailyReminderPayload(nil)
	assert.NotContains(t, plain.Body, "Day")
}
