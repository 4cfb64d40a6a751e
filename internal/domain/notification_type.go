package domain

type NotificationType string

const (
	NotificationDailyReminder      NotificationType = "daily_reminder"
	NotificationStreakWarning      NotificationType = "streak_warning"
	NotificationWeeklySummary      NotificationType = "weekly_summary"
	NotificationTipOfTheDay        NotificationType = "tip_of_the_day"
	NotificationAchievementUnlock  NotificationType = "achievement_unlock"
	NotificationChallengeStarted   NotificationType = "challenge_started"
	NotificationChallengeProgress  NotificationType = "challenge_progress"
	NotificationChallengeCompleted NotificationType = "challenge_completed"
	NotificationLeaderboardUpdate  NotificationType = "leaderboard_update"
	NotificationRaceInvite         NotificationType = "race_invite"
	NotificationRaceStarting       NotificationType = "race_starting"
	NotificationPersonalRecord     NotificationType = "personal_record"
	NotificationStreakMilestone    NotificationType = "streak_milestone"
)

// AllNotificationTypes lists every known type. Jobs carrying a type outside
// this set are failed immediately.
var AllNotificationTypes = []NotificationType{
	NotificationDailyReminder,
	NotificationStreakWarning,
	NotificationWeeklySummary,
	NotificationTipOfTheDay,
	NotificationAchievementUnlock,
	NotificationChallengeStarted,
	NotificationChallengeProgress,
	NotificationChallengeCompleted,
	NotificationLeaderboardUpdate,
	NotificationRaceInvite,
	NotificationRaceStarting,
	NotificationPersonalRecord,
	NotificationStreakMilestone,
}

// RecurringTypes are the types that schedule their own next occurrence
// after a successful send.
var RecurringTypes = []NotificationType{
	NotificationDailyReminder,
	NotificationStreakWarning,
	NotificationWeeklySummary,
	NotificationTipOfTheDay,
}

// IsValid reports whether t belongs to the closed type set.
func (t NotificationType) IsValid() bool {
	for _, known := range AllNotificationTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsRecurring reports whether a completed job of this type produces a
// follow-up occurrence.
func (t NotificationType) IsRecurring() bool {
	for _, r := range RecurringTypes {
		if t == r {
			return true
		}
	}
	return false
}

// BypassesQuietHours reports whether the type is urgent enough to be sent
// inside the user's quiet window. Only time-critical race invitations
// qualify; everything else waits.
func (t NotificationType) BypassesQuietHours() bool {
	return t == NotificationRaceInvite || t == NotificationRaceStarting
}
