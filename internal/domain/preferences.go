package domain

// Preferences holds a user's notification settings. The engine only reads
// them; an external preferences API owns the writes.
type Preferences struct {
	UserID       string
	Enabled      map[NotificationType]bool
	QuietStart   string // local "HH:MM", empty disables quiet hours
	QuietEnd     string
	Timezone     string // IANA name, e.g. "Europe/Berlin"
	ReminderTime string // local "HH:MM" anchor for recurring sends
}

// DefaultPreferences returns the settings applied to users who never saved
// any: every type enabled, no quiet window, UTC, 09:00 reminder.
func DefaultPreferences(userID string) *Preferences {
	enabled := make(map[NotificationType]bool, len(AllNotificationTypes))
	for _, t := range AllNotificationTypes {
		enabled[t] = true
	}
	return &Preferences{
		UserID:       userID,
		Enabled:      enabled,
		Timezone:     "UTC",
		ReminderTime: "09:00",
	}
}

// TypeEnabled reports whether the user accepts the given type. Types absent
// from the map default to enabled.
func (p *Preferences) TypeEnabled(t NotificationType) bool {
	if p.Enabled == nil {
		return true
	}
	enabled, ok := p.Enabled[t]
	if !ok {
		return true
	}
	return enabled
}
