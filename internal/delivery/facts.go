package delivery

import "context"

// WeeklyStats summarizes one user's typing activity over the last week.
type WeeklyStats struct {
	TestsCompleted int
	AvgWPM         float64
	BestWPM        float64
	AvgAccuracy    float64
}

// StreakInfo describes the user's current practice streak.
type StreakInfo struct {
	Days           int
	CompletedToday bool
}

// Tip is one piece of typing advice used by the tip-of-the-day rotation.
type Tip struct {
	Text string
}

// FactSource resolves the behavioral facts a notification type needs at
// send time. The algorithms computing them (WPM, accuracy, streaks) live
// outside the engine; only their outputs are consumed here.
type FactSource interface {
	WeeklyStats(ctx context.Context, userID string) (*WeeklyStats, error)
	CurrentStreak(ctx context.Context, userID string) (*StreakInfo, error)
	DailyTip(ctx context.Context) (*Tip, error)
}

// NoopFactSource resolves no facts. With it, fact-driven notifications are
// skipped as not newsworthy while one-shot event notifications still flow.
// It is the default for standalone deployments that have not wired a
// platform-backed source yet.
type NoopFactSource struct{}

func (NoopFactSource) WeeklyStats(context.Context, string) (*WeeklyStats, error) { return nil, nil }
func (NoopFactSource) CurrentStreak(context.Context, string) (*StreakInfo, error) {
	return nil, nil
}
func (NoopFactSource) DailyTip(context.Context) (*Tip, error) { return nil, nil }
