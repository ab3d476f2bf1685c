package domain

import "time"

// Account is the authoritative per-user XP record. XP is monotonically
// non-decreasing and is mutated only through the ledger's atomic award
// primitive; Rank is derived from XP and cached for fast reads.
type Account struct {
	ID            string    `json:"id"`
	Username      string    `json:"username,omitempty"`
	XP            int64     `json:"xp"`
	Rank          string    `json:"rank"`
	CurrentStreak int       `json:"current_streak"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AccountStats holds the aggregate figures achievement predicates are
// evaluated against.
type AccountStats struct {
	AccountID       string `json:"account_id"`
	XPTotal         int64  `json:"xp_total"`
	QuestsCompleted int64  `json:"quests_completed"`
	CurrentStreak   int    `json:"current_streak"`
}

// AccountAchievement marks an unlocked achievement. Its existence is the
// unlock signal; insertion is idempotent.
type AccountAchievement struct {
	AccountID     string    `json:"account_id"`
	AchievementID string    `json:"achievement_id"`
	UnlockedAt    time.Time `json:"unlocked_at"`
}

// AccountProfile is the read model returned by the account endpoint.
type AccountProfile struct {
	Account      Account              `json:"account"`
	Achievements []AccountAchievement `json:"achievements"`
}
