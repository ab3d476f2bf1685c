package domain

import "time"

// XPSource identifies the kind of event that produced an XP award.
type XPSource string

const (
	SourceQuestCompletion  XPSource = "quest_completion"
	SourceCodeRedemption   XPSource = "code_redemption"
	SourceAchievementBonus XPSource = "achievement_bonus"
	SourceReconciliation   XPSource = "reconciliation"
)

// XPTransaction is one append-only audit row per XP-affecting event.
// Rows are never updated or deleted.
type XPTransaction struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Amount    int64     `json:"amount"`
	Source    XPSource  `json:"source"`
	SourceID  string    `json:"source_id"`
	CreatedAt time.Time `json:"created_at"`
}

// AwardResult is the outcome of one atomic XP award.
type AwardResult struct {
	NewTotal int64  `json:"new_total"`
	OldRank  string `json:"old_rank"`
	NewRank  string `json:"new_rank"`
}

// CompletionResult is the response payload for the quest-progress path.
// Degraded is set when the primary transition succeeded but a downstream
// propagation step (leaderboard projection) did not.
type CompletionResult struct {
	UserID               string    `json:"userId"`
	QuestID              string    `json:"questId"`
	XPAwarded            int64     `json:"xpAwarded"`
	NewXPTotal           int64     `json:"newXpTotal"`
	LeveledUp            bool      `json:"leveledUp"`
	NewRank              string    `json:"newRank,omitempty"`
	UnlockedAchievements []string  `json:"unlockedAchievements"`
	CompletedAt          time.Time `json:"completedAt"`
	Degraded             bool      `json:"degraded,omitempty"`
}

// RedemptionResult is the response payload for the verification-code path.
type RedemptionResult struct {
	Message    string `json:"message"`
	XPAwarded  int64  `json:"xpAwarded"`
	QuestTitle string `json:"questTitle"`
	Degraded   bool   `json:"degraded,omitempty"`
}

// LeaderboardEntry is one row of the denormalized ranking projection.
// Position is the placement on the board; Rank is the XP-derived tier name.
// The projection is a cache, rebuildable from accounts at any time.
type LeaderboardEntry struct {
	Position  int64     `json:"position"`
	AccountID string    `json:"account_id"`
	XP        int64     `json:"xp"`
	Rank      string    `json:"rank"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}
