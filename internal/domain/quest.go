package domain

import "time"

// Quest is a unit of user-facing progress that grants XP once completed.
type Quest struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	RewardPoints int64     `json:"reward_points"`
	RequiresCode bool      `json:"requires_code"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// VerificationCode is the one-time code gating a code-verified quest.
// Comparison against user input is case-insensitive.
type VerificationCode struct {
	ID      string `json:"id"`
	QuestID string `json:"quest_id"`
	Code    string `json:"code"`
	Active  bool   `json:"active"`
}

// CompletionRecord tracks one account's progress through one quest.
// completed=true is terminal: no further transitions are permitted for
// the (account, quest) pair.
type CompletionRecord struct {
	AccountID   string     `json:"account_id"`
	QuestID     string     `json:"quest_id"`
	Progress    int        `json:"progress"`
	Completed   bool       `json:"completed"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RedemptionRecord marks a code as consumed by an account. Uniqueness of
// the (account, code) pair is the barrier preventing double-crediting.
type RedemptionRecord struct {
	AccountID  string    `json:"account_id"`
	CodeID     string    `json:"code_id"`
	RedeemedAt time.Time `json:"redeemed_at"`
}

// ProgressEvent is a quest-progress update ingested over HTTP or Kafka.
type ProgressEvent struct {
	AccountID string    `json:"account_id"`
	QuestID   string    `json:"quest_id"`
	Progress  int       `json:"progress"`
	Timestamp time.Time `json:"timestamp"`
}

// UnpaidCompletion is a completed quest with no matching XP transaction,
// found by the reconciler. "Gated but not yet paid" is the only partial
// failure the write ordering permits.
type UnpaidCompletion struct {
	AccountID    string    `json:"account_id"`
	QuestID      string    `json:"quest_id"`
	RewardPoints int64     `json:"reward_points"`
	CompletedAt  time.Time `json:"completed_at"`
}
