// Package service contains the completion coordinator: the state machine
// that turns a completion or redemption attempt into an atomic ledger
// transition, derived rank/achievement state and leaderboard propagation.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quest-ledger/internal/config"
	"github.com/quest-ledger/internal/domain"
	"github.com/quest-ledger/internal/policy"
)

// Ledger is the authoritative store the coordinator drives. Its write
// primitives are atomic: each either fully applies or has no effect,
// independent of concurrent callers. All mutual exclusion for a given
// (account, quest) or (account, code) pair lives here, not in the
// coordinator.
type Ledger interface {
	GetQuest(ctx context.Context, questID string) (*domain.Quest, error)
	GetActiveCode(ctx context.Context, questID string) (*domain.VerificationCode, error)
	GetAccount(ctx context.Context, accountID string) (*domain.Account, error)
	EnsureAccount(ctx context.Context, accountID, username string) error
	StartQuest(ctx context.Context, accountID, questID string) error
	UpsertProgress(ctx context.Context, accountID, questID string, progress int) error
	MarkCompleted(ctx context.Context, accountID, questID string, completedAt time.Time) error
	InsertRedemption(ctx context.Context, rec domain.RedemptionRecord) error
	AwardXP(ctx context.Context, accountID string, amount int64) (*domain.AwardResult, error)
	UnlockAchievement(ctx context.Context, accountID, achievementID string, unlockedAt time.Time) (bool, error)
	GetAccountStats(ctx context.Context, accountID string) (*domain.AccountStats, error)
	RecordXPTransaction(ctx context.Context, t domain.XPTransaction) error
	ListAccountAchievements(ctx context.Context, accountID string) ([]domain.AccountAchievement, error)
}

// Projector is the denormalized leaderboard view kept in sync with ledger
// writes. Updates are fire-and-forget with respect to the main result.
type Projector interface {
	UpsertEntry(ctx context.Context, accountID string, xp int64, rank string) error
	GetEntry(ctx context.Context, accountID string) (*domain.LeaderboardEntry, error)
	GetTopN(ctx context.Context, n int) ([]domain.LeaderboardEntry, error)
	GetAroundAccount(ctx context.Context, accountID string, count int) ([]domain.LeaderboardEntry, error)
	GetCount(ctx context.Context) (int64, error)
}

// Broadcaster pushes leaderboard movement to connected clients.
type Broadcaster interface {
	BroadcastEntry(entry domain.LeaderboardEntry)
}

// Coordinator orchestrates completion and redemption attempts
type Coordinator struct {
	ledger    Ledger
	projector Projector
	policy    *policy.Policy
	config    *config.LeaderboardConfig
	hub       Broadcaster
	logger    *slog.Logger
}

// NewCoordinator creates a new completion coordinator
func NewCoordinator(
	ledger Ledger,
	projector Projector,
	rewardPolicy *policy.Policy,
	cfg *config.LeaderboardConfig,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		ledger:    ledger,
		projector: projector,
		policy:    rewardPolicy,
		config:    cfg,
		logger:    logger,
	}
}

// SetHub attaches the broadcast hub for live leaderboard updates
func (c *Coordinator) SetHub(hub Broadcaster) {
	c.hub = hub
}

// CompleteQuest runs the quest-progress completion path. The completion
// gate fires before any XP is granted: of N concurrent attempts on the same
// (account, quest) pair, exactly one wins the check-and-set and the rest
// fail before any award. Re-submitting a completed quest is rejected, not
// treated as a retriable no-op, so the caller learns no new reward follows.
func (c *Coordinator) CompleteQuest(ctx context.Context, accountID, questID string) (*domain.CompletionResult, error) {
	quest, err := c.ledger.GetQuest(ctx, questID)
	if err != nil {
		return nil, err
	}
	if !quest.Active {
		return nil, domain.ErrQuestInactive
	}

	completedAt := time.Now().UTC()
	if err := c.ledger.MarkCompleted(ctx, accountID, questID, completedAt); err != nil {
		return nil, err
	}

	// From here the gate has fired. An award failure leaves a
	// completed-but-unpaid record, which the reconciler repairs; the
	// reverse ordering would risk paying twice.
	award, err := c.ledger.AwardXP(ctx, accountID, quest.RewardPoints)
	if err != nil {
		c.logger.Error("quest completed but XP award failed, pending reconciliation",
			"account_id", accountID,
			"quest_id", questID,
			"reward_points", quest.RewardPoints,
			"error", err,
		)
		return nil, fmt.Errorf("awarding xp: %w", err)
	}

	c.audit(ctx, accountID, quest.RewardPoints, domain.SourceQuestCompletion, questID)

	unlocked, lastAward := c.evaluateAchievements(ctx, accountID)
	finalTotal, finalRank := award.NewTotal, award.NewRank
	if lastAward != nil {
		finalTotal, finalRank = lastAward.NewTotal, lastAward.NewRank
	}

	result := &domain.CompletionResult{
		UserID:               accountID,
		QuestID:              questID,
		XPAwarded:            quest.RewardPoints,
		NewXPTotal:           finalTotal,
		LeveledUp:            c.policy.LeveledUp(award.OldRank, finalRank),
		UnlockedAchievements: unlocked,
		CompletedAt:          completedAt,
	}
	if result.LeveledUp {
		result.NewRank = finalRank
	}

	if err := c.projector.UpsertEntry(ctx, accountID, finalTotal, finalRank); err != nil {
		c.logger.Warn("leaderboard projection update failed",
			"account_id", accountID,
			"error", err,
		)
		result.Degraded = true
	} else {
		c.broadcastEntry(accountID, finalTotal, finalRank)
	}

	return result, nil
}

// RedeemCode runs the verification-code path. The redemption insert is the
// sole concurrency barrier and happens before XP is awarded; "redeemed but
// award degraded" is accepted as a recoverable inconsistency rather than
// attempting a cross-step rollback.
func (c *Coordinator) RedeemCode(ctx context.Context, accountID, questID, userInputCode string) (*domain.RedemptionResult, error) {
	if strings.TrimSpace(userInputCode) == "" {
		return nil, fmt.Errorf("missing verification code: %w", domain.ErrInvalidRequest)
	}

	quest, err := c.ledger.GetQuest(ctx, questID)
	if err != nil {
		return nil, err
	}
	if !quest.Active {
		return nil, domain.ErrQuestInactive
	}
	if !quest.RequiresCode {
		return nil, domain.ErrCodeNotRequired
	}

	code, err := c.ledger.GetActiveCode(ctx, questID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(code.Code, userInputCode) {
		return nil, domain.ErrInvalidCode
	}

	// A code quest needs no prior start, so this may be the account's
	// first contact with the ledger.
	if err := c.ledger.EnsureAccount(ctx, accountID, ""); err != nil {
		return nil, fmt.Errorf("ensuring account: %w", err)
	}

	rec := domain.RedemptionRecord{
		AccountID:  accountID,
		CodeID:     code.ID,
		RedeemedAt: time.Now().UTC(),
	}
	if err := c.ledger.InsertRedemption(ctx, rec); err != nil {
		return nil, err
	}

	result := &domain.RedemptionResult{
		Message:    fmt.Sprintf("Quest %q completed successfully!", quest.Title),
		QuestTitle: quest.Title,
	}

	award, err := c.ledger.AwardXP(ctx, accountID, quest.RewardPoints)
	if err != nil {
		c.logger.Error("code redeemed but XP award failed, logged for reconciliation",
			"account_id", accountID,
			"quest_id", questID,
			"code_id", code.ID,
			"error", err,
		)
		// Nothing was credited yet, so the promised reward is not
		// reported as awarded.
		result.Degraded = true
		return result, nil
	}
	result.XPAwarded = quest.RewardPoints

	c.audit(ctx, accountID, quest.RewardPoints, domain.SourceCodeRedemption, code.ID)

	if err := c.projector.UpsertEntry(ctx, accountID, award.NewTotal, award.NewRank); err != nil {
		c.logger.Warn("leaderboard projection update failed",
			"account_id", accountID,
			"error", err,
		)
		result.Degraded = true
	} else {
		c.broadcastEntry(accountID, award.NewTotal, award.NewRank)
	}

	return result, nil
}

// StartQuest creates the completion record at progress 0. Idempotent.
func (c *Coordinator) StartQuest(ctx context.Context, accountID, questID string) error {
	quest, err := c.ledger.GetQuest(ctx, questID)
	if err != nil {
		return err
	}
	if !quest.Active {
		return domain.ErrQuestInactive
	}
	if err := c.ledger.EnsureAccount(ctx, accountID, ""); err != nil {
		return err
	}
	return c.ledger.StartQuest(ctx, accountID, questID)
}

// RecordProgress advances one completion record. Progress on a completed
// quest is rejected; progress never moves backwards.
func (c *Coordinator) RecordProgress(ctx context.Context, accountID, questID string, progress int) error {
	if progress < 0 || progress > 100 {
		return fmt.Errorf("progress %d out of range: %w", progress, domain.ErrInvalidRequest)
	}
	quest, err := c.ledger.GetQuest(ctx, questID)
	if err != nil {
		return err
	}
	if !quest.Active {
		return domain.ErrQuestInactive
	}
	if err := c.ledger.EnsureAccount(ctx, accountID, ""); err != nil {
		return err
	}
	return c.ledger.UpsertProgress(ctx, accountID, questID, progress)
}

// RecordProgressBatch processes a batch of ingested progress events,
// logging and skipping failures so one bad event cannot stall the stream.
func (c *Coordinator) RecordProgressBatch(ctx context.Context, events []domain.ProgressEvent) error {
	for _, ev := range events {
		if err := c.RecordProgress(ctx, ev.AccountID, ev.QuestID, ev.Progress); err != nil {
			if domain.IsConflict(err) {
				// Late event for an already completed quest; nothing to do.
				continue
			}
			c.logger.Error("failed to record progress event",
				"account_id", ev.AccountID,
				"quest_id", ev.QuestID,
				"error", err,
			)
		}
	}
	return nil
}

// AccountProfile returns the account row with its unlocked achievements
func (c *Coordinator) AccountProfile(ctx context.Context, accountID string) (*domain.AccountProfile, error) {
	account, err := c.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	achievements, err := c.ledger.ListAccountAchievements(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if achievements == nil {
		achievements = []domain.AccountAchievement{}
	}
	return &domain.AccountProfile{
		Account:      *account,
		Achievements: achievements,
	}, nil
}

// Top returns the highest-XP leaderboard entries
func (c *Coordinator) Top(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = c.config.DefaultLimit
	}
	if limit > c.config.MaxLimit {
		limit = c.config.MaxLimit
	}
	return c.projector.GetTopN(ctx, limit)
}

// Around returns leaderboard entries surrounding one account
func (c *Coordinator) Around(ctx context.Context, accountID string, count int) ([]domain.LeaderboardEntry, error) {
	if count <= 0 {
		count = 5
	}
	if count > 50 {
		count = 50
	}
	return c.projector.GetAroundAccount(ctx, accountID, count)
}

// Entry returns one account's leaderboard entry
func (c *Coordinator) Entry(ctx context.Context, accountID string) (*domain.LeaderboardEntry, error) {
	return c.projector.GetEntry(ctx, accountID)
}

// Count returns the number of accounts on the board
func (c *Coordinator) Count(ctx context.Context) (int64, error) {
	return c.projector.GetCount(ctx)
}

// evaluateAchievements re-runs every achievement predicate against fresh
// aggregate stats. Unlocks are signalled by the idempotent insert itself:
// an achievement that was already unlocked inserts nothing and grants no
// bonus, so repeat evaluation can never double-pay.
func (c *Coordinator) evaluateAchievements(ctx context.Context, accountID string) ([]string, *domain.AwardResult) {
	unlocked := []string{}

	stats, err := c.ledger.GetAccountStats(ctx, accountID)
	if err != nil {
		c.logger.Warn("failed to load account stats for achievement evaluation",
			"account_id", accountID,
			"error", err,
		)
		return unlocked, nil
	}

	var lastAward *domain.AwardResult
	for _, def := range c.policy.Eligible(*stats) {
		inserted, err := c.ledger.UnlockAchievement(ctx, accountID, def.ID, time.Now().UTC())
		if err != nil {
			c.logger.Warn("failed to unlock achievement",
				"account_id", accountID,
				"achievement_id", def.ID,
				"error", err,
			)
			continue
		}
		if !inserted {
			continue
		}

		unlocked = append(unlocked, def.ID)

		if def.BonusXP > 0 {
			award, err := c.ledger.AwardXP(ctx, accountID, def.BonusXP)
			if err != nil {
				c.logger.Error("achievement unlocked but bonus XP award failed",
					"account_id", accountID,
					"achievement_id", def.ID,
					"bonus_xp", def.BonusXP,
					"error", err,
				)
				continue
			}
			lastAward = award
			c.audit(ctx, accountID, def.BonusXP, domain.SourceAchievementBonus, def.ID)
		}
	}

	return unlocked, lastAward
}

// audit appends one XP transaction row. Best-effort: a failure is logged
// and never fails the caller's request.
func (c *Coordinator) audit(ctx context.Context, accountID string, amount int64, source domain.XPSource, sourceID string) {
	err := c.ledger.RecordXPTransaction(ctx, domain.XPTransaction{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Amount:    amount,
		Source:    source,
		SourceID:  sourceID,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		c.logger.Warn("failed to record xp transaction",
			"account_id", accountID,
			"source", source,
			"source_id", sourceID,
			"error", err,
		)
	}
}

func (c *Coordinator) broadcastEntry(accountID string, xp int64, rank string) {
	if c.hub == nil {
		return
	}
	c.hub.BroadcastEntry(domain.LeaderboardEntry{
		AccountID: accountID,
		XP:        xp,
		Rank:      rank,
		UpdatedAt: time.Now().UTC(),
	})
}
