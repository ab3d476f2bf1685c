// Package postgres implements the reward ledger: the authoritative per-account
// XP/rank record, quest completion state, code redemptions, achievement
// unlocks and the XP transaction audit trail.
//
// The three write primitives the coordinator composes (AwardXP, MarkCompleted,
// InsertRedemption) are each a single indivisible storage operation: the XP
// increment is additive SQL evaluated under isolation, the completion gate is
// a conditional UPDATE, and redemption uniqueness rides on the table's
// composite primary key. No primitive does a read-then-write from application
// memory.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quest-ledger/internal/config"
	"github.com/quest-ledger/internal/domain"
)

// RankPolicy maps an XP total to a rank name. The same policy instance is
// used at award time and during leaderboard rebuilds so the cached rank can
// never drift from the XP-derived one.
type RankPolicy interface {
	RankNameFor(xp int64) string
}

// Repository provides PostgreSQL-based access to the reward ledger
type Repository struct {
	pool   *pgxpool.Pool
	ranks  RankPolicy
	logger *slog.Logger
}

// NewRepository creates a new ledger repository
func NewRepository(cfg *config.PostgresConfig, ranks RankPolicy, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		ranks:  ranks,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Pool returns the underlying connection pool
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id VARCHAR(64) PRIMARY KEY,
			username VARCHAR(255) NOT NULL DEFAULT '',
			xp BIGINT NOT NULL DEFAULT 0 CHECK (xp >= 0),
			rank VARCHAR(64) NOT NULL,
			current_streak INT NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS quests (
			id VARCHAR(64) PRIMARY KEY,
			title VARCHAR(255) NOT NULL,
			reward_points BIGINT NOT NULL DEFAULT 0 CHECK (reward_points >= 0),
			requires_code BOOLEAN NOT NULL DEFAULT FALSE,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS quest_codes (
			id VARCHAR(64) PRIMARY KEY,
			quest_id VARCHAR(64) NOT NULL REFERENCES quests(id) ON DELETE CASCADE,
			code VARCHAR(128) NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS quest_completions (
			account_id VARCHAR(64) NOT NULL,
			quest_id VARCHAR(64) NOT NULL REFERENCES quests(id) ON DELETE CASCADE,
			progress INT NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100),
			completed BOOLEAN NOT NULL DEFAULT FALSE,
			started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			completed_at TIMESTAMP,
			PRIMARY KEY (account_id, quest_id)
		)`,
		`CREATE TABLE IF NOT EXISTS code_redemptions (
			account_id VARCHAR(64) NOT NULL,
			code_id VARCHAR(64) NOT NULL REFERENCES quest_codes(id) ON DELETE CASCADE,
			redeemed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (account_id, code_id)
		)`,
		`CREATE TABLE IF NOT EXISTS account_achievements (
			account_id VARCHAR(64) NOT NULL,
			achievement_id VARCHAR(64) NOT NULL,
			unlocked_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (account_id, achievement_id)
		)`,
		`CREATE TABLE IF NOT EXISTS xp_transactions (
			id VARCHAR(64) PRIMARY KEY,
			account_id VARCHAR(64) NOT NULL,
			amount BIGINT NOT NULL,
			source VARCHAR(32) NOT NULL,
			source_id VARCHAR(64) NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (account_id, source, source_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_quest_completions_completed ON quest_completions(account_id, completed)`,
		`CREATE INDEX IF NOT EXISTS idx_quest_codes_quest ON quest_codes(quest_id, active)`,
		`CREATE INDEX IF NOT EXISTS idx_xp_transactions_account ON xp_transactions(account_id, created_at DESC)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// GetQuest retrieves a quest by ID
func (r *Repository) GetQuest(ctx context.Context, questID string) (*domain.Quest, error) {
	query := `
		SELECT id, title, reward_points, requires_code, active, created_at
		FROM quests
		WHERE id = $1
	`
	var q domain.Quest
	err := r.pool.QueryRow(ctx, query, questID).Scan(
		&q.ID,
		&q.Title,
		&q.RewardPoints,
		&q.RequiresCode,
		&q.Active,
		&q.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrQuestNotFound
		}
		return nil, fmt.Errorf("getting quest: %w", err)
	}
	return &q, nil
}

// GetActiveCode retrieves the active verification code for a quest
func (r *Repository) GetActiveCode(ctx context.Context, questID string) (*domain.VerificationCode, error) {
	query := `
		SELECT id, quest_id, code, active
		FROM quest_codes
		WHERE quest_id = $1 AND active = TRUE
		LIMIT 1
	`
	var c domain.VerificationCode
	err := r.pool.QueryRow(ctx, query, questID).Scan(&c.ID, &c.QuestID, &c.Code, &c.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCodeNotConfigured
		}
		return nil, fmt.Errorf("getting verification code: %w", err)
	}
	return &c, nil
}

// GetAccount retrieves an account by ID
func (r *Repository) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	query := `
		SELECT id, username, xp, rank, current_streak, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`
	var a domain.Account
	err := r.pool.QueryRow(ctx, query, accountID).Scan(
		&a.ID,
		&a.Username,
		&a.XP,
		&a.Rank,
		&a.CurrentStreak,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("getting account: %w", err)
	}
	return &a, nil
}

// EnsureAccount creates the account row if it does not exist yet
func (r *Repository) EnsureAccount(ctx context.Context, accountID, username string) error {
	query := `
		INSERT INTO accounts (id, username, xp, rank)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.pool.Exec(ctx, query, accountID, username, r.ranks.RankNameFor(0))
	if err != nil {
		return fmt.Errorf("ensuring account: %w", err)
	}
	return nil
}

// AwardXP atomically increments an account's XP and recomputes its rank in
// the same transaction. The increment is additive SQL (`xp = xp + n`), never
// a read-then-write from application memory, so concurrent awards for the
// same account serialize correctly.
func (r *Repository) AwardXP(ctx context.Context, accountID string, amount int64) (*domain.AwardResult, error) {
	if amount < 0 {
		return nil, fmt.Errorf("award amount must be non-negative: %w", domain.ErrInvalidRequest)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning award transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := r.awardXP(ctx, tx, accountID, amount)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing award: %w", err)
	}
	return result, nil
}

// awardXP runs the additive increment and rank recompute inside tx.
func (r *Repository) awardXP(ctx context.Context, tx pgx.Tx, accountID string, amount int64) (*domain.AwardResult, error) {
	var newTotal int64
	var oldRank string
	err := tx.QueryRow(ctx, `
		UPDATE accounts
		SET xp = xp + $2, updated_at = $3
		WHERE id = $1
		RETURNING xp, rank
	`, accountID, amount, time.Now()).Scan(&newTotal, &oldRank)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("incrementing xp: %w", err)
	}

	newRank := r.ranks.RankNameFor(newTotal)
	if newRank != oldRank {
		if _, err := tx.Exec(ctx, `UPDATE accounts SET rank = $2 WHERE id = $1`, accountID, newRank); err != nil {
			return nil, fmt.Errorf("updating rank: %w", err)
		}
	}

	return &domain.AwardResult{
		NewTotal: newTotal,
		OldRank:  oldRank,
		NewRank:  newRank,
	}, nil
}

// RepairAward awards XP and writes the matching audit row in one
// transaction. Used by the reconciler for completed-but-unpaid records; the
// audit table's uniqueness constraint makes repeat repairs of the same
// record a no-op.
func (r *Repository) RepairAward(ctx context.Context, accountID string, amount int64, source domain.XPSource, sourceID string) (*domain.AwardResult, error) {
	if amount < 0 {
		return nil, fmt.Errorf("award amount must be non-negative: %w", domain.ErrInvalidRequest)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning repair transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO xp_transactions (id, account_id, amount, source, source_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, source, source_id) DO NOTHING
	`, newTransactionID(), accountID, amount, string(source), sourceID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("inserting repair audit row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// An audit row already exists for this event; nothing to repair.
		return nil, nil
	}

	result, err := r.awardXP(ctx, tx, accountID, amount)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing repair: %w", err)
	}
	return result, nil
}

// MarkCompleted transitions a completion record to its terminal state. The
// check-and-set is a single conditional UPDATE: it succeeds only when the
// record exists, is not yet completed and progress has reached 100. Exactly
// one of any number of concurrent attempts for the same (account, quest)
// pair can win. On failure a follow-up read classifies the reason.
func (r *Repository) MarkCompleted(ctx context.Context, accountID, questID string, completedAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE quest_completions
		SET completed = TRUE, completed_at = $3, progress = 100
		WHERE account_id = $1 AND quest_id = $2 AND completed = FALSE AND progress >= 100
	`, accountID, questID, completedAt)
	if err != nil {
		return fmt.Errorf("marking quest completed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// The gate did not fire; find out why.
	var completed bool
	var progress int
	err = r.pool.QueryRow(ctx, `
		SELECT completed, progress FROM quest_completions
		WHERE account_id = $1 AND quest_id = $2
	`, accountID, questID).Scan(&completed, &progress)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrQuestNotStarted
		}
		return fmt.Errorf("classifying completion failure: %w", err)
	}
	if completed {
		return domain.ErrAlreadyCompleted
	}
	return domain.ErrQuestNotReady
}

// StartQuest creates a completion record at progress 0. Starting an already
// started quest is a no-op.
func (r *Repository) StartQuest(ctx context.Context, accountID, questID string) error {
	query := `
		INSERT INTO quest_completions (account_id, quest_id, progress, started_at)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (account_id, quest_id) DO NOTHING
	`
	_, err := r.pool.Exec(ctx, query, accountID, questID, time.Now())
	if err != nil {
		return fmt.Errorf("starting quest: %w", err)
	}
	return nil
}

// UpsertProgress advances a completion record towards 100. Progress is
// monotonic and capped, and a completed record never changes again; the
// whole transition is one statement so concurrent progress events cannot
// regress each other.
func (r *Repository) UpsertProgress(ctx context.Context, accountID, questID string, progress int) error {
	if progress < 0 || progress > 100 {
		return fmt.Errorf("progress %d out of range: %w", progress, domain.ErrInvalidRequest)
	}
	query := `
		INSERT INTO quest_completions (account_id, quest_id, progress, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, quest_id) DO UPDATE
		SET progress = LEAST(100, GREATEST(quest_completions.progress, EXCLUDED.progress))
		WHERE quest_completions.completed = FALSE
	`
	tag, err := r.pool.Exec(ctx, query, accountID, questID, progress, time.Now())
	if err != nil {
		return fmt.Errorf("upserting progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyCompleted
	}
	return nil
}

// GetCompletion retrieves one completion record
func (r *Repository) GetCompletion(ctx context.Context, accountID, questID string) (*domain.CompletionRecord, error) {
	query := `
		SELECT account_id, quest_id, progress, completed, started_at, completed_at
		FROM quest_completions
		WHERE account_id = $1 AND quest_id = $2
	`
	var c domain.CompletionRecord
	err := r.pool.QueryRow(ctx, query, accountID, questID).Scan(
		&c.AccountID,
		&c.QuestID,
		&c.Progress,
		&c.Completed,
		&c.StartedAt,
		&c.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrQuestNotStarted
		}
		return nil, fmt.Errorf("getting completion record: %w", err)
	}
	return &c, nil
}

// InsertRedemption records the consumption of a verification code. The
// (account, code) composite primary key is the uniqueness barrier: of two
// concurrent identical submissions, storage lets exactly one insert through.
func (r *Repository) InsertRedemption(ctx context.Context, rec domain.RedemptionRecord) error {
	query := `
		INSERT INTO code_redemptions (account_id, code_id, redeemed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, code_id) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, query, rec.AccountID, rec.CodeID, rec.RedeemedAt)
	if err != nil {
		return fmt.Errorf("inserting redemption: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyRedeemed
	}
	return nil
}

// UnlockAchievement idempotently inserts the unlock record. The returned
// bool reports whether this call performed the insert; bonus XP is granted
// only on a true result, never on a separate pre-check.
func (r *Repository) UnlockAchievement(ctx context.Context, accountID, achievementID string, unlockedAt time.Time) (bool, error) {
	query := `
		INSERT INTO account_achievements (account_id, achievement_id, unlocked_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, achievement_id) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, query, accountID, achievementID, unlockedAt)
	if err != nil {
		return false, fmt.Errorf("unlocking achievement: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListAccountAchievements returns all achievements unlocked by an account
func (r *Repository) ListAccountAchievements(ctx context.Context, accountID string) ([]domain.AccountAchievement, error) {
	query := `
		SELECT account_id, achievement_id, unlocked_at
		FROM account_achievements
		WHERE account_id = $1
		ORDER BY unlocked_at
	`
	rows, err := r.pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing achievements: %w", err)
	}
	defer rows.Close()

	var out []domain.AccountAchievement
	for rows.Next() {
		var a domain.AccountAchievement
		if err := rows.Scan(&a.AccountID, &a.AchievementID, &a.UnlockedAt); err != nil {
			return nil, fmt.Errorf("scanning achievement: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

// GetAccountStats returns the aggregate figures achievement predicates run
// against
func (r *Repository) GetAccountStats(ctx context.Context, accountID string) (*domain.AccountStats, error) {
	query := `
		SELECT a.xp, a.current_streak,
			   (SELECT COUNT(*) FROM quest_completions c
			    WHERE c.account_id = a.id AND c.completed)
		FROM accounts a
		WHERE a.id = $1
	`
	stats := domain.AccountStats{AccountID: accountID}
	err := r.pool.QueryRow(ctx, query, accountID).Scan(
		&stats.XPTotal,
		&stats.CurrentStreak,
		&stats.QuestsCompleted,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("getting account stats: %w", err)
	}
	return &stats, nil
}

// RecordXPTransaction appends one audit row. Rows are never updated or
// deleted; the uniqueness constraint makes re-recording the same event a
// no-op rather than a duplicate.
func (r *Repository) RecordXPTransaction(ctx context.Context, t domain.XPTransaction) error {
	if t.ID == "" {
		t.ID = newTransactionID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO xp_transactions (id, account_id, amount, source, source_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, source, source_id) DO NOTHING
	`
	_, err := r.pool.Exec(ctx, query, t.ID, t.AccountID, t.Amount, string(t.Source), t.SourceID, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("recording xp transaction: %w", err)
	}
	return nil
}

// ListAccounts returns every account for a full projection rebuild
func (r *Repository) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	query := `
		SELECT id, username, xp, rank, current_streak, created_at, updated_at
		FROM accounts
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		var a domain.Account
		err := rows.Scan(&a.ID, &a.Username, &a.XP, &a.Rank, &a.CurrentStreak, &a.CreatedAt, &a.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

// FindUnpaidCompletions returns completed quests that have no matching XP
// transaction, for the reconciler to repair. The gate-before-award write
// ordering means "gated but not yet paid" is the only partial failure shape.
func (r *Repository) FindUnpaidCompletions(ctx context.Context, limit int) ([]domain.UnpaidCompletion, error) {
	query := `
		SELECT c.account_id, c.quest_id, q.reward_points, c.completed_at
		FROM quest_completions c
		JOIN quests q ON q.id = c.quest_id
		WHERE c.completed = TRUE
		  AND NOT EXISTS (
			SELECT 1 FROM xp_transactions t
			WHERE t.account_id = c.account_id
			  AND t.source = $1
			  AND t.source_id = c.quest_id
		  )
		ORDER BY c.completed_at
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, string(domain.SourceQuestCompletion), limit)
	if err != nil {
		return nil, fmt.Errorf("finding unpaid completions: %w", err)
	}
	defer rows.Close()

	var out []domain.UnpaidCompletion
	for rows.Next() {
		var u domain.UnpaidCompletion
		if err := rows.Scan(&u.AccountID, &u.QuestID, &u.RewardPoints, &u.CompletedAt); err != nil {
			return nil, fmt.Errorf("scanning unpaid completion: %w", err)
		}
		out = append(out, u)
	}
	return out, nil
}
