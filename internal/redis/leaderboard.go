// Package redis maintains the denormalized leaderboard projection: a sorted
// set keyed by XP plus a small metadata hash per account. The projection is
// a cache derived from the ledger and is rebuildable at any time; it is
// never the source of truth.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quest-ledger/internal/config"
	"github.com/quest-ledger/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	boardKey   = "leaderboard:xp"
	metaPrefix = "leaderboard:meta:"
)

// Projector provides Redis-based leaderboard operations
type Projector struct {
	client *redis.Client
	logger *slog.Logger
}

// NewProjector creates a new leaderboard projector
func NewProjector(cfg *config.RedisConfig, logger *slog.Logger) (*Projector, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Projector{
		client: client,
		logger: logger,
	}, nil
}

// NewProjectorWithClient wraps an existing client, mainly for tests.
func NewProjectorWithClient(client *redis.Client, logger *slog.Logger) *Projector {
	return &Projector{client: client, logger: logger}
}

// Close closes the Redis connection
func (p *Projector) Close() error {
	return p.client.Close()
}

func metaKey(accountID string) string {
	return metaPrefix + accountID
}

// UpsertEntry writes one account's XP and rank into the projection
func (p *Projector) UpsertEntry(ctx context.Context, accountID string, xp int64, rank string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	pipe := p.client.Pipeline()
	pipe.ZAdd(ctx, boardKey, redis.Z{Score: float64(xp), Member: accountID})
	pipe.HSet(ctx, metaKey(accountID), "rank", rank, "updated_at", now)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upserting leaderboard entry: %w", err)
	}
	return nil
}

// GetEntry returns one account's projection entry with its board position
func (p *Projector) GetEntry(ctx context.Context, accountID string) (*domain.LeaderboardEntry, error) {
	pipe := p.client.Pipeline()
	posCmd := pipe.ZRevRank(ctx, boardKey, accountID)
	scoreCmd := pipe.ZScore(ctx, boardKey, accountID)
	metaCmd := pipe.HGetAll(ctx, metaKey(accountID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("getting leaderboard entry: %w", err)
	}

	pos, err := posCmd.Result()
	if err != nil {
		if err == redis.Nil {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("getting board position: %w", err)
	}
	score, err := scoreCmd.Result()
	if err != nil {
		return nil, fmt.Errorf("getting board score: %w", err)
	}

	entry := &domain.LeaderboardEntry{
		Position:  pos + 1, // 0-indexed to 1-indexed
		AccountID: accountID,
		XP:        int64(score),
	}
	p.applyMeta(entry, metaCmd.Val())
	return entry, nil
}

// GetTopN returns the highest-XP accounts in descending order
func (p *Projector) GetTopN(ctx context.Context, n int) ([]domain.LeaderboardEntry, error) {
	results, err := p.client.ZRevRangeWithScores(ctx, boardKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting top n: %w", err)
	}
	return p.toEntries(ctx, results, 0)
}

// GetRange returns entries within a 0-indexed position range
func (p *Projector) GetRange(ctx context.Context, start, end int) ([]domain.LeaderboardEntry, error) {
	results, err := p.client.ZRevRangeWithScores(ctx, boardKey, int64(start), int64(end)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting range: %w", err)
	}
	return p.toEntries(ctx, results, int64(start))
}

// GetAroundAccount returns entries surrounding one account's position
func (p *Projector) GetAroundAccount(ctx context.Context, accountID string, count int) ([]domain.LeaderboardEntry, error) {
	entry, err := p.GetEntry(ctx, accountID)
	if err != nil {
		return nil, err
	}

	start := entry.Position - int64(count) - 1 // position is 1-indexed
	if start < 0 {
		start = 0
	}
	end := entry.Position + int64(count) - 1

	return p.GetRange(ctx, int(start), int(end))
}

// GetCount returns the number of accounts on the board
func (p *Projector) GetCount(ctx context.Context) (int64, error) {
	count, err := p.client.ZCard(ctx, boardKey).Result()
	if err != nil {
		return 0, fmt.Errorf("getting board count: %w", err)
	}
	return count, nil
}

// RemoveAccount drops an account from the projection
func (p *Projector) RemoveAccount(ctx context.Context, accountID string) error {
	pipe := p.client.Pipeline()
	pipe.ZRem(ctx, boardKey, accountID)
	pipe.Del(ctx, metaKey(accountID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("removing account from board: %w", err)
	}
	return nil
}

// Rebuild rewrites the projection from the authoritative account rows.
// XP only grows, so overwriting in place cannot regress a concurrent award
// by more than one refresh cycle.
func (p *Projector) Rebuild(ctx context.Context, accounts []domain.Account) error {
	if len(accounts) == 0 {
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	pipe := p.client.Pipeline()
	for _, a := range accounts {
		pipe.ZAdd(ctx, boardKey, redis.Z{Score: float64(a.XP), Member: a.ID})
		pipe.HSet(ctx, metaKey(a.ID), "rank", a.Rank, "updated_at", now)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rebuilding projection: %w", err)
	}

	p.logger.Debug("projection rebuilt", "accounts", len(accounts))
	return nil
}

// toEntries converts ZSET results to entries, attaching rank metadata.
func (p *Projector) toEntries(ctx context.Context, results []redis.Z, offset int64) ([]domain.LeaderboardEntry, error) {
	entries := make([]domain.LeaderboardEntry, len(results))

	pipe := p.client.Pipeline()
	metaCmds := make([]*redis.MapStringStringCmd, len(results))
	for i, z := range results {
		metaCmds[i] = pipe.HGetAll(ctx, metaKey(z.Member.(string)))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("getting entry metadata: %w", err)
	}

	for i, z := range results {
		entries[i] = domain.LeaderboardEntry{
			Position:  offset + int64(i) + 1,
			AccountID: z.Member.(string),
			XP:        int64(z.Score),
		}
		p.applyMeta(&entries[i], metaCmds[i].Val())
	}
	return entries, nil
}

func (p *Projector) applyMeta(entry *domain.LeaderboardEntry, meta map[string]string) {
	entry.Rank = meta["rank"]
	if raw, ok := meta["updated_at"]; ok {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			entry.UpdatedAt = ts
		}
	}
}
