package redis

import (
	"context"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/quest-ledger/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProjector(t *testing.T) *Projector {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewProjectorWithClient(client, slog.Default())
}

func TestUpsertAndGetEntry(t *testing.T) {
	p := newTestProjector(t)
	ctx := context.Background()

	require.NoError(t, p.UpsertEntry(ctx, "acct-1", 1030, "Explorer"))

	entry, err := p.GetEntry(ctx, "acct-1")
	require.NoError(t, err)

	assert.Equal(t, int64(1), entry.Position)
	assert.Equal(t, "acct-1", entry.AccountID)
	assert.Equal(t, int64(1030), entry.XP)
	assert.Equal(t, "Explorer", entry.Rank)
	assert.False(t, entry.UpdatedAt.IsZero())
}

func TestGetEntryUnknownAccount(t *testing.T) {
	p := newTestProjector(t)

	_, err := p.GetEntry(context.Background(), "nobody")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestTopNOrdering(t *testing.T) {
	p := newTestProjector(t)
	ctx := context.Background()

	require.NoError(t, p.UpsertEntry(ctx, "low", 100, "Novice"))
	require.NoError(t, p.UpsertEntry(ctx, "high", 6000, "Achiever"))
	require.NoError(t, p.UpsertEntry(ctx, "mid", 1500, "Explorer"))

	entries, err := p.GetTopN(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "high", entries[0].AccountID)
	assert.Equal(t, int64(1), entries[0].Position)
	assert.Equal(t, "mid", entries[1].AccountID)
	assert.Equal(t, int64(2), entries[1].Position)
	assert.Equal(t, "low", entries[2].AccountID)
	assert.Equal(t, int64(3), entries[2].Position)
	assert.Equal(t, "Achiever", entries[0].Rank)
}

func TestUpsertOverwritesScore(t *testing.T) {
	p := newTestProjector(t)
	ctx := context.Background()

	require.NoError(t, p.UpsertEntry(ctx, "acct-1", 980, "Novice"))
	require.NoError(t, p.UpsertEntry(ctx, "acct-1", 1030, "Explorer"))

	count, err := p.GetCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	entry, err := p.GetEntry(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1030), entry.XP)
	assert.Equal(t, "Explorer", entry.Rank)
}

func TestGetAroundAccount(t *testing.T) {
	p := newTestProjector(t)
	ctx := context.Background()

	ids := []string{"a", "b", "c", "d", "e"}
	for i, id := range ids {
		require.NoError(t, p.UpsertEntry(ctx, id, int64(1000*(len(ids)-i)), "Novice"))
	}

	// "c" sits at position 3; one neighbor each side.
	entries, err := p.GetAroundAccount(ctx, "c", 1)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "b", entries[0].AccountID)
	assert.Equal(t, int64(2), entries[0].Position)
	assert.Equal(t, "c", entries[1].AccountID)
	assert.Equal(t, "d", entries[2].AccountID)
}

func TestRebuild(t *testing.T) {
	p := newTestProjector(t)
	ctx := context.Background()

	// Stale projection entry for acct-1.
	require.NoError(t, p.UpsertEntry(ctx, "acct-1", 10, "Novice"))

	accounts := []domain.Account{
		{ID: "acct-1", XP: 5200, Rank: "Achiever"},
		{ID: "acct-2", XP: 300, Rank: "Novice"},
	}
	require.NoError(t, p.Rebuild(ctx, accounts))

	entries, err := p.GetTopN(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "acct-1", entries[0].AccountID)
	assert.Equal(t, int64(5200), entries[0].XP)
	assert.Equal(t, "Achiever", entries[0].Rank)
}

func TestRemoveAccount(t *testing.T) {
	p := newTestProjector(t)
	ctx := context.Background()

	require.NoError(t, p.UpsertEntry(ctx, "acct-1", 500, "Novice"))
	require.NoError(t, p.RemoveAccount(ctx, "acct-1"))

	_, err := p.GetEntry(ctx, "acct-1")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}
