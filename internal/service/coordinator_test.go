package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quest-ledger/internal/config"
	"github.com/quest-ledger/internal/domain"
	"github.com/quest-ledger/internal/policy"
)

// fakeLedger is an in-memory Ledger with the same atomicity semantics as
// the Postgres implementation: check-and-set completion, insert-or-conflict
// redemption and achievement unlock, additive awards.
type fakeLedger struct {
	mu           sync.Mutex
	quests       map[string]*domain.Quest
	codes        map[string]*domain.VerificationCode
	accounts     map[string]*domain.Account
	completions  map[string]*domain.CompletionRecord
	redemptions  map[string]bool
	achievements map[string]bool
	transactions []domain.XPTransaction
	ranks        *policy.Policy

	failAward bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		quests:       make(map[string]*domain.Quest),
		codes:        make(map[string]*domain.VerificationCode),
		accounts:     make(map[string]*domain.Account),
		completions:  make(map[string]*domain.CompletionRecord),
		redemptions:  make(map[string]bool),
		achievements: make(map[string]bool),
		ranks:        policy.Default(),
	}
}

func key(a, b string) string { return a + "|" + b }

func (f *fakeLedger) GetQuest(_ context.Context, questID string) (*domain.Quest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.quests[questID]
	if !ok {
		return nil, domain.ErrQuestNotFound
	}
	cp := *q
	return &cp, nil
}

func (f *fakeLedger) GetActiveCode(_ context.Context, questID string) (*domain.VerificationCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.codes[questID]
	if !ok || !c.Active {
		return nil, domain.ErrCodeNotConfigured
	}
	cp := *c
	return &cp, nil
}

func (f *fakeLedger) GetAccount(_ context.Context, accountID string) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[accountID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeLedger) EnsureAccount(_ context.Context, accountID, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.accounts[accountID]; !ok {
		f.accounts[accountID] = &domain.Account{ID: accountID, Username: username, Rank: "Novice"}
	}
	return nil
}

func (f *fakeLedger) StartQuest(_ context.Context, accountID, questID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(accountID, questID)
	if _, ok := f.completions[k]; !ok {
		f.completions[k] = &domain.CompletionRecord{
			AccountID: accountID, QuestID: questID, StartedAt: time.Now(),
		}
	}
	return nil
}

func (f *fakeLedger) UpsertProgress(_ context.Context, accountID, questID string, progress int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(accountID, questID)
	rec, ok := f.completions[k]
	if !ok {
		f.completions[k] = &domain.CompletionRecord{
			AccountID: accountID, QuestID: questID, Progress: progress, StartedAt: time.Now(),
		}
		return nil
	}
	if rec.Completed {
		return domain.ErrAlreadyCompleted
	}
	if progress > rec.Progress {
		rec.Progress = progress
	}
	return nil
}

func (f *fakeLedger) MarkCompleted(_ context.Context, accountID, questID string, completedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.completions[key(accountID, questID)]
	if !ok {
		return domain.ErrQuestNotStarted
	}
	if rec.Completed {
		return domain.ErrAlreadyCompleted
	}
	if rec.Progress < 100 {
		return domain.ErrQuestNotReady
	}
	rec.Completed = true
	rec.CompletedAt = &completedAt
	return nil
}

func (f *fakeLedger) InsertRedemption(_ context.Context, rec domain.RedemptionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(rec.AccountID, rec.CodeID)
	if f.redemptions[k] {
		return domain.ErrAlreadyRedeemed
	}
	f.redemptions[k] = true
	return nil
}

func (f *fakeLedger) AwardXP(_ context.Context, accountID string, amount int64) (*domain.AwardResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAward {
		return nil, errors.New("ledger unavailable")
	}
	a, ok := f.accounts[accountID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	oldRank := a.Rank
	a.XP += amount
	a.Rank = f.ranks.RankNameFor(a.XP)
	return &domain.AwardResult{NewTotal: a.XP, OldRank: oldRank, NewRank: a.Rank}, nil
}

func (f *fakeLedger) UnlockAchievement(_ context.Context, accountID, achievementID string, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(accountID, achievementID)
	if f.achievements[k] {
		return false, nil
	}
	f.achievements[k] = true
	return true, nil
}

func (f *fakeLedger) GetAccountStats(_ context.Context, accountID string) (*domain.AccountStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[accountID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	var completed int64
	for _, rec := range f.completions {
		if rec.AccountID == accountID && rec.Completed {
			completed++
		}
	}
	return &domain.AccountStats{
		AccountID:       accountID,
		XPTotal:         a.XP,
		QuestsCompleted: completed,
		CurrentStreak:   a.CurrentStreak,
	}, nil
}

func (f *fakeLedger) RecordXPTransaction(_ context.Context, t domain.XPTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.transactions {
		if existing.AccountID == t.AccountID && existing.Source == t.Source && existing.SourceID == t.SourceID {
			return nil
		}
	}
	f.transactions = append(f.transactions, t)
	return nil
}

func (f *fakeLedger) ListAccountAchievements(_ context.Context, accountID string) ([]domain.AccountAchievement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.AccountAchievement
	for k := range f.achievements {
		if len(k) > len(accountID) && k[:len(accountID)] == accountID {
			out = append(out, domain.AccountAchievement{AccountID: accountID, AchievementID: k[len(accountID)+1:]})
		}
	}
	return out, nil
}

func (f *fakeLedger) auditCount(source domain.XPSource, sourceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.transactions {
		if t.Source == source && t.SourceID == sourceID {
			n++
		}
	}
	return n
}

type fakeProjector struct {
	mu       sync.Mutex
	entries  map[string]domain.LeaderboardEntry
	fail     bool
	lastTopN int
}

func newFakeProjector() *fakeProjector {
	return &fakeProjector{entries: make(map[string]domain.LeaderboardEntry)}
}

func (p *fakeProjector) UpsertEntry(_ context.Context, accountID string, xp int64, rank string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("redis unavailable")
	}
	p.entries[accountID] = domain.LeaderboardEntry{AccountID: accountID, XP: xp, Rank: rank}
	return nil
}

func (p *fakeProjector) GetEntry(_ context.Context, accountID string) (*domain.LeaderboardEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[accountID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return &e, nil
}

func (p *fakeProjector) GetTopN(_ context.Context, n int) ([]domain.LeaderboardEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastTopN = n
	return nil, nil
}

func (p *fakeProjector) GetAroundAccount(_ context.Context, _ string, _ int) ([]domain.LeaderboardEntry, error) {
	return nil, nil
}

func (p *fakeProjector) GetCount(_ context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(len(p.entries)), nil
}

type fakeHub struct {
	mu      sync.Mutex
	entries []domain.LeaderboardEntry
}

func (h *fakeHub) BroadcastEntry(entry domain.LeaderboardEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
}

func newTestCoordinator(t *testing.T, p *policy.Policy) (*Coordinator, *fakeLedger, *fakeProjector) {
	t.Helper()
	ledger := newFakeLedger()
	ledger.ranks = p
	projector := newFakeProjector()
	cfg := &config.LeaderboardConfig{DefaultLimit: 100, MaxLimit: 1000}
	return NewCoordinator(ledger, projector, p, cfg, slog.Default()), ledger, projector
}

// ranksOnly avoids achievement side effects in tests that target the
// completion gate and rank math.
func ranksOnly(t *testing.T) *policy.Policy {
	t.Helper()
	p, err := policy.New(policy.DefaultRanks(), nil)
	require.NoError(t, err)
	return p
}

func seedReadyQuest(l *fakeLedger, accountID, questID string, reward int64) {
	l.quests[questID] = &domain.Quest{ID: questID, Title: "Daily Run", RewardPoints: reward, Active: true}
	l.accounts[accountID] = &domain.Account{ID: accountID, Rank: "Novice"}
	l.completions[key(accountID, questID)] = &domain.CompletionRecord{
		AccountID: accountID, QuestID: questID, Progress: 100, StartedAt: time.Now(),
	}
}

func TestCompleteQuestHappyPath(t *testing.T) {
	c, ledger, projector := newTestCoordinator(t, ranksOnly(t))
	seedReadyQuest(ledger, "acct-1", "quest-1", 50)
	ledger.accounts["acct-1"].XP = 980

	result, err := c.CompleteQuest(context.Background(), "acct-1", "quest-1")
	require.NoError(t, err)

	assert.Equal(t, "acct-1", result.UserID)
	assert.Equal(t, "quest-1", result.QuestID)
	assert.Equal(t, int64(50), result.XPAwarded)
	assert.Equal(t, int64(1030), result.NewXPTotal)
	assert.True(t, result.LeveledUp)
	assert.Equal(t, "Explorer", result.NewRank)
	assert.Empty(t, result.UnlockedAchievements)
	assert.False(t, result.Degraded)
	assert.False(t, result.CompletedAt.IsZero())

	// Projection and audit both updated.
	entry, err := projector.GetEntry(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1030), entry.XP)
	assert.Equal(t, "Explorer", entry.Rank)
	assert.Equal(t, 1, ledger.auditCount(domain.SourceQuestCompletion, "quest-1"))
}

func TestCompleteQuestNoLevelUpWithinRank(t *testing.T) {
	c, ledger, _ := newTestCoordinator(t, ranksOnly(t))
	seedReadyQuest(ledger, "acct-1", "quest-1", 50)
	ledger.accounts["acct-1"].XP = 100

	result, err := c.CompleteQuest(context.Background(), "acct-1", "quest-1")
	require.NoError(t, err)

	assert.False(t, result.LeveledUp)
	assert.Empty(t, result.NewRank)
	assert.Equal(t, int64(150), result.NewXPTotal)
}

func TestCompleteQuestExactlyOnce(t *testing.T) {
	c, ledger, _ := newTestCoordinator(t, ranksOnly(t))
	seedReadyQuest(ledger, "acct-1", "quest-1", 100)

	const attempts = 20
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = c.CompleteQuest(context.Background(), "acct-1", "quest-1")
		}(i)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, domain.ErrAlreadyCompleted):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, attempts-1, conflicts)

	// Exactly one reward credited.
	account, err := ledger.GetAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), account.XP)
	assert.Equal(t, 1, ledger.auditCount(domain.SourceQuestCompletion, "quest-1"))
}

func TestCompleteQuestRejections(t *testing.T) {
	c, ledger, _ := newTestCoordinator(t, ranksOnly(t))
	ledger.accounts["acct-1"] = &domain.Account{ID: "acct-1", Rank: "Novice"}
	ledger.quests["inactive"] = &domain.Quest{ID: "inactive", Active: false}
	ledger.quests["fresh"] = &domain.Quest{ID: "fresh", Active: true}
	ledger.quests["partial"] = &domain.Quest{ID: "partial", Active: true}
	ledger.completions[key("acct-1", "partial")] = &domain.CompletionRecord{
		AccountID: "acct-1", QuestID: "partial", Progress: 40,
	}

	tests := []struct {
		name    string
		questID string
		want    error
	}{
		{"unknown quest", "missing", domain.ErrQuestNotFound},
		{"inactive quest", "inactive", domain.ErrQuestInactive},
		{"never started", "fresh", domain.ErrQuestNotStarted},
		{"progress below threshold", "partial", domain.ErrQuestNotReady},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.CompleteQuest(context.Background(), "acct-1", tt.questID)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCompleteQuestAwardFailureLeavesGateFired(t *testing.T) {
	c, ledger, _ := newTestCoordinator(t, ranksOnly(t))
	seedReadyQuest(ledger, "acct-1", "quest-1", 50)
	ledger.failAward = true

	_, err := c.CompleteQuest(context.Background(), "acct-1", "quest-1")
	require.Error(t, err)

	// The gate fired; the reconciler finds and repays this later.
	rec := ledger.completions[key("acct-1", "quest-1")]
	assert.True(t, rec.Completed)
	account, err := ledger.GetAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.XP)
}

func TestCompleteQuestProjectionFailureDegrades(t *testing.T) {
	c, ledger, projector := newTestCoordinator(t, ranksOnly(t))
	seedReadyQuest(ledger, "acct-1", "quest-1", 50)
	projector.fail = true

	result, err := c.CompleteQuest(context.Background(), "acct-1", "quest-1")
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	assert.Equal(t, int64(50), result.NewXPTotal)
}

func TestCompleteQuestUnlocksAchievements(t *testing.T) {
	c, ledger, _ := newTestCoordinator(t, policy.Default())
	seedReadyQuest(ledger, "acct-1", "quest-1", 50)
	ledger.accounts["acct-1"].XP = 980

	result, err := c.CompleteQuest(context.Background(), "acct-1", "quest-1")
	require.NoError(t, err)

	// 980+50 crosses 1000: first_quest (1 completion, +25) and
	// explorer_mark (xp milestone 1000, +50) both unlock.
	assert.ElementsMatch(t, []string{"first_quest", "explorer_mark"}, result.UnlockedAchievements)
	assert.Equal(t, int64(980+50+25+50), result.NewXPTotal)
	assert.True(t, result.LeveledUp)
	assert.Equal(t, "Explorer", result.NewRank)

	assert.Equal(t, 1, ledger.auditCount(domain.SourceAchievementBonus, "first_quest"))
	assert.Equal(t, 1, ledger.auditCount(domain.SourceAchievementBonus, "explorer_mark"))
}

func TestAchievementBonusGrantedOnlyOnce(t *testing.T) {
	c, ledger, _ := newTestCoordinator(t, policy.Default())
	seedReadyQuest(ledger, "acct-1", "quest-1", 10)
	ledger.quests["quest-2"] = &domain.Quest{ID: "quest-2", Title: "Second", RewardPoints: 10, Active: true}
	ledger.completions[key("acct-1", "quest-2")] = &domain.CompletionRecord{
		AccountID: "acct-1", QuestID: "quest-2", Progress: 100,
	}

	first, err := c.CompleteQuest(context.Background(), "acct-1", "quest-1")
	require.NoError(t, err)
	assert.Contains(t, first.UnlockedAchievements, "first_quest")

	second, err := c.CompleteQuest(context.Background(), "acct-1", "quest-2")
	require.NoError(t, err)
	assert.NotContains(t, second.UnlockedAchievements, "first_quest")

	// 2 quests at 10 XP each plus a single 25 XP first_quest bonus.
	account, err := ledger.GetAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10+10+25), account.XP)
	assert.Equal(t, 1, ledger.auditCount(domain.SourceAchievementBonus, "first_quest"))
}

func TestCompleteQuestBroadcasts(t *testing.T) {
	c, ledger, _ := newTestCoordinator(t, ranksOnly(t))
	seedReadyQuest(ledger, "acct-1", "quest-1", 50)
	hub := &fakeHub{}
	c.SetHub(hub)

	_, err := c.CompleteQuest(context.Background(), "acct-1", "quest-1")
	require.NoError(t, err)

	require.Len(t, hub.entries, 1)
	assert.Equal(t, "acct-1", hub.entries[0].AccountID)
	assert.Equal(t, int64(50), hub.entries[0].XP)
}

func seedCodeQuest(l *fakeLedger, accountID, questID, code string, reward int64) {
	l.quests[questID] = &domain.Quest{
		ID: questID, Title: "Hidden Cache", RewardPoints: reward, RequiresCode: true, Active: true,
	}
	l.codes[questID] = &domain.VerificationCode{ID: "code-" + questID, QuestID: questID, Code: code, Active: true}
	l.accounts[accountID] = &domain.Account{ID: accountID, Rank: "Novice"}
}

func TestRedeemCodeHappyPath(t *testing.T) {
	c, ledger, projector := newTestCoordinator(t, ranksOnly(t))
	seedCodeQuest(ledger, "acct-1", "quest-1", "SECRET", 200)

	result, err := c.RedeemCode(context.Background(), "acct-1", "quest-1", "SECRET")
	require.NoError(t, err)

	assert.Equal(t, `Quest "Hidden Cache" completed successfully!`, result.Message)
	assert.Equal(t, int64(200), result.XPAwarded)
	assert.Equal(t, "Hidden Cache", result.QuestTitle)
	assert.False(t, result.Degraded)

	entry, err := projector.GetEntry(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), entry.XP)
	assert.Equal(t, 1, ledger.auditCount(domain.SourceCodeRedemption, "code-quest-1"))
}

func TestRedeemCodeCaseInsensitive(t *testing.T) {
	c, ledger, _ := newTestCoordinator(t, ranksOnly(t))
	seedCodeQuest(ledger, "acct-1", "quest-1", "SeCrEt", 200)

	_, err := c.RedeemCode(context.Background(), "acct-1", "quest-1", "sEcReT")
	require.NoError(t, err)
}

func TestRedeemCodeRejections(t *testing.T) {
	c, ledger, _ := newTestCoordinator(t, ranksOnly(t))
	seedCodeQuest(ledger, "acct-1", "quest-1", "SECRET", 200)
	ledger.quests["no-code"] = &domain.Quest{ID: "no-code", Title: "Plain", RewardPoints: 10, Active: true}
	ledger.quests["bare"] = &domain.Quest{ID: "bare", Title: "Bare", RequiresCode: true, Active: true}

	tests := []struct {
		name    string
		questID string
		code    string
		want    error
	}{
		{"empty code", "quest-1", "  ", domain.ErrInvalidRequest},
		{"unknown quest", "missing", "SECRET", domain.ErrQuestNotFound},
		{"quest without code requirement", "no-code", "SECRET", domain.ErrCodeNotRequired},
		{"no code configured", "bare", "SECRET", domain.ErrCodeNotConfigured},
		{"wrong code", "quest-1", "WRONG", domain.ErrInvalidCode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.RedeemCode(context.Background(), "acct-1", tt.questID, tt.code)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRedeemCodeExactlyOnce(t *testing.T) {
	c, ledger, _ := newTestCoordinator(t, ranksOnly(t))
	seedCodeQuest(ledger, "acct-1", "quest-1", "SECRET", 200)

	_, err := c.RedeemCode(context.Background(), "acct-1", "quest-1", "SECRET")
	require.NoError(t, err)

	_, err = c.RedeemCode(context.Background(), "acct-1", "quest-1", "secret")
	assert.ErrorIs(t, err, domain.ErrAlreadyRedeemed)

	account, err := ledger.GetAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), account.XP)
}

func TestRedeemCodeAwardFailureStillSucceeds(t *testing.T) {
	c, ledger, _ := newTestCoordinator(t, ranksOnly(t))
	seedCodeQuest(ledger, "acct-1", "quest-1", "SECRET", 200)
	ledger.failAward = true

	// The redemption is consumed; the response reports the award as
	// degraded instead of failing the request, and claims no XP that was
	// never credited.
	result, err := c.RedeemCode(context.Background(), "acct-1", "quest-1", "SECRET")
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	assert.Equal(t, int64(0), result.XPAwarded)
	assert.True(t, ledger.redemptions[key("acct-1", "code-quest-1")])
}

func TestRedeemCodeCreatesAccountOnFirstContact(t *testing.T) {
	c, ledger, _ := newTestCoordinator(t, ranksOnly(t))

	// A code quest needs no prior start, so the caller may have no
	// account row yet.
	ledger.quests["quest-1"] = &domain.Quest{
		ID: "quest-1", Title: "Hidden Cache", RewardPoints: 200, RequiresCode: true, Active: true,
	}
	ledger.codes["quest-1"] = &domain.VerificationCode{
		ID: "code-quest-1", QuestID: "quest-1", Code: "SECRET", Active: true,
	}

	result, err := c.RedeemCode(context.Background(), "acct-new", "quest-1", "SECRET")
	require.NoError(t, err)
	assert.False(t, result.Degraded)
	assert.Equal(t, int64(200), result.XPAwarded)

	account, err := ledger.GetAccount(context.Background(), "acct-new")
	require.NoError(t, err)
	assert.Equal(t, int64(200), account.XP)
	assert.Equal(t, 1, ledger.auditCount(domain.SourceCodeRedemption, "code-quest-1"))
}

func TestStartQuestAndProgress(t *testing.T) {
	c, ledger, _ := newTestCoordinator(t, ranksOnly(t))
	ledger.quests["quest-1"] = &domain.Quest{ID: "quest-1", Title: "Run", RewardPoints: 50, Active: true}
	ctx := context.Background()

	require.NoError(t, c.StartQuest(ctx, "acct-1", "quest-1"))
	require.NoError(t, c.StartQuest(ctx, "acct-1", "quest-1")) // idempotent

	require.NoError(t, c.RecordProgress(ctx, "acct-1", "quest-1", 60))
	require.NoError(t, c.RecordProgress(ctx, "acct-1", "quest-1", 30)) // never regresses
	assert.Equal(t, 60, ledger.completions[key("acct-1", "quest-1")].Progress)

	require.NoError(t, c.RecordProgress(ctx, "acct-1", "quest-1", 100))
	_, err := c.CompleteQuest(ctx, "acct-1", "quest-1")
	require.NoError(t, err)

	// Progress on a completed quest is terminal.
	err = c.RecordProgress(ctx, "acct-1", "quest-1", 100)
	assert.ErrorIs(t, err, domain.ErrAlreadyCompleted)
}

func TestRecordProgressValidation(t *testing.T) {
	c, ledger, _ := newTestCoordinator(t, ranksOnly(t))
	ledger.quests["quest-1"] = &domain.Quest{ID: "quest-1", Active: true}

	assert.ErrorIs(t, c.RecordProgress(context.Background(), "acct-1", "quest-1", -1), domain.ErrInvalidRequest)
	assert.ErrorIs(t, c.RecordProgress(context.Background(), "acct-1", "quest-1", 101), domain.ErrInvalidRequest)
}

func TestRecordProgressBatchSkipsFailures(t *testing.T) {
	c, ledger, _ := newTestCoordinator(t, ranksOnly(t))
	ledger.quests["quest-1"] = &domain.Quest{ID: "quest-1", Active: true}

	events := []domain.ProgressEvent{
		{AccountID: "acct-1", QuestID: "quest-1", Progress: 40},
		{AccountID: "acct-2", QuestID: "missing", Progress: 50},
		{AccountID: "acct-3", QuestID: "quest-1", Progress: 999},
		{AccountID: "acct-4", QuestID: "quest-1", Progress: 70},
	}
	require.NoError(t, c.RecordProgressBatch(context.Background(), events))

	assert.Equal(t, 40, ledger.completions[key("acct-1", "quest-1")].Progress)
	assert.Equal(t, 70, ledger.completions[key("acct-4", "quest-1")].Progress)
	assert.NotContains(t, ledger.completions, key("acct-2", "missing"))
}

func TestAccountProfile(t *testing.T) {
	c, ledger, _ := newTestCoordinator(t, ranksOnly(t))
	ledger.accounts["acct-1"] = &domain.Account{ID: "acct-1", XP: 1200, Rank: "Explorer"}
	ledger.achievements[key("acct-1", "first_quest")] = true

	profile, err := c.AccountProfile(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1200), profile.Account.XP)
	require.Len(t, profile.Achievements, 1)
	assert.Equal(t, "first_quest", profile.Achievements[0].AchievementID)

	_, err = c.AccountProfile(context.Background(), "nobody")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestTopClampsLimits(t *testing.T) {
	c, _, projector := newTestCoordinator(t, ranksOnly(t))
	ctx := context.Background()

	tests := []struct {
		requested int
		effective int
	}{
		{0, 100},
		{-5, 100},
		{10, 10},
		{5000, 1000},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("limit_%d", tt.requested), func(t *testing.T) {
			_, err := c.Top(ctx, tt.requested)
			require.NoError(t, err)
			assert.Equal(t, tt.effective, projector.lastTopN)
		})
	}
}
