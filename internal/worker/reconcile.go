// Package worker runs the periodic reconciler that converges the system
// back to its invariants: completed quests are paid, and the leaderboard
// projection matches the ledger.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/quest-ledger/internal/config"
	"github.com/quest-ledger/internal/domain"
)

// LedgerSource is the slice of the authoritative store the reconciler reads
// and repairs. RepairAward must be idempotent: repairing an already-paid
// completion applies nothing and reports a nil result.
type LedgerSource interface {
	ListAccounts(ctx context.Context) ([]domain.Account, error)
	FindUnpaidCompletions(ctx context.Context, limit int) ([]domain.UnpaidCompletion, error)
	RepairAward(ctx context.Context, accountID string, amount int64, source domain.XPSource, sourceID string) (*domain.AwardResult, error)
}

// ProjectionStore is the rebuildable leaderboard view.
type ProjectionStore interface {
	Rebuild(ctx context.Context, accounts []domain.Account) error
	UpsertEntry(ctx context.Context, accountID string, xp int64, rank string) error
}

// Reconciler periodically repairs unpaid completions and refreshes the
// leaderboard projection from the ledger
type Reconciler struct {
	ledger     LedgerSource
	projection ProjectionStore
	config     *config.ReconcileConfig
	logger     *slog.Logger
	stopCh     chan struct{}
	doneCh     chan struct{}
	mu         sync.Mutex
	running    bool
}

// NewReconciler creates a new reconciliation worker
func NewReconciler(
	ledger LedgerSource,
	projection ProjectionStore,
	cfg *config.ReconcileConfig,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		ledger:     ledger,
		projection: projection,
		config:     cfg,
		logger:     logger,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the background reconciliation loop
func (w *Reconciler) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("reconciler started", "interval", w.config.Interval)

	go w.run(ctx)
	return nil
}

// Stop stops the background reconciliation loop
func (w *Reconciler) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("reconciler stopped")
	return nil
}

// IsRunning returns whether the worker is currently running
func (w *Reconciler) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// RunOnce runs a single reconciliation cycle (useful for manual triggers
// and startup recovery)
func (w *Reconciler) RunOnce(ctx context.Context) {
	w.reconcile(ctx)
}

// run is the main worker loop
func (w *Reconciler) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.reconcile(ctx)
		}
	}
}

// reconcile runs one full cycle: pay whatever the write path left unpaid,
// then refresh the projection so it reflects the repaired ledger.
func (w *Reconciler) reconcile(ctx context.Context) {
	w.logger.Info("starting reconciliation cycle")
	startTime := time.Now()

	repaired, errorCount := w.repairUnpaid(ctx)

	if err := w.rebuildProjection(ctx); err != nil {
		w.logger.Error("failed to rebuild projection", "error", err)
		errorCount++
	}

	w.logger.Info("reconciliation cycle completed",
		"duration", time.Since(startTime),
		"repaired", repaired,
		"errors", errorCount,
	)
}

// repairUnpaid finds completions with no matching XP transaction and pays
// them. The audit insert inside RepairAward is the idempotency barrier, so
// re-scanning a completion that was paid between scan and repair is safe.
func (w *Reconciler) repairUnpaid(ctx context.Context) (repaired, errorCount int) {
	unpaid, err := w.ledger.FindUnpaidCompletions(ctx, w.config.BatchSize)
	if err != nil {
		w.logger.Error("failed to scan for unpaid completions", "error", err)
		return 0, 1
	}
	if len(unpaid) == 0 {
		return 0, 0
	}

	w.logger.Warn("found unpaid completions", "count", len(unpaid))

	for _, u := range unpaid {
		result, err := w.ledger.RepairAward(ctx, u.AccountID, u.RewardPoints, domain.SourceQuestCompletion, u.QuestID)
		if err != nil {
			w.logger.Error("failed to repair unpaid completion",
				"account_id", u.AccountID,
				"quest_id", u.QuestID,
				"error", err,
			)
			errorCount++
			continue
		}
		if result == nil {
			// Paid between scan and repair; nothing applied.
			continue
		}

		repaired++
		w.logger.Info("repaired unpaid completion",
			"account_id", u.AccountID,
			"quest_id", u.QuestID,
			"amount", u.RewardPoints,
			"new_total", result.NewTotal,
		)

		if err := w.projection.UpsertEntry(ctx, u.AccountID, result.NewTotal, result.NewRank); err != nil {
			w.logger.Warn("failed to project repaired award",
				"account_id", u.AccountID,
				"error", err,
			)
		}
	}
	return repaired, errorCount
}

// rebuildProjection rewrites the leaderboard projection from the ledger,
// retrying transient failures with exponential backoff.
func (w *Reconciler) rebuildProjection(ctx context.Context) error {
	accounts, err := w.ledger.ListAccounts(ctx)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return nil
	}

	operation := func() error {
		return w.projection.Rebuild(ctx, accounts)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return err
	}

	w.logger.Debug("projection rebuilt", "accounts", len(accounts))
	return nil
}
