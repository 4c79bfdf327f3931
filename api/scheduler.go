/*
scheduler.go - Automated balance reconciliation scheduler

PURPOSE:
  Periodically re-folds every product's movements and rewrites the balance
  cache, reporting any drift between cache and ledger.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - A run already in progress makes RunNow wait rather than overlap
  - Keeps the last report for GET /api/admin/reconcile/last

CONFIGURATION:
  - CheckInterval: How often to run (default: 1 hour, reconcile.interval)
  - Enabled: Whether scheduler is active (default: true, reconcile.enabled)

USAGE:
  scheduler := NewReconciliationScheduler(reconciler)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerReconcile endpoint (manual reconciliation)
  - inventory/snapshot.go: Reconciler
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/issuance-engine/goroutine"
	"github.com/warp/issuance-engine/inventory"
	"github.com/warp/issuance-engine/logger"
)

// ReconciliationScheduler handles automated cache reconciliation.
type ReconciliationScheduler struct {
	Reconciler    *inventory.Reconciler
	CheckInterval time.Duration
	Enabled       bool
	Log           *slog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	runMu  sync.Mutex
	lastMu sync.Mutex
	last   *inventory.ReconcileReport
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(reconciler *inventory.Reconciler) *ReconciliationScheduler {
	return &ReconciliationScheduler{
		Reconciler:    reconciler,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Log:           logger.WithComponent("scheduler"),
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Log.Info("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	ticker, stop := rs.ticker, rs.stop
	goroutine.SafeGo(rs.Log, "reconcile-scheduler", func() { rs.run(ticker, stop) })

	rs.Log.Info("scheduler started", "interval", rs.CheckInterval)
}

// Stop stops the scheduler and waits for a run in progress.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.Log.Info("scheduler stopped")
	}
}

func (rs *ReconciliationScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	rs.checkAndProcess(ctx)

	for {
		select {
		case <-ticker.C:
			rs.checkAndProcess(ctx)
		case <-stop:
			return
		}
	}
}

func (rs *ReconciliationScheduler) checkAndProcess(ctx context.Context) {
	if _, err := rs.RunNow(ctx); err != nil && ctx.Err() == nil {
		rs.Log.Error("reconciliation failed", "error", err)
	}
}

// RunNow triggers an immediate reconciliation (for admin endpoints and
// the reconcile command).
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) (*inventory.ReconcileReport, error) {
	rs.runMu.Lock()
	defer rs.runMu.Unlock()

	report, err := rs.Reconciler.Run(ctx)
	if err != nil {
		return nil, err
	}
	rs.lastMu.Lock()
	rs.last = report
	rs.lastMu.Unlock()

	attrs := []any{
		"tenants", report.Tenants,
		"products", report.Products,
		"drifts", len(report.Drifts),
		"errors", len(report.Errors),
		"duration", report.FinishedAt.Sub(report.StartedAt),
	}
	if len(report.Drifts) > 0 || len(report.Errors) > 0 {
		rs.Log.Warn("reconciliation completed with findings", attrs...)
		for _, d := range report.Drifts {
			if d.Missing {
				continue
			}
			rs.Log.Warn("balance cache drift",
				"tenant_id", d.TenantID, "product_id", d.Product,
				"cached", d.Cached, "folded", d.Folded)
		}
	} else {
		rs.Log.Info("reconciliation completed", attrs...)
	}
	return report, nil
}

// LastReport returns the most recent report, or nil before the first run.
func (rs *ReconciliationScheduler) LastReport() *inventory.ReconcileReport {
	rs.lastMu.Lock()
	defer rs.lastMu.Unlock()
	return rs.last
}

// GetNextRunTime returns when the next scheduled check will occur.
func (rs *ReconciliationScheduler) GetNextRunTime() time.Time {
	return time.Now().Add(rs.CheckInterval)
}
