package inventory

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// BALANCE CACHE - Fast reads for listings, never authoritative
// =============================================================================

// BalanceCache holds re-derivable balances. Nothing in the core decides
// anything based on a cached value; debits always fold the ledger.
type BalanceCache interface {
	Get(ctx context.Context, tenant TenantID, product ProductID) (onHand int64, ok bool, err error)
	Set(ctx context.Context, tenant TenantID, product ProductID, onHand int64) error
	Delete(ctx context.Context, tenant TenantID, product ProductID) error
}

// =============================================================================
// RECONCILER - Re-derive the cache from the ledger
// =============================================================================

// Drift is a cache entry that disagreed with the fold.
type Drift struct {
	TenantID TenantID
	Product  ProductID
	Cached   int64
	Folded   int64
	Missing  bool
}

type ReconcileReport struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Tenants    int
	Products   int
	Drifts     []Drift
	Errors     []string
}

type Reconciler struct {
	Ledger *Ledger
	Cache  BalanceCache
	Now    func() time.Time
}

// Run folds every product in every tenant and rewrites the cache. A failure
// on one product is recorded and the run continues.
func (r *Reconciler) Run(ctx context.Context) (*ReconcileReport, error) {
	now := r.Now
	if now == nil {
		now = time.Now
	}
	report := &ReconcileReport{StartedAt: now()}

	tenants, err := r.Ledger.Store.Tenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}

	for _, tenant := range tenants {
		lines, err := r.Ledger.Stock(ctx, tenant, true)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", tenant, err))
			continue
		}
		report.Tenants++
		for _, line := range lines {
			report.Products++
			if r.Cache == nil {
				continue
			}
			if err := ctx.Err(); err != nil {
				return report, err
			}
			r.reconcileLine(ctx, report, tenant, line)
		}
	}

	report.FinishedAt = now()
	return report, nil
}

func (r *Reconciler) reconcileLine(ctx context.Context, report *ReconcileReport, tenant TenantID, line StockLine) {
	cached, ok, err := r.Cache.Get(ctx, tenant, line.Product.ID)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("%s/%s: %v", tenant, line.Product.ID, err))
		return
	}
	if !ok || cached != line.OnHand {
		report.Drifts = append(report.Drifts, Drift{
			TenantID: tenant,
			Product:  line.Product.ID,
			Cached:   cached,
			Folded:   line.OnHand,
			Missing:  !ok,
		})
	}
	if err := r.Cache.Set(ctx, tenant, line.Product.ID, line.OnHand); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("%s/%s: %v", tenant, line.Product.ID, err))
	}
}
