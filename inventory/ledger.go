/*
ledger.go - Movement Ledger

PURPOSE:
  The Ledger is the immutable source of truth for stock. Every receipt,
  issuance and correction is a Movement appended here. Balance is always
  computed by folding movements - there's no separate counter that can
  drift after a partial failure.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. NON-NEGATIVE: A debiting movement that would take the balance below
     zero is rejected with InsufficientBalanceError.
  3. SERIALIZED PER PRODUCT: The balance read and the movement write run
     in one transaction holding the product lock, so two concurrent debits
     can never both pass a stale check.
  4. TENANT-SCOPED: A movement always belongs to its product's tenant.

CORRECTIONS:
  Mistakes are corrected with an ADJUST movement, not by editing history.

EXAMPLE FLOW:
  1. Receive 10 helmets:   IN 10            balance 10
  2. Issue 3 to a worker:  OUT 3            balance 7
  3. Count finds 1 broken: ADJUST DEC 1     balance 6

SEE ALSO:
  - balance.go: The fold
  - snapshot.go: Non-authoritative cache and reconciliation
*/
package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/warp/issuance-engine/logger"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store Store

	// Cache is refreshed after commits when set. It is never read by Balance.
	Cache BalanceCache

	Now   func() time.Time
	NewID func() string
	Log   *slog.Logger
}

func NewLedger(store Store) *Ledger {
	return &Ledger{
		Store: store,
		Now:   time.Now,
		NewID: uuid.NewString,
		Log:   logger.WithComponent("ledger"),
	}
}

// Append validates and persists a movement in its own transaction.
func (l *Ledger) Append(ctx context.Context, m Movement) (Movement, error) {
	var stored Movement
	err := l.Store.WithTx(ctx, func(tx Tx) error {
		var err error
		stored, err = l.AppendTx(ctx, tx, m)
		return err
	})
	if err != nil {
		return Movement{}, err
	}
	l.Refresh(ctx, stored.TenantID, stored.ProductID)
	return stored, nil
}

// AppendTx persists a movement inside the caller's transaction. The caller
// is responsible for calling Refresh after its commit.
func (l *Ledger) AppendTx(ctx context.Context, tx Tx, m Movement) (Movement, error) {
	if err := validateMovement(m); err != nil {
		return Movement{}, err
	}

	product, err := tx.GetProduct(ctx, m.TenantID, m.ProductID)
	if err != nil {
		return Movement{}, err
	}
	if m.Kind == MovementIn && !product.Active {
		return Movement{}, fmt.Errorf("%w: %s", ErrProductInactive, product.ID)
	}

	if err := tx.LockProduct(ctx, m.TenantID, m.ProductID); err != nil {
		return Movement{}, err
	}

	if m.IsDebit() {
		available, err := l.BalanceTx(ctx, tx, m.TenantID, m.ProductID)
		if err != nil {
			return Movement{}, err
		}
		if available < m.Quantity {
			return Movement{}, &InsufficientBalanceError{
				ProductID: m.ProductID,
				Available: available,
				Requested: m.Quantity,
			}
		}
	}

	m.ID = MovementID(l.newID())
	m.CreatedAt = l.now().UTC()
	if err := tx.InsertMovement(ctx, m); err != nil {
		return Movement{}, err
	}
	return m, nil
}

func (l *Ledger) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}

func (l *Ledger) newID() string {
	if l.NewID == nil {
		return uuid.NewString()
	}
	return l.NewID()
}

func (l *Ledger) log() *slog.Logger {
	if l.Log == nil {
		return logger.Get()
	}
	return l.Log
}

func validateMovement(m Movement) error {
	if m.TenantID == "" {
		return ErrTenantRequired
	}
	if m.Quantity <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidQuantity, m.Quantity)
	}
	switch m.Kind {
	case MovementIn, MovementOut:
		if m.Direction != "" {
			return fmt.Errorf("%w: direction only applies to ADJUST", ErrInvalidMovement)
		}
	case MovementAdjust:
		if m.Direction != AdjustIncrease && m.Direction != AdjustDecrease {
			return fmt.Errorf("%w: ADJUST requires INCREASE or DECREASE", ErrInvalidMovement)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMovement, m.Kind)
	}
	return nil
}

// =============================================================================
// BALANCE QUERIES - Always the fold, never the cache
// =============================================================================

// Balance returns the current on-hand quantity of a product.
func (l *Ledger) Balance(ctx context.Context, tenant TenantID, product ProductID) (int64, error) {
	d, err := l.Detail(ctx, tenant, product)
	if err != nil {
		return 0, err
	}
	return d.OnHand, nil
}

// Detail returns the full fold of a product's movements.
func (l *Ledger) Detail(ctx context.Context, tenant TenantID, product ProductID) (BalanceDetail, error) {
	return detail(ctx, l.Store, tenant, product)
}

// BalanceTx folds inside a transaction, seeing the transaction's own writes.
func (l *Ledger) BalanceTx(ctx context.Context, tx Tx, tenant TenantID, product ProductID) (int64, error) {
	d, err := detail(ctx, tx, tenant, product)
	if err != nil {
		return 0, err
	}
	return d.OnHand, nil
}

func detail(ctx context.Context, r Reader, tenant TenantID, product ProductID) (BalanceDetail, error) {
	if tenant == "" {
		return BalanceDetail{}, ErrTenantRequired
	}
	if _, err := r.GetProduct(ctx, tenant, product); err != nil {
		return BalanceDetail{}, err
	}
	movements, err := r.LoadMovements(ctx, tenant, product)
	if err != nil {
		return BalanceDetail{}, err
	}
	return Fold(product, movements), nil
}

// Movements returns a product's history, oldest first.
func (l *Ledger) Movements(ctx context.Context, tenant TenantID, product ProductID) ([]Movement, error) {
	if _, err := l.Store.GetProduct(ctx, tenant, product); err != nil {
		return nil, err
	}
	return l.Store.LoadMovements(ctx, tenant, product)
}

// Stock folds every product of the tenant.
func (l *Ledger) Stock(ctx context.Context, tenant TenantID, includeInactive bool) ([]StockLine, error) {
	products, err := l.Store.ListProducts(ctx, tenant, includeInactive)
	if err != nil {
		return nil, err
	}
	lines := make([]StockLine, 0, len(products))
	for _, p := range products {
		movements, err := l.Store.LoadMovements(ctx, tenant, p.ID)
		if err != nil {
			return nil, err
		}
		lines = append(lines, StockLine{Product: p, OnHand: Fold(p.ID, movements).OnHand})
	}
	return lines, nil
}

// Refresh re-folds the given products and writes the results to the cache.
// Failures are logged: the cache is never authoritative.
func (l *Ledger) Refresh(ctx context.Context, tenant TenantID, products ...ProductID) {
	if l.Cache == nil {
		return
	}
	for _, p := range products {
		onHand, err := l.Balance(ctx, tenant, p)
		if err != nil {
			l.log().Warn("balance refresh failed", "tenant_id", tenant, "product_id", p, "error", err)
			continue
		}
		if err := l.Cache.Set(ctx, tenant, p, onHand); err != nil {
			l.log().Warn("balance cache write failed", "tenant_id", tenant, "product_id", p, "error", err)
		}
	}
}
