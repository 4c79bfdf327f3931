/*
balance.go - Balance Resolver

PURPOSE:
  Derives a product's on-hand quantity from its movements. There is no
  stored counter anywhere; any cached value is re-derivable from this fold.

FORMULA:
  OnHand = Σ(IN) + Σ(ADJUST·INCREASE) − Σ(OUT) − Σ(ADJUST·DECREASE)

COST:
  O(n) in the number of movements of one product. Physical inventories are
  bounded; the cache in snapshot.go serves read-heavy listings.
*/
package inventory

import "github.com/shopspring/decimal"

// BalanceDetail breaks the folded balance into its four components.
type BalanceDetail struct {
	ProductID ProductID
	In        int64
	Out       int64
	Increase  int64
	Decrease  int64
	OnHand    int64
	Movements int
}

// Fold computes the balance of a movement stream. It is pure: the same
// movements always yield the same detail, in any order.
func Fold(product ProductID, movements []Movement) BalanceDetail {
	d := BalanceDetail{ProductID: product}
	for _, m := range movements {
		switch m.Kind {
		case MovementIn:
			d.In += m.Quantity
		case MovementOut:
			d.Out += m.Quantity
		case MovementAdjust:
			if m.Direction == AdjustDecrease {
				d.Decrease += m.Quantity
			} else {
				d.Increase += m.Quantity
			}
		}
		d.Movements++
	}
	d.OnHand = d.In + d.Increase - d.Out - d.Decrease
	return d
}

// =============================================================================
// STOCK VIEWS - Derived read models over the fold
// =============================================================================

// StockLine pairs a product with its folded balance.
type StockLine struct {
	Product Product
	OnHand  int64
}

// BelowMinimum reports whether the line is at or under its threshold.
func (s StockLine) BelowMinimum() bool {
	return s.Product.MinStock > 0 && s.OnHand <= s.Product.MinStock
}

// Value is on-hand quantity times unit cost.
func (s StockLine) Value() decimal.Decimal {
	return s.Product.UnitCost.Mul(decimal.NewFromInt(s.OnHand))
}
