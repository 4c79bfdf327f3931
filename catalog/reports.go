package catalog

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/issuance-engine/inventory"
)

// LowStock returns active products at or below their minimum, lowest first.
func (s *Service) LowStock(ctx context.Context, tenant inventory.TenantID) ([]inventory.StockLine, error) {
	if tenant == "" {
		return nil, inventory.ErrTenantRequired
	}
	lines, err := s.Ledger.Stock(ctx, tenant, false)
	if err != nil {
		return nil, err
	}
	var low []inventory.StockLine
	for _, line := range lines {
		if line.BelowMinimum() {
			low = append(low, line)
		}
	}
	sort.SliceStable(low, func(i, j int) bool { return low[i].OnHand < low[j].OnHand })
	return low, nil
}

// Expiring returns active products whose expiry falls before the cutoff,
// soonest first. Products without an expiry never appear.
func (s *Service) Expiring(ctx context.Context, tenant inventory.TenantID, before time.Time) ([]inventory.Product, error) {
	if tenant == "" {
		return nil, inventory.ErrTenantRequired
	}
	products, err := s.Store.ListProducts(ctx, tenant, false)
	if err != nil {
		return nil, err
	}
	var expiring []inventory.Product
	for _, p := range products {
		if p.ExpiresAt != nil && p.ExpiresAt.Before(before) {
			expiring = append(expiring, p)
		}
	}
	sort.SliceStable(expiring, func(i, j int) bool { return expiring[i].ExpiresAt.Before(*expiring[j].ExpiresAt) })
	return expiring, nil
}

type ValuationLine struct {
	ProductID inventory.ProductID
	Name      string
	OnHand    int64
	UnitCost  decimal.Decimal
	Value     decimal.Decimal
}

type Valuation struct {
	Lines []ValuationLine
	Total decimal.Decimal
}

// Valuation prices every active product's folded balance at its unit cost.
func (s *Service) Valuation(ctx context.Context, tenant inventory.TenantID) (*Valuation, error) {
	if tenant == "" {
		return nil, inventory.ErrTenantRequired
	}
	lines, err := s.Ledger.Stock(ctx, tenant, false)
	if err != nil {
		return nil, err
	}
	v := &Valuation{Total: decimal.Zero}
	for _, line := range lines {
		value := line.Value()
		v.Lines = append(v.Lines, ValuationLine{
			ProductID: line.Product.ID,
			Name:      line.Product.Name,
			OnHand:    line.OnHand,
			UnitCost:  line.Product.UnitCost,
			Value:     value,
		})
		v.Total = v.Total.Add(value)
	}
	return v, nil
}
