/*
catalog.go - Product catalog and worker registry

PURPOSE:
  Administrative operations around the ledger: registering products and
  workers, receiving and adjusting stock, and the derived stock reports.
  Every write is audited in the same transaction as the change.

RULES:
  - Only admins write. Reads are open to any actor of the tenant.
  - Products are deactivated, never deleted. An inactive product keeps its
    history, accepts no new IN movements, requests or deliveries.
  - Stock changes go through the Ledger, so the non-negative invariant
    applies to DECREASE adjustments too.

SEE ALSO:
  - stock.go:   ReceiveStock, AdjustStock
  - reports.go: LowStock, Expiring, Valuation
*/
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/issuance-engine/audit"
	"github.com/warp/issuance-engine/inventory"
	"github.com/warp/issuance-engine/logger"
)

type Service struct {
	Store  inventory.Store
	Ledger *inventory.Ledger
	Audit  *audit.Recorder
	Now    func() time.Time
	NewID  func() string
	Log    *slog.Logger
}

func NewService(ledger *inventory.Ledger, recorder *audit.Recorder) *Service {
	return &Service{
		Store:  ledger.Store,
		Ledger: ledger,
		Audit:  recorder,
		Now:    time.Now,
		NewID:  uuid.NewString,
		Log:    logger.WithComponent("catalog"),
	}
}

// ProductInput carries the editable attributes of a product.
type ProductInput struct {
	Name      string
	Code      string
	Category  inventory.Category
	MinStock  int64
	UnitCost  decimal.Decimal
	ExpiresAt *time.Time
}

func (in ProductInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: product name is required", inventory.ErrInvalidInput)
	}
	if strings.TrimSpace(in.Code) == "" {
		return fmt.Errorf("%w: product code is required", inventory.ErrInvalidInput)
	}
	if !in.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", inventory.ErrInvalidInput, in.Category)
	}
	if in.MinStock < 0 {
		return fmt.Errorf("%w: min stock cannot be negative", inventory.ErrInvalidInput)
	}
	if in.UnitCost.IsNegative() {
		return fmt.Errorf("%w: unit cost cannot be negative", inventory.ErrInvalidInput)
	}
	return nil
}

// =============================================================================
// PRODUCTS
// =============================================================================

func (s *Service) CreateProduct(ctx context.Context, actor inventory.Actor, in ProductInput) (*inventory.Product, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	now := s.now()
	p := inventory.Product{
		ID:        inventory.ProductID(s.newID()),
		TenantID:  actor.TenantID,
		Name:      strings.TrimSpace(in.Name),
		Code:      strings.TrimSpace(in.Code),
		Category:  in.Category,
		MinStock:  in.MinStock,
		UnitCost:  in.UnitCost,
		ExpiresAt: utcPtr(in.ExpiresAt),
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.Store.WithTx(ctx, func(tx inventory.Tx) error {
		if err := tx.InsertProduct(ctx, p); err != nil {
			return err
		}
		_, err := s.Audit.Record(ctx, tx, audit.Event{
			Kind:     inventory.AuditProductCreated,
			TenantID: p.TenantID,
			ActorID:  actor.ID,
			Details:  map[string]string{"product_id": string(p.ID), "code": p.Code, "name": p.Name},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log().Info("product created", "tenant_id", p.TenantID, "product_id", p.ID, "code", p.Code)
	return &p, nil
}

func (s *Service) UpdateProduct(ctx context.Context, actor inventory.Actor, id inventory.ProductID, in ProductInput) (*inventory.Product, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	var updated inventory.Product
	err := s.Store.WithTx(ctx, func(tx inventory.Tx) error {
		p, err := tx.GetProduct(ctx, actor.TenantID, id)
		if err != nil {
			return err
		}
		p.Name = strings.TrimSpace(in.Name)
		p.Code = strings.TrimSpace(in.Code)
		p.Category = in.Category
		p.MinStock = in.MinStock
		p.UnitCost = in.UnitCost
		p.ExpiresAt = utcPtr(in.ExpiresAt)
		p.UpdatedAt = s.now()
		if err := tx.UpdateProduct(ctx, *p); err != nil {
			return err
		}
		updated = *p
		_, err = s.Audit.Record(ctx, tx, audit.Event{
			Kind:     inventory.AuditProductUpdated,
			TenantID: p.TenantID,
			ActorID:  actor.ID,
			Details:  map[string]string{"product_id": string(p.ID), "code": p.Code, "name": p.Name},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeactivateProduct is idempotent: deactivating an inactive product returns
// it unchanged and audits nothing.
func (s *Service) DeactivateProduct(ctx context.Context, actor inventory.Actor, id inventory.ProductID) (*inventory.Product, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}

	var result inventory.Product
	err := s.Store.WithTx(ctx, func(tx inventory.Tx) error {
		p, err := tx.GetProduct(ctx, actor.TenantID, id)
		if err != nil {
			return err
		}
		result = *p
		if !p.Active {
			return nil
		}
		p.Active = false
		p.UpdatedAt = s.now()
		if err := tx.UpdateProduct(ctx, *p); err != nil {
			return err
		}
		result = *p
		_, err = s.Audit.Record(ctx, tx, audit.Event{
			Kind:     inventory.AuditProductDeactivated,
			TenantID: p.TenantID,
			ActorID:  actor.ID,
			Details:  map[string]string{"product_id": string(p.ID)},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *Service) GetProduct(ctx context.Context, tenant inventory.TenantID, id inventory.ProductID) (*inventory.Product, error) {
	if tenant == "" {
		return nil, inventory.ErrTenantRequired
	}
	return s.Store.GetProduct(ctx, tenant, id)
}

func (s *Service) ListProducts(ctx context.Context, tenant inventory.TenantID, includeInactive bool) ([]inventory.Product, error) {
	if tenant == "" {
		return nil, inventory.ErrTenantRequired
	}
	return s.Store.ListProducts(ctx, tenant, includeInactive)
}

// =============================================================================
// WORKERS
// =============================================================================

type WorkerInput struct {
	ID    inventory.WorkerID // optional; identity providers may supply their own
	Name  string
	Email string
}

func (s *Service) RegisterWorker(ctx context.Context, actor inventory.Actor, in WorkerInput) (*inventory.Worker, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("%w: worker name is required", inventory.ErrInvalidInput)
	}

	id := in.ID
	if id == "" {
		id = inventory.WorkerID(s.newID())
	}
	w := inventory.Worker{
		ID:        id,
		TenantID:  actor.TenantID,
		Name:      strings.TrimSpace(in.Name),
		Email:     strings.TrimSpace(in.Email),
		Active:    true,
		CreatedAt: s.now(),
	}

	err := s.Store.WithTx(ctx, func(tx inventory.Tx) error {
		if err := tx.InsertWorker(ctx, w); err != nil {
			return err
		}
		_, err := s.Audit.Record(ctx, tx, audit.Event{
			Kind:     inventory.AuditWorkerRegistered,
			TenantID: w.TenantID,
			ActorID:  actor.ID,
			Details:  map[string]string{"worker_id": string(w.ID)},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Service) GetWorker(ctx context.Context, tenant inventory.TenantID, id inventory.WorkerID) (*inventory.Worker, error) {
	if tenant == "" {
		return nil, inventory.ErrTenantRequired
	}
	return s.Store.GetWorker(ctx, tenant, id)
}

func (s *Service) ListWorkers(ctx context.Context, tenant inventory.TenantID) ([]inventory.Worker, error) {
	if tenant == "" {
		return nil, inventory.ErrTenantRequired
	}
	return s.Store.ListWorkers(ctx, tenant)
}

// =============================================================================
// HELPERS
// =============================================================================

func requireAdmin(actor inventory.Actor) error {
	if actor.TenantID == "" {
		return inventory.ErrTenantRequired
	}
	if !actor.IsAdmin() {
		return fmt.Errorf("%w: %s is not an admin", inventory.ErrNotAuthorized, actor.ID)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *Service) newID() string {
	if s.NewID == nil {
		return uuid.NewString()
	}
	return s.NewID()
}

func (s *Service) log() *slog.Logger {
	if s.Log == nil {
		return logger.Get()
	}
	return s.Log
}
