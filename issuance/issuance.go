/*
issuance.go - Direct Issuance Path

PURPOSE:
  Records equipment handed straight to a worker, without the request
  pipeline. One call produces one Delivery, one OUT movement per line item
  and one DELIVERY_ISSUED audit entry, all in a single transaction.

ALL-OR-NOTHING:
  If any line fails (insufficient balance, inactive product) the whole
  transaction rolls back: no movement for any line, no delivery, no audit.

LOCK ORDER:
  Lines are sorted by product id before debiting so two concurrent
  issuances touching the same products always lock them in the same order.
  Duplicate lines for one product are merged.

CONSENT:
  Declaration, signature and selfie are checked before anything is read or
  written. The delivery is sealed over all lines and consent artifacts.
*/
package issuance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/warp/issuance-engine/artifact"
	"github.com/warp/issuance-engine/audit"
	"github.com/warp/issuance-engine/goroutine"
	"github.com/warp/issuance-engine/integrity"
	"github.com/warp/issuance-engine/inventory"
	"github.com/warp/issuance-engine/logger"
)

type Line struct {
	ProductID inventory.ProductID
	Quantity  int64
}

type Input struct {
	WorkerID            inventory.WorkerID
	Lines               []Line
	Signature           []byte
	Selfie              []byte
	DeclarationAccepted bool
	OriginIP            string
	UserAgent           string
}

type Service struct {
	Store   inventory.Store
	Ledger  *inventory.Ledger
	Audit   *audit.Recorder
	Archive artifact.Archiver // optional

	Now   func() time.Time
	NewID func() string
	Log   *slog.Logger
}

func NewService(ledger *inventory.Ledger, recorder *audit.Recorder) *Service {
	return &Service{
		Store:  ledger.Store,
		Ledger: ledger,
		Audit:  recorder,
		Now:    time.Now,
		NewID:  uuid.NewString,
		Log:    logger.WithComponent("issuance"),
	}
}

// Issue records a direct delivery. Only admins issue directly.
func (s *Service) Issue(ctx context.Context, actor inventory.Actor, in Input) (*inventory.Delivery, error) {
	if actor.TenantID == "" {
		return nil, inventory.ErrTenantRequired
	}
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: %s cannot issue directly", inventory.ErrNotAuthorized, actor.ID)
	}
	if err := checkConsent(in); err != nil {
		return nil, err
	}
	if in.WorkerID == "" {
		return nil, fmt.Errorf("%w: worker is required", inventory.ErrInvalidInput)
	}
	lines, err := normalize(in.Lines)
	if err != nil {
		return nil, err
	}

	d := inventory.Delivery{
		ID:                  inventory.DeliveryID(s.newID()),
		TenantID:            actor.TenantID,
		WorkerID:            in.WorkerID,
		ActorID:             actor.ID,
		Signature:           in.Signature,
		Selfie:              in.Selfie,
		DeclarationAccepted: in.DeclarationAccepted,
		OriginIP:            in.OriginIP,
		UserAgent:           in.UserAgent,
		CreatedAt:           s.now(),
	}

	err = s.Store.WithTx(ctx, func(tx inventory.Tx) error {
		w, err := tx.GetWorker(ctx, d.TenantID, d.WorkerID)
		if err != nil {
			return err
		}
		if !w.Active {
			return fmt.Errorf("%w: %s", inventory.ErrWorkerInactive, w.ID)
		}

		d.Items = make([]inventory.DeliveryItem, 0, len(lines))
		for _, line := range lines {
			p, err := tx.GetProduct(ctx, d.TenantID, line.ProductID)
			if err != nil {
				return err
			}
			if !p.Active {
				return fmt.Errorf("%w: %s", inventory.ErrProductInactive, p.ID)
			}
			if _, err := s.Ledger.AppendTx(ctx, tx, inventory.Movement{
				TenantID:   d.TenantID,
				ProductID:  line.ProductID,
				Quantity:   line.Quantity,
				Kind:       inventory.MovementOut,
				ActorID:    actor.ID,
				WorkerID:   d.WorkerID,
				DeliveryID: d.ID,
				Reason:     "direct issuance",
			}); err != nil {
				return err
			}
			d.Items = append(d.Items, inventory.DeliveryItem{
				ProductID: p.ID,
				Name:      p.Name,
				Code:      p.Code,
				ExpiresAt: p.ExpiresAt,
				UnitCost:  p.UnitCost,
				Quantity:  line.Quantity,
			})
		}

		d.IntegrityHash = integrity.SealDelivery(&d)
		if err := tx.InsertDelivery(ctx, d); err != nil {
			return err
		}
		_, err = s.Audit.Record(ctx, tx, audit.Event{
			Kind:     inventory.AuditDeliveryIssued,
			TenantID: d.TenantID,
			ActorID:  actor.ID,
			Details: map[string]string{
				"delivery_id":    string(d.ID),
				"worker_id":      string(d.WorkerID),
				"items":          strconv.Itoa(len(d.Items)),
				"total_cost":     d.TotalCost().String(),
				"integrity_hash": d.IntegrityHash,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	products := make([]inventory.ProductID, 0, len(d.Items))
	for _, it := range d.Items {
		products = append(products, it.ProductID)
	}
	s.Ledger.Refresh(ctx, d.TenantID, products...)
	s.log().Info("delivery issued",
		"tenant_id", d.TenantID, "delivery_id", d.ID, "worker_id", d.WorkerID, "items", len(d.Items))
	s.archive(ctx, d)
	return &d, nil
}

func (s *Service) Get(ctx context.Context, tenant inventory.TenantID, id inventory.DeliveryID) (*inventory.Delivery, error) {
	if tenant == "" {
		return nil, inventory.ErrTenantRequired
	}
	return s.Store.GetDelivery(ctx, tenant, id)
}

// List returns the tenant's deliveries; an empty worker lists all of them.
func (s *Service) List(ctx context.Context, tenant inventory.TenantID, worker inventory.WorkerID) ([]inventory.Delivery, error) {
	if tenant == "" {
		return nil, inventory.ErrTenantRequired
	}
	return s.Store.ListDeliveries(ctx, tenant, worker)
}

// Verify re-seals the stored delivery and compares it with its digest.
func (s *Service) Verify(ctx context.Context, tenant inventory.TenantID, id inventory.DeliveryID) (bool, error) {
	d, err := s.Get(ctx, tenant, id)
	if err != nil {
		return false, err
	}
	return integrity.VerifyDelivery(d), nil
}

func checkConsent(in Input) error {
	var missing []string
	if !in.DeclarationAccepted {
		missing = append(missing, "declaration")
	}
	if len(in.Signature) == 0 {
		missing = append(missing, "signature")
	}
	if len(in.Selfie) == 0 {
		missing = append(missing, "selfie")
	}
	if len(missing) > 0 {
		return &inventory.ConsentError{Missing: missing}
	}
	return nil
}

// normalize validates quantities, merges duplicate products and sorts by id.
func normalize(lines []Line) ([]Line, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: at least one line item is required", inventory.ErrInvalidInput)
	}
	merged := make(map[inventory.ProductID]int64, len(lines))
	for _, l := range lines {
		if l.ProductID == "" {
			return nil, fmt.Errorf("%w: line item without product", inventory.ErrInvalidInput)
		}
		if l.Quantity <= 0 {
			return nil, fmt.Errorf("%w: %d for %s", inventory.ErrInvalidQuantity, l.Quantity, l.ProductID)
		}
		merged[l.ProductID] += l.Quantity
	}
	out := make([]Line, 0, len(merged))
	for id, qty := range merged {
		out = append(out, Line{ProductID: id, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (s *Service) archive(ctx context.Context, d inventory.Delivery) {
	if s.Archive == nil {
		return
	}
	log := s.log()
	bg := context.WithoutCancel(ctx)
	b := artifact.Bundle{
		TenantID:      string(d.TenantID),
		Kind:          artifact.KindDelivery,
		ID:            string(d.ID),
		Signature:     d.Signature,
		Selfie:        d.Selfie,
		IntegrityHash: d.IntegrityHash,
	}
	goroutine.SafeGo(log, "archive", func() {
		if err := s.Archive.Archive(bg, b); err != nil {
			log.Warn("artifact archive failed", "tenant_id", b.TenantID, "delivery_id", b.ID, "error", err)
		}
	})
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
