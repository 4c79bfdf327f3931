package catalog

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/warp/issuance-engine/audit"
	"github.com/warp/issuance-engine/inventory"
)

// ReceiveStock appends an IN movement and audits STOCK_RECEIVED.
func (s *Service) ReceiveStock(ctx context.Context, actor inventory.Actor, product inventory.ProductID, quantity int64, reason string) (inventory.Movement, error) {
	if err := requireAdmin(actor); err != nil {
		return inventory.Movement{}, err
	}
	return s.appendAudited(ctx, actor, inventory.AuditStockReceived, inventory.Movement{
		TenantID:  actor.TenantID,
		ProductID: product,
		Quantity:  quantity,
		Kind:      inventory.MovementIn,
		ActorID:   actor.ID,
		Reason:    strings.TrimSpace(reason),
	})
}

// AdjustStock appends a correcting ADJUST movement. A reason is mandatory:
// adjustments are the only way to correct history.
func (s *Service) AdjustStock(ctx context.Context, actor inventory.Actor, product inventory.ProductID, quantity int64, direction inventory.AdjustDirection, reason string) (inventory.Movement, error) {
	if err := requireAdmin(actor); err != nil {
		return inventory.Movement{}, err
	}
	if strings.TrimSpace(reason) == "" {
		return inventory.Movement{}, fmt.Errorf("%w: adjustment reason is required", inventory.ErrInvalidInput)
	}
	return s.appendAudited(ctx, actor, inventory.AuditStockAdjusted, inventory.Movement{
		TenantID:  actor.TenantID,
		ProductID: product,
		Quantity:  quantity,
		Kind:      inventory.MovementAdjust,
		Direction: direction,
		ActorID:   actor.ID,
		Reason:    strings.TrimSpace(reason),
	})
}

func (s *Service) appendAudited(ctx context.Context, actor inventory.Actor, kind inventory.AuditKind, m inventory.Movement) (inventory.Movement, error) {
	var stored inventory.Movement
	err := s.Store.WithTx(ctx, func(tx inventory.Tx) error {
		var err error
		stored, err = s.Ledger.AppendTx(ctx, tx, m)
		if err != nil {
			return err
		}
		details := map[string]string{
			"movement_id": string(stored.ID),
			"product_id":  string(stored.ProductID),
			"quantity":    strconv.FormatInt(stored.Quantity, 10),
		}
		if stored.Direction != "" {
			details["direction"] = string(stored.Direction)
		}
		if stored.Reason != "" {
			details["reason"] = stored.Reason
		}
		_, err = s.Audit.Record(ctx, tx, audit.Event{
			Kind:     kind,
			TenantID: stored.TenantID,
			ActorID:  actor.ID,
			Details:  details,
		})
		return err
	})
	if err != nil {
		return inventory.Movement{}, err
	}

	s.Ledger.Refresh(ctx, stored.TenantID, stored.ProductID)
	s.log().Info("stock movement recorded",
		"tenant_id", stored.TenantID,
		"product_id", stored.ProductID,
		"kind", stored.Kind,
		"quantity", stored.Quantity)
	return stored, nil
}
