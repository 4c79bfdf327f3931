/*
transitions.go - Request state machine

PURPOSE:
  Defines the only legal moves of a Request and applies them atomically.

STATE DIAGRAM:

  SUBMITTED ──approve──▶ APPROVED ──beginSeparation──▶ SEPARATING
      │                                                    │
    reject                                             debitStock
      │                                                    ▼
      ▼                                              STOCK_DEBITED
  REJECTED                                                 │
                                                     markDelivered
                                                           ▼
                          CONFIRMED ◀──confirmReceipt── DELIVERED

  Every move is strictly forward. REJECTED and CONFIRMED are terminal.

ATOMICITY:
  One transaction holds the request lock and performs: the state check, the
  side effect (the ledger debit for debitStock), the status update and the
  audit entry. A failed guard or side effect rolls all of it back.

IDEMPOTENT DEBIT:
  debitStock on a request that already has its OUT movement returns success
  without writing anything. This covers network retries and double clicks.
*/
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/warp/issuance-engine/audit"
	"github.com/warp/issuance-engine/inventory"
)

type Trigger string

const (
	TriggerApprove         Trigger = "approve"
	TriggerReject          Trigger = "reject"
	TriggerBeginSeparation Trigger = "beginSeparation"
	TriggerDebitStock      Trigger = "debitStock"
	TriggerMarkDelivered   Trigger = "markDelivered"
	TriggerConfirmReceipt  Trigger = "confirmReceipt"
)

type transition struct {
	From   inventory.RequestStatus
	To     inventory.RequestStatus
	Audit  inventory.AuditKind
	Notify bool
}

var transitions = map[Trigger]transition{
	TriggerApprove:         {inventory.StatusSubmitted, inventory.StatusApproved, inventory.AuditApproved, true},
	TriggerReject:          {inventory.StatusSubmitted, inventory.StatusRejected, inventory.AuditRejected, true},
	TriggerBeginSeparation: {inventory.StatusApproved, inventory.StatusSeparating, inventory.AuditSeparating, true},
	TriggerDebitStock:      {inventory.StatusSeparating, inventory.StatusStockDebited, inventory.AuditStockDebited, true},
	TriggerMarkDelivered:   {inventory.StatusStockDebited, inventory.StatusDelivered, inventory.AuditDelivered, true},
	TriggerConfirmReceipt:  {inventory.StatusDelivered, inventory.StatusConfirmed, inventory.AuditConfirmed, false},
}

// rank orders the forward path. REJECTED sits outside it.
var rank = map[inventory.RequestStatus]int{
	inventory.StatusSubmitted:    1,
	inventory.StatusApproved:     2,
	inventory.StatusSeparating:   3,
	inventory.StatusStockDebited: 4,
	inventory.StatusDelivered:    5,
	inventory.StatusConfirmed:    6,
}

// Allowed reports whether trigger may fire from status.
func Allowed(status inventory.RequestStatus, trigger Trigger) bool {
	t, ok := transitions[trigger]
	return ok && t.From == status
}

// Terminal reports whether no trigger can fire from status.
func Terminal(status inventory.RequestStatus) bool {
	for _, t := range transitions {
		if t.From == status {
			return false
		}
	}
	return true
}

// reached reports whether a request in status has already passed through
// the target of trigger.
func reached(status inventory.RequestStatus, trigger Trigger) bool {
	t := transitions[trigger]
	if t.To == inventory.StatusRejected || status == inventory.StatusRejected {
		return status == t.To
	}
	return rank[status] >= rank[t.To]
}

// step mutates the locked request and returns the audit details. It runs
// inside the transition's transaction.
type step func(ctx context.Context, tx inventory.Tx, req *inventory.Request) (map[string]string, error)

// outcome is what a committed transition hands to post-commit work.
type outcome struct {
	request      inventory.Request
	from         inventory.RequestStatus
	noop         bool
	notification *Notification
}

// apply runs one transition attempt in a single transaction.
func (e *Engine) apply(ctx context.Context, actor inventory.Actor, id inventory.RequestID, trigger Trigger, fn step) (*outcome, error) {
	t, ok := transitions[trigger]
	if !ok {
		return nil, fmt.Errorf("%w: unknown trigger %q", inventory.ErrInvalidTransition, trigger)
	}
	tenant := actor.TenantID

	var out outcome
	err := e.Store.WithTx(ctx, func(tx inventory.Tx) error {
		if err := tx.LockRequest(ctx, tenant, id); err != nil {
			return err
		}
		req, err := tx.GetRequest(ctx, tenant, id)
		if err != nil {
			return err
		}
		out.from = req.Status

		if err := authorize(actor, req, trigger); err != nil {
			return err
		}

		if req.Status != t.From {
			if trigger == TriggerDebitStock {
				if debited, err := e.alreadyDebited(ctx, tx, req); err != nil || debited {
					out.request = *req
					out.noop = true
					return err
				}
			}
			return &inventory.TransitionError{RequestID: id, From: req.Status, Trigger: string(trigger)}
		}

		details := map[string]string{}
		if fn != nil {
			if details, err = fn(ctx, tx, req); err != nil {
				return err
			}
			if details == nil {
				details = map[string]string{}
			}
		}
		details["from"] = string(t.From)
		details["to"] = string(t.To)

		req.Status = t.To
		req.UpdatedAt = e.now()
		if err := tx.UpdateRequest(ctx, *req); err != nil {
			return err
		}
		if _, err := e.Audit.Record(ctx, tx, audit.Event{
			Kind:      t.Audit,
			TenantID:  tenant,
			RequestID: id,
			ActorID:   actor.ID,
			Details:   details,
		}); err != nil {
			return err
		}

		if t.Notify {
			n, err := e.notification(ctx, tx, req)
			if err != nil {
				return err
			}
			out.notification = n
		}
		out.request = *req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// alreadyDebited reports whether a debitStock retry should be a no-op.
func (e *Engine) alreadyDebited(ctx context.Context, tx inventory.Tx, req *inventory.Request) (bool, error) {
	if !reached(req.Status, TriggerDebitStock) {
		return false, nil
	}
	m, err := tx.MovementByRequest(ctx, req.TenantID, req.ID)
	if err != nil {
		return false, err
	}
	return m != nil, nil
}

// debitStep appends the request's single OUT movement.
func (e *Engine) debitStep(actor inventory.Actor) step {
	return func(ctx context.Context, tx inventory.Tx, req *inventory.Request) (map[string]string, error) {
		existing, err := tx.MovementByRequest(ctx, req.TenantID, req.ID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			e.log().Warn("debit already recorded for request",
				"tenant_id", req.TenantID, "request_id", req.ID, "movement_id", existing.ID)
			return debitDetails(*existing), nil
		}

		m, err := e.Ledger.AppendTx(ctx, tx, inventory.Movement{
			TenantID:  req.TenantID,
			ProductID: req.ProductID,
			Quantity:  req.Quantity,
			Kind:      inventory.MovementOut,
			ActorID:   actor.ID,
			WorkerID:  req.WorkerID,
			RequestID: req.ID,
			Reason:    req.Reason,
		})
		if errors.Is(err, inventory.ErrDuplicateDebit) {
			e.log().Warn("duplicate debit suppressed", "tenant_id", req.TenantID, "request_id", req.ID)
			existing, err := tx.MovementByRequest(ctx, req.TenantID, req.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to read existing debit: %w", err)
			}
			if existing == nil {
				return nil, inventory.ErrDuplicateDebit
			}
			return debitDetails(*existing), nil
		}
		if err != nil {
			return nil, err
		}
		return debitDetails(m), nil
	}
}

func debitDetails(m inventory.Movement) map[string]string {
	return map[string]string{
		"movement_id": string(m.ID),
		"product_id":  string(m.ProductID),
		"quantity":    strconv.FormatInt(m.Quantity, 10),
	}
}

// authorize checks the actor's authority for a trigger on a specific request.
//   - approve, reject: approver or admin
//   - separation, debit, delivery: approver or admin (warehouse staff)
//   - confirmReceipt: the receiving worker, or an admin on their behalf
func authorize(actor inventory.Actor, req *inventory.Request, trigger Trigger) error {
	switch trigger {
	case TriggerConfirmReceipt:
		if actor.ID == string(req.WorkerID) || actor.IsAdmin() {
			return nil
		}
	default:
		if actor.CanApprove() {
			return nil
		}
	}
	return fmt.Errorf("%w: %s cannot %s", inventory.ErrNotAuthorized, actor.ID, trigger)
}
