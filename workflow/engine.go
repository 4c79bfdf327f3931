/*
engine.go - Workflow Engine

PURPOSE:
  Drives a Request from worker submission to confirmed receipt. The engine
  owns the state machine (transitions.go), the single ledger debit of each
  request and the post-commit side effects.

PER OPERATION:
  1. Guard: tenant, authority, input
  2. One transaction: lock request, check state, side effect, update, audit
  3. After commit: cache refresh, notification, artifact archive

STORAGE FAILURES:
  ErrStorageUnavailable is ambiguous: the commit may or may not have landed.
  The engine re-reads the request. If the transition is visible it reports
  success; otherwise it retries up to MaxRetries with linear backoff.

SIDE EFFECTS ARE BEST-EFFORT:
  Notifications and archival run in the background after commit and never
  change the outcome of the operation that triggered them.
*/
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warp/issuance-engine/artifact"
	"github.com/warp/issuance-engine/audit"
	"github.com/warp/issuance-engine/goroutine"
	"github.com/warp/issuance-engine/integrity"
	"github.com/warp/issuance-engine/inventory"
	"github.com/warp/issuance-engine/logger"
)

const (
	DefaultMaxRetries    = 3
	DefaultRetryBackoff  = 100 * time.Millisecond
	defaultNotifyTimeout = 30 * time.Second
)

type Engine struct {
	Store    inventory.Store
	Ledger   *inventory.Ledger
	Audit    *audit.Recorder
	Notifier Notifier          // optional
	Archive  artifact.Archiver // optional

	MaxRetries   int
	RetryBackoff time.Duration

	Now   func() time.Time
	NewID func() string
	Log   *slog.Logger
}

func NewEngine(ledger *inventory.Ledger, recorder *audit.Recorder) *Engine {
	return &Engine{
		Store:        ledger.Store,
		Ledger:       ledger,
		Audit:        recorder,
		MaxRetries:   DefaultMaxRetries,
		RetryBackoff: DefaultRetryBackoff,
		Now:          time.Now,
		NewID:        uuid.NewString,
		Log:          logger.WithComponent("workflow"),
	}
}

// =============================================================================
// SUBMISSION
// =============================================================================

type SubmitInput struct {
	WorkerID    inventory.WorkerID // defaults to the actor
	ProductID   inventory.ProductID
	Quantity    int64
	Reason      string
	Note        string
	Signature   []byte
	Selfie      []byte
	OriginIP    string
	UserAgent   string
	Geolocation *inventory.Geolocation
}

// Submit creates a request in SUBMITTED. The integrity hash is sealed here,
// before the record exists anywhere mutable.
func (e *Engine) Submit(ctx context.Context, actor inventory.Actor, in SubmitInput) (*inventory.Request, error) {
	if actor.TenantID == "" {
		return nil, inventory.ErrTenantRequired
	}
	worker := in.WorkerID
	if worker == "" {
		worker = inventory.WorkerID(actor.ID)
	}
	if string(worker) != actor.ID && !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: %s cannot submit for %s", inventory.ErrNotAuthorized, actor.ID, worker)
	}
	if in.Quantity <= 0 {
		return nil, fmt.Errorf("%w: %d", inventory.ErrInvalidQuantity, in.Quantity)
	}
	if err := checkConsent(in.Signature, in.Selfie); err != nil {
		return nil, err
	}
	if err := validateGeolocation(in.Geolocation); err != nil {
		return nil, err
	}

	now := e.now()
	req := inventory.Request{
		ID:          inventory.RequestID(e.newID()),
		TenantID:    actor.TenantID,
		WorkerID:    worker,
		ProductID:   in.ProductID,
		Quantity:    in.Quantity,
		Reason:      strings.TrimSpace(in.Reason),
		Note:        strings.TrimSpace(in.Note),
		Status:      inventory.StatusSubmitted,
		CreatedAt:   now,
		UpdatedAt:   now,
		Signature:   in.Signature,
		Selfie:      in.Selfie,
		OriginIP:    in.OriginIP,
		UserAgent:   in.UserAgent,
		Geolocation: in.Geolocation,
	}
	req.IntegrityHash = integrity.SealRequest(&req)

	insert := func() error {
		return e.Store.WithTx(ctx, func(tx inventory.Tx) error {
			w, err := tx.GetWorker(ctx, req.TenantID, req.WorkerID)
			if err != nil {
				return err
			}
			if !w.Active {
				return fmt.Errorf("%w: %s", inventory.ErrWorkerInactive, w.ID)
			}
			p, err := tx.GetProduct(ctx, req.TenantID, req.ProductID)
			if err != nil {
				return err
			}
			if !p.Active {
				return fmt.Errorf("%w: %s", inventory.ErrProductInactive, p.ID)
			}
			if err := tx.InsertRequest(ctx, req); err != nil {
				return err
			}
			_, err = e.Audit.Record(ctx, tx, audit.Event{
				Kind:      inventory.AuditSubmitted,
				TenantID:  req.TenantID,
				RequestID: req.ID,
				ActorID:   actor.ID,
				Details: map[string]string{
					"product_id":     string(req.ProductID),
					"quantity":       strconv.FormatInt(req.Quantity, 10),
					"integrity_hash": req.IntegrityHash,
				},
			})
			return err
		})
	}
	landed := func() (bool, error) {
		_, err := e.Store.GetRequest(ctx, req.TenantID, req.ID)
		if inventory.IsNotFound(err) {
			return false, nil
		}
		return err == nil, err
	}
	if err := e.retry(ctx, "submit", insert, landed); err != nil {
		return nil, err
	}

	e.log().Info("request submitted",
		"tenant_id", req.TenantID, "request_id", req.ID, "worker_id", req.WorkerID,
		"product_id", req.ProductID, "quantity", req.Quantity)
	e.archive(ctx, artifact.Bundle{
		TenantID:      string(req.TenantID),
		Kind:          artifact.KindRequest,
		ID:            string(req.ID),
		Signature:     req.Signature,
		Selfie:        req.Selfie,
		IntegrityHash: req.IntegrityHash,
	})
	return &req, nil
}

func checkConsent(signature, selfie []byte) error {
	var missing []string
	if len(signature) == 0 {
		missing = append(missing, "signature")
	}
	if len(selfie) == 0 {
		missing = append(missing, "selfie")
	}
	if len(missing) > 0 {
		return &inventory.ConsentError{Missing: missing}
	}
	return nil
}

func validateGeolocation(g *inventory.Geolocation) error {
	if g == nil {
		return nil
	}
	if g.Latitude < -90 || g.Latitude > 90 || g.Longitude < -180 || g.Longitude > 180 || g.Accuracy < 0 {
		return fmt.Errorf("%w: geolocation out of range", inventory.ErrInvalidInput)
	}
	return nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func (e *Engine) Approve(ctx context.Context, actor inventory.Actor, id inventory.RequestID, note string) (*inventory.Request, error) {
	return e.transition(ctx, actor, id, TriggerApprove, func(_ context.Context, _ inventory.Tx, req *inventory.Request) (map[string]string, error) {
		at := e.now()
		req.ApproverID = actor.ID
		req.ApprovedAt = &at
		req.ApprovalNote = strings.TrimSpace(note)
		return map[string]string{"note": req.ApprovalNote}, nil
	})
}

// Reject is only possible from SUBMITTED. A non-empty reason is required.
func (e *Engine) Reject(ctx context.Context, actor inventory.Actor, id inventory.RequestID, reason string) (*inventory.Request, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: rejection reason is required", inventory.ErrInvalidInput)
	}
	return e.transition(ctx, actor, id, TriggerReject, func(_ context.Context, _ inventory.Tx, req *inventory.Request) (map[string]string, error) {
		at := e.now()
		req.ApproverID = actor.ID
		req.RejectedAt = &at
		req.RejectionReason = reason
		return map[string]string{"reason": reason}, nil
	})
}

func (e *Engine) BeginSeparation(ctx context.Context, actor inventory.Actor, id inventory.RequestID) (*inventory.Request, error) {
	return e.transition(ctx, actor, id, TriggerBeginSeparation, nil)
}

// DebitStock appends the request's OUT movement. Calling it again after it
// succeeded returns the request unchanged and writes nothing.
func (e *Engine) DebitStock(ctx context.Context, actor inventory.Actor, id inventory.RequestID) (*inventory.Request, error) {
	return e.transition(ctx, actor, id, TriggerDebitStock, e.debitStep(actor))
}

func (e *Engine) MarkDelivered(ctx context.Context, actor inventory.Actor, id inventory.RequestID) (*inventory.Request, error) {
	return e.transition(ctx, actor, id, TriggerMarkDelivered, nil)
}

func (e *Engine) ConfirmReceipt(ctx context.Context, actor inventory.Actor, id inventory.RequestID) (*inventory.Request, error) {
	return e.transition(ctx, actor, id, TriggerConfirmReceipt, nil)
}

func (e *Engine) transition(ctx context.Context, actor inventory.Actor, id inventory.RequestID, trigger Trigger, fn step) (*inventory.Request, error) {
	if actor.TenantID == "" {
		return nil, inventory.ErrTenantRequired
	}

	var out *outcome
	attempt := func() error {
		var err error
		out, err = e.apply(ctx, actor, id, trigger, fn)
		return err
	}
	landed := func() (bool, error) {
		req, err := e.Store.GetRequest(ctx, actor.TenantID, id)
		if err != nil {
			return false, err
		}
		if !reached(req.Status, trigger) {
			return false, nil
		}
		if trigger == TriggerDebitStock {
			m, err := e.Store.MovementByRequest(ctx, actor.TenantID, id)
			if err != nil || m == nil {
				return false, err
			}
		} else if mine, err := e.landedBy(ctx, actor, id, trigger); err != nil || !mine {
			return false, err
		}
		recovered := &outcome{request: *req, from: transitions[trigger].From}
		if transitions[trigger].Notify && req.Status == transitions[trigger].To {
			recovered.notification, _ = e.notification(ctx, e.Store, req)
		}
		out = recovered
		return true, nil
	}
	if err := e.retry(ctx, string(trigger), attempt, landed); err != nil {
		return nil, err
	}

	e.afterCommit(ctx, actor, trigger, out)
	r := out.request
	return &r, nil
}

// landedBy reports whether the audit entry of trigger on this request was
// written by actor. The entry commits with the status change, so it tells a
// lost acknowledgement apart from another actor's transition.
func (e *Engine) landedBy(ctx context.Context, actor inventory.Actor, id inventory.RequestID, trigger Trigger) (bool, error) {
	entries, err := e.Store.QueryAudit(ctx, actor.TenantID, inventory.AuditFilter{
		RequestID: id,
		Kinds:     []inventory.AuditKind{transitions[trigger].Audit},
	})
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		if entry.ActorID == actor.ID {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) afterCommit(ctx context.Context, actor inventory.Actor, trigger Trigger, out *outcome) {
	req := out.request
	if out.noop {
		e.log().Warn("debit retry ignored, movement already recorded",
			"tenant_id", req.TenantID, "request_id", req.ID, "status", req.Status)
		return
	}

	e.log().Info("request transitioned",
		"tenant_id", req.TenantID,
		"request_id", req.ID,
		"from", out.from,
		"to", req.Status,
		"actor_id", actor.ID)

	if trigger == TriggerDebitStock {
		e.Ledger.Refresh(ctx, req.TenantID, req.ProductID)
	}
	if out.notification != nil {
		e.dispatch(ctx, *out.notification)
	}
}

// =============================================================================
// QUERIES
// =============================================================================

func (e *Engine) Get(ctx context.Context, tenant inventory.TenantID, id inventory.RequestID) (*inventory.Request, error) {
	if tenant == "" {
		return nil, inventory.ErrTenantRequired
	}
	return e.Store.GetRequest(ctx, tenant, id)
}

func (e *Engine) List(ctx context.Context, tenant inventory.TenantID, filter inventory.RequestFilter) ([]inventory.Request, error) {
	if tenant == "" {
		return nil, inventory.ErrTenantRequired
	}
	return e.Store.ListRequests(ctx, tenant, filter)
}

// Trail returns the audit history of a request, oldest first.
func (e *Engine) Trail(ctx context.Context, tenant inventory.TenantID, id inventory.RequestID) ([]inventory.AuditEntry, error) {
	if _, err := e.Get(ctx, tenant, id); err != nil {
		return nil, err
	}
	return e.Audit.Trail(ctx, e.Store, tenant, id)
}

// Verify re-seals the stored request and compares it with its digest.
func (e *Engine) Verify(ctx context.Context, tenant inventory.TenantID, id inventory.RequestID) (bool, error) {
	req, err := e.Get(ctx, tenant, id)
	if err != nil {
		return false, err
	}
	return integrity.VerifyRequest(req), nil
}

// =============================================================================
// BACKGROUND SIDE EFFECTS
// =============================================================================

func (e *Engine) dispatch(ctx context.Context, n Notification) {
	if e.Notifier == nil {
		return
	}
	log := e.log()
	bg := context.WithoutCancel(ctx)
	goroutine.SafeGo(log, "notify", func() {
		nctx, cancel := context.WithTimeout(bg, defaultNotifyTimeout)
		defer cancel()
		if err := e.Notifier.Notify(nctx, n); err != nil {
			log.Warn("notification failed",
				"tenant_id", n.TenantID, "request_id", n.RequestID, "status", n.Status, "error", err)
		}
	})
}

func (e *Engine) archive(ctx context.Context, b artifact.Bundle) {
	if e.Archive == nil {
		return
	}
	log := e.log()
	bg := context.WithoutCancel(ctx)
	goroutine.SafeGo(log, "archive", func() {
		if err := e.Archive.Archive(bg, b); err != nil {
			log.Warn("artifact archive failed", "tenant_id", b.TenantID, "kind", b.Kind, "id", b.ID, "error", err)
		}
	})
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

func (e *Engine) newID() string {
	if e.NewID == nil {
		return uuid.NewString()
	}
	return e.NewID()
}

func (e *Engine) log() *slog.Logger {
	if e.Log == nil {
		return logger.Get()
	}
	return e.Log
}
