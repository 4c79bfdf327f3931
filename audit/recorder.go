/*
recorder.go - Audit Recorder

PURPOSE:
  Appends one immutable AuditEntry per workflow transition, direct issuance
  and administrative act. Entries are written through the caller's
  transaction, so an entry exists if and only if the act it describes
  committed.

FAILURE MODEL:
  Record never swallows errors. A storage failure aborts the caller's
  transaction, and with it the transition being audited.
*/
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/warp/issuance-engine/inventory"
)

// Event is what the caller knows about the act being recorded.
type Event struct {
	Kind      inventory.AuditKind
	TenantID  inventory.TenantID
	RequestID inventory.RequestID
	ActorID   string
	Details   map[string]string
}

type Recorder struct {
	Now   func() time.Time
	NewID func() string
}

func NewRecorder() *Recorder {
	return &Recorder{Now: time.Now, NewID: uuid.NewString}
}

// Record appends the event inside tx and returns the stored entry.
func (r *Recorder) Record(ctx context.Context, tx inventory.Tx, ev Event) (inventory.AuditEntry, error) {
	if ev.TenantID == "" {
		return inventory.AuditEntry{}, inventory.ErrTenantRequired
	}
	if ev.Kind == "" {
		return inventory.AuditEntry{}, fmt.Errorf("%w: audit kind is required", inventory.ErrInvalidInput)
	}
	if ev.ActorID == "" {
		return inventory.AuditEntry{}, fmt.Errorf("%w: audit actor is required", inventory.ErrInvalidInput)
	}

	entry := inventory.AuditEntry{
		ID:        r.newID(),
		TenantID:  ev.TenantID,
		Kind:      ev.Kind,
		RequestID: ev.RequestID,
		ActorID:   ev.ActorID,
		Details:   ev.Details,
		CreatedAt: r.now().UTC(),
	}
	if err := tx.InsertAudit(ctx, entry); err != nil {
		return inventory.AuditEntry{}, fmt.Errorf("failed to record %s: %w", ev.Kind, err)
	}
	return entry, nil
}

// Query returns entries of one tenant matching filter, oldest first.
func (r *Recorder) Query(ctx context.Context, reader inventory.Reader, tenant inventory.TenantID, filter inventory.AuditFilter) ([]inventory.AuditEntry, error) {
	if tenant == "" {
		return nil, inventory.ErrTenantRequired
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, fmt.Errorf("%w: audit range ends before it starts", inventory.ErrInvalidInput)
	}
	return reader.QueryAudit(ctx, tenant, filter)
}

// Trail is the full history of one request.
func (r *Recorder) Trail(ctx context.Context, reader inventory.Reader, tenant inventory.TenantID, request inventory.RequestID) ([]inventory.AuditEntry, error) {
	return r.Query(ctx, reader, tenant, inventory.AuditFilter{RequestID: request})
}

func (r *Recorder) now() time.Time {
	if r == nil || r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

func (r *Recorder) newID() string {
	if r == nil || r.NewID == nil {
		return uuid.NewString()
	}
	return r.NewID()
}
