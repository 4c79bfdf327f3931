package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/issuance-engine/artifact"
	"github.com/warp/issuance-engine/audit"
	"github.com/warp/issuance-engine/inventory"
	"github.com/warp/issuance-engine/inventory/store"
	"github.com/warp/issuance-engine/workflow"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const tenant inventory.TenantID = "acme"

var (
	boss   = inventory.Actor{ID: "boss", TenantID: tenant, Role: inventory.RoleApprover}
	admin  = inventory.Actor{ID: "admin", TenantID: tenant, Role: inventory.RoleAdmin}
	worker = inventory.Actor{ID: "w1", TenantID: tenant, Role: inventory.RoleWorker}
)

// recordingNotifier collects notifications sent from background goroutines.
type recordingNotifier struct {
	ch chan workflow.Notification
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{ch: make(chan workflow.Notification, 32)}
}

func (r *recordingNotifier) Notify(_ context.Context, n workflow.Notification) error {
	r.ch <- n
	return nil
}

func (r *recordingNotifier) next(t *testing.T) workflow.Notification {
	t.Helper()
	select {
	case n := <-r.ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("expected a notification")
		return workflow.Notification{}
	}
}

func (r *recordingNotifier) none(t *testing.T) {
	t.Helper()
	select {
	case n := <-r.ch:
		t.Fatalf("unexpected notification %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

type fixture struct {
	store    *store.Memory
	ledger   *inventory.Ledger
	engine   *workflow.Engine
	notifier *recordingNotifier
}

func newFixture(t *testing.T, stock int64) *fixture {
	t.Helper()
	return newFixtureOn(t, store.NewMemory(), stock)
}

func newFixtureOn(t *testing.T, s inventory.Store, stock int64) *fixture {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx inventory.Tx) error {
		if err := tx.InsertProduct(ctx, inventory.Product{
			ID: "p1", TenantID: tenant, Name: "Helmet", Code: "HLM",
			Category: inventory.CategoryPersonal, UnitCost: decimal.NewFromInt(10), Active: true,
		}); err != nil {
			return err
		}
		return tx.InsertWorker(ctx, inventory.Worker{ID: "w1", TenantID: tenant, Name: "Ana", Active: true})
	}))

	ledger := inventory.NewLedger(s)
	if stock > 0 {
		_, err := ledger.Append(ctx, inventory.Movement{
			TenantID: tenant, ProductID: "p1", Quantity: stock, Kind: inventory.MovementIn, ActorID: "admin",
		})
		require.NoError(t, err)
	}

	engine := workflow.NewEngine(ledger, audit.NewRecorder())
	engine.RetryBackoff = time.Millisecond
	notifier := newRecordingNotifier()
	engine.Notifier = notifier

	mem, _ := s.(*store.Memory)
	return &fixture{store: mem, ledger: ledger, engine: engine, notifier: notifier}
}

func submitInput(qty int64) workflow.SubmitInput {
	return workflow.SubmitInput{
		ProductID: "p1",
		Quantity:  qty,
		Reason:    "worn out",
		Signature: []byte("signature-png"),
		Selfie:    []byte("selfie-jpg"),
		OriginIP:  "10.0.0.7",
		UserAgent: "kiosk/1.0",
	}
}

func (f *fixture) submit(t *testing.T, qty int64) *inventory.Request {
	t.Helper()
	req, err := f.engine.Submit(context.Background(), worker, submitInput(qty))
	require.NoError(t, err)
	return req
}

// toSeparating moves a fresh request to SEPARATING and drains its notifications.
func (f *fixture) toSeparating(t *testing.T, qty int64) *inventory.Request {
	t.Helper()
	ctx := context.Background()
	req := f.submit(t, qty)
	_, err := f.engine.Approve(ctx, boss, req.ID, "")
	require.NoError(t, err)
	sep, err := f.engine.BeginSeparation(ctx, boss, req.ID)
	require.NoError(t, err)
	f.notifier.next(t)
	f.notifier.next(t)
	return sep
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), tenant, "p1")
	require.NoError(t, err)
	return b
}

func (f *fixture) movements(t *testing.T) []inventory.Movement {
	t.Helper()
	ms, err := f.ledger.Movements(context.Background(), tenant, "p1")
	require.NoError(t, err)
	return ms
}

func outFor(ms []inventory.Movement, id inventory.RequestID) int {
	n := 0
	for _, m := range ms {
		if m.Kind == inventory.MovementOut && m.RequestID == id {
			n++
		}
	}
	return n
}

// =============================================================================
// SUBMISSION
// =============================================================================

func TestSubmit_SealsAndAudits(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	req := f.submit(t, 2)

	assert.Equal(t, inventory.StatusSubmitted, req.Status)
	assert.Equal(t, inventory.WorkerID("w1"), req.WorkerID)
	assert.Len(t, req.IntegrityHash, 64)

	ok, err := f.engine.Verify(ctx, tenant, req.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	trail, err := f.engine.Trail(ctx, tenant, req.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, inventory.AuditSubmitted, trail[0].Kind)
	assert.Equal(t, req.IntegrityHash, trail[0].Details["integrity_hash"])
}

func TestSubmit_MissingConsentWritesNothing(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	in := submitInput(1)
	in.Selfie = nil
	_, err := f.engine.Submit(ctx, worker, in)

	require.ErrorIs(t, err, inventory.ErrMissingConsent)
	var ce *inventory.ConsentError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, []string{"selfie"}, ce.Missing)

	reqs, err := f.engine.List(ctx, tenant, inventory.RequestFilter{})
	require.NoError(t, err)
	assert.Empty(t, reqs)
	entries, err := f.store.QueryAudit(ctx, tenant, inventory.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSubmit_Guards(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	_, err := f.engine.Submit(ctx, worker, submitInput(0))
	assert.ErrorIs(t, err, inventory.ErrInvalidQuantity)

	in := submitInput(1)
	in.WorkerID = "someone-else"
	_, err = f.engine.Submit(ctx, worker, in)
	assert.ErrorIs(t, err, inventory.ErrNotAuthorized)

	in = submitInput(1)
	in.ProductID = "ghost"
	_, err = f.engine.Submit(ctx, worker, in)
	assert.ErrorIs(t, err, inventory.ErrNotFound)

	in = submitInput(1)
	in.Geolocation = &inventory.Geolocation{Latitude: 91}
	_, err = f.engine.Submit(ctx, worker, in)
	assert.ErrorIs(t, err, inventory.ErrInvalidInput)

	_, err = f.engine.Submit(ctx, inventory.Actor{ID: "w1"}, submitInput(1))
	assert.ErrorIs(t, err, inventory.ErrTenantRequired)
}

func TestSubmit_AdminOnBehalfAndArchive(t *testing.T) {
	f := newFixture(t, 5)
	archive := artifact.NewMemory("")
	f.engine.Archive = archive

	in := submitInput(1)
	in.WorkerID = "w1"
	req, err := f.engine.Submit(context.Background(), admin, in)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok := archive.Object("acme/request/" + string(req.ID) + "/selfie")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

// =============================================================================
// FULL LIFECYCLE
// =============================================================================

func TestLifecycle_HappyPath(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	req := f.submit(t, 2)

	approved, err := f.engine.Approve(ctx, boss, req.ID, "ok")
	require.NoError(t, err)
	assert.Equal(t, inventory.StatusApproved, approved.Status)
	assert.Equal(t, "boss", approved.ApproverID)
	require.NotNil(t, approved.ApprovedAt)
	assert.Equal(t, inventory.StatusApproved, f.notifier.next(t).Status)

	_, err = f.engine.BeginSeparation(ctx, boss, req.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.StatusSeparating, f.notifier.next(t).Status)

	debited, err := f.engine.DebitStock(ctx, boss, req.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.StatusStockDebited, debited.Status)
	assert.Equal(t, int64(3), f.balance(t))
	assert.Equal(t, inventory.StatusStockDebited, f.notifier.next(t).Status)

	_, err = f.engine.MarkDelivered(ctx, boss, req.ID)
	require.NoError(t, err)
	n := f.notifier.next(t)
	assert.Equal(t, inventory.StatusDelivered, n.Status)
	assert.Equal(t, inventory.WorkerID("w1"), n.WorkerID)
	assert.Contains(t, n.Body, "Helmet")

	confirmed, err := f.engine.ConfirmReceipt(ctx, worker, req.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.StatusConfirmed, confirmed.Status)
	f.notifier.none(t)

	trail, err := f.engine.Trail(ctx, tenant, req.ID)
	require.NoError(t, err)
	kinds := make([]inventory.AuditKind, 0, len(trail))
	for _, e := range trail {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []inventory.AuditKind{
		inventory.AuditSubmitted,
		inventory.AuditApproved,
		inventory.AuditSeparating,
		inventory.AuditStockDebited,
		inventory.AuditDelivered,
		inventory.AuditConfirmed,
	}, kinds)

	assert.Equal(t, 1, outFor(f.movements(t), req.ID))
	assert.True(t, workflow.Terminal(inventory.StatusConfirmed))
}

func TestDebitStock_RetryIsNoop(t *testing.T) {
	// GIVEN: a request already at STOCK_DEBITED
	// WHEN: debitStock is invoked again
	// THEN: success, no new movement, balance unchanged
	f := newFixture(t, 5)
	ctx := context.Background()
	req := f.toSeparating(t, 2)

	_, err := f.engine.DebitStock(ctx, boss, req.ID)
	require.NoError(t, err)
	f.notifier.next(t)
	after := f.balance(t)

	again, err := f.engine.DebitStock(ctx, boss, req.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.StatusStockDebited, again.Status)
	assert.Equal(t, after, f.balance(t))
	assert.Equal(t, 1, outFor(f.movements(t), req.ID))
	f.notifier.none(t)

	trail, err := f.engine.Trail(ctx, tenant, req.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 4, "no second STOCK_DEBITED entry")

	// Still idempotent once the request has moved on.
	_, err = f.engine.MarkDelivered(ctx, boss, req.ID)
	require.NoError(t, err)
	_, err = f.engine.DebitStock(ctx, boss, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, outFor(f.movements(t), req.ID))
}

func TestDebitStock_InsufficientBalanceLeavesRequestSeparating(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	req := f.toSeparating(t, 2)

	_, err := f.engine.DebitStock(ctx, boss, req.ID)
	require.ErrorIs(t, err, inventory.ErrInsufficientBalance)

	got, err := f.engine.Get(ctx, tenant, req.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.StatusSeparating, got.Status)
	assert.Equal(t, 0, outFor(f.movements(t), req.ID))

	trail, err := f.engine.Trail(ctx, tenant, req.ID)
	require.NoError(t, err)
	for _, e := range trail {
		assert.NotEqual(t, inventory.AuditStockDebited, e.Kind, "failed attempt not audited")
	}
}

func TestDebitStock_ConcurrentRequestsNeverOverdraw(t *testing.T) {
	// GIVEN: balance 5, two requests for 3 each in SEPARATING
	// WHEN: both are debited concurrently
	// THEN: exactly one succeeds, the other gets InsufficientBalance, balance 2
	f := newFixture(t, 5)
	r1 := f.toSeparating(t, 3)
	r2 := f.toSeparating(t, 3)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []inventory.RequestID{r1.ID, r2.ID} {
		wg.Add(1)
		go func(i int, id inventory.RequestID) {
			defer wg.Done()
			_, errs[i] = f.engine.DebitStock(context.Background(), boss, id)
		}(i, id)
	}
	wg.Wait()

	succeeded, insufficient := 0, 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if errors.Is(err, inventory.ErrInsufficientBalance) {
			insufficient++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, insufficient)
	assert.Equal(t, int64(2), f.balance(t))
}

func TestDebitStock_SameRequestConcurrentlyDebitsOnce(t *testing.T) {
	f := newFixture(t, 10)
	req := f.toSeparating(t, 2)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.DebitStock(context.Background(), boss, req.ID)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, outFor(f.movements(t), req.ID))
	assert.Equal(t, int64(8), f.balance(t))
}

// =============================================================================
// ILLEGAL TRANSITIONS
// =============================================================================

func TestReject_ThenApproveFails(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	req := f.submit(t, 1)

	rejected, err := f.engine.Reject(ctx, boss, req.ID, "duplicate request")
	require.NoError(t, err)
	assert.Equal(t, inventory.StatusRejected, rejected.Status)
	assert.Equal(t, "duplicate request", rejected.RejectionReason)
	n := f.notifier.next(t)
	assert.Equal(t, inventory.StatusRejected, n.Status)
	assert.Contains(t, n.Body, "duplicate request")

	_, err = f.engine.Approve(ctx, boss, req.ID, "")
	require.ErrorIs(t, err, inventory.ErrInvalidTransition)
	var te *inventory.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, inventory.StatusRejected, te.From)

	got, err := f.engine.Get(ctx, tenant, req.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.StatusRejected, got.Status)
	assert.True(t, workflow.Terminal(inventory.StatusRejected))
}

func TestReject_OnlyFromSubmitted(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	req := f.submit(t, 1)
	_, err := f.engine.Approve(ctx, boss, req.ID, "")
	require.NoError(t, err)

	_, err = f.engine.Reject(ctx, boss, req.ID, "changed my mind")
	assert.ErrorIs(t, err, inventory.ErrInvalidTransition)

	_, err = f.engine.Reject(ctx, boss, req.ID, "   ")
	assert.ErrorIs(t, err, inventory.ErrInvalidInput)
}

func TestTransitions_NoSkippingOrGoingBack(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	req := f.submit(t, 1)

	_, err := f.engine.BeginSeparation(ctx, boss, req.ID)
	assert.ErrorIs(t, err, inventory.ErrInvalidTransition)
	_, err = f.engine.DebitStock(ctx, boss, req.ID)
	assert.ErrorIs(t, err, inventory.ErrInvalidTransition)
	_, err = f.engine.MarkDelivered(ctx, boss, req.ID)
	assert.ErrorIs(t, err, inventory.ErrInvalidTransition)
	_, err = f.engine.ConfirmReceipt(ctx, worker, req.ID)
	assert.ErrorIs(t, err, inventory.ErrInvalidTransition)

	_, err = f.engine.Approve(ctx, boss, req.ID, "")
	require.NoError(t, err)
	_, err = f.engine.Approve(ctx, boss, req.ID, "")
	assert.ErrorIs(t, err, inventory.ErrInvalidTransition, "approve twice")

	assert.Equal(t, int64(5), f.balance(t))
	trail, err := f.engine.Trail(ctx, tenant, req.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 2)
}

func TestAllowed(t *testing.T) {
	assert.True(t, workflow.Allowed(inventory.StatusSubmitted, workflow.TriggerApprove))
	assert.True(t, workflow.Allowed(inventory.StatusSubmitted, workflow.TriggerReject))
	assert.False(t, workflow.Allowed(inventory.StatusApproved, workflow.TriggerReject))
	assert.False(t, workflow.Allowed(inventory.StatusConfirmed, workflow.TriggerApprove))
	assert.False(t, workflow.Allowed(inventory.StatusSubmitted, "cancel"))
	assert.False(t, workflow.Terminal(inventory.StatusSeparating))
}

func TestAuthorization(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	req := f.submit(t, 1)

	_, err := f.engine.Approve(ctx, worker, req.ID, "")
	assert.ErrorIs(t, err, inventory.ErrNotAuthorized)
	_, err = f.engine.Reject(ctx, worker, req.ID, "nope")
	assert.ErrorIs(t, err, inventory.ErrNotAuthorized)

	other := inventory.Actor{ID: "boss", TenantID: "other", Role: inventory.RoleAdmin}
	_, err = f.engine.Approve(ctx, other, req.ID, "")
	assert.ErrorIs(t, err, inventory.ErrNotFound, "requests are tenant-scoped")

	got, err := f.engine.Get(ctx, tenant, req.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.StatusSubmitted, got.Status)
}

func TestVerify_DetectsTampering(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	req := f.submit(t, 1)

	tampered := *req
	tampered.Signature = []byte("forged")
	require.NoError(t, f.store.WithTx(ctx, func(tx inventory.Tx) error {
		return tx.UpdateRequest(ctx, tampered)
	}))

	ok, err := f.engine.Verify(ctx, tenant, req.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}
