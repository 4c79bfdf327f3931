/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Identity middleware (401/400)
- Role checks on catalog writes, audit queries and reconciliation
- Full request lifecycle over HTTP, including the idempotent debit
- Error mapping: missing consent, insufficient balance, invalid transition
- Worker visibility of other workers' requests
- Direct issuance and health
*/
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/issuance-engine/audit"
	"github.com/warp/issuance-engine/inventory"
	"github.com/warp/issuance-engine/inventory/store"
)

type identity struct {
	actor, tenant, role string
}

var (
	admin    = identity{"admin-1", "acme", "admin"}
	approver = identity{"boss-1", "acme", "approver"}
	workerW1 = identity{"w1", "acme", "worker"}
	workerW2 = identity{"w2", "acme", "worker"}
)

type testServer struct {
	t       *testing.T
	handler *Handler
	router  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ledger := inventory.NewLedger(store.NewMemory())
	h := NewHandler(ledger, audit.NewRecorder())
	return &testServer{t: t, handler: h, router: NewRouter(h, nil)}
}

func (ts *testServer) do(id identity, method, path string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if id.actor != "" {
		req.Header.Set(HeaderActorID, id.actor)
	}
	if id.tenant != "" {
		req.Header.Set(HeaderTenantID, id.tenant)
	}
	if id.role != "" {
		req.Header.Set(HeaderActorRole, id.role)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// seedCatalog creates one product with the given stock and workers w1, w2.
func (ts *testServer) seedCatalog(stock int64) string {
	ts.t.Helper()
	rec := ts.do(admin, http.MethodPost, "/api/products", map[string]any{
		"name": "Safety Helmet", "code": "HLM-01", "category": "PERSONAL",
		"min_stock": 2, "unit_cost": "42.90",
	})
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
	product := decodeBody[ProductDTO](ts.t, rec)

	if stock > 0 {
		rec = ts.do(admin, http.MethodPost, "/api/products/"+product.ID+"/receipts",
			map[string]any{"quantity": stock, "reason": "opening stock"})
		require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	for _, w := range []string{"w1", "w2"} {
		rec = ts.do(admin, http.MethodPost, "/api/workers", map[string]any{"id": w, "name": "Worker " + w})
		require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	return product.ID
}

func (ts *testServer) submit(id identity, product string, qty int64) RequestDTO {
	ts.t.Helper()
	rec := ts.do(id, http.MethodPost, "/api/requests", map[string]any{
		"product_id": product,
		"quantity":   qty,
		"reason":     "replacement",
		"signature":  []byte("sig"),
		"selfie":     []byte("selfie"),
	})
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[RequestDTO](ts.t, rec)
}

// =============================================================================
// IDENTITY
// =============================================================================

func TestIdentity_MissingActorIs401(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(identity{tenant: "acme"}, http.MethodGet, "/api/products", nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIdentity_MissingTenantIs400(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(identity{actor: "admin-1", role: "admin"}, http.MethodGet, "/api/products", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "tenant")
}

func TestIdentity_UnknownRoleIs400(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(identity{"x", "acme", "superuser"}, http.MethodGet, "/api/products", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(identity{}, http.MethodGet, "/healthz", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

// =============================================================================
// CATALOG
// =============================================================================

func TestCreateProduct_WorkerForbidden(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(workerW1, http.MethodPost, "/api/products", map[string]any{
		"name": "Gloves", "code": "GLV-01", "category": "PERSONAL",
	})

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateProduct_ValidationFailed(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(admin, http.MethodPost, "/api/products", map[string]any{
		"name": "Gloves", "code": "GLV-01", "category": "SHARED",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReceiveStock_UpdatesBalance(t *testing.T) {
	ts := newTestServer(t)
	product := ts.seedCatalog(10)

	rec := ts.do(admin, http.MethodPost, "/api/products/"+product+"/adjustments",
		map[string]any{"quantity": 3, "direction": "DECREASE", "reason": "damaged"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(workerW1, http.MethodGet, "/api/products/"+product+"/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	balance := decodeBody[BalanceDTO](t, rec)
	assert.Equal(t, int64(7), balance.OnHand)
	assert.Equal(t, int64(10), balance.In)
	assert.Equal(t, int64(3), balance.Decrease)
	assert.Equal(t, 2, balance.Movements)
}

func TestReceiveStock_ZeroQuantityIs400(t *testing.T) {
	ts := newTestServer(t)
	product := ts.seedCatalog(0)

	rec := ts.do(admin, http.MethodPost, "/api/products/"+product+"/receipts", map[string]any{"quantity": 0})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetProduct_OtherTenantIs404(t *testing.T) {
	ts := newTestServer(t)
	product := ts.seedCatalog(0)

	rec := ts.do(identity{"admin-2", "globex", "admin"}, http.MethodGet, "/api/products/"+product, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// REQUEST WORKFLOW
// =============================================================================

func TestRequestLifecycle_OverHTTP(t *testing.T) {
	// GIVEN: A product with 5 units and a submitted request for 2
	ts := newTestServer(t)
	product := ts.seedCatalog(5)
	req := ts.submit(workerW1, product, 2)
	assert.Equal(t, "SUBMITTED", req.Status)
	assert.Equal(t, "w1", req.WorkerID)
	assert.NotEmpty(t, req.IntegrityHash)
	base := "/api/requests/" + req.ID

	// WHEN: Staff walk it through to delivery and the worker confirms
	for _, step := range []struct {
		id     identity
		action string
		status string
	}{
		{approver, "approve", "APPROVED"},
		{approver, "separate", "SEPARATING"},
		{approver, "debit", "STOCK_DEBITED"},
		{approver, "debit", "STOCK_DEBITED"}, // retried click
		{approver, "deliver", "DELIVERED"},
		{workerW1, "confirm", "CONFIRMED"},
	} {
		rec := ts.do(step.id, http.MethodPost, base+"/"+step.action, nil)
		require.Equal(t, http.StatusOK, rec.Code, "%s: %s", step.action, rec.Body.String())
		assert.Equal(t, step.status, decodeBody[RequestDTO](t, rec).Status, step.action)
	}

	// THEN: Exactly one debit landed, the request is terminal and intact
	rec := ts.do(approver, http.MethodGet, "/api/products/"+product+"/balance", nil)
	assert.Equal(t, int64(3), decodeBody[BalanceDTO](t, rec).OnHand)

	rec = ts.do(workerW1, http.MethodGet, base, nil)
	got := decodeBody[RequestDTO](t, rec)
	assert.True(t, got.Terminal)
	assert.Equal(t, "boss-1", got.ApproverID)

	rec = ts.do(workerW1, http.MethodGet, base+"/verify", nil)
	assert.True(t, decodeBody[VerifyDTO](t, rec).Valid)

	rec = ts.do(approver, http.MethodGet, base+"/audit", nil)
	trail := decodeBody[[]AuditEntryDTO](t, rec)
	kinds := make([]string, 0, len(trail))
	for _, e := range trail {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []string{
		string(inventory.AuditSubmitted), string(inventory.AuditApproved), string(inventory.AuditSeparating),
		string(inventory.AuditStockDebited), string(inventory.AuditDelivered), string(inventory.AuditConfirmed),
	}, kinds)
}

func TestSubmitRequest_MissingConsentIs422(t *testing.T) {
	ts := newTestServer(t)
	product := ts.seedCatalog(5)

	rec := ts.do(workerW1, http.MethodPost, "/api/requests", map[string]any{
		"product_id": product, "quantity": 1, "signature": []byte("sig"),
	})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "selfie")
}

func TestSubmitRequest_RecordsOrigin(t *testing.T) {
	ts := newTestServer(t)
	product := ts.seedCatalog(5)

	req := ts.submit(workerW1, product, 1)

	// httptest uses 192.0.2.1:1234 as RemoteAddr
	assert.Equal(t, "192.0.2.1", req.OriginIP)
}

func TestDebitStock_InsufficientBalanceIs409(t *testing.T) {
	// GIVEN: A request for 4 with only 3 on hand
	ts := newTestServer(t)
	product := ts.seedCatalog(3)
	req := ts.submit(workerW1, product, 4)
	base := "/api/requests/" + req.ID
	require.Equal(t, http.StatusOK, ts.do(approver, http.MethodPost, base+"/approve", nil).Code)
	require.Equal(t, http.StatusOK, ts.do(approver, http.MethodPost, base+"/separate", nil).Code)

	// WHEN: Staff try to debit
	rec := ts.do(approver, http.MethodPost, base+"/debit", nil)

	// THEN: 409, the request stays in SEPARATING and no stock moved
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "insufficient")

	got := decodeBody[RequestDTO](t, ts.do(approver, http.MethodGet, base, nil))
	assert.Equal(t, "SEPARATING", got.Status)
	balance := decodeBody[BalanceDTO](t, ts.do(approver, http.MethodGet, "/api/products/"+product+"/balance", nil))
	assert.Equal(t, int64(3), balance.OnHand)
}

func TestDeliver_BeforeDebitIs409(t *testing.T) {
	ts := newTestServer(t)
	product := ts.seedCatalog(3)
	req := ts.submit(workerW1, product, 1)

	rec := ts.do(approver, http.MethodPost, "/api/requests/"+req.ID+"/deliver", nil)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestApprove_WorkerForbidden(t *testing.T) {
	ts := newTestServer(t)
	product := ts.seedCatalog(3)
	req := ts.submit(workerW1, product, 1)

	rec := ts.do(workerW1, http.MethodPost, "/api/requests/"+req.ID+"/approve", nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestReject_RequiresReason(t *testing.T) {
	ts := newTestServer(t)
	product := ts.seedCatalog(3)
	req := ts.submit(workerW1, product, 1)
	base := "/api/requests/" + req.ID

	rec := ts.do(approver, http.MethodPost, base+"/reject", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(approver, http.MethodPost, base+"/reject", map[string]any{"reason": "not eligible"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[RequestDTO](t, rec)
	assert.Equal(t, "REJECTED", got.Status)
	assert.Equal(t, "not eligible", got.RejectionReason)
	assert.True(t, got.Terminal)
}

func TestRequests_WorkerSeesOnlyOwn(t *testing.T) {
	// GIVEN: One request each from w1 and w2
	ts := newTestServer(t)
	product := ts.seedCatalog(5)
	mine := ts.submit(workerW1, product, 1)
	theirs := ts.submit(workerW2, product, 1)

	// WHEN/THEN: w1 lists only its own and cannot open w2's
	list := decodeBody[[]RequestDTO](t, ts.do(workerW1, http.MethodGet, "/api/requests?worker_id=w2", nil))
	require.Len(t, list, 1)
	assert.Equal(t, mine.ID, list[0].ID)

	rec := ts.do(workerW1, http.MethodGet, "/api/requests/"+theirs.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Staff see both
	list = decodeBody[[]RequestDTO](t, ts.do(approver, http.MethodGet, "/api/requests", nil))
	assert.Len(t, list, 2)
}

// =============================================================================
// DIRECT ISSUANCE
// =============================================================================

func TestIssueDelivery_DebitsEveryLine(t *testing.T) {
	ts := newTestServer(t)
	product := ts.seedCatalog(10)

	rec := ts.do(admin, http.MethodPost, "/api/deliveries", map[string]any{
		"worker_id":            "w2",
		"lines":                []map[string]any{{"product_id": product, "quantity": 4}},
		"signature":            []byte("sig"),
		"selfie":               []byte("selfie"),
		"declaration_accepted": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	d := decodeBody[DeliveryDTO](t, rec)
	require.Len(t, d.Items, 1)
	assert.Equal(t, "42.9", d.Items[0].UnitCost.String())
	assert.Equal(t, "171.6", d.TotalCost.String())

	balance := decodeBody[BalanceDTO](t, ts.do(admin, http.MethodGet, "/api/products/"+product+"/balance", nil))
	assert.Equal(t, int64(6), balance.OnHand)

	rec = ts.do(workerW2, http.MethodGet, "/api/deliveries/"+d.ID+"/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[VerifyDTO](t, rec).Valid)

	rec = ts.do(workerW1, http.MethodGet, "/api/deliveries/"+d.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIssueDelivery_WithoutDeclarationIs422(t *testing.T) {
	ts := newTestServer(t)
	product := ts.seedCatalog(10)

	rec := ts.do(admin, http.MethodPost, "/api/deliveries", map[string]any{
		"worker_id": "w2",
		"lines":     []map[string]any{{"product_id": product, "quantity": 1}},
		"signature": []byte("sig"),
		"selfie":    []byte("selfie"),
	})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

// =============================================================================
// AUDIT, REPORTS, RECONCILIATION
// =============================================================================

func TestQueryAudit_WorkerForbidden(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(workerW1, http.MethodGet, "/api/audit", nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestQueryAudit_FiltersByKind(t *testing.T) {
	ts := newTestServer(t)
	product := ts.seedCatalog(5)
	ts.submit(workerW1, product, 1)

	rec := ts.do(approver, http.MethodGet, "/api/audit?kind="+string(inventory.AuditSubmitted), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[[]AuditEntryDTO](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "w1", entries[0].ActorID)

	rec = ts.do(approver, http.MethodGet, "/api/audit?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLowStockReport(t *testing.T) {
	ts := newTestServer(t)
	ts.seedCatalog(2)

	rec := ts.do(approver, http.MethodGet, "/api/reports/low-stock", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	lines := decodeBody[[]StockLineDTO](t, rec)
	require.Len(t, lines, 1)
	assert.True(t, lines[0].BelowMinimum)
	assert.Equal(t, int64(2), lines[0].OnHand)
}

func TestTriggerReconcile(t *testing.T) {
	ts := newTestServer(t)
	ts.seedCatalog(5)

	rec := ts.do(approver, http.MethodPost, "/api/admin/reconcile", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(admin, http.MethodPost, "/api/admin/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeBody[ReconcileReportDTO](t, rec)
	assert.Equal(t, 1, report.Tenants)
	assert.Equal(t, 1, report.Products)
	assert.Empty(t, report.Errors)
}

func TestLastReconcile_WithoutScheduler(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(admin, http.MethodGet, "/api/admin/reconcile/last", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
