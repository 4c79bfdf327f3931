/*
handlers.go - HTTP API handlers for the issuance engine

PURPOSE:
  Exposes the ledger, the request workflow and the direct issuance path via
  REST. Handles HTTP request/response, JSON serialization, and delegates to
  the domain services. No business rule lives here.

ENDPOINTS:
  Products:
    GET    /api/products                    List (?include_inactive=true)
    POST   /api/products                    Create
    GET    /api/products/{id}               Get
    PUT    /api/products/{id}               Update attributes
    POST   /api/products/{id}/deactivate    Deactivate (never delete)
    GET    /api/products/{id}/balance       Folded balance detail
    GET    /api/products/{id}/movements     Movement history
    POST   /api/products/{id}/receipts      Receive stock (IN)
    POST   /api/products/{id}/adjustments   Adjust stock (ADJUST)

  Workers:
    GET    /api/workers                     List
    POST   /api/workers                     Register
    GET    /api/workers/{id}                Get

  Requests (workflow):
    GET    /api/requests                    List (?status=&worker_id=)
    POST   /api/requests                    Submit
    GET    /api/requests/{id}               Get
    GET    /api/requests/{id}/audit         Audit trail
    GET    /api/requests/{id}/verify        Integrity check
    POST   /api/requests/{id}/approve       SUBMITTED -> APPROVED
    POST   /api/requests/{id}/reject        SUBMITTED -> REJECTED
    POST   /api/requests/{id}/separate      APPROVED -> SEPARATING
    POST   /api/requests/{id}/debit         SEPARATING -> STOCK_DEBITED (idempotent)
    POST   /api/requests/{id}/deliver       STOCK_DEBITED -> DELIVERED
    POST   /api/requests/{id}/confirm       DELIVERED -> CONFIRMED

  Deliveries (direct issuance):
    GET    /api/deliveries                  List (?worker_id=)
    POST   /api/deliveries                  Issue
    GET    /api/deliveries/{id}             Get
    GET    /api/deliveries/{id}/verify      Integrity check

  Reports and audit:
    GET    /api/stock                       All balances
    GET    /api/reports/low-stock           At or below minimum
    GET    /api/reports/expiring            ?before=2026-12-31
    GET    /api/reports/valuation           On hand x unit cost
    GET    /api/audit                       ?request_id=&actor_id=&kind=&from=&to=&limit=

  Admin:
    POST   /api/admin/reconcile             Re-fold balances, rewrite cache
    GET    /api/admin/reconcile/last        Last scheduler report

  Scenarios:
    GET    /api/scenarios                   List demo scenarios
    POST   /api/scenarios/load              Load a demo scenario

ERROR HANDLING:
  Errors are returned as JSON with the status from statusFor:
  - 400: Invalid input, invalid quantity, missing tenant
  - 403: Actor lacks the role
  - 404: Record not found in the tenant
  - 409: Invalid transition, insufficient balance, inactive product/worker
  - 422: Missing consent
  - 503: Storage unavailable (retryable)
  - 500: Internal errors (details logged, not returned)

SEE ALSO:
  - dto.go: Request/response data structures
  - identity.go: Actor resolution
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/warp/issuance-engine/audit"
	"github.com/warp/issuance-engine/catalog"
	"github.com/warp/issuance-engine/inventory"
	"github.com/warp/issuance-engine/issuance"
	"github.com/warp/issuance-engine/logger"
	"github.com/warp/issuance-engine/workflow"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    inventory.Store
	Ledger   *inventory.Ledger
	Audit    *audit.Recorder
	Catalog  *catalog.Service
	Workflow *workflow.Engine
	Issuance *issuance.Service

	// Scheduler is optional; without it reconcile runs a fresh Reconciler.
	Scheduler *ReconciliationScheduler

	Log      *slog.Logger
	validate *validator.Validate
}

// NewHandler builds the domain services around one ledger.
func NewHandler(ledger *inventory.Ledger, recorder *audit.Recorder) *Handler {
	return &Handler{
		Store:    ledger.Store,
		Ledger:   ledger,
		Audit:    recorder,
		Catalog:  catalog.NewService(ledger, recorder),
		Workflow: workflow.NewEngine(ledger, recorder),
		Issuance: issuance.NewService(ledger, recorder),
		Log:      logger.WithComponent("api"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Health reports whether the store answers.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "storage unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// PRODUCT HANDLERS
// =============================================================================

func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	includeInactive, _ := strconv.ParseBool(r.URL.Query().Get("include_inactive"))

	products, err := h.Catalog.ListProducts(r.Context(), actor.TenantID, includeInactive)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	dtos := make([]ProductDTO, 0, len(products))
	for _, p := range products {
		dtos = append(dtos, toProductDTO(p))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req ProductRequest
	if !h.decode(w, r, &req) {
		return
	}

	p, err := h.Catalog.CreateProduct(r.Context(), mustActor(r), req.input())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProductDTO(*p))
}

func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.Catalog.GetProduct(r.Context(), mustActor(r).TenantID, productID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductDTO(*p))
}

func (h *Handler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req ProductRequest
	if !h.decode(w, r, &req) {
		return
	}

	p, err := h.Catalog.UpdateProduct(r.Context(), mustActor(r), productID(r), req.input())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductDTO(*p))
}

func (h *Handler) DeactivateProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.Catalog.DeactivateProduct(r.Context(), mustActor(r), productID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductDTO(*p))
}

// GetBalance always folds the ledger; the cache is never read here.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	d, err := h.Ledger.Detail(r.Context(), mustActor(r).TenantID, productID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		ProductID: string(d.ProductID),
		OnHand:    d.OnHand,
		In:        d.In,
		Out:       d.Out,
		Increase:  d.Increase,
		Decrease:  d.Decrease,
		Movements: d.Movements,
	})
}

func (h *Handler) GetMovements(w http.ResponseWriter, r *http.Request) {
	movements, err := h.Ledger.Movements(r.Context(), mustActor(r).TenantID, productID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	dtos := make([]MovementDTO, 0, len(movements))
	for _, m := range movements {
		dtos = append(dtos, toMovementDTO(m))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ReceiveStock(w http.ResponseWriter, r *http.Request) {
	var req ReceiveStockRequest
	if !h.decode(w, r, &req) {
		return
	}

	m, err := h.Catalog.ReceiveStock(r.Context(), mustActor(r), productID(r), req.Quantity, req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMovementDTO(m))
}

func (h *Handler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	var req AdjustStockRequest
	if !h.decode(w, r, &req) {
		return
	}

	m, err := h.Catalog.AdjustStock(r.Context(), mustActor(r), productID(r),
		req.Quantity, inventory.AdjustDirection(req.Direction), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMovementDTO(m))
}

// =============================================================================
// WORKER HANDLERS
// =============================================================================

func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.Catalog.ListWorkers(r.Context(), mustActor(r).TenantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	dtos := make([]WorkerDTO, 0, len(workers))
	for _, wk := range workers {
		dtos = append(dtos, toWorkerDTO(wk))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkerRequest
	if !h.decode(w, r, &req) {
		return
	}

	wk, err := h.Catalog.RegisterWorker(r.Context(), mustActor(r), catalog.WorkerInput{
		ID:    inventory.WorkerID(req.ID),
		Name:  req.Name,
		Email: req.Email,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWorkerDTO(*wk))
}

func (h *Handler) GetWorker(w http.ResponseWriter, r *http.Request) {
	wk, err := h.Catalog.GetWorker(r.Context(), mustActor(r).TenantID, inventory.WorkerID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkerDTO(*wk))
}

// =============================================================================
// REQUEST HANDLERS (workflow)
// =============================================================================

// ListRequests returns the tenant's requests. Workers only see their own.
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	q := r.URL.Query()
	filter := inventory.RequestFilter{
		Status:   inventory.RequestStatus(q.Get("status")),
		WorkerID: inventory.WorkerID(q.Get("worker_id")),
	}
	if !actor.CanApprove() {
		filter.WorkerID = inventory.WorkerID(actor.ID)
	}

	requests, err := h.Workflow.List(r.Context(), actor.TenantID, filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	dtos := make([]RequestDTO, 0, len(requests))
	for _, req := range requests {
		dtos = append(dtos, toRequestDTO(req, workflow.Terminal(req.Status)))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequestDTO
	if !h.decode(w, r, &body) {
		return
	}

	in := workflow.SubmitInput{
		WorkerID:  inventory.WorkerID(body.WorkerID),
		ProductID: inventory.ProductID(body.ProductID),
		Quantity:  body.Quantity,
		Reason:    body.Reason,
		Note:      body.Note,
		Signature: body.Signature,
		Selfie:    body.Selfie,
		OriginIP:  clientIP(r),
		UserAgent: r.UserAgent(),
	}
	if g := body.Geolocation; g != nil {
		in.Geolocation = &inventory.Geolocation{Latitude: g.Latitude, Longitude: g.Longitude, Accuracy: g.Accuracy}
	}

	req, err := h.Workflow.Submit(r.Context(), mustActor(r), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(*req, false))
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := h.visibleRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(*req, workflow.Terminal(req.Status)))
}

func (h *Handler) GetRequestAudit(w http.ResponseWriter, r *http.Request) {
	req, ok := h.visibleRequest(w, r)
	if !ok {
		return
	}

	entries, err := h.Workflow.Trail(r.Context(), req.TenantID, req.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTOs(entries))
}

func (h *Handler) VerifyRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := h.visibleRequest(w, r)
	if !ok {
		return
	}

	valid, err := h.Workflow.Verify(r.Context(), req.TenantID, req.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyDTO{ID: string(req.ID), Valid: valid})
}

// visibleRequest loads a request the actor may read: staff read everything
// in the tenant, workers only their own. Others get 404.
func (h *Handler) visibleRequest(w http.ResponseWriter, r *http.Request) (*inventory.Request, bool) {
	actor := mustActor(r)
	req, err := h.Workflow.Get(r.Context(), actor.TenantID, requestID(r))
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	if !actor.CanApprove() && string(req.WorkerID) != actor.ID {
		h.fail(w, r, fmt.Errorf("request %s: %w", req.ID, inventory.ErrNotFound))
		return nil, false
	}
	return req, true
}

func (h *Handler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	var body ApproveRequestDTO
	if !h.decodeOptional(w, r, &body) {
		return
	}
	h.respondTransition(w, r)(h.Workflow.Approve(r.Context(), mustActor(r), requestID(r), body.Note))
}

func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	var body RejectRequestDTO
	if !h.decode(w, r, &body) {
		return
	}
	h.respondTransition(w, r)(h.Workflow.Reject(r.Context(), mustActor(r), requestID(r), body.Reason))
}

func (h *Handler) BeginSeparation(w http.ResponseWriter, r *http.Request) {
	h.respondTransition(w, r)(h.Workflow.BeginSeparation(r.Context(), mustActor(r), requestID(r)))
}

func (h *Handler) DebitStock(w http.ResponseWriter, r *http.Request) {
	h.respondTransition(w, r)(h.Workflow.DebitStock(r.Context(), mustActor(r), requestID(r)))
}

func (h *Handler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	h.respondTransition(w, r)(h.Workflow.MarkDelivered(r.Context(), mustActor(r), requestID(r)))
}

func (h *Handler) ConfirmReceipt(w http.ResponseWriter, r *http.Request) {
	h.respondTransition(w, r)(h.Workflow.ConfirmReceipt(r.Context(), mustActor(r), requestID(r)))
}

func (h *Handler) respondTransition(w http.ResponseWriter, r *http.Request) func(*inventory.Request, error) {
	return func(req *inventory.Request, err error) {
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toRequestDTO(*req, workflow.Terminal(req.Status)))
	}
}

// =============================================================================
// DELIVERY HANDLERS (direct issuance)
// =============================================================================

func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	worker := inventory.WorkerID(r.URL.Query().Get("worker_id"))
	if !actor.CanApprove() {
		worker = inventory.WorkerID(actor.ID)
	}

	deliveries, err := h.Issuance.List(r.Context(), actor.TenantID, worker)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	dtos := make([]DeliveryDTO, 0, len(deliveries))
	for _, d := range deliveries {
		dtos = append(dtos, toDeliveryDTO(d))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) IssueDelivery(w http.ResponseWriter, r *http.Request) {
	var body IssueDeliveryRequest
	if !h.decode(w, r, &body) {
		return
	}

	lines := make([]issuance.Line, 0, len(body.Lines))
	for _, l := range body.Lines {
		lines = append(lines, issuance.Line{ProductID: inventory.ProductID(l.ProductID), Quantity: l.Quantity})
	}

	d, err := h.Issuance.Issue(r.Context(), mustActor(r), issuance.Input{
		WorkerID:            inventory.WorkerID(body.WorkerID),
		Lines:               lines,
		Signature:           body.Signature,
		Selfie:              body.Selfie,
		DeclarationAccepted: body.DeclarationAccepted,
		OriginIP:            clientIP(r),
		UserAgent:           r.UserAgent(),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDeliveryDTO(*d))
}

func (h *Handler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	d, ok := h.visibleDelivery(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toDeliveryDTO(*d))
}

func (h *Handler) VerifyDelivery(w http.ResponseWriter, r *http.Request) {
	d, ok := h.visibleDelivery(w, r)
	if !ok {
		return
	}

	valid, err := h.Issuance.Verify(r.Context(), d.TenantID, d.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyDTO{ID: string(d.ID), Valid: valid})
}

func (h *Handler) visibleDelivery(w http.ResponseWriter, r *http.Request) (*inventory.Delivery, bool) {
	actor := mustActor(r)
	d, err := h.Issuance.Get(r.Context(), actor.TenantID, inventory.DeliveryID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	if !actor.CanApprove() && string(d.WorkerID) != actor.ID {
		h.fail(w, r, fmt.Errorf("delivery %s: %w", d.ID, inventory.ErrNotFound))
		return nil, false
	}
	return d, true
}

// =============================================================================
// STOCK, REPORTS AND AUDIT
// =============================================================================

func (h *Handler) ListStock(w http.ResponseWriter, r *http.Request) {
	includeInactive, _ := strconv.ParseBool(r.URL.Query().Get("include_inactive"))
	lines, err := h.Ledger.Stock(r.Context(), mustActor(r).TenantID, includeInactive)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStockLineDTOs(lines))
}

func (h *Handler) LowStockReport(w http.ResponseWriter, r *http.Request) {
	lines, err := h.Catalog.LowStock(r.Context(), mustActor(r).TenantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStockLineDTOs(lines))
}

// ExpiringReport lists products expiring before ?before (RFC3339 or
// YYYY-MM-DD). Defaults to 30 days from now.
func (h *Handler) ExpiringReport(w http.ResponseWriter, r *http.Request) {
	before := time.Now().AddDate(0, 0, 30)
	if raw := r.URL.Query().Get("before"); raw != "" {
		t, err := parseTimeParam(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid before (use RFC3339 or YYYY-MM-DD)", err)
			return
		}
		before = t
	}

	products, err := h.Catalog.Expiring(r.Context(), mustActor(r).TenantID, before)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]ProductDTO, 0, len(products))
	for _, p := range products {
		dtos = append(dtos, toProductDTO(p))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ValuationReport(w http.ResponseWriter, r *http.Request) {
	v, err := h.Catalog.Valuation(r.Context(), mustActor(r).TenantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	dto := ValuationDTO{Lines: make([]ValuationLineDTO, 0, len(v.Lines)), Total: v.Total}
	for _, l := range v.Lines {
		dto.Lines = append(dto.Lines, ValuationLineDTO{
			ProductID: string(l.ProductID),
			Name:      l.Name,
			OnHand:    l.OnHand,
			UnitCost:  l.UnitCost,
			Value:     l.Value,
		})
	}
	writeJSON(w, http.StatusOK, dto)
}

// QueryAudit is restricted to approvers and admins.
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	if !actor.CanApprove() {
		h.fail(w, r, fmt.Errorf("%w: %s cannot read the audit log", inventory.ErrNotAuthorized, actor.ID))
		return
	}

	q := r.URL.Query()
	filter := inventory.AuditFilter{
		RequestID: inventory.RequestID(q.Get("request_id")),
		ActorID:   q.Get("actor_id"),
	}
	for _, k := range q["kind"] {
		filter.Kinds = append(filter.Kinds, inventory.AuditKind(k))
	}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := parseTimeParam(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+name+" (use RFC3339 or YYYY-MM-DD)", err)
			return
		}
		*dst = &t
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = limit
	}

	entries, err := h.Audit.Query(r.Context(), h.Store, actor.TenantID, filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTOs(entries))
}

// =============================================================================
// RECONCILIATION ENDPOINTS
// =============================================================================

// TriggerReconcile re-folds every balance and rewrites the cache.
// POST /api/admin/reconcile
func (h *Handler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	if !actor.IsAdmin() {
		h.fail(w, r, fmt.Errorf("%w: %s cannot run reconciliation", inventory.ErrNotAuthorized, actor.ID))
		return
	}

	var (
		report *inventory.ReconcileReport
		err    error
	)
	if h.Scheduler != nil {
		report, err = h.Scheduler.RunNow(r.Context())
	} else {
		report, err = (&inventory.Reconciler{Ledger: h.Ledger, Cache: h.Ledger.Cache}).Run(r.Context())
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileReportDTO(report))
}

// LastReconcile returns the scheduler's most recent report.
// GET /api/admin/reconcile/last
func (h *Handler) LastReconcile(w http.ResponseWriter, r *http.Request) {
	if !mustActor(r).IsAdmin() {
		h.fail(w, r, inventory.ErrNotAuthorized)
		return
	}
	if h.Scheduler == nil {
		writeError(w, http.StatusNotFound, "Scheduler not running", nil)
		return
	}
	report := h.Scheduler.LastReport()
	if report == nil {
		writeError(w, http.StatusNotFound, "No reconciliation has run yet", nil)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileReportDTO(report))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail maps a domain error to its HTTP status. Internal errors are logged
// and their details withheld.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusFor(err)
	if inventory.IsClientError(err) {
		h.log().Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	if status >= http.StatusInternalServerError {
		h.log().Error("request failed",
			"method", r.Method, "path", r.URL.Path, "status", status, "error", err)
		if status == http.StatusInternalServerError {
			writeError(w, status, message, nil)
			return
		}
	}
	writeError(w, status, message, err)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, inventory.ErrTenantRequired):
		return http.StatusBadRequest, inventory.ErrTenantRequired.Error()
	case errors.Is(err, inventory.ErrInvalidQuantity):
		return http.StatusBadRequest, inventory.ErrInvalidQuantity.Error()
	case errors.Is(err, inventory.ErrInvalidMovement), errors.Is(err, inventory.ErrInvalidInput):
		return http.StatusBadRequest, inventory.ErrInvalidInput.Error()
	case errors.Is(err, inventory.ErrNotAuthorized):
		return http.StatusForbidden, inventory.ErrNotAuthorized.Error()
	case errors.Is(err, inventory.ErrNotFound):
		return http.StatusNotFound, inventory.ErrNotFound.Error()
	case errors.Is(err, inventory.ErrInvalidTransition):
		return http.StatusConflict, inventory.ErrInvalidTransition.Error()
	case errors.Is(err, inventory.ErrInsufficientBalance):
		return http.StatusConflict, inventory.ErrInsufficientBalance.Error()
	case errors.Is(err, inventory.ErrProductInactive):
		return http.StatusConflict, inventory.ErrProductInactive.Error()
	case errors.Is(err, inventory.ErrWorkerInactive):
		return http.StatusConflict, inventory.ErrWorkerInactive.Error()
	case errors.Is(err, inventory.ErrMissingConsent):
		return http.StatusUnprocessableEntity, inventory.ErrMissingConsent.Error()
	case errors.Is(err, inventory.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, inventory.ErrStorageUnavailable.Error()
	}
	return http.StatusInternalServerError, "internal error"
}

// decode reads a JSON body and validates its shape.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return h.check(w, dst)
}

// decodeOptional accepts an empty body.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return h.check(w, dst)
	}
	return h.decode(w, r, dst)
}

func (h *Handler) check(w http.ResponseWriter, dst any) bool {
	if err := h.validator().Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func (h *Handler) validator() *validator.Validate {
	if h.validate == nil {
		h.validate = validator.New(validator.WithRequiredStructEnabled())
	}
	return h.validate
}

func (h *Handler) log() *slog.Logger {
	if h.Log == nil {
		return logger.Get()
	}
	return h.Log
}

// mustActor is safe inside routes mounted behind Identity.
func mustActor(r *http.Request) inventory.Actor {
	a, _ := ActorFrom(r.Context())
	return a
}

func productID(r *http.Request) inventory.ProductID {
	return inventory.ProductID(chi.URLParam(r, "id"))
}

func requestID(r *http.Request) inventory.RequestID {
	return inventory.RequestID(chi.URLParam(r, "id"))
}

// clientIP strips the port that RemoteAddr carries unless RealIP rewrote it.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func parseTimeParam(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}

func toStockLineDTOs(lines []inventory.StockLine) []StockLineDTO {
	dtos := make([]StockLineDTO, 0, len(lines))
	for _, l := range lines {
		dtos = append(dtos, toStockLineDTO(l))
	}
	return dtos
}
