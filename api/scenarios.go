/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
	Populates the caller's tenant with realistic data for demos and manual
	testing. Every scenario goes through the same domain services as
	production traffic, so the result is fully audited and sealed.

AVAILABLE SCENARIOS:
	warehouse-basic:  Three PPE products, two workers, opening stock
	low-stock:        Products at or below minimum and one expiring soon
	request-pipeline: warehouse-basic plus requests parked at each stage

HOW SCENARIOS WORK:
 1. Create products via the catalog (audited PRODUCT_CREATED)
 2. Register workers (audited WORKER_REGISTERED)
 3. Receive opening stock (IN movements, audited STOCK_RECEIVED)
 4. Optionally submit and advance requests through the workflow

USAGE VIA API:
	POST /api/scenarios/load
	{"scenario_id": "request-pipeline"}

NOTE:
	The ledger is append-only, so nothing is reset. Loading a scenario twice
	creates a second set of products with fresh ids.
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/issuance-engine/catalog"
	"github.com/warp/issuance-engine/inventory"
	"github.com/warp/issuance-engine/workflow"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ScenarioResultDTO lists what a load created.
type ScenarioResultDTO struct {
	Scenario string   `json:"scenario"`
	Products []string `json:"products"`
	Workers  []string `json:"workers"`
	Requests []string `json:"requests,omitempty"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "warehouse-basic",
		Name:        "Warehouse Basic",
		Description: "Helmets, gloves and goggles with opening stock and two workers",
	},
	{
		ID:          "low-stock",
		Name:        "Low Stock",
		Description: "Products at or below minimum plus one expiring within 30 days",
	},
	{
		ID:          "request-pipeline",
		Name:        "Request Pipeline",
		Description: "Requests parked at SUBMITTED, APPROVED, SEPARATING and STOCK_DEBITED",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario loads a predefined scenario into the caller's tenant.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	actor := mustActor(r)
	if !actor.IsAdmin() {
		h.fail(w, r, fmt.Errorf("%w: %s cannot load scenarios", inventory.ErrNotAuthorized, actor.ID))
		return
	}

	var loader func(context.Context, inventory.Actor) (*ScenarioResultDTO, error)
	switch req.ScenarioID {
	case "warehouse-basic":
		loader = h.loadWarehouseBasicScenario
	case "low-stock":
		loader = h.loadLowStockScenario
	case "request-pipeline":
		loader = h.loadRequestPipelineScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	result, err := loader(r.Context(), actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	result.Scenario = req.ScenarioID
	h.log().Info("scenario loaded", "tenant_id", actor.TenantID, "scenario", req.ScenarioID)
	writeJSON(w, http.StatusCreated, result)
}

// =============================================================================
// LOADERS
// =============================================================================

type seedProduct struct {
	input catalog.ProductInput
	stock int64
}

func (h *Handler) seed(ctx context.Context, actor inventory.Actor, products []seedProduct, workers []catalog.WorkerInput) (*ScenarioResultDTO, []inventory.ProductID, []inventory.WorkerID, error) {
	result := &ScenarioResultDTO{}
	var productIDs []inventory.ProductID
	for _, sp := range products {
		p, err := h.Catalog.CreateProduct(ctx, actor, sp.input)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create product %s: %w", sp.input.Code, err)
		}
		if sp.stock > 0 {
			if _, err := h.Catalog.ReceiveStock(ctx, actor, p.ID, sp.stock, "opening stock"); err != nil {
				return nil, nil, nil, fmt.Errorf("failed to receive stock for %s: %w", p.ID, err)
			}
		}
		productIDs = append(productIDs, p.ID)
		result.Products = append(result.Products, string(p.ID))
	}

	var workerIDs []inventory.WorkerID
	for _, in := range workers {
		wk, err := h.Catalog.RegisterWorker(ctx, actor, in)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to register worker %s: %w", in.Name, err)
		}
		workerIDs = append(workerIDs, wk.ID)
		result.Workers = append(result.Workers, string(wk.ID))
	}
	return result, productIDs, workerIDs, nil
}

func basicProducts() []seedProduct {
	return []seedProduct{
		{input: catalog.ProductInput{Name: "Safety Helmet", Code: "HLM-01", Category: inventory.CategoryPersonal,
			MinStock: 5, UnitCost: decimal.RequireFromString("42.90")}, stock: 20},
		{input: catalog.ProductInput{Name: "Nitrile Gloves", Code: "GLV-07", Category: inventory.CategoryPersonal,
			MinStock: 50, UnitCost: decimal.RequireFromString("1.35")}, stock: 200},
		{input: catalog.ProductInput{Name: "Safety Goggles", Code: "GGL-02", Category: inventory.CategoryPersonal,
			MinStock: 10, UnitCost: decimal.RequireFromString("18.00")}, stock: 30},
	}
}

func basicWorkers() []catalog.WorkerInput {
	return []catalog.WorkerInput{
		{Name: "Ana Souza", Email: "ana.souza@example.com"},
		{Name: "Bruno Lima"},
	}
}

func (h *Handler) loadWarehouseBasicScenario(ctx context.Context, actor inventory.Actor) (*ScenarioResultDTO, error) {
	result, _, _, err := h.seed(ctx, actor, basicProducts(), basicWorkers())
	return result, err
}

func (h *Handler) loadLowStockScenario(ctx context.Context, actor inventory.Actor) (*ScenarioResultDTO, error) {
	soon := time.Now().UTC().AddDate(0, 0, 14).Truncate(24 * time.Hour)
	products := []seedProduct{
		{input: catalog.ProductInput{Name: "Ear Plugs", Code: "EAR-03", Category: inventory.CategoryPersonal,
			MinStock: 100, UnitCost: decimal.RequireFromString("0.25")}, stock: 40},
		{input: catalog.ProductInput{Name: "Fall Arrest Harness", Code: "HRN-01", Category: inventory.CategoryCollective,
			MinStock: 2, UnitCost: decimal.RequireFromString("310.00")}, stock: 2},
		{input: catalog.ProductInput{Name: "Respirator Filter", Code: "FLT-P2", Category: inventory.CategoryPersonal,
			MinStock: 10, UnitCost: decimal.RequireFromString("6.80"), ExpiresAt: &soon}, stock: 25},
	}
	result, _, _, err := h.seed(ctx, actor, products, basicWorkers()[:1])
	return result, err
}

// loadRequestPipelineScenario leaves one request at each pre-delivery stage.
func (h *Handler) loadRequestPipelineScenario(ctx context.Context, actor inventory.Actor) (*ScenarioResultDTO, error) {
	result, products, workers, err := h.seed(ctx, actor, basicProducts(), basicWorkers())
	if err != nil {
		return nil, err
	}

	stages := [][]func(context.Context, inventory.Actor, inventory.RequestID) (*inventory.Request, error){
		{},
		{h.approve},
		{h.approve, h.Workflow.BeginSeparation},
		{h.approve, h.Workflow.BeginSeparation, h.Workflow.DebitStock},
	}
	for i, steps := range stages {
		req, err := h.Workflow.Submit(ctx, actor, workflow.SubmitInput{
			WorkerID:  workers[i%len(workers)],
			ProductID: products[i%len(products)],
			Quantity:  int64(i + 1),
			Reason:    "demo",
			Signature: []byte("demo-signature"),
			Selfie:    []byte("demo-selfie"),
			UserAgent: "scenario-loader",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to submit demo request: %w", err)
		}
		for _, step := range steps {
			if _, err := step(ctx, actor, req.ID); err != nil {
				return nil, fmt.Errorf("failed to advance demo request %s: %w", req.ID, err)
			}
		}
		result.Requests = append(result.Requests, string(req.ID))
	}
	return result, nil
}

func (h *Handler) approve(ctx context.Context, actor inventory.Actor, id inventory.RequestID) (*inventory.Request, error) {
	return h.Workflow.Approve(ctx, actor, id, "demo approval")
}
