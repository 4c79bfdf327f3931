/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain records in package inventory from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

BINARY FIELDS:
  Signature and selfie travel as base64 strings ([]byte in Go). They are
  never echoed back; responses carry the integrity hash instead.

VALIDATION:
  Shape checks (required fields, enums, email format) use struct tags and
  go-playground/validator. Business rules (positive quantity, consent,
  balance) stay in the domain so every caller gets the same errors.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/issuance-engine/catalog"
	"github.com/warp/issuance-engine/inventory"
)

// =============================================================================
// PRODUCTS
// =============================================================================

type ProductDTO struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Code      string          `json:"code"`
	Category  string          `json:"category"`
	MinStock  int64           `json:"min_stock"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	ExpiresAt *string         `json:"expires_at,omitempty"`
	Active    bool            `json:"active"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

// ProductRequest creates or updates a product.
type ProductRequest struct {
	Name      string          `json:"name" validate:"required,max=200"`
	Code      string          `json:"code" validate:"required,max=64"`
	Category  string          `json:"category" validate:"required,oneof=PERSONAL COLLECTIVE"`
	MinStock  int64           `json:"min_stock" validate:"gte=0"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

func (p ProductRequest) input() catalog.ProductInput {
	return catalog.ProductInput{
		Name:      p.Name,
		Code:      p.Code,
		Category:  inventory.Category(p.Category),
		MinStock:  p.MinStock,
		UnitCost:  p.UnitCost,
		ExpiresAt: p.ExpiresAt,
	}
}

func toProductDTO(p inventory.Product) ProductDTO {
	return ProductDTO{
		ID:        string(p.ID),
		Name:      p.Name,
		Code:      p.Code,
		Category:  string(p.Category),
		MinStock:  p.MinStock,
		UnitCost:  p.UnitCost,
		ExpiresAt: formatOptional(p.ExpiresAt),
		Active:    p.Active,
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
		UpdatedAt: p.UpdatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// WORKERS
// =============================================================================

type WorkerDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
}

type CreateWorkerRequest struct {
	ID    string `json:"id" validate:"omitempty,max=64"`
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email" validate:"omitempty,email"`
}

func toWorkerDTO(w inventory.Worker) WorkerDTO {
	return WorkerDTO{
		ID:        string(w.ID),
		Name:      w.Name,
		Email:     w.Email,
		Active:    w.Active,
		CreatedAt: w.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// STOCK
// =============================================================================

type MovementDTO struct {
	ID         string `json:"id"`
	ProductID  string `json:"product_id"`
	Quantity   int64  `json:"quantity"`
	Kind       string `json:"kind"`
	Direction  string `json:"direction,omitempty"`
	ActorID    string `json:"actor_id,omitempty"`
	WorkerID   string `json:"worker_id,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	DeliveryID string `json:"delivery_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// ReceiveStockRequest records an IN movement.
type ReceiveStockRequest struct {
	Quantity int64  `json:"quantity"`
	Reason   string `json:"reason" validate:"max=500"`
}

// AdjustStockRequest records an ADJUST movement. A reason is mandatory.
type AdjustStockRequest struct {
	Quantity  int64  `json:"quantity"`
	Direction string `json:"direction" validate:"required,oneof=INCREASE DECREASE"`
	Reason    string `json:"reason" validate:"required,max=500"`
}

type BalanceDTO struct {
	ProductID string `json:"product_id"`
	OnHand    int64  `json:"on_hand"`
	In        int64  `json:"in"`
	Out       int64  `json:"out"`
	Increase  int64  `json:"increase"`
	Decrease  int64  `json:"decrease"`
	Movements int    `json:"movements"`
}

type StockLineDTO struct {
	Product      ProductDTO      `json:"product"`
	OnHand       int64           `json:"on_hand"`
	BelowMinimum bool            `json:"below_minimum"`
	Value        decimal.Decimal `json:"value"`
}

type ValuationLineDTO struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	OnHand    int64           `json:"on_hand"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	Value     decimal.Decimal `json:"value"`
}

type ValuationDTO struct {
	Lines []ValuationLineDTO `json:"lines"`
	Total decimal.Decimal    `json:"total"`
}

func toMovementDTO(m inventory.Movement) MovementDTO {
	return MovementDTO{
		ID:         string(m.ID),
		ProductID:  string(m.ProductID),
		Quantity:   m.Quantity,
		Kind:       string(m.Kind),
		Direction:  string(m.Direction),
		ActorID:    m.ActorID,
		WorkerID:   string(m.WorkerID),
		RequestID:  string(m.RequestID),
		DeliveryID: string(m.DeliveryID),
		Reason:     m.Reason,
		CreatedAt:  m.CreatedAt.Format(time.RFC3339),
	}
}

func toStockLineDTO(l inventory.StockLine) StockLineDTO {
	return StockLineDTO{
		Product:      toProductDTO(l.Product),
		OnHand:       l.OnHand,
		BelowMinimum: l.BelowMinimum(),
		Value:        l.Value(),
	}
}

// =============================================================================
// REQUESTS (workflow)
// =============================================================================

type GeolocationDTO struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
}

// SubmitRequestDTO is the body of POST /api/requests.
type SubmitRequestDTO struct {
	WorkerID    string          `json:"worker_id" validate:"omitempty,max=64"`
	ProductID   string          `json:"product_id" validate:"required"`
	Quantity    int64           `json:"quantity"`
	Reason      string          `json:"reason" validate:"max=500"`
	Note        string          `json:"note" validate:"max=2000"`
	Signature   []byte          `json:"signature"`
	Selfie      []byte          `json:"selfie"`
	Geolocation *GeolocationDTO `json:"geolocation,omitempty"`
}

type ApproveRequestDTO struct {
	Note string `json:"note" validate:"max=2000"`
}

type RejectRequestDTO struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

type RequestDTO struct {
	ID              string          `json:"id"`
	WorkerID        string          `json:"worker_id"`
	ProductID       string          `json:"product_id"`
	Quantity        int64           `json:"quantity"`
	Reason          string          `json:"reason,omitempty"`
	Note            string          `json:"note,omitempty"`
	Status          string          `json:"status"`
	ApproverID      string          `json:"approver_id,omitempty"`
	ApprovedAt      *string         `json:"approved_at,omitempty"`
	ApprovalNote    string          `json:"approval_note,omitempty"`
	RejectedAt      *string         `json:"rejected_at,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	OriginIP        string          `json:"origin_ip,omitempty"`
	UserAgent       string          `json:"user_agent,omitempty"`
	Geolocation     *GeolocationDTO `json:"geolocation,omitempty"`
	IntegrityHash   string          `json:"integrity_hash"`
	Terminal        bool            `json:"terminal"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
}

func toRequestDTO(r inventory.Request, terminal bool) RequestDTO {
	dto := RequestDTO{
		ID:              string(r.ID),
		WorkerID:        string(r.WorkerID),
		ProductID:       string(r.ProductID),
		Quantity:        r.Quantity,
		Reason:          r.Reason,
		Note:            r.Note,
		Status:          string(r.Status),
		ApproverID:      r.ApproverID,
		ApprovedAt:      formatOptional(r.ApprovedAt),
		ApprovalNote:    r.ApprovalNote,
		RejectedAt:      formatOptional(r.RejectedAt),
		RejectionReason: r.RejectionReason,
		OriginIP:        r.OriginIP,
		UserAgent:       r.UserAgent,
		IntegrityHash:   r.IntegrityHash,
		Terminal:        terminal,
		CreatedAt:       r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       r.UpdatedAt.Format(time.RFC3339),
	}
	if g := r.Geolocation; g != nil {
		dto.Geolocation = &GeolocationDTO{Latitude: g.Latitude, Longitude: g.Longitude, Accuracy: g.Accuracy}
	}
	return dto
}

// =============================================================================
// DELIVERIES (direct issuance)
// =============================================================================

type DeliveryLineRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int64  `json:"quantity"`
}

// IssueDeliveryRequest is the body of POST /api/deliveries.
type IssueDeliveryRequest struct {
	WorkerID            string                `json:"worker_id" validate:"required"`
	Lines               []DeliveryLineRequest `json:"lines" validate:"required,min=1,dive"`
	Signature           []byte                `json:"signature"`
	Selfie              []byte                `json:"selfie"`
	DeclarationAccepted bool                  `json:"declaration_accepted"`
}

type DeliveryItemDTO struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Code      string          `json:"code"`
	ExpiresAt *string         `json:"expires_at,omitempty"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	Quantity  int64           `json:"quantity"`
}

type DeliveryDTO struct {
	ID            string            `json:"id"`
	WorkerID      string            `json:"worker_id"`
	ActorID       string            `json:"actor_id"`
	Items         []DeliveryItemDTO `json:"items"`
	TotalCost     decimal.Decimal   `json:"total_cost"`
	OriginIP      string            `json:"origin_ip,omitempty"`
	UserAgent     string            `json:"user_agent,omitempty"`
	IntegrityHash string            `json:"integrity_hash"`
	CreatedAt     string            `json:"created_at"`
}

func toDeliveryDTO(d inventory.Delivery) DeliveryDTO {
	items := make([]DeliveryItemDTO, 0, len(d.Items))
	for _, it := range d.Items {
		items = append(items, DeliveryItemDTO{
			ProductID: string(it.ProductID),
			Name:      it.Name,
			Code:      it.Code,
			ExpiresAt: formatOptional(it.ExpiresAt),
			UnitCost:  it.UnitCost,
			Quantity:  it.Quantity,
		})
	}
	return DeliveryDTO{
		ID:            string(d.ID),
		WorkerID:      string(d.WorkerID),
		ActorID:       d.ActorID,
		Items:         items,
		TotalCost:     d.TotalCost(),
		OriginIP:      d.OriginIP,
		UserAgent:     d.UserAgent,
		IntegrityHash: d.IntegrityHash,
		CreatedAt:     d.CreatedAt.Format(time.RFC3339),
	}
}

// VerifyDTO is the answer of the integrity check endpoints.
type VerifyDTO struct {
	ID    string `json:"id"`
	Valid bool   `json:"valid"`
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditEntryDTO struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	RequestID string            `json:"request_id,omitempty"`
	ActorID   string            `json:"actor_id"`
	Details   map[string]string `json:"details,omitempty"`
	CreatedAt string            `json:"created_at"`
}

func toAuditDTOs(entries []inventory.AuditEntry) []AuditEntryDTO {
	dtos := make([]AuditEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, AuditEntryDTO{
			ID:        e.ID,
			Kind:      string(e.Kind),
			RequestID: string(e.RequestID),
			ActorID:   e.ActorID,
			Details:   e.Details,
			CreatedAt: e.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	return dtos
}

// =============================================================================
// RECONCILIATION
// =============================================================================

type DriftDTO struct {
	TenantID  string `json:"tenant_id"`
	ProductID string `json:"product_id"`
	Cached    int64  `json:"cached"`
	Folded    int64  `json:"folded"`
	Missing   bool   `json:"missing"`
}

type ReconcileReportDTO struct {
	StartedAt  string     `json:"started_at"`
	FinishedAt string     `json:"finished_at,omitempty"`
	Tenants    int        `json:"tenants"`
	Products   int        `json:"products"`
	Drifts     []DriftDTO `json:"drifts"`
	Errors     []string   `json:"errors,omitempty"`
}

func toReconcileReportDTO(r *inventory.ReconcileReport) ReconcileReportDTO {
	dto := ReconcileReportDTO{
		StartedAt: r.StartedAt.Format(time.RFC3339),
		Tenants:   r.Tenants,
		Products:  r.Products,
		Drifts:    make([]DriftDTO, 0, len(r.Drifts)),
		Errors:    r.Errors,
	}
	if !r.FinishedAt.IsZero() {
		dto.FinishedAt = r.FinishedAt.Format(time.RFC3339)
	}
	for _, d := range r.Drifts {
		dto.Drifts = append(dto.Drifts, DriftDTO{
			TenantID:  string(d.TenantID),
			ProductID: string(d.Product),
			Cached:    d.Cached,
			Folded:    d.Folded,
			Missing:   d.Missing,
		})
	}
	return dto
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
