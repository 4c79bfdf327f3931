package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// REQUEST - Worker-initiated ask for equipment
// =============================================================================

type RequestStatus string

const (
	StatusSubmitted    RequestStatus = "SUBMITTED"
	StatusApproved     RequestStatus = "APPROVED"
	StatusSeparating   RequestStatus = "SEPARATING"
	StatusStockDebited RequestStatus = "STOCK_DEBITED"
	StatusDelivered    RequestStatus = "DELIVERED"
	StatusConfirmed    RequestStatus = "CONFIRMED"
	StatusRejected     RequestStatus = "REJECTED"
)

// Request is only mutated through workflow transitions. Terminal requests
// are kept forever.
type Request struct {
	ID        RequestID
	TenantID  TenantID
	WorkerID  WorkerID
	ProductID ProductID
	Quantity  int64
	Reason    string
	Note      string
	Status    RequestStatus
	CreatedAt time.Time
	UpdatedAt time.Time

	// Approval tracking
	ApproverID      string
	ApprovedAt      *time.Time
	ApprovalNote    string
	RejectedAt      *time.Time
	RejectionReason string

	// Consent artifacts and origin metadata, sealed at submission
	Signature     []byte
	Selfie        []byte
	OriginIP      string
	UserAgent     string
	Geolocation   *Geolocation
	IntegrityHash string
}

// =============================================================================
// DELIVERY - Direct issuance outside the request pipeline
// =============================================================================

// DeliveryItem snapshots the product at issuance time so later catalog
// edits do not rewrite what the worker signed for.
type DeliveryItem struct {
	ProductID ProductID
	Name      string
	Code      string
	ExpiresAt *time.Time
	UnitCost  decimal.Decimal
	Quantity  int64
}

type Delivery struct {
	ID                  DeliveryID
	TenantID            TenantID
	WorkerID            WorkerID
	ActorID             string
	Items               []DeliveryItem
	Signature           []byte
	Selfie              []byte
	DeclarationAccepted bool
	OriginIP            string
	UserAgent           string
	IntegrityHash       string
	CreatedAt           time.Time
}

// TotalCost sums quantity * unit cost over all lines.
func (d Delivery) TotalCost() decimal.Decimal {
	total := decimal.Zero
	for _, item := range d.Items {
		total = total.Add(item.UnitCost.Mul(decimal.NewFromInt(item.Quantity)))
	}
	return total
}

// =============================================================================
// AUDIT ENTRY - Append-only record of who did what
// =============================================================================

type AuditKind string

const (
	AuditSubmitted          AuditKind = "SUBMITTED"
	AuditApproved           AuditKind = "APPROVED"
	AuditRejected           AuditKind = "REJECTED"
	AuditSeparating         AuditKind = "SEPARATING"
	AuditStockDebited       AuditKind = "STOCK_DEBITED"
	AuditDelivered          AuditKind = "DELIVERED"
	AuditConfirmed          AuditKind = "CONFIRMED"
	AuditDeliveryIssued     AuditKind = "DELIVERY_ISSUED"
	AuditStockReceived      AuditKind = "STOCK_RECEIVED"
	AuditStockAdjusted      AuditKind = "STOCK_ADJUSTED"
	AuditProductCreated     AuditKind = "PRODUCT_CREATED"
	AuditProductUpdated     AuditKind = "PRODUCT_UPDATED"
	AuditProductDeactivated AuditKind = "PRODUCT_DEACTIVATED"
	AuditWorkerRegistered   AuditKind = "WORKER_REGISTERED"
)

type AuditEntry struct {
	ID        string
	TenantID  TenantID
	Kind      AuditKind
	RequestID RequestID // optional
	ActorID   string
	Details   map[string]string
	CreatedAt time.Time
}

// AuditFilter narrows an audit query. Zero values match everything.
type AuditFilter struct {
	RequestID RequestID
	ActorID   string
	Kinds     []AuditKind
	From      *time.Time
	To        *time.Time
	Limit     int
}

// RequestFilter narrows a request listing.
type RequestFilter struct {
	Status   RequestStatus
	WorkerID WorkerID
}
