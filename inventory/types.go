/*
Package inventory provides the issuance ledger core.

PURPOSE:
  This package holds the records and algorithms behind regulated safety
  equipment issuance: products, workers, stock movements, issuance requests,
  direct deliveries and the audit trail. The movement ledger is the single
  source of truth for stock; balances are always folded from it.

KEY CONCEPTS IN THIS FILE (types.go):
  - TenantID: Company scope carried by every record
  - Product: A trackable equipment type (never deleted, only deactivated)
  - Worker: The person equipment is issued to
  - Movement: An immutable IN / OUT / ADJUST fact against a product
  - Actor: The identity supplied by the external session provider

DESIGN PRINCIPLES:
  1. Immutability: Movements and audit entries are never updated or deleted
  2. Derived state: Balance = fold(movements), never a stored counter
  3. Explicit scope: Every call carries a TenantID, nothing is ambient
  4. Integer stock: Quantities are positive whole units

SEE ALSO:
  - ledger.go: Append with the non-negative invariant
  - balance.go: The pure fold
  - store.go: Persistence interfaces
*/
package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID string
type ProductID string
type WorkerID string
type MovementID string
type RequestID string
type DeliveryID string

// =============================================================================
// ACTOR - Identity supplied by the session provider (trusted, not re-verified)
// =============================================================================

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleApprover Role = "approver"
	RoleWorker   Role = "worker"
)

type Actor struct {
	ID       string
	TenantID TenantID
	Role     Role
}

// CanApprove reports whether the actor may approve or reject requests.
func (a Actor) CanApprove() bool {
	return a.Role == RoleAdmin || a.Role == RoleApprover
}

// IsAdmin reports whether the actor may perform administrative stock operations.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// =============================================================================
// PRODUCT - Equipment type
// =============================================================================

type Category string

const (
	CategoryPersonal   Category = "PERSONAL"
	CategoryCollective Category = "COLLECTIVE"
)

func (c Category) Valid() bool {
	return c == CategoryPersonal || c == CategoryCollective
}

// Product is a trackable equipment type. Products are deactivated, never
// deleted, so that historical movements keep pointing at a valid row.
type Product struct {
	ID        ProductID
	TenantID  TenantID
	Name      string
	Code      string
	Category  Category
	MinStock  int64
	UnitCost  decimal.Decimal
	ExpiresAt *time.Time
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// WORKER - Recipient of equipment
// =============================================================================

type Worker struct {
	ID        WorkerID
	TenantID  TenantID
	Name      string
	Email     string
	Active    bool
	CreatedAt time.Time
}

// =============================================================================
// MOVEMENT - Immutable stock fact
// =============================================================================

type MovementKind string

const (
	MovementIn     MovementKind = "IN"
	MovementOut    MovementKind = "OUT"
	MovementAdjust MovementKind = "ADJUST"
)

type AdjustDirection string

const (
	AdjustIncrease AdjustDirection = "INCREASE"
	AdjustDecrease AdjustDirection = "DECREASE"
)

// Movement is one fact against a product's stock. Quantity is always
// positive; the sign comes from Kind and Direction.
type Movement struct {
	ID         MovementID
	TenantID   TenantID
	ProductID  ProductID
	Quantity   int64
	Kind       MovementKind
	Direction  AdjustDirection // only when Kind == MovementAdjust
	ActorID    string
	WorkerID   WorkerID   // optional
	RequestID  RequestID  // optional, at most one OUT per request
	DeliveryID DeliveryID // optional
	Reason     string
	CreatedAt  time.Time
}

// IsDebit reports whether the movement reduces stock.
func (m Movement) IsDebit() bool {
	return m.Kind == MovementOut || (m.Kind == MovementAdjust && m.Direction == AdjustDecrease)
}

// Signed returns the movement's contribution to the balance.
func (m Movement) Signed() int64 {
	if m.IsDebit() {
		return -m.Quantity
	}
	return m.Quantity
}

// Geolocation is the optional capture position of a request.
type Geolocation struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
}
