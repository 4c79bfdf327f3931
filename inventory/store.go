/*
store.go - Persistence interfaces for the issuance core

PURPOSE:
  Defines the boundary between domain logic and the database. Concurrency
  is the storage layer's job: the core never holds in-process locks across
  requests, it asks the store for a transaction and for row locks inside it.

KEY INTERFACES:
  Reader: Tenant-scoped queries
  Tx:     Reader + writes + locks, valid only inside WithTx
  Store:  Reader + WithTx

APPEND-ONLY CONTRACT:
  Movements and audit entries have Insert methods only. There is no
  UpdateMovement, no DeleteMovement, no DeleteAudit. Products and workers
  are updated in place but never deleted.

LOCKING CONTRACT:
  LockProduct serializes read-modify-write on one product's movements until
  the transaction ends. LockRequest does the same for a request's workflow
  state. Movements on different products need no mutual ordering.

UNIQUENESS CONTRACT:
  InsertMovement must fail with ErrDuplicateDebit if an OUT movement with
  the same (tenant, request_id) already exists. This backs the idempotent
  debit even if two transactions race past the application check.

TRANSIENT FAILURES:
  Implementations wrap busy/locked/timeout failures with ErrStorageUnavailable.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - inventory/store/memory.go: In-memory for testing
*/
package inventory

import "context"

// Reader holds the tenant-scoped queries shared by Store and Tx.
// Getters return ErrNotFound (possibly wrapped) for missing rows.
type Reader interface {
	GetProduct(ctx context.Context, tenant TenantID, id ProductID) (*Product, error)
	ListProducts(ctx context.Context, tenant TenantID, includeInactive bool) ([]Product, error)

	GetWorker(ctx context.Context, tenant TenantID, id WorkerID) (*Worker, error)
	ListWorkers(ctx context.Context, tenant TenantID) ([]Worker, error)

	// LoadMovements returns all movements of a product, oldest first.
	LoadMovements(ctx context.Context, tenant TenantID, product ProductID) ([]Movement, error)

	// MovementByRequest returns the OUT movement linked to a request, or
	// (nil, nil) if there is none.
	MovementByRequest(ctx context.Context, tenant TenantID, request RequestID) (*Movement, error)

	GetRequest(ctx context.Context, tenant TenantID, id RequestID) (*Request, error)
	ListRequests(ctx context.Context, tenant TenantID, filter RequestFilter) ([]Request, error)

	GetDelivery(ctx context.Context, tenant TenantID, id DeliveryID) (*Delivery, error)
	ListDeliveries(ctx context.Context, tenant TenantID, worker WorkerID) ([]Delivery, error)

	QueryAudit(ctx context.Context, tenant TenantID, filter AuditFilter) ([]AuditEntry, error)
}

// Tx is a unit of work. Everything written through a Tx commits or rolls
// back together.
type Tx interface {
	Reader

	LockProduct(ctx context.Context, tenant TenantID, id ProductID) error
	LockRequest(ctx context.Context, tenant TenantID, id RequestID) error

	InsertProduct(ctx context.Context, p Product) error
	UpdateProduct(ctx context.Context, p Product) error

	InsertWorker(ctx context.Context, w Worker) error

	InsertMovement(ctx context.Context, m Movement) error

	InsertRequest(ctx context.Context, r Request) error
	UpdateRequest(ctx context.Context, r Request) error

	InsertDelivery(ctx context.Context, d Delivery) error

	InsertAudit(ctx context.Context, e AuditEntry) error
}

// Store is the root persistence handle.
type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Tenants lists every tenant with at least one product. Used by the
	// reconciliation job, which walks all scopes.
	Tenants(ctx context.Context) ([]TenantID, error)
}
