/*
Package sqlite provides a SQLite-backed implementation of inventory.Store.

PURPOSE:
  Production persistence for the issuance core. The same schema maps to
  PostgreSQL with minor dialect differences (partial unique index syntax is
  identical; BLOB becomes BYTEA).

APPEND-ONLY ENFORCEMENT:
  movements and audit_log have no UPDATE or DELETE paths in this package,
  and triggers abort any attempt made directly against the database.

KEY TABLES:
  products:   Equipment types (deactivated, never deleted)
  workers:    Recipients, email directory for notifications
  movements:  Immutable stock ledger
  requests:   Workflow state, consent artifacts, integrity hash
  deliveries: Direct issuances with their line snapshots
  audit_log:  Immutable event trail

  Every table carries tenant_id; every query filters on it.

INDEXES:
  - idx_movements_product:     Balance fold (hot path)
  - idx_movements_request_out: At most one OUT per (tenant, request). Backs
                               the idempotent debit at the database level.
  - idx_requests_status:       Workflow queues
  - idx_audit_request:         Per-request trail

CONCURRENCY:
  Transactions start with BEGIN IMMEDIATE (_txlock=immediate), taking the
  write lock up front so two read-modify-write transactions can never both
  read a stale balance. The pool holds one connection; _busy_timeout makes
  contenders wait instead of failing. A lock that still cannot be acquired
  surfaces as inventory.ErrStorageUnavailable.

TIMESTAMPS:
  UTC, fixed-width nanosecond layout, so text comparison orders them.

USAGE:
  store, err := sqlite.New("./data/issuance.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := inventory.NewLedger(store)

SEE ALSO:
  - inventory/store.go: Interface definitions
  - inventory/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/issuance-engine/inventory"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements inventory.Store using SQLite.
type Store struct {
	reader
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{reader: reader{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return wrap("ping", s.db.PingContext(ctx))
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Products
	CREATE TABLE IF NOT EXISTS products (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		code TEXT NOT NULL,
		category TEXT NOT NULL,
		min_stock INTEGER NOT NULL DEFAULT 0,
		unit_cost TEXT NOT NULL DEFAULT '0',
		expires_at TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_products_tenant_name
		ON products(tenant_id, name);

	-- Workers
	CREATE TABLE IF NOT EXISTS workers (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		email TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);

	-- Movements (append-only ledger)
	CREATE TABLE IF NOT EXISTS movements (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		kind TEXT NOT NULL CHECK (kind IN ('IN', 'OUT', 'ADJUST')),
		direction TEXT,
		actor_id TEXT,
		worker_id TEXT,
		request_id TEXT,
		delivery_id TEXT,
		reason TEXT,
		created_at TEXT NOT NULL,
		FOREIGN KEY (tenant_id, product_id) REFERENCES products(tenant_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_movements_product
		ON movements(tenant_id, product_id);

	-- CRITICAL: a request is debited at most once
	CREATE UNIQUE INDEX IF NOT EXISTS idx_movements_request_out
		ON movements(tenant_id, request_id)
		WHERE kind = 'OUT' AND request_id IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_movements_delivery
		ON movements(tenant_id, delivery_id) WHERE delivery_id IS NOT NULL;

	CREATE TRIGGER IF NOT EXISTS movements_no_update BEFORE UPDATE ON movements
	BEGIN SELECT RAISE(ABORT, 'movements are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS movements_no_delete BEFORE DELETE ON movements
	BEGIN SELECT RAISE(ABORT, 'movements are append-only'); END;

	-- Requests (workflow)
	CREATE TABLE IF NOT EXISTS requests (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		reason TEXT,
		note TEXT,
		status TEXT NOT NULL,
		approver_id TEXT,
		approved_at TEXT,
		approval_note TEXT,
		rejected_at TEXT,
		rejection_reason TEXT,
		signature BLOB,
		selfie BLOB,
		origin_ip TEXT,
		user_agent TEXT,
		geo_latitude REAL,
		geo_longitude REAL,
		geo_accuracy REAL,
		integrity_hash TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id),
		FOREIGN KEY (tenant_id, product_id) REFERENCES products(tenant_id, id),
		FOREIGN KEY (tenant_id, worker_id) REFERENCES workers(tenant_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_requests_status
		ON requests(tenant_id, status);
	CREATE INDEX IF NOT EXISTS idx_requests_worker
		ON requests(tenant_id, worker_id);

	-- Deliveries (direct issuance)
	CREATE TABLE IF NOT EXISTS deliveries (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		actor_id TEXT,
		items_json TEXT NOT NULL,
		signature BLOB,
		selfie BLOB,
		declaration_accepted BOOLEAN NOT NULL,
		origin_ip TEXT,
		user_agent TEXT,
		integrity_hash TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id),
		FOREIGN KEY (tenant_id, worker_id) REFERENCES workers(tenant_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_deliveries_worker
		ON deliveries(tenant_id, worker_id);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		request_id TEXT,
		actor_id TEXT NOT NULL,
		details_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_request
		ON audit_log(tenant_id, request_id) WHERE request_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_audit_tenant_created
		ON audit_log(tenant_id, created_at);

	CREATE TRIGGER IF NOT EXISTS audit_no_update BEFORE UPDATE ON audit_log
	BEGIN SELECT RAISE(ABORT, 'audit log is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS audit_no_delete BEFORE DELETE ON audit_log
	BEGIN SELECT RAISE(ABORT, 'audit log is append-only'); END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(inventory.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{reader: reader{q: sqlTx}, tx: sqlTx}); err != nil {
		return err
	}

	return wrap("commit", sqlTx.Commit())
}

// Tenants lists every tenant that owns at least one product.
func (s *Store) Tenants(ctx context.Context) ([]inventory.TenantID, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT tenant_id FROM products ORDER BY tenant_id")
	if err != nil {
		return nil, wrap("list tenants", err)
	}
	defer rows.Close()

	var tenants []inventory.TenantID
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, wrap("scan tenant", err)
		}
		tenants = append(tenants, inventory.TenantID(t))
	}
	return tenants, wrap("list tenants", rows.Err())
}

// txStore is the inventory.Tx view of one *sql.Tx. All reads go through the
// transaction, so they see its own uncommitted writes.
type txStore struct {
	reader
	tx *sql.Tx
}

// Locks only assert existence: BEGIN IMMEDIATE already holds the write lock.
func (ts *txStore) LockProduct(ctx context.Context, tenant inventory.TenantID, id inventory.ProductID) error {
	return ts.exists(ctx, "SELECT 1 FROM products WHERE tenant_id = ? AND id = ?", "product", string(tenant), string(id))
}

func (ts *txStore) LockRequest(ctx context.Context, tenant inventory.TenantID, id inventory.RequestID) error {
	return ts.exists(ctx, "SELECT 1 FROM requests WHERE tenant_id = ? AND id = ?", "request", string(tenant), string(id))
}

func (ts *txStore) exists(ctx context.Context, query, what string, tenant, id string) error {
	var one int
	err := ts.tx.QueryRowContext(ctx, query, tenant, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, inventory.ErrNotFound)
	}
	return wrap("lock "+what, err)
}

func (ts *txStore) InsertProduct(ctx context.Context, p inventory.Product) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO products
		(tenant_id, id, name, code, category, min_stock, unit_cost, expires_at, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.TenantID, p.ID, p.Name, p.Code, p.Category, p.MinStock, p.UnitCost.String(),
		nullTime(p.ExpiresAt), p.Active, formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: product %s already exists", inventory.ErrInvalidInput, p.ID)
	}
	return wrap("insert product", err)
}

func (ts *txStore) UpdateProduct(ctx context.Context, p inventory.Product) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE products
		SET name = ?, code = ?, category = ?, min_stock = ?, unit_cost = ?, expires_at = ?, active = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		p.Name, p.Code, p.Category, p.MinStock, p.UnitCost.String(), nullTime(p.ExpiresAt),
		p.Active, formatTime(p.UpdatedAt), p.TenantID, p.ID,
	)
	if err != nil {
		return wrap("update product", err)
	}
	return requireRow(res, "product", string(p.ID))
}

func (ts *txStore) InsertWorker(ctx context.Context, w inventory.Worker) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO workers (tenant_id, id, name, email, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		w.TenantID, w.ID, w.Name, nullString(w.Email), w.Active, formatTime(w.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: worker %s already exists", inventory.ErrInvalidInput, w.ID)
	}
	return wrap("insert worker", err)
}

func (ts *txStore) InsertMovement(ctx context.Context, m inventory.Movement) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO movements
		(id, tenant_id, product_id, quantity, kind, direction, actor_id, worker_id, request_id, delivery_id, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TenantID, m.ProductID, m.Quantity, m.Kind,
		nullString(string(m.Direction)), nullString(m.ActorID), nullString(string(m.WorkerID)),
		nullString(string(m.RequestID)), nullString(string(m.DeliveryID)), nullString(m.Reason),
		formatTime(m.CreatedAt),
	)
	if isUniqueConstraintError(err) && strings.Contains(err.Error(), "request_id") {
		return inventory.ErrDuplicateDebit
	}
	return wrap("insert movement", err)
}

func (ts *txStore) InsertRequest(ctx context.Context, r inventory.Request) error {
	lat, lon, acc := geoColumns(r.Geolocation)
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO requests
		(tenant_id, id, worker_id, product_id, quantity, reason, note, status,
		 approver_id, approved_at, approval_note, rejected_at, rejection_reason,
		 signature, selfie, origin_ip, user_agent, geo_latitude, geo_longitude, geo_accuracy,
		 integrity_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TenantID, r.ID, r.WorkerID, r.ProductID, r.Quantity, nullString(r.Reason), nullString(r.Note), r.Status,
		nullString(r.ApproverID), nullTime(r.ApprovedAt), nullString(r.ApprovalNote),
		nullTime(r.RejectedAt), nullString(r.RejectionReason),
		r.Signature, r.Selfie, nullString(r.OriginIP), nullString(r.UserAgent), lat, lon, acc,
		r.IntegrityHash, formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: request %s already exists", inventory.ErrInvalidInput, r.ID)
	}
	return wrap("insert request", err)
}

// UpdateRequest writes the mutable workflow columns. Consent artifacts,
// origin metadata and the integrity hash are written once at insert.
func (ts *txStore) UpdateRequest(ctx context.Context, r inventory.Request) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE requests
		SET status = ?, approver_id = ?, approved_at = ?, approval_note = ?,
		    rejected_at = ?, rejection_reason = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		r.Status, nullString(r.ApproverID), nullTime(r.ApprovedAt), nullString(r.ApprovalNote),
		nullTime(r.RejectedAt), nullString(r.RejectionReason), formatTime(r.UpdatedAt),
		r.TenantID, r.ID,
	)
	if err != nil {
		return wrap("update request", err)
	}
	return requireRow(res, "request", string(r.ID))
}

func (ts *txStore) InsertDelivery(ctx context.Context, d inventory.Delivery) error {
	items, err := json.Marshal(toItemRecords(d.Items))
	if err != nil {
		return fmt.Errorf("failed to encode delivery items: %w", err)
	}
	_, err = ts.tx.ExecContext(ctx, `
		INSERT INTO deliveries
		(tenant_id, id, worker_id, actor_id, items_json, signature, selfie, declaration_accepted,
		 origin_ip, user_agent, integrity_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.TenantID, d.ID, d.WorkerID, nullString(d.ActorID), string(items), d.Signature, d.Selfie,
		d.DeclarationAccepted, nullString(d.OriginIP), nullString(d.UserAgent), d.IntegrityHash,
		formatTime(d.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: delivery %s already exists", inventory.ErrInvalidInput, d.ID)
	}
	return wrap("insert delivery", err)
}

func (ts *txStore) InsertAudit(ctx context.Context, e inventory.AuditEntry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}
	_, err = ts.tx.ExecContext(ctx, `
		INSERT INTO audit_log (id, tenant_id, kind, request_id, actor_id, details_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.Kind, nullString(string(e.RequestID)), e.ActorID, string(details),
		formatTime(e.CreatedAt),
	)
	return wrap("insert audit entry", err)
}

// =============================================================================
// READS - Shared by Store and txStore
// =============================================================================

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type reader struct {
	q queryer
}

const productColumns = `tenant_id, id, name, code, category, min_stock, unit_cost, expires_at, active, created_at, updated_at`

func (r reader) GetProduct(ctx context.Context, tenant inventory.TenantID, id inventory.ProductID) (*inventory.Product, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+productColumns+" FROM products WHERE tenant_id = ? AND id = ?", tenant, id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", id, inventory.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r reader) ListProducts(ctx context.Context, tenant inventory.TenantID, includeInactive bool) ([]inventory.Product, error) {
	query := "SELECT " + productColumns + " FROM products WHERE tenant_id = ?"
	if !includeInactive {
		query += " AND active = TRUE"
	}
	query += " ORDER BY name, rowid"

	rows, err := r.q.QueryContext(ctx, query, tenant)
	if err != nil {
		return nil, wrap("list products", err)
	}
	defer rows.Close()

	var products []inventory.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, wrap("list products", rows.Err())
}

func scanProduct(s scanner) (inventory.Product, error) {
	var (
		p         inventory.Product
		unitCost  string
		expiresAt sql.NullString
		createdAt string
		updatedAt string
	)
	err := s.Scan(&p.TenantID, &p.ID, &p.Name, &p.Code, &p.Category, &p.MinStock, &unitCost,
		&expiresAt, &p.Active, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, err
	}
	if err != nil {
		return p, wrap("scan product", err)
	}
	if p.UnitCost, err = decimal.NewFromString(unitCost); err != nil {
		return p, fmt.Errorf("invalid unit cost %q: %w", unitCost, err)
	}
	p.ExpiresAt = parseNullTime(expiresAt)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

func (r reader) GetWorker(ctx context.Context, tenant inventory.TenantID, id inventory.WorkerID) (*inventory.Worker, error) {
	row := r.q.QueryRowContext(ctx,
		"SELECT tenant_id, id, name, email, active, created_at FROM workers WHERE tenant_id = ? AND id = ?", tenant, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %s: %w", id, inventory.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r reader) ListWorkers(ctx context.Context, tenant inventory.TenantID) ([]inventory.Worker, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT tenant_id, id, name, email, active, created_at FROM workers WHERE tenant_id = ? ORDER BY rowid", tenant)
	if err != nil {
		return nil, wrap("list workers", err)
	}
	defer rows.Close()

	var workers []inventory.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, wrap("list workers", rows.Err())
}

func scanWorker(s scanner) (inventory.Worker, error) {
	var (
		w         inventory.Worker
		email     sql.NullString
		createdAt string
	)
	err := s.Scan(&w.TenantID, &w.ID, &w.Name, &email, &w.Active, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return w, err
	}
	if err != nil {
		return w, wrap("scan worker", err)
	}
	w.Email = email.String
	w.CreatedAt = parseTime(createdAt)
	return w, nil
}

const movementColumns = `id, tenant_id, product_id, quantity, kind, direction, actor_id, worker_id, request_id, delivery_id, reason, created_at`

func (r reader) LoadMovements(ctx context.Context, tenant inventory.TenantID, product inventory.ProductID) ([]inventory.Movement, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT "+movementColumns+" FROM movements WHERE tenant_id = ? AND product_id = ? ORDER BY rowid",
		tenant, product)
	if err != nil {
		return nil, wrap("load movements", err)
	}
	defer rows.Close()

	var movements []inventory.Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, wrap("load movements", rows.Err())
}

func (r reader) MovementByRequest(ctx context.Context, tenant inventory.TenantID, request inventory.RequestID) (*inventory.Movement, error) {
	row := r.q.QueryRowContext(ctx,
		"SELECT "+movementColumns+" FROM movements WHERE tenant_id = ? AND request_id = ? AND kind = 'OUT'",
		tenant, request)
	m, err := scanMovement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMovement(s scanner) (inventory.Movement, error) {
	var (
		m                                                    inventory.Movement
		direction, actor, worker, request, delivery, reason sql.NullString
		createdAt                                            string
	)
	err := s.Scan(&m.ID, &m.TenantID, &m.ProductID, &m.Quantity, &m.Kind,
		&direction, &actor, &worker, &request, &delivery, &reason, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return m, err
	}
	if err != nil {
		return m, wrap("scan movement", err)
	}
	m.Direction = inventory.AdjustDirection(direction.String)
	m.ActorID = actor.String
	m.WorkerID = inventory.WorkerID(worker.String)
	m.RequestID = inventory.RequestID(request.String)
	m.DeliveryID = inventory.DeliveryID(delivery.String)
	m.Reason = reason.String
	m.CreatedAt = parseTime(createdAt)
	return m, nil
}

const requestColumns = `tenant_id, id, worker_id, product_id, quantity, reason, note, status,
	approver_id, approved_at, approval_note, rejected_at, rejection_reason,
	signature, selfie, origin_ip, user_agent, geo_latitude, geo_longitude, geo_accuracy,
	integrity_hash, created_at, updated_at`

func (r reader) GetRequest(ctx context.Context, tenant inventory.TenantID, id inventory.RequestID) (*inventory.Request, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+requestColumns+" FROM requests WHERE tenant_id = ? AND id = ?", tenant, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", id, inventory.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (r reader) ListRequests(ctx context.Context, tenant inventory.TenantID, filter inventory.RequestFilter) ([]inventory.Request, error) {
	query := "SELECT " + requestColumns + " FROM requests WHERE tenant_id = ?"
	args := []any{tenant}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.WorkerID != "" {
		query += " AND worker_id = ?"
		args = append(args, filter.WorkerID)
	}
	query += " ORDER BY created_at, rowid"

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("list requests", err)
	}
	defer rows.Close()

	var requests []inventory.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, wrap("list requests", rows.Err())
}

func scanRequest(s scanner) (inventory.Request, error) {
	var (
		r                                       inventory.Request
		reason, note, approver, approvalNote    sql.NullString
		approvedAt, rejectedAt, rejectionReason sql.NullString
		originIP, userAgent                     sql.NullString
		lat, lon, acc                           sql.NullFloat64
		createdAt, updatedAt                    string
	)
	err := s.Scan(&r.TenantID, &r.ID, &r.WorkerID, &r.ProductID, &r.Quantity, &reason, &note, &r.Status,
		&approver, &approvedAt, &approvalNote, &rejectedAt, &rejectionReason,
		&r.Signature, &r.Selfie, &originIP, &userAgent, &lat, &lon, &acc,
		&r.IntegrityHash, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, err
	}
	if err != nil {
		return r, wrap("scan request", err)
	}
	r.Reason = reason.String
	r.Note = note.String
	r.ApproverID = approver.String
	r.ApprovedAt = parseNullTime(approvedAt)
	r.ApprovalNote = approvalNote.String
	r.RejectedAt = parseNullTime(rejectedAt)
	r.RejectionReason = rejectionReason.String
	r.OriginIP = originIP.String
	r.UserAgent = userAgent.String
	if lat.Valid && lon.Valid {
		r.Geolocation = &inventory.Geolocation{Latitude: lat.Float64, Longitude: lon.Float64, Accuracy: acc.Float64}
	}
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

const deliveryColumns = `tenant_id, id, worker_id, actor_id, items_json, signature, selfie, declaration_accepted,
	origin_ip, user_agent, integrity_hash, created_at`

func (r reader) GetDelivery(ctx context.Context, tenant inventory.TenantID, id inventory.DeliveryID) (*inventory.Delivery, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+deliveryColumns+" FROM deliveries WHERE tenant_id = ? AND id = ?", tenant, id)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("delivery %s: %w", id, inventory.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r reader) ListDeliveries(ctx context.Context, tenant inventory.TenantID, worker inventory.WorkerID) ([]inventory.Delivery, error) {
	query := "SELECT " + deliveryColumns + " FROM deliveries WHERE tenant_id = ?"
	args := []any{tenant}
	if worker != "" {
		query += " AND worker_id = ?"
		args = append(args, worker)
	}
	query += " ORDER BY created_at, rowid"

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("list deliveries", err)
	}
	defer rows.Close()

	var deliveries []inventory.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, wrap("list deliveries", rows.Err())
}

func scanDelivery(s scanner) (inventory.Delivery, error) {
	var (
		d                          inventory.Delivery
		actor, originIP, userAgent sql.NullString
		itemsJSON, createdAt       string
	)
	err := s.Scan(&d.TenantID, &d.ID, &d.WorkerID, &actor, &itemsJSON, &d.Signature, &d.Selfie,
		&d.DeclarationAccepted, &originIP, &userAgent, &d.IntegrityHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, err
	}
	if err != nil {
		return d, wrap("scan delivery", err)
	}
	var items []itemRecord
	if err := json.Unmarshal([]byte(itemsJSON), &items); err != nil {
		return d, fmt.Errorf("invalid items of delivery %s: %w", d.ID, err)
	}
	d.Items = fromItemRecords(items)
	d.ActorID = actor.String
	d.OriginIP = originIP.String
	d.UserAgent = userAgent.String
	d.CreatedAt = parseTime(createdAt)
	return d, nil
}

func (r reader) QueryAudit(ctx context.Context, tenant inventory.TenantID, filter inventory.AuditFilter) ([]inventory.AuditEntry, error) {
	query := "SELECT id, tenant_id, kind, request_id, actor_id, details_json, created_at FROM audit_log WHERE tenant_id = ?"
	args := []any{tenant}
	if filter.RequestID != "" {
		query += " AND request_id = ?"
		args = append(args, filter.RequestID)
	}
	if filter.ActorID != "" {
		query += " AND actor_id = ?"
		args = append(args, filter.ActorID)
	}
	if len(filter.Kinds) > 0 {
		query += " AND kind IN (?" + strings.Repeat(", ?", len(filter.Kinds)-1) + ")"
		for _, k := range filter.Kinds {
			args = append(args, k)
		}
	}
	if filter.From != nil {
		query += " AND created_at >= ?"
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		query += " AND created_at <= ?"
		args = append(args, formatTime(*filter.To))
	}
	query += " ORDER BY rowid"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("query audit", err)
	}
	defer rows.Close()

	var entries []inventory.AuditEntry
	for rows.Next() {
		var (
			e         inventory.AuditEntry
			requestID sql.NullString
			details   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Kind, &requestID, &e.ActorID, &details, &createdAt); err != nil {
			return nil, wrap("scan audit entry", err)
		}
		e.RequestID = inventory.RequestID(requestID.String)
		if details.Valid && details.String != "" && details.String != "null" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("invalid details of audit entry %s: %w", e.ID, err)
			}
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, wrap("query audit", rows.Err())
}

// =============================================================================
// ENCODING HELPERS
// =============================================================================

// itemRecord is the stored shape of one delivery line.
type itemRecord struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Code      string          `json:"code"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	Quantity  int64           `json:"quantity"`
}

func toItemRecords(items []inventory.DeliveryItem) []itemRecord {
	out := make([]itemRecord, 0, len(items))
	for _, it := range items {
		out = append(out, itemRecord{
			ProductID: string(it.ProductID),
			Name:      it.Name,
			Code:      it.Code,
			ExpiresAt: it.ExpiresAt,
			UnitCost:  it.UnitCost,
			Quantity:  it.Quantity,
		})
	}
	return out
}

func fromItemRecords(items []itemRecord) []inventory.DeliveryItem {
	out := make([]inventory.DeliveryItem, 0, len(items))
	for _, it := range items {
		out = append(out, inventory.DeliveryItem{
			ProductID: inventory.ProductID(it.ProductID),
			Name:      it.Name,
			Code:      it.Code,
			ExpiresAt: it.ExpiresAt,
			UnitCost:  it.UnitCost,
			Quantity:  it.Quantity,
		})
	}
	return out
}

func geoColumns(g *inventory.Geolocation) (lat, lon, acc sql.NullFloat64) {
	if g == nil {
		return
	}
	return sql.NullFloat64{Float64: g.Latitude, Valid: true},
		sql.NullFloat64{Float64: g.Longitude, Valid: true},
		sql.NullFloat64{Float64: g.Accuracy, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func requireRow(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, inventory.ErrNotFound)
	}
	return nil
}

// =============================================================================
// ERROR TRANSLATION
// =============================================================================

// wrap adds context to a driver error and marks busy, locked and deadline
// failures as inventory.ErrStorageUnavailable.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return fmt.Errorf("%s: %w: %w", op, inventory.ErrStorageUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
