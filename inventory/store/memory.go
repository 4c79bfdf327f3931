// Package store provides in-memory inventory.Store and inventory.BalanceCache
// implementations for tests and local development.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/issuance-engine/inventory"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type scoped[T comparable] struct {
	Tenant inventory.TenantID
	ID     T
}

type state struct {
	products   map[scoped[inventory.ProductID]]inventory.Product
	workers    map[scoped[inventory.WorkerID]]inventory.Worker
	movements  map[scoped[inventory.ProductID]][]inventory.Movement
	debits     map[scoped[inventory.RequestID]]inventory.Movement
	requests   map[scoped[inventory.RequestID]]inventory.Request
	deliveries map[scoped[inventory.DeliveryID]]inventory.Delivery
	audit      []inventory.AuditEntry

	// insertion order for stable listings
	productOrder  []scoped[inventory.ProductID]
	workerOrder   []scoped[inventory.WorkerID]
	requestOrder  []scoped[inventory.RequestID]
	deliveryOrder []scoped[inventory.DeliveryID]
}

// Memory is a Store whose transactions are fully serialized: WithTx holds the
// write lock for its whole duration, which subsumes per-product and
// per-request locking.
type Memory struct {
	mu sync.RWMutex
	s  state
}

func NewMemory() *Memory {
	return &Memory{s: newState()}
}

func newState() state {
	return state{
		products:   make(map[scoped[inventory.ProductID]]inventory.Product),
		workers:    make(map[scoped[inventory.WorkerID]]inventory.Worker),
		movements:  make(map[scoped[inventory.ProductID]][]inventory.Movement),
		debits:     make(map[scoped[inventory.RequestID]]inventory.Movement),
		requests:   make(map[scoped[inventory.RequestID]]inventory.Request),
		deliveries: make(map[scoped[inventory.DeliveryID]]inventory.Delivery),
	}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(inventory.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", inventory.ErrStorageUnavailable, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.s.clone()
	if err := fn(&txView{s: &m.s}); err != nil {
		m.s = snapshot
		return err
	}
	return nil
}

// Tenants lists every tenant that owns at least one product.
func (m *Memory) Tenants(_ context.Context) ([]inventory.TenantID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[inventory.TenantID]bool)
	var tenants []inventory.TenantID
	for _, k := range m.s.productOrder {
		if !seen[k.Tenant] {
			seen[k.Tenant] = true
			tenants = append(tenants, k.Tenant)
		}
	}
	return tenants, nil
}

// Read methods take the read lock and delegate to the shared state view.

func (m *Memory) GetProduct(ctx context.Context, tenant inventory.TenantID, id inventory.ProductID) (*inventory.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.getProduct(tenant, id)
}

func (m *Memory) ListProducts(ctx context.Context, tenant inventory.TenantID, includeInactive bool) ([]inventory.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.listProducts(tenant, includeInactive), nil
}

func (m *Memory) GetWorker(ctx context.Context, tenant inventory.TenantID, id inventory.WorkerID) (*inventory.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.getWorker(tenant, id)
}

func (m *Memory) ListWorkers(ctx context.Context, tenant inventory.TenantID) ([]inventory.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.listWorkers(tenant), nil
}

func (m *Memory) LoadMovements(ctx context.Context, tenant inventory.TenantID, product inventory.ProductID) ([]inventory.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.loadMovements(tenant, product), nil
}

func (m *Memory) MovementByRequest(ctx context.Context, tenant inventory.TenantID, request inventory.RequestID) (*inventory.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.movementByRequest(tenant, request), nil
}

func (m *Memory) GetRequest(ctx context.Context, tenant inventory.TenantID, id inventory.RequestID) (*inventory.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.getRequest(tenant, id)
}

func (m *Memory) ListRequests(ctx context.Context, tenant inventory.TenantID, filter inventory.RequestFilter) ([]inventory.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.listRequests(tenant, filter), nil
}

func (m *Memory) GetDelivery(ctx context.Context, tenant inventory.TenantID, id inventory.DeliveryID) (*inventory.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.getDelivery(tenant, id)
}

func (m *Memory) ListDeliveries(ctx context.Context, tenant inventory.TenantID, worker inventory.WorkerID) ([]inventory.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.listDeliveries(tenant, worker), nil
}

func (m *Memory) QueryAudit(ctx context.Context, tenant inventory.TenantID, filter inventory.AuditFilter) ([]inventory.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.queryAudit(tenant, filter), nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// txView operates on the state while the parent holds the write lock.
type txView struct {
	s *state
}

func (tv *txView) GetProduct(_ context.Context, tenant inventory.TenantID, id inventory.ProductID) (*inventory.Product, error) {
	return tv.s.getProduct(tenant, id)
}

func (tv *txView) ListProducts(_ context.Context, tenant inventory.TenantID, includeInactive bool) ([]inventory.Product, error) {
	return tv.s.listProducts(tenant, includeInactive), nil
}

func (tv *txView) GetWorker(_ context.Context, tenant inventory.TenantID, id inventory.WorkerID) (*inventory.Worker, error) {
	return tv.s.getWorker(tenant, id)
}

func (tv *txView) ListWorkers(_ context.Context, tenant inventory.TenantID) ([]inventory.Worker, error) {
	return tv.s.listWorkers(tenant), nil
}

func (tv *txView) LoadMovements(_ context.Context, tenant inventory.TenantID, product inventory.ProductID) ([]inventory.Movement, error) {
	return tv.s.loadMovements(tenant, product), nil
}

func (tv *txView) MovementByRequest(_ context.Context, tenant inventory.TenantID, request inventory.RequestID) (*inventory.Movement, error) {
	return tv.s.movementByRequest(tenant, request), nil
}

func (tv *txView) GetRequest(_ context.Context, tenant inventory.TenantID, id inventory.RequestID) (*inventory.Request, error) {
	return tv.s.getRequest(tenant, id)
}

func (tv *txView) ListRequests(_ context.Context, tenant inventory.TenantID, filter inventory.RequestFilter) ([]inventory.Request, error) {
	return tv.s.listRequests(tenant, filter), nil
}

func (tv *txView) GetDelivery(_ context.Context, tenant inventory.TenantID, id inventory.DeliveryID) (*inventory.Delivery, error) {
	return tv.s.getDelivery(tenant, id)
}

func (tv *txView) ListDeliveries(_ context.Context, tenant inventory.TenantID, worker inventory.WorkerID) ([]inventory.Delivery, error) {
	return tv.s.listDeliveries(tenant, worker), nil
}

func (tv *txView) QueryAudit(_ context.Context, tenant inventory.TenantID, filter inventory.AuditFilter) ([]inventory.AuditEntry, error) {
	return tv.s.queryAudit(tenant, filter), nil
}

// Locks are no-ops: the whole transaction already runs exclusively.
func (tv *txView) LockProduct(_ context.Context, tenant inventory.TenantID, id inventory.ProductID) error {
	_, err := tv.s.getProduct(tenant, id)
	return err
}

func (tv *txView) LockRequest(_ context.Context, tenant inventory.TenantID, id inventory.RequestID) error {
	_, err := tv.s.getRequest(tenant, id)
	return err
}

func (tv *txView) InsertProduct(_ context.Context, p inventory.Product) error {
	k := scoped[inventory.ProductID]{p.TenantID, p.ID}
	if _, exists := tv.s.products[k]; exists {
		return fmt.Errorf("%w: product %s already exists", inventory.ErrInvalidInput, p.ID)
	}
	tv.s.products[k] = p
	tv.s.productOrder = append(tv.s.productOrder, k)
	return nil
}

func (tv *txView) UpdateProduct(_ context.Context, p inventory.Product) error {
	k := scoped[inventory.ProductID]{p.TenantID, p.ID}
	if _, exists := tv.s.products[k]; !exists {
		return fmt.Errorf("product %s: %w", p.ID, inventory.ErrNotFound)
	}
	tv.s.products[k] = p
	return nil
}

func (tv *txView) InsertWorker(_ context.Context, w inventory.Worker) error {
	k := scoped[inventory.WorkerID]{w.TenantID, w.ID}
	if _, exists := tv.s.workers[k]; exists {
		return fmt.Errorf("%w: worker %s already exists", inventory.ErrInvalidInput, w.ID)
	}
	tv.s.workers[k] = w
	tv.s.workerOrder = append(tv.s.workerOrder, k)
	return nil
}

func (tv *txView) InsertMovement(_ context.Context, m inventory.Movement) error {
	if m.Kind == inventory.MovementOut && m.RequestID != "" {
		rk := scoped[inventory.RequestID]{m.TenantID, m.RequestID}
		if _, exists := tv.s.debits[rk]; exists {
			return inventory.ErrDuplicateDebit
		}
		tv.s.debits[rk] = m
	}
	pk := scoped[inventory.ProductID]{m.TenantID, m.ProductID}
	tv.s.movements[pk] = append(tv.s.movements[pk], m)
	return nil
}

func (tv *txView) InsertRequest(_ context.Context, r inventory.Request) error {
	k := scoped[inventory.RequestID]{r.TenantID, r.ID}
	if _, exists := tv.s.requests[k]; exists {
		return fmt.Errorf("%w: request %s already exists", inventory.ErrInvalidInput, r.ID)
	}
	tv.s.requests[k] = cloneRequest(r)
	tv.s.requestOrder = append(tv.s.requestOrder, k)
	return nil
}

func (tv *txView) UpdateRequest(_ context.Context, r inventory.Request) error {
	k := scoped[inventory.RequestID]{r.TenantID, r.ID}
	if _, exists := tv.s.requests[k]; !exists {
		return fmt.Errorf("request %s: %w", r.ID, inventory.ErrNotFound)
	}
	tv.s.requests[k] = cloneRequest(r)
	return nil
}

func (tv *txView) InsertDelivery(_ context.Context, d inventory.Delivery) error {
	k := scoped[inventory.DeliveryID]{d.TenantID, d.ID}
	if _, exists := tv.s.deliveries[k]; exists {
		return fmt.Errorf("%w: delivery %s already exists", inventory.ErrInvalidInput, d.ID)
	}
	tv.s.deliveries[k] = cloneDelivery(d)
	tv.s.deliveryOrder = append(tv.s.deliveryOrder, k)
	return nil
}

func (tv *txView) InsertAudit(_ context.Context, e inventory.AuditEntry) error {
	tv.s.audit = append(tv.s.audit, cloneAudit(e))
	return nil
}

// =============================================================================
// STATE ACCESSORS - Caller holds the appropriate lock
// =============================================================================

func (s *state) getProduct(tenant inventory.TenantID, id inventory.ProductID) (*inventory.Product, error) {
	p, ok := s.products[scoped[inventory.ProductID]{tenant, id}]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, inventory.ErrNotFound)
	}
	return &p, nil
}

func (s *state) listProducts(tenant inventory.TenantID, includeInactive bool) []inventory.Product {
	var result []inventory.Product
	for _, k := range s.productOrder {
		if k.Tenant != tenant {
			continue
		}
		p := s.products[k]
		if p.Active || includeInactive {
			result = append(result, p)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

func (s *state) getWorker(tenant inventory.TenantID, id inventory.WorkerID) (*inventory.Worker, error) {
	w, ok := s.workers[scoped[inventory.WorkerID]{tenant, id}]
	if !ok {
		return nil, fmt.Errorf("worker %s: %w", id, inventory.ErrNotFound)
	}
	return &w, nil
}

func (s *state) listWorkers(tenant inventory.TenantID) []inventory.Worker {
	var result []inventory.Worker
	for _, k := range s.workerOrder {
		if k.Tenant == tenant {
			result = append(result, s.workers[k])
		}
	}
	return result
}

func (s *state) loadMovements(tenant inventory.TenantID, product inventory.ProductID) []inventory.Movement {
	src := s.movements[scoped[inventory.ProductID]{tenant, product}]
	result := make([]inventory.Movement, len(src))
	copy(result, src)
	return result
}

func (s *state) movementByRequest(tenant inventory.TenantID, request inventory.RequestID) *inventory.Movement {
	m, ok := s.debits[scoped[inventory.RequestID]{tenant, request}]
	if !ok {
		return nil
	}
	return &m
}

func (s *state) getRequest(tenant inventory.TenantID, id inventory.RequestID) (*inventory.Request, error) {
	r, ok := s.requests[scoped[inventory.RequestID]{tenant, id}]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, inventory.ErrNotFound)
	}
	c := cloneRequest(r)
	return &c, nil
}

func (s *state) listRequests(tenant inventory.TenantID, filter inventory.RequestFilter) []inventory.Request {
	var result []inventory.Request
	for _, k := range s.requestOrder {
		if k.Tenant != tenant {
			continue
		}
		r := s.requests[k]
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.WorkerID != "" && r.WorkerID != filter.WorkerID {
			continue
		}
		result = append(result, cloneRequest(r))
	}
	return result
}

func (s *state) getDelivery(tenant inventory.TenantID, id inventory.DeliveryID) (*inventory.Delivery, error) {
	d, ok := s.deliveries[scoped[inventory.DeliveryID]{tenant, id}]
	if !ok {
		return nil, fmt.Errorf("delivery %s: %w", id, inventory.ErrNotFound)
	}
	c := cloneDelivery(d)
	return &c, nil
}

func (s *state) listDeliveries(tenant inventory.TenantID, worker inventory.WorkerID) []inventory.Delivery {
	var result []inventory.Delivery
	for _, k := range s.deliveryOrder {
		if k.Tenant != tenant {
			continue
		}
		d := s.deliveries[k]
		if worker != "" && d.WorkerID != worker {
			continue
		}
		result = append(result, cloneDelivery(d))
	}
	return result
}

func (s *state) queryAudit(tenant inventory.TenantID, filter inventory.AuditFilter) []inventory.AuditEntry {
	kinds := make(map[inventory.AuditKind]bool, len(filter.Kinds))
	for _, k := range filter.Kinds {
		kinds[k] = true
	}

	var result []inventory.AuditEntry
	for _, e := range s.audit {
		if e.TenantID != tenant {
			continue
		}
		if filter.RequestID != "" && e.RequestID != filter.RequestID {
			continue
		}
		if filter.ActorID != "" && e.ActorID != filter.ActorID {
			continue
		}
		if len(kinds) > 0 && !kinds[e.Kind] {
			continue
		}
		if filter.From != nil && e.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && e.CreatedAt.After(*filter.To) {
			continue
		}
		result = append(result, cloneAudit(e))
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result
}

// =============================================================================
// SNAPSHOT / CLONE
// =============================================================================

func (s *state) clone() state {
	c := newState()
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.workers {
		c.workers[k] = v
	}
	for k, v := range s.movements {
		c.movements[k] = append([]inventory.Movement{}, v...)
	}
	for k, v := range s.debits {
		c.debits[k] = v
	}
	for k, v := range s.requests {
		c.requests[k] = v
	}
	for k, v := range s.deliveries {
		c.deliveries[k] = v
	}
	c.audit = append([]inventory.AuditEntry{}, s.audit...)
	c.productOrder = append(c.productOrder, s.productOrder...)
	c.workerOrder = append(c.workerOrder, s.workerOrder...)
	c.requestOrder = append(c.requestOrder, s.requestOrder...)
	c.deliveryOrder = append(c.deliveryOrder, s.deliveryOrder...)
	return c
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

func cloneRequest(r inventory.Request) inventory.Request {
	r.Signature = cloneBytes(r.Signature)
	r.Selfie = cloneBytes(r.Selfie)
	if r.Geolocation != nil {
		g := *r.Geolocation
		r.Geolocation = &g
	}
	return r
}

func cloneDelivery(d inventory.Delivery) inventory.Delivery {
	d.Signature = cloneBytes(d.Signature)
	d.Selfie = cloneBytes(d.Selfie)
	d.Items = append([]inventory.DeliveryItem{}, d.Items...)
	return d
}

func cloneAudit(e inventory.AuditEntry) inventory.AuditEntry {
	if e.Details != nil {
		details := make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			details[k] = v
		}
		e.Details = details
	}
	return e
}

// =============================================================================
// MEMORY CACHE - inventory.BalanceCache for tests
// =============================================================================

type MemoryCache struct {
	mu      sync.Mutex
	entries map[scoped[inventory.ProductID]]int64
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[scoped[inventory.ProductID]]int64)}
}

func (c *MemoryCache) Get(_ context.Context, tenant inventory.TenantID, product inventory.ProductID) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[scoped[inventory.ProductID]{tenant, product}]
	return v, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, tenant inventory.TenantID, product inventory.ProductID, onHand int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[scoped[inventory.ProductID]{tenant, product}] = onHand
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, tenant inventory.TenantID, product inventory.ProductID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, scoped[inventory.ProductID]{tenant, product})
	return nil
}
