package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"insight-service/internal/clock"
	"insight-service/internal/models"
	"insight-service/internal/util"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Publisher receives change events for applied mutations
type Publisher interface {
	Publish(evt models.Event)
}

// Persistence loads and saves entity snapshots so the store stays
// storage-agnostic
type Persistence interface {
	Load(ctx context.Context) (*models.Snapshot, error)
	Save(ctx context.Context, snapshot *models.Snapshot) error
}

// ModifyFunc computes the updates to apply to the current value of an entity
type ModifyFunc func(current models.Entity) (map[string]any, error)

// Store is the authoritative in-memory entity store. Writes are serialized
// under a single lock; readers take snapshots and never observe a
// half-applied mutation.
type Store struct {
	mu        sync.RWMutex
	customers map[string]models.Customer
	products  map[string]models.Product
	orders    map[string]models.Order
	workflows map[string]models.Workflow
	version   uint64

	clock       clock.Clock
	publisher   Publisher
	persistence Persistence
	validate    *validator.Validate
	logger      *zap.Logger
}

// Option configures a Store
type Option func(*Store)

// WithPersistence injects the load/save hook
func WithPersistence(p Persistence) Option {
	return func(s *Store) { s.persistence = p }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = util.ComponentLogger(l, "store") }
}

// NewStore creates an empty entity store
func NewStore(c clock.Clock, publisher Publisher, opts ...Option) *Store {
	if c == nil {
		c = clock.Real()
	}
	s := &Store{
		customers: make(map[string]models.Customer),
		products:  make(map[string]models.Product),
		orders:    make(map[string]models.Order),
		workflows: make(map[string]models.Workflow),
		clock:     c,
		publisher: publisher,
		validate:  newValidator(),
		logger:    util.ComponentLogger(nil, "store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add validates and inserts a new entity
func (s *Store) Add(ctx context.Context, entity models.Entity) (models.Entity, error) {
	_, span := util.StartSpan(ctx, "Store.Add")
	defer span.End()

	s.mu.Lock()
	applied, err := s.addLocked(entity)
	if err != nil {
		s.mu.Unlock()
		s.rejected(entityTypeOf(entity), err)
		return nil, err
	}
	s.version++
	s.mu.Unlock()

	s.emit(applied, models.OpAdd, s.eventFields(applied))
	return applied, nil
}

func (s *Store) addLocked(entity models.Entity) (models.Entity, error) {
	now := s.clock.Now()

	switch e := deref(entity).(type) {
	case models.Customer:
		if _, exists := s.customers[e.ID]; exists {
			return nil, duplicate(models.EntityTypeCustomer, e.ID)
		}
		stamp(&e.CreatedAt, &e.UpdatedAt, now)
		if err := s.validateCustomer(e); err != nil {
			return nil, err
		}
		s.customers[e.ID] = e
		return e, nil

	case models.Product:
		if _, exists := s.products[e.ID]; exists {
			return nil, duplicate(models.EntityTypeProduct, e.ID)
		}
		stamp(&e.CreatedAt, &e.UpdatedAt, now)
		if e.ProfitMargin == 0 {
			e.ProfitMargin = e.ExpectedProfitMargin()
		}
		warnings, err := s.validateProduct(e)
		if err != nil {
			return nil, err
		}
		s.warn(e.ID, warnings)
		s.products[e.ID] = e
		return e, nil

	case models.Order:
		if _, exists := s.orders[e.ID]; exists {
			return nil, duplicate(models.EntityTypeOrder, e.ID)
		}
		stamp(&e.CreatedAt, &e.UpdatedAt, now)
		if e.Status == "" {
			e.Status = models.OrderStatusCompleted
		}
		if err := s.validateOrder(e); err != nil {
			return nil, err
		}
		if !e.RevenueSet && e.Revenue == 0 {
			e.Revenue = s.products[e.ProductID].Price * float64(e.Quantity)
		}
		s.orders[e.ID] = e
		return e, nil

	case models.Workflow:
		if _, exists := s.workflows[e.ID]; exists {
			return nil, duplicate(models.EntityTypeWorkflow, e.ID)
		}
		stamp(&e.CreatedAt, &e.UpdatedAt, now)
		if e.Status == "" {
			e.Status = models.WorkflowStatusDraft
		}
		if err := s.validateWorkflow(e); err != nil {
			return nil, err
		}
		e = cloneWorkflow(e)
		s.workflows[e.ID] = e
		return cloneWorkflow(e), nil
	}

	return nil, models.NewValidationError("", "type", fmt.Sprintf("unsupported entity %T", entity))
}

// Update applies a partial update to an existing entity. Keys are the
// entity's JSON field names; unknown fields are rejected.
func (s *Store) Update(ctx context.Context, t models.EntityType, id string, updates map[string]any) (models.Entity, error) {
	return s.Modify(ctx, t, id, func(models.Entity) (map[string]any, error) {
		return updates, nil
	})
}

// Modify computes updates from the current value of an entity and applies
// them, all under the write lock.
func (s *Store) Modify(ctx context.Context, t models.EntityType, id string, fn ModifyFunc) (models.Entity, error) {
	_, span := util.StartSpan(ctx, "Store.Modify")
	defer span.End()

	s.mu.Lock()
	applied, updates, err := s.modifyLocked(t, id, fn)
	if err != nil {
		s.mu.Unlock()
		s.rejected(t, err)
		return nil, err
	}
	s.version++
	s.mu.Unlock()

	s.emit(applied, models.OpUpdate, s.eventFields(updates))
	return applied, nil
}

func (s *Store) modifyLocked(t models.EntityType, id string, fn ModifyFunc) (models.Entity, map[string]any, error) {
	current, err := s.getLocked(t, id)
	if err != nil {
		return nil, nil, err
	}

	updates, err := fn(current)
	if err != nil {
		return nil, nil, err
	}
	if len(updates) == 0 {
		return nil, nil, models.NewValidationError(t, "updates", "no fields to update")
	}
	for _, key := range []string{"id", "created_at", "updated_at"} {
		if _, ok := updates[key]; ok {
			return nil, nil, models.NewValidationError(t, key, "cannot be updated")
		}
	}

	now := s.clock.Now()

	switch cur := current.(type) {
	case models.Customer:
		var next models.Customer
		if err := merge(t, cur, updates, &next); err != nil {
			return nil, nil, err
		}
		next.UpdatedAt = now
		if err := s.validateCustomer(next); err != nil {
			return nil, nil, err
		}
		s.customers[id] = next
		return next, updates, nil

	case models.Product:
		var next models.Product
		if err := merge(t, cur, updates, &next); err != nil {
			return nil, nil, err
		}
		_, priceChanged := updates["price"]
		_, costChanged := updates["cost"]
		if _, marginSet := updates["profit_margin"]; !marginSet && (priceChanged || costChanged) {
			next.ProfitMargin = next.ExpectedProfitMargin()
		}
		next.UpdatedAt = now
		warnings, err := s.validateProduct(next)
		if err != nil {
			return nil, nil, err
		}
		s.warn(id, warnings)
		s.products[id] = next
		return next, updates, nil

	case models.Order:
		if cur.Status == models.OrderStatusCompleted {
			return nil, nil, models.NewValidationError(t, "status", "completed orders are append-only")
		}
		var next models.Order
		if err := merge(t, cur, updates, &next); err != nil {
			return nil, nil, err
		}
		next.UpdatedAt = now
		if err := s.validateOrder(next); err != nil {
			return nil, nil, err
		}
		s.orders[id] = next
		return next, updates, nil

	case models.Workflow:
		var next models.Workflow
		if err := merge(t, cur, updates, &next); err != nil {
			return nil, nil, err
		}
		next.UpdatedAt = now
		if err := s.validateWorkflow(next); err != nil {
			return nil, nil, err
		}
		if next.Status != cur.Status && !models.CanTransitionWorkflow(cur.Status, next.Status) {
			return nil, nil, &models.IllegalTransitionError{
				Kind: string(models.EntityTypeWorkflow), ID: id, From: cur.Status, To: next.Status,
			}
		}
		s.workflows[id] = next
		return next, updates, nil
	}

	return nil, nil, models.NewValidationError(t, "type", "unsupported entity type")
}

// Delete removes an entity. Customers and products referenced by orders and
// completed orders cannot be deleted.
func (s *Store) Delete(ctx context.Context, t models.EntityType, id string) error {
	_, span := util.StartSpan(ctx, "Store.Delete")
	defer span.End()

	s.mu.Lock()
	deleted, err := s.deleteLocked(t, id)
	if err != nil {
		s.mu.Unlock()
		s.rejected(t, err)
		return err
	}
	s.version++
	s.mu.Unlock()

	s.emit(deleted, models.OpDelete, nil)
	return nil
}

func (s *Store) deleteLocked(t models.EntityType, id string) (models.Entity, error) {
	current, err := s.getLocked(t, id)
	if err != nil {
		return nil, err
	}

	switch t {
	case models.EntityTypeCustomer:
		if s.referenced(func(o models.Order) bool { return o.CustomerID == id }) {
			return nil, models.NewValidationError(t, "id", "customer has orders")
		}
		delete(s.customers, id)
	case models.EntityTypeProduct:
		if s.referenced(func(o models.Order) bool { return o.ProductID == id }) {
			return nil, models.NewValidationError(t, "id", "product has orders")
		}
		delete(s.products, id)
	case models.EntityTypeOrder:
		if s.orders[id].Status == models.OrderStatusCompleted {
			return nil, models.NewValidationError(t, "status", "completed orders are append-only")
		}
		delete(s.orders, id)
	case models.EntityTypeWorkflow:
		delete(s.workflows, id)
	}
	return current, nil
}

func (s *Store) referenced(match func(models.Order) bool) bool {
	for _, o := range s.orders {
		if match(o) {
			return true
		}
	}
	return false
}

// Get returns a copy of one entity
func (s *Store) Get(t models.EntityType, id string) (models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(t, id)
}

func (s *Store) getLocked(t models.EntityType, id string) (models.Entity, error) {
	var (
		e  models.Entity
		ok bool
	)
	switch t {
	case models.EntityTypeCustomer:
		e, ok = lookup(s.customers, id)
	case models.EntityTypeProduct:
		e, ok = lookup(s.products, id)
	case models.EntityTypeOrder:
		e, ok = lookup(s.orders, id)
	case models.EntityTypeWorkflow:
		var w models.Workflow
		w, ok = s.workflows[id]
		e = cloneWorkflow(w)
	default:
		return nil, models.NewValidationError(t, "type", "unknown entity type")
	}
	if !ok {
		return nil, &models.NotFoundError{Kind: string(t), ID: id}
	}
	return e, nil
}

func lookup[T models.Entity](m map[string]T, id string) (models.Entity, bool) {
	v, ok := m[id]
	return v, ok
}

// Snapshot returns an immutable copy of every collection, sorted by id
func (s *Store) Snapshot() *models.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &models.Snapshot{
		Customers: sortedValues(s.customers),
		Products:  sortedValues(s.products),
		Orders:    sortedValues(s.orders),
		Workflows: sortedValues(s.workflows),
		Version:   s.version,
		TakenAt:   s.clock.Now(),
	}
	for i := range snap.Workflows {
		snap.Workflows[i] = cloneWorkflow(snap.Workflows[i])
	}
	return snap
}

func sortedValues[T models.Entity](m map[string]T) []T {
	out := make([]T, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID() < out[j].EntityID() })
	return out
}

// Version returns the number of mutations applied so far
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Load replaces the store contents from the persistence hook. Without a hook
// it is a no-op. No change events are emitted.
func (s *Store) Load(ctx context.Context) error {
	if s.persistence == nil {
		return nil
	}
	snap, err := s.persistence.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if snap == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.customers = make(map[string]models.Customer, len(snap.Customers))
	for _, c := range snap.Customers {
		s.customers[c.ID] = c
	}
	s.products = make(map[string]models.Product, len(snap.Products))
	for _, p := range snap.Products {
		s.products[p.ID] = p
	}
	s.orders = make(map[string]models.Order, len(snap.Orders))
	for _, o := range snap.Orders {
		s.orders[o.ID] = o
	}
	s.workflows = make(map[string]models.Workflow, len(snap.Workflows))
	for _, w := range snap.Workflows {
		s.workflows[w.ID] = w
	}
	s.version = snap.Version

	s.logger.Info("Snapshot loaded",
		zap.Int("customers", len(snap.Customers)),
		zap.Int("products", len(snap.Products)),
		zap.Int("orders", len(snap.Orders)),
		zap.Int("workflows", len(snap.Workflows)))
	return nil
}

// Save writes the current snapshot through the persistence hook
func (s *Store) Save(ctx context.Context) error {
	if s.persistence == nil {
		return nil
	}
	if err := s.persistence.Save(ctx, s.Snapshot()); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *Store) emit(e models.Entity, op string, updates map[string]any) {
	util.EntityMutationsTotal.WithLabelValues(string(e.EntityType()), op).Inc()
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(models.Event{
		BaseEvent:  models.BaseEvent{EventType: models.ChangeEventType(e.EntityType())},
		EntityType: e.EntityType(),
		EntityID:   e.EntityID(),
		Op:         op,
		Updates:    updates,
	})
}

func (s *Store) rejected(t models.EntityType, err error) {
	if models.IsValidation(err) {
		util.EntityValidationErrorsTotal.WithLabelValues(string(t)).Inc()
	}
	s.logger.Debug("Mutation rejected", zap.String("entity", string(t)), zap.Error(err))
}

func (s *Store) warn(productID string, warnings []string) {
	for _, w := range warnings {
		util.ProfitMarginWarningsTotal.Inc()
		s.logger.Warn("Product invariant warning",
			zap.String("product_id", productID),
			zap.String("warning", w))
	}
}

// merge overlays updates on the JSON form of cur and decodes the result into next
func merge(t models.EntityType, cur any, updates map[string]any, next any) error {
	base, err := toMap(cur)
	if err != nil {
		return fmt.Errorf("failed to encode current %s: %w", t, err)
	}
	for k, v := range updates {
		base[k] = v
	}
	raw, err := json.Marshal(base)
	if err != nil {
		return models.NewValidationError(t, "updates", err.Error())
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(next); err != nil {
		return models.NewValidationError(t, "updates", err.Error())
	}
	return nil
}

// eventFields returns a detached JSON-shaped copy of v for a change event
func (s *Store) eventFields(v any) map[string]any {
	fields, err := toMap(v)
	if err != nil {
		s.logger.Warn("Failed to encode change event fields", zap.Error(err))
		return nil
	}
	return fields
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func deref(e models.Entity) models.Entity {
	switch v := e.(type) {
	case *models.Customer:
		return *v
	case *models.Product:
		return *v
	case *models.Order:
		return *v
	case *models.Workflow:
		return *v
	}
	return e
}

func entityTypeOf(e models.Entity) models.EntityType {
	if e == nil {
		return ""
	}
	return e.EntityType()
}

func stamp(created, updated *time.Time, now time.Time) {
	if created.IsZero() {
		*created = now
	}
	*updated = now
}

func duplicate(t models.EntityType, id string) error {
	return models.NewValidationError(t, "id", "already exists: "+id)
}

func cloneWorkflow(w models.Workflow) models.Workflow {
	if w.LastRunAt != nil {
		at := *w.LastRunAt
		w.LastRunAt = &at
	}
	t := w.Trigger
	if t.ChurnRisk != nil {
		c := *t.ChurnRisk
		t.ChurnRisk = &c
	}
	if t.LowStock != nil {
		c := *t.LowStock
		if c.MaxStock != nil {
			m := *c.MaxStock
			c.MaxStock = &m
		}
		t.LowStock = &c
	}
	if t.HighValueOrder != nil {
		c := *t.HighValueOrder
		t.HighValueOrder = &c
	}
	if t.InsightSeverity != nil {
		c := *t.InsightSeverity
		t.InsightSeverity = &c
	}
	w.Trigger = t
	return w
}
