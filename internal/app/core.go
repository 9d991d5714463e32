// Package app holds Core, the single context object that owns every engine
// and exposes the operations the HTTP and worker adapters call.
package app

import (
	"context"
	"fmt"
	"time"

	"insight-service/internal/clock"
	"insight-service/internal/eventbus"
	"insight-service/internal/models"
	"insight-service/internal/service"
	"insight-service/internal/store"
	"insight-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Options configures a Core. Nil collaborators get in-memory defaults.
type Options struct {
	Clock          clock.Clock
	Logger         *zap.Logger
	Persistence    store.Persistence
	ExecutionLog   store.ExecutionLogRepository
	KeyStore       service.KeyStore
	Executor       service.Executor
	Rules          []service.Rule
	Actions        service.ActionConfig
	DebounceWindow time.Duration
	AutoPropose    bool
}

// DefaultOptions returns options for a self-contained in-memory core
func DefaultOptions() Options {
	return Options{
		Actions:        service.DefaultActionConfig(),
		DebounceWindow: eventbus.DefaultWindow,
		AutoPropose:    true,
	}
}

// Core wires the entity store, event bus and engines together
type Core struct {
	clock  clock.Clock
	logger *zap.Logger

	bus           *eventbus.Bus
	store         *store.Store
	log           store.ExecutionLogRepository
	metrics       *service.MetricsCalculator
	insights      *service.InsightEngine
	actions       *service.ActionEngine
	notifications *service.NotificationService
	workflows     *service.WorkflowEngine

	autoPropose   bool
	subscriptions []func()
}

// New builds a Core and subscribes its internal handlers to the event bus
func New(opts Options) *Core {
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := util.ComponentLogger(opts.Logger, "core")

	log := opts.ExecutionLog
	if log == nil {
		log = store.NewMemoryLog()
	}
	executor := opts.Executor
	if executor == nil {
		executor = service.NewSimulatedExecutor(c, 42, 1.0, 0, opts.Logger)
	}

	bus := eventbus.New(c, opts.DebounceWindow, opts.Logger)

	storeOpts := []store.Option{store.WithLogger(opts.Logger)}
	if opts.Persistence != nil {
		storeOpts = append(storeOpts, store.WithPersistence(opts.Persistence))
	}
	entities := store.NewStore(c, bus, storeOpts...)

	core := &Core{
		clock:         c,
		logger:        logger,
		bus:           bus,
		store:         entities,
		log:           log,
		metrics:       service.NewMetricsCalculator(),
		insights:      service.NewInsightEngine(c, opts.Logger, opts.Rules...),
		notifications: service.NewNotificationService(opts.KeyStore, c, opts.Logger),
		workflows:     service.NewWorkflowEngine(entities, log, bus, c, opts.Logger),
		autoPropose:   opts.AutoPropose,
	}
	core.actions = service.NewActionEngine(
		opts.Actions,
		executor,
		service.NewStoreCompensator(entities, opts.Logger),
		log,
		bus,
		c,
		opts.Logger,
	)

	core.subscriptions = append(core.subscriptions,
		bus.Subscribe(models.EventTypeAll, core.handleEntityChanges),
		bus.Subscribe(models.EventTypeAll, core.workflows.HandleEvents),
		bus.Subscribe(models.EventTypeAll, core.notifications.HandleEvents),
	)
	return core
}

// Load restores entities from the persistence hook
func (c *Core) Load(ctx context.Context) error {
	return c.store.Load(ctx)
}

// Save writes the current entities through the persistence hook
func (c *Core) Save(ctx context.Context) error {
	return c.store.Save(ctx)
}

// Close delivers any buffered events and detaches the internal handlers
func (c *Core) Close() {
	c.bus.Close()
	for _, unsubscribe := range c.subscriptions {
		unsubscribe()
	}
}

// Flush delivers buffered events immediately
func (c *Core) Flush() {
	c.bus.Flush()
}

// Subscribe registers handler for eventType (or models.EventTypeAll)
func (c *Core) Subscribe(eventType models.EventType, handler eventbus.Handler) func() {
	return c.bus.Subscribe(eventType, handler)
}

// AddEntity validates and inserts an entity
func (c *Core) AddEntity(ctx context.Context, entity models.Entity) (models.Entity, error) {
	ctx, span := util.StartSpan(ctx, "Core.AddEntity",
		attribute.String("entity.type", string(entity.EntityType())),
		attribute.String("entity.id", entity.EntityID()))
	defer span.End()

	added, err := c.store.Add(ctx, entity)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return added, nil
}

// UpdateEntity applies a partial update
func (c *Core) UpdateEntity(ctx context.Context, t models.EntityType, id string, updates map[string]any) (models.Entity, error) {
	ctx, span := util.StartSpan(ctx, "Core.UpdateEntity",
		attribute.String("entity.type", string(t)),
		attribute.String("entity.id", id))
	defer span.End()

	updated, err := c.store.Update(ctx, t, id, updates)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return updated, nil
}

// DeleteEntity removes an entity
func (c *Core) DeleteEntity(ctx context.Context, t models.EntityType, id string) error {
	ctx, span := util.StartSpan(ctx, "Core.DeleteEntity",
		attribute.String("entity.type", string(t)),
		attribute.String("entity.id", id))
	defer span.End()

	if err := c.store.Delete(ctx, t, id); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// GetEntity returns one entity
func (c *Core) GetEntity(t models.EntityType, id string) (models.Entity, error) {
	return c.store.Get(t, id)
}

// ListEntities returns every entity of type t, sorted by id
func (c *Core) ListEntities(t models.EntityType) ([]models.Entity, error) {
	snap := c.store.Snapshot()
	var out []models.Entity
	switch t {
	case models.EntityTypeCustomer:
		out = collect(snap.Customers)
	case models.EntityTypeProduct:
		out = collect(snap.Products)
	case models.EntityTypeOrder:
		out = collect(snap.Orders)
	case models.EntityTypeWorkflow:
		out = collect(snap.Workflows)
	default:
		return nil, models.NewValidationError(t, "type", fmt.Sprintf("unknown entity type %q", t))
	}
	return out, nil
}

func collect[T models.Entity](items []T) []models.Entity {
	out := make([]models.Entity, 0, len(items))
	for _, item := range items {
		out = append(out, item)
	}
	return out
}

// Snapshot returns the entity snapshot together with the live insights and
// all actions
func (c *Core) Snapshot() *models.Snapshot {
	snap := c.store.Snapshot()
	snap.Insights = c.insights.List()
	snap.Actions = c.actions.List()
	return snap
}

// GetMetrics computes system metrics for a range name ("7d", "30d", "90d";
// empty means 30d)
func (c *Core) GetMetrics(ctx context.Context, rangeName string) (service.SystemMetrics, error) {
	_, span := util.StartSpan(ctx, "Core.GetMetrics", attribute.String("range", rangeName))
	defer span.End()

	r, err := service.ParseRange(rangeName)
	if err != nil {
		return service.SystemMetrics{}, err
	}

	m := c.metrics.GetMetrics(c.Snapshot(), r, c.clock.Now())
	if r == service.Range30d {
		util.SystemHealth.Set(m.SystemHealth)
	}
	return m, nil
}

// ListInsights returns unexpired insights, highest score first
func (c *Core) ListInsights() []models.Insight {
	return c.insights.List()
}

// GetInsight returns one unexpired insight
func (c *Core) GetInsight(id string) (models.Insight, error) {
	return c.insights.Get(id)
}

// Scan evaluates the insight rules against the current entities. New
// insights of high severity or above are announced on the bus and, with
// auto-propose enabled, turned into pending actions.
func (c *Core) Scan(ctx context.Context) service.ScanResult {
	ctx, span := util.StartSpan(ctx, "Core.Scan")
	defer span.End()

	result := c.insights.Scan(ctx, c.store.Snapshot())
	for _, insight := range result.New {
		if insight.Severity.Rank() < models.SeverityHigh.Rank() {
			continue
		}
		insight := insight
		c.bus.Publish(models.Event{
			BaseEvent: models.BaseEvent{EventType: models.EventTypeInsightDetected},
			Insight:   &insight,
		})

		if !c.autoPropose {
			continue
		}
		_, err := c.actions.Propose(ctx, insight)
		switch {
		case models.IsValidation(err):
			c.logger.Debug("Insight below proposal thresholds", zap.String("insight_id", insight.ID), zap.Error(err))
		case err != nil:
			c.logger.Warn("Auto-propose failed", zap.String("insight_id", insight.ID), zap.Error(err))
		}
	}
	return result
}

// handleEntityChanges rescans once per coalesced batch that touched a
// customer, product or order
func (c *Core) handleEntityChanges(events []models.Event) {
	for _, e := range events {
		if e.EventType.IsEntityChange() && e.EventType != models.EventTypeWorkflowChanged {
			c.Scan(context.Background())
			return
		}
	}
}

// EvictExpired drops expired insights and returns how many were removed
func (c *Core) EvictExpired() int {
	return c.insights.Evict()
}

// ProposeAction creates (or returns the existing) action for an insight.
// An insight that expired or was retired still answers with the action
// proposed for it while it was live.
func (c *Core) ProposeAction(ctx context.Context, insightID string) (models.Action, error) {
	insight, err := c.insights.Get(insightID)
	if err != nil {
		if existing, ok := c.actions.ForInsight(insightID); ok && models.IsNotFound(err) {
			return existing, nil
		}
		return models.Action{}, err
	}
	return c.actions.Propose(ctx, insight)
}

// ApproveAction executes a pending action. editedContent, when non-nil,
// replaces the generated content.
func (c *Core) ApproveAction(ctx context.Context, id string, editedContent *string) (models.Action, error) {
	return c.actions.Approve(ctx, id, editedContent)
}

// RejectAction rejects a pending action. Rejecting twice is a no-op.
func (c *Core) RejectAction(ctx context.Context, id string) (models.Action, error) {
	return c.actions.Reject(ctx, id)
}

// RollbackAction marks an executed action as rolled back
func (c *Core) RollbackAction(ctx context.Context, id string) (models.Action, error) {
	return c.actions.Rollback(ctx, id)
}

// GetAction returns one action
func (c *Core) GetAction(id string) (models.Action, error) {
	return c.actions.Get(id)
}

// ListActions returns every action, oldest first
func (c *Core) ListActions() []models.Action {
	return c.actions.List()
}

// ExecutionLogs returns log entries matching filter in append order
func (c *Core) ExecutionLogs(ctx context.Context, filter store.LogFilter) ([]models.ExecutionLog, error) {
	return c.log.List(ctx, filter)
}

// Notifications lists notifications, newest first
func (c *Core) Notifications(unreadOnly bool) []models.Notification {
	return c.notifications.List(unreadOnly)
}

// MarkNotificationRead marks a notification read and frees its key
func (c *Core) MarkNotificationRead(ctx context.Context, id string) (models.Notification, error) {
	return c.notifications.MarkRead(ctx, id)
}

// RemoveNotification deletes a notification
func (c *Core) RemoveNotification(ctx context.Context, id string) error {
	return c.notifications.Remove(ctx, id)
}
