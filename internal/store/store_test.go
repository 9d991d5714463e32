package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"insight-service/internal/clock"
	"insight-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Publish(evt models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) last() models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func newTestStore(t *testing.T) (*Store, *recorder, *clock.Fake) {
	t.Helper()
	c := clock.NewFake(epoch)
	rec := &recorder{}
	return NewStore(c, rec, WithLogger(zap.NewNop())), rec, c
}

func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	_, err := s.Add(ctx, models.Customer{ID: "c-1", Name: "Acme", LTV: 1200, EngagementScore: 40, ChurnRisk: 0.2})
	require.NoError(t, err)
	_, err = s.Add(ctx, models.Product{ID: "p-1", Name: "Widget", Price: 100, Cost: 60, StockQuantity: 50, ReorderThreshold: 20})
	require.NoError(t, err)
}

func TestAddValidatesCustomer(t *testing.T) {
	s, rec, _ := newTestStore(t)

	_, err := s.Add(context.Background(), models.Customer{ID: "c-1", EngagementScore: 140, ChurnRisk: 1.5})
	require.Error(t, err)

	var ve *models.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Len(t, ve.Fields, 2)
	assert.Empty(t, s.Snapshot().Customers)
	assert.Empty(t, rec.events)
	assert.Equal(t, uint64(0), s.Version())
}

func TestAddRejectsDuplicateID(t *testing.T) {
	s, _, _ := newTestStore(t)
	seed(t, s)

	_, err := s.Add(context.Background(), models.Customer{ID: "c-1"})
	assert.True(t, models.IsValidation(err))
}

func TestAddProductComputesMargin(t *testing.T) {
	s, _, _ := newTestStore(t)
	seed(t, s)

	e, err := s.Get(models.EntityTypeProduct, "p-1")
	require.NoError(t, err)
	assert.InDelta(t, 40.0, e.(models.Product).ProfitMargin, 1e-9)
}

func TestInconsistentMarginIsWarningOnly(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, err := s.Add(context.Background(), models.Product{ID: "p-2", Price: 100, Cost: 60, ProfitMargin: 10})
	require.NoError(t, err)

	e, _ := s.Get(models.EntityTypeProduct, "p-2")
	assert.Equal(t, 10.0, e.(models.Product).ProfitMargin)
}

func TestAddProductRejectsNonPositivePrice(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, err := s.Add(context.Background(), &models.Product{ID: "p-2", Price: 0})
	assert.True(t, models.IsValidation(err))
}

func TestOrderReferencesMustExist(t *testing.T) {
	s, _, _ := newTestStore(t)
	seed(t, s)

	_, err := s.Add(context.Background(), models.Order{ID: "o-1", CustomerID: "c-404", ProductID: "p-1", Quantity: 1})
	var ve *models.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "customer_id", ve.Fields[0].Field)
}

func TestOrderDefaults(t *testing.T) {
	s, _, _ := newTestStore(t)
	seed(t, s)

	e, err := s.Add(context.Background(), models.Order{ID: "o-1", CustomerID: "c-1", ProductID: "p-1", Quantity: 3})
	require.NoError(t, err)

	o := e.(models.Order)
	assert.Equal(t, models.OrderStatusCompleted, o.Status)
	assert.Equal(t, 300.0, o.Revenue)
	assert.Equal(t, epoch, o.CreatedAt)
}

func TestExplicitZeroRevenueIsKept(t *testing.T) {
	s, _, _ := newTestStore(t)
	seed(t, s)

	giveaway, err := models.DecodeEntity(models.EntityTypeOrder, []byte(`{"id":"o-1","customer_id":"c-1","product_id":"p-1","quantity":3,"revenue":0}`))
	require.NoError(t, err)
	e, err := s.Add(context.Background(), giveaway)
	require.NoError(t, err)
	assert.Zero(t, e.(models.Order).Revenue)

	e, err = s.Add(context.Background(), models.Order{ID: "o-2", CustomerID: "c-1", ProductID: "p-1", Quantity: 1, RevenueSet: true})
	require.NoError(t, err)
	assert.Zero(t, e.(models.Order).Revenue)
}

func TestCompletedOrdersAreAppendOnly(t *testing.T) {
	s, _, _ := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	_, err := s.Add(ctx, models.Order{ID: "o-1", CustomerID: "c-1", ProductID: "p-1", Quantity: 1})
	require.NoError(t, err)

	_, err = s.Update(ctx, models.EntityTypeOrder, "o-1", map[string]any{"quantity": 5})
	assert.True(t, models.IsValidation(err))

	err = s.Delete(ctx, models.EntityTypeOrder, "o-1")
	assert.True(t, models.IsValidation(err))
}

func TestPendingOrderCanBeUpdated(t *testing.T) {
	s, _, _ := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	_, err := s.Add(ctx, models.Order{ID: "o-1", CustomerID: "c-1", ProductID: "p-1", Quantity: 1, Status: models.OrderStatusPending})
	require.NoError(t, err)

	e, err := s.Update(ctx, models.EntityTypeOrder, "o-1", map[string]any{"status": "completed"})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, e.(models.Order).Status)
}

func TestUpdateEmitsChangeEvent(t *testing.T) {
	s, rec, c := newTestStore(t)
	seed(t, s)
	c.Advance(time.Minute)

	e, err := s.Update(context.Background(), models.EntityTypeCustomer, "c-1", map[string]any{"churn_risk": 0.8})
	require.NoError(t, err)
	assert.Equal(t, 0.8, e.(models.Customer).ChurnRisk)
	assert.Equal(t, epoch.Add(time.Minute), e.(models.Customer).UpdatedAt)
	assert.Equal(t, epoch, e.(models.Customer).CreatedAt)

	evt := rec.last()
	assert.Equal(t, models.EventTypeCustomerChanged, evt.EventType)
	assert.Equal(t, "c-1", evt.EntityID)
	assert.Equal(t, models.OpUpdate, evt.Op)
	assert.Equal(t, map[string]any{"churn_risk": 0.8}, evt.Updates)
}

func TestChangeEventIsDetachedFromCallerMap(t *testing.T) {
	s, rec, _ := newTestStore(t)
	seed(t, s)

	updates := map[string]any{"churn_risk": 0.8}
	_, err := s.Update(context.Background(), models.EntityTypeCustomer, "c-1", updates)
	require.NoError(t, err)

	updates["churn_risk"] = 0.1
	updates["ltv"] = 9999.0
	assert.Equal(t, map[string]any{"churn_risk": 0.8}, rec.last().Updates)
}

func TestUpdateRejectsUnknownAndProtectedFields(t *testing.T) {
	s, rec, _ := newTestStore(t)
	seed(t, s)
	ctx := context.Background()
	before := len(rec.events)

	_, err := s.Update(ctx, models.EntityTypeCustomer, "c-1", map[string]any{"favourite_colour": "red"})
	assert.True(t, models.IsValidation(err))

	_, err = s.Update(ctx, models.EntityTypeCustomer, "c-1", map[string]any{"id": "c-2"})
	assert.True(t, models.IsValidation(err))

	_, err = s.Update(ctx, models.EntityTypeCustomer, "c-1", map[string]any{"churn_risk": 2})
	assert.True(t, models.IsValidation(err))

	assert.Len(t, rec.events, before)
	e, _ := s.Get(models.EntityTypeCustomer, "c-1")
	assert.Equal(t, 0.2, e.(models.Customer).ChurnRisk)
}

func TestUpdateUnknownIDIsNotFound(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, err := s.Update(context.Background(), models.EntityTypeProduct, "nope", map[string]any{"price": 10})
	assert.True(t, models.IsNotFound(err))
}

func TestPriceChangeRecomputesMargin(t *testing.T) {
	s, _, _ := newTestStore(t)
	seed(t, s)

	e, err := s.Update(context.Background(), models.EntityTypeProduct, "p-1", map[string]any{"price": 200})
	require.NoError(t, err)
	assert.InDelta(t, 70.0, e.(models.Product).ProfitMargin, 1e-9)
}

func TestDeleteReferencedCustomerFails(t *testing.T) {
	s, _, _ := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	_, err := s.Add(ctx, models.Order{ID: "o-1", CustomerID: "c-1", ProductID: "p-1", Quantity: 1})
	require.NoError(t, err)

	assert.True(t, models.IsValidation(s.Delete(ctx, models.EntityTypeCustomer, "c-1")))
	assert.True(t, models.IsValidation(s.Delete(ctx, models.EntityTypeProduct, "p-1")))
}

func TestDeleteEmitsEvent(t *testing.T) {
	s, rec, _ := newTestStore(t)
	seed(t, s)

	require.NoError(t, s.Delete(context.Background(), models.EntityTypeCustomer, "c-1"))
	assert.Equal(t, models.OpDelete, rec.last().Op)

	_, err := s.Get(models.EntityTypeCustomer, "c-1")
	assert.True(t, models.IsNotFound(err))
}

func TestSnapshotIsImmutable(t *testing.T) {
	s, _, _ := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	snap := s.Snapshot()
	snap.Customers[0].ChurnRisk = 0.99

	_, err := s.Update(ctx, models.EntityTypeCustomer, "c-1", map[string]any{"segment": "enterprise"})
	require.NoError(t, err)

	assert.Equal(t, "", snap.Customers[0].Segment)
	e, _ := s.Get(models.EntityTypeCustomer, "c-1")
	assert.Equal(t, 0.2, e.(models.Customer).ChurnRisk)
	assert.Equal(t, uint64(2), snap.Version)
	assert.Equal(t, uint64(3), s.Version())
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	s, _, _ := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Modify(ctx, models.EntityTypeProduct, "p-1", func(cur models.Entity) (map[string]any, error) {
				return map[string]any{"stock_quantity": cur.(models.Product).StockQuantity + 1}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	e, _ := s.Get(models.EntityTypeProduct, "p-1")
	assert.Equal(t, 100, e.(models.Product).StockQuantity)
}

func workflow(id string) models.Workflow {
	return models.Workflow{
		ID:   id,
		Name: "Big orders",
		Trigger: models.Trigger{
			Kind:           models.TriggerHighValueOrder,
			HighValueOrder: &models.HighValueOrderCondition{MinRevenue: 1000},
		},
	}
}

func TestWorkflowLifecycle(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	e, err := s.Add(ctx, workflow("w-1"))
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusDraft, e.(models.Workflow).Status)

	_, err = s.Update(ctx, models.EntityTypeWorkflow, "w-1", map[string]any{"status": "paused"})
	assert.True(t, models.IsIllegalTransition(err))

	for _, next := range []string{"active", "paused", "active", "archived"} {
		_, err = s.Update(ctx, models.EntityTypeWorkflow, "w-1", map[string]any{"status": next})
		require.NoError(t, err, next)
	}

	_, err = s.Update(ctx, models.EntityTypeWorkflow, "w-1", map[string]any{"status": "active"})
	assert.True(t, models.IsIllegalTransition(err))
}

func TestWorkflowTriggerMustMatchKind(t *testing.T) {
	s, _, _ := newTestStore(t)

	w := workflow("w-1")
	w.Trigger.Kind = models.TriggerLowStock
	_, err := s.Add(context.Background(), w)
	assert.True(t, models.IsValidation(err))
}

func TestWorkflowIsNotAliased(t *testing.T) {
	s, _, _ := newTestStore(t)

	w := workflow("w-1")
	_, err := s.Add(context.Background(), &w)
	require.NoError(t, err)

	w.Trigger.HighValueOrder.MinRevenue = 1
	e, _ := s.Get(models.EntityTypeWorkflow, "w-1")
	assert.Equal(t, 1000.0, e.(models.Workflow).Trigger.HighValueOrder.MinRevenue)
}

type memPersistence struct {
	saved *models.Snapshot
}

func (m *memPersistence) Load(context.Context) (*models.Snapshot, error) { return m.saved, nil }

func (m *memPersistence) Save(_ context.Context, snap *models.Snapshot) error {
	m.saved = snap
	return nil
}

func TestSaveAndLoadThroughPersistence(t *testing.T) {
	p := &memPersistence{}
	c := clock.NewFake(epoch)
	s := NewStore(c, nil, WithPersistence(p), WithLogger(zap.NewNop()))
	seed(t, s)
	require.NoError(t, s.Save(context.Background()))

	rec := &recorder{}
	restored := NewStore(c, rec, WithPersistence(p), WithLogger(zap.NewNop()))
	require.NoError(t, restored.Load(context.Background()))

	assert.Len(t, restored.Snapshot().Customers, 1)
	assert.Len(t, restored.Snapshot().Products, 1)
	assert.Equal(t, s.Version(), restored.Version())
	assert.Empty(t, rec.events)
}

func TestMemoryLogFilters(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, models.ExecutionLog{ID: "1", ActionID: "a-1"}))
	require.NoError(t, l.Append(ctx, models.ExecutionLog{ID: "2", WorkflowID: "w-1"}))
	require.NoError(t, l.Append(ctx, models.ExecutionLog{ID: "3", ActionID: "a-1"}))

	all, _ := l.List(ctx, LogFilter{})
	assert.Len(t, all, 3)

	byAction, _ := l.List(ctx, LogFilter{ActionID: "a-1"})
	require.Len(t, byAction, 2)
	assert.Equal(t, "1", byAction[0].ID)
	assert.Equal(t, "3", byAction[1].ID)

	byWorkflow, _ := l.List(ctx, LogFilter{WorkflowID: "w-1"})
	assert.Len(t, byWorkflow, 1)
}
