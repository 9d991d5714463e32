package service

import (
	"context"
	"testing"
	"time"

	"insight-service/internal/clock"
	"insight-service/internal/models"
	"insight-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type workflowFixture struct {
	clock  *clock.Fake
	store  *store.Store
	log    *flakyLog
	events *capture
	engine *WorkflowEngine
}

func newWorkflowFixture(t *testing.T) *workflowFixture {
	t.Helper()
	c := clock.NewFake(epoch)
	s := newSeededStore(t, c)
	f := &workflowFixture{clock: c, store: s, log: newFlakyLog(), events: &capture{}}
	f.engine = NewWorkflowEngine(s, f.log, f.events, c, zap.NewNop())
	return f
}

func (f *workflowFixture) activate(t *testing.T, id string, trigger models.Trigger) {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.Add(ctx, models.Workflow{ID: id, Name: id, Trigger: trigger})
	require.NoError(t, err)
	_, err = f.store.Update(ctx, models.EntityTypeWorkflow, id, map[string]any{"status": models.WorkflowStatusActive})
	require.NoError(t, err)
}

func (f *workflowFixture) workflow(t *testing.T, id string) models.Workflow {
	t.Helper()
	e, err := f.store.Get(models.EntityTypeWorkflow, id)
	require.NoError(t, err)
	return e.(models.Workflow)
}

func changed(t models.EventType, id string) models.Event {
	return models.Event{BaseEvent: models.BaseEvent{EventType: t}, EntityID: id, Op: models.OpUpdate}
}

func TestChurnTriggerFiresOncePerBatch(t *testing.T) {
	f := newWorkflowFixture(t)
	f.activate(t, "w-1", models.Trigger{
		Kind:      models.TriggerChurnRisk,
		ChurnRisk: &models.ChurnRiskCondition{MinRisk: 0.9, Segment: "enterprise"},
	})
	f.clock.Advance(time.Minute)

	runs, err := f.engine.Evaluate(context.Background(), []models.Event{
		changed(models.EventTypeCustomerChanged, "c-1"),
		changed(models.EventTypeCustomerChanged, "c-1"),
	})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "w-1", runs[0].WorkflowID)
	assert.Equal(t, models.ReasonWorkflowTriggered, runs[0].ReasonCode)
	assert.Equal(t, models.LogStatusSuccess, runs[0].Status)

	w := f.workflow(t, "w-1")
	assert.Equal(t, 1, w.RunCount)
	require.NotNil(t, w.LastRunAt)
	assert.True(t, w.LastRunAt.Equal(epoch.Add(time.Minute)))

	logs := f.log.entries(t, store.LogFilter{WorkflowID: "w-1"})
	assert.Len(t, logs, 1)
	triggered := f.events.ofType(models.EventTypeWorkflowTriggered)
	require.Len(t, triggered, 1)
	assert.Equal(t, 1, triggered[0].Workflow.RunCount)
}

func TestChurnTriggerRespectsSegment(t *testing.T) {
	f := newWorkflowFixture(t)
	f.activate(t, "w-1", models.Trigger{
		Kind:      models.TriggerChurnRisk,
		ChurnRisk: &models.ChurnRiskCondition{MinRisk: 0.5, Segment: "smb"},
	})

	runs, err := f.engine.Evaluate(context.Background(), []models.Event{changed(models.EventTypeCustomerChanged, "c-1")})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestLowStockTrigger(t *testing.T) {
	f := newWorkflowFixture(t)
	maxStock := 3
	f.activate(t, "w-threshold", models.Trigger{Kind: models.TriggerLowStock, LowStock: &models.LowStockCondition{}})
	f.activate(t, "w-max", models.Trigger{Kind: models.TriggerLowStock, LowStock: &models.LowStockCondition{ProductID: "p-1", MaxStock: &maxStock}})
	f.activate(t, "w-other", models.Trigger{Kind: models.TriggerLowStock, LowStock: &models.LowStockCondition{ProductID: "p-9"}})

	runs, err := f.engine.Evaluate(context.Background(), []models.Event{changed(models.EventTypeProductChanged, "p-1")})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "w-threshold", runs[0].WorkflowID)
}

func TestHighValueOrderTrigger(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	f.activate(t, "w-1", models.Trigger{Kind: models.TriggerHighValueOrder, HighValueOrder: &models.HighValueOrderCondition{MinRevenue: 1000}})

	_, err := f.store.Add(ctx, models.Order{ID: "o-small", CustomerID: "c-1", ProductID: "p-1", Quantity: 1})
	require.NoError(t, err)
	_, err = f.store.Add(ctx, models.Order{ID: "o-big", CustomerID: "c-1", ProductID: "p-1", Quantity: 12})
	require.NoError(t, err)

	runs, err := f.engine.Evaluate(ctx, []models.Event{
		{BaseEvent: models.BaseEvent{EventType: models.EventTypeOrderChanged}, EntityID: "o-small", Op: models.OpAdd},
		{BaseEvent: models.BaseEvent{EventType: models.EventTypeOrderChanged}, EntityID: "o-big", Op: models.OpAdd},
	})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Contains(t, runs[0].Message, "o-big")
}

func TestInsightSeverityTrigger(t *testing.T) {
	f := newWorkflowFixture(t)
	f.activate(t, "w-1", models.Trigger{
		Kind:            models.TriggerInsightSeverity,
		InsightSeverity: &models.InsightSeverityCondition{MinSeverity: models.SeverityCritical},
	})

	high := churnInsight("i-1")
	high.Severity = models.SeverityHigh
	critical := churnInsight("i-2")

	runs, err := f.engine.Evaluate(context.Background(), []models.Event{
		{BaseEvent: models.BaseEvent{EventType: models.EventTypeInsightDetected}, Insight: &high},
		{BaseEvent: models.BaseEvent{EventType: models.EventTypeInsightDetected}, Insight: &critical},
	})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Contains(t, runs[0].Message, "i-2")
}

func TestInactiveWorkflowsDoNotFire(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	_, err := f.store.Add(ctx, models.Workflow{ID: "w-draft", Name: "draft", Trigger: models.Trigger{
		Kind: models.TriggerLowStock, LowStock: &models.LowStockCondition{},
	}})
	require.NoError(t, err)
	f.activate(t, "w-paused", models.Trigger{Kind: models.TriggerLowStock, LowStock: &models.LowStockCondition{}})
	_, err = f.store.Update(ctx, models.EntityTypeWorkflow, "w-paused", map[string]any{"status": models.WorkflowStatusPaused})
	require.NoError(t, err)

	runs, err := f.engine.Evaluate(ctx, []models.Event{changed(models.EventTypeProductChanged, "p-1")})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestWorkflowRunIsNotCountedWhenLogFails(t *testing.T) {
	f := newWorkflowFixture(t)
	f.activate(t, "w-1", models.Trigger{Kind: models.TriggerLowStock, LowStock: &models.LowStockCondition{}})
	f.log.setFail(true)

	runs, err := f.engine.Evaluate(context.Background(), []models.Event{changed(models.EventTypeProductChanged, "p-1")})
	assert.ErrorIs(t, err, errLogDown)
	assert.Empty(t, runs)
	assert.Equal(t, 0, f.workflow(t, "w-1").RunCount)
	assert.Empty(t, f.events.ofType(models.EventTypeWorkflowTriggered))
}
