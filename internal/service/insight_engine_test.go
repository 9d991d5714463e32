package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"insight-service/internal/clock"
	"insight-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticRule struct {
	id         string
	ttl        time.Duration
	candidates []models.Insight
	err        error
	panics     bool
}

func (r staticRule) ID() string         { return r.id }
func (r staticRule) TTL() time.Duration { return r.ttl }

func (r staticRule) Evaluate(*models.Snapshot, time.Time) ([]models.Insight, error) {
	if r.panics {
		panic("rule exploded")
	}
	return r.candidates, r.err
}

func candidate(id string, confidence, impact float64) models.Insight {
	return models.Insight{
		Type:           models.InsightTypeChurnRisk,
		Severity:       models.SeverityHigh,
		Confidence:     confidence,
		BusinessImpact: impact,
		TargetEntity:   models.EntityRef{Type: models.EntityTypeCustomer, ID: id},
	}
}

func shortageSnapshot() *models.Snapshot {
	return &models.Snapshot{
		Products: []models.Product{
			{ID: "p-1", Price: 100, Cost: 60, StockQuantity: 5, ReorderThreshold: 20, SalesVelocity: 10},
			{ID: "p-2", Price: 50, Cost: 20, StockQuantity: 200, ReorderThreshold: 20, SalesVelocity: 1},
		},
	}
}

func TestInventoryShortageInsight(t *testing.T) {
	c := clock.NewFake(epoch)
	ie := NewInsightEngine(c, zap.NewNop())

	res := ie.Scan(context.Background(), shortageSnapshot())
	require.Empty(t, res.Failures)
	require.Len(t, res.New, 1)

	i := res.New[0]
	assert.Equal(t, models.InsightTypeInventoryShortage, i.Type)
	assert.Equal(t, "p-1", i.TargetEntity.ID)
	assert.Equal(t, 7000.0, i.BusinessImpact)
	assert.Equal(t, 87.5, i.Confidence)
	assert.Equal(t, models.SeverityHigh, i.Severity)
	assert.Equal(t, RuleInventoryBelowReorder, i.RuleID)
	assert.True(t, i.ExpiresAt.After(i.CreatedAt))
	assert.Equal(t, 24*time.Hour, i.ExpiresAt.Sub(i.CreatedAt))
	assert.NotEmpty(t, i.ID)
}

func TestExpiredInsightsAreNeverListed(t *testing.T) {
	c := clock.NewFake(epoch)
	ie := NewInsightEngine(c, zap.NewNop())
	res := ie.Scan(context.Background(), shortageSnapshot())
	id := res.New[0].ID

	c.Advance(24*time.Hour - time.Nanosecond)
	assert.Len(t, ie.List(), 1)

	c.Advance(time.Nanosecond)
	assert.Empty(t, ie.List())
	_, err := ie.Get(id)
	assert.True(t, models.IsNotFound(err))

	assert.Equal(t, 1, ie.Len(), "expiry does not depend on eviction")
	assert.Equal(t, 1, ie.Evict())
	assert.Equal(t, 0, ie.Len())
}

func TestDecayFactor(t *testing.T) {
	c := clock.NewFake(epoch)
	ie := NewInsightEngine(c, zap.NewNop())
	res := ie.Scan(context.Background(), shortageSnapshot())
	assert.Equal(t, 1.0, res.New[0].DecayFactor)

	c.Advance(12 * time.Hour)
	i, err := ie.Get(res.New[0].ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, i.DecayFactor, 1e-9)
}

func TestRescanKeepsLiveInsight(t *testing.T) {
	c := clock.NewFake(epoch)
	ie := NewInsightEngine(c, zap.NewNop())
	ctx := context.Background()

	first := ie.Scan(ctx, shortageSnapshot())
	c.Advance(time.Hour)
	second := ie.Scan(ctx, shortageSnapshot())
	assert.Empty(t, second.New)
	assert.Equal(t, 1, second.Retained)

	c.Advance(24 * time.Hour)
	third := ie.Scan(ctx, shortageSnapshot())
	require.Len(t, third.New, 1)
	assert.NotEqual(t, first.New[0].ID, third.New[0].ID)
}

func TestClearedConditionRetiresInsight(t *testing.T) {
	c := clock.NewFake(epoch)
	ie := NewInsightEngine(c, zap.NewNop())
	ctx := context.Background()

	first := ie.Scan(ctx, shortageSnapshot())
	require.Len(t, first.New, 1)

	restocked := shortageSnapshot()
	restocked.Products[0].StockQuantity = 90
	c.Advance(time.Hour)
	cleared := ie.Scan(ctx, restocked)
	assert.Empty(t, cleared.New)
	assert.Equal(t, 1, cleared.Retired)
	assert.Empty(t, ie.List())
	assert.Equal(t, 0, ie.Len())

	c.Advance(time.Hour)
	again := ie.Scan(ctx, shortageSnapshot())
	require.Len(t, again.New, 1)
	assert.NotEqual(t, first.New[0].ID, again.New[0].ID)
}

func TestFailedRuleKeepsItsInsights(t *testing.T) {
	c := clock.NewFake(epoch)
	ctx := context.Background()
	ie := NewInsightEngine(c, zap.NewNop(), staticRule{id: "flaky", ttl: time.Hour, candidates: []models.Insight{candidate("c-1", 80, 10)}})
	require.Len(t, ie.Scan(ctx, &models.Snapshot{}).New, 1)

	ie.rules = []Rule{staticRule{id: "flaky", ttl: time.Hour, err: errors.New("source offline")}}
	res := ie.Scan(ctx, &models.Snapshot{})
	assert.Zero(t, res.Retired)
	assert.Len(t, ie.List(), 1)
}

func TestRisingSeverityReplacesInsight(t *testing.T) {
	c := clock.NewFake(epoch)
	ie := NewInsightEngine(c, zap.NewNop())
	ctx := context.Background()

	first := ie.Scan(ctx, shortageSnapshot())
	require.Len(t, first.New, 1)

	lower := shortageSnapshot()
	lower.Products[0].StockQuantity = 3
	same := ie.Scan(ctx, lower)
	assert.Empty(t, same.New)
	assert.Equal(t, 1, same.Retained)

	empty := shortageSnapshot()
	empty.Products[0].StockQuantity = 0
	escalated := ie.Scan(ctx, empty)
	require.Len(t, escalated.New, 1)
	assert.Equal(t, 1, escalated.Retired)
	assert.Equal(t, models.SeverityCritical, escalated.New[0].Severity)

	_, err := ie.Get(first.New[0].ID)
	assert.True(t, models.IsNotFound(err))
	assert.Equal(t, 1, ie.Len())
}

func TestRankingByScoreThenAge(t *testing.T) {
	c := clock.NewFake(epoch)
	ctx := context.Background()

	ie := NewInsightEngine(c, zap.NewNop(), staticRule{id: "first", ttl: time.Hour, candidates: []models.Insight{
		candidate("low", 50, 100),
		candidate("older-tie", 80, 100),
	}})
	ie.Scan(ctx, &models.Snapshot{})

	c.Advance(time.Minute)
	ie.rules = []Rule{staticRule{id: "second", ttl: time.Hour, candidates: []models.Insight{
		candidate("top", 90, 1000),
		candidate("newer-tie", 40, 200),
	}}}
	ie.Scan(ctx, &models.Snapshot{})

	var order []string
	for _, i := range ie.List() {
		order = append(order, i.TargetEntity.ID)
	}
	assert.Equal(t, []string{"top", "older-tie", "newer-tie", "low"}, order)
}

func TestFailingRulesAreIsolated(t *testing.T) {
	c := clock.NewFake(epoch)
	ie := NewInsightEngine(c, zap.NewNop(),
		staticRule{id: "panics", ttl: time.Hour, panics: true},
		staticRule{id: "errors", ttl: time.Hour, err: errors.New("bad input")},
		staticRule{id: "malformed", ttl: time.Hour, candidates: []models.Insight{
			candidate("ok", 80, 10),
			candidate("bad", 150, 10),
		}},
		staticRule{id: "no-ttl", ttl: 0, candidates: []models.Insight{candidate("x", 80, 10)}},
		InventoryRule{},
	)

	res := ie.Scan(context.Background(), shortageSnapshot())
	require.Len(t, res.New, 1)
	assert.Equal(t, models.InsightTypeInventoryShortage, res.New[0].Type)

	require.Len(t, res.Failures, 4)
	var failed []string
	for _, f := range res.Failures {
		failed = append(failed, f.RuleID)
	}
	assert.Equal(t, []string{"panics", "errors", "malformed", "no-ttl"}, failed)
	assert.Len(t, ie.List(), 1)
}

func TestReasonWeightsMustNotExceedOne(t *testing.T) {
	bad := candidate("c-1", 80, 10)
	bad.ReasonBreakdown = []models.ReasonFactor{{Factor: "a", Weight: 0.7}, {Factor: "b", Weight: 0.6}}

	ie := NewInsightEngine(clock.NewFake(epoch), zap.NewNop(), staticRule{id: "heavy", ttl: time.Hour, candidates: []models.Insight{bad}})
	res := ie.Scan(context.Background(), &models.Snapshot{})
	assert.Empty(t, res.New)
	assert.Len(t, res.Failures, 1)
}

func TestChurnRiskRule(t *testing.T) {
	snap := &models.Snapshot{Customers: []models.Customer{
		{ID: "c-1", LTV: 1000, EngagementScore: 20, ChurnRisk: 0.85},
		{ID: "c-2", LTV: 1000, EngagementScore: 90, ChurnRisk: 0.2},
		{ID: "c-3", LTV: 2000, EngagementScore: 0, ChurnRisk: 0.95},
	}}

	out, err := ChurnRiskRule{Threshold: 0.7}.Evaluate(snap, epoch)
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, "c-1", out[0].TargetEntity.ID)
	assert.Equal(t, models.SeverityHigh, out[0].Severity)
	assert.InDelta(t, 83.0, out[0].Confidence, 1e-9)
	assert.InDelta(t, 850.0, out[0].BusinessImpact, 1e-9)

	assert.Equal(t, models.SeverityCritical, out[1].Severity)
}

func TestChurnTrendComparesPeriods(t *testing.T) {
	snap := &models.Snapshot{
		Customers: []models.Customer{{ID: "c-1", LTV: 100, ChurnRisk: 0.9}},
		Orders: []models.Order{
			{ID: "o-1", CustomerID: "c-1", CreatedAt: epoch.Add(-45 * day)},
			{ID: "o-2", CustomerID: "c-1", CreatedAt: epoch.Add(-50 * day)},
			{ID: "o-3", CustomerID: "c-1", CreatedAt: epoch.Add(-3 * day)},
		},
	}

	out, err := ChurnRiskRule{Threshold: 0.7}.Evaluate(snap, epoch)
	require.NoError(t, err)
	assert.Equal(t, models.TrendData{Current: 1, Previous: 2, Direction: models.TrendDown}, out[0].TrendData)
}

func TestHighOrderValueRule(t *testing.T) {
	snap := &models.Snapshot{Orders: []models.Order{
		{ID: "o-1", Revenue: 100, Status: models.OrderStatusCompleted, CreatedAt: epoch.Add(-1 * day)},
		{ID: "o-2", Revenue: 100, Status: models.OrderStatusCompleted, CreatedAt: epoch.Add(-2 * day)},
		{ID: "o-3", Revenue: 100, Status: models.OrderStatusCompleted, CreatedAt: epoch.Add(-3 * day)},
		{ID: "o-4", Revenue: 1000, Status: models.OrderStatusCompleted, CreatedAt: epoch.Add(-1 * time.Hour)},
		{ID: "o-old", Revenue: 90000, Status: models.OrderStatusCompleted, CreatedAt: epoch.Add(-30 * day)},
	}}

	rule := DefaultRules()[2]
	out, err := rule.Evaluate(snap, epoch)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "o-4", out[0].TargetEntity.ID)
	assert.Equal(t, models.SeverityCritical, out[0].Severity)
	assert.Equal(t, 95.0, out[0].Confidence)
}

func TestLowMarginRule(t *testing.T) {
	snap := &models.Snapshot{Products: []models.Product{
		{ID: "p-1", Price: 100, Cost: 90, SalesVelocity: 2},
		{ID: "p-2", Price: 100, Cost: 90, SalesVelocity: 0},
		{ID: "p-3", Price: 100, Cost: 50, SalesVelocity: 5},
	}}

	out, err := LowMarginRule{TargetMargin: 15}.Evaluate(snap, epoch)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "p-1", out[0].TargetEntity.ID)
	assert.Equal(t, models.SeverityMedium, out[0].Severity)
	assert.InDelta(t, 300.0, out[0].BusinessImpact, 1e-9)
	assert.InDelta(t, 70.0, out[0].Confidence, 1e-9)
}
