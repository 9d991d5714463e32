package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"insight-service/internal/clock"
	"insight-service/internal/models"
	"insight-service/internal/store"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type capture struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *capture) Publish(evt models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *capture) ofType(t models.EventType) []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Event
	for _, e := range c.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

var errLogDown = errors.New("log unavailable")

// flakyLog fails appends while fail is set
type flakyLog struct {
	*store.MemoryLog
	mu   sync.Mutex
	fail bool
}

func newFlakyLog() *flakyLog {
	return &flakyLog{MemoryLog: store.NewMemoryLog()}
}

func (l *flakyLog) setFail(fail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = fail
}

func (l *flakyLog) Append(ctx context.Context, entry models.ExecutionLog) error {
	l.mu.Lock()
	fail := l.fail
	l.mu.Unlock()
	if fail {
		return errLogDown
	}
	return l.MemoryLog.Append(ctx, entry)
}

func (l *flakyLog) entries(t *testing.T, filter store.LogFilter) []models.ExecutionLog {
	t.Helper()
	out, err := l.List(context.Background(), filter)
	require.NoError(t, err)
	return out
}

func newSeededStore(t *testing.T, c clock.Clock) *store.Store {
	t.Helper()
	s := store.NewStore(c, &capture{}, store.WithLogger(zap.NewNop()))
	ctx := context.Background()
	_, err := s.Add(ctx, models.Customer{ID: "c-1", Name: "Acme", LTV: 5000, EngagementScore: 20, ChurnRisk: 0.92, Segment: "enterprise"})
	require.NoError(t, err)
	_, err = s.Add(ctx, models.Product{ID: "p-1", Name: "Widget", Price: 100, Cost: 60, StockQuantity: 5, ReorderThreshold: 20, SalesVelocity: 10})
	require.NoError(t, err)
	return s
}

func shortageInsight(id string) models.Insight {
	return models.Insight{
		ID:             id,
		RuleID:         RuleInventoryBelowReorder,
		Type:           models.InsightTypeInventoryShortage,
		Severity:       models.SeverityHigh,
		Confidence:     87.5,
		BusinessImpact: 7000,
		TargetEntity:   models.EntityRef{Type: models.EntityTypeProduct, ID: "p-1"},
		CreatedAt:      epoch,
		ExpiresAt:      epoch.Add(24 * time.Hour),
	}
}

func churnInsight(id string) models.Insight {
	return models.Insight{
		ID:             id,
		RuleID:         RuleChurnRiskThreshold,
		Type:           models.InsightTypeChurnRisk,
		Severity:       models.SeverityCritical,
		Confidence:     87.2,
		BusinessImpact: 4600,
		TargetEntity:   models.EntityRef{Type: models.EntityTypeCustomer, ID: "c-1"},
		CreatedAt:      epoch,
		ExpiresAt:      epoch.Add(72 * time.Hour),
	}
}
