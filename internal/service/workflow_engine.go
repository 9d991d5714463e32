package service

import (
	"context"
	"fmt"

	"insight-service/internal/clock"
	"insight-service/internal/models"
	"insight-service/internal/store"
	"insight-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WorkflowEngine fires active workflows whose trigger matches a change
type WorkflowEngine struct {
	store     *store.Store
	log       store.ExecutionLogRepository
	publisher store.Publisher
	clock     clock.Clock
	logger    *zap.Logger
}

// NewWorkflowEngine creates a workflow engine
func NewWorkflowEngine(s *store.Store, log store.ExecutionLogRepository, publisher store.Publisher, c clock.Clock, logger *zap.Logger) *WorkflowEngine {
	if c == nil {
		c = clock.Real()
	}
	return &WorkflowEngine{
		store:     s,
		log:       log,
		publisher: publisher,
		clock:     c,
		logger:    util.ComponentLogger(logger, "workflows"),
	}
}

// HandleEvents is an event bus handler
func (we *WorkflowEngine) HandleEvents(events []models.Event) {
	if _, err := we.Evaluate(context.Background(), events); err != nil {
		we.logger.Error("Workflow evaluation failed", zap.Error(err))
	}
}

// Evaluate matches one batch of events against every active workflow. A
// workflow fires at most once per subject within a batch. It returns the
// log entries of the runs that fired.
func (we *WorkflowEngine) Evaluate(ctx context.Context, events []models.Event) ([]models.ExecutionLog, error) {
	ctx, span := util.StartSpan(ctx, "WorkflowEngine.Evaluate")
	defer span.End()

	snap := we.store.Snapshot()
	var active []models.Workflow
	for _, w := range snap.Workflows {
		if w.Status == models.WorkflowStatusActive {
			active = append(active, w)
		}
	}
	if len(active) == 0 {
		return nil, nil
	}

	var (
		runs    []models.ExecutionLog
		lastErr error
	)
	fired := make(map[string]bool)
	for _, e := range events {
		for _, w := range active {
			subject, ok := matchTrigger(w.Trigger, e, snap)
			if !ok || fired[w.ID+"|"+subject] {
				continue
			}
			fired[w.ID+"|"+subject] = true

			entry, err := we.run(ctx, w, subject)
			if err != nil {
				lastErr = err
				we.logger.Warn("Workflow run failed",
					zap.String("workflow_id", w.ID),
					zap.String("subject", subject),
					zap.Error(err))
				continue
			}
			runs = append(runs, entry)
		}
	}
	return runs, lastErr
}

// run records the run and bumps the workflow's counters in one store mutation
func (we *WorkflowEngine) run(ctx context.Context, w models.Workflow, subject string) (models.ExecutionLog, error) {
	now := we.clock.Now()
	entry := models.ExecutionLog{
		ID:         uuid.New().String(),
		WorkflowID: w.ID,
		Status:     models.LogStatusSuccess,
		ReasonCode: models.ReasonWorkflowTriggered,
		Message:    fmt.Sprintf("%s trigger matched %s", w.Trigger.Kind, subject),
		CreatedAt:  now,
	}

	updated, err := we.store.Modify(ctx, models.EntityTypeWorkflow, w.ID, func(cur models.Entity) (map[string]any, error) {
		current := cur.(models.Workflow)
		if current.Status != models.WorkflowStatusActive {
			return nil, &models.IllegalTransitionError{
				Kind: string(models.EntityTypeWorkflow), ID: w.ID,
				From: current.Status, To: current.Status, Reason: "workflow is not active",
			}
		}
		if err := we.log.Append(ctx, entry); err != nil {
			return nil, fmt.Errorf("failed to record workflow run: %w", err)
		}
		return map[string]any{
			"run_count":   current.RunCount + 1,
			"last_run_at": now,
		}, nil
	})
	if err != nil {
		return entry, err
	}

	util.WorkflowRunsTotal.WithLabelValues(string(w.Trigger.Kind)).Inc()
	we.logger.Info("Workflow triggered",
		zap.String("workflow_id", w.ID),
		zap.String("subject", subject))

	if we.publisher != nil {
		wf := updated.(models.Workflow)
		we.publisher.Publish(models.Event{
			BaseEvent: models.BaseEvent{EventType: models.EventTypeWorkflowTriggered},
			Workflow:  &wf,
			Log:       &entry,
		})
	}
	return entry, nil
}

// matchTrigger reports whether e satisfies t and names the matching subject
func matchTrigger(t models.Trigger, e models.Event, snap *models.Snapshot) (string, bool) {
	if t.Validate() != nil {
		return "", false
	}

	switch t.Kind {
	case models.TriggerChurnRisk:
		if e.EventType != models.EventTypeCustomerChanged || e.Op == models.OpDelete {
			return "", false
		}
		c, ok := snap.CustomerByID(e.EntityID)
		if !ok || c.ChurnRisk < t.ChurnRisk.MinRisk {
			return "", false
		}
		if t.ChurnRisk.Segment != "" && t.ChurnRisk.Segment != c.Segment {
			return "", false
		}
		return "customer " + c.ID, true

	case models.TriggerLowStock:
		if e.EventType != models.EventTypeProductChanged || e.Op == models.OpDelete {
			return "", false
		}
		if t.LowStock.ProductID != "" && t.LowStock.ProductID != e.EntityID {
			return "", false
		}
		p, ok := snap.ProductByID(e.EntityID)
		if !ok {
			return "", false
		}
		limit := p.ReorderThreshold
		if t.LowStock.MaxStock != nil {
			limit = *t.LowStock.MaxStock
		}
		if p.StockQuantity > limit {
			return "", false
		}
		return "product " + p.ID, true

	case models.TriggerHighValueOrder:
		if e.EventType != models.EventTypeOrderChanged || e.Op == models.OpDelete {
			return "", false
		}
		for _, o := range snap.Orders {
			if o.ID != e.EntityID {
				continue
			}
			if o.Status == models.OrderStatusCancelled || o.Revenue < t.HighValueOrder.MinRevenue {
				return "", false
			}
			return "order " + o.ID, true
		}
		return "", false

	case models.TriggerInsightSeverity:
		if e.EventType != models.EventTypeInsightDetected || e.Insight == nil {
			return "", false
		}
		if e.Insight.Severity.Rank() < t.InsightSeverity.MinSeverity.Rank() {
			return "", false
		}
		if t.InsightSeverity.Type != "" && t.InsightSeverity.Type != e.Insight.Type {
			return "", false
		}
		return "insight " + e.Insight.ID, true
	}
	return "", false
}
