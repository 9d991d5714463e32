package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"insight-service/internal/clock"
	"insight-service/internal/models"
	"insight-service/internal/store"
	"insight-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ErrExecutionTimeout is the cause of an ExecutionFailure when the executor
// did not answer within the configured timeout
var ErrExecutionTimeout = errors.New("execution timed out")

// ActionConfig holds the proposal thresholds and the execution bound
type ActionConfig struct {
	MinConfidence    float64
	MinSeverity      models.Severity
	ExecutionTimeout time.Duration
}

// DefaultActionConfig returns the default thresholds
func DefaultActionConfig() ActionConfig {
	return ActionConfig{
		MinConfidence:    70,
		MinSeverity:      models.SeverityHigh,
		ExecutionTimeout: 5 * time.Second,
	}
}

// ActionEngine turns insights into actions and drives their approval state
// machine: pending -> executed | rejected, executed -> rolled_back.
// Every transition is committed together with its execution log entry.
type ActionEngine struct {
	mu        sync.Mutex
	actions   map[string]models.Action
	byInsight map[string]string
	inflight  map[string]bool

	cfg         ActionConfig
	executor    Executor
	compensator Compensator
	log         store.ExecutionLogRepository
	publisher   store.Publisher
	clock       clock.Clock
	logger      *zap.Logger
}

// NewActionEngine creates an action engine. compensator and publisher may be nil.
func NewActionEngine(
	cfg ActionConfig,
	executor Executor,
	compensator Compensator,
	log store.ExecutionLogRepository,
	publisher store.Publisher,
	c clock.Clock,
	logger *zap.Logger,
) *ActionEngine {
	if c == nil {
		c = clock.Real()
	}
	return &ActionEngine{
		actions:     make(map[string]models.Action),
		byInsight:   make(map[string]string),
		inflight:    make(map[string]bool),
		cfg:         cfg,
		executor:    executor,
		compensator: compensator,
		log:         log,
		publisher:   publisher,
		clock:       c,
		logger:      util.ComponentLogger(logger, "actions"),
	}
}

// Propose creates a pending action for the insight. An insight yields at most
// one action: repeat calls return the existing one unchanged.
func (ae *ActionEngine) Propose(ctx context.Context, insight models.Insight) (models.Action, error) {
	_, span := util.StartSpan(ctx, "ActionEngine.Propose", attribute.String("insight.id", insight.ID))
	defer span.End()

	ae.mu.Lock()
	if id, ok := ae.byInsight[insight.ID]; ok {
		existing := ae.actions[id]
		ae.mu.Unlock()
		return existing, nil
	}

	if insight.Confidence < ae.cfg.MinConfidence {
		ae.mu.Unlock()
		return models.Action{}, models.NewValidationError("insight", "confidence",
			fmt.Sprintf("%.1f is below the proposal threshold %.1f", insight.Confidence, ae.cfg.MinConfidence))
	}
	if insight.Severity.Rank() < ae.cfg.MinSeverity.Rank() {
		ae.mu.Unlock()
		return models.Action{}, models.NewValidationError("insight", "severity",
			fmt.Sprintf("%s is below the proposal threshold %s", insight.Severity, ae.cfg.MinSeverity))
	}

	now := ae.clock.Now()
	action := models.Action{
		ID:               uuid.New().String(),
		Type:             actionTypeFor(insight.Type),
		Status:           models.ActionStatusPending,
		Priority:         priorityFor(insight.Severity),
		Confidence:       insight.Confidence,
		ExpectedImpact:   insight.BusinessImpact,
		TriggerInsightID: insight.ID,
		InsightType:      insight.Type,
		TargetEntity:     insight.TargetEntity,
		GeneratedContent: draftContent(insight),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	ae.actions[action.ID] = action
	ae.byInsight[insight.ID] = action.ID
	ae.mu.Unlock()

	util.ActionsProposedTotal.WithLabelValues(string(action.Type)).Inc()
	ae.logger.Info("Action proposed",
		zap.String("action_id", action.ID),
		zap.String("insight_id", insight.ID),
		zap.String("type", string(action.Type)))
	ae.publish(models.EventTypeActionProposed, action, nil)
	return action, nil
}

// Approve runs the external execution for a pending action. On success the
// action becomes executed and the compensating update is applied to the
// target entity. On failure or timeout the action stays pending, a failure
// entry is logged and an *models.ExecutionFailure is returned.
func (ae *ActionEngine) Approve(ctx context.Context, id string, editedContent *string) (models.Action, error) {
	ctx, span := util.StartSpan(ctx, "ActionEngine.Approve", attribute.String("action.id", id))
	defer span.End()

	ae.mu.Lock()
	action, ok := ae.actions[id]
	if !ok {
		ae.mu.Unlock()
		return models.Action{}, &models.NotFoundError{Kind: "action", ID: id}
	}
	if action.Status != models.ActionStatusPending {
		ae.mu.Unlock()
		return action, illegal(action, models.ActionStatusExecuted, "")
	}
	if ae.inflight[id] {
		ae.mu.Unlock()
		return action, illegal(action, models.ActionStatusExecuted, "approval already in progress")
	}
	ae.inflight[id] = true
	ae.mu.Unlock()

	if editedContent != nil {
		action.GeneratedContent = *editedContent
	}

	start := time.Now()
	execErr := ae.execute(ctx, action)
	util.ActionExecutionLatency.Observe(time.Since(start).Seconds())

	// The caller may have gone away; the outcome is still recorded.
	bg := context.WithoutCancel(ctx)

	if execErr != nil {
		current := ae.recordFailure(bg, action, execErr)
		span.RecordError(execErr)
		return current, &models.ExecutionFailure{ActionID: id, Cause: execErr, Retryable: true}
	}

	executed, entry, err := ae.commitExecuted(bg, action)
	if err != nil {
		return executed, err
	}

	if ae.compensator != nil {
		if err := ae.compensator.Compensate(bg, executed); err != nil {
			util.CompensationFailuresTotal.Inc()
			ae.logger.Error("Compensating update failed",
				zap.String("action_id", id),
				zap.String("target", executed.TargetEntity.ID),
				zap.Error(err))
		}
	}

	ae.publish(models.EventTypeActionExecuted, executed, &entry)
	return executed, nil
}

// execute calls the executor in its own goroutine, bounded by the timeout
func (ae *ActionEngine) execute(ctx context.Context, action models.Action) error {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("executor panic: %v", r)
			}
		}()
		done <- ae.executor.Execute(execCtx, action)
	}()

	var timeout <-chan time.Time
	if ae.cfg.ExecutionTimeout > 0 {
		ch, timer := clock.After(ae.clock, ae.cfg.ExecutionTimeout)
		defer timer.Stop()
		timeout = ch
	}

	select {
	case err := <-done:
		return err
	case <-timeout:
		return fmt.Errorf("%w after %s", ErrExecutionTimeout, ae.cfg.ExecutionTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ae *ActionEngine) recordFailure(ctx context.Context, action models.Action, cause error) models.Action {
	ae.mu.Lock()
	delete(ae.inflight, action.ID)
	entry := ae.newLog(action.ID, models.LogStatusFailure, models.ReasonExecutionFailed, cause.Error(), 0)
	if err := ae.log.Append(ctx, entry); err != nil {
		ae.logger.Error("Failed to append execution log", zap.String("action_id", action.ID), zap.Error(err))
	}
	current := ae.actions[action.ID]
	ae.mu.Unlock()

	util.ActionExecutionFailuresTotal.WithLabelValues(failureReason(cause)).Inc()
	ae.logger.Warn("Action execution failed, action stays pending",
		zap.String("action_id", action.ID),
		zap.Error(cause))

	ae.publish(models.EventTypeActionFailed, current, &entry)
	return current
}

func (ae *ActionEngine) commitExecuted(ctx context.Context, action models.Action) (models.Action, models.ExecutionLog, error) {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	delete(ae.inflight, action.ID)

	now := ae.clock.Now()
	entry := ae.newLog(action.ID, models.LogStatusSuccess, models.ReasonExecuted, "executed", action.ExpectedImpact)
	if err := ae.log.Append(ctx, entry); err != nil {
		return ae.actions[action.ID], entry, fmt.Errorf("failed to record execution of action %s: %w", action.ID, err)
	}

	next := action
	next.Status = models.ActionStatusExecuted
	next.ExecutedAt = &now
	next.UpdatedAt = now
	ae.actions[action.ID] = next

	util.ActionTransitionsTotal.WithLabelValues(string(next.Status)).Inc()
	ae.logger.Info("Action executed", zap.String("action_id", action.ID))
	return next, entry, nil
}

// Reject moves a pending action to rejected. Rejecting an action that is
// already rejected, executed or rolled back is a no-op.
func (ae *ActionEngine) Reject(ctx context.Context, id string) (models.Action, error) {
	ctx, span := util.StartSpan(ctx, "ActionEngine.Reject", attribute.String("action.id", id))
	defer span.End()

	ae.mu.Lock()
	action, ok := ae.actions[id]
	if !ok {
		ae.mu.Unlock()
		return models.Action{}, &models.NotFoundError{Kind: "action", ID: id}
	}
	switch action.Status {
	case models.ActionStatusRejected, models.ActionStatusExecuted, models.ActionStatusRolledBack:
		ae.mu.Unlock()
		ae.logger.Debug("Reject ignored", zap.String("action_id", id), zap.String("status", string(action.Status)))
		return action, nil
	}
	if ae.inflight[id] {
		ae.mu.Unlock()
		return action, illegal(action, models.ActionStatusRejected, "approval in progress")
	}

	next, entry, err := ae.transitionLocked(ctx, action, models.ActionStatusRejected,
		models.LogStatusFailure, models.ReasonUserRejected, "rejected by user", 0)
	ae.mu.Unlock()
	if err != nil {
		return action, err
	}

	ae.publish(models.EventTypeActionRejected, next, &entry)
	return next, nil
}

// Rollback moves an executed action to rolled_back. The compensating update
// applied on approval is left in place.
func (ae *ActionEngine) Rollback(ctx context.Context, id string) (models.Action, error) {
	ctx, span := util.StartSpan(ctx, "ActionEngine.Rollback", attribute.String("action.id", id))
	defer span.End()

	ae.mu.Lock()
	action, ok := ae.actions[id]
	if !ok {
		ae.mu.Unlock()
		return models.Action{}, &models.NotFoundError{Kind: "action", ID: id}
	}
	if action.Status != models.ActionStatusExecuted {
		ae.mu.Unlock()
		return action, illegal(action, models.ActionStatusRolledBack, "")
	}

	next, entry, err := ae.transitionLocked(ctx, action, models.ActionStatusRolledBack,
		models.LogStatusPartial, models.ReasonUserRollback, "rolled back by user", -action.ExpectedImpact)
	ae.mu.Unlock()
	if err != nil {
		return action, err
	}

	ae.publish(models.EventTypeActionRolledBack, next, &entry)
	return next, nil
}

// transitionLocked appends the log entry and only then commits the new
// status. Caller holds mu.
func (ae *ActionEngine) transitionLocked(
	ctx context.Context,
	action models.Action,
	to models.ActionStatus,
	logStatus, reason, message string,
	impact float64,
) (models.Action, models.ExecutionLog, error) {
	entry := ae.newLog(action.ID, logStatus, reason, message, impact)
	if err := ae.log.Append(ctx, entry); err != nil {
		return action, entry, fmt.Errorf("failed to record %s of action %s: %w", to, action.ID, err)
	}

	next := action
	next.Status = to
	next.UpdatedAt = entry.CreatedAt
	ae.actions[action.ID] = next

	util.ActionTransitionsTotal.WithLabelValues(string(to)).Inc()
	ae.logger.Info("Action transitioned",
		zap.String("action_id", action.ID),
		zap.String("from", string(action.Status)),
		zap.String("to", string(to)))
	return next, entry, nil
}

// Get returns an action by id
func (ae *ActionEngine) Get(id string) (models.Action, error) {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	a, ok := ae.actions[id]
	if !ok {
		return models.Action{}, &models.NotFoundError{Kind: "action", ID: id}
	}
	return a, nil
}

// ForInsight returns the action proposed for an insight, if any
func (ae *ActionEngine) ForInsight(insightID string) (models.Action, bool) {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	id, ok := ae.byInsight[insightID]
	if !ok {
		return models.Action{}, false
	}
	return ae.actions[id], true
}

// List returns every action, oldest first. Actions are never deleted.
func (ae *ActionEngine) List() []models.Action {
	ae.mu.Lock()
	out := make([]models.Action, 0, len(ae.actions))
	for _, a := range ae.actions {
		out = append(out, a)
	}
	ae.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (ae *ActionEngine) newLog(actionID, status, reason, message string, impact float64) models.ExecutionLog {
	return models.ExecutionLog{
		ID:             uuid.New().String(),
		ActionID:       actionID,
		Status:         status,
		ReasonCode:     reason,
		Message:        message,
		BusinessImpact: impact,
		CreatedAt:      ae.clock.Now(),
	}
}

func (ae *ActionEngine) publish(t models.EventType, action models.Action, entry *models.ExecutionLog) {
	if ae.publisher == nil {
		return
	}
	a := action
	ae.publisher.Publish(models.Event{
		BaseEvent: models.BaseEvent{EventType: t},
		Action:    &a,
		Log:       entry,
	})
}

func illegal(a models.Action, to models.ActionStatus, reason string) error {
	return &models.IllegalTransitionError{
		Kind:   "action",
		ID:     a.ID,
		From:   string(a.Status),
		To:     string(to),
		Reason: reason,
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrExecutionTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, ErrSimulatedDecline):
		return "declined"
	}
	return "error"
}

func actionTypeFor(t models.InsightType) models.ActionType {
	switch t {
	case models.InsightTypeChurnRisk:
		return models.ActionTypeRetentionOffer
	case models.InsightTypeInventoryShortage:
		return models.ActionTypeReorderStock
	case models.InsightTypeHighValueOrder:
		return models.ActionTypeVIPFollowUp
	}
	return models.ActionTypePriceReview
}

func priorityFor(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return models.PriorityUrgent
	case models.SeverityHigh:
		return models.PriorityHigh
	case models.SeverityMedium:
		return models.PriorityMedium
	}
	return models.PriorityLow
}

func draftContent(i models.Insight) string {
	switch i.Type {
	case models.InsightTypeChurnRisk:
		return fmt.Sprintf("Send a personalised retention offer to customer %s. %s", i.TargetEntity.ID, i.Description)
	case models.InsightTypeInventoryShortage:
		return fmt.Sprintf("Place a reorder for product %s. %s", i.TargetEntity.ID, i.Description)
	case models.InsightTypeHighValueOrder:
		return fmt.Sprintf("Schedule a VIP follow-up for order %s. %s", i.TargetEntity.ID, i.Description)
	}
	return fmt.Sprintf("Review pricing for %s %s. %s", i.TargetEntity.Type, i.TargetEntity.ID, i.Description)
}
