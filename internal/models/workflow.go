package models

import (
	"fmt"
	"time"
)

// Workflow statuses
const (
	WorkflowStatusDraft    = "draft"
	WorkflowStatusActive   = "active"
	WorkflowStatusPaused   = "paused"
	WorkflowStatusArchived = "archived"
)

// Workflow is an automation that fires when its trigger matches a change
type Workflow struct {
	ID          string     `json:"id" validate:"required"`
	Name        string     `json:"name" validate:"required"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status" validate:"omitempty,oneof=draft active paused archived"`
	Trigger     Trigger    `json:"trigger"`
	RunCount    int        `json:"run_count" validate:"gte=0"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (w Workflow) EntityID() string       { return w.ID }
func (w Workflow) EntityType() EntityType { return EntityTypeWorkflow }

// CanTransitionWorkflow reports whether a workflow may move from one status to another
func CanTransitionWorkflow(from, to string) bool {
	if from == to {
		return false
	}
	switch from {
	case WorkflowStatusDraft:
		return to == WorkflowStatusActive || to == WorkflowStatusArchived
	case WorkflowStatusActive:
		return to == WorkflowStatusPaused || to == WorkflowStatusArchived
	case WorkflowStatusPaused:
		return to == WorkflowStatusActive || to == WorkflowStatusArchived
	}
	return false
}

// TriggerKind tags which condition a trigger carries
type TriggerKind string

const (
	TriggerChurnRisk       TriggerKind = "churn_risk"
	TriggerLowStock        TriggerKind = "low_stock"
	TriggerHighValueOrder  TriggerKind = "high_value_order"
	TriggerInsightSeverity TriggerKind = "insight_severity"
)

// Trigger is a tagged variant: Kind selects exactly one non-nil condition.
type Trigger struct {
	Kind            TriggerKind               `json:"kind"`
	ChurnRisk       *ChurnRiskCondition       `json:"churn_risk,omitempty"`
	LowStock        *LowStockCondition        `json:"low_stock,omitempty"`
	HighValueOrder  *HighValueOrderCondition  `json:"high_value_order,omitempty"`
	InsightSeverity *InsightSeverityCondition `json:"insight_severity,omitempty"`
}

// ChurnRiskCondition fires when a customer's churn risk reaches MinRisk
type ChurnRiskCondition struct {
	MinRisk float64 `json:"min_risk" validate:"gte=0,lte=1"`
	Segment string  `json:"segment,omitempty"`
}

// LowStockCondition fires when a product's stock falls to or below its
// reorder threshold, or below MaxStock when set
type LowStockCondition struct {
	ProductID string `json:"product_id,omitempty"`
	MaxStock  *int   `json:"max_stock,omitempty" validate:"omitempty,gte=0"`
}

// HighValueOrderCondition fires on orders with revenue at or above MinRevenue
type HighValueOrderCondition struct {
	MinRevenue float64 `json:"min_revenue" validate:"gt=0"`
}

// InsightSeverityCondition fires when an insight of at least MinSeverity is detected
type InsightSeverityCondition struct {
	MinSeverity Severity    `json:"min_severity" validate:"required,oneof=low medium high critical"`
	Type        InsightType `json:"type,omitempty"`
}

// Validate checks that Kind is known and carries exactly its own condition
func (t Trigger) Validate() error {
	var present bool
	switch t.Kind {
	case TriggerChurnRisk:
		present = t.ChurnRisk != nil
	case TriggerLowStock:
		present = t.LowStock != nil
	case TriggerHighValueOrder:
		present = t.HighValueOrder != nil
	case TriggerInsightSeverity:
		present = t.InsightSeverity != nil
	default:
		return fmt.Errorf("unknown trigger kind %q", t.Kind)
	}
	if !present {
		return fmt.Errorf("trigger kind %q is missing its condition", t.Kind)
	}
	if t.populated() != 1 {
		return fmt.Errorf("trigger kind %q must carry exactly one condition", t.Kind)
	}
	return nil
}

func (t Trigger) populated() int {
	n := 0
	if t.ChurnRisk != nil {
		n++
	}
	if t.LowStock != nil {
		n++
	}
	if t.HighValueOrder != nil {
		n++
	}
	if t.InsightSeverity != nil {
		n++
	}
	return n
}
