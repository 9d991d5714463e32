package models

import "time"

// InsightType classifies what an insight is about
type InsightType string

const (
	InsightTypeChurnRisk         InsightType = "churn_risk"
	InsightTypeInventoryShortage InsightType = "inventory_shortage"
	InsightTypeHighValueOrder    InsightType = "high_value_order"
	InsightTypeLowMargin         InsightType = "low_margin"
)

// Severity levels
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (1) to critical (4); unknown is 0
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Trend directions
const (
	TrendUp     = "up"
	TrendDown   = "down"
	TrendStable = "stable"
)

// EntityRef points at the entity an insight or action is about
type EntityRef struct {
	Type EntityType `json:"type"`
	ID   string     `json:"id"`
}

// ReasonFactor is one weighted contribution to an insight's confidence
type ReasonFactor struct {
	Factor string  `json:"factor"`
	Weight float64 `json:"weight"`
	Detail string  `json:"detail"`
}

// TrendData compares the current period against the previous one
type TrendData struct {
	Current   float64 `json:"current"`
	Previous  float64 `json:"previous"`
	Direction string  `json:"direction"`
}

// Insight is a time-bounded observation produced by the insight engine
type Insight struct {
	ID              string         `json:"id"`
	RuleID          string         `json:"rule_id"`
	Type            InsightType    `json:"type"`
	Severity        Severity       `json:"severity"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Confidence      float64        `json:"confidence"`
	BusinessImpact  float64        `json:"business_impact"`
	ReasonBreakdown []ReasonFactor `json:"reason_breakdown"`
	TrendData       TrendData      `json:"trend_data"`
	TargetEntity    EntityRef      `json:"target_entity"`
	CreatedAt       time.Time      `json:"created_at"`
	ExpiresAt       time.Time      `json:"expires_at"`
	DecayFactor     float64        `json:"decay_factor"`
}

// Score is the ranking key: confidence × business impact
func (i Insight) Score() float64 {
	return i.Confidence * i.BusinessImpact
}

// Expired reports whether the insight is no longer observable at now
func (i Insight) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// ActionStatus is the state of an action in its approval lifecycle
type ActionStatus string

const (
	ActionStatusPending    ActionStatus = "pending"
	ActionStatusExecuted   ActionStatus = "executed"
	ActionStatusRejected   ActionStatus = "rejected"
	ActionStatusRolledBack ActionStatus = "rolled_back"
)

// ActionType names the remediation an action performs
type ActionType string

const (
	ActionTypeRetentionOffer ActionType = "retention_offer"
	ActionTypeReorderStock   ActionType = "reorder_stock"
	ActionTypeVIPFollowUp    ActionType = "vip_follow_up"
	ActionTypePriceReview    ActionType = "price_review"
)

// Action priorities
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Action is a proposed remediation derived from an insight
type Action struct {
	ID               string       `json:"id"`
	Type             ActionType   `json:"type"`
	Status           ActionStatus `json:"status"`
	Priority         string       `json:"priority"`
	Confidence       float64      `json:"confidence"`
	ExpectedImpact   float64      `json:"expected_impact"`
	TriggerInsightID string       `json:"trigger_insight_id"`
	InsightType      InsightType  `json:"insight_type"`
	TargetEntity     EntityRef    `json:"target_entity"`
	GeneratedContent string       `json:"generated_content"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	ExecutedAt       *time.Time   `json:"executed_at,omitempty"`
}

// Execution log statuses
const (
	LogStatusSuccess = "success"
	LogStatusFailure = "failure"
	LogStatusPartial = "partial"
)

// Execution log reason codes
const (
	ReasonExecuted          = "executed"
	ReasonExecutionFailed   = "execution_failed"
	ReasonUserRejected      = "user_rejected"
	ReasonUserRollback      = "user_rollback"
	ReasonWorkflowTriggered = "workflow_triggered"
)

// ExecutionLog is an append-only audit record of one transition attempt
type ExecutionLog struct {
	ID             string    `db:"id" json:"id"`
	ActionID       string    `db:"action_id" json:"action_id,omitempty"`
	WorkflowID     string    `db:"workflow_id" json:"workflow_id,omitempty"`
	Status         string    `db:"status" json:"status"`
	ReasonCode     string    `db:"reason_code" json:"reason_code"`
	Message        string    `db:"message" json:"message,omitempty"`
	BusinessImpact float64   `db:"business_impact" json:"business_impact"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Notification types
const (
	NotificationInsightDetected   = "insight_detected"
	NotificationActionExecuted    = "action_executed"
	NotificationActionFailed      = "action_failed"
	NotificationWorkflowTriggered = "workflow_triggered"
)

// Notification is a user-facing message, unique per (type, target) while unread
type Notification struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	TargetEntityID string    `json:"target_entity_id"`
	Severity       Severity  `json:"severity,omitempty"`
	Title          string    `json:"title"`
	Message        string    `json:"message"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"created_at"`
}

// Key returns the deduplication key for the notification
func (n Notification) Key() string {
	return NotificationKey(n.Type, n.TargetEntityID)
}

// NotificationKey builds the deduplication key for a (type, target) pair
func NotificationKey(notificationType, targetID string) string {
	return notificationType + ":" + targetID
}
