package models

import "time"

// EventType identifies what happened
type EventType string

// Event types
const (
	EventTypeCustomerChanged   EventType = "customer_changed"
	EventTypeProductChanged    EventType = "product_changed"
	EventTypeOrderChanged      EventType = "order_changed"
	EventTypeWorkflowChanged   EventType = "workflow_changed"
	EventTypeInsightDetected   EventType = "insight_detected"
	EventTypeActionProposed    EventType = "action_proposed"
	EventTypeActionExecuted    EventType = "action_executed"
	EventTypeActionFailed      EventType = "action_failed"
	EventTypeActionRejected    EventType = "action_rejected"
	EventTypeActionRolledBack  EventType = "action_rolled_back"
	EventTypeWorkflowTriggered EventType = "workflow_triggered"

	// EventTypeAll subscribes to every event type
	EventTypeAll EventType = "*"
)

// Mutation operations
const (
	OpAdd    = "add"
	OpUpdate = "update"
	OpDelete = "delete"
)

// ChangeEventType returns the event type emitted for mutations of an entity type
func ChangeEventType(t EntityType) EventType {
	return EventType(string(t) + "_changed")
}

// IsEntityChange reports whether the event type is an entity mutation
func (t EventType) IsEntityChange() bool {
	switch t {
	case EventTypeCustomerChanged, EventTypeProductChanged, EventTypeOrderChanged, EventTypeWorkflowChanged:
		return true
	}
	return false
}

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is published on the event bus. Entity changes fill EntityType,
// EntityID, Op and Updates; domain events fill the matching record.
type Event struct {
	BaseEvent
	EntityType EntityType     `json:"entity_type,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	Op         string         `json:"op,omitempty"`
	Updates    map[string]any `json:"updates,omitempty"`
	Insight    *Insight       `json:"insight,omitempty"`
	Action     *Action        `json:"action,omitempty"`
	Workflow   *Workflow      `json:"workflow,omitempty"`
	Log        *ExecutionLog  `json:"log,omitempty"`
}

// Key returns the partition key used when the event leaves the process
func (e Event) Key() string {
	switch {
	case e.EntityID != "":
		return string(e.EntityType) + "-" + e.EntityID
	case e.Action != nil:
		return "action-" + e.Action.ID
	case e.Insight != nil:
		return "insight-" + e.Insight.ID
	case e.Workflow != nil:
		return "workflow-" + e.Workflow.ID
	}
	return string(e.EventType)
}

// MutationMessage is an upstream entity mutation received from the ingest topic
type MutationMessage struct {
	BaseEvent
	EntityType EntityType     `json:"entity_type"`
	Op         string         `json:"op"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}
