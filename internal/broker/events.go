package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"insight-service/internal/models"
	"insight-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// DefaultPublishTimeout bounds one batch of writes to Kafka
const DefaultPublishTimeout = 5 * time.Second

// EventWriter writes one keyed event to the outbound topic. *Producer implements it.
type EventWriter interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher forwards domain events from the event bus to Kafka
type EventPublisher struct {
	writer  EventWriter
	timeout time.Duration
	logger  *zap.Logger
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(writer EventWriter, logger *zap.Logger) *EventPublisher {
	return &EventPublisher{
		writer:  writer,
		timeout: DefaultPublishTimeout,
		logger:  util.ComponentLogger(logger, "event_publisher"),
	}
}

// HandleEvents is an event bus handler. Events are written in delivery order,
// keyed by their subject so one entity's events stay on one partition. A
// failed write is logged and the rest of the batch still goes out.
func (ep *EventPublisher) HandleEvents(events []models.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), ep.timeout)
	defer cancel()

	for _, e := range events {
		if err := ep.writer.PublishEvent(ctx, e.Key(), e); err != nil {
			util.BrokerEventsPublishedTotal.WithLabelValues(string(e.EventType), "failure").Inc()
			ep.logger.Warn("Failed to forward event",
				zap.String("event_id", e.EventID),
				zap.String("event_type", string(e.EventType)),
				zap.Error(err),
			)
			continue
		}
		util.BrokerEventsPublishedTotal.WithLabelValues(string(e.EventType), "success").Inc()
	}
}

// EntityMutator applies upstream entity mutations
type EntityMutator interface {
	AddEntity(ctx context.Context, entity models.Entity) (models.Entity, error)
	UpdateEntity(ctx context.Context, t models.EntityType, id string, updates map[string]any) (models.Entity, error)
	DeleteEntity(ctx context.Context, t models.EntityType, id string) error
}

// EventHandler applies mutation messages from the ingest topic
type EventHandler struct {
	mutator EntityMutator
	logger  *zap.Logger
}

// NewEventHandler creates a new ingest handler
func NewEventHandler(mutator EntityMutator, logger *zap.Logger) *EventHandler {
	return &EventHandler{mutator: mutator, logger: util.ComponentLogger(logger, "ingest_handler")}
}

// HandleMessage decodes and applies one mutation. Messages that can never
// succeed (malformed JSON, validation failures, unknown ids) are logged and
// acknowledged so they do not block the partition; any other error is
// returned and the message is left uncommitted.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var m models.MutationMessage
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		util.IngestMessagesTotal.WithLabelValues("unknown", "malformed").Inc()
		eh.logger.Warn("Dropping malformed mutation message",
			zap.String("key", string(msg.Key)),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		return nil
	}

	eh.logger.Debug("Handling mutation",
		zap.String("event_id", m.EventID),
		zap.String("entity_type", string(m.EntityType)),
		zap.String("op", m.Op),
		zap.String("entity_id", m.EntityID),
	)

	err := eh.apply(ctx, m)
	switch {
	case err == nil:
		util.IngestMessagesTotal.WithLabelValues(m.Op, "applied").Inc()
		return nil
	case models.IsValidation(err), models.IsNotFound(err), models.IsIllegalTransition(err):
		util.IngestMessagesTotal.WithLabelValues(m.Op, "rejected").Inc()
		eh.logger.Warn("Rejected mutation",
			zap.String("event_id", m.EventID),
			zap.String("entity_type", string(m.EntityType)),
			zap.String("entity_id", m.EntityID),
			zap.Error(err),
		)
		return nil
	default:
		util.IngestMessagesTotal.WithLabelValues(m.Op, "error").Inc()
		return fmt.Errorf("failed to apply %s %s: %w", m.Op, m.EntityType, err)
	}
}

func (eh *EventHandler) apply(ctx context.Context, m models.MutationMessage) error {
	if !m.EntityType.Valid() {
		return models.NewValidationError(m.EntityType, "entity_type", fmt.Sprintf("unknown entity type %q", m.EntityType))
	}

	switch m.Op {
	case models.OpAdd:
		raw, err := json.Marshal(m.Payload)
		if err != nil {
			return models.NewValidationError(m.EntityType, "payload", err.Error())
		}
		entity, err := models.DecodeEntity(m.EntityType, raw)
		if err != nil {
			return err
		}
		_, err = eh.mutator.AddEntity(ctx, entity)
		return err

	case models.OpUpdate:
		if m.EntityID == "" {
			return models.NewValidationError(m.EntityType, "entity_id", "is required")
		}
		_, err := eh.mutator.UpdateEntity(ctx, m.EntityType, m.EntityID, m.Payload)
		return err

	case models.OpDelete:
		if m.EntityID == "" {
			return models.NewValidationError(m.EntityType, "entity_id", "is required")
		}
		return eh.mutator.DeleteEntity(ctx, m.EntityType, m.EntityID)
	}

	return models.NewValidationError(m.EntityType, "op", fmt.Sprintf("unknown op %q", m.Op))
}
