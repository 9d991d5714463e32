package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"insight-service/internal/clock"
	"insight-service/internal/models"
	"insight-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// KeyStore holds the unread notification for each (type, target) key
type KeyStore interface {
	// Reserve stores n under key if the key is free. When it is taken the
	// notification already holding it is returned with false.
	Reserve(ctx context.Context, key string, n models.Notification) (models.Notification, bool, error)
	Release(ctx context.Context, key string) error
}

// MemoryKeyStore is an in-process KeyStore
type MemoryKeyStore struct {
	mu   sync.Mutex
	keys map[string]models.Notification
}

// NewMemoryKeyStore creates an empty key store
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]models.Notification)}
}

func (m *MemoryKeyStore) Reserve(_ context.Context, key string, n models.Notification) (models.Notification, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if holder, taken := m.keys[key]; taken {
		return holder, false, nil
	}
	m.keys[key] = n
	return n, true, nil
}

func (m *MemoryKeyStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

// NotificationService turns bus events into user-facing notifications.
// While a notification is unread, further triggers with the same
// (type, target) key are suppressed.
type NotificationService struct {
	mu    sync.Mutex
	items map[string]models.Notification

	keys   KeyStore
	clock  clock.Clock
	logger *zap.Logger
}

// NewNotificationService creates a notification service. A nil key store
// falls back to an in-memory one.
func NewNotificationService(keys KeyStore, c clock.Clock, logger *zap.Logger) *NotificationService {
	if keys == nil {
		keys = NewMemoryKeyStore()
	}
	if c == nil {
		c = clock.Real()
	}
	return &NotificationService{
		items:  make(map[string]models.Notification),
		keys:   keys,
		clock:  c,
		logger: util.ComponentLogger(logger, "notifications"),
	}
}

// HandleEvents is an event bus handler
func (ns *NotificationService) HandleEvents(events []models.Event) {
	ctx := context.Background()
	for _, e := range events {
		n, ok := notificationFor(e)
		if !ok {
			continue
		}
		if _, _, err := ns.Notify(ctx, n); err != nil {
			ns.logger.Error("Failed to create notification",
				zap.String("type", n.Type),
				zap.String("target", n.TargetEntityID),
				zap.Error(err))
		}
	}
}

// Notify stores n unless an unread notification with the same key exists.
// It returns the stored or suppressing notification and whether n was created.
// A suppressing notification this instance has not seen, such as one written
// before a restart, is adopted so it can be listed, read and removed.
func (ns *NotificationService) Notify(ctx context.Context, n models.Notification) (models.Notification, bool, error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	n.ID = uuid.New().String()
	n.Read = false
	n.CreatedAt = ns.clock.Now()

	key := n.Key()
	holder, reserved, err := ns.keys.Reserve(ctx, key, n)
	if err != nil {
		return models.Notification{}, false, fmt.Errorf("failed to reserve notification key %s: %w", key, err)
	}
	if !reserved {
		util.NotificationsSuppressedTotal.WithLabelValues(n.Type).Inc()
		if _, known := ns.items[holder.ID]; !known {
			holder.Read = false
			ns.items[holder.ID] = holder
			ns.logger.Info("Adopted stored notification", zap.String("id", holder.ID), zap.String("key", key))
		}
		ns.logger.Debug("Notification suppressed", zap.String("key", key))
		return ns.items[holder.ID], false, nil
	}

	ns.items[n.ID] = n

	util.NotificationsCreatedTotal.WithLabelValues(n.Type).Inc()
	ns.logger.Info("Notification created",
		zap.String("id", n.ID),
		zap.String("type", n.Type),
		zap.String("target", n.TargetEntityID))
	return n, true, nil
}

// List returns notifications newest first
func (ns *NotificationService) List(unreadOnly bool) []models.Notification {
	ns.mu.Lock()
	out := make([]models.Notification, 0, len(ns.items))
	for _, n := range ns.items {
		if unreadOnly && n.Read {
			continue
		}
		out = append(out, n)
	}
	ns.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MarkRead marks a notification read and frees its key
func (ns *NotificationService) MarkRead(ctx context.Context, id string) (models.Notification, error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	n, ok := ns.items[id]
	if !ok {
		return models.Notification{}, &models.NotFoundError{Kind: "notification", ID: id}
	}
	if n.Read {
		return n, nil
	}
	if err := ns.keys.Release(ctx, n.Key()); err != nil {
		return n, fmt.Errorf("failed to release notification key: %w", err)
	}
	n.Read = true
	ns.items[id] = n
	return n, nil
}

// Remove deletes a notification, freeing its key if it was unread
func (ns *NotificationService) Remove(ctx context.Context, id string) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	n, ok := ns.items[id]
	if !ok {
		return &models.NotFoundError{Kind: "notification", ID: id}
	}
	if !n.Read {
		if err := ns.keys.Release(ctx, n.Key()); err != nil {
			return fmt.Errorf("failed to release notification key: %w", err)
		}
	}
	delete(ns.items, id)
	return nil
}

// notificationFor maps a bus event to the notification it should raise
func notificationFor(e models.Event) (models.Notification, bool) {
	switch e.EventType {
	case models.EventTypeInsightDetected:
		if e.Insight == nil {
			return models.Notification{}, false
		}
		return models.Notification{
			Type:           models.NotificationInsightDetected,
			TargetEntityID: e.Insight.TargetEntity.ID,
			Severity:       e.Insight.Severity,
			Title:          e.Insight.Title,
			Message:        e.Insight.Description,
		}, true

	case models.EventTypeActionExecuted, models.EventTypeActionFailed:
		if e.Action == nil {
			return models.Notification{}, false
		}
		n := models.Notification{
			Type:           models.NotificationActionExecuted,
			TargetEntityID: e.Action.TargetEntity.ID,
			Title:          fmt.Sprintf("Action %s executed", e.Action.Type),
			Message:        e.Action.GeneratedContent,
		}
		if e.EventType == models.EventTypeActionFailed {
			n.Type = models.NotificationActionFailed
			n.Title = fmt.Sprintf("Action %s failed", e.Action.Type)
			if e.Log != nil {
				n.Message = e.Log.Message
			}
		}
		return n, true

	case models.EventTypeWorkflowTriggered:
		if e.Workflow == nil {
			return models.Notification{}, false
		}
		n := models.Notification{
			Type:           models.NotificationWorkflowTriggered,
			TargetEntityID: e.Workflow.ID,
			Title:          fmt.Sprintf("Workflow %q triggered", e.Workflow.Name),
		}
		if e.Log != nil {
			n.Message = e.Log.Message
		}
		return n, true
	}
	return models.Notification{}, false
}
