package store

import (
	"context"
	"sync"

	"insight-service/internal/models"
)

// LogFilter narrows an execution log listing. Empty fields match everything.
type LogFilter struct {
	ActionID   string
	WorkflowID string
}

func (f LogFilter) matches(entry models.ExecutionLog) bool {
	if f.ActionID != "" && entry.ActionID != f.ActionID {
		return false
	}
	if f.WorkflowID != "" && entry.WorkflowID != f.WorkflowID {
		return false
	}
	return true
}

// ExecutionLogRepository is the append-only audit trail of transition
// attempts. Entries are never updated or deleted.
type ExecutionLogRepository interface {
	Append(ctx context.Context, entry models.ExecutionLog) error
	List(ctx context.Context, filter LogFilter) ([]models.ExecutionLog, error)
}

// MemoryLog keeps the execution log in process memory
type MemoryLog struct {
	mu      sync.RWMutex
	entries []models.ExecutionLog
}

// NewMemoryLog creates an empty in-memory execution log
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Append adds an entry
func (l *MemoryLog) Append(ctx context.Context, entry models.ExecutionLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

// List returns matching entries in append order
func (l *MemoryLog) List(_ context.Context, filter LogFilter) ([]models.ExecutionLog, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.ExecutionLog, 0, len(l.entries))
	for _, e := range l.entries {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Len returns the number of entries
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
