package service

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"insight-service/internal/clock"
	"insight-service/internal/models"
	"insight-service/internal/util"

	"go.uber.org/zap"
)

// Executor performs an action's external side effect (send an email, place
// a reorder, open a ticket). A nil error is the only success signal.
// Implementations must return promptly once ctx is done.
type Executor interface {
	Execute(ctx context.Context, action models.Action) error
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, action models.Action) error

func (f ExecutorFunc) Execute(ctx context.Context, action models.Action) error {
	return f(ctx, action)
}

// ErrSimulatedDecline is returned when the simulated executor rolls a failure
var ErrSimulatedDecline = errors.New("simulated executor declined the action")

// SimulatedExecutor stands in for real integrations. Outcomes come from a
// seeded RNG so a given seed always yields the same success/failure sequence.
type SimulatedExecutor struct {
	mu          sync.Mutex
	rng         *rand.Rand
	successRate float64
	latency     time.Duration
	clock       clock.Clock
	logger      *zap.Logger
}

// NewSimulatedExecutor creates a simulated executor
func NewSimulatedExecutor(c clock.Clock, seed int64, successRate float64, latency time.Duration, logger *zap.Logger) *SimulatedExecutor {
	if c == nil {
		c = clock.Real()
	}
	return &SimulatedExecutor{
		rng:         rand.New(rand.NewSource(seed)),
		successRate: successRate,
		latency:     latency,
		clock:       c,
		logger:      util.ComponentLogger(logger, "executor"),
	}
}

// Execute waits for the configured latency and then succeeds or declines
func (se *SimulatedExecutor) Execute(ctx context.Context, action models.Action) error {
	se.mu.Lock()
	success := se.rng.Float64() < se.successRate
	se.mu.Unlock()

	if se.latency > 0 {
		done, timer := clock.After(se.clock, se.latency)
		select {
		case <-done:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	if !success {
		se.logger.Warn("Simulated execution declined",
			zap.String("action_id", action.ID),
			zap.String("type", string(action.Type)))
		return ErrSimulatedDecline
	}

	se.logger.Info("Simulated execution succeeded",
		zap.String("action_id", action.ID),
		zap.String("type", string(action.Type)))
	return nil
}
