package service

import (
	"context"
	"fmt"
	"math"

	"insight-service/internal/models"
	"insight-service/internal/store"
	"insight-service/internal/util"

	"go.uber.org/zap"
)

// Compensator applies the entity update that resolves the condition an
// executed action addressed, so the next scan does not re-flag it at once
type Compensator interface {
	Compensate(ctx context.Context, action models.Action) error
}

// Compensation tuning
const (
	RetentionEngagementBoost = 20
	RetentionChurnFactor     = 0.6
	ReorderCoverDays         = 7
)

// StoreCompensator writes compensating updates through the entity store
type StoreCompensator struct {
	store  *store.Store
	logger *zap.Logger
}

// NewStoreCompensator creates a store-backed compensator
func NewStoreCompensator(s *store.Store, logger *zap.Logger) *StoreCompensator {
	return &StoreCompensator{
		store:  s,
		logger: util.ComponentLogger(logger, "compensator"),
	}
}

// Compensate updates the action's target entity. Action types without a
// compensating update are ignored.
func (sc *StoreCompensator) Compensate(ctx context.Context, action models.Action) error {
	ctx, span := util.StartSpan(ctx, "StoreCompensator.Compensate")
	defer span.End()

	var fn store.ModifyFunc
	switch action.Type {
	case models.ActionTypeRetentionOffer:
		fn = func(cur models.Entity) (map[string]any, error) {
			c, ok := cur.(models.Customer)
			if !ok {
				return nil, fmt.Errorf("retention offer target %s is a %s", action.TargetEntity.ID, cur.EntityType())
			}
			return map[string]any{
				"engagement_score": math.Min(100, c.EngagementScore+RetentionEngagementBoost),
				"churn_risk":       math.Round(c.ChurnRisk*RetentionChurnFactor*1e4) / 1e4,
			}, nil
		}
	case models.ActionTypeReorderStock:
		fn = func(cur models.Entity) (map[string]any, error) {
			p, ok := cur.(models.Product)
			if !ok {
				return nil, fmt.Errorf("reorder target %s is a %s", action.TargetEntity.ID, cur.EntityType())
			}
			target := p.ReorderThreshold + int(math.Ceil(p.SalesVelocity*ReorderCoverDays))
			if target <= p.StockQuantity {
				target = p.StockQuantity + 1
			}
			return map[string]any{"stock_quantity": target}, nil
		}
	default:
		sc.logger.Debug("No compensating update for action type", zap.String("type", string(action.Type)))
		return nil
	}

	if _, err := sc.store.Modify(ctx, action.TargetEntity.Type, action.TargetEntity.ID, fn); err != nil {
		return fmt.Errorf("failed to compensate %s %s: %w", action.TargetEntity.Type, action.TargetEntity.ID, err)
	}

	sc.logger.Info("Compensating update applied",
		zap.String("action_id", action.ID),
		zap.String("type", string(action.Type)),
		zap.String("target", action.TargetEntity.ID))
	return nil
}
