package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"insight-service/internal/clock"
	"insight-service/internal/models"
	"insight-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ScanResult reports what one scan produced
type ScanResult struct {
	New      []models.Insight
	Retained int
	// Retired counts live insights dropped because their condition no
	// longer holds or because a higher severity replaced them
	Retired  int
	Failures []*models.RuleEvaluationError
}

// InsightEngine runs the rule registry against snapshots and keeps the
// resulting insights until they expire
type InsightEngine struct {
	mu       sync.RWMutex
	rules    []Rule
	insights map[string]models.Insight
	byTarget map[string]string

	clock  clock.Clock
	logger *zap.Logger
}

// NewInsightEngine creates an insight engine. With no rules it uses DefaultRules.
func NewInsightEngine(c clock.Clock, logger *zap.Logger, rules ...Rule) *InsightEngine {
	if c == nil {
		c = clock.Real()
	}
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &InsightEngine{
		rules:    rules,
		insights: make(map[string]models.Insight),
		byTarget: make(map[string]string),
		clock:    c,
		logger:   util.ComponentLogger(logger, "insights"),
	}
}

// Scan evaluates every rule against snap. A failing rule contributes nothing
// and the remaining rules still run. A condition that already has a live
// insight keeps it instead of producing a duplicate, unless its severity rose.
// Live insights of a rule that evaluated cleanly but no longer reported their
// target are retired.
func (ie *InsightEngine) Scan(ctx context.Context, snap *models.Snapshot) ScanResult {
	_, span := util.StartSpan(ctx, "InsightEngine.Scan")
	defer span.End()

	start := time.Now()
	defer func() {
		util.InsightScanLatency.Observe(time.Since(start).Seconds())
	}()
	util.InsightScansTotal.Inc()

	now := ie.clock.Now()
	var result ScanResult

	for _, rule := range ie.rules {
		candidates, err := ie.evaluate(rule, snap, now)
		if err != nil {
			ruleErr := &models.RuleEvaluationError{RuleID: rule.ID(), Cause: err}
			result.Failures = append(result.Failures, ruleErr)
			util.InsightRuleFailuresTotal.WithLabelValues(rule.ID()).Inc()
			ie.logger.Warn("Insight rule failed", zap.String("rule", rule.ID()), zap.Error(err))
			continue
		}

		ie.mu.Lock()
		seen := make(map[string]bool, len(candidates))
		for _, c := range candidates {
			key := targetKey(rule.ID(), c.TargetEntity)
			seen[key] = true
			if id, ok := ie.byTarget[key]; ok {
				existing, live := ie.insights[id]
				if live && !existing.Expired(now) && c.Severity.Rank() <= existing.Severity.Rank() {
					result.Retained++
					continue
				}
				if live && !existing.Expired(now) {
					result.Retired++
					ie.logger.Info("Insight escalated",
						zap.String("insight_id", id),
						zap.String("from", string(existing.Severity)),
						zap.String("to", string(c.Severity)))
				}
				delete(ie.insights, id)
			}
			c.ID = uuid.New().String()
			c.RuleID = rule.ID()
			c.CreatedAt = now
			c.ExpiresAt = now.Add(rule.TTL())
			c.DecayFactor = 1
			ie.insights[c.ID] = c
			ie.byTarget[key] = c.ID
			result.New = append(result.New, c)
			util.InsightsGeneratedTotal.WithLabelValues(string(c.Type), string(c.Severity)).Inc()
		}
		result.Retired += ie.retireLocked(rule.ID(), seen, now)
		ie.mu.Unlock()
	}

	span.SetAttributes(
		attribute.Int("insights.new", len(result.New)),
		attribute.Int("insights.failed_rules", len(result.Failures)))
	ie.logger.Debug("Insight scan complete",
		zap.Int("new", len(result.New)),
		zap.Int("retained", result.Retained),
		zap.Int("retired", result.Retired),
		zap.Int("failed_rules", len(result.Failures)))
	return result
}

// retireLocked drops the live insights of ruleID whose target was not in seen
func (ie *InsightEngine) retireLocked(ruleID string, seen map[string]bool, now time.Time) int {
	retired := 0
	for key, id := range ie.byTarget {
		i, ok := ie.insights[id]
		if !ok || i.RuleID != ruleID || seen[key] {
			continue
		}
		delete(ie.byTarget, key)
		delete(ie.insights, id)
		if !i.Expired(now) {
			retired++
			ie.logger.Info("Insight retired",
				zap.String("insight_id", id),
				zap.String("rule", ruleID),
				zap.String("target", i.TargetEntity.ID))
		}
	}
	return retired
}

// evaluate runs one rule, turning panics and malformed candidates into errors
func (ie *InsightEngine) evaluate(rule Rule, snap *models.Snapshot, now time.Time) (candidates []models.Insight, err error) {
	defer func() {
		if r := recover(); r != nil {
			candidates = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if snap == nil {
		return nil, errors.New("nil snapshot")
	}
	if rule.TTL() <= 0 {
		return nil, fmt.Errorf("non-positive ttl %s", rule.TTL())
	}

	candidates, err = rule.Evaluate(snap, now)
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		if err := checkCandidate(c); err != nil {
			return nil, err
		}
	}
	return candidates, nil
}

func checkCandidate(c models.Insight) error {
	if math.IsNaN(c.Confidence) || c.Confidence < 0 || c.Confidence > 100 {
		return fmt.Errorf("confidence %v out of range for %s", c.Confidence, c.TargetEntity.ID)
	}
	if math.IsNaN(c.BusinessImpact) || c.BusinessImpact < 0 {
		return fmt.Errorf("negative business impact %v for %s", c.BusinessImpact, c.TargetEntity.ID)
	}
	if c.TargetEntity.ID == "" || !c.TargetEntity.Type.Valid() {
		return errors.New("candidate without a target entity")
	}
	total := 0.0
	for _, f := range c.ReasonBreakdown {
		if f.Weight < 0 {
			return fmt.Errorf("negative weight for factor %s", f.Factor)
		}
		total += f.Weight
	}
	if total > 1+1e-9 {
		return fmt.Errorf("reason weights sum to %.3f", total)
	}
	return nil
}

// List returns live insights ranked by confidence × impact, highest first.
// Ties go to the earliest created_at. Expired insights are never returned.
func (ie *InsightEngine) List() []models.Insight {
	now := ie.clock.Now()

	ie.mu.RLock()
	out := make([]models.Insight, 0, len(ie.insights))
	for _, i := range ie.insights {
		if i.Expired(now) {
			continue
		}
		out = append(out, withDecay(i, now))
	}
	ie.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		sa, sb := out[a].Score(), out[b].Score()
		if sa != sb {
			return sa > sb
		}
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// Get returns a live insight by id
func (ie *InsightEngine) Get(id string) (models.Insight, error) {
	now := ie.clock.Now()

	ie.mu.RLock()
	defer ie.mu.RUnlock()

	i, ok := ie.insights[id]
	if !ok || i.Expired(now) {
		return models.Insight{}, &models.NotFoundError{Kind: "insight", ID: id}
	}
	return withDecay(i, now), nil
}

// Evict drops expired insights and returns how many were removed
func (ie *InsightEngine) Evict() int {
	now := ie.clock.Now()

	ie.mu.Lock()
	defer ie.mu.Unlock()

	evicted := 0
	for id, i := range ie.insights {
		if !i.Expired(now) {
			continue
		}
		delete(ie.insights, id)
		key := targetKey(i.RuleID, i.TargetEntity)
		if ie.byTarget[key] == id {
			delete(ie.byTarget, key)
		}
		evicted++
	}
	if evicted > 0 {
		ie.logger.Debug("Evicted expired insights", zap.Int("count", evicted))
	}
	return evicted
}

// Len returns the number of stored insights, expired ones included
func (ie *InsightEngine) Len() int {
	ie.mu.RLock()
	defer ie.mu.RUnlock()
	return len(ie.insights)
}

// withDecay sets DecayFactor to the fraction of lifetime remaining at now
func withDecay(i models.Insight, now time.Time) models.Insight {
	ttl := i.ExpiresAt.Sub(i.CreatedAt)
	if ttl <= 0 {
		i.DecayFactor = 0
		return i
	}
	i.DecayFactor = clamp(float64(i.ExpiresAt.Sub(now))/float64(ttl), 0, 1)
	if len(i.ReasonBreakdown) > 0 {
		i.ReasonBreakdown = append([]models.ReasonFactor(nil), i.ReasonBreakdown...)
	}
	return i
}

func targetKey(ruleID string, ref models.EntityRef) string {
	return ruleID + "|" + string(ref.Type) + ":" + ref.ID
}
