package service

import (
	"fmt"
	"math"
	"time"

	"insight-service/internal/models"
)

// Rule is one insight detector. Evaluate returns candidate insights; the
// engine assigns ids, timestamps and expiry.
type Rule interface {
	ID() string
	TTL() time.Duration
	Evaluate(snap *models.Snapshot, now time.Time) ([]models.Insight, error)
}

// Rule identifiers
const (
	RuleChurnRiskThreshold    = "churn-risk-threshold"
	RuleInventoryBelowReorder = "inventory-below-reorder"
	RuleHighOrderValue        = "high-order-value"
	RuleLowMargin             = "low-margin"
)

// DefaultRules returns the built-in rule registry
func DefaultRules() []Rule {
	return []Rule{
		ChurnRiskRule{Threshold: 0.7},
		InventoryRule{},
		HighOrderValueRule{Window: 7 * 24 * time.Hour, Multiplier: 3, MinOrders: 3},
		LowMarginRule{TargetMargin: 15},
	}
}

// ChurnRiskRule flags customers whose churn risk reaches Threshold
type ChurnRiskRule struct {
	Threshold float64
}

func (r ChurnRiskRule) ID() string         { return RuleChurnRiskThreshold }
func (r ChurnRiskRule) TTL() time.Duration { return 72 * time.Hour }

func (r ChurnRiskRule) Evaluate(snap *models.Snapshot, now time.Time) ([]models.Insight, error) {
	var out []models.Insight
	for _, c := range snap.Customers {
		if math.IsNaN(c.ChurnRisk) || math.IsNaN(c.EngagementScore) {
			return nil, fmt.Errorf("customer %s has non-numeric scores", c.ID)
		}
		if c.ChurnRisk < r.Threshold {
			continue
		}

		disengagement := 1 - c.EngagementScore/100
		confidence := clamp(100*(0.6*c.ChurnRisk+0.4*disengagement), 0, 100)

		severity := models.SeverityMedium
		switch {
		case c.ChurnRisk >= 0.9:
			severity = models.SeverityCritical
		case c.ChurnRisk >= 0.8:
			severity = models.SeverityHigh
		}

		current, previous := customerOrders(snap, c.ID, now, 30*24*time.Hour)

		out = append(out, models.Insight{
			Type:           models.InsightTypeChurnRisk,
			Severity:       severity,
			Title:          fmt.Sprintf("Customer %s is at risk of churning", displayName(c.Name, c.ID)),
			Description:    fmt.Sprintf("Churn risk %.0f%% with engagement %.0f/100. Lifetime value at stake: %.2f.", c.ChurnRisk*100, c.EngagementScore, c.LTV),
			Confidence:     confidence,
			BusinessImpact: c.LTV * c.ChurnRisk,
			ReasonBreakdown: []models.ReasonFactor{
				{Factor: "churn_risk", Weight: 0.6, Detail: fmt.Sprintf("churn risk %.2f is at or above %.2f", c.ChurnRisk, r.Threshold)},
				{Factor: "engagement", Weight: 0.4, Detail: fmt.Sprintf("engagement score %.0f", c.EngagementScore)},
			},
			TrendData:    trend(current, previous),
			TargetEntity: models.EntityRef{Type: models.EntityTypeCustomer, ID: c.ID},
		})
	}
	return out, nil
}

// InventoryRule flags products whose stock has fallen below the reorder threshold
type InventoryRule struct{}

func (InventoryRule) ID() string         { return RuleInventoryBelowReorder }
func (InventoryRule) TTL() time.Duration { return 24 * time.Hour }

func (InventoryRule) Evaluate(snap *models.Snapshot, now time.Time) ([]models.Insight, error) {
	var out []models.Insight
	for _, p := range snap.Products {
		if p.ReorderThreshold <= 0 || p.StockQuantity >= p.ReorderThreshold {
			continue
		}
		if p.StockQuantity < 0 {
			return nil, fmt.Errorf("product %s has negative stock %d", p.ID, p.StockQuantity)
		}

		fill := float64(p.StockQuantity) / float64(p.ReorderThreshold)
		confidence := 50 + 50*(1-fill)

		severity := models.SeverityMedium
		switch {
		case p.StockQuantity == 0:
			severity = models.SeverityCritical
		case float64(p.StockQuantity) < float64(p.ReorderThreshold)/2:
			severity = models.SeverityHigh
		}

		current, previous := unitsSold(snap, p.ID, now, 7*24*time.Hour)
		daysLeft := "unknown"
		if p.SalesVelocity > 0 {
			daysLeft = fmt.Sprintf("%.1f", float64(p.StockQuantity)/p.SalesVelocity)
		}

		out = append(out, models.Insight{
			Type:           models.InsightTypeInventoryShortage,
			Severity:       severity,
			Title:          fmt.Sprintf("%s is below its reorder threshold", displayName(p.Name, p.ID)),
			Description:    fmt.Sprintf("%d units left against a threshold of %d; about %s days of cover at current velocity.", p.StockQuantity, p.ReorderThreshold, daysLeft),
			Confidence:     confidence,
			BusinessImpact: p.Price * p.SalesVelocity * 7,
			ReasonBreakdown: []models.ReasonFactor{
				{Factor: "stock_gap", Weight: 0.6, Detail: fmt.Sprintf("stock %d < threshold %d", p.StockQuantity, p.ReorderThreshold)},
				{Factor: "sales_velocity", Weight: 0.4, Detail: fmt.Sprintf("%.1f units per day", p.SalesVelocity)},
			},
			TrendData:    trend(current, previous),
			TargetEntity: models.EntityRef{Type: models.EntityTypeProduct, ID: p.ID},
		})
	}
	return out, nil
}

// HighOrderValueRule flags recent orders whose revenue is at least Multiplier
// times the mean of the other orders in the window
type HighOrderValueRule struct {
	Window     time.Duration
	Multiplier float64
	MinOrders  int
}

func (r HighOrderValueRule) ID() string         { return RuleHighOrderValue }
func (r HighOrderValueRule) TTL() time.Duration { return 48 * time.Hour }

func (r HighOrderValueRule) Evaluate(snap *models.Snapshot, now time.Time) ([]models.Insight, error) {
	since := now.Add(-r.Window)
	var recent []models.Order
	total := 0.0
	for _, o := range snap.Orders {
		if o.CreatedAt.Before(since) || o.Status == models.OrderStatusCancelled {
			continue
		}
		recent = append(recent, o)
		total += o.Revenue
	}
	if len(recent) < r.MinOrders {
		return nil, nil
	}

	var out []models.Insight
	for _, o := range recent {
		baseline := (total - o.Revenue) / float64(len(recent)-1)
		if baseline <= 0 || o.Revenue < r.Multiplier*baseline {
			continue
		}
		multiple := o.Revenue / baseline

		severity := models.SeverityMedium
		switch {
		case multiple >= 10:
			severity = models.SeverityCritical
		case multiple >= 5:
			severity = models.SeverityHigh
		}

		out = append(out, models.Insight{
			Type:           models.InsightTypeHighValueOrder,
			Severity:       severity,
			Title:          fmt.Sprintf("Order %s is %.1fx the recent average", o.ID, multiple),
			Description:    fmt.Sprintf("Revenue %.2f against a %.2f baseline from %d other orders.", o.Revenue, baseline, len(recent)-1),
			Confidence:     math.Min(95, 50+10*multiple),
			BusinessImpact: o.Revenue,
			ReasonBreakdown: []models.ReasonFactor{
				{Factor: "order_multiple", Weight: 0.7, Detail: fmt.Sprintf("%.1fx baseline", multiple)},
				{Factor: "sample_size", Weight: 0.3, Detail: fmt.Sprintf("%d orders in window", len(recent))},
			},
			TrendData:    trend(o.Revenue, baseline),
			TargetEntity: models.EntityRef{Type: models.EntityTypeOrder, ID: o.ID},
		})
	}
	return out, nil
}

// LowMarginRule flags selling products whose margin is under TargetMargin percent
type LowMarginRule struct {
	TargetMargin float64
}

func (r LowMarginRule) ID() string         { return RuleLowMargin }
func (r LowMarginRule) TTL() time.Duration { return 7 * 24 * time.Hour }

func (r LowMarginRule) Evaluate(snap *models.Snapshot, _ time.Time) ([]models.Insight, error) {
	var out []models.Insight
	for _, p := range snap.Products {
		if p.SalesVelocity <= 0 {
			continue
		}
		margin := p.ExpectedProfitMargin()
		if margin >= r.TargetMargin {
			continue
		}
		gap := r.TargetMargin - margin

		severity := models.SeverityMedium
		switch {
		case margin < 0:
			severity = models.SeverityCritical
		case margin < r.TargetMargin/3:
			severity = models.SeverityHigh
		}

		out = append(out, models.Insight{
			Type:           models.InsightTypeLowMargin,
			Severity:       severity,
			Title:          fmt.Sprintf("%s sells at a %.1f%% margin", displayName(p.Name, p.ID), margin),
			Description:    fmt.Sprintf("Margin is %.1f points under the %.0f%% target.", gap, r.TargetMargin),
			Confidence:     math.Min(95, 60+2*gap),
			BusinessImpact: p.Price * p.SalesVelocity * 30 * gap / 100,
			ReasonBreakdown: []models.ReasonFactor{
				{Factor: "margin_gap", Weight: 0.8, Detail: fmt.Sprintf("%.1f%% vs %.0f%% target", margin, r.TargetMargin)},
				{Factor: "sales_velocity", Weight: 0.2, Detail: fmt.Sprintf("%.1f units per day", p.SalesVelocity)},
			},
			TrendData:    trend(margin, r.TargetMargin),
			TargetEntity: models.EntityRef{Type: models.EntityTypeProduct, ID: p.ID},
		})
	}
	return out, nil
}

// customerOrders counts a customer's orders in the last period and the one before
func customerOrders(snap *models.Snapshot, customerID string, now time.Time, period time.Duration) (current, previous float64) {
	for _, o := range snap.Orders {
		if o.CustomerID != customerID || o.Status == models.OrderStatusCancelled {
			continue
		}
		switch age := now.Sub(o.CreatedAt); {
		case age < 0:
		case age < period:
			current++
		case age < 2*period:
			previous++
		}
	}
	return current, previous
}

// unitsSold sums a product's ordered quantity in the last period and the one before
func unitsSold(snap *models.Snapshot, productID string, now time.Time, period time.Duration) (current, previous float64) {
	for _, o := range snap.Orders {
		if o.ProductID != productID || o.Status == models.OrderStatusCancelled {
			continue
		}
		switch age := now.Sub(o.CreatedAt); {
		case age < 0:
		case age < period:
			current += float64(o.Quantity)
		case age < 2*period:
			previous += float64(o.Quantity)
		}
	}
	return current, previous
}

func trend(current, previous float64) models.TrendData {
	direction := models.TrendStable
	switch {
	case current > previous:
		direction = models.TrendUp
	case current < previous:
		direction = models.TrendDown
	}
	return models.TrendData{Current: current, Previous: previous, Direction: direction}
}

func displayName(name, id string) string {
	if name != "" {
		return name
	}
	return id
}
