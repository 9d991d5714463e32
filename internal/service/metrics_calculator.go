package service

import (
	"fmt"
	"time"

	"insight-service/internal/models"

	"github.com/shopspring/decimal"
)

// TimeRange is the look-back window for metrics
type TimeRange string

const (
	Range7d  TimeRange = "7d"
	Range30d TimeRange = "30d"
	Range90d TimeRange = "90d"
)

// HealthyChurnRisk is the churn risk below which a customer counts as healthy
const HealthyChurnRisk = 0.3

// ParseRange validates a range string. Empty defaults to 30d.
func ParseRange(s string) (TimeRange, error) {
	switch TimeRange(s) {
	case "":
		return Range30d, nil
	case Range7d, Range30d, Range90d:
		return TimeRange(s), nil
	}
	return "", models.NewValidationError("metrics", "range", fmt.Sprintf("must be one of [7d 30d 90d], got %q", s))
}

// Duration returns the length of the window
func (r TimeRange) Duration() time.Duration {
	switch r {
	case Range7d:
		return 7 * 24 * time.Hour
	case Range90d:
		return 90 * 24 * time.Hour
	}
	return 30 * 24 * time.Hour
}

// SystemMetrics is the derived view over a snapshot for one time range
type SystemMetrics struct {
	Range              TimeRange `json:"range"`
	TotalRevenue       float64   `json:"total_revenue"`
	TotalProfit        float64   `json:"total_profit"`
	ProfitMargin       float64   `json:"profit_margin"`
	RevenuePerCustomer float64   `json:"revenue_per_customer"`
	OrderCount         int       `json:"order_count"`
	CustomerCount      int       `json:"customer_count"`
	ActionCount        int       `json:"action_count"`
	ActionSuccessRate  float64   `json:"action_success_rate"`
	AvgConfidence      float64   `json:"avg_confidence"`
	HealthyCustomerPct float64   `json:"healthy_customer_pct"`
	SystemHealth       float64   `json:"system_health"`
	ComputedAt         time.Time `json:"computed_at"`
}

// MetricsCalculator derives SystemMetrics from a snapshot. It holds no state
// and never fails: empty inputs produce zero values.
type MetricsCalculator struct{}

// NewMetricsCalculator creates a metrics calculator
func NewMetricsCalculator() *MetricsCalculator {
	return &MetricsCalculator{}
}

// GetMetrics computes metrics for orders and actions created within r before now.
// Identical inputs always give identical output.
func (mc *MetricsCalculator) GetMetrics(snap *models.Snapshot, r TimeRange, now time.Time) SystemMetrics {
	m := SystemMetrics{Range: r, ComputedAt: now}
	if snap == nil {
		return m
	}
	since := now.Add(-r.Duration())

	costs := make(map[string]decimal.Decimal, len(snap.Products))
	for _, p := range snap.Products {
		costs[p.ID] = decimal.NewFromFloat(p.Cost)
	}

	revenue := decimal.Zero
	profit := decimal.Zero
	for _, o := range snap.Orders {
		if o.CreatedAt.Before(since) || o.Status == models.OrderStatusCancelled {
			continue
		}
		rev := decimal.NewFromFloat(o.Revenue)
		revenue = revenue.Add(rev)
		profit = profit.Add(rev.Sub(costs[o.ProductID].Mul(decimal.NewFromInt(int64(o.Quantity)))))
		m.OrderCount++
	}
	m.TotalRevenue = revenue.InexactFloat64()
	m.TotalProfit = profit.InexactFloat64()
	m.ProfitMargin = percent(profit, revenue)

	m.CustomerCount = len(snap.Customers)
	m.RevenuePerCustomer = ratio(revenue, decimal.NewFromInt(int64(m.CustomerCount)))

	healthy := 0
	for _, c := range snap.Customers {
		if c.ChurnRisk < HealthyChurnRisk {
			healthy++
		}
	}
	m.HealthyCustomerPct = percent(decimal.NewFromInt(int64(healthy)), decimal.NewFromInt(int64(m.CustomerCount)))

	executed := 0
	for _, a := range snap.Actions {
		if a.CreatedAt.Before(since) {
			continue
		}
		m.ActionCount++
		if a.Status == models.ActionStatusExecuted {
			executed++
		}
	}
	m.ActionSuccessRate = percent(decimal.NewFromInt(int64(executed)), decimal.NewFromInt(int64(m.ActionCount)))

	confidence := decimal.Zero
	for _, i := range snap.Insights {
		confidence = confidence.Add(decimal.NewFromFloat(i.Confidence))
	}
	m.AvgConfidence = ratio(confidence, decimal.NewFromInt(int64(len(snap.Insights))))

	m.SystemHealth = clamp(0.3*m.AvgConfidence+0.4*m.ActionSuccessRate+0.3*m.HealthyCustomerPct, 0, 100)
	return m
}

// ratio returns num/den, or 0 when den is zero
func ratio(num, den decimal.Decimal) float64 {
	if den.IsZero() {
		return 0
	}
	return num.DivRound(den, 4).InexactFloat64()
}

func percent(num, den decimal.Decimal) float64 {
	if den.IsZero() {
		return 0
	}
	return num.Mul(decimal.NewFromInt(100)).DivRound(den, 4).InexactFloat64()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
