package models

import (
	"math"
	"time"
)

// EntityType names a collection held by the entity store
type EntityType string

const (
	EntityTypeCustomer EntityType = "customer"
	EntityTypeProduct  EntityType = "product"
	EntityTypeOrder    EntityType = "order"
	EntityTypeWorkflow EntityType = "workflow"
)

// Valid reports whether t is a known entity type
func (t EntityType) Valid() bool {
	switch t {
	case EntityTypeCustomer, EntityTypeProduct, EntityTypeOrder, EntityTypeWorkflow:
		return true
	}
	return false
}

// Entity is implemented by every record the entity store holds
type Entity interface {
	EntityID() string
	EntityType() EntityType
}

// Customer represents a customer account
type Customer struct {
	ID              string    `json:"id" validate:"required"`
	Name            string    `json:"name"`
	Email           string    `json:"email,omitempty" validate:"omitempty,email"`
	LTV             float64   `json:"ltv" validate:"gte=0"`
	EngagementScore float64   `json:"engagement_score" validate:"gte=0,lte=100"`
	ChurnRisk       float64   `json:"churn_risk" validate:"gte=0,lte=1"`
	Segment         string    `json:"segment"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (c Customer) EntityID() string       { return c.ID }
func (c Customer) EntityType() EntityType { return EntityTypeCustomer }

// Product represents a product in the catalog
type Product struct {
	ID               string    `json:"id" validate:"required"`
	SKU              string    `json:"sku,omitempty"`
	Name             string    `json:"name"`
	Category         string    `json:"category,omitempty"`
	Price            float64   `json:"price" validate:"gt=0"`
	Cost             float64   `json:"cost" validate:"gte=0"`
	StockQuantity    int       `json:"stock_quantity" validate:"gte=0"`
	ReorderThreshold int       `json:"reorder_threshold" validate:"gte=0"`
	SalesVelocity    float64   `json:"sales_velocity" validate:"gte=0"`
	ProfitMargin     float64   `json:"profit_margin"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (p Product) EntityID() string       { return p.ID }
func (p Product) EntityType() EntityType { return EntityTypeProduct }

// ProfitMarginTolerance is the allowed drift, in percentage points, between
// a product's stored margin and the one implied by price and cost
const ProfitMarginTolerance = 0.5

// ExpectedProfitMargin returns (price-cost)/price*100, or 0 for a non-positive price
func (p Product) ExpectedProfitMargin() float64 {
	if p.Price <= 0 {
		return 0
	}
	return (p.Price - p.Cost) / p.Price * 100
}

// MarginConsistent reports whether the stored margin matches price and cost
func (p Product) MarginConsistent() bool {
	return math.Abs(p.ProfitMargin-p.ExpectedProfitMargin()) <= ProfitMarginTolerance
}

// Order represents a customer order for a single product
type Order struct {
	ID         string    `json:"id" validate:"required"`
	CustomerID string    `json:"customer_id" validate:"required"`
	ProductID  string    `json:"product_id" validate:"required"`
	Quantity   int       `json:"quantity" validate:"gt=0"`
	Revenue    float64   `json:"revenue" validate:"gte=0"`
	Status     string    `json:"status" validate:"omitempty,oneof=pending completed cancelled"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	// RevenueSet marks Revenue as given even when it is zero. Without it a
	// zero revenue is derived from the product price on insert.
	RevenueSet bool `json:"-"`
}

func (o Order) EntityID() string       { return o.ID }
func (o Order) EntityType() EntityType { return EntityTypeOrder }

// Order statuses
const (
	OrderStatusPending   = "pending"
	OrderStatusCompleted = "completed"
	OrderStatusCancelled = "cancelled"
)

// Snapshot is an immutable, point-in-time copy of all collections.
// Slices are sorted by id.
type Snapshot struct {
	Customers []Customer `json:"customers"`
	Products  []Product  `json:"products"`
	Orders    []Order    `json:"orders"`
	Workflows []Workflow `json:"workflows"`
	Actions   []Action   `json:"actions,omitempty"`
	Insights  []Insight  `json:"insights,omitempty"`
	Version   uint64     `json:"version"`
	TakenAt   time.Time  `json:"taken_at"`
}

// CustomerByID returns the customer with the given id
func (s *Snapshot) CustomerByID(id string) (Customer, bool) {
	for _, c := range s.Customers {
		if c.ID == id {
			return c, true
		}
	}
	return Customer{}, false
}

// ProductByID returns the product with the given id
func (s *Snapshot) ProductByID(id string) (Product, bool) {
	for _, p := range s.Products {
		if p.ID == id {
			return p, true
		}
	}
	return Product{}, false
}
