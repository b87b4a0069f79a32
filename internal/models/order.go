package models

import (
	"time"

	"github.com/uptrace/bun"
)

type OrderStatus string

const (
	OrderDraft      OrderStatus = "draft"
	OrderPending    OrderStatus = "pending"
	OrderPaid       OrderStatus = "paid"
	OrderFailed     OrderStatus = "failed"
	OrderCancelled  OrderStatus = "cancelled"
	OrderOverbooked OrderStatus = "overbooked"
	OrderRefunded   OrderStatus = "refunded"
)

type Order struct {
	bun.BaseModel `bun:"table:orders"`

	OrderID        string            `bun:"order_id,pk" json:"order_id"`
	EventID        string            `bun:"event_id,notnull" json:"event_id"`
	Status         OrderStatus       `bun:"status,notnull" json:"status"`
	Subtotal       float64           `bun:"subtotal" json:"subtotal"`
	Discount       float64           `bun:"discount" json:"discount"`
	Total          float64           `bun:"total" json:"total"`
	PurchaserEmail string            `bun:"purchaser_email,notnull" json:"purchaser_email"`
	PurchaserName  string            `bun:"purchaser_name" json:"purchaser_name"`
	AccountID      string            `bun:"account_id,nullzero" json:"account_id,omitempty"`
	PaymentRef     string            `bun:"payment_ref,nullzero" json:"payment_ref,omitempty"`
	Metadata       map[string]string `bun:"metadata,type:jsonb,nullzero" json:"metadata,omitempty"`
	CreatedAt      time.Time         `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt      time.Time         `bun:"updated_at,nullzero" json:"updated_at,omitempty"`

	Lines []OrderLine `bun:"rel:has-many,join:order_id=order_id" json:"lines,omitempty"`
}

// Terminal reports whether no further status transition is legal, with the
// single exception that a paid order may still move to refunded.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFailed, OrderCancelled, OrderOverbooked, OrderRefunded:
		return true
	}
	return false
}

// OrderLine is one row of a purchase: a ticket type and a quantity.
type OrderLine struct {
	bun.BaseModel `bun:"table:order_lines"`

	LineID       string  `bun:"line_id,pk" json:"line_id"`
	OrderID      string  `bun:"order_id,notnull" json:"order_id"`
	TicketTypeID string  `bun:"ticket_type_id,notnull" json:"ticket_type_id"`
	Quantity     int     `bun:"quantity,notnull" json:"quantity"`
	UnitPrice    float64 `bun:"unit_price" json:"unit_price"`
}
