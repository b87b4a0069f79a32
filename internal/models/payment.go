package models

import (
	"time"

	"github.com/uptrace/bun"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentPaid      PaymentStatus = "paid"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
	PaymentRefunded  PaymentStatus = "refunded"
)

// PaymentEvent is the append-only idempotency record for inbound payment
// notifications. The unique (provider, provider_event_id) pair guards
// against double-processing of retried webhooks: the first insert wins and
// stores the computed outcome, later deliveries replay that outcome.
type PaymentEvent struct {
	bun.BaseModel `bun:"table:payment_events"`

	EventID         int64         `bun:"id,pk,autoincrement" json:"id"`
	Provider        string        `bun:"provider,notnull,unique:payment_events_provider_event" json:"provider"`
	ProviderEventID string        `bun:"provider_event_id,notnull,unique:payment_events_provider_event" json:"provider_event_id"`
	PaymentRef      string        `bun:"payment_ref,notnull" json:"payment_ref"`
	Status          PaymentStatus `bun:"status,notnull" json:"status"`
	Amount          float64       `bun:"amount" json:"amount"`
	Currency        string        `bun:"currency" json:"currency"`
	OrderID         string        `bun:"order_id,nullzero" json:"order_id,omitempty"`
	ResultPaid      bool          `bun:"result_paid" json:"result_paid"`
	ResultIssued    int           `bun:"result_issued" json:"result_issued"`
	ResultOverbook  bool          `bun:"result_overbooked" json:"result_overbooked"`
	ReceivedAt      time.Time     `bun:"received_at,notnull" json:"received_at"`
}

// PaymentOutcome is what ApplyPaymentEvent returns. For a replayed
// (provider, provider_event_id) pair it is reconstructed from the stored
// PaymentEvent row, unchanged.
type PaymentOutcome struct {
	Paid          bool   `json:"paid"`
	TicketsIssued int    `json:"tickets_issued"`
	Overbooked    bool   `json:"overbooked"`
	OrderID       string `json:"order_id"`
	Replayed      bool   `json:"replayed"`
}
