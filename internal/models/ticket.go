package models

import (
	"time"

	"github.com/uptrace/bun"
)

type TicketTypeStatus string

const (
	TicketTypeDraft    TicketTypeStatus = "draft"
	TicketTypeOnSale   TicketTypeStatus = "on_sale"
	TicketTypeClosed   TicketTypeStatus = "closed"
	TicketTypeArchived TicketTypeStatus = "archived"
)

// TicketType carries the capacity the gate enforces. Effectively immutable
// once sales begin except by privileged edit.
type TicketType struct {
	bun.BaseModel `bun:"table:ticket_types"`

	TicketTypeID  string           `bun:"ticket_type_id,pk" json:"ticket_type_id"`
	EventID       string           `bun:"event_id,notnull" json:"event_id"`
	Name          string           `bun:"name,notnull" json:"name"`
	CapacityTotal int              `bun:"capacity_total,notnull" json:"capacity_total"`
	Price         float64          `bun:"price" json:"price"`
	SalesOpenAt   time.Time        `bun:"sales_open_at,nullzero" json:"sales_open_at,omitempty"`
	SalesCloseAt  time.Time        `bun:"sales_close_at,nullzero" json:"sales_close_at,omitempty"`
	Status        TicketTypeStatus `bun:"status,notnull" json:"status"`
}

type TicketStatus string

const (
	TicketIssued    TicketStatus = "issued"
	TicketVoid      TicketStatus = "void"
	TicketCheckedIn TicketStatus = "checked_in"
)

// TicketInstance is one admission right. The unique (order_line_id, seq)
// pair makes issuance idempotent per order line. Only the token hash is
// stored; the raw token leaves the system exactly once, at issuance.
type TicketInstance struct {
	bun.BaseModel `bun:"table:ticket_instances"`

	TicketID     string       `bun:"ticket_id,pk" json:"ticket_id"`
	TicketTypeID string       `bun:"ticket_type_id,notnull" json:"ticket_type_id"`
	EventID      string       `bun:"event_id,notnull" json:"event_id"`
	OrderID      string       `bun:"order_id,notnull" json:"order_id"`
	OrderLineID  string       `bun:"order_line_id,notnull,unique:ticket_instances_line_seq" json:"order_line_id"`
	Seq          int          `bun:"seq,notnull,unique:ticket_instances_line_seq" json:"seq"`
	OwnerEmail   string       `bun:"owner_email,notnull" json:"owner_email"`
	OwnerName    string       `bun:"owner_name" json:"owner_name"`
	OwnerAccount string       `bun:"owner_account,nullzero" json:"owner_account,omitempty"`
	TokenHash    string       `bun:"token_hash,notnull" json:"-"`
	Status       TicketStatus `bun:"status,notnull" json:"status"`
	IssuedAt     time.Time    `bun:"issued_at,notnull" json:"issued_at"`
	CheckedInBy  string       `bun:"checked_in_by,nullzero" json:"checked_in_by,omitempty"`
	CheckedInAt  time.Time    `bun:"checked_in_at,nullzero" json:"checked_in_at,omitempty"`
}

// IssuedTicket pairs a stored instance with the raw token released to the
// purchaser. It is a response type and is never persisted.
type IssuedTicket struct {
	Ticket   TicketInstance `json:"ticket"`
	RawToken string         `json:"raw_token,omitempty"`
	QRCode   []byte         `json:"qr_code,omitempty"`
}
