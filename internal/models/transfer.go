package models

import (
	"time"

	"github.com/uptrace/bun"
)

type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferAccepted  TransferStatus = "accepted"
	TransferRejected  TransferStatus = "rejected"
	TransferCancelled TransferStatus = "cancelled"
	TransferExpired   TransferStatus = "expired"
)

// Terminal reports whether the status admits no further transition.
// Only pending does.
func (s TransferStatus) Terminal() bool {
	return s != TransferPending
}

// Transfer is one ticket-ownership handover. At most one pending transfer
// may exist per ticket (partial unique index on ticket_id where status =
// 'pending'). Possession of the raw token is the capability to accept or
// reject; only its hash is stored.
type Transfer struct {
	bun.BaseModel `bun:"table:transfers"`

	TransferID  string         `bun:"transfer_id,pk" json:"transfer_id"`
	TicketID    string         `bun:"ticket_id,notnull" json:"ticket_id"`
	FromAccount string         `bun:"from_account,nullzero" json:"from_account,omitempty"`
	FromEmail   string         `bun:"from_email,notnull" json:"from_email"`
	ToAccount   string         `bun:"to_account,nullzero" json:"to_account,omitempty"`
	ToEmail     string         `bun:"to_email,notnull" json:"to_email"`
	TokenHash   string         `bun:"token_hash,notnull" json:"-"`
	Status      TransferStatus `bun:"status,notnull" json:"status"`
	ExpiresAt   time.Time      `bun:"expires_at,notnull" json:"expires_at"`
	CreatedAt   time.Time      `bun:"created_at,notnull" json:"created_at"`
	ResolvedAt  time.Time      `bun:"resolved_at,nullzero" json:"resolved_at,omitempty"`
	ResolvedBy  string         `bun:"resolved_by,nullzero" json:"resolved_by,omitempty"`
}
