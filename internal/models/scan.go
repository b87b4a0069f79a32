package models

import (
	"time"

	"github.com/uptrace/bun"
)

// ScanResult is the closed set of scan outcomes.
type ScanResult string

const (
	ScanValid             ScanResult = "VALID"
	ScanAlreadyUsed       ScanResult = "ALREADY_USED"
	ScanCancelled         ScanResult = "CANCELLED"
	ScanNotInEvent        ScanResult = "NOT_IN_EVENT"
	ScanRateLimitExceeded ScanResult = "RATE_LIMIT_EXCEEDED"
	ScanInvalid           ScanResult = "INVALID"
	ScanContended         ScanResult = "CONTENDED"
)

// ScanRecord is one immutable row per scan attempt, successful or not. It
// doubles as the rate-limit counter: per-actor and per-device counts over
// the trailing window are derived by counting these rows.
type ScanRecord struct {
	bun.BaseModel `bun:"table:scan_records"`

	ScanID    int64      `bun:"id,pk,autoincrement" json:"id"`
	EventID   string     `bun:"event_id,notnull" json:"event_id"`
	TicketID  string     `bun:"ticket_id,nullzero" json:"ticket_id,omitempty"`
	ActorID   string     `bun:"actor_id,notnull" json:"actor_id"`
	DeviceID  string     `bun:"device_id,nullzero" json:"device_id,omitempty"`
	IP        string     `bun:"ip,nullzero" json:"ip,omitempty"`
	UserAgent string     `bun:"user_agent,nullzero" json:"user_agent,omitempty"`
	Result    ScanResult `bun:"result,notnull" json:"result"`
	ScannedAt time.Time  `bun:"scanned_at,notnull" json:"scanned_at"`
}

// CheckinRecord is one immutable row per successful check-in, unique per
// ticket. It is the permanent audit fact; TicketInstance.Status is the
// mutable operational view and may later be undone without touching this
// row.
type CheckinRecord struct {
	bun.BaseModel `bun:"table:checkin_records"`

	CheckinID   int64     `bun:"id,pk,autoincrement" json:"id"`
	TicketID    string    `bun:"ticket_id,notnull,unique" json:"ticket_id"`
	EventID     string    `bun:"event_id,notnull" json:"event_id"`
	ActorID     string    `bun:"actor_id,notnull" json:"actor_id"`
	DeviceID    string    `bun:"device_id,nullzero" json:"device_id,omitempty"`
	CheckedInAt time.Time `bun:"checked_in_at,notnull" json:"checked_in_at"`
}
