package models

import (
	"time"

	"github.com/uptrace/bun"
)

// AuditEntry is one row of the append-only audit trail. Every mutating
// attempt lands here, success or failure; rows are never updated or
// deleted.
type AuditEntry struct {
	bun.BaseModel `bun:"table:audit_entries"`

	EntryID      int64     `bun:"id,pk,autoincrement" json:"id"`
	ActorID      string    `bun:"actor_id,notnull" json:"actor_id"`
	Action       string    `bun:"action,notnull" json:"action"`
	EntityType   string    `bun:"entity_type,notnull" json:"entity_type"`
	EntityID     string    `bun:"entity_id,notnull" json:"entity_id"`
	BeforeStatus string    `bun:"before_status,nullzero" json:"before_status,omitempty"`
	AfterStatus  string    `bun:"after_status,nullzero" json:"after_status,omitempty"`
	Success      bool      `bun:"success,notnull" json:"success"`
	Reason       string    `bun:"reason,nullzero" json:"reason,omitempty"`
	RecordedAt   time.Time `bun:"recorded_at,notnull" json:"recorded_at"`
}
