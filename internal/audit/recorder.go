// Package audit persists the append-only trail of mutating attempts.
// Components invoke the recorder explicitly after their transaction
// settles, so a failed attempt is still recorded even though its
// transaction rolled back. Entries are never updated or deleted.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
)

// Recorder is what the engines depend on. The bun-backed Trail is the real
// implementation; tests substitute a testify mock.
type Recorder interface {
	Record(ctx context.Context, entry models.AuditEntry)
}

type Trail struct {
	Bun    *bun.DB
	Logger *logger.Logger
}

func NewTrail(db *bun.DB, log *logger.Logger) *Trail {
	return &Trail{Bun: db, Logger: log}
}

// Record appends one entry. It runs on the trail's own connection, outside
// the caller's transaction. An audit write failure is logged but never
// propagated: the business mutation has already settled and must not be
// reported as failed because of the trail.
func (t *Trail) Record(ctx context.Context, entry models.AuditEntry) {
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}
	if _, err := t.Bun.NewInsert().Model(&entry).Exec(ctx); err != nil {
		t.Logger.Error("AUDIT", fmt.Sprintf("failed to append audit entry %s/%s on %s %s: %v",
			entry.Action, entry.AfterStatus, entry.EntityType, entry.EntityID, err))
	}
}

// Entry is a convenience constructor for the common shape.
func Entry(actor models.Actor, action, entityType, entityID string, before, after string, success bool, reason string) models.AuditEntry {
	return models.AuditEntry{
		ActorID:      actor.ID,
		Action:       action,
		EntityType:   entityType,
		EntityID:     entityID,
		BeforeStatus: before,
		AfterStatus:  after,
		Success:      success,
		Reason:       reason,
		RecordedAt:   time.Now().UTC(),
	}
}
