// Package checkin validates scan tokens at the door: rate limiting derived
// from the scan log, non-blocking ticket locking so duplicate scans fail
// fast, status classification and PII masking at the response boundary.
package checkin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"ms-fulfillment/internal/audit"
	"ms-fulfillment/internal/errs"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/notify"
	"ms-fulfillment/internal/settings"
	"ms-fulfillment/internal/tokens"
)

type Engine struct {
	Bun      *bun.DB
	Audit    audit.Recorder
	Notify   notify.Dispatcher
	Settings settings.Store
	Logger   *logger.Logger
	pgLocks  bool
}

func NewEngine(db *bun.DB, trail audit.Recorder, dispatcher notify.Dispatcher, store settings.Store, log *logger.Logger) *Engine {
	return &Engine{
		Bun:      db,
		Audit:    trail,
		Notify:   dispatcher,
		Settings: store,
		Logger:   log,
		pgLocks:  db.Dialect().Name() == dialect.PG,
	}
}

type ScanRequest struct {
	EventID   string `json:"event_id"`
	RawToken  string `json:"raw_token"`
	DeviceID  string `json:"device_id,omitempty"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// TicketView is the masked projection of a ticket returned to scanners.
// Stored data is never altered by the disclosure level.
type TicketView struct {
	TicketID     string              `json:"ticket_id"`
	TicketTypeID string              `json:"ticket_type_id"`
	OwnerName    string              `json:"owner_name,omitempty"`
	OwnerEmail   string              `json:"owner_email,omitempty"`
	Status       models.TicketStatus `json:"status"`
	CheckedInAt  time.Time           `json:"checked_in_at,omitempty"`
}

type ScanResponse struct {
	Result models.ScanResult `json:"result"`
	Ticket *TicketView       `json:"ticket,omitempty"`
}

// Scan validates one presented token. Every attempt, successful or not, is
// appended to the scan log; the log doubles as the rate-limit counter. A
// ticket row already locked by a concurrent scan is skipped, not waited
// for, and surfaces as a retryable transient error.
func (e *Engine) Scan(ctx context.Context, actor models.Actor, req ScanRequest) (*ScanResponse, error) {
	cfg, err := e.Settings.Checkin(ctx, req.EventID)
	if err != nil {
		return nil, fmt.Errorf("load checkin settings: %w", err)
	}

	limited, err := e.rateLimited(ctx, actor.ID, req.DeviceID, cfg.RateLimitThreshold, cfg.RateLimitWindow)
	if err != nil {
		return nil, err
	}
	if limited {
		// Short-circuits before any ticket lookup; the rejection itself is
		// logged and counts toward the window.
		e.record(ctx, actor, req, "", models.ScanRateLimitExceeded)
		e.Audit.Record(ctx, audit.Entry(actor, "scan", "event", req.EventID, "", "", false, "rate limit exceeded"))
		return &ScanResponse{Result: models.ScanRateLimitExceeded}, nil
	}

	if req.RawToken == "" {
		e.record(ctx, actor, req, "", models.ScanInvalid)
		return &ScanResponse{Result: models.ScanInvalid}, nil
	}

	digest := tokens.Hash(req.RawToken)

	// Unlocked existence probe first: it lets us tell an unknown token
	// apart from a row that is merely locked by a concurrent scan.
	var probe models.TicketInstance
	err = e.Bun.NewSelect().Model(&probe).Where("token_hash = ?", digest).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		e.record(ctx, actor, req, "", models.ScanInvalid)
		e.Audit.Record(ctx, audit.Entry(actor, "scan", "event", req.EventID, "", "", false, "unknown token"))
		return &ScanResponse{Result: models.ScanInvalid}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up token: %w", err)
	}

	var response *ScanResponse
	var flipped *models.TicketInstance
	var checkinRecord models.CheckinRecord

	err = e.Bun.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		ticket, err := e.lockTicketSkipLocked(ctx, tx, probe.TicketID)
		if err != nil {
			return err
		}

		if ticket.EventID != req.EventID {
			response = &ScanResponse{Result: models.ScanNotInEvent, Ticket: e.view(ticket, cfg.PIIDisclosure, actor)}
			return nil
		}

		switch ticket.Status {
		case models.TicketIssued:
			now := time.Now().UTC()
			res, err := tx.NewUpdate().Model((*models.TicketInstance)(nil)).
				Set("status = ?", models.TicketCheckedIn).
				Set("checked_in_by = ?", actor.ID).
				Set("checked_in_at = ?", now).
				Where("ticket_id = ?", ticket.TicketID).
				Where("status = ?", models.TicketIssued).
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("flip ticket status: %w", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return errs.Transient("scan_raced", "ticket was scanned concurrently, retry")
			}

			checkinRecord = models.CheckinRecord{
				TicketID:    ticket.TicketID,
				EventID:     ticket.EventID,
				ActorID:     actor.ID,
				DeviceID:    req.DeviceID,
				CheckedInAt: now,
			}
			// Unique per ticket: a re-check-in after an undo keeps the
			// original row as the permanent first-check-in fact.
			if _, err := tx.NewInsert().Model(&checkinRecord).
				On("CONFLICT (ticket_id) DO NOTHING").
				Exec(ctx); err != nil {
				return fmt.Errorf("record checkin: %w", err)
			}

			ticket.Status = models.TicketCheckedIn
			ticket.CheckedInBy = actor.ID
			ticket.CheckedInAt = now
			flipped = ticket
			response = &ScanResponse{Result: models.ScanValid, Ticket: e.view(ticket, cfg.PIIDisclosure, actor)}
		case models.TicketCheckedIn:
			response = &ScanResponse{Result: models.ScanAlreadyUsed, Ticket: e.view(ticket, cfg.PIIDisclosure, actor)}
		default:
			response = &ScanResponse{Result: models.ScanCancelled, Ticket: e.view(ticket, cfg.PIIDisclosure, actor)}
		}
		return nil
	})

	if err != nil {
		if errs.IsKind(err, errs.KindTransient) {
			// Lock contention is recorded as a scan attempt, not as a
			// ticket-state error.
			e.record(ctx, actor, req, probe.TicketID, models.ScanContended)
			return nil, err
		}
		return nil, err
	}

	e.record(ctx, actor, req, probe.TicketID, response.Result)
	e.Audit.Record(ctx, audit.Entry(actor, "scan", "ticket", probe.TicketID,
		string(probe.Status), afterStatus(flipped, probe), response.Result == models.ScanValid, string(response.Result)))

	if flipped != nil {
		e.Notify.CheckinRecorded(ctx, checkinRecord)
		e.Logger.LogScan(string(models.ScanValid), req.EventID,
			fmt.Sprintf("ticket %s checked in by %s", flipped.TicketID, actor.ID))
	}
	return response, nil
}

// lockTicketSkipLocked re-fetches the ticket under a non-blocking lock.
// No row back means a concurrent scan holds it: fail fast rather than
// queue, so door latency stays bounded under a rush.
func (e *Engine) lockTicketSkipLocked(ctx context.Context, tx bun.Tx, ticketID string) (*models.TicketInstance, error) {
	var ticket models.TicketInstance
	q := tx.NewSelect().Model(&ticket).Where("ticket_id = ?", ticketID)
	if e.pgLocks {
		q = q.For("UPDATE SKIP LOCKED")
	}
	err := q.Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Transient("ticket_locked", "ticket is being scanned concurrently, retry")
	}
	if err != nil {
		return nil, fmt.Errorf("lock ticket: %w", err)
	}
	return &ticket, nil
}

// rateLimited derives the per-actor and per-device counts from the scan
// log over the trailing window. Reading it fresh on every scan keeps the
// limit correct under arbitrary concurrency with no shared mutable state.
func (e *Engine) rateLimited(ctx context.Context, actorID, deviceID string, threshold int, window time.Duration) (bool, error) {
	if threshold <= 0 {
		return false, nil
	}
	since := time.Now().UTC().Add(-window)

	actorCount, err := e.Bun.NewSelect().Model((*models.ScanRecord)(nil)).
		Where("actor_id = ?", actorID).
		Where("scanned_at > ?", since).
		Count(ctx)
	if err != nil {
		return false, fmt.Errorf("count actor scans: %w", err)
	}
	if actorCount >= threshold {
		return true, nil
	}

	if deviceID != "" {
		deviceCount, err := e.Bun.NewSelect().Model((*models.ScanRecord)(nil)).
			Where("device_id = ?", deviceID).
			Where("scanned_at > ?", since).
			Count(ctx)
		if err != nil {
			return false, fmt.Errorf("count device scans: %w", err)
		}
		if deviceCount >= threshold {
			return true, nil
		}
	}
	return false, nil
}

// record appends one immutable scan attempt row. Append failures are
// logged, never propagated: the scan outcome is already decided.
func (e *Engine) record(ctx context.Context, actor models.Actor, req ScanRequest, ticketID string, result models.ScanResult) {
	rec := models.ScanRecord{
		EventID:   req.EventID,
		TicketID:  ticketID,
		ActorID:   actor.ID,
		DeviceID:  req.DeviceID,
		IP:        req.IP,
		UserAgent: req.UserAgent,
		Result:    result,
		ScannedAt: time.Now().UTC(),
	}
	if _, err := e.Bun.NewInsert().Model(&rec).Exec(ctx); err != nil {
		e.Logger.Error("SCAN", fmt.Sprintf("failed to append scan record: %v", err))
	}
}

func (e *Engine) view(ticket *models.TicketInstance, level models.PIIDisclosure, actor models.Actor) *TicketView {
	view := &TicketView{
		TicketID:     ticket.TicketID,
		TicketTypeID: ticket.TicketTypeID,
		OwnerName:    ticket.OwnerName,
		OwnerEmail:   ticket.OwnerEmail,
		Status:       ticket.Status,
		CheckedInAt:  ticket.CheckedInAt,
	}
	ApplyDisclosure(view, level, actor)
	return view
}

func afterStatus(flipped *models.TicketInstance, probe models.TicketInstance) string {
	if flipped != nil {
		return string(flipped.Status)
	}
	return string(probe.Status)
}
