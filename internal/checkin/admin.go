package checkin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"

	"ms-fulfillment/internal/audit"
	"ms-fulfillment/internal/errs"
	"ms-fulfillment/internal/models"
)

// UndoCheckIn moves a checked-in ticket back to issued, if policy allows.
// It is a forward-logged transition: the original CheckinRecord stays and
// the undo lands in the audit trail; nothing is ever deleted.
func (e *Engine) UndoCheckIn(ctx context.Context, actor models.Actor, ticketID string) error {
	var eventID string
	err := e.Bun.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		ticket, err := e.lockTicket(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		eventID = ticket.EventID

		cfg, err := e.Settings.Checkin(ctx, ticket.EventID)
		if err != nil {
			return fmt.Errorf("load checkin settings: %w", err)
		}
		if !cfg.UndoAllowed {
			return errs.Conflict("undo_not_allowed", "undo is disabled for this event")
		}

		if ticket.Status != models.TicketCheckedIn {
			return errs.Conflict("ticket_not_checked_in",
				fmt.Sprintf("cannot undo check-in of %s ticket", ticket.Status))
		}

		_, err = tx.NewUpdate().Model((*models.TicketInstance)(nil)).
			Set("status = ?", models.TicketIssued).
			Set("checked_in_by = NULL").
			Set("checked_in_at = NULL").
			Where("ticket_id = ?", ticketID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("undo check-in: %w", err)
		}
		return nil
	})

	if err != nil {
		e.Audit.Record(ctx, audit.Entry(actor, "undo_checkin", "ticket", ticketID, "", "", false, err.Error()))
		return err
	}

	e.Audit.Record(ctx, audit.Entry(actor, "undo_checkin", "ticket", ticketID,
		string(models.TicketCheckedIn), string(models.TicketIssued), true, ""))
	e.Logger.LogScan("UNDO", eventID, fmt.Sprintf("check-in of ticket %s undone by %s", ticketID, actor.ID))
	return nil
}

// VoidTicket invalidates an issued ticket, releasing its capacity. A
// checked-in ticket must be undone first.
func (e *Engine) VoidTicket(ctx context.Context, actor models.Actor, ticketID, reason string) error {
	err := e.Bun.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		ticket, err := e.lockTicket(ctx, tx, ticketID)
		if err != nil {
			return err
		}

		switch ticket.Status {
		case models.TicketIssued:
		case models.TicketVoid:
			return nil // already void, idempotent
		default:
			return errs.Conflict("ticket_checked_in", "undo the check-in before voiding")
		}

		_, err = tx.NewUpdate().Model((*models.TicketInstance)(nil)).
			Set("status = ?", models.TicketVoid).
			Where("ticket_id = ?", ticketID).
			Where("status = ?", models.TicketIssued).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("void ticket: %w", err)
		}
		return nil
	})

	if err != nil {
		e.Audit.Record(ctx, audit.Entry(actor, "void_ticket", "ticket", ticketID, "", "", false, err.Error()))
		return err
	}

	e.Audit.Record(ctx, audit.Entry(actor, "void_ticket", "ticket", ticketID,
		string(models.TicketIssued), string(models.TicketVoid), true, reason))
	return nil
}

func (e *Engine) lockTicket(ctx context.Context, tx bun.Tx, ticketID string) (*models.TicketInstance, error) {
	var ticket models.TicketInstance
	q := tx.NewSelect().Model(&ticket).Where("ticket_id = ?", ticketID)
	if e.pgLocks {
		q = q.For("UPDATE")
	}
	err := q.Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("ticket_not_found", "ticket not found")
	}
	if err != nil {
		return nil, fmt.Errorf("lock ticket: %w", err)
	}
	return &ticket, nil
}
