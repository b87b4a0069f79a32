// Package transfer manages ticket-ownership transfers end to end:
// pending → accepted | rejected | cancelled | expired, with terminal states
// immutable. Possession of the transfer token is the capability to accept
// or reject; only its hash is stored.
package transfer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"ms-fulfillment/internal/audit"
	"ms-fulfillment/internal/config"
	"ms-fulfillment/internal/errs"
	"ms-fulfillment/internal/identity"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/notify"
	"ms-fulfillment/internal/tokens"
)

type Engine struct {
	Bun      *bun.DB
	Audit    audit.Recorder
	Notify   notify.Dispatcher
	Identity identity.Service
	Logger   *logger.Logger
	Cfg      config.TransferConfig
	pgLocks  bool
}

func NewEngine(db *bun.DB, trail audit.Recorder, dispatcher notify.Dispatcher, ident identity.Service, cfg config.TransferConfig, log *logger.Logger) *Engine {
	return &Engine{
		Bun:      db,
		Audit:    trail,
		Notify:   dispatcher,
		Identity: ident,
		Logger:   log,
		Cfg:      cfg,
		pgLocks:  db.Dialect().Name() == dialect.PG,
	}
}

func (e *Engine) lock(q *bun.SelectQuery) *bun.SelectQuery {
	if e.pgLocks {
		return q.For("UPDATE")
	}
	return q
}

// InitiateResult carries the raw token back to the caller. This is the only
// moment the token exists outside the initiator's hands; it is never logged
// or persisted.
type InitiateResult struct {
	TransferID string    `json:"transfer_id"`
	RawToken   string    `json:"raw_token"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Initiate opens a transfer for an issued ticket. Preconditions: the ticket
// is issued, has no pending transfer, and the actor owns it or holds the
// organizer role.
func (e *Engine) Initiate(ctx context.Context, actor models.Actor, ticketID, toEmail string, ttl time.Duration) (*InitiateResult, error) {
	toEmail = strings.TrimSpace(strings.ToLower(toEmail))
	if toEmail == "" {
		return nil, errs.Validation("missing_recipient", "recipient email is required")
	}
	if ttl <= 0 {
		ttl = e.Cfg.DefaultTTL
	}
	if ttl > e.Cfg.MaxTTL {
		return nil, errs.Validation("ttl_too_long",
			fmt.Sprintf("transfer ttl may not exceed %s", e.Cfg.MaxTTL))
	}

	raw, err := tokens.Generate()
	if err != nil {
		return nil, err
	}

	transfer := models.Transfer{
		TransferID: uuid.NewString(),
		ToEmail:    toEmail,
		TokenHash:  tokens.Hash(raw),
		Status:     models.TransferPending,
		ExpiresAt:  time.Now().UTC().Add(ttl),
		CreatedAt:  time.Now().UTC(),
	}

	err = e.Bun.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		ticket, err := e.lockTicket(ctx, tx, ticketID)
		if err != nil {
			return err
		}

		if !ownsTicket(actor, ticket) && !actor.HasRole(models.RoleOrganizer) {
			return errs.Authorization("not_ticket_owner", "only the ticket owner or an organizer may transfer it")
		}

		switch ticket.Status {
		case models.TicketIssued:
		case models.TicketCheckedIn:
			return errs.Conflict("ticket_checked_in", "a checked-in ticket cannot be transferred")
		default:
			return errs.Conflict("ticket_void", "a void ticket cannot be transferred")
		}

		pending, err := tx.NewSelect().Model((*models.Transfer)(nil)).
			Where("ticket_id = ?", ticketID).
			Where("status = ?", models.TransferPending).
			Count(ctx)
		if err != nil {
			return fmt.Errorf("check pending transfers: %w", err)
		}
		if pending > 0 {
			return errs.Conflict("transfer_already_pending", "ticket already has a pending transfer")
		}

		transfer.TicketID = ticket.TicketID
		transfer.FromAccount = ticket.OwnerAccount
		transfer.FromEmail = ticket.OwnerEmail

		// The partial unique index on (ticket_id) where status='pending'
		// backstops the check above under concurrency.
		if _, err := tx.NewInsert().Model(&transfer).Exec(ctx); err != nil {
			return fmt.Errorf("create transfer: %w", err)
		}
		return nil
	})

	if err != nil {
		e.Audit.Record(ctx, audit.Entry(actor, "initiate_transfer", "ticket", ticketID, "", "", false, err.Error()))
		return nil, err
	}

	e.Audit.Record(ctx, audit.Entry(actor, "initiate_transfer", "transfer", transfer.TransferID,
		"", string(models.TransferPending), true, ""))
	e.Notify.TransferInitiated(ctx, transfer)

	return &InitiateResult{
		TransferID: transfer.TransferID,
		RawToken:   raw,
		ExpiresAt:  transfer.ExpiresAt,
	}, nil
}

type AcceptResult struct {
	Success         bool   `json:"success"`
	AlreadyAccepted bool   `json:"already_accepted"`
	NewOwnerEmail   string `json:"new_owner_email"`
	NewOwnerAccount string `json:"new_owner_account,omitempty"`
}

// Accept validates the token and flips ticket ownership atomically with the
// transfer status. Re-accepting an already-accepted transfer is a no-op
// success. An expired pending transfer is marked expired and the attempt
// rejected; the expiry marking commits.
func (e *Engine) Accept(ctx context.Context, actor models.Actor, transferID, rawToken string) (*AcceptResult, error) {
	var result *AcceptResult
	var expired bool
	var before, after models.TransferStatus
	var resolved models.Transfer

	err := e.Bun.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		transfer, err := e.lockTransfer(ctx, tx, transferID)
		if err != nil {
			return err
		}
		before = transfer.Status

		if !tokens.Matches(rawToken, transfer.TokenHash) {
			return errs.Validation("invalid_token", "transfer token does not match")
		}

		switch transfer.Status {
		case models.TransferAccepted:
			result = &AcceptResult{
				Success:         true,
				AlreadyAccepted: true,
				NewOwnerEmail:   transfer.ToEmail,
				NewOwnerAccount: transfer.ToAccount,
			}
			return nil
		case models.TransferPending:
		default:
			return errs.Conflict("transfer_"+string(transfer.Status),
				fmt.Sprintf("transfer is %s", transfer.Status))
		}

		now := time.Now().UTC()
		if !now.Before(transfer.ExpiresAt) {
			if err := e.resolve(ctx, tx, transfer, models.TransferExpired, actor.ID); err != nil {
				return err
			}
			expired = true
			after = models.TransferExpired
			return nil
		}

		account := e.resolveRecipient(ctx, actor, transfer)

		ticket, err := e.lockTicket(ctx, tx, transfer.TicketID)
		if err != nil {
			return err
		}

		_, err = tx.NewUpdate().Model((*models.TicketInstance)(nil)).
			Set("owner_email = ?", transfer.ToEmail).
			Set("owner_account = ?", account).
			Set("owner_name = ?", actor.Name).
			Where("ticket_id = ?", ticket.TicketID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("flip ticket ownership: %w", err)
		}

		transfer.ToAccount = account
		if _, err := tx.NewUpdate().Model(transfer).
			Column("to_account").
			Where("transfer_id = ?", transfer.TransferID).
			Exec(ctx); err != nil {
			return fmt.Errorf("store resolved recipient: %w", err)
		}

		if err := e.resolve(ctx, tx, transfer, models.TransferAccepted, actor.ID); err != nil {
			return err
		}
		after = models.TransferAccepted
		resolved = *transfer

		result = &AcceptResult{
			Success:         true,
			NewOwnerEmail:   transfer.ToEmail,
			NewOwnerAccount: account,
		}
		return nil
	})

	if err != nil {
		e.Audit.Record(ctx, audit.Entry(actor, "accept_transfer", "transfer", transferID,
			string(before), string(before), false, err.Error()))
		return nil, err
	}

	if expired {
		e.Audit.Record(ctx, audit.Entry(actor, "accept_transfer", "transfer", transferID,
			string(before), string(after), false, "transfer expired"))
		return nil, errs.Conflict("transfer_expired", "transfer has expired")
	}

	if result.AlreadyAccepted {
		e.Audit.Record(ctx, audit.Entry(actor, "accept_transfer", "transfer", transferID,
			string(models.TransferAccepted), string(models.TransferAccepted), true, "already accepted"))
		return result, nil
	}

	e.Audit.Record(ctx, audit.Entry(actor, "accept_transfer", "transfer", transferID,
		string(before), string(after), true, ""))
	e.Notify.TransferResolved(ctx, resolved)
	return result, nil
}

// Reject declines a pending transfer. Like accept it is gated on the raw
// token: the capability holder is the only party who may decline.
func (e *Engine) Reject(ctx context.Context, actor models.Actor, transferID, rawToken string) error {
	return e.close(ctx, actor, transferID, models.TransferRejected, func(transfer *models.Transfer) error {
		if !tokens.Matches(rawToken, transfer.TokenHash) {
			return errs.Validation("invalid_token", "transfer token does not match")
		}
		return nil
	})
}

// Cancel withdraws a pending transfer. Restricted to the initiator or an
// organizer; no token needed.
func (e *Engine) Cancel(ctx context.Context, actor models.Actor, transferID string) error {
	return e.close(ctx, actor, transferID, models.TransferCancelled, func(transfer *models.Transfer) error {
		if initiatedBy(actor, transfer) || actor.HasRole(models.RoleOrganizer) {
			return nil
		}
		return errs.Authorization("not_transfer_initiator", "only the initiator or an organizer may cancel")
	})
}

func (e *Engine) close(ctx context.Context, actor models.Actor, transferID string, target models.TransferStatus, gate func(*models.Transfer) error) error {
	var before models.TransferStatus
	var resolved models.Transfer

	err := e.Bun.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		transfer, err := e.lockTransfer(ctx, tx, transferID)
		if err != nil {
			return err
		}
		before = transfer.Status

		if err := gate(transfer); err != nil {
			return err
		}

		if transfer.Status != models.TransferPending {
			return errs.Conflict("transfer_"+string(transfer.Status),
				fmt.Sprintf("transfer is %s", transfer.Status))
		}

		if err := e.resolve(ctx, tx, transfer, target, actor.ID); err != nil {
			return err
		}
		resolved = *transfer
		return nil
	})

	action := "cancel_transfer"
	if target == models.TransferRejected {
		action = "reject_transfer"
	}

	if err != nil {
		e.Audit.Record(ctx, audit.Entry(actor, action, "transfer", transferID,
			string(before), string(before), false, err.Error()))
		return err
	}

	e.Audit.Record(ctx, audit.Entry(actor, action, "transfer", transferID,
		string(models.TransferPending), string(target), true, ""))
	e.Notify.TransferResolved(ctx, resolved)
	return nil
}

// ExpireDue marks every pending transfer past its deadline as expired. Run
// periodically; expiry is also applied lazily on accept.
func (e *Engine) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	var due []models.Transfer
	err := e.Bun.NewSelect().Model(&due).
		Where("status = ?", models.TransferPending).
		Where("expires_at <= ?", now).
		Scan(ctx)
	if err != nil {
		return 0, fmt.Errorf("find due transfers: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	expiredCount := 0
	for _, transfer := range due {
		err := e.Bun.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
			locked, err := e.lockTransfer(ctx, tx, transfer.TransferID)
			if err != nil {
				return err
			}
			if locked.Status != models.TransferPending {
				return nil // raced with accept/reject/cancel, already terminal
			}
			return e.resolve(ctx, tx, locked, models.TransferExpired, models.SystemActor.ID)
		})
		if err != nil {
			e.Logger.Error("TRANSFER", fmt.Sprintf("failed to expire transfer %s: %v", transfer.TransferID, err))
			continue
		}
		expiredCount++
		e.Audit.Record(ctx, audit.Entry(models.SystemActor, "expire_transfer", "transfer", transfer.TransferID,
			string(models.TransferPending), string(models.TransferExpired), true, ""))
	}
	return expiredCount, nil
}

// resolve moves a pending transfer into a terminal state, recording actor
// and time. Guarded by the caller holding the row lock.
func (e *Engine) resolve(ctx context.Context, tx bun.Tx, transfer *models.Transfer, target models.TransferStatus, actorID string) error {
	res, err := tx.NewUpdate().Model((*models.Transfer)(nil)).
		Set("status = ?", target).
		Set("resolved_at = ?", time.Now().UTC()).
		Set("resolved_by = ?", actorID).
		Where("transfer_id = ?", transfer.TransferID).
		Where("status = ?", models.TransferPending).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("resolve transfer: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return errs.Conflict("transfer_raced", "transfer status changed concurrently")
	}
	transfer.Status = target
	transfer.ResolvedBy = actorID
	transfer.ResolvedAt = time.Now().UTC()
	return nil
}

// resolveRecipient picks the account the ticket lands on. The precedence is
// deterministic: the explicit target account wins, then the authenticated
// accepting caller, then a best-effort directory lookup of the target
// email. A failed lookup leaves the account empty; the email alone then
// identifies the owner.
func (e *Engine) resolveRecipient(ctx context.Context, actor models.Actor, transfer *models.Transfer) string {
	if transfer.ToAccount != "" {
		return transfer.ToAccount
	}
	if actor.ID != "" && actor.ID != models.SystemActor.ID {
		return actor.ID
	}
	if e.Identity != nil {
		if account, err := e.Identity.AccountByEmail(ctx, transfer.ToEmail); err == nil {
			return account
		}
	}
	return ""
}

func (e *Engine) lockTicket(ctx context.Context, tx bun.Tx, ticketID string) (*models.TicketInstance, error) {
	var ticket models.TicketInstance
	err := e.lock(tx.NewSelect().Model(&ticket).Where("ticket_id = ?", ticketID)).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("ticket_not_found", "ticket not found")
	}
	if err != nil {
		return nil, fmt.Errorf("lock ticket: %w", err)
	}
	return &ticket, nil
}

func (e *Engine) lockTransfer(ctx context.Context, tx bun.Tx, transferID string) (*models.Transfer, error) {
	var transfer models.Transfer
	err := e.lock(tx.NewSelect().Model(&transfer).Where("transfer_id = ?", transferID)).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("transfer_not_found", "transfer not found")
	}
	if err != nil {
		return nil, fmt.Errorf("lock transfer: %w", err)
	}
	return &transfer, nil
}

func ownsTicket(actor models.Actor, ticket *models.TicketInstance) bool {
	if actor.ID != "" && actor.ID == ticket.OwnerAccount {
		return true
	}
	return actor.Email != "" && strings.EqualFold(actor.Email, ticket.OwnerEmail)
}

func initiatedBy(actor models.Actor, transfer *models.Transfer) bool {
	if actor.ID != "" && actor.ID == transfer.FromAccount {
		return true
	}
	return actor.Email != "" && strings.EqualFold(actor.Email, transfer.FromEmail)
}
