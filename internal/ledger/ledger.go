// Package ledger owns authoritative order/payment status. It is the only
// component that mutates orders from payment notifications, and it holds
// the idempotency record that makes webhook retries safe.
package ledger

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
	"ms-fulfillment/internal/issuance"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
)

// PaymentNotice is one inbound payment notification, already normalized
// from whatever provider shape it arrived in.
type PaymentNotice struct {
	Provider        string               `json:"provider" validate:"required"`
	ProviderEventID string               `json:"provider_event_id" validate:"required"`
	PaymentRef      string               `json:"payment_ref" validate:"required"`
	Status          models.PaymentStatus `json:"status" validate:"required"`
	Amount          float64              `json:"amount"`
	Currency        string               `json:"currency"`
}

type Ledger struct {
	Bun      *bun.DB
	Issuance *issuance.Engine
	Audit    audit.Recorder
	Logger   *logger.Logger
	pgLocks  bool
}

func NewLedger(db *bun.DB, engine *issuance.Engine, trail audit.Recorder, log *logger.Logger) *Ledger {
	return &Ledger{
		Bun:      db,
		Issuance: engine,
		Audit:    trail,
		Logger:   log,
		pgLocks:  db.Dialect().Name() == dialect.PG,
	}
}

// ApplyPaymentEvent settles one payment notification. It is idempotent on
// (provider, provider_event_id): a replayed notification returns the
// outcome computed the first time, with no second mutation. On "paid" the
// order moves pending→paid exactly once under row lock and issuance runs in
// the same transaction.
func (l *Ledger) ApplyPaymentEvent(ctx context.Context, actor models.Actor, notice PaymentNotice) (*models.PaymentOutcome, error) {
	if err := validateNotice(notice); err != nil {
		return nil, err
	}

	var outcome *models.PaymentOutcome
	var issuedTickets []models.IssuedTicket
	var settledOrder *models.Order

	err := l.Bun.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		event := models.PaymentEvent{
			Provider:        notice.Provider,
			ProviderEventID: notice.ProviderEventID,
			PaymentRef:      notice.PaymentRef,
			Status:          notice.Status,
			Amount:          notice.Amount,
			Currency:        notice.Currency,
			ReceivedAt:      time.Now().UTC(),
		}

		res, err := tx.NewInsert().Model(&event).
			On("CONFLICT (provider, provider_event_id) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("record payment event: %w", err)
		}

		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("record payment event: %w", err)
		}
		if inserted == 0 {
			// Retried delivery: replay the stored outcome, touch nothing.
			replayed, err := l.storedOutcome(ctx, tx, notice)
			if err != nil {
				return err
			}
			outcome = replayed
			return nil
		}

		order, err := l.lockOrderByPaymentRef(ctx, tx, notice.PaymentRef)
		if err != nil {
			return err
		}

		outcome = &models.PaymentOutcome{OrderID: order.OrderID}

		switch notice.Status {
		case models.PaymentPaid:
			if err := l.settlePaid(ctx, tx, order, notice, outcome, &issuedTickets); err != nil {
				return err
			}
		case models.PaymentFailed, models.PaymentCancelled:
			if err := l.settleFailure(ctx, tx, order, notice.Status, outcome); err != nil {
				return err
			}
		case models.PaymentRefunded:
			if err := l.settleRefund(ctx, tx, order, outcome); err != nil {
				return err
			}
		case models.PaymentPending:
			// Informational only; the order stays where it is.
		default:
			return errs.Validation("unknown_payment_status",
				fmt.Sprintf("unknown payment status %q", notice.Status))
		}

		settledOrder = order
		return l.storeOutcome(ctx, tx, &event, order.OrderID, outcome)
	})

	if err != nil {
		l.Audit.Record(ctx, audit.Entry(actor, "apply_payment_event", "payment_event",
			notice.Provider+":"+notice.ProviderEventID, "", "", false, err.Error()))
		return nil, err
	}

	if outcome.Replayed {
		l.Logger.LogOrder("PAYMENT_REPLAY", outcome.OrderID,
			fmt.Sprintf("duplicate %s event %s ignored", notice.Provider, notice.ProviderEventID))
		return outcome, nil
	}

	l.Audit.Record(ctx, audit.Entry(actor, "apply_payment_event", "order", outcome.OrderID,
		"", orderStatusAfter(settledOrder), true,
		fmt.Sprintf("%s event %s: paid=%t issued=%d overbooked=%t",
			notice.Provider, notice.ProviderEventID, outcome.Paid, outcome.TicketsIssued, outcome.Overbooked)))

	if len(issuedTickets) > 0 && settledOrder != nil {
		l.Issuance.Notify.TicketsIssued(ctx, *settledOrder, ticketInstances(issuedTickets))
	}
	return outcome, nil
}

// settlePaid performs the pending→paid compare-and-swap under the row lock
// taken by lockOrderByPaymentRef, then runs issuance in the same
// transaction.
func (l *Ledger) settlePaid(ctx context.Context, tx bun.Tx, order *models.Order, notice PaymentNotice, outcome *models.PaymentOutcome, issued *[]models.IssuedTicket) error {
	if notice.Amount != order.Total {
		return errs.Validation("amount_mismatch",
			fmt.Sprintf("payment amount %.2f does not match order total %.2f", notice.Amount, order.Total))
	}

	switch order.Status {
	case models.OrderPending, models.OrderDraft:
		res, err := tx.NewUpdate().Model((*models.Order)(nil)).
			Set("status = ?", models.OrderPaid).
			Set("updated_at = ?", time.Now().UTC()).
			Where("order_id = ?", order.OrderID).
			Where("status = ?", order.Status).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("mark order paid: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return errs.Conflict("order_status_raced", "order status changed concurrently")
		}
		order.Status = models.OrderPaid
	case models.OrderPaid:
		// A distinct paid event for an already-paid order: nothing to do,
		// issuance below will find the instances and create none.
	case models.OrderOverbooked:
		outcome.Paid = true
		outcome.Overbooked = true
		return nil
	default:
		return errs.Conflict("order_not_payable",
			fmt.Sprintf("cannot settle payment on %s order", order.Status))
	}

	result, err := l.Issuance.IssueTx(ctx, tx, order.OrderID)
	if err != nil {
		return err
	}

	outcome.Paid = true
	if result.Overbooked != nil {
		outcome.Overbooked = true
		order.Status = models.OrderOverbooked
		return nil
	}
	outcome.TicketsIssued = result.Created
	*issued = result.Tickets
	return nil
}

// settleFailure drives the order to its terminal failure state and voids
// any instances a racing retry managed to create.
func (l *Ledger) settleFailure(ctx context.Context, tx bun.Tx, order *models.Order, status models.PaymentStatus, outcome *models.PaymentOutcome) error {
	target := models.OrderFailed
	if status == models.PaymentCancelled {
		target = models.OrderCancelled
	}

	switch order.Status {
	case models.OrderPending, models.OrderDraft, models.OrderPaid:
		_, err := tx.NewUpdate().Model((*models.Order)(nil)).
			Set("status = ?", target).
			Set("updated_at = ?", time.Now().UTC()).
			Where("order_id = ?", order.OrderID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("mark order %s: %w", target, err)
		}
		order.Status = target
		return l.voidInstances(ctx, tx, order.OrderID)
	default:
		// Already terminal; the event is recorded but changes nothing.
		return nil
	}
}

func (l *Ledger) settleRefund(ctx context.Context, tx bun.Tx, order *models.Order, outcome *models.PaymentOutcome) error {
	if order.Status != models.OrderPaid && order.Status != models.OrderRefunded {
		return errs.Conflict("order_not_refundable",
			fmt.Sprintf("cannot refund %s order", order.Status))
	}
	if order.Status == models.OrderRefunded {
		return nil
	}

	_, err := tx.NewUpdate().Model((*models.Order)(nil)).
		Set("status = ?", models.OrderRefunded).
		Set("updated_at = ?", time.Now().UTC()).
		Where("order_id = ?", order.OrderID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark order refunded: %w", err)
	}
	order.Status = models.OrderRefunded
	return l.voidInstances(ctx, tx, order.OrderID)
}

func (l *Ledger) voidInstances(ctx context.Context, tx bun.Tx, orderID string) error {
	_, err := tx.NewUpdate().Model((*models.TicketInstance)(nil)).
		Set("status = ?", models.TicketVoid).
		Where("order_id = ?", orderID).
		Where("status = ?", models.TicketIssued).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("void instances: %w", err)
	}
	return nil
}

func (l *Ledger) lockOrderByPaymentRef(ctx context.Context, tx bun.Tx, paymentRef string) (*models.Order, error) {
	var order models.Order
	q := tx.NewSelect().Model(&order).Where("payment_ref = ?", paymentRef)
	if l.pgLocks {
		q = q.For("UPDATE")
	}
	err := q.Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("order_not_found",
			fmt.Sprintf("no order with payment reference %s", paymentRef))
	}
	if err != nil {
		return nil, fmt.Errorf("lock order: %w", err)
	}
	return &order, nil
}

func (l *Ledger) storedOutcome(ctx context.Context, tx bun.Tx, notice PaymentNotice) (*models.PaymentOutcome, error) {
	var event models.PaymentEvent
	err := tx.NewSelect().Model(&event).
		Where("provider = ?", notice.Provider).
		Where("provider_event_id = ?", notice.ProviderEventID).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("load stored payment event: %w", err)
	}
	return &models.PaymentOutcome{
		Paid:          event.ResultPaid,
		TicketsIssued: event.ResultIssued,
		Overbooked:    event.ResultOverbook,
		OrderID:       event.OrderID,
		Replayed:      true,
	}, nil
}

func (l *Ledger) storeOutcome(ctx context.Context, tx bun.Tx, event *models.PaymentEvent, orderID string, outcome *models.PaymentOutcome) error {
	_, err := tx.NewUpdate().Model(event).
		Set("order_id = ?", orderID).
		Set("result_paid = ?", outcome.Paid).
		Set("result_issued = ?", outcome.TicketsIssued).
		Set("result_overbooked = ?", outcome.Overbooked).
		Where("provider = ?", event.Provider).
		Where("provider_event_id = ?", event.ProviderEventID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("store payment outcome: %w", err)
	}
	return nil
}

func validateNotice(notice PaymentNotice) error {
	if notice.Provider == "" || notice.ProviderEventID == "" {
		return errs.Validation("missing_event_id", "provider and provider_event_id are required")
	}
	if notice.PaymentRef == "" {
		return errs.Validation("missing_payment_ref", "payment_ref is required")
	}
	return nil
}

func orderStatusAfter(order *models.Order) string {
	if order == nil {
		return ""
	}
	return string(order.Status)
}

func ticketInstances(issued []models.IssuedTicket) []models.TicketInstance {
	out := make([]models.TicketInstance, 0, len(issued))
	for _, t := range issued {
		out = append(out, t.Ticket)
	}
	return out
}
