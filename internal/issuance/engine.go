// Package issuance turns a paid order into ticket instances under the
// capacity gate: ticket-type rows are locked in ascending id order, the
// remaining inventory is measured under that lock, and the whole order is
// issued or none of it is.
package issuance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"ms-fulfillment/internal/audit"
	"ms-fulfillment/internal/errs"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/notify"
	"ms-fulfillment/internal/tokens"
)

// CapacityFailure names the first line that could not be satisfied. The
// whole order is aborted when any line overflows; operators use this to
// drive the refund workflow.
type CapacityFailure struct {
	TicketTypeID string `json:"ticket_type_id"`
	Requested    int    `json:"requested"`
	Available    int    `json:"available"`
}

func (f *CapacityFailure) Error() string {
	return fmt.Sprintf("capacity exceeded for ticket type %s: requested %d, available %d",
		f.TicketTypeID, f.Requested, f.Available)
}

// Result is the outcome of one issuance attempt. Overbooked is set instead
// of an error because the overbooked terminal state must commit while the
// caller still learns why nothing was issued.
type Result struct {
	Order      models.Order
	Tickets    []models.IssuedTicket
	Created    int
	Overbooked *CapacityFailure
}

type Engine struct {
	Bun     *bun.DB
	Audit   audit.Recorder
	Notify  notify.Dispatcher
	Logger  *logger.Logger
	pgLocks bool
}

func NewEngine(db *bun.DB, trail audit.Recorder, dispatcher notify.Dispatcher, log *logger.Logger) *Engine {
	return &Engine{
		Bun:     db,
		Audit:   trail,
		Notify:  dispatcher,
		Logger:  log,
		pgLocks: db.Dialect().Name() == dialect.PG,
	}
}

// lock appends a row-lock clause on dialects that support one. SQLite
// serializes writers on its own, so tests run the same queries unlocked.
func (e *Engine) lock(q *bun.SelectQuery, clause string) *bun.SelectQuery {
	if e.pgLocks {
		return q.For(clause)
	}
	return q
}

// Issue is the standalone entry point (backfill, retry after a transient
// failure). It runs in its own transaction and is idempotent: re-invoking
// it on a fulfilled order inserts nothing and returns the existing
// instances, without raw tokens.
func (e *Engine) Issue(ctx context.Context, actor models.Actor, orderID string) (*Result, error) {
	var result *Result
	err := e.Bun.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		var txErr error
		result, txErr = e.IssueTx(ctx, tx, orderID)
		return txErr
	})
	if err != nil {
		e.Audit.Record(ctx, audit.Entry(actor, "issue_tickets", "order", orderID, "", "", false, err.Error()))
		return nil, err
	}

	if result.Overbooked != nil {
		e.Audit.Record(ctx, audit.Entry(actor, "issue_tickets", "order", orderID,
			string(models.OrderPaid), string(models.OrderOverbooked), false, result.Overbooked.Error()))
		return result, nil
	}

	e.Audit.Record(ctx, audit.Entry(actor, "issue_tickets", "order", orderID,
		string(result.Order.Status), string(result.Order.Status), true,
		fmt.Sprintf("%d instances created", result.Created)))

	if result.Created > 0 {
		e.Notify.TicketsIssued(ctx, result.Order, instancesOf(result.Tickets))
	}
	return result, nil
}

// IssueTx runs the capacity gate and issuance inside the caller's
// transaction. The ledger invokes it directly so payment settlement and
// issuance commit or roll back together.
func (e *Engine) IssueTx(ctx context.Context, tx bun.Tx, orderID string) (*Result, error) {
	order, err := e.lockOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	switch order.Status {
	case models.OrderPaid:
		// the only state issuance proceeds from
	case models.OrderOverbooked:
		return nil, errs.Conflict("order_overbooked", "order was cancelled for lack of capacity")
	case models.OrderCancelled, models.OrderFailed, models.OrderRefunded:
		return nil, errs.Conflict("order_not_issuable",
			fmt.Sprintf("order is %s", order.Status))
	default:
		return nil, errs.Conflict("order_not_paid", "order has not been paid")
	}

	if len(order.Lines) == 0 {
		return nil, errs.Conflict("order_empty", "order has no lines")
	}

	ticketTypes, err := e.lockTicketTypes(ctx, tx, order.Lines)
	if err != nil {
		return nil, err
	}

	existing, err := e.existingInstances(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	// Net new instances needed per ticket type, after subtracting what a
	// previous invocation already created for each line.
	neededPerType := make(map[string]int)
	neededPerLine := make(map[string]int)
	for _, line := range order.Lines {
		have := len(existing[line.LineID])
		if line.Quantity > have {
			needed := line.Quantity - have
			neededPerLine[line.LineID] = needed
			neededPerType[line.TicketTypeID] += needed
		}
	}

	// The capacity gate proper: measure remaining inventory under lock and
	// abort the entire order if any type overflows.
	for _, tt := range ticketTypes {
		needed := neededPerType[tt.TicketTypeID]
		if needed == 0 {
			continue
		}
		issued, err := e.countActive(ctx, tx, tt.TicketTypeID)
		if err != nil {
			return nil, err
		}
		remaining := tt.CapacityTotal - issued
		if needed > remaining {
			if err := e.markOverbooked(ctx, tx, order); err != nil {
				return nil, err
			}
			return &Result{
				Order: *order,
				Overbooked: &CapacityFailure{
					TicketTypeID: tt.TicketTypeID,
					Requested:    needed,
					Available:    remaining,
				},
			}, nil
		}
	}

	result := &Result{Order: *order}
	for _, line := range order.Lines {
		prior := existing[line.LineID]
		for _, inst := range prior {
			result.Tickets = append(result.Tickets, models.IssuedTicket{Ticket: inst})
		}

		for seq := len(prior) + 1; seq <= line.Quantity; seq++ {
			raw, err := tokens.Generate()
			if err != nil {
				return nil, err
			}
			inst := models.TicketInstance{
				TicketID:     uuid.NewString(),
				TicketTypeID: line.TicketTypeID,
				EventID:      order.EventID,
				OrderID:      order.OrderID,
				OrderLineID:  line.LineID,
				Seq:          seq,
				OwnerEmail:   order.PurchaserEmail,
				OwnerName:    order.PurchaserName,
				OwnerAccount: order.AccountID,
				TokenHash:    tokens.Hash(raw),
				Status:       models.TicketIssued,
				IssuedAt:     time.Now().UTC(),
			}
			if _, err := tx.NewInsert().Model(&inst).Exec(ctx); err != nil {
				return nil, fmt.Errorf("insert ticket instance: %w", err)
			}
			result.Tickets = append(result.Tickets, models.IssuedTicket{Ticket: inst, RawToken: raw})
			result.Created++
		}
	}

	return result, nil
}

func (e *Engine) lockOrder(ctx context.Context, tx bun.Tx, orderID string) (*models.Order, error) {
	var order models.Order
	err := e.lock(tx.NewSelect().Model(&order).Where("order_id = ?", orderID), "UPDATE").
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("order_not_found", "order not found")
	}
	if err != nil {
		return nil, fmt.Errorf("lock order: %w", err)
	}

	err = tx.NewSelect().Model(&order.Lines).
		Where("order_id = ?", orderID).
		Order("line_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("load order lines: %w", err)
	}
	return &order, nil
}

// lockTicketTypes locks the referenced ticket-type rows in ascending id
// order so two orders spanning the same types can never deadlock.
func (e *Engine) lockTicketTypes(ctx context.Context, tx bun.Tx, lines []models.OrderLine) ([]models.TicketType, error) {
	seen := make(map[string]bool)
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		if !seen[line.TicketTypeID] {
			seen[line.TicketTypeID] = true
			ids = append(ids, line.TicketTypeID)
		}
	}
	sort.Strings(ids)

	var types []models.TicketType
	err := e.lock(tx.NewSelect().Model(&types).
		Where("ticket_type_id IN (?)", bun.In(ids)).
		Order("ticket_type_id ASC"), "UPDATE").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock ticket types: %w", err)
	}
	if len(types) != len(ids) {
		return nil, errs.NotFound("ticket_type_not_found", "one or more ticket types do not exist")
	}
	return types, nil
}

func (e *Engine) existingInstances(ctx context.Context, tx bun.Tx, orderID string) (map[string][]models.TicketInstance, error) {
	var instances []models.TicketInstance
	err := tx.NewSelect().Model(&instances).
		Where("order_id = ?", orderID).
		Order("order_line_id ASC", "seq ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("load existing instances: %w", err)
	}

	byLine := make(map[string][]models.TicketInstance)
	for _, inst := range instances {
		byLine[inst.OrderLineID] = append(byLine[inst.OrderLineID], inst)
	}
	return byLine, nil
}

// countActive counts instances holding inventory: issued and checked_in.
// Void instances release their capacity.
func (e *Engine) countActive(ctx context.Context, tx bun.Tx, ticketTypeID string) (int, error) {
	count, err := tx.NewSelect().Model((*models.TicketInstance)(nil)).
		Where("ticket_type_id = ?", ticketTypeID).
		Where("status IN (?)", bun.In([]models.TicketStatus{models.TicketIssued, models.TicketCheckedIn})).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count issued instances: %w", err)
	}
	return count, nil
}

// markOverbooked drives the order to its terminal failure state. This
// update commits with the surrounding transaction even though issuance
// produced nothing: operators need the state to trigger a refund.
func (e *Engine) markOverbooked(ctx context.Context, tx bun.Tx, order *models.Order) error {
	order.Status = models.OrderOverbooked
	order.UpdatedAt = time.Now().UTC()
	_, err := tx.NewUpdate().Model(order).
		Column("status", "updated_at").
		Where("order_id = ?", order.OrderID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark order overbooked: %w", err)
	}
	return nil
}

func instancesOf(issued []models.IssuedTicket) []models.TicketInstance {
	out := make([]models.TicketInstance, 0, len(issued))
	for _, t := range issued {
		out = append(out, t.Ticket)
	}
	return out
}
