package ledger_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"ms-fulfillment/internal/errs"
	"ms-fulfillment/internal/issuance"
	"ms-fulfillment/internal/ledger"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/notify"
)

type recordingTrail struct {
	entries []models.AuditEntry
}

func (r *recordingTrail) Record(_ context.Context, entry models.AuditEntry) {
	r.entries = append(r.entries, entry)
}

func setupDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	db := bun.NewDB(sqldb, sqlitedialect.New())

	ctx := context.Background()
	for _, model := range []interface{}{
		(*models.Order)(nil),
		(*models.OrderLine)(nil),
		(*models.TicketType)(nil),
		(*models.TicketInstance)(nil),
		(*models.PaymentEvent)(nil),
	} {
		if err := db.ResetModel(ctx, model); err != nil {
			t.Fatalf("failed to reset model: %v", err)
		}
	}
	return db
}

func newLedger(db *bun.DB, trail *recordingTrail) *ledger.Ledger {
	log := logger.NewNop()
	engine := issuance.NewEngine(db, trail, notify.Nop{}, log)
	return ledger.NewLedger(db, engine, trail, log)
}

func seedOrderWithCapacity(t *testing.T, db *bun.DB, orderID string, total float64, qty, capacity int) {
	t.Helper()
	ctx := context.Background()

	tt := models.TicketType{
		TicketTypeID:  "tt-" + orderID,
		EventID:       "evt-1",
		Name:          "General Admission",
		CapacityTotal: capacity,
		Status:        models.TicketTypeOnSale,
	}
	if _, err := db.NewInsert().Model(&tt).Exec(ctx); err != nil {
		t.Fatalf("failed to seed ticket type: %v", err)
	}

	order := models.Order{
		OrderID:        orderID,
		EventID:        "evt-1",
		Status:         models.OrderPending,
		Total:          total,
		PurchaserEmail: "buyer@example.org",
		PaymentRef:     "pi_" + orderID,
		CreatedAt:      time.Now().UTC(),
	}
	if _, err := db.NewInsert().Model(&order).Exec(ctx); err != nil {
		t.Fatalf("failed to seed order: %v", err)
	}

	line := models.OrderLine{
		LineID:       "line-" + orderID,
		OrderID:      orderID,
		TicketTypeID: tt.TicketTypeID,
		Quantity:     qty,
	}
	if _, err := db.NewInsert().Model(&line).Exec(ctx); err != nil {
		t.Fatalf("failed to seed order line: %v", err)
	}
}

func paidNotice(orderID string, amount float64) ledger.PaymentNotice {
	return ledger.PaymentNotice{
		Provider:        "stripe",
		ProviderEventID: "evt_" + orderID + "_paid",
		PaymentRef:      "pi_" + orderID,
		Status:          models.PaymentPaid,
		Amount:          amount,
		Currency:        "usd",
	}
}

func orderStatus(t *testing.T, db *bun.DB, orderID string) models.OrderStatus {
	t.Helper()
	var order models.Order
	err := db.NewSelect().Model(&order).Where("order_id = ?", orderID).Scan(context.Background())
	if err != nil {
		t.Fatalf("failed to load order: %v", err)
	}
	return order.Status
}

func TestApplyPaymentEventSettlesAndIssues(t *testing.T) {
	db := setupDB(t)
	trail := &recordingTrail{}
	l := newLedger(db, trail)
	ctx := context.Background()

	seedOrderWithCapacity(t, db, "ord-1", 100, 2, 10)

	outcome, err := l.ApplyPaymentEvent(ctx, models.SystemActor, paidNotice("ord-1", 100))
	assert.NoError(t, err)
	assert.True(t, outcome.Paid)
	assert.Equal(t, 2, outcome.TicketsIssued)
	assert.False(t, outcome.Overbooked)
	assert.False(t, outcome.Replayed)
	assert.Equal(t, "ord-1", outcome.OrderID)

	assert.Equal(t, models.OrderPaid, orderStatus(t, db, "ord-1"))

	instances, err := db.NewSelect().Model((*models.TicketInstance)(nil)).
		Where("order_id = ?", "ord-1").Count(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, instances)
}

func TestApplyPaymentEventReplayIsIdempotent(t *testing.T) {
	db := setupDB(t)
	l := newLedger(db, &recordingTrail{})
	ctx := context.Background()

	seedOrderWithCapacity(t, db, "ord-1", 100, 2, 10)
	notice := paidNotice("ord-1", 100)

	first, err := l.ApplyPaymentEvent(ctx, models.SystemActor, notice)
	assert.NoError(t, err)
	assert.Equal(t, 2, first.TicketsIssued)

	second, err := l.ApplyPaymentEvent(ctx, models.SystemActor, notice)
	assert.NoError(t, err)
	assert.True(t, second.Replayed, "duplicate delivery must replay the stored outcome")
	assert.True(t, second.Paid)
	assert.Equal(t, 2, second.TicketsIssued)

	instances, err := db.NewSelect().Model((*models.TicketInstance)(nil)).
		Where("order_id = ?", "ord-1").Count(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, instances, "replay must not issue again")

	events, err := db.NewSelect().Model((*models.PaymentEvent)(nil)).Count(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, events)
}

func TestApplyPaymentEventDistinctEventsSameOrder(t *testing.T) {
	db := setupDB(t)
	l := newLedger(db, &recordingTrail{})
	ctx := context.Background()

	seedOrderWithCapacity(t, db, "ord-1", 100, 2, 10)

	first, err := l.ApplyPaymentEvent(ctx, models.SystemActor, paidNotice("ord-1", 100))
	assert.NoError(t, err)
	assert.Equal(t, 2, first.TicketsIssued)

	// A second distinct paid event for the same order: recorded, but the
	// order is already fulfilled so nothing new is created.
	other := paidNotice("ord-1", 100)
	other.ProviderEventID = "evt_ord-1_paid_again"
	second, err := l.ApplyPaymentEvent(ctx, models.SystemActor, other)
	assert.NoError(t, err)
	assert.False(t, second.Replayed)
	assert.True(t, second.Paid)
	assert.Equal(t, 0, second.TicketsIssued)

	instances, err := db.NewSelect().Model((*models.TicketInstance)(nil)).
		Where("order_id = ?", "ord-1").Count(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, instances)
}

func TestApplyPaymentEventAmountMismatch(t *testing.T) {
	db := setupDB(t)
	l := newLedger(db, &recordingTrail{})
	ctx := context.Background()

	seedOrderWithCapacity(t, db, "ord-1", 100, 2, 10)

	_, err := l.ApplyPaymentEvent(ctx, models.SystemActor, paidNotice("ord-1", 55))
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	assert.Equal(t, models.OrderPending, orderStatus(t, db, "ord-1"))

	// The whole transaction rolled back, so a corrected retry is not
	// shadowed by an idempotency record.
	events, err := db.NewSelect().Model((*models.PaymentEvent)(nil)).Count(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, events)

	outcome, err := l.ApplyPaymentEvent(ctx, models.SystemActor, paidNotice("ord-1", 100))
	assert.NoError(t, err)
	assert.Equal(t, 2, outcome.TicketsIssued)
}

func TestApplyPaymentEventUnknownPaymentRef(t *testing.T) {
	db := setupDB(t)
	l := newLedger(db, &recordingTrail{})

	_, err := l.ApplyPaymentEvent(context.Background(), models.SystemActor, paidNotice("no-such-order", 100))
	assert.True(t, errs.IsKind(err, errs.KindNotFound))

	events, err := db.NewSelect().Model((*models.PaymentEvent)(nil)).Count(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 0, events, "nothing persists for an unmatched notification")
}

func TestApplyPaymentEventOverbooked(t *testing.T) {
	db := setupDB(t)
	l := newLedger(db, &recordingTrail{})
	ctx := context.Background()

	seedOrderWithCapacity(t, db, "ord-1", 100, 3, 2)

	outcome, err := l.ApplyPaymentEvent(ctx, models.SystemActor, paidNotice("ord-1", 100))
	assert.NoError(t, err)
	assert.True(t, outcome.Paid)
	assert.True(t, outcome.Overbooked)
	assert.Equal(t, 0, outcome.TicketsIssued)

	assert.Equal(t, models.OrderOverbooked, orderStatus(t, db, "ord-1"))

	instances, err := db.NewSelect().Model((*models.TicketInstance)(nil)).Count(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, instances)

	// The idempotency record commits alongside the overbooked state.
	events, err := db.NewSelect().Model((*models.PaymentEvent)(nil)).Count(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, events)
}

func TestApplyPaymentEventFailureVoidsInstances(t *testing.T) {
	db := setupDB(t)
	l := newLedger(db, &recordingTrail{})
	ctx := context.Background()

	seedOrderWithCapacity(t, db, "ord-1", 100, 2, 10)

	_, err := l.ApplyPaymentEvent(ctx, models.SystemActor, paidNotice("ord-1", 100))
	assert.NoError(t, err)

	failure := ledger.PaymentNotice{
		Provider:        "stripe",
		ProviderEventID: "evt_ord-1_failed",
		PaymentRef:      "pi_ord-1",
		Status:          models.PaymentFailed,
	}
	outcome, err := l.ApplyPaymentEvent(ctx, models.SystemActor, failure)
	assert.NoError(t, err)
	assert.False(t, outcome.Paid)

	assert.Equal(t, models.OrderFailed, orderStatus(t, db, "ord-1"))

	voided, err := db.NewSelect().Model((*models.TicketInstance)(nil)).
		Where("order_id = ?", "ord-1").
		Where("status = ?", models.TicketVoid).
		Count(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, voided)
}

func TestApplyPaymentEventRefund(t *testing.T) {
	db := setupDB(t)
	l := newLedger(db, &recordingTrail{})
	ctx := context.Background()

	seedOrderWithCapacity(t, db, "ord-1", 100, 2, 10)
	_, err := l.ApplyPaymentEvent(ctx, models.SystemActor, paidNotice("ord-1", 100))
	assert.NoError(t, err)

	refund := ledger.PaymentNotice{
		Provider:        "stripe",
		ProviderEventID: "evt_ord-1_refund",
		PaymentRef:      "pi_ord-1",
		Status:          models.PaymentRefunded,
	}
	_, err = l.ApplyPaymentEvent(ctx, models.SystemActor, refund)
	assert.NoError(t, err)

	assert.Equal(t, models.OrderRefunded, orderStatus(t, db, "ord-1"))

	voided, err := db.NewSelect().Model((*models.TicketInstance)(nil)).
		Where("status = ?", models.TicketVoid).Count(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, voided)
}

func TestApplyPaymentEventRefundRequiresPaidOrder(t *testing.T) {
	db := setupDB(t)
	l := newLedger(db, &recordingTrail{})

	seedOrderWithCapacity(t, db, "ord-1", 100, 2, 10)

	refund := ledger.PaymentNotice{
		Provider:        "stripe",
		ProviderEventID: "evt_ord-1_refund",
		PaymentRef:      "pi_ord-1",
		Status:          models.PaymentRefunded,
	}
	_, err := l.ApplyPaymentEvent(context.Background(), models.SystemActor, refund)
	assert.True(t, errs.IsKind(err, errs.KindConflict))
	assert.Equal(t, models.OrderPending, orderStatus(t, db, "ord-1"))
}

func TestApplyPaymentEventPendingIsInformational(t *testing.T) {
	db := setupDB(t)
	l := newLedger(db, &recordingTrail{})

	seedOrderWithCapacity(t, db, "ord-1", 100, 2, 10)

	pending := ledger.PaymentNotice{
		Provider:        "stripe",
		ProviderEventID: "evt_ord-1_pending",
		PaymentRef:      "pi_ord-1",
		Status:          models.PaymentPending,
	}
	outcome, err := l.ApplyPaymentEvent(context.Background(), models.SystemActor, pending)
	assert.NoError(t, err)
	assert.False(t, outcome.Paid)
	assert.Equal(t, models.OrderPending, orderStatus(t, db, "ord-1"))
}

func TestApplyPaymentEventValidatesNotice(t *testing.T) {
	db := setupDB(t)
	l := newLedger(db, &recordingTrail{})

	_, err := l.ApplyPaymentEvent(context.Background(), models.SystemActor, ledger.PaymentNotice{
		Provider: "stripe",
		Status:   models.PaymentPaid,
	})
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}
