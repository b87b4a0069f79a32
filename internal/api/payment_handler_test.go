package api_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"ms-fulfillment/internal/api"
	"ms-fulfillment/internal/issuance"
	"ms-fulfillment/internal/ledger"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/notify"
	"ms-fulfillment/internal/qr"
	"ms-fulfillment/internal/utils"
)

var serviceActor = models.Actor{ID: "svc-1", Roles: []models.Role{models.RoleService}}

func setupOrderDB(t *testing.T) *bun.DB {
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

func newPaymentHandler(db *bun.DB) *api.PaymentHandler {
	log := logger.NewNop()
	engine := issuance.NewEngine(db, nopTrail{}, notify.Nop{}, log)
	l := ledger.NewLedger(db, engine, nopTrail{}, log)
	return api.NewPaymentHandler(l, engine, qr.NewGenerator("test-secret"), log, "whsec_test")
}

func seedPendingOrder(t *testing.T, db *bun.DB, orderID string, qty, capacity int) {
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
		Total:          100,
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

func postPaymentEvent(handler *api.PaymentHandler, body interface{}) *httptest.ResponseRecorder {
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/internal/payment-events", bytes.NewReader(payload))
	req = req.WithContext(api.WithActor(req.Context(), serviceActor))

	rec := httptest.NewRecorder()
	http.HandlerFunc(handler.HandlePaymentEvent).ServeHTTP(rec, req)
	return rec
}

func TestHandlePaymentEventSettles(t *testing.T) {
	db := setupOrderDB(t)
	handler := newPaymentHandler(db)

	seedPendingOrder(t, db, "ord-1", 2, 10)

	rec := postPaymentEvent(handler, ledger.PaymentNotice{
		Provider:        "adyen",
		ProviderEventID: "evt-1",
		PaymentRef:      "pi_ord-1",
		Status:          models.PaymentPaid,
		Amount:          100,
		Currency:        "usd",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp utils.APIResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)

	count, err := db.NewSelect().Model((*models.TicketInstance)(nil)).Count(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestHandlePaymentEventRejectsIncompleteNotice(t *testing.T) {
	db := setupOrderDB(t)
	handler := newPaymentHandler(db)

	rec := postPaymentEvent(handler, map[string]string{"provider": "adyen"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp utils.APIResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
}

func TestHandleIssueOrderOverbooked(t *testing.T) {
	db := setupOrderDB(t)
	handler := newPaymentHandler(db)
	ctx := context.Background()

	seedPendingOrder(t, db, "ord-1", 5, 2)
	_, err := db.NewUpdate().Model((*models.Order)(nil)).
		Set("status = ?", models.OrderPaid).
		Where("order_id = ?", "ord-1").
		Exec(ctx)
	assert.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/internal/orders/ord-1/issue", nil)
	req = req.WithContext(api.WithActor(req.Context(), serviceActor))

	router := chi.NewRouter()
	router.Post("/internal/orders/{orderID}/issue", handler.HandleIssueOrder)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)

	var resp utils.APIResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "capacity_exceeded", resp.Reason)
}

func TestHandleIssueOrderReturnsQRForFreshTickets(t *testing.T) {
	db := setupOrderDB(t)
	handler := newPaymentHandler(db)
	ctx := context.Background()

	seedPendingOrder(t, db, "ord-1", 1, 10)
	_, err := db.NewUpdate().Model((*models.Order)(nil)).
		Set("status = ?", models.OrderPaid).
		Where("order_id = ?", "ord-1").
		Exec(ctx)
	assert.NoError(t, err)

	router := chi.NewRouter()
	router.Post("/internal/orders/{orderID}/issue", handler.HandleIssueOrder)

	req := httptest.NewRequest(http.MethodPost, "/internal/orders/ord-1/issue", nil)
	req = req.WithContext(api.WithActor(req.Context(), serviceActor))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []struct {
			TicketID string `json:"ticket_id"`
			RawToken string `json:"raw_token"`
			QRCode   []byte `json:"qr_code"`
		} `json:"data"`
	}
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 1)
	assert.NotEmpty(t, resp.Data[0].RawToken)
	assert.NotEmpty(t, resp.Data[0].QRCode)

	// Re-issue: same ticket comes back without a token or QR image.
	req = httptest.NewRequest(http.MethodPost, "/internal/orders/ord-1/issue", nil)
	req = req.WithContext(api.WithActor(req.Context(), serviceActor))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	resp.Data = nil
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 1)
	assert.Empty(t, resp.Data[0].RawToken)
	assert.Empty(t, resp.Data[0].QRCode)
}
