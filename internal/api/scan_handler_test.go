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
	"github.com/stretchr/testify/mock"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"ms-fulfillment/internal/api"
	"ms-fulfillment/internal/checkin"
	"ms-fulfillment/internal/config"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/notify"
	"ms-fulfillment/internal/qr"
	"ms-fulfillment/internal/settings"
	"ms-fulfillment/internal/tokens"
	"ms-fulfillment/internal/utils"
)

type nopTrail struct{}

func (nopTrail) Record(context.Context, models.AuditEntry) {}

type MockRegistry struct {
	mock.Mock
}

func (m *MockRegistry) EventExists(ctx context.Context, eventID string) (bool, error) {
	args := m.Called(eventID)
	return args.Bool(0), args.Error(1)
}

func (m *MockRegistry) OrganizationForEvent(ctx context.Context, eventID string) (string, error) {
	args := m.Called(eventID)
	return args.String(0), args.Error(1)
}

var scannerActor = models.Actor{ID: "scanner-1", Roles: []models.Role{models.RoleScanner}}

func setupDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	db := bun.NewDB(sqldb, sqlitedialect.New())

	ctx := context.Background()
	for _, model := range []interface{}{
		(*models.TicketInstance)(nil),
		(*models.ScanRecord)(nil),
		(*models.CheckinRecord)(nil),
	} {
		if err := db.ResetModel(ctx, model); err != nil {
			t.Fatalf("failed to reset model: %v", err)
		}
	}
	return db
}

func newScanHandler(t *testing.T, db *bun.DB, reg *MockRegistry) (*api.ScanHandler, *qr.Generator) {
	t.Helper()
	cfg := config.CheckinConfig{
		RateLimitThreshold: 100,
		RateLimitWindow:    time.Minute,
		PIIDisclosure:      models.PIIMasked,
		UndoAllowed:        true,
	}
	engine := checkin.NewEngine(db, nopTrail{}, notify.Nop{}, settings.NewStatic(cfg), logger.NewNop())
	qrGen := qr.NewGenerator("test-secret")
	return api.NewScanHandler(engine, qrGen, reg, logger.NewNop()), qrGen
}

func seedTicket(t *testing.T, db *bun.DB, rawToken string) {
	t.Helper()
	ticket := models.TicketInstance{
		TicketID:     "tk-1",
		TicketTypeID: "tt-ga",
		EventID:      "evt-1",
		OrderID:      "ord-1",
		OrderLineID:  "line-1",
		Seq:          1,
		OwnerEmail:   "ada@example.org",
		OwnerName:    "Ada Lovelace",
		TokenHash:    tokens.Hash(rawToken),
		Status:       models.TicketIssued,
		IssuedAt:     time.Now().UTC(),
	}
	if _, err := db.NewInsert().Model(&ticket).Exec(context.Background()); err != nil {
		t.Fatalf("failed to seed ticket: %v", err)
	}
}

func doScan(handler *api.ScanHandler, eventID string, body interface{}) *httptest.ResponseRecorder {
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/events/"+eventID+"/scan", bytes.NewReader(payload))
	req = req.WithContext(api.WithActor(req.Context(), scannerActor))

	router := chi.NewRouter()
	router.Post("/events/{eventID}/scan", handler.Scan)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestScanEndpointWithRawToken(t *testing.T) {
	db := setupDB(t)
	handler, _ := newScanHandler(t, db, &MockRegistry{})

	seedTicket(t, db, "raw-token-1")

	rec := doScan(handler, "evt-1", map[string]string{"raw_token": "raw-token-1", "device_id": "door-1"})
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp utils.APIResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, string(models.ScanValid), resp.Message)
}

func TestScanEndpointWithEncryptedQR(t *testing.T) {
	db := setupDB(t)
	handler, qrGen := newScanHandler(t, db, &MockRegistry{})

	seedTicket(t, db, "raw-token-1")

	payload, err := json.Marshal(qr.Payload{EventID: "evt-1", RawToken: "raw-token-1"})
	assert.NoError(t, err)
	encrypted, err := qrGen.Encrypt(payload)
	assert.NoError(t, err)

	rec := doScan(handler, "evt-1", map[string]string{"encrypted_qr": encrypted})
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp utils.APIResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(models.ScanValid), resp.Message)
}

func TestScanEndpointUndecodableQRIsInvalid(t *testing.T) {
	db := setupDB(t)
	handler, _ := newScanHandler(t, db, &MockRegistry{})

	rec := doScan(handler, "evt-1", map[string]string{"encrypted_qr": "garbage"})
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp utils.APIResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(models.ScanInvalid), resp.Message)
}

func TestStatsEndpointUnknownEvent(t *testing.T) {
	db := setupDB(t)
	reg := &MockRegistry{}
	reg.On("EventExists", "evt-missing").Return(false, nil)
	handler, _ := newScanHandler(t, db, reg)

	req := httptest.NewRequest(http.MethodGet, "/events/evt-missing/scan-stats", nil)
	req = req.WithContext(api.WithActor(req.Context(), scannerActor))

	router := chi.NewRouter()
	router.Get("/events/{eventID}/scan-stats", handler.Stats)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	reg.AssertExpectations(t)
}

func TestStatsEndpointKnownEvent(t *testing.T) {
	db := setupDB(t)
	reg := &MockRegistry{}
	reg.On("EventExists", "evt-1").Return(true, nil)
	handler, _ := newScanHandler(t, db, reg)

	seedTicket(t, db, "raw-token-1")
	rec := doScan(handler, "evt-1", map[string]string{"raw_token": "raw-token-1"})
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/events/evt-1/scan-stats", nil)
	req = req.WithContext(api.WithActor(req.Context(), scannerActor))

	router := chi.NewRouter()
	router.Get("/events/{eventID}/scan-stats", handler.Stats)

	statsRec := httptest.NewRecorder()
	router.ServeHTTP(statsRec, req)

	assert.Equal(t, http.StatusOK, statsRec.Code)

	var resp utils.APIResponse
	assert.NoError(t, json.Unmarshal(statsRec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	reg.AssertExpectations(t)
}
