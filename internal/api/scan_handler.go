package api

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"ms-fulfillment/internal/checkin"
	"ms-fulfillment/internal/errs"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/qr"
	"ms-fulfillment/internal/registry"
	"ms-fulfillment/internal/utils"
)

type ScanHandler struct {
	Engine   *checkin.Engine
	QR       *qr.Generator
	Registry registry.EventRegistry
	Validate *validator.Validate
	Logger   *logger.Logger
}

func NewScanHandler(engine *checkin.Engine, qrGen *qr.Generator, reg registry.EventRegistry, log *logger.Logger) *ScanHandler {
	return &ScanHandler{Engine: engine, QR: qrGen, Registry: reg, Validate: validator.New(), Logger: log}
}

// scanRequest accepts either the raw token directly or the encrypted QR
// payload a door scanner decoded from the image.
type scanRequest struct {
	RawToken    string `json:"raw_token,omitempty"`
	EncryptedQR string `json:"encrypted_qr,omitempty"`
	DeviceID    string `json:"device_id,omitempty"`
}

func (h *ScanHandler) Scan(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, errs.Validation("malformed_body", "invalid request body"))
		return
	}

	rawToken := req.RawToken
	if rawToken == "" && req.EncryptedQR != "" {
		payload, err := h.QR.Decode(req.EncryptedQR)
		if err != nil {
			// An undecodable QR is an invalid credential, not a server
			// error; let the engine log it as such.
			rawToken = ""
		} else {
			rawToken = payload.RawToken
		}
	}

	scanReq := checkin.ScanRequest{
		EventID:   eventID,
		RawToken:  rawToken,
		DeviceID:  req.DeviceID,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}

	response, err := h.Engine.Scan(r.Context(), ActorFrom(r.Context()), scanReq)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse(string(response.Result), response))
}

func (h *ScanHandler) UndoCheckIn(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketID")

	if err := h.Engine.UndoCheckIn(r.Context(), ActorFrom(r.Context()), ticketID); err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("check-in undone", nil))
}

type voidRequest struct {
	Reason string `json:"reason"`
}

func (h *ScanHandler) VoidTicket(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketID")

	var req voidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, errs.Validation("malformed_body", "invalid request body"))
		return
	}

	if err := h.Engine.VoidTicket(r.Context(), ActorFrom(r.Context()), ticketID, req.Reason); err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("ticket voided", nil))
}

func (h *ScanHandler) Stats(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	// Unknown events return 404 rather than an all-zero report.
	exists, err := h.Registry.EventExists(r.Context(), eventID)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	if !exists {
		utils.WriteError(w, errs.NotFound("event_not_found", "event not found"))
		return
	}

	stats, err := h.Engine.Stats(r.Context(), eventID)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("scan statistics", stats))
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
