package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"ms-fulfillment/internal/errs"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/transfer"
	"ms-fulfillment/internal/utils"
)

type TransferHandler struct {
	Engine   *transfer.Engine
	Validate *validator.Validate
	Logger   *logger.Logger
}

func NewTransferHandler(engine *transfer.Engine, log *logger.Logger) *TransferHandler {
	return &TransferHandler{Engine: engine, Validate: validator.New(), Logger: log}
}

type initiateTransferRequest struct {
	ToEmail    string `json:"to_email" validate:"required,email"`
	TTLSeconds int    `json:"ttl_seconds" validate:"gte=0"`
}

func (h *TransferHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketID")

	var req initiateTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, errs.Validation("malformed_body", "invalid request body"))
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		utils.WriteError(w, errs.Validation("invalid_request", err.Error()))
		return
	}

	result, err := h.Engine.Initiate(r.Context(), ActorFrom(r.Context()), ticketID,
		req.ToEmail, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	// The raw token appears in this response and nowhere else.
	utils.WriteJSON(w, http.StatusCreated, utils.SuccessResponse("transfer initiated", result))
}

type transferTokenRequest struct {
	RawToken string `json:"raw_token" validate:"required"`
}

func (h *TransferHandler) Accept(w http.ResponseWriter, r *http.Request) {
	transferID := chi.URLParam(r, "transferID")

	var req transferTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, errs.Validation("malformed_body", "invalid request body"))
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		utils.WriteError(w, errs.Validation("invalid_request", err.Error()))
		return
	}

	result, err := h.Engine.Accept(r.Context(), ActorFrom(r.Context()), transferID, req.RawToken)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("transfer accepted", result))
}

func (h *TransferHandler) Reject(w http.ResponseWriter, r *http.Request) {
	transferID := chi.URLParam(r, "transferID")

	var req transferTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, errs.Validation("malformed_body", "invalid request body"))
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		utils.WriteError(w, errs.Validation("invalid_request", err.Error()))
		return
	}

	if err := h.Engine.Reject(r.Context(), ActorFrom(r.Context()), transferID, req.RawToken); err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("transfer rejected", nil))
}

func (h *TransferHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	transferID := chi.URLParam(r, "transferID")

	if err := h.Engine.Cancel(r.Context(), ActorFrom(r.Context()), transferID); err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("transfer cancelled", nil))
}
