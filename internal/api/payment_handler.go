package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"ms-fulfillment/internal/errs"
	"ms-fulfillment/internal/issuance"
	"ms-fulfillment/internal/ledger"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/qr"
	"ms-fulfillment/internal/utils"
)

type PaymentHandler struct {
	Ledger        *ledger.Ledger
	Issuance      *issuance.Engine
	QR            *qr.Generator
	Validate      *validator.Validate
	Logger        *logger.Logger
	WebhookSecret string
}

func NewPaymentHandler(l *ledger.Ledger, engine *issuance.Engine, qrGen *qr.Generator, log *logger.Logger, webhookSecret string) *PaymentHandler {
	return &PaymentHandler{
		Ledger:        l,
		Issuance:      engine,
		QR:            qrGen,
		Validate:      validator.New(),
		Logger:        log,
		WebhookSecret: webhookSecret,
	}
}

// stripeActor identifies the webhook sender in the audit trail. Stripe
// calls carry no platform identity of their own.
var stripeActor = models.Actor{ID: "stripe-webhook", Roles: []models.Role{models.RoleService}}

// HandleStripeWebhook verifies the Stripe signature and maps the event
// onto the provider-agnostic ledger operation. Stripe retries deliveries;
// the ledger's idempotency record makes that safe.
func (h *PaymentHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.WebhookSecret == "" {
		h.Logger.Error("WEBHOOK", "Stripe webhook secret is not configured")
		utils.WriteError(w, errs.Internalf("webhook not configured"))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		utils.WriteError(w, errs.Validation("unreadable_payload", "failed to read webhook payload"))
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), h.WebhookSecret)
	if err != nil {
		h.Logger.LogSecurity("WEBHOOK_SIGNATURE", fmt.Sprintf("signature verification failed: %v", err))
		utils.WriteError(w, errs.Validation("invalid_signature", "webhook signature verification failed"))
		return
	}

	notice, ok, err := h.noticeFromStripeEvent(event)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	if !ok {
		// Event types we don't settle on are acknowledged so Stripe stops
		// retrying them.
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("event ignored", nil))
		return
	}

	outcome, err := h.Ledger.ApplyPaymentEvent(r.Context(), stripeActor, notice)
	if err != nil {
		h.Logger.Error("WEBHOOK", fmt.Sprintf("failed to apply stripe event %s: %v", event.ID, err))
		utils.WriteError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("payment event applied", outcome))
}

func (h *PaymentHandler) noticeFromStripeEvent(event stripe.Event) (ledger.PaymentNotice, bool, error) {
	notice := ledger.PaymentNotice{
		Provider:        "stripe",
		ProviderEventID: event.ID,
	}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return notice, false, errs.Validation("malformed_event", "failed to parse payment intent")
		}
		notice.PaymentRef = intent.ID
		notice.Amount = float64(intent.Amount) / 100
		notice.Currency = string(intent.Currency)
		switch event.Type {
		case "payment_intent.succeeded":
			notice.Status = models.PaymentPaid
		case "payment_intent.payment_failed":
			notice.Status = models.PaymentFailed
		default:
			notice.Status = models.PaymentCancelled
		}
		return notice, true, nil
	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return notice, false, errs.Validation("malformed_event", "failed to parse charge")
		}
		if charge.PaymentIntent == nil {
			return notice, false, errs.Validation("malformed_event", "refund without payment intent")
		}
		notice.PaymentRef = charge.PaymentIntent.ID
		notice.Amount = float64(charge.AmountRefunded) / 100
		notice.Currency = string(charge.Currency)
		notice.Status = models.PaymentRefunded
		return notice, true, nil
	default:
		return notice, false, nil
	}
}

// HandlePaymentEvent ingests a normalized payment notification from a
// non-Stripe provider. Service role only.
func (h *PaymentHandler) HandlePaymentEvent(w http.ResponseWriter, r *http.Request) {
	var notice ledger.PaymentNotice
	if err := json.NewDecoder(r.Body).Decode(&notice); err != nil {
		utils.WriteError(w, errs.Validation("malformed_body", "invalid request body"))
		return
	}
	if err := h.Validate.Struct(notice); err != nil {
		utils.WriteError(w, errs.Validation("invalid_notice", err.Error()))
		return
	}

	outcome, err := h.Ledger.ApplyPaymentEvent(r.Context(), ActorFrom(r.Context()), notice)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("payment event applied", outcome))
}

// HandleIssueOrder re-runs issuance for an order: backfill after an
// operational failure, or retry after a transient error. Idempotent.
func (h *PaymentHandler) HandleIssueOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	actor := ActorFrom(r.Context())

	result, err := h.Issuance.Issue(r.Context(), actor, orderID)
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	if result.Overbooked != nil {
		resp := utils.ErrorResponse("order overbooked", result.Overbooked.Error())
		resp.Reason = "capacity_exceeded"
		resp.Data = result.Overbooked
		utils.WriteJSON(w, http.StatusConflict, resp)
		return
	}

	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse(
		fmt.Sprintf("%d instances created", result.Created),
		h.issuedPayload(result)))
}

type issuedTicketDTO struct {
	TicketID string `json:"ticket_id"`
	Seq      int    `json:"seq"`
	RawToken string `json:"raw_token,omitempty"`
	QRCode   []byte `json:"qr_code,omitempty"`
}

// issuedPayload attaches a QR image to each freshly issued ticket. Only
// tickets created by this very call carry a raw token; replays return bare
// references.
func (h *PaymentHandler) issuedPayload(result *issuance.Result) []issuedTicketDTO {
	out := make([]issuedTicketDTO, 0, len(result.Tickets))
	for _, t := range result.Tickets {
		dto := issuedTicketDTO{
			TicketID: t.Ticket.TicketID,
			Seq:      t.Ticket.Seq,
			RawToken: t.RawToken,
		}
		if t.RawToken != "" && h.QR != nil {
			png, err := h.QR.Encode(qr.Payload{EventID: t.Ticket.EventID, RawToken: t.RawToken})
			if err != nil {
				h.Logger.Error("QR", fmt.Sprintf("failed to render QR for ticket %s: %v", t.Ticket.TicketID, err))
			} else {
				dto.QRCode = png
			}
		}
		out = append(out, dto)
	}
	return out
}
