package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ms-fulfillment/internal/identity"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
)

// NewRouter wires the fulfillment HTTP surface. The Stripe webhook is the
// only unauthenticated route; it authenticates by signature instead.
func NewRouter(oidcIssuer string, ident identity.Service, payments *PaymentHandler, transfers *TransferHandler, scans *ScanHandler, log *logger.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/webhooks/stripe", payments.HandleStripeWebhook)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(oidcIssuer, ident, log))

		r.With(RequireRole(models.RoleService, log)).
			Post("/internal/payment-events", payments.HandlePaymentEvent)
		r.With(RequireAnyRole(log, models.RoleService, models.RoleOrganizer)).
			Post("/internal/orders/{orderID}/issue", payments.HandleIssueOrder)

		r.Route("/tickets/{ticketID}", func(r chi.Router) {
			r.Post("/transfers", transfers.Initiate)
			r.With(RequireRole(models.RoleOrganizer, log)).Post("/undo-checkin", scans.UndoCheckIn)
			r.With(RequireRole(models.RoleOrganizer, log)).Post("/void", scans.VoidTicket)
		})

		r.Route("/transfers/{transferID}", func(r chi.Router) {
			r.Post("/accept", transfers.Accept)
			r.Post("/reject", transfers.Reject)
			r.Post("/cancel", transfers.Cancel)
		})

		r.Route("/events/{eventID}", func(r chi.Router) {
			r.With(RequireRole(models.RoleScanner, log)).Post("/scan", scans.Scan)
			r.With(RequireRole(models.RoleOrganizer, log)).Get("/scan-stats", scans.Stats)
		})
	})

	return r
}
