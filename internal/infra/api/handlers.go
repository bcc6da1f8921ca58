package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"entitlement-service/internal/domain"
	"entitlement-service/internal/domain/model"
	"entitlement-service/internal/infra/logging"
	"entitlement-service/internal/infra/metrics"
)

const (
	maxWebhookBytes = 64 << 10
	signatureHeader = "Stripe-Signature"
)

// handleWebhook acknowledges a delivery only after it was durably processed
// or intentionally discarded. Anything else makes the processor retry.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		metrics.ObserveWebhook("bad_request", time.Since(start))
		writeBadRequest(w, errors.New("unreadable body"))
		return
	}

	outcome, err := s.reconcile.HandleWebhook(r.Context(), payload, r.Header.Get(signatureHeader))
	l := logging.With(r.Context(), s.log)
	if err != nil {
		he := classify(err)
		switch {
		case errors.Is(err, domain.ErrSignature):
			he = httpError{http.StatusBadRequest, "bad_signature", "invalid signature"}
		case errors.Is(err, domain.ErrLockNotAcquired):
			he = httpError{http.StatusConflict, "in_flight", "event is being processed"}
		case he.status < 500:
			// The event was verified but could not be applied; let the processor retry.
			he = httpError{http.StatusInternalServerError, "internal_error", "internal error"}
		}
		metrics.ObserveWebhook(he.code, time.Since(start))
		l.Error().Err(err).Int("status", he.status).Msg("webhook not processed")
		writeJSON(w, he.status, errorBody{Error: he.code, Message: he.message})
		return
	}

	metrics.ObserveWebhook(string(outcome), time.Since(start))
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeBadRequest(w, err)
		return
	}
	res, err := s.purchases.Checkout(r.Context(), userIDFrom(r.Context()), req.ProgramID)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, checkoutResponse{Purchase: toPurchaseView(res.Purchase), ClientSecret: res.ClientSecret})
}

func (s *Server) handleListPurchases(w http.ResponseWriter, r *http.Request) {
	items, err := s.purchases.ListByUser(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	views := make([]purchaseView, 0, len(items))
	for _, p := range items {
		views = append(views, toPurchaseView(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views})
}

func (s *Server) handleGetPurchase(w http.ResponseWriter, r *http.Request) {
	p, err := s.purchases.Get(r.Context(), userIDFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchaseView(p))
}

func (s *Server) handleConfirmPurchase(w http.ResponseWriter, r *http.Request) {
	p, err := s.reconcile.ConfirmPurchase(r.Context(), userIDFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchaseView(p))
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	p, err := s.purchases.Refund(r.Context(), userIDFrom(r.Context()), chi.URLParam(r, "id"), s.now())
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchaseView(p))
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeBadRequest(w, err)
		return
	}
	sub, err := s.subscriptions.Subscribe(r.Context(), userIDFrom(r.Context()), model.Tier(req.Tier), req.PaymentMethod)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSubscriptionView(sub))
}

func (s *Server) handleCurrentSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.subscriptions.GetLive(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	if sub == nil {
		writeError(w, r, s.log, domain.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionView(sub))
}

func (s *Server) handleChangeTier(w http.ResponseWriter, r *http.Request) {
	var req changeTierRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeBadRequest(w, err)
		return
	}
	sub, err := s.subscriptions.ChangeTier(r.Context(), userIDFrom(r.Context()), chi.URLParam(r, "id"), model.Tier(req.Tier))
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionView(sub))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		writeBadRequest(w, err)
		return
	}
	sub, err := s.subscriptions.RequestCancel(r.Context(), userIDFrom(r.Context()), chi.URLParam(r, "id"), req.Immediate)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionView(sub))
}

func (s *Server) handleReactivate(w http.ResponseWriter, r *http.Request) {
	sub, err := s.subscriptions.Reactivate(r.Context(), userIDFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionView(sub))
}

func (s *Server) handleEntitlements(w http.ResponseWriter, r *http.Request) {
	ents, err := s.entitlements.Summary(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, ents)
}

func (s *Server) handleProgramAccess(w http.ResponseWriter, r *http.Request) {
	programID := chi.URLParam(r, "id")
	ok, err := s.entitlements.CanAccessProgram(r.Context(), userIDFrom(r.Context()), programID)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, programAccessResponse{ProgramID: programID, Access: ok})
}

func (s *Server) handlePremiumPing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLinkTelegram(w http.ResponseWriter, r *http.Request) {
	var req linkTelegramRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.users.LinkTelegram(r.Context(), userIDFrom(r.Context()), req.ChatID); err != nil {
		writeError(w, r, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
