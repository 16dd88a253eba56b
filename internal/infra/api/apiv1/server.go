package apiv1

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"subscription-commerce/internal/domain"
	"subscription-commerce/internal/domain/ports/repository"
	"subscription-commerce/internal/infra/logging"
	"subscription-commerce/internal/usecase"
)

const maxBody = 1 << 20

// Server implements the /api/v1 handlers on top of the payment bridges.
type Server struct {
	payments usecase.PaymentUseCase
	fulfill  usecase.FulfillmentUseCase
	products repository.ProductRepository
	secrets  map[string]string // gateway name -> webhook secret
	log      *zerolog.Logger
}

func NewServer(
	payments usecase.PaymentUseCase,
	fulfill usecase.FulfillmentUseCase,
	products repository.ProductRepository,
	webhookSecrets map[string]string,
	logger *zerolog.Logger,
) *Server {
	secrets := make(map[string]string, len(webhookSecrets))
	for name, s := range webhookSecrets {
		secrets[strings.ToLower(name)] = s
	}
	l := logger.With().Str("component", "APIv1").Logger()
	return &Server{payments: payments, fulfill: fulfill, products: products, secrets: secrets, log: &l}
}

// RegisterAPIV1 mounts the v1 routes on r under /api/v1.
func RegisterAPIV1(r chi.Router, s *Server) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/products/{id}", s.getProduct)
		r.Route("/invoices/{id}", func(r chi.Router) {
			r.Post("/pay/credit", s.payWithCredit)
			r.Post("/capture", s.capture)
			r.Get("/fulfillment", s.fulfillment)
		})
		r.Post("/webhooks/{gateway}", s.webhook)
	})
}

func (s *Server) getProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := s.products.FindByID(r.Context(), repository.NoTX, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProduct(p))
}

func (s *Server) payWithCredit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	out, err := s.payments.PayWithCredit(r.Context(), id, uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(out))
}

func (s *Server) capture(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	var req CaptureRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Error{Code: "bad_request", Message: "invalid JSON body"})
		return
	}
	out, err := s.payments.ConfirmCapture(r.Context(), req.Gateway, id, uid, req.OrderRef)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(out))
}

// fulfillment is the confirm/poll endpoint; safe to call while the invoice is
// still pending.
func (s *Server) fulfillment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	res, err := s.fulfill.Fulfill(r.Context(), id, uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFulfillment(res))
}

func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	gateway := strings.ToLower(chi.URLParam(r, "gateway"))
	secret, ok := s.secrets[gateway]
	if !ok {
		s.writeError(w, r, domain.ErrUnknownGateway)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, Error{Code: "too_large", Message: "body too large"})
		return
	}
	if !VerifySignature(secret, body, r.Header.Get("X-Signature")) {
		s.writeError(w, r, domain.ErrInvalidSignature)
		return
	}
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		writeJSON(w, http.StatusBadRequest, Error{Code: "bad_request", Message: "invalid JSON body"})
		return
	}
	out, err := s.payments.HandleWebhook(r.Context(), usecase.WebhookEvent{
		Gateway:    gateway,
		DeliveryID: p.DeliveryID,
		InvoiceID:  p.InvoiceID,
		Status:     p.Status,
		OrderRef:   p.OrderRef,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(out))
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		l := logging.With(r.Context(), s.log)
		l.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, Error{Code: code, Message: msg})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrUnknownGateway):
		return http.StatusNotFound, "unknown_gateway"
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrCurrencyMismatch):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, domain.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient_balance"
	case errors.Is(err, domain.ErrInsufficientStock):
		return http.StatusConflict, "out_of_stock"
	case errors.Is(err, domain.ErrPaymentNotCaptured):
		return http.StatusConflict, "not_captured"
	case errors.Is(err, domain.ErrGatewayFailure):
		return http.StatusBadGateway, "gateway_error"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, Error{Code: "invalid_argument", Message: "invalid id"})
		return 0, false
	}
	return id, true
}

// userID reads the caller identity set by the upstream auth proxy.
func userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusUnauthorized, Error{Code: "unauthenticated", Message: "missing X-User-ID"})
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
