package httpapi

import (
	"io"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
	"github.com/vladislavdragonenkov/retailcore/internal/service/payment"
)

type initiatePaymentRequest struct {
	OrderID        string         `json:"order_id"`
	Method         string         `json:"method"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

type refundRequest struct {
	AmountMinor int64  `json:"amount_minor"`
	Reason      string `json:"reason"`
}

type initiateView struct {
	Payment paymentView `json:"payment"`
	Created bool        `json:"created"`
}

func (s *Server) initiatePayment(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req initiatePaymentRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	}
	res, err := s.payments.Initiate(r.Context(), principalOf(r), payment.InitiateInput{
		OrderID:        req.OrderID,
		Method:         req.Method,
		IdempotencyKey: key,
		Metadata:       req.Metadata,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	s.respond(w, status, initiateView{Payment: newPaymentView(res.Payment), Created: res.Created}, "")
}

func (s *Server) getPayment(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	pw, err := s.payments.GetByID(r.Context(), principalOf(r), ps.ByName("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, newPaymentWithOrderView(pw), "")
}

func (s *Server) orderPayment(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	pw, err := s.payments.GetByOrderID(r.Context(), principalOf(r), ps.ByName("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, newPaymentWithOrderView(pw), "")
}

func (s *Server) refundPayment(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req refundRequest
	if err := s.decodeOptional(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.payments.Refund(r.Context(), principalOf(r), payment.RefundInput{
		PaymentID:   ps.ByName("id"),
		AmountMinor: req.AmountMinor,
		Reason:      req.Reason,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, newPaymentView(p), "payment refunded")
}

// stripeWebhook проверяет подпись над сырым телом, поэтому тело читается без разбора.
func (s *Server) stripeWebhook(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		s.fail(w, r, domain.Validation("body_invalid", "read webhook body: %v", err))
		return
	}
	res, err := s.payments.ProcessWebhookEvent(r.Context(), body, r.Header.Get(headerStripeSig))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, webhookView{
		Received:  true,
		Outcome:   res.Outcome,
		EventID:   res.EventID,
		PaymentID: res.PaymentID,
		Status:    string(res.Status),
	}, "")
}
