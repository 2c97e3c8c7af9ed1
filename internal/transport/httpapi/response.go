package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

// errRateLimited - ответ ограничителя частоты запросов.
var errRateLimited = errors.New("too many requests")

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Message string     `json:"message,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code   string `json:"code"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// statusFor сопоставляет класс ошибки с HTTP-статусом.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized
	}

	switch domain.KindOf(err) {
	case domain.KindValidation, domain.KindInvalidStateTransition, domain.KindInsufficientStock, domain.KindSignatureInvalid:
		return http.StatusBadRequest
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) respond(w http.ResponseWriter, status int, data any, message string) {
	writeJSON(w, status, envelope{Success: true, Data: data, Message: message})
}

// fail пишет ошибку. Внутренние детали отдаются клиенту только вне production.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}

	entry := s.logger.WithError(err).WithFields(log.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}

	body := envelope{Success: false, Message: message}
	if !s.cfg.production() {
		body.Error = &errorBody{
			Code:   domain.CodeOf(err),
			Kind:   string(domain.KindOf(err)),
			Detail: err.Error(),
		}
		if errors.Is(err, errRateLimited) {
			body.Error.Code = "rate_limited"
			body.Error.Kind = "rate_limited"
		}
	}
	writeJSON(w, status, body)
}

// decode читает JSON-тело запроса. Неизвестные поля отклоняются.
func (s *Server) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, s.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.Validation("body_required", "request body is required")
		}
		return domain.Validation("body_invalid", "invalid request body: %s", strings.TrimPrefix(err.Error(), "json: "))
	}
	return nil
}
