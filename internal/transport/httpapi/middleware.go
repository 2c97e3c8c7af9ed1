package httpapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/vladislavdragonenkov/retailcore/internal/auth"
	"github.com/vladislavdragonenkov/retailcore/internal/domain"
	"github.com/vladislavdragonenkov/retailcore/internal/service/idempotency"
)

const (
	headerSessionID      = "X-Session-Id"
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	maxIdempotencyKeyLen = 255
	visitorIdleTTL       = 10 * time.Minute
)

// authenticate разбирает Bearer-токен, если он есть. Анонимный запрос проходит дальше.
func (s *Server) authenticate(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		principal, ok, err := s.auth.FromHeader(r.Header.Get("Authorization"))
		if err != nil {
			s.fail(w, r, domain.ErrUnauthenticated)
			return
		}
		if ok {
			r = r.WithContext(auth.WithPrincipal(r.Context(), principal))
		}
		next(w, r, ps)
	}
}

// requireUser пропускает только аутентифицированные запросы.
func (s *Server) requireUser(next httprouter.Handle) httprouter.Handle {
	return s.authenticate(func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if _, ok := auth.PrincipalFrom(r.Context()); !ok {
			s.fail(w, r, domain.ErrUnauthenticated)
			return
		}
		next(w, r, ps)
	})
}

// requireAdmin пропускает администраторов и персонал.
func (s *Server) requireAdmin(next httprouter.Handle) httprouter.Handle {
	return s.requireUser(func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		principal, _ := auth.PrincipalFrom(r.Context())
		if !principal.IsPrivileged() {
			s.fail(w, r, domain.ErrForbidden)
			return
		}
		next(w, r, ps)
	})
}

// cartOwner: пользователь из токена, иначе сессия из X-Session-Id.
func cartOwner(r *http.Request) (domain.CartOwner, error) {
	if principal, ok := auth.PrincipalFrom(r.Context()); ok {
		return domain.UserCart(principal.ID), nil
	}
	if session := strings.TrimSpace(r.Header.Get(headerSessionID)); session != "" {
		return domain.SessionCart(session), nil
	}
	return domain.CartOwner{}, domain.ErrUnauthenticated
}

func principalOf(r *http.Request) domain.Principal {
	principal, _ := auth.PrincipalFrom(r.Context())
	return principal
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter - ограничитель на клиента (IP).
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	now      func() time.Time
	swept    time.Time
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
	}
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.swept) > visitorIdleTTL {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) > visitorIdleTTL {
				delete(rl.visitors, k)
			}
		}
		rl.swept = now
	}

	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// limit отклоняет запросы сверх лимита клиента. rps <= 0 отключает ограничение.
func (s *Server) limit(next httprouter.Handle) httprouter.Handle {
	if s.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if !s.limiter.allow(clientIP(r)) {
			s.fail(w, r, errRateLimited)
			return
		}
		next(w, r, ps)
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// recordingWriter сохраняет статус и тело ответа для повторов по Idempotency-Key.
type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rw *recordingWriter) WriteHeader(status int) {
	if rw.status == 0 {
		rw.status = status
	}
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *recordingWriter) Write(p []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	rw.body.Write(p)
	return rw.ResponseWriter.Write(p)
}

// idempotent закрепляет Idempotency-Key за первым запросом и воспроизводит его ответ.
// Без заголовка запрос обрабатывается как обычно.
func (s *Server) idempotent(next httprouter.Handle) httprouter.Handle {
	if s.guard == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		if key == "" {
			next(w, r, ps)
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			s.fail(w, r, domain.Validation("idempotency_key_invalid", "idempotency key must be at most %d characters", maxIdempotencyKeyLen))
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes))
		if err != nil {
			s.fail(w, r, domain.Validation("body_invalid", "read request body: %v", err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		req := idempotency.Request{
			Scope:  principalOf(r).ID,
			Key:    key,
			Method: r.Method,
			Path:   r.URL.Path,
			Body:   body,
		}
		decision, err := s.guard.Begin(r.Context(), req)
		if err != nil {
			if !domain.IsIdempotencyConflict(err) {
				err = fmt.Errorf("idempotency begin: %w", err)
			}
			s.fail(w, r, err)
			return
		}
		if decision.Replay {
			s.logger.WithFields(log.Fields{"path": r.URL.Path, "status": decision.Record.HTTPStatus}).Debug("idempotent response replayed")
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set(headerReplayed, "true")
			w.WriteHeader(decision.Record.HTTPStatus)
			_, _ = w.Write(decision.Record.ResponseBody)
			return
		}

		rec := &recordingWriter{ResponseWriter: w}
		next(rec, r, ps)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		_ = s.guard.Complete(context.WithoutCancel(r.Context()), req, rec.status, rec.body.Bytes())
	}
}

// recoverer превращает панику обработчика в ответ 500.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.fail(w, r, fmt.Errorf("panic: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// accessLog пишет строку на каждый запрос.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		s.logger.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
			"remote":   clientIP(r),
		}).Debug("http request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(status int) {
	if sw.status == 0 {
		sw.status = status
	}
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *statusWriter) Write(p []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	return sw.ResponseWriter.Write(p)
}

// securityHeaders выставляет стандартные защитные заголовки.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
