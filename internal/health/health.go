// Package health сводит проверки зависимостей в ответы /healthz и /readyz
// и транслирует итог в gRPC health-сервис.
package health

import (
	"cmp"
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	defaultCheckTimeout = 2 * time.Second
	defaultCacheTTL     = time.Second
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check - результат одной проверки.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Optional   bool   `json:"optional,omitempty"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker возвращает nil, если зависимость доступна.
type Checker interface {
	Check(ctx context.Context) error
}

// CheckFunc адаптирует функцию к Checker, например store.Ping.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

type RegisterOption func(*entry)

// Optional: отказ проверки даёт degraded вместо unhealthy, трафик продолжает идти.
func Optional() RegisterOption {
	return func(p *entry) { p.optional = true }
}

// WithTimeout задаёт собственный таймаут проверки.
func WithTimeout(d time.Duration) RegisterOption {
	return func(p *entry) {
		if d > 0 {
			p.timeout = d
		}
	}
}

type entry struct {
	name     string
	checker  Checker
	optional bool
	timeout  time.Duration
}

func (p entry) run(ctx context.Context) Check {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	err := p.checker.Check(ctx)
	check := Check{
		Name:       p.name,
		Status:     StatusHealthy,
		Optional:   p.optional,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err == nil {
		return check
	}
	check.Message = err.Error()
	check.Status = StatusUnhealthy
	if p.optional {
		check.Status = StatusDegraded
	}
	return check
}

// Handler хранит зарегистрированные проверки и кэширует последний результат на cacheTTL.
type Handler struct {
	version   string
	startTime time.Time
	timeout   time.Duration
	cacheTTL  time.Duration
	now       func() time.Time

	mu      sync.RWMutex
	entries map[string]entry

	cacheMu  sync.Mutex
	cached   Response
	cachedAt time.Time
}

func NewHandler(version string) *Handler {
	return &Handler{
		version:   version,
		startTime: time.Now(),
		timeout:   defaultCheckTimeout,
		cacheTTL:  defaultCacheTTL,
		now:       time.Now,
		entries:   make(map[string]entry),
	}
}

// Register добавляет или заменяет проверку с именем name.
func (h *Handler) Register(name string, checker Checker, opts ...RegisterOption) {
	if checker == nil {
		return
	}
	p := entry{name: name, checker: checker, timeout: h.timeout}
	for _, opt := range opts {
		opt(&p)
	}

	h.mu.Lock()
	h.entries[name] = p
	h.mu.Unlock()

	h.invalidate()
}

func (h *Handler) invalidate() {
	h.cacheMu.Lock()
	h.cachedAt = time.Time{}
	h.cacheMu.Unlock()
}

// Evaluate возвращает сводный статус. Свежий результат берётся из кэша,
// иначе все проверки запускаются параллельно.
func (h *Handler) Evaluate(ctx context.Context) Response {
	h.cacheMu.Lock()
	defer h.cacheMu.Unlock()

	now := h.now()
	if !h.cachedAt.IsZero() && now.Sub(h.cachedAt) < h.cacheTTL {
		return h.cached
	}

	h.cached = h.evaluate(ctx)
	h.cachedAt = now
	return h.cached
}

func (h *Handler) evaluate(ctx context.Context) Response {
	h.mu.RLock()
	entries := make([]entry, 0, len(h.entries))
	for _, p := range h.entries {
		entries = append(entries, p)
	}
	h.mu.RUnlock()
	slices.SortFunc(entries, func(a, b entry) int { return cmp.Compare(a.name, b.name) })

	results := make([]Check, len(entries))
	var g errgroup.Group
	for i, p := range entries {
		g.Go(func() error {
			results[i] = p.run(ctx)
			return nil
		})
	}
	_ = g.Wait()

	resp := Response{
		Status:        StatusHealthy,
		Timestamp:     h.now(),
		Checks:        make(map[string]Check, len(results)),
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}
	for _, check := range results {
		resp.Checks[check.Name] = check
		switch check.Status {
		case StatusUnhealthy:
			resp.Status = StatusUnhealthy
		case StatusDegraded:
			if resp.Status == StatusHealthy {
				resp.Status = StatusDegraded
			}
		}
	}
	return resp
}

// ServeHTTP отдаёт полный отчёт; 503 только при unhealthy.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := h.Evaluate(r.Context())
	writeJSON(w, httpStatus(resp.Status), resp)
}

// ReadinessHandler отвечает коротким JSON без деталей проверок.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	resp := h.Evaluate(r.Context())
	body := map[string]any{"ready": resp.Status != StatusUnhealthy, "status": resp.Status}
	writeJSON(w, httpStatus(resp.Status), body)
}

func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func httpStatus(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// SyncGRPC переносит итоговый статус в gRPC health-сервер до отмены ctx.
// Пустое имя сервиса означает статус всего сервера.
func (h *Handler) SyncGRPC(ctx context.Context, server *health.Server, interval time.Duration, services ...string) {
	services = append([]string{""}, services...)

	apply := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if h.Evaluate(ctx).Status == StatusUnhealthy {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		for _, service := range services {
			server.SetServingStatus(service, status)
		}
	}

	apply()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			server.Shutdown()
			return
		case <-ticker.C:
			apply()
		}
	}
}
