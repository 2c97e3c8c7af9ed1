// Package httpapi - HTTP API розничного ядра поверх httprouter.
package httpapi

import (
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/retailcore/internal/auth"
	"github.com/vladislavdragonenkov/retailcore/internal/service/cart"
	"github.com/vladislavdragonenkov/retailcore/internal/service/catalog"
	"github.com/vladislavdragonenkov/retailcore/internal/service/idempotency"
	"github.com/vladislavdragonenkov/retailcore/internal/service/ledger"
	"github.com/vladislavdragonenkov/retailcore/internal/service/orders"
	"github.com/vladislavdragonenkov/retailcore/internal/service/payment"
	"github.com/vladislavdragonenkov/retailcore/internal/service/stock"
)

const (
	apiPrefix           = "/api/v1"
	defaultMaxBodyBytes = 1 << 20
	headerStripeSig     = "Stripe-Signature"
)

// Config - настройки транспорта.
type Config struct {
	Environment    string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
	MaxBodyBytes   int64
}

func (c Config) production() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// Services - прикладные сервисы, которые обслуживает API.
type Services struct {
	Catalog     *catalog.Service
	Stock       *stock.Engine
	Ledger      *ledger.Service
	Orders      *orders.Manager
	Carts       *cart.Aggregator
	Payments    *payment.Orchestrator
	Auth        *auth.Authenticator
	Idempotency *idempotency.Guard
}

// Server - HTTP API.
type Server struct {
	cfg      Config
	catalog  *catalog.Service
	stock    *stock.Engine
	ledger   *ledger.Service
	orders   *orders.Manager
	carts    *cart.Aggregator
	payments *payment.Orchestrator
	auth     *auth.Authenticator
	guard    *idempotency.Guard
	limiter  *rateLimiter
	router   *httprouter.Router
	logger   *log.Entry
}

// NewServer собирает маршруты.
func NewServer(cfg Config, svc Services, logger *log.Entry) *Server {
	if logger == nil {
		logger = log.New().WithField("component", "http")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	s := &Server{
		cfg:      cfg,
		catalog:  svc.Catalog,
		stock:    svc.Stock,
		ledger:   svc.Ledger,
		orders:   svc.Orders,
		carts:    svc.Carts,
		payments: svc.Payments,
		auth:     svc.Auth,
		guard:    svc.Idempotency,
		logger:   logger,
	}
	if cfg.RateLimitRPS > 0 {
		s.limiter = newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *httprouter.Router {
	r := httprouter.New()
	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusNotFound, envelope{Success: false, Message: "route not found"})
	})
	r.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, envelope{Success: false, Message: "method not allowed"})
	})

	// каталог
	r.GET(apiPrefix+"/products", s.authenticate(s.listProducts))
	r.POST(apiPrefix+"/products", s.requireAdmin(s.createProduct))
	r.GET(apiPrefix+"/products/:id", s.authenticate(s.getProduct))
	r.PATCH(apiPrefix+"/products/:id", s.requireAdmin(s.updateProduct))

	// склад
	r.GET(apiPrefix+"/inventory/products/:id/stock", s.requireAdmin(s.getStock))
	r.POST(apiPrefix+"/inventory/movements", s.requireAdmin(s.applyMovement))
	r.GET(apiPrefix+"/inventory/movements", s.requireAdmin(s.listMovements))
	r.GET(apiPrefix+"/inventory/alerts", s.requireAdmin(s.listAlerts))

	// корзина
	r.GET(apiPrefix+"/cart", s.authenticate(s.getCart))
	r.DELETE(apiPrefix+"/cart", s.authenticate(s.clearCart))
	r.POST(apiPrefix+"/cart/items", s.authenticate(s.addCartItem))
	r.PATCH(apiPrefix+"/cart/items/:productId", s.authenticate(s.updateCartItem))
	r.DELETE(apiPrefix+"/cart/items/:productId", s.authenticate(s.removeCartItem))
	r.POST(apiPrefix+"/cart/merge", s.requireUser(s.mergeCart))
	r.POST(apiPrefix+"/cart/checkout", s.limit(s.requireUser(s.idempotent(s.checkout))))

	// заказы
	r.POST(apiPrefix+"/orders", s.limit(s.requireUser(s.idempotent(s.createOrder))))
	r.GET(apiPrefix+"/orders", s.requireUser(s.listOrders))
	r.GET(apiPrefix+"/orders/:id", s.requireUser(s.getOrder))
	r.PATCH(apiPrefix+"/orders/:id/status", s.requireUser(s.updateOrderStatus))
	r.POST(apiPrefix+"/orders/:id/cancel", s.requireUser(s.cancelOrder))
	r.GET(apiPrefix+"/orders/:id/timeline", s.requireUser(s.orderTimeline))
	r.GET(apiPrefix+"/orders/:id/payment", s.requireUser(s.orderPayment))

	// платежи
	r.POST(apiPrefix+"/payments", s.limit(s.requireUser(s.initiatePayment)))
	r.GET(apiPrefix+"/payments/:id", s.requireUser(s.getPayment))
	r.POST(apiPrefix+"/payments/:id/refund", s.limit(s.requireUser(s.refundPayment)))
	r.POST(apiPrefix+"/webhooks/stripe", s.limit(s.stripeWebhook))

	return r
}

// Handler возвращает корневой обработчик: CORS, защитные заголовки, журнал, восстановление после паники.
func (s *Server) Handler() http.Handler {
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", headerSessionID, headerIdempotencyKey},
		ExposedHeaders: []string{headerReplayed},
		MaxAge:         600,
	})
	return s.accessLog(s.recoverer(securityHeaders(c.Handler(s.router))))
}
