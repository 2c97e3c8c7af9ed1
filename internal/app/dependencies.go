package app

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/retailcore/internal/auth"
	"github.com/vladislavdragonenkov/retailcore/internal/domain"
	"github.com/vladislavdragonenkov/retailcore/internal/gateway/stripe"
	"github.com/vladislavdragonenkov/retailcore/internal/metrics"
	"github.com/vladislavdragonenkov/retailcore/internal/service/cart"
	"github.com/vladislavdragonenkov/retailcore/internal/service/catalog"
	"github.com/vladislavdragonenkov/retailcore/internal/service/idempotency"
	"github.com/vladislavdragonenkov/retailcore/internal/service/ledger"
	"github.com/vladislavdragonenkov/retailcore/internal/service/orders"
	"github.com/vladislavdragonenkov/retailcore/internal/service/payment"
	"github.com/vladislavdragonenkov/retailcore/internal/service/stock"
	"github.com/vladislavdragonenkov/retailcore/internal/transport/httpapi"
)

// devWebhookSecret подписывает вебхуки фейкового шлюза, если секрет не задан.
const devWebhookSecret = "whsec_development"

// newPaymentGateway выбирает Stripe при наличии ключа, иначе детерминированный фейковый шлюз.
// Исходящие вызовы идут через circuit breaker.
func newPaymentGateway(cfg Config, logger *log.Entry) (domain.PaymentGateway, error) {
	webhookSecret := cfg.StripeWebhookSecret
	if webhookSecret == "" && cfg.development() {
		webhookSecret = devWebhookSecret
	}

	var gateway domain.PaymentGateway
	if strings.TrimSpace(cfg.StripeSecretKey) != "" {
		stripeGateway, err := stripe.New(stripe.Config{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: webhookSecret,
			Logger:        logger.WithField("component", "stripe-gateway"),
		})
		if err != nil {
			return nil, fmt.Errorf("init stripe gateway: %w", err)
		}
		gateway = stripeGateway
	} else {
		if !cfg.development() {
			logger.Warn("stripe secret key is not configured, using mock payment gateway")
		}
		gateway = payment.NewMockGateway(webhookSecret)
	}

	breaker := payment.NewCircuitBreaker(cfg.BreakerMaxFailures, cfg.BreakerResetTimeout, logger.WithField("component", "payment-breaker"))
	return payment.NewGuardedGateway(gateway, breaker).WithTimeout(cfg.GatewayTimeout), nil
}

// buildServices собирает доменные сервисы поверх выбранных хранилищ.
func buildServices(cfg Config, deps *runtimeDependencies, gateway domain.PaymentGateway, cm *metrics.CommerceMetrics, logger *log.Entry) (httpapi.Services, error) {
	taxRate, err := cfg.taxRate()
	if err != nil {
		return httpapi.Services{}, err
	}
	store := deps.store

	engine := stock.NewEngine(store, store.Products(),
		stock.WithLogger(logger.WithField("component", "stock-engine")),
		stock.WithMetrics(cm),
	)
	manager := orders.NewManager(store, store.Orders(), deps.timelineRepo, engine,
		orders.WithLogger(logger.WithField("component", "order-manager")),
		orders.WithMetrics(cm),
		orders.WithTaxRate(taxRate),
		orders.WithCurrency(cfg.Currency),
	)
	carts := cart.NewAggregator(deps.cartRepo, store.Products(), manager,
		cart.WithLogger(logger.WithField("component", "cart-aggregator")),
		cart.WithMetrics(cm),
		cart.WithMaxQtyPerLine(cfg.MaxQtyPerLine),
	)
	payments := payment.NewOrchestrator(store, manager, gateway,
		payment.WithLogger(logger.WithField("component", "payment-orchestrator")),
		payment.WithMetrics(cm),
	)

	secret := cfg.JWTSecret
	if secret == "" && cfg.development() {
		logger.Warn("jwt secret is not configured, authenticated routes will reject every token")
	}

	return httpapi.Services{
		Catalog:     catalog.NewService(store, engine, cfg.Currency, logger.WithField("component", "catalog")),
		Stock:       engine,
		Ledger:      ledger.NewService(store.Movements(), logger.WithField("component", "ledger")),
		Orders:      manager,
		Carts:       carts,
		Payments:    payments,
		Auth:        auth.NewAuthenticator(secret, cfg.JWTIssuer),
		Idempotency: idempotency.NewGuard(deps.idempotencyRepo, cfg.IdempotencyTTL, logger.WithField("component", "idempotency")),
	}, nil
}
