package payment

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

// ErrCircuitOpen возвращается, пока circuit breaker разомкнут.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState - состояние circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// CircuitBreaker простая реализация circuit breaker паттерна.
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	state       CircuitState
	logger      *log.Entry
	now         func() time.Time
}

// NewCircuitBreaker создаёт новый circuit breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration, logger *log.Entry) *CircuitBreaker {
	if logger == nil {
		logger = log.New().WithField("component", "circuit-breaker")
	}
	if maxFailures <= 0 {
		maxFailures = 1
	}

	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        CircuitClosed,
		logger:       logger,
		now:          time.Now,
	}
}

// State возвращает текущее состояние.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute выполняет операцию через circuit breaker.
// В полуоткрытом состоянии пропускается одна пробная операция.
func (cb *CircuitBreaker) Execute(operation string, fn func() error) error {
	if err := cb.before(operation); err != nil {
		return err
	}
	err := fn()
	cb.after(operation, err)
	return err
}

func (cb *CircuitBreaker) before(operation string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailure) <= cb.resetTimeout {
			return ErrCircuitOpen
		}
		cb.state = CircuitHalfOpen
		cb.logger.WithField("operation", operation).Info("circuit breaker half-open")
	case CircuitHalfOpen:
		return ErrCircuitOpen
	}
	return nil
}

func (cb *CircuitBreaker) after(operation string, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailure = cb.now()
		if cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures {
			cb.state = CircuitOpen
			cb.logger.WithFields(log.Fields{
				"operation": operation,
				"failures":  cb.failures,
			}).Warn("circuit breaker opened")
		}
		return
	}

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitClosed
		cb.logger.WithField("operation", operation).Info("circuit breaker closed")
	}
	cb.failures = 0
}

// GuardedGateway пропускает исходящие вызовы провайдера через circuit breaker.
// Проверка вебхуков локальная и в breaker не учитывается.
type GuardedGateway struct {
	next    domain.PaymentGateway
	breaker *CircuitBreaker
	timeout time.Duration
}

// NewGuardedGateway оборачивает шлюз.
func NewGuardedGateway(next domain.PaymentGateway, breaker *CircuitBreaker) *GuardedGateway {
	return &GuardedGateway{next: next, breaker: breaker}
}

// WithTimeout ограничивает длительность каждого исходящего вызова.
func (g *GuardedGateway) WithTimeout(timeout time.Duration) *GuardedGateway {
	g.timeout = timeout
	return g
}

func (g *GuardedGateway) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.timeout)
}

// Provider возвращает имя провайдера.
func (g *GuardedGateway) Provider() string { return g.next.Provider() }

// CreatePaymentIntent создаёт объект оплаты через breaker.
func (g *GuardedGateway) CreatePaymentIntent(ctx context.Context, req domain.PaymentIntentRequest) (domain.PaymentIntent, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	var intent domain.PaymentIntent
	err := g.breaker.Execute("create_payment_intent", func() error {
		var err error
		intent, err = g.next.CreatePaymentIntent(ctx, req)
		return err
	})
	return intent, upstream(err)
}

// VerifyWebhook делегирует проверку подписи.
func (g *GuardedGateway) VerifyWebhook(rawBody []byte, signature string) (domain.GatewayEvent, error) {
	return g.next.VerifyWebhook(rawBody, signature)
}

// Refund выполняет возврат через breaker.
func (g *GuardedGateway) Refund(ctx context.Context, req domain.RefundRequest) (domain.RefundResult, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	var result domain.RefundResult
	err := g.breaker.Execute("refund", func() error {
		var err error
		result, err = g.next.Refund(ctx, req)
		return err
	})
	return result, upstream(err)
}

// upstream приводит нетипизированную ошибку провайдера к классу UpstreamFailure.
func upstream(err error) error {
	if err == nil || domain.KindOf(err) != domain.KindInternal {
		return err
	}
	return domain.Upstream(err)
}

var _ domain.PaymentGateway = (*GuardedGateway)(nil)
