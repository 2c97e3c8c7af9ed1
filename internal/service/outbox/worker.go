// Package outbox публикует события transactional outbox во внешний брокер.
package outbox

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 100
	defaultMaxAttempts  = 3
	defaultRetryDelay   = 50 * time.Millisecond
	maxRetryDelay       = 5 * time.Second
)

type workerMetrics struct {
	outcomes      *prometheus.CounterVec
	publishTime   prometheus.Histogram
	pending       prometheus.Gauge
	oldestPending prometheus.Gauge
}

func newWorkerMetrics(registerer prometheus.Registerer) workerMetrics {
	factory := promauto.With(registerer)
	return workerMetrics{
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "retail_outbox_messages_total",
			Help: "Outbox messages handled by the publisher, by outcome (sent, dead_lettered, dlq_error, retried).",
		}, []string{"outcome"}),
		publishTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "retail_outbox_publish_seconds",
			Help:    "Time spent publishing one outbox message including retries.",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5},
		}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "retail_outbox_pending_records",
			Help: "Pending records in the transactional outbox.",
		}),
		oldestPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "retail_outbox_oldest_pending_age_seconds",
			Help: "Age of the oldest pending outbox record.",
		}),
	}
}

// retryPolicy - экспоненциальная задержка с равномерным джиттером на второй половине интервала.
type retryPolicy struct {
	attempts int
	base     time.Duration
	max      time.Duration
}

func (p retryPolicy) delay(attempt int) time.Duration {
	if p.base <= 0 {
		return 0
	}
	d := p.base
	for i := 1; i < attempt && d < p.max; i++ {
		d *= 2
	}
	d = min(d, p.max)
	half := d / 2
	return half + rand.N(half+1)
}

type workerConfig struct {
	logger     *log.Entry
	dlq        domain.OutboxPublisher
	registerer prometheus.Registerer
	poll       time.Duration
	batch      int
	retry      retryPolicy
}

// Option настраивает Worker.
type Option func(*workerConfig)

func WithLogger(logger *log.Entry) Option {
	return func(c *workerConfig) { c.logger = logger }
}

// WithDLQPublisher задаёт получателя сообщений, исчерпавших попытки.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(c *workerConfig) { c.dlq = publisher }
}

// WithRegisterer регистрирует метрики воркера в указанном реестре.
func WithRegisterer(registerer prometheus.Registerer) Option {
	return func(c *workerConfig) { c.registerer = registerer }
}

func WithPollInterval(interval time.Duration) Option {
	return func(c *workerConfig) { c.poll = interval }
}

func WithBatchSize(size int) Option {
	return func(c *workerConfig) { c.batch = size }
}

// WithMaxAttempts - число попыток публикации до отправки в DLQ.
func WithMaxAttempts(n int) Option {
	return func(c *workerConfig) { c.retry.attempts = n }
}

// WithRetryBaseDelay - первая пауза между попытками; 0 отключает паузы.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(c *workerConfig) { c.retry.base = delay }
}

// Worker публикует pending-сообщения из outbox в брокер.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	cfg       workerConfig
	metrics   workerMetrics
	now       func() time.Time
}

// BatchResult - итог одного цикла публикации.
type BatchResult struct {
	Pulled    int
	Published int
	// Failed - сообщения, исчерпавшие попытки; DeadLettered из них дошли до DLQ.
	Failed       int
	DeadLettered int
}

func (r *BatchResult) add(other BatchResult) {
	r.Pulled += other.Pulled
	r.Published += other.Published
	r.Failed += other.Failed
	r.DeadLettered += other.DeadLettered
}

// NewWorker создаёт воркер. Без WithRegisterer метрики пишутся в собственный реестр.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	cfg := workerConfig{
		poll:  defaultPollInterval,
		batch: defaultBatchSize,
		retry: retryPolicy{attempts: defaultMaxAttempts, base: defaultRetryDelay, max: maxRetryDelay},
	}
	for _, option := range options {
		option(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = log.WithField("component", "outbox-worker")
	}
	if cfg.registerer == nil {
		cfg.registerer = prometheus.NewRegistry()
	}
	if cfg.poll <= 0 {
		cfg.poll = defaultPollInterval
	}
	if cfg.batch <= 0 {
		cfg.batch = defaultBatchSize
	}
	if cfg.retry.attempts <= 0 {
		cfg.retry.attempts = defaultMaxAttempts
	}
	cfg.retry.base = max(cfg.retry.base, 0)

	return &Worker{
		repo:      repo,
		publisher: publisher,
		cfg:       cfg,
		metrics:   newWorkerMetrics(cfg.registerer),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run опрашивает outbox каждые poll, пока ctx не отменён.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.cfg.logger.Warn("outbox worker has no repository or publisher, not starting")
		return
	}

	ticker := time.NewTicker(w.cfg.poll)
	defer ticker.Stop()
	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Drain публикует backlog, пока он не опустеет, прогресс не остановится или не истечёт ctx.
func (w *Worker) Drain(ctx context.Context) BatchResult {
	var total BatchResult
	for ctx.Err() == nil {
		res := w.ProcessOnce(ctx)
		total.add(res)
		if res.Pulled < w.cfg.batch || res.Published == 0 {
			break
		}
	}
	return total
}

// ProcessOnce берёт одну порцию pending-сообщений и публикует её по порядку.
func (w *Worker) ProcessOnce(ctx context.Context) BatchResult {
	var res BatchResult
	if ctx.Err() != nil {
		return res
	}
	defer w.observeBacklog(ctx)

	batch, err := w.repo.PullPending(ctx, w.cfg.batch)
	if err != nil {
		w.cfg.logger.WithError(err).Warn("outbox poll failed")
		return res
	}
	res.Pulled = len(batch)

	for _, msg := range batch {
		if ctx.Err() != nil {
			break
		}
		entry := w.cfg.logger.WithFields(log.Fields{
			"outbox_id":    msg.ID,
			"event_type":   msg.EventType,
			"aggregate_id": msg.AggregateID,
		})

		attempts, err := w.publish(ctx, msg)
		if err == nil {
			res.Published++
			w.metrics.outcomes.WithLabelValues("sent").Inc()
			if err := w.repo.MarkSent(ctx, msg.ID); err != nil {
				entry.WithError(err).Warn("published but not marked sent, may be delivered twice")
			}
			continue
		}
		if ctx.Err() != nil {
			// остановка посреди попыток: сообщение остаётся pending
			break
		}

		res.Failed++
		entry.WithError(err).WithField("attempts", attempts).Error("outbox message exhausted retries")
		if w.deadLetter(ctx, msg, attempts, err, entry) {
			res.DeadLettered++
		}
		if err := w.repo.MarkFailed(ctx, msg.ID); err != nil {
			entry.WithError(err).Warn("mark outbox message failed")
		}
	}
	return res
}

// publish пытается отправить сообщение cfg.retry.attempts раз.
func (w *Worker) publish(ctx context.Context, msg domain.OutboxMessage) (int, error) {
	started := time.Now()
	defer func() { w.metrics.publishTime.Observe(time.Since(started).Seconds()) }()

	var lastErr error
	for attempt := 1; attempt <= w.cfg.retry.attempts; attempt++ {
		if lastErr = w.publisher.Publish(ctx, msg); lastErr == nil {
			return attempt, nil
		}
		if attempt == w.cfg.retry.attempts {
			break
		}
		w.metrics.outcomes.WithLabelValues("retried").Inc()

		if d := w.cfg.retry.delay(attempt); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return w.cfg.retry.attempts, fmt.Errorf("%w after %d attempts: %w", domain.ErrOutboxPublish, w.cfg.retry.attempts, lastErr)
}

func (w *Worker) deadLetter(ctx context.Context, msg domain.OutboxMessage, attempts int, cause error, entry *log.Entry) bool {
	if w.cfg.dlq == nil {
		return false
	}
	letter, err := newDeadLetter(msg, attempts, cause, w.now()).envelope()
	if err == nil {
		err = w.cfg.dlq.Publish(ctx, letter)
	}
	if err != nil {
		w.metrics.outcomes.WithLabelValues("dlq_error").Inc()
		entry.WithError(err).Warn("dead letter publish failed")
		return false
	}
	w.metrics.outcomes.WithLabelValues("dead_lettered").Inc()
	return true
}

func (w *Worker) observeBacklog(ctx context.Context) {
	stats, err := w.repo.Stats(context.WithoutCancel(ctx))
	if err != nil {
		w.cfg.logger.WithError(err).Debug("outbox stats unavailable")
		return
	}
	w.metrics.pending.Set(float64(stats.PendingCount))
	age := 0.0
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = max(w.now().Sub(stats.OldestPendingAt).Seconds(), 0)
	}
	w.metrics.oldestPending.Set(age)
}
