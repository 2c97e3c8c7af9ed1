package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
	// defaultMaxBatches ограничивает один проход; остаток уйдёт на следующем тике.
	defaultMaxBatches = 100
)

type cleanupMetrics struct {
	sweeps   *prometheus.CounterVec
	deleted  prometheus.Counter
	duration prometheus.Histogram
}

func newCleanupMetrics(registerer prometheus.Registerer) cleanupMetrics {
	factory := promauto.With(registerer)
	return cleanupMetrics{
		sweeps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "retail_idempotency_sweeps_total",
			Help: "Idempotency key sweeps grouped by outcome (ok, partial, error).",
		}, []string{"outcome"}),
		deleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "retail_idempotency_keys_expired_total",
			Help: "Expired idempotency keys removed from storage.",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "retail_idempotency_sweep_duration_seconds",
			Help:    "Duration of a single idempotency sweep.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

type cleanupConfig struct {
	logger     *log.Entry
	registerer prometheus.Registerer
	interval   time.Duration
	batchSize  int
	maxBatches int
	now        func() time.Time
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*cleanupConfig)

func WithLogger(logger *log.Entry) CleanupOption {
	return func(c *cleanupConfig) { c.logger = logger }
}

// WithRegisterer регистрирует метрики воркера в указанном реестре.
func WithRegisterer(registerer prometheus.Registerer) CleanupOption {
	return func(c *cleanupConfig) { c.registerer = registerer }
}

func WithInterval(interval time.Duration) CleanupOption {
	return func(c *cleanupConfig) { c.interval = interval }
}

func WithBatchSize(batchSize int) CleanupOption {
	return func(c *cleanupConfig) { c.batchSize = batchSize }
}

// WithMaxBatches задаёт предел порций за один проход.
func WithMaxBatches(n int) CleanupOption {
	return func(c *cleanupConfig) { c.maxBatches = n }
}

func withClock(now func() time.Time) CleanupOption {
	return func(c *cleanupConfig) { c.now = now }
}

// Sweep - итог одного прохода очистки.
type Sweep struct {
	Deleted int
	Batches int
	// Partial: проход упёрся в предел порций, просроченные ключи ещё остались.
	Partial bool
}

// CleanupWorker удаляет ключи, чьё окно идемпотентности истекло.
type CleanupWorker struct {
	repo    domain.IdempotencyRepository
	cfg     cleanupConfig
	metrics cleanupMetrics
}

// NewCleanupWorker создаёт воркер. Без WithRegisterer метрики пишутся в собственный реестр.
func NewCleanupWorker(repo domain.IdempotencyRepository, options ...CleanupOption) *CleanupWorker {
	cfg := cleanupConfig{
		interval:   defaultCleanupInterval,
		batchSize:  defaultCleanupBatchSize,
		maxBatches: defaultMaxBatches,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = log.WithField("component", "idempotency-cleanup")
	}
	if cfg.registerer == nil {
		cfg.registerer = prometheus.NewRegistry()
	}
	if cfg.interval <= 0 {
		cfg.interval = defaultCleanupInterval
	}
	if cfg.batchSize <= 0 {
		cfg.batchSize = defaultCleanupBatchSize
	}
	if cfg.maxBatches <= 0 {
		cfg.maxBatches = defaultMaxBatches
	}

	return &CleanupWorker{
		repo:    repo,
		cfg:     cfg,
		metrics: newCleanupMetrics(cfg.registerer),
	}
}

// Run выполняет проход сразу и затем раз в interval, пока ctx не отменён.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.cfg.logger.Warn("idempotency repository is not configured, cleanup disabled")
		return
	}

	ticker := time.NewTicker(w.cfg.interval)
	defer ticker.Stop()

	for {
		w.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *CleanupWorker) tick(ctx context.Context) {
	started := time.Now()
	sweep, err := w.SweepOnce(ctx)
	w.metrics.duration.Observe(time.Since(started).Seconds())

	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		w.metrics.sweeps.WithLabelValues("error").Inc()
		w.cfg.logger.WithError(err).WithField("deleted", sweep.Deleted).Warn("idempotency sweep failed")
	case sweep.Partial:
		w.metrics.sweeps.WithLabelValues("partial").Inc()
		w.cfg.logger.WithField("deleted", sweep.Deleted).Info("idempotency sweep hit batch limit")
	default:
		w.metrics.sweeps.WithLabelValues("ok").Inc()
		if sweep.Deleted > 0 {
			w.cfg.logger.WithField("deleted", sweep.Deleted).Debug("expired idempotency keys removed")
		}
	}
}

// SweepOnce удаляет ключи, истёкшие к текущему моменту, порциями batchSize.
func (w *CleanupWorker) SweepOnce(ctx context.Context) (Sweep, error) {
	cutoff := w.cfg.now()
	var sweep Sweep

	for sweep.Batches < w.cfg.maxBatches {
		if err := ctx.Err(); err != nil {
			return sweep, err
		}
		n, err := w.repo.DeleteExpired(ctx, cutoff, w.cfg.batchSize)
		if err != nil {
			return sweep, err
		}
		sweep.Batches++
		sweep.Deleted += n
		w.metrics.deleted.Add(float64(n))
		if n < w.cfg.batchSize {
			return sweep, nil
		}
	}
	sweep.Partial = true
	return sweep, nil
}
