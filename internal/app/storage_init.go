package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/retailcore/internal/health"
	"github.com/vladislavdragonenkov/retailcore/internal/storage/memory"
	"github.com/vladislavdragonenkov/retailcore/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/retailcore/internal/storage/redis"
)

// runtimeDependencies - хранилища, выбранные конфигурацией.
type runtimeDependencies struct {
	store           domain.Store
	timelineRepo    domain.TimelineRepository
	idempotencyRepo domain.IdempotencyRepository
	cartRepo        domain.CartRepository

	storageChecker healthcheck.Checker
	cartChecker    healthcheck.Checker
	closeFn        func() error
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps, err := initStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	if err := initCartStorage(ctx, cfg, deps, logger); err != nil {
		_ = deps.close()
		return nil, err
	}
	return deps, nil
}

func initStorage(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	switch cfg.StorageDriver {
	case "", StorageDriverMemory:
		logger.Info("using in-memory storage")
		return &runtimeDependencies{
			store:           memory.NewStore(),
			timelineRepo:    memory.NewTimelineRepository(),
			idempotencyRepo: memory.NewIdempotencyRepository(),
		}, nil

	case StorageDriverPostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return nil, errors.New("postgres dsn is required for postgres storage")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
			logger.Info("postgres migrations applied")
		}
		logger.Info("using postgres storage")
		return &runtimeDependencies{
			store:           store,
			timelineRepo:    store.Timeline(),
			idempotencyRepo: store.Idempotency(),
			storageChecker:  healthcheck.CheckFunc(store.Ping),
			closeFn:         store.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

// initCartStorage подключает Redis для корзин; без адреса корзины живут в памяти процесса.
func initCartStorage(ctx context.Context, cfg Config, deps *runtimeDependencies, logger *log.Entry) error {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		deps.cartRepo = memory.NewCartRepository(cfg.CartSessionTTL)
		return nil
	}

	client, err := redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	repo := redisstore.NewCartRepository(client, cfg.CartSessionTTL)
	deps.cartRepo = repo
	deps.cartChecker = healthcheck.CheckFunc(repo.Ping)
	deps.addCloser(client)
	logger.WithField("addr", cfg.RedisAddr).Info("using redis cart storage")
	return nil
}

func (d *runtimeDependencies) addCloser(client *goredis.Client) {
	prev := d.closeFn
	d.closeFn = func() error {
		var errs []error
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
		if prev != nil {
			if err := prev(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

func (d *runtimeDependencies) close() error {
	if d == nil || d.closeFn == nil {
		return nil
	}
	return d.closeFn()
}
