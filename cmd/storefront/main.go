// Command storefront запускает HTTP API магазина, gRPC health и сервер метрик.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/retailcore/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, app.LoadConfig, app.Run); err != nil {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("storefront остановлен")
}

// run читает конфигурацию и передаёт управление runner; отмена ctx не считается ошибкой.
func run(ctx context.Context, load func() (app.Config, error), runner func(context.Context, app.Config) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	app.ConfigureLogging(cfg)

	log.WithFields(log.Fields{
		"http_addr":    cfg.HTTPAddr,
		"grpc_addr":    cfg.GRPCAddr,
		"metrics_addr": cfg.MetricsAddr,
		"storage":      cfg.StorageDriver,
	}).Info("запускаем storefront")

	if err := runner(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
