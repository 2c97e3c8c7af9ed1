// Command retailctl - операторские команды: миграции, склад, журнал движений, DLQ.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
	"github.com/vladislavdragonenkov/retailcore/internal/storage/postgres"
	"github.com/vladislavdragonenkov/retailcore/internal/version"
)

const defaultTimeout = 30 * time.Second

// adminStore - операции postgres, которых нет в domain.Store.
type adminStore interface {
	MigrateUp(ctx context.Context, steps int) error
	MigrateDown(ctx context.Context, steps int) error
	MigrationStatus(ctx context.Context) (postgres.MigrationState, error)
	RequeueOutbox(ctx context.Context, ids ...string) (int, error)
	Close() error
}

var (
	openAdminStore = func(ctx context.Context, dsn string) (adminStore, error) {
		store, err := postgres.Open(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	openStore = func(ctx context.Context, dsn string) (domain.Store, func() error, error) {
		store, err := postgres.Open(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fail("%v", err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "retailctl",
		Usage:   "operator tooling for retailcore",
		Version: version.GetVersion(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "dsn",
				Usage:   "PostgreSQL DSN",
				EnvVars: []string{"RETAIL_POSTGRES_DSN"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "timeout for a single command",
				Value: defaultTimeout,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
			},
		},
		Before: func(c *cli.Context) error {
			log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
			level, err := log.ParseLevel(c.String("log-level"))
			if err != nil {
				return fmt.Errorf("invalid log level %q", c.String("log-level"))
			}
			log.SetLevel(level)
			return nil
		},
		Commands: []*cli.Command{
			migrateCommand(),
			stockCommand(),
			ledgerCommand(),
			lowStockCommand(),
			dlqCommand(),
			outboxCommand(),
		},
	}
}

func requireDSN(c *cli.Context) (string, error) {
	dsn := strings.TrimSpace(c.String("dsn"))
	if dsn == "" {
		return "", errors.New("RETAIL_POSTGRES_DSN (or --dsn) is required")
	}
	return dsn, nil
}

// withAdminStore открывает postgres на время одной команды.
func withAdminStore(c *cli.Context, fn func(ctx context.Context, store adminStore) error) error {
	dsn, err := requireDSN(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	store, err := openAdminStore(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	return fn(ctx, store)
}

func withStore(c *cli.Context, fn func(ctx context.Context, store domain.Store) error) error {
	dsn, err := requireDSN(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	store, closeFn, err := openStore(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if closeFn != nil {
		defer func() { _ = closeFn() }()
	}

	return fn(ctx, store)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
