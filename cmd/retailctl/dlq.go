package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
	"github.com/vladislavdragonenkov/retailcore/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/retailcore/internal/service/outbox"
)

// replayRunner - то, что нужно команде от kafka.Replayer.
type replayRunner interface {
	Run(ctx context.Context, cfg kafka.ReplayConfig) (kafka.ReplayStats, error)
	Close() error
}

var openReplayer = func(brokers []string, execute bool) (replayRunner, error) {
	replayer, err := kafka.OpenReplayer(brokers, execute, decodeDeadLetter)
	if err != nil {
		return nil, err
	}
	return replayer, nil
}

func decodeDeadLetter(payload []byte) (domain.OutboxMessage, error) {
	dead, err := outbox.DecodeDeadLetter(payload)
	if err != nil {
		return domain.OutboxMessage{}, err
	}
	return dead.Message(), nil
}

func dlqCommand() *cli.Command {
	return &cli.Command{
		Name:  "dlq",
		Usage: "dead letter queue tooling",
		Subcommands: []*cli.Command{
			{
				Name:  "replay",
				Usage: "re-publish dead-lettered outbox events (dry-run unless --execute)",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "brokers", EnvVars: []string{"RETAIL_KAFKA_BROKERS"}},
					&cli.StringFlag{Name: "source-topic", Value: kafka.TopicDeadLetter},
					&cli.StringFlag{Name: "target-topic", Value: kafka.TopicEvents},
					&cli.IntFlag{Name: "limit", Value: kafka.DefaultReplayLimit},
					&cli.BoolFlag{Name: "execute"},
					&cli.BoolFlag{Name: "from-newest"},
					&cli.DurationFlag{Name: "idle-timeout", Value: kafka.DefaultReplayIdleTimeout},
				},
				Action: replayAction,
			},
		},
	}
}

func replayAction(c *cli.Context) error {
	brokers := splitBrokers(c.StringSlice("brokers"))
	if len(brokers) == 0 {
		return fmt.Errorf("at least one broker is required (--brokers or RETAIL_KAFKA_BROKERS)")
	}

	cfg := kafka.ReplayConfig{
		SourceTopic: c.String("source-topic"),
		TargetTopic: c.String("target-topic"),
		Limit:       c.Int("limit"),
		Execute:     c.Bool("execute"),
		FromNewest:  c.Bool("from-newest"),
		IdleTimeout: c.Duration("idle-timeout"),
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	replayer, err := openReplayer(brokers, cfg.Execute)
	if err != nil {
		return err
	}
	defer replayer.Close()

	stats, err := replayer.Run(c.Context, cfg)
	if err != nil {
		return err
	}

	mode := "dry-run"
	if cfg.Execute {
		mode = "execute"
	}
	_, err = fmt.Fprintf(c.App.Writer, "dlq replay (%s): processed=%d replayed=%d skipped=%d\n",
		mode, stats.Processed, stats.Replayed, stats.Skipped)
	return err
}

func outboxCommand() *cli.Command {
	return &cli.Command{
		Name:  "outbox",
		Usage: "transactional outbox tooling",
		Subcommands: []*cli.Command{
			{
				Name:      "requeue",
				Usage:     "move failed outbox messages back to pending",
				ArgsUsage: "[id ...]",
				Action: func(c *cli.Context) error {
					return withAdminStore(c, func(ctx context.Context, store adminStore) error {
						n, err := store.RequeueOutbox(ctx, c.Args().Slice()...)
						if err != nil {
							return fmt.Errorf("requeue outbox: %w", err)
						}
						_, err = fmt.Fprintf(c.App.Writer, "requeued %d message(s)\n", n)
						return err
					})
				},
			},
		},
	}
}

// splitBrokers принимает и повторяющийся флаг, и список через запятую.
func splitBrokers(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
