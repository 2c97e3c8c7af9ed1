package kafka

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

const (
	DefaultReplayLimit       = 100
	DefaultReplayIdleTimeout = 2 * time.Second
)

// ReplayConfig описывает один проход по DLQ.
type ReplayConfig struct {
	SourceTopic string
	TargetTopic string
	Limit       int
	Execute     bool // false - dry-run, сообщения только логируются
	FromNewest  bool
	IdleTimeout time.Duration
}

// Validate проверяет параметры и подставляет значения по умолчанию.
func (c *ReplayConfig) Validate() error {
	if strings.TrimSpace(c.SourceTopic) == "" {
		c.SourceTopic = TopicDeadLetter
	}
	if strings.TrimSpace(c.TargetTopic) == "" {
		c.TargetTopic = TopicEvents
	}
	if c.SourceTopic == c.TargetTopic {
		return fmt.Errorf("source and target topics must differ")
	}
	if c.Limit < 0 {
		return fmt.Errorf("limit must be > 0")
	}
	if c.Limit == 0 {
		c.Limit = DefaultReplayLimit
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle-timeout must be > 0")
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultReplayIdleTimeout
	}
	return nil
}

// ReplayStats - итог прохода.
type ReplayStats struct {
	Processed int
	Replayed  int
	Skipped   int
}

func (s *ReplayStats) add(other ReplayStats) {
	s.Processed += other.Processed
	s.Replayed += other.Replayed
	s.Skipped += other.Skipped
}

// DeadLetterDecoder достаёт исходное сообщение outbox из payload конверта DLQ.
type DeadLetterDecoder func(payload []byte) (domain.OutboxMessage, error)

type OffsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type PartitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type PartitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (PartitionConsumer, error)
	Close() error
}

type ReplayProducer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

type saramaConsumerAdapter struct {
	consumer sarama.Consumer
}

func (a saramaConsumerAdapter) ConsumePartition(topic string, partition int32, offset int64) (PartitionConsumer, error) {
	pc, err := a.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (a saramaConsumerAdapter) Close() error {
	if a.consumer == nil {
		return nil
	}
	return a.consumer.Close()
}

// Replayer перечитывает DLQ и переотправляет исходные события в рабочий топик.
type Replayer struct {
	client   OffsetClient
	consumer PartitionConsumerSource
	producer ReplayProducer
	decode   DeadLetterDecoder
	logger   *log.Entry
	now      func() time.Time
}

// NewReplayer собирает Replayer из готовых зависимостей. producer может быть nil для dry-run.
func NewReplayer(client OffsetClient, consumer PartitionConsumerSource, producer ReplayProducer, decode DeadLetterDecoder) *Replayer {
	return &Replayer{
		client:   client,
		consumer: consumer,
		producer: producer,
		decode:   decode,
		logger:   log.WithField("component", "dlq-replay"),
		now:      time.Now,
	}
}

// OpenReplayer подключается к брокерам. Producer создаётся только в режиме execute.
func OpenReplayer(brokers []string, execute bool, decode DeadLetterDecoder) (*Replayer, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.ClientID = "retailctl"
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(brokers, consumerConfig)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	rawConsumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	consumer := saramaConsumerAdapter{consumer: rawConsumer}

	var producer ReplayProducer
	if execute {
		syncProducer, err := sarama.NewSyncProducer(brokers, newProducerConfig())
		if err != nil {
			_ = consumer.Close()
			_ = client.Close()
			return nil, fmt.Errorf("create kafka producer: %w", err)
		}
		producer = syncProducer
	}

	return NewReplayer(client, consumer, producer, decode), nil
}

// Close освобождает соединения.
func (r *Replayer) Close() error {
	if r.producer != nil {
		_ = r.producer.Close()
	}
	if r.consumer != nil {
		_ = r.consumer.Close()
	}
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Run выполняет один проход по всем партициям source-топика.
func (r *Replayer) Run(ctx context.Context, cfg ReplayConfig) (ReplayStats, error) {
	var total ReplayStats
	if err := cfg.Validate(); err != nil {
		return total, err
	}
	if r.client == nil || r.consumer == nil {
		return total, fmt.Errorf("kafka client and consumer are required")
	}
	if r.decode == nil {
		return total, fmt.Errorf("dead letter decoder is required")
	}
	if cfg.Execute && r.producer == nil {
		return total, fmt.Errorf("producer is required in execute mode")
	}

	r.logger.WithFields(log.Fields{
		"source_topic": cfg.SourceTopic,
		"target_topic": cfg.TargetTopic,
		"limit":        cfg.Limit,
		"execute":      cfg.Execute,
		"from_newest":  cfg.FromNewest,
	}).Info("starting dlq replay")

	partitions, err := r.client.Partitions(cfg.SourceTopic)
	if err != nil {
		return total, fmt.Errorf("get partitions for topic %s: %w", cfg.SourceTopic, err)
	}
	if len(partitions) == 0 {
		r.logger.WithField("topic", cfg.SourceTopic).Warn("source topic has no partitions")
		return total, nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		if total.Processed >= cfg.Limit {
			break
		}
		stats, err := r.processPartition(ctx, cfg, partition, cfg.Limit-total.Processed)
		total.add(stats)
		if err != nil {
			return total, err
		}
	}

	mode := "dry-run"
	if cfg.Execute {
		mode = "execute"
	}
	r.logger.WithFields(log.Fields{
		"mode":      mode,
		"processed": total.Processed,
		"replayed":  total.Replayed,
		"skipped":   total.Skipped,
	}).Info("dlq replay finished")

	return total, nil
}

func (r *Replayer) processPartition(ctx context.Context, cfg ReplayConfig, partition int32, limit int) (ReplayStats, error) {
	var stats ReplayStats
	if limit <= 0 {
		return stats, nil
	}

	oldest, err := r.client.GetOffset(cfg.SourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := r.client.GetOffset(cfg.SourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	startOffset := oldest
	if cfg.FromNewest {
		startOffset = max(newest-int64(limit), oldest)
	}

	pc, err := r.consumer.ConsumePartition(cfg.SourceTopic, partition, startOffset)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	// сообщения, пришедшие после старта прохода, не читаем
	endOffset := newest
	idleTimer := time.NewTimer(cfg.IdleTimeout)
	defer idleTimer.Stop()

	for stats.Processed < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case err := <-pc.Errors():
			if err != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, err)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil {
				return stats, nil
			}

			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(cfg.IdleTimeout)

			if msg.Offset >= endOffset {
				return stats, nil
			}

			stats.Processed++
			replay, err := r.extract(msg, cfg.TargetTopic)
			if err != nil {
				stats.Skipped++
				r.logger.WithError(err).WithFields(log.Fields{
					"partition": msg.Partition,
					"offset":    msg.Offset,
				}).Warn("skip unsupported dlq message")
			} else if cfg.Execute {
				if _, _, err := r.producer.SendMessage(replay); err != nil {
					return stats, fmt.Errorf("publish replay message: %w", err)
				}
				stats.Replayed++
			} else {
				r.logger.WithFields(log.Fields{
					"partition":    msg.Partition,
					"offset":       msg.Offset,
					"target_topic": replay.Topic,
				}).Info("dlq replay candidate")
				stats.Replayed++
			}

			if msg.Offset+1 >= endOffset {
				return stats, nil
			}
		case <-idleTimer.C:
			return stats, nil
		}
	}

	return stats, nil
}

// extract разворачивает конверт DLQ в сообщение для рабочего топика.
func (r *Replayer) extract(msg *sarama.ConsumerMessage, targetTopic string) (*sarama.ProducerMessage, error) {
	env, err := DecodeEnvelope(msg.Value)
	if err != nil {
		return nil, err
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("dlq envelope has empty payload")
	}

	original, err := r.decode(env.Payload)
	if err != nil {
		return nil, err
	}
	if len(original.Payload) == 0 {
		return nil, fmt.Errorf("dead letter does not contain original event payload")
	}
	original.ID = firstNonEmpty(original.ID, env.ID)
	original.AggregateType = firstNonEmpty(original.AggregateType, env.AggregateType)
	original.AggregateID = firstNonEmpty(original.AggregateID, env.AggregateID)
	original.EventType = firstNonEmpty(original.EventType, env.EventType)

	now := r.now().UTC()
	replay := NewEnvelope(original, now)
	value, err := encodeEnvelope(replay)
	if err != nil {
		return nil, err
	}

	return &sarama.ProducerMessage{
		Topic: targetTopic,
		Key:   sarama.StringEncoder(replay.Key()),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderEventType), Value: []byte(replay.EventType)},
			{Key: []byte(HeaderAggregateType), Value: []byte(replay.AggregateType)},
			{Key: []byte(HeaderOutboxID), Value: []byte(replay.ID)},
			{Key: []byte(HeaderReplayedAt), Value: []byte(now.Format(time.RFC3339))},
		},
		Timestamp: now,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
