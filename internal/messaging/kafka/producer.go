package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// ProducerConfig - параметры подключения продюсера.
type ProducerConfig struct {
	Brokers     []string
	ClientID    string
	Compression sarama.CompressionCodec
	// MaxRetries <= 0 означает значение по умолчанию.
	MaxRetries int
}

const defaultProducerRetries = 5

// ParseCompression разбирает имя кодека сжатия. Пустая строка означает без сжатия.
func ParseCompression(name string) (sarama.CompressionCodec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return sarama.CompressionNone, nil
	case "gzip":
		return sarama.CompressionGZIP, nil
	case "snappy":
		return sarama.CompressionSnappy, nil
	case "lz4":
		return sarama.CompressionLZ4, nil
	case "zstd":
		return sarama.CompressionZSTD, nil
	default:
		return sarama.CompressionNone, fmt.Errorf("unsupported kafka compression %q", name)
	}
}

// saramaConfig: синхронная отправка с подтверждением всех реплик, идемпотентный продюсер.
func (c ProducerConfig) saramaConfig() *sarama.Config {
	config := sarama.NewConfig()
	if c.ClientID != "" {
		config.ClientID = c.ClientID
	}
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Compression = c.Compression
	config.Producer.Retry.Max = defaultProducerRetries
	if c.MaxRetries > 0 {
		config.Producer.Retry.Max = c.MaxRetries
	}
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	return config
}

// Producer отправляет конверты событий в Kafka.
type Producer struct {
	sync   sarama.SyncProducer
	logger *log.Entry
	now    func() time.Time
}

// NewProducer подключается к брокерам.
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are not configured")
	}
	sync, err := sarama.NewSyncProducer(cfg.Brokers, cfg.saramaConfig())
	if err != nil {
		return nil, fmt.Errorf("connect kafka producer: %w", err)
	}
	return NewProducerWith(sync), nil
}

// NewProducerWith оборачивает готовый sarama.SyncProducer.
func NewProducerWith(sync sarama.SyncProducer) *Producer {
	return &Producer{
		sync:   sync,
		logger: log.WithField("component", "kafka-producer"),
		now:    time.Now,
	}
}

// SendEnvelope кодирует конверт и отправляет его с ключом агрегата.
func (p *Producer) SendEnvelope(ctx context.Context, topic string, env Envelope, headers ...sarama.RecordHeader) error {
	value, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	return p.Send(ctx, &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(env.Key()),
		Value:     sarama.ByteEncoder(value),
		Headers:   headers,
		Timestamp: p.now(),
	})
}

// Send отправляет готовое сообщение. Отменённый контекст прерывает отправку до обращения к брокеру.
func (p *Producer) Send(ctx context.Context, msg *sarama.ProducerMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	partition, offset, err := p.sync.SendMessage(msg)
	entry := p.logger.WithField("topic", msg.Topic)
	if err != nil {
		entry.WithError(err).Error("kafka send failed")
		return fmt.Errorf("send to %s: %w", msg.Topic, err)
	}
	entry.WithFields(log.Fields{"partition": partition, "offset": offset}).Debug("kafka message delivered")
	return nil
}

func (p *Producer) Close() error {
	if err := p.sync.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
