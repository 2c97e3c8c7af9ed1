package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/retailcore/internal/messaging/kafka"
)

// initKafkaProducer подключает продюсер outbox. Без брокеров возвращает nil, nil.
func initKafkaProducer(cfg Config, logger *log.Entry) (*kafka.Producer, error) {
	producerCfg, err := cfg.kafkaProducer()
	if err != nil {
		return nil, err
	}
	if len(producerCfg.Brokers) == 0 {
		logger.Debug("kafka brokers are not configured")
		return nil, nil
	}

	producer, err := kafka.NewProducer(producerCfg)
	if err != nil {
		logger.WithError(err).WithField("brokers", producerCfg.Brokers).Warn("kafka is unavailable, outbox stays pending")
		return nil, err
	}
	logger.WithFields(log.Fields{
		"brokers":   producerCfg.Brokers,
		"client_id": cfg.KafkaClientID,
		"topic":     cfg.KafkaTopic,
	}).Info("kafka producer connected")
	return producer, nil
}

func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}
	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("kafka producer close failed")
	}
}
