package app

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitKafkaProducer_WithoutBrokers(t *testing.T) {
	producer, err := initKafkaProducer(DefaultConfig(), log.WithField("test", t.Name()))
	require.NoError(t, err)
	assert.Nil(t, producer)
}

func TestInitKafkaProducer_UnreachableBrokers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KafkaBrokers = "broker1.invalid:9092, broker2.invalid:9092"

	producer, err := initKafkaProducer(cfg, log.WithField("test", t.Name()))
	require.Error(t, err)
	assert.Nil(t, producer)
}

func TestInitKafkaProducer_BadCompression(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KafkaBrokers = "localhost:9092"
	cfg.KafkaCompression = "brotli"

	_, err := initKafkaProducer(cfg, log.WithField("test", t.Name()))
	require.ErrorContains(t, err, "unsupported kafka compression")
}

func TestKafkaProducerConfigFromSettings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KafkaBrokers = "a:9092,b:9092"
	cfg.KafkaClientID = "storefront-1"

	producerCfg, err := cfg.kafkaProducer()
	require.NoError(t, err)
	assert.Equal(t, []string{"a:9092", "b:9092"}, producerCfg.Brokers)
	assert.Equal(t, "storefront-1", producerCfg.ClientID)
}

func TestCloseKafka_Nil(t *testing.T) {
	assert.NotPanics(t, func() { closeKafka(nil, log.WithField("test", t.Name())) })
}
