package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
	"github.com/vladislavdragonenkov/retailcore/internal/service/outbox"
)

func decodeDeadLetter(payload []byte) (domain.OutboxMessage, error) {
	letter, err := outbox.DecodeDeadLetter(payload)
	if err != nil {
		return domain.OutboxMessage{}, err
	}
	return letter.Message(), nil
}

func dlqValue(t *testing.T, id, aggregateID string) []byte {
	t.Helper()

	letter, err := json.Marshal(outbox.DeadLetter{
		OutboxID:       id,
		AggregateType:  "order",
		AggregateID:    aggregateID,
		EventType:      "order.created",
		Payload:        json.RawMessage(`{"total_minor":1500}`),
		PublishError:   "timeout",
		DLQPublishedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("marshal dead letter: %v", err)
	}
	msg := messageFixture(id, aggregateID)
	msg.Payload = letter
	raw, err := json.Marshal(NewEnvelope(msg, time.Now()))
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return raw
}

func replayConfig() ReplayConfig {
	return ReplayConfig{
		SourceTopic: TopicDeadLetter,
		TargetTopic: TopicEvents,
		Limit:       10,
		IdleTimeout: 20 * time.Millisecond,
	}
}

func TestReplayConfig_Validate(t *testing.T) {
	cfg := ReplayConfig{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.SourceTopic != TopicDeadLetter || cfg.TargetTopic != TopicEvents {
		t.Fatalf("unexpected default topics: %+v", cfg)
	}
	if cfg.Limit != DefaultReplayLimit || cfg.IdleTimeout != DefaultReplayIdleTimeout {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	for _, bad := range []ReplayConfig{
		{Limit: -1},
		{IdleTimeout: -time.Second},
		{SourceTopic: TopicEvents, TargetTopic: TopicEvents},
	} {
		if err := bad.Validate(); err == nil {
			t.Fatalf("expected validation error for %+v", bad)
		}
	}
}

func TestReplayer_ExtractDeadLetter(t *testing.T) {
	replayer := NewReplayer(&stubOffsetClient{}, &stubPartitionConsumerSource{}, nil, decodeDeadLetter)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	replayer.now = func() time.Time { return fixed }

	msg, err := replayer.extract(&sarama.ConsumerMessage{Value: dlqValue(t, "outbox-1", "order-1")}, TopicEvents)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if msg.Topic != TopicEvents {
		t.Fatalf("unexpected topic: %s", msg.Topic)
	}
	key, _ := msg.Key.Encode()
	if string(key) != "order-1" {
		t.Fatalf("unexpected key: %s", key)
	}

	raw, _ := msg.Value.Encode()
	env, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("replayed value must be an envelope: %v", err)
	}
	if env.ID != "outbox-1" || string(env.Payload) != `{"total_minor":1500}` || !env.PublishedAt.Equal(fixed) {
		t.Fatalf("unexpected replay envelope: %+v", env)
	}

	var replayedAt string
	for _, h := range msg.Headers {
		if string(h.Key) == HeaderReplayedAt {
			replayedAt = string(h.Value)
		}
	}
	if replayedAt != fixed.Format(time.RFC3339) {
		t.Fatalf("unexpected replayed-at header: %q", replayedAt)
	}
}

func TestReplayer_ExtractRejectsUnsupported(t *testing.T) {
	replayer := NewReplayer(&stubOffsetClient{}, &stubPartitionConsumerSource{}, nil, decodeDeadLetter)

	cases := []struct {
		name  string
		value []byte
	}{
		{name: "not json", value: []byte("garbage")},
		{name: "empty payload", value: []byte(`{"id":"x"}`)},
		{name: "payload not dead letter", value: []byte(`{"id":"x","payload":{"foo":"bar"}}`)},
		{name: "dead letter without original", value: []byte(`{"id":"x","payload":{"outbox_id":"x","event_type":"order.created"}}`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := replayer.extract(&sarama.ConsumerMessage{Value: tc.value}, TopicEvents); err == nil {
				t.Fatal("expected extract error")
			}
		})
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "x", "y"); got != "x" {
		t.Fatalf("unexpected first non-empty value: %q", got)
	}
	if got := firstNonEmpty("", " "); got != "" {
		t.Fatalf("expected empty result, got %q", got)
	}
}

func TestProcessPartition_DryRun(t *testing.T) {
	client := &stubOffsetClient{
		partitions: []int32{0},
		offsets:    map[int32]offsetRange{0: {oldest: 0, newest: 2}},
	}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]PartitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{{
				Partition: 0,
				Offset:    0,
				Value:     dlqValue(t, "outbox-1", "order-1"),
			}}),
		},
	}

	replayer := NewReplayer(client, consumer, nil, decodeDeadLetter)
	stats, err := replayer.processPartition(context.Background(), replayConfig(), 0, 10)
	if err != nil {
		t.Fatalf("processPartition failed: %v", err)
	}
	if stats.Processed != 1 || stats.Replayed != 1 || stats.Skipped != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(consumer.calls) != 1 || consumer.calls[0].offset != 0 {
		t.Fatalf("unexpected consume calls: %+v", consumer.calls)
	}
}

func TestProcessPartition_ExecuteFromNewest(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 5}}}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]PartitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{
				{Partition: 0, Offset: 3, Value: dlqValue(t, "outbox-3", "order-3")},
				{Partition: 0, Offset: 4, Value: dlqValue(t, "outbox-4", "order-4")},
			}),
		},
	}
	producer := &stubReplayProducer{}

	cfg := replayConfig()
	cfg.Execute = true
	cfg.FromNewest = true

	replayer := NewReplayer(client, consumer, producer, decodeDeadLetter)
	stats, err := replayer.processPartition(context.Background(), cfg, 0, 2)
	if err != nil {
		t.Fatalf("processPartition failed: %v", err)
	}
	if stats.Replayed != 2 || producer.calls != 2 {
		t.Fatalf("expected two replays, got stats=%+v calls=%d", stats, producer.calls)
	}
	if consumer.calls[0].offset != 3 {
		t.Fatalf("expected start offset 3, got %d", consumer.calls[0].offset)
	}
	if producer.lastMsg.Topic != TopicEvents {
		t.Fatalf("unexpected replay topic: %s", producer.lastMsg.Topic)
	}
}

func TestProcessPartition_ErrorBranches(t *testing.T) {
	cfg := replayConfig()
	cfg.Execute = true

	clientOffsetErr := &stubOffsetClient{offsetErr: map[int32]error{0: errors.New("offset")}}
	replayer := NewReplayer(clientOffsetErr, &stubPartitionConsumerSource{}, &stubReplayProducer{}, decodeDeadLetter)
	if _, err := replayer.processPartition(context.Background(), cfg, 0, 1); err == nil {
		t.Fatal("expected offset error")
	}

	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	replayer = NewReplayer(client, &stubPartitionConsumerSource{consumeErr: errors.New("consume")}, &stubReplayProducer{}, decodeDeadLetter)
	if _, err := replayer.processPartition(context.Background(), cfg, 0, 1); err == nil {
		t.Fatal("expected consume error")
	}

	pcWithErr := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError, 1),
	}
	pcWithErr.errors <- &sarama.ConsumerError{Err: errors.New("consumer boom")}
	close(pcWithErr.errors)
	replayer = NewReplayer(client, &stubPartitionConsumerSource{consumers: map[int32]PartitionConsumer{0: pcWithErr}}, &stubReplayProducer{}, decodeDeadLetter)
	if _, err := replayer.processPartition(context.Background(), cfg, 0, 1); err == nil {
		t.Fatal("expected consumer error branch")
	}
	close(pcWithErr.messages)

	pcBadPayload := closedPartitionConsumer([]*sarama.ConsumerMessage{{
		Partition: 0,
		Offset:    0,
		Value:     []byte(`{"id":"x","payload":"not-an-object"}`),
	}})
	replayer = NewReplayer(client, &stubPartitionConsumerSource{consumers: map[int32]PartitionConsumer{0: pcBadPayload}}, &stubReplayProducer{}, decodeDeadLetter)
	stats, err := replayer.processPartition(context.Background(), cfg, 0, 1)
	if err != nil {
		t.Fatalf("unexpected bad-payload error: %v", err)
	}
	if stats.Skipped != 1 || stats.Processed != 1 {
		t.Fatalf("expected skipped=1, got %+v", stats)
	}

	pcOK := closedPartitionConsumer([]*sarama.ConsumerMessage{{
		Partition: 0,
		Offset:    0,
		Value:     dlqValue(t, "outbox-1", "order-1"),
	}})
	replayer = NewReplayer(client, &stubPartitionConsumerSource{consumers: map[int32]PartitionConsumer{0: pcOK}}, &stubReplayProducer{sendErr: errors.New("send fail")}, decodeDeadLetter)
	if _, err := replayer.processPartition(context.Background(), cfg, 0, 1); err == nil {
		t.Fatal("expected producer send error")
	}
}

func TestProcessPartition_IdleTimeoutAndContext(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	cfg := replayConfig()
	cfg.IdleTimeout = 10 * time.Millisecond

	idlePC := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError),
	}
	replayer := NewReplayer(client, &stubPartitionConsumerSource{consumers: map[int32]PartitionConsumer{0: idlePC}}, nil, decodeDeadLetter)
	stats, err := replayer.processPartition(context.Background(), cfg, 0, 1)
	if err != nil {
		t.Fatalf("unexpected idle-timeout error: %v", err)
	}
	if stats.Processed != 0 {
		t.Fatalf("expected processed=0, got %+v", stats)
	}
	if !idlePC.closed {
		t.Fatal("partition consumer must be closed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	canceledPC := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError),
	}
	replayer = NewReplayer(client, &stubPartitionConsumerSource{consumers: map[int32]PartitionConsumer{0: canceledPC}}, nil, decodeDeadLetter)
	if _, err := replayer.processPartition(ctx, cfg, 0, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestReplayer_Run(t *testing.T) {
	cfg := replayConfig()
	cfg.Limit = 1

	if _, err := NewReplayer(nil, nil, nil, decodeDeadLetter).Run(context.Background(), cfg); err == nil {
		t.Fatal("expected missing deps error")
	}
	if _, err := NewReplayer(&stubOffsetClient{}, &stubPartitionConsumerSource{}, nil, nil).Run(context.Background(), cfg); err == nil {
		t.Fatal("expected missing decoder error")
	}

	client := &stubOffsetClient{
		partitions: []int32{2, 0},
		offsets: map[int32]offsetRange{
			0: {oldest: 0, newest: 2},
			2: {oldest: 0, newest: 2},
		},
	}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]PartitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{{Partition: 0, Offset: 0, Value: dlqValue(t, "outbox-1", "order-1")}}),
			2: closedPartitionConsumer([]*sarama.ConsumerMessage{{Partition: 2, Offset: 0, Value: dlqValue(t, "outbox-2", "order-2")}}),
		},
	}

	replayer := NewReplayer(client, consumer, nil, decodeDeadLetter)
	stats, err := replayer.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if stats.Replayed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(consumer.calls) != 1 || consumer.calls[0].partition != 0 {
		t.Fatalf("expected first sorted partition only, got %+v", consumer.calls)
	}

	executeCfg := cfg
	executeCfg.Execute = true
	if _, err := replayer.Run(context.Background(), executeCfg); err == nil {
		t.Fatal("expected execute mode to require producer")
	}

	empty := NewReplayer(&stubOffsetClient{}, consumer, nil, decodeDeadLetter)
	if _, err := empty.Run(context.Background(), cfg); err != nil {
		t.Fatalf("expected nil error for empty partitions, got %v", err)
	}

	partitionsErr := NewReplayer(&stubOffsetClient{partitionsErr: errors.New("metadata")}, consumer, nil, decodeDeadLetter)
	if _, err := partitionsErr.Run(context.Background(), cfg); err == nil {
		t.Fatal("expected partitions error")
	}
}

func TestReplayer_Close(t *testing.T) {
	client := &stubOffsetClient{}
	consumer := &stubPartitionConsumerSource{}
	producer := &stubReplayProducer{}

	if err := NewReplayer(client, consumer, producer, decodeDeadLetter).Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !client.closed || !consumer.closed || !producer.closed {
		t.Fatalf("expected all deps to be closed: client=%v consumer=%v producer=%v", client.closed, consumer.closed, producer.closed)
	}
}

type offsetRange struct {
	oldest int64
	newest int64
}

type stubOffsetClient struct {
	partitions    []int32
	partitionsErr error
	offsets       map[int32]offsetRange
	offsetErr     map[int32]error
	closed        bool
}

func (s *stubOffsetClient) GetOffset(_ string, partition int32, marker int64) (int64, error) {
	if err, ok := s.offsetErr[partition]; ok {
		return 0, err
	}

	r := s.offsets[partition]
	switch marker {
	case sarama.OffsetOldest:
		return r.oldest, nil
	case sarama.OffsetNewest:
		return r.newest, nil
	default:
		return 0, fmt.Errorf("unsupported marker %d", marker)
	}
}

func (s *stubOffsetClient) Partitions(string) ([]int32, error) {
	if s.partitionsErr != nil {
		return nil, s.partitionsErr
	}
	return append([]int32(nil), s.partitions...), nil
}

func (s *stubOffsetClient) Close() error {
	s.closed = true
	return nil
}

type consumeCall struct {
	partition int32
	offset    int64
}

type stubPartitionConsumerSource struct {
	consumers  map[int32]PartitionConsumer
	consumeErr error
	calls      []consumeCall
	closed     bool
}

func (s *stubPartitionConsumerSource) ConsumePartition(_ string, partition int32, offset int64) (PartitionConsumer, error) {
	s.calls = append(s.calls, consumeCall{partition: partition, offset: offset})
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}
	pc, ok := s.consumers[partition]
	if !ok {
		return nil, fmt.Errorf("partition %d not configured", partition)
	}
	return pc, nil
}

func (s *stubPartitionConsumerSource) Close() error {
	s.closed = true
	return nil
}

type stubPartitionConsumer struct {
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
	closed   bool
}

func (s *stubPartitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return s.messages }
func (s *stubPartitionConsumer) Errors() <-chan *sarama.ConsumerError     { return s.errors }
func (s *stubPartitionConsumer) Close() error {
	s.closed = true
	return nil
}

func closedPartitionConsumer(messages []*sarama.ConsumerMessage) *stubPartitionConsumer {
	msgCh := make(chan *sarama.ConsumerMessage, len(messages))
	errCh := make(chan *sarama.ConsumerError)
	for _, msg := range messages {
		msgCh <- msg
	}
	close(msgCh)
	close(errCh)
	return &stubPartitionConsumer{messages: msgCh, errors: errCh}
}

type stubReplayProducer struct {
	sendErr error
	calls   int
	closed  bool
	lastMsg *sarama.ProducerMessage
}

func (s *stubReplayProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	s.calls++
	s.lastMsg = msg
	if s.sendErr != nil {
		return 0, 0, s.sendErr
	}
	return 0, int64(s.calls), nil
}

func (s *stubReplayProducer) Close() error {
	s.closed = true
	return nil
}
