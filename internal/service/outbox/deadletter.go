package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

// DeadLetter - конверт сообщения, отправленного в DLQ после исчерпания попыток.
type DeadLetter struct {
	OutboxID       string          `json:"outbox_id"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Attempts       int             `json:"attempts"`
	PublishError   string          `json:"publish_error"`
	DLQPublishedAt time.Time       `json:"dlq_published_at"`
}

func newDeadLetter(msg domain.OutboxMessage, attempts int, cause error, at time.Time) DeadLetter {
	return DeadLetter{
		OutboxID:       msg.ID,
		AggregateType:  msg.AggregateType,
		AggregateID:    msg.AggregateID,
		EventType:      msg.EventType,
		Payload:        json.RawMessage(msg.Payload),
		Attempts:       attempts,
		PublishError:   cause.Error(),
		DLQPublishedAt: at.UTC(),
	}
}

// Message восстанавливает исходное сообщение outbox.
func (d DeadLetter) Message() domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            d.OutboxID,
		AggregateType: d.AggregateType,
		AggregateID:   d.AggregateID,
		EventType:     d.EventType,
		Payload:       []byte(d.Payload),
	}
}

// envelope упаковывает конверт в сообщение для DLQ-паблишера; id и ключ агрегата сохраняются.
func (d DeadLetter) envelope() (domain.OutboxMessage, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("encode dead letter: %w", err)
	}
	msg := d.Message()
	msg.Payload = raw
	return msg, nil
}

// DecodeDeadLetter разбирает конверт DLQ.
func DecodeDeadLetter(raw []byte) (DeadLetter, error) {
	var letter DeadLetter
	if err := json.Unmarshal(raw, &letter); err != nil {
		return DeadLetter{}, fmt.Errorf("decode dead letter: %w", err)
	}
	if letter.OutboxID == "" || letter.EventType == "" {
		return DeadLetter{}, errors.New("decode dead letter: outbox_id and event_type are required")
	}
	return letter, nil
}
