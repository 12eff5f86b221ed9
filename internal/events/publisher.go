package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/anyulbade/vpos-engine/internal/model"
)

// TransitionEvent is published for every persisted lifecycle change. It
// carries the masked card only.
type TransitionEvent struct {
	Type            string       `json:"type"`
	TransactionID   string       `json:"transaction_id"`
	MerchantOrderID string       `json:"merchant_order_id"`
	Provider        string       `json:"provider"`
	Amount          string       `json:"amount"`
	Currency        string       `json:"currency"`
	MaskedPAN       string       `json:"masked_pan"`
	From            model.Status `json:"from"`
	To              model.Status `json:"to"`
	Actor           model.Actor  `json:"actor"`
	Reason          string       `json:"reason,omitempty"`
	OccurredAt      string       `json:"occurred_at"`
}

func NewTransitionEvent(txn *model.Transaction, tr model.Transition) TransitionEvent {
	return TransitionEvent{
		Type:            "payment.transition",
		TransactionID:   txn.ID,
		MerchantOrderID: txn.MerchantOrderID,
		Provider:        txn.Provider,
		Amount:          txn.Amount.StringFixed(2),
		Currency:        string(txn.Currency),
		MaskedPAN:       txn.MaskedPAN,
		From:            tr.From,
		To:              tr.To,
		Actor:           tr.Actor,
		Reason:          tr.Reason,
		OccurredAt:      tr.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}

type Publisher interface {
	Publish(ctx context.Context, evs []TransitionEvent) error
	Close() error
}

// KafkaPublisher writes events keyed by transaction id, so one payment's
// transitions stay ordered within a partition.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	config.Version = sarama.V2_8_0_0

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return producer, nil
}

func NewKafkaPublisher(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

func (p *KafkaPublisher) Publish(_ context.Context, evs []TransitionEvent) error {
	if len(evs) == 0 {
		return nil
	}
	msgs := make([]*sarama.ProducerMessage, 0, len(evs))
	for _, ev := range evs {
		b, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: p.topic,
			Key:   sarama.StringEncoder(ev.TransactionID),
			Value: sarama.ByteEncoder(b),
		})
	}
	if err := p.producer.SendMessages(msgs); err != nil {
		return fmt.Errorf("send %d events: %w", len(msgs), err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// LogPublisher only logs, for runs without a broker.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, evs []TransitionEvent) error {
	for _, ev := range evs {
		log.Debug().Str("txn_id", ev.TransactionID).Str("from", string(ev.From)).Str("to", string(ev.To)).
			Str("actor", string(ev.Actor)).Msg("transition event")
	}
	return nil
}

func (LogPublisher) Close() error { return nil }
