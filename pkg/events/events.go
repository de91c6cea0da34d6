// Package events publishes compliance status changes for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AnTengye/coitrack/pkg/metrics"
	"github.com/segmentio/kafka-go"
)

// StatusChanged is emitted whenever re-evaluation moves an entity to a new status
type StatusChanged struct {
	OrgID         string    `json:"org_id"`
	EntityKind    string    `json:"entity_kind"`
	EntityID      string    `json:"entity_id"`
	CertificateID string    `json:"certificate_id,omitempty"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Key groups an entity's events onto one partition so consumers see them in order
func (e StatusChanged) Key() string {
	return e.EntityKind + ":" + e.EntityID
}

type Publisher interface {
	PublishStatusChanged(ctx context.Context, e StatusChanged) error
	Close() error
}

// NopPublisher drops every event; used when no brokers are configured
type NopPublisher struct{}

func (NopPublisher) PublishStatusChanged(context.Context, StatusChanged) error { return nil }
func (NopPublisher) Close() error                                             { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		topic: topic,
	}
}

func (p *KafkaPublisher) PublishStatusChanged(ctx context.Context, e StatusChanged) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.Key()),
		Value: value,
		Time:  e.OccurredAt,
	})
	if err != nil {
		metrics.EventPublishFailuresTotal.WithLabelValues(p.topic).Inc()
		return fmt.Errorf("failed to publish status change: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
