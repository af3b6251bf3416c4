package mirror

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
)

// producer is the subset of *kgo.Client used by KafkaSink.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaSink publishes audit events to a Kafka topic keyed by chain, so each
// chain stays ordered within one partition.
type KafkaSink struct {
	client producer
	topic  string
}

var _ ports.MirrorSink = (*KafkaSink)(nil)

// NewKafkaSink connects to the given brokers.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &KafkaSink{client: client, topic: topic}, nil
}

func (s *KafkaSink) Name() string { return "kafka" }

// Publish produces one record per event and waits for every acknowledgement.
func (s *KafkaSink) Publish(ctx context.Context, events []*domain.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	records, err := s.records(events)
	if err != nil {
		return err
	}
	if err := s.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("produce audit events: %w", err)
	}
	return nil
}

func (s *KafkaSink) records(events []*domain.AuditEvent) ([]*kgo.Record, error) {
	records := make([]*kgo.Record, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal audit event: %w", err)
		}
		records = append(records, &kgo.Record{
			Topic: s.topic,
			Key:   []byte(e.ChainKey),
			Value: value,
			Headers: []kgo.RecordHeader{
				{Key: "audit-id", Value: []byte(e.AuditID)},
				{Key: "event-hash", Value: []byte(e.EventHash)},
			},
		})
	}
	return records, nil
}

// Close flushes and closes the client.
func (s *KafkaSink) Close() {
	s.client.Close()
}
