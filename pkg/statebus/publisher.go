package statebus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"surety/pkg/stream"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer kafkaWriter
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{writer: w}, nil
}

// PublishEvent writes the event keyed by its type, so all events of one kind
// land on one partition in order.
func (p *KafkaPublisher) PublishEvent(ctx context.Context, evt stream.Event) error {
	if p == nil || p.writer == nil {
		return fmt.Errorf("kafka publisher not initialized")
	}
	value, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.Type),
		Value: value,
	})
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// EventPublisher is the write side of the bus.
type EventPublisher interface {
	PublishEvent(ctx context.Context, evt stream.Event) error
}

// Bridge drains a hub subscription into the bus until ctx is done. Publish
// failures are logged and skipped; the bus mirrors the hub, it does not gate
// ledger transitions.
func Bridge(ctx context.Context, hub *stream.Hub, pub EventPublisher, logf func(format string, args ...any)) {
	ch := hub.Subscribe(256)
	defer hub.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := pub.PublishEvent(ctx, evt); err != nil && logf != nil {
				logf("statebus publish %s: %v", evt.Type, err)
			}
		}
	}
}
