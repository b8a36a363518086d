package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}

	return &Producer{writer: writer}
}

func (p *Producer) PublishScanRequested(ctx context.Context, event ScanRequestedEvent) error {
	event.EventType = EventScanRequested
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if err := p.publish(ctx, "scan_"+event.URL, event); err != nil {
		return err
	}

	log.Printf("Published scan_requested event: url=%s", event.URL)
	return nil
}

func (p *Producer) PublishScheduleChanged(ctx context.Context, event ScheduleChangedEvent) error {
	event.EventType = EventScheduleChanged
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if err := p.publish(ctx, fmt.Sprintf("schedule_%d", event.SearchID), event); err != nil {
		return err
	}

	log.Printf("Published schedule_changed event: search_id=%d", event.SearchID)
	return nil
}

func (p *Producer) PublishScanCompleted(ctx context.Context, event ScanCompletedEvent) error {
	event.EventType = EventScanCompleted
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if err := p.publish(ctx, fmt.Sprintf("search_%d", event.SearchID), event); err != nil {
		return err
	}

	log.Printf("Published scan_completed event: search_id=%d, prices=%d, partial=%v",
		event.SearchID, event.Prices, event.Partial)
	return nil
}

func (p *Producer) PublishScanFailed(ctx context.Context, event ScanFailedEvent) error {
	event.EventType = EventScanFailed
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	key := "failure_" + event.URL
	if event.SearchID != nil {
		key = fmt.Sprintf("search_%d", *event.SearchID)
	}
	if err := p.publish(ctx, key, event); err != nil {
		return err
	}

	log.Printf("Published scan_failed event: url=%s, status=%d", event.URL, event.StatusCode)
	return nil
}

func (p *Producer) publish(ctx context.Context, key string, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  time.Now(),
	}

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("failed to write message %s: %w", key, err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
