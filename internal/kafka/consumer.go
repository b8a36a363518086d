package kafka

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

type Consumer struct {
	reader *kafka.Reader
}

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    10e3,
		MaxBytes:    10e6,
		MaxWait:     1 * time.Second,
	})

	return &Consumer{reader: reader}
}

type EventHandler interface {
	HandleScanRequested(ctx context.Context, event ScanRequestedEvent) error
	HandleScheduleChanged(ctx context.Context, event ScheduleChangedEvent) error
	HandleScanCompleted(ctx context.Context, event ScanCompletedEvent) error
	HandleScanFailed(ctx context.Context, event ScanFailedEvent) error
}

// BaseHandler ignores every event. Handlers embed it and override the events
// they care about.
type BaseHandler struct{}

func (BaseHandler) HandleScanRequested(context.Context, ScanRequestedEvent) error     { return nil }
func (BaseHandler) HandleScheduleChanged(context.Context, ScheduleChangedEvent) error { return nil }
func (BaseHandler) HandleScanCompleted(context.Context, ScanCompletedEvent) error     { return nil }
func (BaseHandler) HandleScanFailed(context.Context, ScanFailedEvent) error           { return nil }

func (c *Consumer) ProcessEvents(ctx context.Context, handler EventHandler) error {
	for {
		select {
		case <-ctx.Done():
			log.Println("Consumer stopping...")
			return ctx.Err()
		default:
			message, err := c.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				log.Printf("Error reading message: %v", err)
				time.Sleep(time.Second)
				continue
			}

			if err := c.handleMessage(ctx, message, handler); err != nil {
				log.Printf("Error handling message: %v", err)
			}
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

func (c *Consumer) handleMessage(ctx context.Context, message kafka.Message, handler EventHandler) error {
	log.Printf("Received message: key=%s, partition=%d, offset=%d",
		string(message.Key), message.Partition, message.Offset)

	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(message.Value, &envelope); err != nil {
		return err
	}

	switch envelope.EventType {
	case EventScanRequested:
		var event ScanRequestedEvent
		if err := json.Unmarshal(message.Value, &event); err != nil {
			return err
		}
		return handler.HandleScanRequested(ctx, event)

	case EventScheduleChanged:
		var event ScheduleChangedEvent
		if err := json.Unmarshal(message.Value, &event); err != nil {
			return err
		}
		return handler.HandleScheduleChanged(ctx, event)

	case EventScanCompleted:
		var event ScanCompletedEvent
		if err := json.Unmarshal(message.Value, &event); err != nil {
			return err
		}
		return handler.HandleScanCompleted(ctx, event)

	case EventScanFailed:
		var event ScanFailedEvent
		if err := json.Unmarshal(message.Value, &event); err != nil {
			return err
		}
		return handler.HandleScanFailed(ctx, event)

	case "":
		log.Println("Unknown event format")
		return nil

	default:
		log.Printf("Unknown event type: %s", envelope.EventType)
		return nil
	}
}
