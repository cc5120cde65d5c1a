// Package feed consumes funnel events from Kafka and offers them to the
// engine. The transport carries exactly the validated event schema; malformed
// payloads count as validation rejections and never block the partition.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/config"
	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/event"
)

const (
	defaultTopic   = "funnel.events"
	defaultGroupID = "funnel-engine"

	minBytes = 1 << 10  // 1KB
	maxBytes = 10 << 20 // 10MB
	maxWait  = 500 * time.Millisecond
)

// ErrNoBrokers is returned when the consumer is configured without brokers.
var ErrNoBrokers = errors.New("kafka brokers must be configured")

type (
	// Config holds Kafka consumer configuration.
	Config struct {
		Brokers []string
		Topic   string
		GroupID string
	}

	// Sink accepts decoded events. Validation failures are the sink's to
	// count; the consumer only reports transport-level decode failures.
	Sink interface {
		Offer(evt *event.Event) error
	}

	// Consumer reads JSON events from a topic and offers them to the sink,
	// committing offsets after each offer so a crash replays at-least-once
	// into an idempotent pipeline.
	Consumer struct {
		reader *kafka.Reader
		sink   Sink
		logger *slog.Logger

		decodeFailures atomic.Uint64
	}

	// wireEvent is the JSON shape of one funnel event on the topic.
	wireEvent struct {
		EventID           string    `json:"event_id"`
		SessionID         string    `json:"session_id"`
		CustomerID        string    `json:"customer_id"`
		ProductID         string    `json:"product_id,omitempty"`
		Stage             string    `json:"stage"`
		Timestamp         time.Time `json:"timestamp"`
		DeviceType        string    `json:"device_type,omitempty"`
		TrafficSource     string    `json:"traffic_source,omitempty"`
		CustomerSegment   string    `json:"customer_segment,omitempty"`
		AbandonmentReason string    `json:"abandonment_reason,omitempty"`
		Revenue           float64   `json:"revenue,omitempty"`
	}
)

// LoadConfig loads Kafka configuration from FUNNEL_KAFKA_* environment
// variables with defaults.
func LoadConfig() *Config {
	return &Config{
		Brokers: config.ParseCommaSeparatedList(config.GetEnvStr("FUNNEL_KAFKA_BROKERS", "")),
		Topic:   config.GetEnvStr("FUNNEL_KAFKA_TOPIC", defaultTopic),
		GroupID: config.GetEnvStr("FUNNEL_KAFKA_GROUP_ID", defaultGroupID),
	}
}

// Validate checks the consumer configuration.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return ErrNoBrokers
	}

	return nil
}

// NewConsumer creates a Kafka consumer feeding the sink.
func NewConsumer(cfg *Config, sink Sink, logger *slog.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid feed config: %w", err)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: minBytes,
		MaxBytes: maxBytes,
		MaxWait:  maxWait,
	})

	return &Consumer{
		reader: reader,
		sink:   sink,
		logger: logger,
	}, nil
}

// Run consumes the topic until the context is done. Returns nil on context
// cancellation, the transport error otherwise.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}

			return fmt.Errorf("fetch message: %w", err)
		}

		evt, err := decodeEvent(m.Value)
		if err != nil {
			c.decodeFailures.Add(1)
			c.logger.Warn("dropping undecodable event payload",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)

			// Commit poison pills so the partition keeps moving.
			if err := c.reader.CommitMessages(ctx, m); err != nil {
				return fmt.Errorf("commit: %w", err)
			}

			continue
		}

		if err := c.sink.Offer(evt); err != nil {
			// Validation rejections are counted by the sink and never
			// retried; the offset still commits.
			c.logger.Debug("event rejected",
				slog.String("event_id", evt.EventID),
				slog.String("error", err.Error()),
			)
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}
}

// DecodeFailures returns the number of payloads dropped as undecodable.
func (c *Consumer) DecodeFailures() uint64 {
	return c.decodeFailures.Load()
}

// Close releases the underlying reader.
func (c *Consumer) Close() error {
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("close reader: %w", err)
	}

	return nil
}

func decodeEvent(payload []byte) (*event.Event, error) {
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	return &event.Event{
		EventID:           w.EventID,
		SessionID:         w.SessionID,
		CustomerID:        w.CustomerID,
		ProductID:         w.ProductID,
		Stage:             event.Stage(w.Stage),
		Timestamp:         w.Timestamp,
		DeviceType:        w.DeviceType,
		TrafficSource:     w.TrafficSource,
		CustomerSegment:   w.CustomerSegment,
		AbandonmentReason: w.AbandonmentReason,
		Revenue:           w.Revenue,
	}, nil
}
