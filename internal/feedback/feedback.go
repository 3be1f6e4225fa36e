package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Config describes the analyst label stream.
type Config struct {
	Enabled  bool          `mapstructure:"enabled"`
	Brokers  []string      `mapstructure:"brokers"`
	Topic    string        `mapstructure:"topic"`
	GroupID  string        `mapstructure:"group_id"`
	MinBytes int           `mapstructure:"min_bytes"`
	MaxBytes int           `mapstructure:"max_bytes"`
	MaxWait  time.Duration `mapstructure:"max_wait"`
}

// Label is an analyst verdict on a scored transaction.
type Label struct {
	TransactionID string    `json:"transaction_id"`
	IsFraud       bool      `json:"is_fraud"`
	Analyst       string    `json:"analyst,omitempty"`
	LabelledAt    time.Time `json:"labelled_at,omitempty"`
}

// ErrPermanent marks sink failures that retrying cannot fix, such as a label
// for an unknown transaction. Such messages are committed and dropped.
var ErrPermanent = errors.New("feedback: permanent failure")

// Sink persists labels.
type Sink interface {
	RecordFeedback(ctx context.Context, label Label) error
}

// DecodeLabel parses and validates a label message.
func DecodeLabel(raw []byte) (Label, error) {
	var l Label
	if err := json.Unmarshal(raw, &l); err != nil {
		return Label{}, fmt.Errorf("decode label: %w", err)
	}
	l.TransactionID = strings.TrimSpace(l.TransactionID)
	if l.TransactionID == "" {
		return Label{}, errors.New("decode label: transaction_id is required")
	}
	if l.Analyst == "" {
		l.Analyst = "admin"
	}
	if l.LabelledAt.IsZero() {
		l.LabelledAt = time.Now().UTC()
	}
	return l, nil
}

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer feeds labels from a topic into a Sink.
type Consumer struct {
	reader  MessageReader
	sink    Sink
	logger  zerolog.Logger
	backoff time.Duration
}

// NewConsumer builds a consumer-group reader from cfg.
func NewConsumer(cfg Config, sink Sink, logger zerolog.Logger) *Consumer {
	return NewConsumerWithReader(kafka.NewReader(readerConfig(cfg)), sink, logger)
}

// NewConsumerWithReader wraps an existing reader.
func NewConsumerWithReader(reader MessageReader, sink Sink, logger zerolog.Logger) *Consumer {
	return &Consumer{
		reader:  reader,
		sink:    sink,
		logger:  logger.With().Str("component", "feedback_consumer").Logger(),
		backoff: 500 * time.Millisecond,
	}
}

// Run consumes until ctx is cancelled. Undecodable and permanently rejected
// messages are committed and skipped; any other sink failure leaves the
// message uncommitted.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() { _ = c.reader.Close() }()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn().Err(err).Msg("fetch label message")
			if !c.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		label, err := DecodeLabel(msg.Value)
		if err != nil {
			c.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("skip malformed label")
			c.commit(ctx, msg)
			continue
		}

		if err := c.sink.RecordFeedback(ctx, label); err != nil {
			if errors.Is(err, ErrPermanent) {
				c.logger.Warn().Err(err).Str("transaction_id", label.TransactionID).Msg("drop rejected label")
				c.commit(ctx, msg)
				continue
			}
			c.logger.Error().Err(err).Str("transaction_id", label.TransactionID).Msg("record label")
			if !c.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		c.commit(ctx, msg)
		c.logger.Debug().Str("transaction_id", label.TransactionID).Bool("fraud", label.IsFraud).Msg("label recorded")
	}
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
		c.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("commit label offset")
	}
}

func (c *Consumer) sleep(ctx context.Context) bool {
	select {
	case <-time.After(c.backoff):
		return true
	case <-ctx.Done():
		return false
	}
}

// Publisher writes labels to the topic, keyed by transaction id.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher builds a synchronous writer for cfg.Topic.
func NewPublisher(cfg Config) *Publisher {
	return &Publisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}
}

// Publish sends one label.
func (p *Publisher) Publish(ctx context.Context, label Label) error {
	value, err := json.Marshal(label)
	if err != nil {
		return fmt.Errorf("encode label: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(label.TransactionID), Value: value}); err != nil {
		return fmt.Errorf("publish label: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

func readerConfig(cfg Config) kafka.ReaderConfig {
	minBytes := cfg.MinBytes
	if minBytes <= 0 {
		minBytes = 1
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 1_000_000
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = time.Second
	}
	group := cfg.GroupID
	if group == "" {
		group = "fraudshield-feedback"
	}
	return kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  group,
		Topic:    cfg.Topic,
		MinBytes: minBytes,
		MaxBytes: maxBytes,
		MaxWait:  maxWait,
	}
}
