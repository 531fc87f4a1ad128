// Package consumer reads JSON messages from a Kafka topic.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers []string `validate:"required,min=1"`
	GroupID string
	Topic   string `validate:"required"`
	// FromStart reads a group-less topic from the first offset instead of the end.
	FromStart bool
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer[T any] struct {
	reader  messageReader
	grouped bool
}

func NewConsumer[T any](cfg Config) *Consumer[T] {
	rc := kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topic:   cfg.Topic,
	}
	if cfg.GroupID == "" && !cfg.FromStart {
		rc.StartOffset = kafka.LastOffset
	}
	return &Consumer[T]{reader: kafka.NewReader(rc), grouped: cfg.GroupID != ""}
}

func newConsumer[T any](r messageReader, grouped bool) *Consumer[T] {
	return &Consumer[T]{reader: r, grouped: grouped}
}

// Read returns the next message decoded as T. With a consumer group the
// message is committed after decoding.
func (c *Consumer[T]) Read(ctx context.Context) (T, error) {
	var zero T

	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return zero, err
	}

	var payload T
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		return zero, fmt.Errorf("decode message at offset %d: %w", msg.Offset, err)
	}

	if c.grouped {
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return zero, err
		}
	}
	return payload, nil
}

// Tail calls fn for each message until ctx ends or fn fails. Undecodable
// messages are passed to onBad and skipped.
func (c *Consumer[T]) Tail(ctx context.Context, fn func(T) error, onBad func(error)) error {
	for {
		v, err := c.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var syntax *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntax) || errors.As(err, &typeErr) {
				if onBad != nil {
					onBad(err)
				}
				continue
			}
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
	}
}

func (c *Consumer[T]) Close() error {
	return c.reader.Close()
}
