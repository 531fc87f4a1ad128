package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/andrej220/biusrv/pkg/lg"
	"github.com/segmentio/kafka-go"
)

const (
	KindProgress = "progress"
	KindOutput   = "output"

	kafkaWriteTimeout = 5 * time.Second
)

// Envelope is the wire form of an event on the Kafka topic.
type Envelope struct {
	RunID    string    `json:"runId"`
	Kind     string    `json:"kind"`
	Progress *Progress `json:"progress,omitempty"`
	Output   *Output   `json:"output,omitempty"`
}

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" json:"brokers" toml:"brokers" validate:"required,min=1"`
	Topic   string   `yaml:"topic" json:"topic" toml:"topic" validate:"required"`
}

// KafkaSink publishes events keyed by server name so that one server's events
// stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	runID  string
	lg     lg.Logger
}

func NewKafkaSink(cfg KafkaConfig, runID string, logger lg.Logger) *KafkaSink {
	return newKafkaSink(&kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		Async:                  true,
		AllowAutoTopicCreation: true,
	}, runID, logger)
}

func newKafkaSink(w messageWriter, runID string, logger lg.Logger) *KafkaSink {
	if logger == nil {
		logger = lg.Discard
	}
	return &KafkaSink{writer: w, runID: runID, lg: logger}
}

func (k *KafkaSink) Progress(p Progress) {
	k.publish(p.Server, Envelope{RunID: k.runID, Kind: KindProgress, Progress: &p})
}

func (k *KafkaSink) Output(o Output) {
	k.publish(o.Server, Envelope{RunID: k.runID, Kind: KindOutput, Output: &o})
}

func (k *KafkaSink) publish(server string, env Envelope) {
	value, err := json.Marshal(env)
	if err != nil {
		k.lg.Error("Failed to marshal event", lg.Err(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), kafkaWriteTimeout)
	defer cancel()
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(server),
		Value: value,
		Time:  time.Now(),
	})
	if err != nil {
		if errors.Is(err, kafka.UnknownTopicOrPartition) {
			k.lg.Error("Kafka topic does not exist", lg.String("action", "Create the topic manually or enable auto-creation"))
			return
		}
		k.lg.Warn("Failed to publish event", lg.String("server", server), lg.Err(err))
	}
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
