package mq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the status event writer.
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	ClientID string   `yaml:"clientID"`

	// RequiredAcks follows kafka semantics: -1 all replicas, 1 leader only.
	RequiredAcks int           `yaml:"requiredAcks"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	Compression  string        `yaml:"compression"`

	DialTimeout  time.Duration `yaml:"dialTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// KafkaPublisher publishes records to a single topic with a synchronous
// kafka-go writer, so Publish returns only after the broker acknowledged.
type KafkaPublisher struct {
	topic  string
	writer messageWriter
	closed atomic.Bool
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaPublisher(cfg KafkaConfig, topic string) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}
	acks := kafka.RequireOne
	if cfg.RequiredAcks != 0 {
		acks = kafka.RequiredAcks(cfg.RequiredAcks)
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}
	dialer := &kafka.Dialer{ClientID: cfg.ClientID, Timeout: dialTimeout, DualStack: true}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: acks,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Compression:  codec,
		Transport: &kafka.Transport{
			ClientID: cfg.ClientID,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, address)
			},
		},
	}
	return newKafkaPublisher(topic, writer), nil
}

func newKafkaPublisher(topic string, writer messageWriter) *KafkaPublisher {
	return &KafkaPublisher{topic: topic, writer: writer}
}

func (k *KafkaPublisher) Topic() string {
	return k.topic
}

func (k *KafkaPublisher) Publish(ctx context.Context, records ...Record) error {
	if k.closed.Load() {
		return errors.New("kafka publisher is closed")
	}
	if len(records) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(records))
	now := time.Now()
	for _, record := range records {
		if record.Key == "" {
			return errors.New("record key is required")
		}
		msgs = append(msgs, toMessage(record, now))
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write to %s failed: %w", k.topic, err)
	}
	return nil
}

// Close flushes the writer once; later calls are no-ops.
func (k *KafkaPublisher) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	return k.writer.Close()
}

func compressionCodec(name string) (kafka.Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "snappy":
		return kafka.Snappy, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	}
	return 0, fmt.Errorf("unknown kafka compression %q", name)
}

func toMessage(record Record, now time.Time) kafka.Message {
	at := record.Time
	if at.IsZero() {
		at = now
	}
	keys := make([]string, 0, len(record.Headers))
	for key := range record.Headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	headers := make([]kafka.Header, 0, len(keys))
	for _, key := range keys {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(record.Headers[key])})
	}
	return kafka.Message{
		Key:     []byte(record.Key),
		Value:   record.Value,
		Headers: headers,
		Time:    at,
	}
}
