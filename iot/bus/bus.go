// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package bus publishes messages to Kafka.

Messages are keyed, the key selects the partition. Messages with the same key therefore keep
their order. One long lived writer is created lazily on the first publish and reused.
*/
package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/slopewatch/core/logger"
)

// TraceHeader is the Kafka header which carries the trace id of the originating request
const TraceHeader = "traceId"

// Publisher publishes a keyed message. Publish returns once the message is acknowledged
// or ctx is done.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher is a Publisher for one Kafka topic
type KafkaPublisher struct {
	brokers []string
	topic   string

	mutex     sync.Mutex
	writer    messageWriter
	newWriter func() messageWriter
}

// Builder is a builder helper for the KafkaPublisher
type Builder struct {
	// Brokers is the list of bootstrap brokers, host:port
	Brokers []string
	// Topic is the topic all messages go to
	Topic string
}

// ParseBrokers splits a comma separated broker list. Empty entries are dropped.
func ParseBrokers(s string) []string {
	var brokers []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// NewKafkaPublisher returns a publisher, or nil if there are no brokers
func NewKafkaPublisher(bb *Builder) *KafkaPublisher {
	if len(bb.Brokers) == 0 {
		return nil
	}
	if bb.Topic == "" {
		panic("kafka topic is missing")
	}
	p := &KafkaPublisher{brokers: bb.Brokers, topic: bb.Topic}
	p.newWriter = p.kafkaWriter
	return p
}

func (p *KafkaPublisher) kafkaWriter() messageWriter {
	logger.Default().Infof("creating kafka writer for topic %s on %s", p.topic, strings.Join(p.brokers, ","))
	return &kafka.Writer{
		Addr:         kafka.TCP(p.brokers...),
		Topic:        p.topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func (p *KafkaPublisher) getWriter() messageWriter {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.writer == nil {
		p.writer = p.newWriter()
	}
	return p.writer
}

// Topic returns the topic of the publisher
func (p *KafkaPublisher) Topic() string {
	return p.topic
}

// Publish writes one message with key. The trace id of ctx is added as header.
func (p *KafkaPublisher) Publish(ctx context.Context, key string, value []byte) error {
	msg := kafka.Message{Key: []byte(key), Value: value}
	if traceID := logger.RequestIDFromContext(ctx); traceID != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: TraceHeader, Value: []byte(traceID)})
	}
	if err := p.getWriter().WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("cannot publish to %s: %w", p.topic, err)
	}
	return nil
}

// Close closes the writer if one was created
func (p *KafkaPublisher) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.writer == nil {
		return nil
	}
	err := p.writer.Close()
	p.writer = nil
	return err
}

var _ Publisher = (*KafkaPublisher)(nil)
