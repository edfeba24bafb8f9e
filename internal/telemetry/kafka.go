package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/atmx/perp-engine/internal/metrics"
)

var ErrProducerClosed = errors.New("telemetry: kafka producer is closed")

// KafkaPublisher sends envelopes to one topic through an async producer.
// The market index is the partition key so a market's records stay in
// order.
type KafkaPublisher struct {
	producer sarama.AsyncProducer
	topic    string
	log      zerolog.Logger

	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewKafkaPublisher creates an async producer for brokers.
func NewKafkaPublisher(brokers []string, topic string, log zerolog.Logger) (*KafkaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Flush.Frequency = 100 * time.Millisecond
	cfg.Producer.Flush.Messages = 100
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaPublisherWithProducer(producer, topic, log), nil
}

// NewKafkaPublisherWithProducer wraps an existing producer. The producer
// must return errors.
func NewKafkaPublisherWithProducer(producer sarama.AsyncProducer, topic string, log zerolog.Logger) *KafkaPublisher {
	p := &KafkaPublisher{producer: producer, topic: topic, log: log}
	p.wg.Add(1)
	go p.handleErrors()
	return p
}

func (p *KafkaPublisher) Publish(ctx context.Context, env Envelope) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(strconv.Itoa(int(env.MarketIndex))),
		Value: sarama.ByteEncoder(data),
	}
	select {
	case p.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *KafkaPublisher) handleErrors() {
	defer p.wg.Done()
	for err := range p.producer.Errors() {
		metrics.TelemetryErrors.WithLabelValues("kafka").Inc()
		p.log.Error().Err(err.Err).Str("topic", err.Msg.Topic).Msg("kafka send failed")
	}
}

// Close flushes in-flight messages and waits for the error drain.
func (p *KafkaPublisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	err := p.producer.Close()
	p.wg.Wait()
	return err
}
