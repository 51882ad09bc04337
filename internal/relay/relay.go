// Package relay mirrors dashboard events from the in-process bus to Kafka so
// services outside this process (reporting, kitchen displays) can follow the
// floor without holding a websocket.
package relay

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/tableside/floor-core/internal/config"
	"github.com/tableside/floor-core/internal/eventbus"
)

// Writer is the subset of *kafka.Writer the relay needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Subscriber interface {
	SubscribeMany(topics []string, fn eventbus.Handler) (unsubscribe func())
}

type Relay struct {
	writer     Writer
	queue      *eventbus.Queue
	batchSize  int
	flushEvery time.Duration
	timeout    time.Duration
	log        *logrus.Logger

	unsubscribe   func()
	reportedDrops uint64
}

func NewWriter(cfg config.KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		WriteTimeout:           10 * time.Second,
	}
}

func New(bus Subscriber, w Writer, queueSize int, log *logrus.Logger) *Relay {
	if queueSize <= 0 {
		queueSize = 1024
	}
	r := &Relay{
		writer:     w,
		batchSize:  100,
		flushEvery: 500 * time.Millisecond,
		timeout:    10 * time.Second,
		log:        log,
	}
	r.queue = eventbus.NewQueue(queueSize, func() {
		log.Warn("kafka relay queue is full, dropping events")
	})
	// events published before Run starts wait in the queue
	r.unsubscribe = bus.SubscribeMany(eventbus.DashboardTopics, func(env eventbus.Envelope) {
		r.queue.Push(env)
	})
	return r
}

// Run forwards events until ctx is done, then flushes what is buffered and
// leaves the bus.
func (r *Relay) Run(ctx context.Context) {
	defer r.unsubscribe()

	ticker := time.NewTicker(r.flushEvery)
	defer ticker.Stop()

	batch := make([]kafka.Message, 0, r.batchSize)
	for {
		select {
		case env := <-r.queue.C():
			batch = append(batch, toMessage(env))
			if len(batch) >= r.batchSize {
				batch = r.flush(ctx, batch)
			}
		case <-ticker.C:
			batch = r.flush(ctx, batch)
		case <-ctx.Done():
			r.drain(batch)
			return
		}
	}
}

func (r *Relay) drain(batch []kafka.Message) {
	for {
		select {
		case env := <-r.queue.C():
			batch = append(batch, toMessage(env))
		default:
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			defer cancel()
			r.flush(ctx, batch)
			return
		}
	}
}

// flush writes the batch and returns it emptied. A failed batch is logged
// and dropped; dashboards recover from the bus, not from Kafka.
func (r *Relay) flush(ctx context.Context, batch []kafka.Message) []kafka.Message {
	if dropped := r.queue.Dropped(); dropped != r.reportedDrops {
		r.log.WithField("dropped_total", dropped).Warn("kafka relay dropped events")
		r.reportedDrops = dropped
	}
	if len(batch) == 0 {
		return batch
	}

	writeCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.writer.WriteMessages(writeCtx, batch...); err != nil {
		r.log.WithContext(ctx).WithError(err).WithField("messages", len(batch)).Error("failed to publish events to kafka")
	}
	return batch[:0]
}

func toMessage(env eventbus.Envelope) kafka.Message {
	value, _ := json.Marshal(env)
	return kafka.Message{
		// per tenant ordering
		Key:   []byte(env.TenantID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(env.Topic)},
			{Key: "seq", Value: []byte(strconv.FormatUint(env.Seq, 10))},
		},
		Time: env.Timestamp,
	}
}
