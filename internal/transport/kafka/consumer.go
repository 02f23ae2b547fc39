package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/smallbiznis/pulse/internal/config"
	readingdomain "github.com/smallbiznis/pulse/internal/reading/domain"
	"github.com/smallbiznis/pulse/internal/transport"
	"github.com/smallbiznis/pulse/internal/transport/mqtt"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Reader is the subset of *kafkago.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type Ingest interface {
	Ingest(ctx context.Context, protocol, siteID, equipmentID string, payload []byte) (readingdomain.IngestResult, error)
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Cfg      config.Config
	Ingester *transport.Ingester
}

// Consumer reads telemetry from a topic whose message keys follow the MQTT
// topic shape. Offsets are committed only after the gateway has the batch.
type Consumer struct {
	log     *zap.Logger
	reader  Reader
	ingest  Ingest
	backoff func() backoff.BackOff
	sleep   func(ctx context.Context, d time.Duration) bool
}

func New(p Params) *Consumer {
	var reader Reader
	if p.Cfg.Kafka.Enabled {
		reader = kafkago.NewReader(kafkago.ReaderConfig{
			Brokers:        p.Cfg.Kafka.Brokers,
			GroupID:        p.Cfg.Kafka.GroupID,
			Topic:          p.Cfg.Kafka.Topic,
			MinBytes:       1,
			MaxBytes:       10 << 20,
			CommitInterval: 0,
		})
	}
	return newConsumer(p.Log, reader, p.Ingester)
}

func newConsumer(log *zap.Logger, reader Reader, ingest Ingest) *Consumer {
	return &Consumer{
		log:    log.Named("kafka.consumer"),
		reader: reader,
		ingest: ingest,
		backoff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 500 * time.Millisecond
			bo.MaxInterval = 30 * time.Second
			return bo
		},
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Consumer) Run(ctx context.Context) {
	if c.reader == nil {
		return
	}
	fetchBackoff := c.backoff()
	for ctx.Err() == nil {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := fetchBackoff.NextBackOff()
			c.log.Warn("kafka fetch failed", zap.Error(err), zap.Duration("retry_in", delay))
			if !c.sleep(ctx, delay) {
				return
			}
			continue
		}
		fetchBackoff.Reset()

		if !c.handle(ctx, msg) {
			return
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.Warn("kafka commit failed",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}
	}
}

// handle keeps retrying transient failures; it returns false only when ctx
// ends first, leaving the message uncommitted.
func (c *Consumer) handle(ctx context.Context, msg kafkago.Message) bool {
	topic, err := mqtt.ParseTopic(string(msg.Key))
	if err != nil {
		c.log.Warn("skipping message with unexpected key",
			zap.String("key", string(msg.Key)),
			zap.Int64("offset", msg.Offset),
		)
		return true
	}

	bo := c.backoff()
	for {
		_, err := c.ingest.Ingest(ctx, readingdomain.ProtocolKafka, topic.SiteID, topic.EquipmentID, msg.Value)
		switch {
		case err == nil:
			return true
		case transport.Permanent(err):
			c.log.Warn("dropping unprocessable kafka message",
				zap.String("key", string(msg.Key)),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			return true
		case errors.Is(err, context.Canceled) || ctx.Err() != nil:
			return false
		}

		delay := bo.NextBackOff()
		c.log.Error("kafka ingest failed", zap.String("key", string(msg.Key)), zap.Error(err), zap.Duration("retry_in", delay))
		if !c.sleep(ctx, delay) {
			return false
		}
	}
}

func (c *Consumer) Close() error {
	if c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
