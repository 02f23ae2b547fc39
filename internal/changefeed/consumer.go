package changefeed

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/pulse/internal/config"
	"github.com/smallbiznis/pulse/internal/observability/metrics"
	readingdomain "github.com/smallbiznis/pulse/internal/reading/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	default:
		return "disconnected"
	}
}

// Publisher receives readings observed on the change feed or by polling.
type Publisher interface {
	PublishReplicationEvent(reading readingdomain.SensorReading)
	PublishReadings(readings []readingdomain.SensorReading)
}

type ConsumerParams struct {
	fx.In

	Log       *zap.Logger
	Cfg       config.Config
	Publisher Publisher
	Dialer    Dialer                   `optional:"true"`
	Metrics   *metrics.PipelineMetrics `optional:"true"`
}

// Consumer follows the readings relation on a change feed and hands every
// row to the Publisher before acknowledging its commit upstream.
type Consumer struct {
	log            *zap.Logger
	dialer         Dialer
	publisher      Publisher
	metrics        *metrics.PipelineMetrics
	table          string
	statusInterval time.Duration
	initialDelay   time.Duration
	maxDelay       time.Duration

	state atomic.Int32
	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) bool
	// OnBackoff, when set, observes every reconnect delay.
	OnBackoff func(d time.Duration)
}

func NewConsumer(p ConsumerParams) *Consumer {
	cfg := p.Cfg.Replication
	c := &Consumer{
		log:            p.Log.Named("changefeed.consumer"),
		dialer:         p.Dialer,
		publisher:      p.Publisher,
		metrics:        p.Metrics,
		table:          cfg.Table,
		statusInterval: cfg.StatusInterval,
		initialDelay:   cfg.InitialRetryDelay,
		maxDelay:       cfg.MaxRetryDelay,
		sleep:          sleepCtx,
	}
	if c.table == "" {
		c.table = "sensor_readings"
	}
	if c.statusInterval <= 0 {
		c.statusInterval = 5 * time.Second
	}
	if c.initialDelay <= 0 {
		c.initialDelay = time.Second
	}
	if c.maxDelay < c.initialDelay {
		c.maxDelay = time.Minute
	}
	return c
}

func (c *Consumer) State() State {
	return State(c.state.Load())
}

// Streaming reports whether the consumer is currently following the feed.
func (c *Consumer) Streaming() bool {
	return c.State() == StateStreaming
}

func (c *Consumer) setState(s State) {
	if State(c.state.Swap(int32(s))) != s {
		c.metrics.SetChangefeedState(int(s))
		c.log.Debug("change feed state", zap.Stringer("state", s))
	}
}

func (c *Consumer) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialDelay
	bo.MaxInterval = c.maxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()
	return bo
}

// Run connects and streams until ctx is done, reconnecting with exponential
// backoff. The backoff resets after every successful connect.
func (c *Consumer) Run(ctx context.Context) {
	if c.dialer == nil {
		c.log.Warn("change feed disabled: no replication connection configured; live delivery falls back to polling")
		return
	}

	bo := c.newBackOff()
	for ctx.Err() == nil {
		c.setState(StateDisconnected)

		src, err := c.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.retry(ctx, bo, "change feed connect failed", err)
			continue
		}
		bo.Reset()
		c.setState(StateConnected)

		err = c.stream(ctx, src)

		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if cerr := src.Close(closeCtx); cerr != nil {
			c.log.Debug("change feed close failed", zap.Error(cerr))
		}
		cancel()
		c.setState(StateDisconnected)

		if ctx.Err() != nil {
			return
		}
		c.retry(ctx, bo, "change feed stream failed", err)
	}
}

func (c *Consumer) retry(ctx context.Context, bo *backoff.ExponentialBackOff, msg string, err error) {
	delay := bo.NextBackOff()
	if delay < 0 || delay > c.maxDelay {
		delay = c.maxDelay
	}
	c.metrics.IncChangefeedReconnect()
	c.log.Warn(msg, zap.Error(err), zap.Duration("retry_in", delay))
	if c.OnBackoff != nil {
		c.OnBackoff(delay)
	}
	c.sleep(ctx, delay)
}

// streamState is the per-connection state of one streaming session.
type streamState struct {
	cursor     Cursor
	inTxn      bool
	lastStatus time.Time
}

func (c *Consumer) stream(ctx context.Context, src Source) error {
	if err := src.Start(ctx); err != nil {
		return err
	}
	c.setState(StateStreaming)

	st := &streamState{lastStatus: time.Now()}
	for {
		deadline := st.lastStatus.Add(c.statusInterval)
		if !time.Now().Before(deadline) {
			if err := c.sendStatus(ctx, src, st); err != nil {
				return err
			}
			continue
		}

		recvCtx, cancel := context.WithDeadline(ctx, deadline)
		ev, err := src.Next(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return err
		}

		switch ev.Kind {
		case EventBegin:
			st.inTxn = true
		case EventRow:
			st.cursor.Receive(ev.Position)
			c.handleRow(ev)
		case EventCommit:
			st.cursor.Commit(ev.Position)
			st.inTxn = false
		case EventKeepalive:
			if st.inTxn {
				st.cursor.Receive(ev.Position)
			} else {
				st.cursor.Idle(ev.Position)
			}
			if ev.ReplyRequested {
				if err := c.sendStatus(ctx, src, st); err != nil {
					return err
				}
			}
		}
	}
}

func (c *Consumer) sendStatus(ctx context.Context, src Source, st *streamState) error {
	if !st.cursor.Valid() {
		c.log.Error("replication cursor out of order",
			zap.Stringer("received", st.cursor.Received),
			zap.Stringer("applied", st.cursor.Applied),
			zap.Stringer("flushed", st.cursor.Flushed),
		)
	}
	if err := src.SendStatus(ctx, st.cursor); err != nil {
		return err
	}
	st.lastStatus = time.Now()
	c.metrics.IncChangefeedStatus()
	c.metrics.SetChangefeedLag(uint64(st.cursor.Received - st.cursor.Flushed))
	return nil
}

func (c *Consumer) handleRow(ev Event) {
	if ev.Relation != c.table {
		c.metrics.IncChangefeedRow("ignored")
		return
	}
	reading, ok, err := MapReading(ev.Columns)
	if err != nil {
		c.metrics.IncChangefeedRow("invalid")
		c.log.Warn("change feed row could not be mapped", zap.Error(err))
		return
	}
	if !ok {
		c.metrics.IncChangefeedRow("dropped")
		c.log.Debug("change feed row without stream id dropped", zap.Stringer("lsn", ev.Position))
		return
	}
	c.publisher.PublishReplicationEvent(reading)
	c.metrics.IncChangefeedRow("dispatched")
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
