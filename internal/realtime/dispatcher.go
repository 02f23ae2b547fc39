package realtime

import (
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/pulse/internal/observability/metrics"
	readingdomain "github.com/smallbiznis/pulse/internal/reading/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type DispatcherParams struct {
	fx.In

	Log      *zap.Logger
	Registry *Registry
	Metrics  *metrics.PipelineMetrics `optional:"true"`
}

// Dispatcher fans readings out to the connections subscribed to their
// stream. Publishing never blocks on a subscriber.
type Dispatcher struct {
	log      *zap.Logger
	registry *Registry
	metrics  *metrics.PipelineMetrics

	mu    sync.RWMutex
	conns map[string]*Connection

	// Serializes producers so one stream's readings reach each connection in
	// the order they were published.
	publishMu sync.Mutex
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	d := &Dispatcher{
		log:      p.Log.Named("realtime.dispatcher"),
		registry: p.Registry,
		metrics:  p.Metrics,
		conns:    make(map[string]*Connection),
	}
	p.Registry.OnPrune(d.closeConnection)
	return d
}

// Attach makes conn eligible for delivery. Subscriptions are added
// separately with Subscribe.
func (d *Dispatcher) Attach(conn *Connection) {
	d.mu.Lock()
	d.conns[conn.ID()] = conn
	d.mu.Unlock()
}

// Detach removes the connection, its subscriptions, and closes it.
func (d *Dispatcher) Detach(connID string) {
	d.registry.UnregisterConnection(connID)
	d.closeConnection(connID)
}

func (d *Dispatcher) closeConnection(connID string) {
	d.mu.Lock()
	conn := d.conns[connID]
	delete(d.conns, connID)
	d.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (d *Dispatcher) Subscribe(connID string, streamID snowflake.ID) error {
	d.mu.RLock()
	_, ok := d.conns[connID]
	d.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}
	return d.registry.Register(connID, streamID)
}

func (d *Dispatcher) Unsubscribe(connID string, streamID snowflake.ID) bool {
	return d.registry.Unregister(connID, streamID)
}

// Ping records client activity on connID.
func (d *Dispatcher) Ping(connID string) bool {
	return d.registry.Touch(connID)
}

func (d *Dispatcher) Snapshot() Snapshot {
	return d.registry.GetSnapshot()
}

// PublishReadings delivers readings found by the polling fallback, in order.
func (d *Dispatcher) PublishReadings(readings []readingdomain.SensorReading) {
	d.publishMu.Lock()
	defer d.publishMu.Unlock()
	for _, reading := range readings {
		d.deliver(SourcePoller, reading)
	}
}

// PublishReplicationEvent delivers one reading observed on the change feed.
func (d *Dispatcher) PublishReplicationEvent(reading readingdomain.SensorReading) {
	d.publishMu.Lock()
	defer d.publishMu.Unlock()
	d.deliver(SourceChangeFeed, reading)
}

func (d *Dispatcher) deliver(source string, reading readingdomain.SensorReading) {
	subscribers := d.registry.Subscribers(reading.StreamID)
	if len(subscribers) == 0 {
		return
	}
	ev := Event{Type: EventReading, Source: source, Reading: reading}

	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, connID := range subscribers {
		conn := d.conns[connID]
		if conn == nil {
			continue
		}
		if conn.enqueue(ev) {
			d.registry.Touch(connID)
			d.metrics.IncDispatch(source, metrics.OutcomeDelivered)
			continue
		}
		d.metrics.IncDispatch(source, metrics.OutcomeDropped)
		d.log.Debug("live event dropped",
			zap.String("connection_id", connID),
			zap.String("stream_id", reading.StreamID.String()),
		)
	}
}
