package realtime

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/pulse/internal/clock"
	"github.com/smallbiznis/pulse/internal/config"
	"github.com/smallbiznis/pulse/internal/observability/metrics"
	readingdomain "github.com/smallbiznis/pulse/internal/reading/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *Registry, *clock.FakeClock) {
	t.Helper()
	reg, clk := newTestRegistry()
	d := NewDispatcher(DispatcherParams{
		Log:      zap.NewNop(),
		Registry: reg,
		Metrics:  metrics.NewPipelineMetrics(prometheus.NewRegistry(), metrics.Config{ServiceName: "pulse-test"}),
	})
	return d, reg, clk
}

func readingAt(streamID snowflake.ID, value float64, at time.Time) readingdomain.SensorReading {
	return readingdomain.SensorReading{StreamID: streamID, Value: value, Time: at}
}

func drain(conn *Connection) []Event {
	var out []Event
	for {
		select {
		case ev := <-conn.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestDispatcherDeliversOnlyToSubscribers(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	a := NewConnection("a", 8)
	b := NewConnection("b", 8)
	d.Attach(a)
	d.Attach(b)
	require.NoError(t, d.Subscribe("a", 1))
	require.NoError(t, d.Subscribe("b", 2))

	now := time.Now().UTC()
	d.PublishReplicationEvent(readingAt(1, 10, now))
	d.PublishReplicationEvent(readingAt(3, 30, now))

	got := drain(a)
	require.Len(t, got, 1)
	assert.Equal(t, snowflake.ID(1), got[0].Reading.StreamID)
	assert.Equal(t, SourceChangeFeed, got[0].Source)
	assert.Empty(t, drain(b))
}

func TestDispatcherPreservesPerStreamOrder(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	conn := NewConnection("a", 64)
	d.Attach(conn)
	require.NoError(t, d.Subscribe("a", 1))

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var batch []readingdomain.SensorReading
	for i := 0; i < 10; i++ {
		batch = append(batch, readingAt(1, float64(i), base.Add(time.Duration(i)*30*time.Second)))
	}
	d.PublishReadings(batch[:5])
	for _, r := range batch[5:] {
		d.PublishReplicationEvent(r)
	}

	got := drain(conn)
	require.Len(t, got, 10)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].Reading.Time.Before(got[i-1].Reading.Time))
		assert.Equal(t, float64(i), got[i].Reading.Value)
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	d, reg, clk := newTestDispatcher(t)
	slow := NewConnection("slow", 2)
	fast := NewConnection("fast", 100)
	d.Attach(slow)
	d.Attach(fast)
	require.NoError(t, d.Subscribe("slow", 1))
	require.NoError(t, d.Subscribe("fast", 1))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			clk.Advance(time.Second)
			d.PublishReplicationEvent(readingAt(1, float64(i), time.Now()))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	assert.Len(t, drain(slow), 2)
	assert.Len(t, drain(fast), 50)

	// Only successful deliveries count as activity.
	clk.Advance(time.Minute)
	assert.Equal(t, 1, reg.PruneStaleConnections(90*time.Second))
	_, open := <-slow.Done()
	assert.False(t, open)
}

func TestDetachRemovesSubscriptions(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	conn := NewConnection("a", 4)
	d.Attach(conn)
	require.NoError(t, d.Subscribe("a", 1))
	require.NoError(t, d.Subscribe("a", 2))

	d.Detach("a")
	assert.Zero(t, reg.GetSnapshot().TotalConnections)
	assert.ErrorIs(t, d.Subscribe("a", 1), ErrUnknownConnection)

	select {
	case <-conn.Done():
	default:
		t.Fatal("detached connection must be closed")
	}
}

func TestMonitorPrunesWithRuntimeThreshold(t *testing.T) {
	d, reg, clk := newTestDispatcher(t)
	conn := NewConnection("a", 4)
	d.Attach(conn)
	require.NoError(t, d.Subscribe("a", 1))

	monitor := NewMonitor(MonitorParams{
		Log:      zap.NewNop(),
		Registry: reg,
		Runtime:  config.NewStaticRuntimeHolder(config.RuntimeConfig{SubscriptionStaleAfter: time.Minute}),
	})

	assert.Zero(t, monitor.RunOnce())
	clk.Advance(2 * time.Minute)
	assert.Equal(t, 1, monitor.RunOnce())
	assert.Zero(t, monitor.RunOnce())
}
