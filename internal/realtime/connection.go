package realtime

import (
	"sync"

	readingdomain "github.com/smallbiznis/pulse/internal/reading/domain"
)

const (
	EventReading = "reading"

	SourceChangeFeed = "changefeed"
	SourcePoller     = "poller"
)

const DefaultSendBuffer = 256

// Event is one message delivered to a live connection.
type Event struct {
	Type    string                      `json:"type"`
	Source  string                      `json:"source"`
	Reading readingdomain.SensorReading `json:"reading"`
}

// Connection is the outbound side of one live subscriber. Sends never block;
// a full buffer drops the event.
type Connection struct {
	id     string
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func NewConnection(id string, buffer int) *Connection {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Connection{
		id:     id,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

func (c *Connection) ID() string { return c.id }

// Events yields queued events in enqueue order.
func (c *Connection) Events() <-chan Event { return c.events }

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Connection) enqueue(ev Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}
