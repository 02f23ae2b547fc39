package realtime

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/pulse/internal/clock"
)

var (
	ErrInvalidConnection = errors.New("invalid_connection_id")
	ErrInvalidStream     = errors.New("invalid_stream_id")
	ErrUnknownConnection = errors.New("unknown_connection")
)

// Snapshot is a point-in-time view of the registry.
type Snapshot struct {
	TotalConnections int                  `json:"totalConnections"`
	PerStreamCounts  map[snowflake.ID]int `json:"perStreamCounts"`
}

type connEntry struct {
	streams      map[snowflake.ID]struct{}
	lastActivity atomic.Int64
}

// Registry indexes live subscriptions by connection and by stream. A
// connection is present while it holds at least one subscription, and a
// stream is present while it has at least one subscriber.
type Registry struct {
	mu       sync.RWMutex
	byStream map[snowflake.ID]map[string]struct{}
	byConn   map[string]*connEntry
	clock    clock.Clock

	pruneMu sync.RWMutex
	onPrune []func(connID string)
}

func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		byStream: make(map[snowflake.ID]map[string]struct{}),
		byConn:   make(map[string]*connEntry),
		clock:    clk,
	}
}

// OnPrune registers fn to be called, outside the registry lock, for every
// connection removed by PruneStaleConnections.
func (r *Registry) OnPrune(fn func(connID string)) {
	r.pruneMu.Lock()
	r.onPrune = append(r.onPrune, fn)
	r.pruneMu.Unlock()
}

func (r *Registry) Register(connID string, streamID snowflake.ID) error {
	connID = strings.TrimSpace(connID)
	if connID == "" {
		return ErrInvalidConnection
	}
	if streamID <= 0 {
		return ErrInvalidStream
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.byConn[connID]
	if entry == nil {
		entry = &connEntry{streams: make(map[snowflake.ID]struct{})}
		r.byConn[connID] = entry
	}
	entry.streams[streamID] = struct{}{}
	entry.lastActivity.Store(r.clock.Now().UnixNano())

	subs := r.byStream[streamID]
	if subs == nil {
		subs = make(map[string]struct{})
		r.byStream[streamID] = subs
	}
	subs[connID] = struct{}{}
	return nil
}

// Unregister removes one subscription and reports whether it existed.
func (r *Registry) Unregister(connID string, streamID snowflake.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.byConn[connID]
	if entry == nil {
		return false
	}
	if _, ok := entry.streams[streamID]; !ok {
		return false
	}
	delete(entry.streams, streamID)
	if len(entry.streams) == 0 {
		delete(r.byConn, connID)
	}
	r.removeSubscriberLocked(streamID, connID)
	return true
}

// UnregisterConnection removes every subscription held by connID and
// returns how many were removed.
func (r *Registry) UnregisterConnection(connID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropConnectionLocked(connID)
}

func (r *Registry) dropConnectionLocked(connID string) int {
	entry := r.byConn[connID]
	if entry == nil {
		return 0
	}
	for streamID := range entry.streams {
		r.removeSubscriberLocked(streamID, connID)
	}
	delete(r.byConn, connID)
	return len(entry.streams)
}

func (r *Registry) removeSubscriberLocked(streamID snowflake.ID, connID string) {
	subs := r.byStream[streamID]
	if subs == nil {
		return
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(r.byStream, streamID)
	}
}

// Touch records activity for connID. It reports false for unknown connections.
func (r *Registry) Touch(connID string) bool {
	r.mu.RLock()
	entry := r.byConn[connID]
	r.mu.RUnlock()
	if entry == nil {
		return false
	}
	entry.lastActivity.Store(r.clock.Now().UnixNano())
	return true
}

// Subscribers returns the connections subscribed to streamID.
func (r *Registry) Subscribers(streamID snowflake.ID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.byStream[streamID]
	if len(subs) == 0 {
		return nil
	}
	out := make([]string, 0, len(subs))
	for connID := range subs {
		out = append(out, connID)
	}
	return out
}

// Streams returns the streams connID is subscribed to.
func (r *Registry) Streams(connID string) []snowflake.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry := r.byConn[connID]
	if entry == nil {
		return nil
	}
	out := make([]snowflake.ID, 0, len(entry.streams))
	for streamID := range entry.streams {
		out = append(out, streamID)
	}
	return out
}

func (r *Registry) GetSnapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[snowflake.ID]int, len(r.byStream))
	for streamID, subs := range r.byStream {
		counts[streamID] = len(subs)
	}
	return Snapshot{
		TotalConnections: len(r.byConn),
		PerStreamCounts:  counts,
	}
}

// PruneStaleConnections removes connections idle for longer than threshold
// and returns how many were removed.
func (r *Registry) PruneStaleConnections(threshold time.Duration) int {
	if threshold <= 0 {
		return 0
	}
	cutoff := r.clock.Now().Add(-threshold).UnixNano()

	r.mu.Lock()
	var pruned []string
	for connID, entry := range r.byConn {
		if entry.lastActivity.Load() < cutoff {
			pruned = append(pruned, connID)
		}
	}
	for _, connID := range pruned {
		r.dropConnectionLocked(connID)
	}
	r.mu.Unlock()

	if len(pruned) == 0 {
		return 0
	}
	r.pruneMu.RLock()
	callbacks := append([]func(string){}, r.onPrune...)
	r.pruneMu.RUnlock()
	for _, connID := range pruned {
		for _, fn := range callbacks {
			fn(connID)
		}
	}
	return len(pruned)
}
