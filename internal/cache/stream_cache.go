package cache

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	streamdomain "github.com/smallbiznis/pulse/internal/stream/domain"
)

const (
	defaultStreamTTL    = 5 * time.Minute
	defaultEquipmentTTL = time.Minute
)

// StreamResolverCache stores hot-path stream lookups for ingest.
type StreamResolverCache interface {
	GetStream(id snowflake.ID) (streamdomain.SensorStream, bool)
	SetStream(stream streamdomain.SensorStream)
	InvalidateStream(id snowflake.ID)
	GetEquipment(siteID, equipmentID string) (bool, bool)
	SetEquipment(siteID, equipmentID string, exists bool)
}

type streamResolverCache struct {
	streams      Cache[snowflake.ID, streamdomain.SensorStream]
	equipment    Cache[string, bool]
	streamTTL    time.Duration
	equipmentTTL time.Duration
}

func NewStreamResolverCache() StreamResolverCache {
	return &streamResolverCache{
		streams:      NewTTLCache[snowflake.ID, streamdomain.SensorStream](),
		equipment:    NewTTLCache[string, bool](),
		streamTTL:    defaultStreamTTL,
		equipmentTTL: defaultEquipmentTTL,
	}
}

func (c *streamResolverCache) GetStream(id snowflake.ID) (streamdomain.SensorStream, bool) {
	return c.streams.Get(id)
}

func (c *streamResolverCache) SetStream(stream streamdomain.SensorStream) {
	if stream.ID == 0 {
		return
	}
	c.streams.Set(stream.ID, stream, c.streamTTL)
}

func (c *streamResolverCache) InvalidateStream(id snowflake.ID) {
	c.streams.Delete(id)
}

func (c *streamResolverCache) GetEquipment(siteID, equipmentID string) (bool, bool) {
	return c.equipment.Get(cacheKey(siteID, equipmentID))
}

// SetEquipment only remembers positive answers so a newly registered
// stream is visible on the next batch.
func (c *streamResolverCache) SetEquipment(siteID, equipmentID string, exists bool) {
	if !exists {
		return
	}
	c.equipment.Set(cacheKey(siteID, equipmentID), true, c.equipmentTTL)
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		values = append(values, strings.TrimSpace(part))
	}
	return strings.Join(values, "|")
}
