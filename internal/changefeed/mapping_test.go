package changefeed

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	readingdomain "github.com/smallbiznis/pulse/internal/reading/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapReadingByColumnName(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	cols := map[string]any{
		"ingested_at":      "2025-03-01 12:00:01.5+00",
		"metadata":         `{"zone":"north","battery":87}`,
		"value":            21.5,
		"future_column":    "ignored",
		"stream_id":        int64(42),
		"time":             at,
		"id":               int64(9001),
		"site_id":          "site-1",
		"unit":             "degC",
		"quality":          "good",
		"message_id":       "m-1",
		"source_timestamp": nil,
		"protocol":         "mqtt",
	}

	r, ok, err := MapReading(cols)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snowflake.ID(42), r.StreamID)
	assert.Equal(t, snowflake.ID(9001), r.ID)
	assert.Equal(t, "site-1", r.SiteID)
	assert.Equal(t, at, r.Time)
	assert.Equal(t, 21.5, r.Value)
	assert.Equal(t, readingdomain.QualityGood, r.Quality)
	require.NotNil(t, r.MessageID)
	assert.Equal(t, "m-1", *r.MessageID)
	assert.Nil(t, r.SourceTimestamp)
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 1, 500_000_000, time.UTC), r.IngestedAt)
	require.Len(t, r.Metadata, 2)
	assert.Equal(t, "zone", r.Metadata[0].Key)
}

func TestMapReadingWithoutStreamIDIsDropped(t *testing.T) {
	_, ok, err := MapReading(map[string]any{"value": 1.0})
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = MapReading(map[string]any{"stream_id": nil})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMapReadingRejectsBadValues(t *testing.T) {
	_, _, err := MapReading(map[string]any{"stream_id": "abc"})
	assert.Error(t, err)

	_, _, err = MapReading(map[string]any{"stream_id": int64(1), "time": "yesterday"})
	assert.Error(t, err)
}

func TestLSNRoundTrip(t *testing.T) {
	lsn, err := ParseLSN("16/B374D848")
	require.NoError(t, err)
	assert.Equal(t, LSN(0x16B374D848), lsn)
	assert.Equal(t, "16/B374D848", lsn.String())

	_, err = ParseLSN("nope")
	assert.Error(t, err)
}

func TestCursorOnlyMovesForward(t *testing.T) {
	var c Cursor
	c.Receive(100)
	assert.Equal(t, Cursor{Received: 100}, c)
	c.Commit(90)
	assert.Equal(t, Cursor{Received: 100, Applied: 90, Flushed: 90}, c)
	c.Commit(80)
	assert.Equal(t, Cursor{Received: 100, Applied: 90, Flushed: 90}, c)
	c.Idle(150)
	assert.Equal(t, Cursor{Received: 150, Applied: 150, Flushed: 150}, c)
	assert.True(t, c.Valid())
	assert.False(t, Cursor{Received: 1, Applied: 2}.Valid())
}
