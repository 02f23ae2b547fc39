package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	readingdomain "github.com/smallbiznis/pulse/internal/reading/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type flakyReadings struct {
	readingdomain.Service
	failures int
	err      error
	calls    int
	last     readingdomain.IngestBatchRequest
}

func (f *flakyReadings) IngestBatch(_ context.Context, req readingdomain.IngestBatchRequest) (readingdomain.IngestResult, error) {
	f.calls++
	f.last = req
	if f.calls <= f.failures {
		return readingdomain.IngestResult{}, f.err
	}
	return readingdomain.IngestResult{Accepted: len(req.Readings)}, nil
}

func newTestIngester(readings readingdomain.Service) *Ingester {
	return NewIngester(zap.NewNop(), readings, nil).WithRetry(time.Second, time.Millisecond, 5*time.Millisecond)
}

func TestIngestRetriesTransientErrors(t *testing.T) {
	readings := &flakyReadings{failures: 2, err: readingdomain.ErrStoreUnavailable}
	result, err := newTestIngester(readings).Ingest(context.Background(), "mqtt", "site-1", "ahu-1",
		[]byte(`[{"streamId":"1","value":1,"timestamp":"2025-03-01T12:00:00Z"},{"streamId":"1","value":2,"timestamp":"2025-03-01T12:00:01Z"}]`))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Accepted)
	assert.Equal(t, 3, readings.calls)
	assert.Equal(t, "site-1", readings.last.SiteID)
	assert.Equal(t, "mqtt", readings.last.Protocol)
}

func TestIngestDoesNotRetryPermanentErrors(t *testing.T) {
	readings := &flakyReadings{failures: 5, err: readingdomain.ErrUnknownEquipment}
	_, err := newTestIngester(readings).Ingest(context.Background(), "mqtt", "site-1", "ahu-9",
		[]byte(`{"streamId":"1","value":1,"timestamp":"2025-03-01T12:00:00Z"}`))
	assert.ErrorIs(t, err, readingdomain.ErrUnknownEquipment)
	assert.Equal(t, 1, readings.calls)
}

func TestIngestRejectsMalformedPayloadWithoutCalling(t *testing.T) {
	readings := &flakyReadings{}
	_, err := newTestIngester(readings).Ingest(context.Background(), "kafka", "site-1", "ahu-1", []byte(`{"streamId":`))
	assert.ErrorIs(t, err, readingdomain.ErrMalformedPayload)
	assert.Zero(t, readings.calls)
}

func TestPermanent(t *testing.T) {
	assert.True(t, Permanent(readingdomain.ErrBatchTooLarge))
	assert.False(t, Permanent(readingdomain.ErrStoreUnavailable))
	assert.False(t, Permanent(errors.New("connection reset")))
}
