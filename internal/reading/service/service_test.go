package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/pulse/internal/clock"
	"github.com/smallbiznis/pulse/internal/config"
	readingdomain "github.com/smallbiznis/pulse/internal/reading/domain"
	"github.com/smallbiznis/pulse/internal/reading/repository"
	sessiondomain "github.com/smallbiznis/pulse/internal/session/domain"
	sessionrepo "github.com/smallbiznis/pulse/internal/session/repository"
	sessionservice "github.com/smallbiznis/pulse/internal/session/service"
	streamdomain "github.com/smallbiznis/pulse/internal/stream/domain"
	streamrepo "github.com/smallbiznis/pulse/internal/stream/repository"
	streamservice "github.com/smallbiznis/pulse/internal/stream/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type harness struct {
	svc      readingdomain.Service
	streams  streamdomain.Service
	sessions sessiondomain.Service
	db       *gorm.DB
	clock    *clock.FakeClock
	temp     *streamdomain.SensorStream
	pressure *streamdomain.SensorStream
}

func newHarness(t *testing.T, opts ...func(*Params)) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&streamdomain.SensorStream{},
		&readingdomain.SensorReading{},
		&sessiondomain.IngestionSession{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	streams := streamservice.New(streamservice.Params{
		DB: db, Log: log, GenID: node, Repo: streamrepo.Provide(), Clock: clk,
	})
	sessions := sessionservice.New(sessionservice.Params{
		DB: db, Log: log, GenID: node, Repo: sessionrepo.Provide(), Clock: clk,
	})

	p := Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Repo:     repository.Provide(),
		Streams:  streams,
		Clock:    clk,
		Sessions: sessions,
		Runtime: config.NewStaticRuntimeHolder(config.RuntimeConfig{
			ForwardSkew:      5 * time.Minute,
			RetentionHorizon: 7 * 24 * time.Hour,
		}),
	}
	for _, opt := range opts {
		opt(&p)
	}

	ctx := context.Background()
	temp, err := streams.Create(ctx, streamdomain.CreateRequest{
		SiteID: "site-1", EquipmentID: "ahu-1", PhysicalQuantity: "temperature", Unit: "degC",
	})
	require.NoError(t, err)
	pressure, err := streams.Create(ctx, streamdomain.CreateRequest{
		SiteID: "site-1", EquipmentID: "ahu-1", PhysicalQuantity: "pressure", Unit: "kPa",
	})
	require.NoError(t, err)

	return &harness{
		svc:      New(p),
		streams:  streams,
		sessions: sessions,
		db:       db,
		clock:    clk,
		temp:     temp,
		pressure: pressure,
	}
}

func ptr[T any](v T) *T { return &v }

func (h *harness) reading(stream *streamdomain.SensorStream, value float64, at time.Time) readingdomain.ReadingInput {
	return readingdomain.ReadingInput{
		StreamID:  readingdomain.StreamRef(stream.ID.String()),
		Timestamp: ptr(at),
		Value:     ptr(value),
	}
}

func (h *harness) ingest(t *testing.T, readings ...readingdomain.ReadingInput) readingdomain.IngestResult {
	t.Helper()
	result, err := h.svc.IngestBatch(context.Background(), readingdomain.IngestBatchRequest{
		SiteID:      "site-1",
		EquipmentID: "ahu-1",
		Protocol:    "http",
		Readings:    readings,
	})
	require.NoError(t, err)
	return result
}

func (h *harness) count(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(&readingdomain.SensorReading{}).Count(&n).Error)
	return n
}

func TestIngestIsIdempotentOnMessageID(t *testing.T) {
	h := newHarness(t)
	in := h.reading(h.temp, 21.5, h.clock.Now())
	in.MessageID = ptr("msg-1")

	first := h.ingest(t, in)
	assert.Equal(t, 1, first.Accepted)
	assert.Zero(t, first.Duplicates)
	assert.NotEmpty(t, first.BatchID)

	second := h.ingest(t, in)
	assert.Zero(t, second.Accepted)
	assert.Equal(t, 1, second.Duplicates)
	assert.NotEqual(t, first.BatchID, second.BatchID)

	assert.EqualValues(t, 1, h.count(t))
}

func TestIngestCountsDuplicatesWithinOneBatch(t *testing.T) {
	h := newHarness(t)
	a := h.reading(h.temp, 21.5, h.clock.Now())
	a.MessageID = ptr("dup")
	b := h.reading(h.temp, 22.0, h.clock.Now())
	b.MessageID = ptr("dup")
	c := h.reading(h.temp, 22.5, h.clock.Now())

	result := h.ingest(t, a, b, c)
	assert.Equal(t, 2, result.Accepted)
	assert.Equal(t, 1, result.Duplicates)
	assert.EqualValues(t, 2, h.count(t))
}

func TestIngestReadingsWithoutMessageIDAreNeverDuplicates(t *testing.T) {
	h := newHarness(t)
	in := h.reading(h.temp, 21.5, h.clock.Now())

	h.ingest(t, in)
	result := h.ingest(t, in)
	assert.Equal(t, 1, result.Accepted)
	assert.EqualValues(t, 2, h.count(t))
}

func TestIngestConvertsUnitsAndRejectsMismatch(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()

	fahrenheit := h.reading(h.temp, 68, now)
	fahrenheit.Unit = "°F"
	wrongDimension := h.reading(h.temp, 101.3, now)
	wrongDimension.Unit = "kPa"
	unknown := h.reading(h.temp, 1, now)
	unknown.Unit = "zorks"

	result := h.ingest(t, fahrenheit, wrongDimension, unknown)
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 2, result.Rejected)
	for _, r := range result.RejectionReasons {
		assert.Equal(t, readingdomain.RejectUnitMismatch, r.Reason)
	}
	assert.Equal(t, 1, result.RejectionReasons[0].Index)
	assert.Equal(t, 2, result.RejectionReasons[1].Index)

	stored, err := h.svc.GetReadingsSince(context.Background(), now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.InDelta(t, 20.0, stored[0].Value, 1e-9)
	assert.Equal(t, "degC", stored[0].Unit)
	assert.Equal(t, readingdomain.QualityGood, stored[0].Quality)
}

func TestIngestPartialBatchReportsEveryRejection(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()

	other, err := h.streams.Create(context.Background(), streamdomain.CreateRequest{
		SiteID: "site-2", EquipmentID: "chiller-1", PhysicalQuantity: "temperature", Unit: "degC",
	})
	require.NoError(t, err)

	missingValue := h.reading(h.temp, 0, now)
	missingValue.Value = nil
	missingTimestamp := h.reading(h.temp, 1, now)
	missingTimestamp.Timestamp = nil
	badQuality := h.reading(h.temp, 1, now)
	badQuality.QualityCode = "excellent"
	suspect := h.reading(h.pressure, 101.3, now)
	suspect.QualityCode = "Suspect"

	readings := []readingdomain.ReadingInput{
		h.reading(h.temp, 21.0, now),                            // 0 ok
		{StreamID: "abc", Value: ptr(1.0), Timestamp: ptr(now)}, // 1
		{StreamID: "999", Value: ptr(1.0), Timestamp: ptr(now)}, // 2
		h.reading(other, 1, now),                                // 3
		missingValue,                                            // 4
		h.reading(h.temp, math.Inf(1), now),                     // 5
		missingTimestamp,                                        // 6
		h.reading(h.temp, 1, now.Add(6*time.Minute)),            // 7
		h.reading(h.temp, 1, now.Add(-8*24*time.Hour)),          // 8
		badQuality,                                              // 9
		suspect,                                                 // 10 ok
		h.reading(h.temp, 1, now.Add(4*time.Minute)),            // 11 ok, within skew
	}

	result := h.ingest(t, readings...)
	assert.Equal(t, 3, result.Accepted)
	assert.Equal(t, 9, result.Rejected)
	assert.Zero(t, result.Duplicates)
	assert.Equal(t, len(readings), result.Accepted+result.Rejected+result.Duplicates)

	want := map[int]readingdomain.RejectionReason{
		1: readingdomain.RejectInvalidStream,
		2: readingdomain.RejectUnknownStream,
		3: readingdomain.RejectStreamSiteMismatch,
		4: readingdomain.RejectMissingValue,
		5: readingdomain.RejectNonFiniteValue,
		6: readingdomain.RejectMissingTimestamp,
		7: readingdomain.RejectFutureTimestamp,
		8: readingdomain.RejectTooOld,
		9: readingdomain.RejectInvalidQuality,
	}
	got := map[int]readingdomain.RejectionReason{}
	for _, r := range result.RejectionReasons {
		got[r.Index] = r.Reason
	}
	assert.Equal(t, want, got)
	assert.EqualValues(t, 3, h.count(t))
}

func TestIngestRejectsInactiveStream(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.streams.Deactivate(context.Background(), "site-1", h.pressure.ID))

	result := h.ingest(t, h.reading(h.pressure, 100, h.clock.Now()))
	require.Len(t, result.RejectionReasons, 1)
	assert.Equal(t, readingdomain.RejectStreamInactive, result.RejectionReasons[0].Reason)
}

func TestIngestBatchLevelErrors(t *testing.T) {
	h := newHarness(t, func(p *Params) {
		p.Cfg = config.Config{Ingestion: config.IngestionConfig{MaxBatchSize: 2}}
	})
	ctx := context.Background()
	one := h.reading(h.temp, 1, h.clock.Now())

	cases := []struct {
		name string
		req  readingdomain.IngestBatchRequest
		want error
	}{
		{"missing site", readingdomain.IngestBatchRequest{EquipmentID: "ahu-1", Readings: []readingdomain.ReadingInput{one}}, readingdomain.ErrInvalidSite},
		{"missing equipment", readingdomain.IngestBatchRequest{SiteID: "site-1", Readings: []readingdomain.ReadingInput{one}}, readingdomain.ErrInvalidEquipment},
		{"empty", readingdomain.IngestBatchRequest{SiteID: "site-1", EquipmentID: "ahu-1"}, readingdomain.ErrEmptyBatch},
		{"too large", readingdomain.IngestBatchRequest{SiteID: "site-1", EquipmentID: "ahu-1", Readings: []readingdomain.ReadingInput{one, one, one}}, readingdomain.ErrBatchTooLarge},
		{"unknown equipment", readingdomain.IngestBatchRequest{SiteID: "site-1", EquipmentID: "ghost", Readings: []readingdomain.ReadingInput{one}}, readingdomain.ErrUnknownEquipment},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.IngestBatch(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Zero(t, h.count(t))
}

type denySites struct{}

func (denySites) AuthorizeSite(context.Context, string) error { return errors.New("site locked") }

func TestIngestRejectsUnauthorizedSite(t *testing.T) {
	h := newHarness(t, func(p *Params) { p.Authorizer = denySites{} })
	_, err := h.svc.IngestBatch(context.Background(), readingdomain.IngestBatchRequest{
		SiteID: "site-1", EquipmentID: "ahu-1", Readings: []readingdomain.ReadingInput{h.reading(h.temp, 1, h.clock.Now())},
	})
	assert.ErrorIs(t, err, readingdomain.ErrUnauthorizedSite)
}

func TestIngestStampsAreMonotonicAndSessionsTouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := h.clock.Now()

	h.ingest(t, h.reading(h.temp, 1, now))
	h.ingest(t, h.reading(h.temp, 2, now), h.reading(h.pressure, 3, now))

	page, err := h.svc.ListIngestedAfter(ctx, readingdomain.IngestCursor{}, now.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.True(t, page[1].IngestedAt.After(page[0].IngestedAt))
	assert.True(t, page[2].IngestedAt.Equal(page[1].IngestedAt))

	cursor := readingdomain.IngestCursor{IngestedAt: page[1].IngestedAt, ID: page[1].ID}
	rest, err := h.svc.ListIngestedAfter(ctx, cursor, now.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, page[2].ID, rest[0].ID)

	open, err := h.sessions.ListOpen(ctx, "site-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.EqualValues(t, 2, open[0].BatchCount)
	assert.EqualValues(t, 3, open[0].ReadingCount)
}

func TestGetReadingsSinceOrdersByEventTime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := h.clock.Now()

	h.ingest(t,
		h.reading(h.temp, 3, now.Add(-1*time.Minute)),
		h.reading(h.temp, 1, now.Add(-3*time.Minute)),
		h.reading(h.temp, 2, now.Add(-2*time.Minute)),
		h.reading(h.temp, 0, now.Add(-10*time.Minute)),
	)

	got, err := h.svc.GetReadingsSince(ctx, now.Add(-5*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []float64{1, 2, 3}, []float64{got[0].Value, got[1].Value, got[2].Value})

	limited, err := h.svc.GetReadingsSince(ctx, now.Add(-5*time.Minute), 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = h.svc.GetReadingsSince(ctx, now, -1)
	assert.ErrorIs(t, err, readingdomain.ErrInvalidLimit)
}

func TestGetReadingsByStreamAndRange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := h.clock.Now()

	h.ingest(t,
		h.reading(h.temp, 1, now.Add(-3*time.Minute)),
		h.reading(h.temp, 2, now.Add(-2*time.Minute)),
		h.reading(h.pressure, 100, now.Add(-2*time.Minute)),
	)

	got, err := h.svc.GetReadings(ctx, h.temp.ID, now.Add(-5*time.Minute), now, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, r := range got {
		assert.Equal(t, h.temp.ID, r.StreamID)
	}

	_, err = h.svc.GetReadings(ctx, h.temp.ID, now, now, 10)
	assert.ErrorIs(t, err, readingdomain.ErrInvalidRange)

	window, err := h.svc.ReadingsInWindow(ctx, []snowflake.ID{h.temp.ID, h.pressure.ID}, now.Add(-5*time.Minute), now)
	require.NoError(t, err)
	assert.Len(t, window, 3)
}

func TestIngestKeepsMetadataOrder(t *testing.T) {
	h := newHarness(t)
	in := h.reading(h.temp, 21, h.clock.Now())
	in.Metadata = readingdomain.Metadata{}.
		Set("zone", readingdomain.String("north")).
		Set("battery", readingdomain.Number(87))

	h.ingest(t, in)
	got, err := h.svc.GetReadings(context.Background(), h.temp.ID, h.clock.Now().Add(-time.Minute), h.clock.Now().Add(time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Len(t, got[0].Metadata, 2)
	assert.Equal(t, "zone", got[0].Metadata[0].Key)
	assert.Equal(t, "battery", got[0].Metadata[1].Key)
}
