package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	alertdomain "github.com/smallbiznis/pulse/internal/alert/domain"
	alertrepo "github.com/smallbiznis/pulse/internal/alert/repository"
	alertservice "github.com/smallbiznis/pulse/internal/alert/service"
	"github.com/smallbiznis/pulse/internal/clock"
	"github.com/smallbiznis/pulse/internal/config"
	"github.com/smallbiznis/pulse/internal/observability/metrics"
	readingdomain "github.com/smallbiznis/pulse/internal/reading/domain"
	readingrepo "github.com/smallbiznis/pulse/internal/reading/repository"
	readingservice "github.com/smallbiznis/pulse/internal/reading/service"
	"github.com/smallbiznis/pulse/internal/realtime"
	sessiondomain "github.com/smallbiznis/pulse/internal/session/domain"
	sessionrepo "github.com/smallbiznis/pulse/internal/session/repository"
	sessionservice "github.com/smallbiznis/pulse/internal/session/service"
	streamdomain "github.com/smallbiznis/pulse/internal/stream/domain"
	streamrepo "github.com/smallbiznis/pulse/internal/stream/repository"
	streamservice "github.com/smallbiznis/pulse/internal/stream/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	server     *Server
	engine     *gin.Engine
	dispatcher *realtime.Dispatcher
	temp       *streamdomain.SensorStream
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithMetrics(t, nil)
}

func newTestServerWithMetrics(t *testing.T, m *metrics.Metrics) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&streamdomain.SensorStream{},
		&readingdomain.SensorReading{},
		&sessiondomain.IngestionSession{},
		&alertdomain.AlertRule{},
		&alertdomain.AlertInstance{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(testNow)
	log := zap.NewNop()

	streams := streamservice.New(streamservice.Params{
		DB: db, Log: log, GenID: node, Repo: streamrepo.Provide(), Clock: clk,
	})
	sessions := sessionservice.New(sessionservice.Params{
		DB: db, Log: log, GenID: node, Repo: sessionrepo.Provide(), Clock: clk,
	})
	readings := readingservice.New(readingservice.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Repo:     readingrepo.Provide(),
		Streams:  streams,
		Clock:    clk,
		Sessions: sessions,
		Metrics:  m,
		Runtime: config.NewStaticRuntimeHolder(config.RuntimeConfig{
			ForwardSkew:      5 * time.Minute,
			RetentionHorizon: 7 * 24 * time.Hour,
		}),
	})
	alerts := alertservice.New(alertservice.Params{
		DB: db, Log: log, GenID: node, Repo: alertrepo.Provide(), Readings: readings, Clock: clk,
	})
	dispatcher := realtime.NewDispatcher(realtime.DispatcherParams{
		Log:      log,
		Registry: realtime.NewRegistry(clk),
	})

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	srv := NewServer(ServerParams{
		Gin:        engine,
		Cfg:        config.Config{},
		Log:        log,
		StreamSvc:  streams,
		ReadingSvc: readings,
		AlertSvc:   alerts,
		SessionSvc: sessions,
		Dispatcher: dispatcher,
		ObsMetrics: m,
	})

	temp, err := streams.Create(context.Background(), streamdomain.CreateRequest{
		SiteID: "site-1", EquipmentID: "ahu-1", PhysicalQuantity: "temperature", Unit: "degC", Label: "Supply air",
	})
	require.NoError(t, err)

	return &testServer{server: srv, engine: engine, dispatcher: dispatcher, temp: temp}
}

func (ts *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch v := body.(type) {
	case nil:
	case string:
		buf.WriteString(v)
	default:
		_ = json.NewEncoder(&buf).Encode(v)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "operator-1")
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func readingJSON(streamID string, value float64, at time.Time) string {
	return fmt.Sprintf(`{"streamId":%q,"timestamp":%q,"value":%v,"unit":"degC"}`, streamID, at.Format(time.RFC3339), value)
}

func TestIngestReadingsPartialBatch(t *testing.T) {
	ts := newTestServer(t)

	body := "[" + readingJSON(ts.temp.ID.String(), 21.5, testNow.Add(-time.Minute)) + "," +
		readingJSON("999", 20, testNow.Add(-time.Minute)) + "]"
	rec := ts.do(http.MethodPost, "/v1/sites/site-1/equipment/ahu-1/readings", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result readingdomain.IngestResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 1, result.Rejected)
	require.Len(t, result.RejectionReasons, 1)
	assert.Equal(t, 1, result.RejectionReasons[0].Index)
	assert.NotEmpty(t, result.BatchID)
}

func TestIngestReadingsRecordsLatencyOnce(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := metrics.New(metrics.Config{ServiceName: "pulse-test"}, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)
	ts := newTestServerWithMetrics(t, m)

	body := "[" + readingJSON(ts.temp.ID.String(), 21.5, testNow.Add(-time.Minute)) + "]"
	rec := ts.do(http.MethodPost, "/v1/sites/site-1/equipment/ahu-1/readings", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var observations uint64
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != "pulse_ingest_batch_duration" {
				continue
			}
			hist, ok := metric.Data.(metricdata.Histogram[float64])
			require.True(t, ok)
			for _, dp := range hist.DataPoints {
				observations += dp.Count
			}
		}
	}
	assert.Equal(t, uint64(1), observations)
}

func TestIngestReadingsBatchErrors(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"empty body", "/v1/sites/site-1/equipment/ahu-1/readings", "", http.StatusBadRequest, "empty_batch"},
		{"malformed", "/v1/sites/site-1/equipment/ahu-1/readings", `{"readings": 12}`, http.StatusBadRequest, "malformed_payload"},
		{"unknown equipment", "/v1/sites/site-1/equipment/chiller-9/readings", readingJSON(ts.temp.ID.String(), 1, testNow), http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, tc.path, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			payload := decodeError(t, rec)
			if len(payload.Errors) > 0 {
				assert.Equal(t, tc.code, payload.Errors[0].Code)
			} else {
				assert.Equal(t, tc.code, payload.Type)
			}
		})
	}
}

func TestQueryReadings(t *testing.T) {
	ts := newTestServer(t)

	body := "[" + readingJSON(ts.temp.ID.String(), 21.5, testNow.Add(-2*time.Minute)) + "," +
		readingJSON(ts.temp.ID.String(), 22.0, testNow.Add(-time.Minute)) + "]"
	rec := ts.do(http.MethodPost, "/v1/sites/site-1/equipment/ahu-1/readings", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Data []readingdomain.SensorReading `json:"data"`
	}

	since := testNow.Add(-90 * time.Second).Format(time.RFC3339)
	rec = ts.do(http.MethodGet, "/v1/readings?since="+since, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, 22.0, resp.Data[0].Value)

	path := fmt.Sprintf("/v1/streams/%s/readings?start=%s&end=%s",
		ts.temp.ID, testNow.Add(-time.Hour).Format(time.RFC3339), testNow.Format(time.RFC3339))
	rec = ts.do(http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 2)

	rec = ts.do(http.MethodGet, fmt.Sprintf("/v1/streams/%s/readings?end=%s", ts.temp.ID, testNow.Format(time.RFC3339)), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "start", decodeError(t, rec).Errors[0].Field)

	rec = ts.do(http.MethodGet, "/v1/readings?since="+since+"&limit=abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodGet, "/v1/sites/site-1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"protocol":"http"`)
}

func TestStreamRoutes(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/v1/streams", streamdomain.CreateRequest{
		SiteID: "site-1", EquipmentID: "ahu-1", PhysicalQuantity: "temperature", Unit: "degC",
	})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodPost, "/v1/streams", streamdomain.CreateRequest{
		SiteID: "site-1", EquipmentID: "ahu-1", PhysicalQuantity: "pressure", Unit: "kPa",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodGet, "/v1/sites/site-1/streams", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data []streamdomain.SensorStream `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Data, 2)

	rec = ts.do(http.MethodGet, "/v1/streams/not-a-number", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodDelete, "/v1/sites/site-1/streams/"+ts.temp.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAlertRoutes(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/v1/sites/site-1/alert-rules", map[string]any{
		"name":            "Supply air too hot",
		"type":            "threshold_above",
		"threshold":       25,
		"targetStreamIds": []string{ts.temp.ID.String()},
		"windowMinutes":   5,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Data alertdomain.AlertRule `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "operator-1", created.Data.CreatedBy)

	rec = ts.do(http.MethodPost, "/v1/sites/site-1/alert-rules", map[string]any{
		"name": "bad", "type": "sometimes", "targetStreamIds": []string{ts.temp.ID.String()}, "windowMinutes": 5,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_rule_type", decodeError(t, rec).Errors[0].Code)

	rec = ts.do(http.MethodPost, fmt.Sprintf("/v1/sites/site-1/alert-rules/%s/deactivate", created.Data.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodGet, "/v1/sites/site-1/alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodPost, "/v1/sites/site-1/alerts/12345/acknowledge", map[string]string{"note": "on it"})
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/v1/nothing-here", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLiveSocketDeliversSubscribedReadings(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.engine)
	defer httpSrv.Close()

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/v1/live"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))

	var welcome liveReply
	require.NoError(t, ws.ReadJSON(&welcome))
	assert.Equal(t, "welcome", welcome.Type)
	assert.NotEmpty(t, welcome.ConnectionID)

	require.NoError(t, ws.WriteJSON(liveCommand{Action: liveActionSubscribe, StreamID: "4242"}))
	var reply liveReply
	require.NoError(t, ws.ReadJSON(&reply))
	assert.Equal(t, "error", reply.Type)
	assert.Equal(t, "not_found", reply.Code)

	require.NoError(t, ws.WriteJSON(liveCommand{Action: liveActionSubscribe, StreamID: ts.temp.ID.String()}))
	require.NoError(t, ws.ReadJSON(&reply))
	require.Equal(t, "ack", reply.Type)
	assert.Equal(t, ts.temp.ID.String(), reply.StreamID)

	snapshot := ts.dispatcher.Snapshot()
	assert.Equal(t, 1, snapshot.TotalConnections)
	assert.Equal(t, 1, snapshot.PerStreamCounts[ts.temp.ID])

	ts.dispatcher.PublishReplicationEvent(readingdomain.SensorReading{
		ID: 77, StreamID: ts.temp.ID, SiteID: "site-1", Time: testNow, Value: 23.5, Unit: "degC",
	})

	var ev realtime.Event
	require.NoError(t, ws.ReadJSON(&ev))
	assert.Equal(t, realtime.EventReading, ev.Type)
	assert.Equal(t, realtime.SourceChangeFeed, ev.Source)
	assert.Equal(t, 23.5, ev.Reading.Value)

	require.NoError(t, ws.WriteJSON(liveCommand{Action: liveActionPing}))
	require.NoError(t, ws.ReadJSON(&reply))
	assert.Equal(t, "pong", reply.Type)

	rec := ts.do(http.MethodGet, "/v1/live/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"totalConnections":1`)
}

func TestSiteIngestRateLimitDisabledPassesThrough(t *testing.T) {
	ts := newTestServer(t)
	require.Nil(t, ts.server.siteLimiter)

	rec := ts.do(http.MethodPost, "/v1/sites/site-1/equipment/ahu-1/readings", readingJSON(ts.temp.ID.String(), 20, testNow.Add(-time.Minute)))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
}
