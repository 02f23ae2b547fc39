package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/smallbiznis/pulse/internal/config"
	readingdomain "github.com/smallbiznis/pulse/internal/reading/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type ingestCall struct {
	protocol, site, equipment string
	payload                   string
}

type recordingIngest struct {
	mu    sync.Mutex
	calls []ingestCall
	err   error
}

func (r *recordingIngest) Ingest(_ context.Context, protocol, siteID, equipmentID string, payload []byte) (readingdomain.IngestResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, ingestCall{protocol, siteID, equipmentID, string(payload)})
	return readingdomain.IngestResult{Accepted: 1}, r.err
}

func TestHandleMessageRoutesByTopic(t *testing.T) {
	rec := &recordingIngest{}
	a := newAdapter(zap.NewNop(), config.MQTTConfig{}, rec)

	a.HandleMessage("site/s1/equipment/ahu-1/telemetry", []byte(`{"streamId":"1","value":2}`))
	a.HandleMessage("site/s1/equipment/ahu-2/telemetry/batch", []byte(`[{"streamId":"2","value":3}]`))
	a.HandleMessage("site/s1/equipment/ahu-3/status", []byte(`{}`))

	require.Len(t, rec.calls, 2)
	assert.Equal(t, ingestCall{"mqtt", "s1", "ahu-1", `{"streamId":"1","value":2}`}, rec.calls[0])
	assert.Equal(t, "ahu-2", rec.calls[1].equipment)
}

func TestHandleMessageSurvivesIngestErrors(t *testing.T) {
	rec := &recordingIngest{err: errors.New("store down")}
	a := newAdapter(zap.NewNop(), config.MQTTConfig{}, rec)

	assert.NotPanics(t, func() {
		a.HandleMessage("site/s1/equipment/ahu-1/telemetry", []byte(`{}`))
	})
	assert.Len(t, rec.calls, 1)
}

func TestAdapterDefaults(t *testing.T) {
	a := newAdapter(zap.NewNop(), config.MQTTConfig{QoS: 7}, &recordingIngest{})
	assert.Equal(t, DefaultTopicFilter, a.cfg.TopicFilter)
	assert.Equal(t, 1, a.cfg.QoS)
	assert.Error(t, a.Start())

	opts := newAdapter(zap.NewNop(), config.MQTTConfig{Host: "broker", Port: 8883, TLS: true}, &recordingIngest{}).clientOptions()
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "ssl://broker:8883", opts.Servers[0].String())
}
