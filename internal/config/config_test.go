package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REPLICATION_CONN_STRING", "")
	t.Setenv("REPLICATION_STATUS_INTERVAL_SECONDS", "")

	cfg := Load()

	assert.Equal(t, 5*time.Second, cfg.Replication.StatusInterval)
	assert.Equal(t, time.Minute, cfg.Replication.MaxRetryDelay)
	assert.Equal(t, 30*time.Second, cfg.Alerting.TickInterval)
	assert.False(t, cfg.Replication.Enabled())
}

func TestGetenvDuration(t *testing.T) {
	t.Setenv("PULSE_TEST_DURATION", "90")
	assert.Equal(t, 90*time.Second, getenvDuration("PULSE_TEST_DURATION", time.Second))

	t.Setenv("PULSE_TEST_DURATION", "250ms")
	assert.Equal(t, 250*time.Millisecond, getenvDuration("PULSE_TEST_DURATION", time.Second))

	t.Setenv("PULSE_TEST_DURATION", "soon")
	assert.Equal(t, time.Second, getenvDuration("PULSE_TEST_DURATION", time.Second))
}

func TestParseAggregates(t *testing.T) {
	got := parseAggregates("readings_1m:bucket:5m, broken, readings_1h:bucket:2h,bad:bucket:-1m")

	require.Len(t, got, 2)
	assert.Equal(t, AggregateConfig{View: "readings_1m", BucketColumn: "bucket", MaxLag: 5 * time.Minute}, got[0])
	assert.Equal(t, "readings_1h", got[1].View)
}

func TestValidateRuntimeConfig(t *testing.T) {
	rc := RuntimeConfig{
		ForwardSkew:            5 * time.Minute,
		RetentionHorizon:       time.Hour,
		SubscriptionStaleAfter: time.Minute,
		SessionIdleTimeout:     time.Minute,
	}
	require.NoError(t, validateRuntimeConfig(rc))

	rc.RetentionHorizon = 0
	assert.Error(t, validateRuntimeConfig(rc))
}
