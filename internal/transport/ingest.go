package transport

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/pulse/internal/observability/metrics"
	readingdomain "github.com/smallbiznis/pulse/internal/reading/domain"
	"go.uber.org/zap"
)

const (
	defaultRetryBudget  = 30 * time.Second
	defaultInitialDelay = 200 * time.Millisecond
	defaultMaxDelay     = 5 * time.Second
)

// Ingester hands broker payloads to the ingestion gateway, retrying
// transient failures within a bounded budget.
type Ingester struct {
	log          *zap.Logger
	readings     readingdomain.Service
	metrics      *metrics.PipelineMetrics
	budget       time.Duration
	initialDelay time.Duration
	maxDelay     time.Duration
}

func NewIngester(log *zap.Logger, readings readingdomain.Service, m *metrics.PipelineMetrics) *Ingester {
	return &Ingester{
		log:          log,
		readings:     readings,
		metrics:      m,
		budget:       defaultRetryBudget,
		initialDelay: defaultInitialDelay,
		maxDelay:     defaultMaxDelay,
	}
}

// WithRetry overrides the retry schedule.
func (i *Ingester) WithRetry(budget, initialDelay, maxDelay time.Duration) *Ingester {
	i.budget = budget
	i.initialDelay = initialDelay
	i.maxDelay = maxDelay
	return i
}

// Ingest parses payload and submits it. Errors caused by the message itself
// are returned immediately; anything else is retried until the budget runs out.
func (i *Ingester) Ingest(ctx context.Context, protocol, siteID, equipmentID string, payload []byte) (readingdomain.IngestResult, error) {
	inputs, err := readingdomain.ParsePayload(payload)
	if err != nil {
		i.metrics.IncBatchError(protocol, metrics.ClassifyError(err))
		return readingdomain.IngestResult{}, err
	}

	req := readingdomain.IngestBatchRequest{
		SiteID:      siteID,
		EquipmentID: equipmentID,
		Protocol:    protocol,
		Readings:    inputs,
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = i.initialDelay
	bo.MaxInterval = i.maxDelay

	attempt := 0
	return backoff.Retry(ctx, func() (readingdomain.IngestResult, error) {
		attempt++
		result, err := i.readings.IngestBatch(ctx, req)
		if err == nil {
			return result, nil
		}
		if Permanent(err) {
			return result, backoff.Permanent(err)
		}
		i.log.Warn("ingest attempt failed",
			zap.String("site_id", siteID),
			zap.String("equipment_id", equipmentID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return result, err
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(i.budget),
	)
}

// Permanent reports whether retrying err can never succeed.
func Permanent(err error) bool {
	for _, target := range []error{
		readingdomain.ErrInvalidSite,
		readingdomain.ErrInvalidEquipment,
		readingdomain.ErrEmptyBatch,
		readingdomain.ErrBatchTooLarge,
		readingdomain.ErrMalformedPayload,
		readingdomain.ErrUnauthorizedSite,
		readingdomain.ErrUnknownEquipment,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
