package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Service is the ingestion gateway plus the read-side query surface.
type Service interface {
	IngestBatch(ctx context.Context, req IngestBatchRequest) (IngestResult, error)

	GetReadingsSince(ctx context.Context, since time.Time, limit int) ([]SensorReading, error)
	GetReadings(ctx context.Context, streamID snowflake.ID, start, end time.Time, limit int) ([]SensorReading, error)
	ReadingsInWindow(ctx context.Context, streamIDs []snowflake.ID, start, end time.Time) ([]SensorReading, error)
	ListIngestedAfter(ctx context.Context, cursor IngestCursor, until time.Time, limit int) ([]SensorReading, error)
}

// SiteAuthorizer decides whether a caller may write to a site. Identity is
// owned by an external service; the default implementation allows all.
type SiteAuthorizer interface {
	AuthorizeSite(ctx context.Context, siteID string) error
}

// Batch-level failures. Nothing of the batch is persisted.
var (
	ErrInvalidSite      = errors.New("invalid_site")
	ErrInvalidEquipment = errors.New("invalid_equipment")
	ErrEmptyBatch       = errors.New("empty_batch")
	ErrBatchTooLarge    = errors.New("batch_too_large")
	ErrMalformedPayload = errors.New("malformed_payload")
	ErrUnauthorizedSite = errors.New("unauthorized_site")
	ErrUnknownEquipment = errors.New("unknown_equipment")
	ErrStoreUnavailable = errors.New("store_unavailable")
	ErrInvalidRange     = errors.New("invalid_time_range")
	ErrInvalidLimit     = errors.New("invalid_limit")
)
