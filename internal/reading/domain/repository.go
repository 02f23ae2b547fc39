package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// InsertIgnoreDuplicates writes readings, skipping those whose
	// (stream_id, message_id) already exists. It returns the inserted count.
	InsertIgnoreDuplicates(ctx context.Context, db *gorm.DB, readings []SensorReading) (int64, error)
	ListSince(ctx context.Context, db *gorm.DB, since time.Time, limit int) ([]SensorReading, error)
	ListRange(ctx context.Context, db *gorm.DB, streamID snowflake.ID, start, end time.Time, limit int) ([]SensorReading, error)
	ListWindow(ctx context.Context, db *gorm.DB, streamIDs []snowflake.ID, start, end time.Time) ([]SensorReading, error)
	ListIngestedAfter(ctx context.Context, db *gorm.DB, cursor IngestCursor, until time.Time, limit int) ([]SensorReading, error)
}
