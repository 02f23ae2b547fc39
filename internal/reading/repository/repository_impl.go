package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	readingdomain "github.com/smallbiznis/pulse/internal/reading/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const readingColumns = `id, stream_id, site_id, time, value, unit, quality, source_timestamp, message_id, metadata, protocol, ingested_at`

type repo struct{}

func Provide() readingdomain.Repository {
	return &repo{}
}

func (r *repo) InsertIgnoreDuplicates(ctx context.Context, db *gorm.DB, readings []readingdomain.SensorReading) (int64, error) {
	if len(readings) == 0 {
		return 0, nil
	}
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "stream_id"}, {Name: "message_id"}},
			DoNothing: true,
		}).
		Create(&readings)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *repo) ListSince(ctx context.Context, db *gorm.DB, since time.Time, limit int) ([]readingdomain.SensorReading, error) {
	var readings []readingdomain.SensorReading
	err := db.WithContext(ctx).Raw(
		`SELECT `+readingColumns+` FROM sensor_readings
		 WHERE time > ?
		 ORDER BY time ASC, id ASC
		 LIMIT ?`,
		since, limit,
	).Scan(&readings).Error
	if err != nil {
		return nil, err
	}
	return readings, nil
}

func (r *repo) ListRange(ctx context.Context, db *gorm.DB, streamID snowflake.ID, start, end time.Time, limit int) ([]readingdomain.SensorReading, error) {
	var readings []readingdomain.SensorReading
	err := db.WithContext(ctx).Raw(
		`SELECT `+readingColumns+` FROM sensor_readings
		 WHERE stream_id = ? AND time >= ? AND time < ?
		 ORDER BY time ASC, id ASC
		 LIMIT ?`,
		streamID, start, end, limit,
	).Scan(&readings).Error
	if err != nil {
		return nil, err
	}
	return readings, nil
}

func (r *repo) ListWindow(ctx context.Context, db *gorm.DB, streamIDs []snowflake.ID, start, end time.Time) ([]readingdomain.SensorReading, error) {
	if len(streamIDs) == 0 {
		return nil, nil
	}
	var readings []readingdomain.SensorReading
	err := db.WithContext(ctx).Raw(
		`SELECT `+readingColumns+` FROM sensor_readings
		 WHERE stream_id IN ? AND time > ? AND time <= ?
		 ORDER BY time ASC, id ASC`,
		streamIDs, start, end,
	).Scan(&readings).Error
	if err != nil {
		return nil, err
	}
	return readings, nil
}

func (r *repo) ListIngestedAfter(ctx context.Context, db *gorm.DB, cursor readingdomain.IngestCursor, until time.Time, limit int) ([]readingdomain.SensorReading, error) {
	var readings []readingdomain.SensorReading
	err := db.WithContext(ctx).Raw(
		`SELECT `+readingColumns+` FROM sensor_readings
		 WHERE (ingested_at > ? OR (ingested_at = ? AND id > ?))
		   AND ingested_at <= ?
		 ORDER BY ingested_at ASC, id ASC
		 LIMIT ?`,
		cursor.IngestedAt, cursor.IngestedAt, cursor.ID, until, limit,
	).Scan(&readings).Error
	if err != nil {
		return nil, err
	}
	return readings, nil
}
