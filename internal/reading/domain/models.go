package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Quality is the data-quality flag carried by a reading.
type Quality string

const (
	QualityGood        Quality = "good"
	QualitySuspect     Quality = "suspect"
	QualityBad         Quality = "bad"
	QualitySubstituted Quality = "substituted"
)

// ParseQuality accepts the quality names case-insensitively. An empty code
// means good.
func ParseQuality(code string) (Quality, bool) {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "", "good", "ok":
		return QualityGood, true
	case "suspect", "uncertain":
		return QualitySuspect, true
	case "bad":
		return QualityBad, true
	case "substituted", "manual":
		return QualitySubstituted, true
	default:
		return "", false
	}
}

// SensorReading is one persisted measurement. Readings are append-only.
type SensorReading struct {
	ID              snowflake.ID `json:"id" gorm:"primaryKey;autoIncrement:false"`
	StreamID        snowflake.ID `json:"streamId" gorm:"not null;uniqueIndex:ux_sensor_readings_stream_message,priority:1;index:ix_sensor_readings_stream_time,priority:1"`
	SiteID          string       `json:"siteId" gorm:"type:text;not null"`
	Time            time.Time    `json:"time" gorm:"column:time;not null;index:ix_sensor_readings_stream_time,priority:2"`
	Value           float64      `json:"value" gorm:"not null"`
	Unit            string       `json:"unit" gorm:"type:text;not null"`
	Quality         Quality      `json:"quality" gorm:"type:text;not null"`
	SourceTimestamp *time.Time   `json:"sourceTimestamp,omitempty"`
	MessageID       *string      `json:"messageId,omitempty" gorm:"type:text;uniqueIndex:ux_sensor_readings_stream_message,priority:2"`
	Metadata        Metadata     `json:"metadata,omitempty" gorm:"type:jsonb"`
	Protocol        string       `json:"protocol" gorm:"type:text;not null"`
	IngestedAt      time.Time    `json:"ingestedAt" gorm:"not null;index:ix_sensor_readings_ingested"`
}

func (SensorReading) TableName() string { return "sensor_readings" }

// IngestCursor is a position in ingestion order.
type IngestCursor struct {
	IngestedAt time.Time    `json:"ingestedAt"`
	ID         snowflake.ID `json:"id"`
}

// Before reports whether the cursor sorts before r.
func (c IngestCursor) Before(r SensorReading) bool {
	if r.IngestedAt.Equal(c.IngestedAt) {
		return r.ID > c.ID
	}
	return r.IngestedAt.After(c.IngestedAt)
}
