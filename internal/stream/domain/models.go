package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// SensorStream is a single measured quantity on one piece of equipment.
// Streams are immutable apart from soft deactivation.
type SensorStream struct {
	ID               snowflake.ID `json:"id" gorm:"primaryKey;autoIncrement:false"`
	SiteID           string       `json:"siteId" gorm:"type:text;not null;uniqueIndex:ux_sensor_streams_identity,priority:1"`
	EquipmentID      string       `json:"equipmentId" gorm:"type:text;not null;uniqueIndex:ux_sensor_streams_identity,priority:2"`
	PhysicalQuantity string       `json:"physicalQuantity" gorm:"type:text;not null;uniqueIndex:ux_sensor_streams_identity,priority:3"`
	Unit             string       `json:"unit" gorm:"type:text;not null"`
	Label            string       `json:"label" gorm:"type:text;not null"`
	Active           bool         `json:"active" gorm:"not null"`
	CreatedAt        time.Time    `json:"createdAt" gorm:"not null"`
	DeactivatedAt    *time.Time   `json:"deactivatedAt,omitempty"`
}

func (SensorStream) TableName() string { return "sensor_streams" }
