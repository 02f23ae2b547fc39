package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// IngestionSession tracks one continuous delivery period for a
// (site, equipment, protocol) triple. At most one session per triple is open.
type IngestionSession struct {
	ID           snowflake.ID `json:"id" gorm:"primaryKey;autoIncrement:false"`
	SiteID       string       `json:"siteId" gorm:"type:text;not null;uniqueIndex:ux_ingestion_sessions_open,priority:1,where:status = 'open'"`
	EquipmentID  string       `json:"equipmentId" gorm:"type:text;not null;uniqueIndex:ux_ingestion_sessions_open,priority:2"`
	Protocol     string       `json:"protocol" gorm:"type:text;not null;uniqueIndex:ux_ingestion_sessions_open,priority:3"`
	Status       string       `json:"status" gorm:"type:text;not null;index:ix_ingestion_sessions_last_seen,priority:1"`
	OpenedAt     time.Time    `json:"openedAt" gorm:"not null"`
	LastSeenAt   time.Time    `json:"lastSeenAt" gorm:"not null;index:ix_ingestion_sessions_last_seen,priority:2"`
	ClosedAt     *time.Time   `json:"closedAt,omitempty"`
	BatchCount   int64        `json:"batchCount" gorm:"not null;default:0"`
	ReadingCount int64        `json:"readingCount" gorm:"not null;default:0"`
}

func (IngestionSession) TableName() string { return "ingestion_sessions" }
