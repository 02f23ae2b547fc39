package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	// Extend updates the open session for the triple and reports whether one existed.
	Extend(ctx context.Context, db *gorm.DB, siteID, equipmentID, protocol string, readings int, at time.Time) (bool, error)
	// InsertOpen inserts a new open session unless one already exists.
	InsertOpen(ctx context.Context, db *gorm.DB, session *IngestionSession) (bool, error)
	CloseIdle(ctx context.Context, db *gorm.DB, cutoff, closedAt time.Time) (int64, error)
	ListOpen(ctx context.Context, db *gorm.DB, siteID string) ([]IngestionSession, error)
}
