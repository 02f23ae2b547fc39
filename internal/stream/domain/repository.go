package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, stream *SensorStream) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*SensorStream, error)
	FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]SensorStream, error)
	FindByIdentity(ctx context.Context, db *gorm.DB, siteID, equipmentID, quantity string) (*SensorStream, error)
	ListBySite(ctx context.Context, db *gorm.DB, siteID string) ([]SensorStream, error)
	CountByEquipment(ctx context.Context, db *gorm.DB, siteID, equipmentID string) (int64, error)
	Deactivate(ctx context.Context, db *gorm.DB, siteID string, id snowflake.ID, at time.Time) (bool, error)
}
