package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	streamdomain "github.com/smallbiznis/pulse/internal/stream/domain"
	"gorm.io/gorm"
)

const streamColumns = `id, site_id, equipment_id, physical_quantity, unit, label, active, created_at, deactivated_at`

type repo struct{}

func Provide() streamdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, s *streamdomain.SensorStream) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO sensor_streams (`+streamColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID,
		s.SiteID,
		s.EquipmentID,
		s.PhysicalQuantity,
		s.Unit,
		s.Label,
		s.Active,
		s.CreatedAt,
		s.DeactivatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*streamdomain.SensorStream, error) {
	var stream streamdomain.SensorStream
	err := db.WithContext(ctx).Raw(
		`SELECT `+streamColumns+` FROM sensor_streams WHERE id = ?`,
		id,
	).Scan(&stream).Error
	if err != nil {
		return nil, err
	}
	if stream.ID == 0 {
		return nil, nil
	}
	return &stream, nil
}

func (r *repo) FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]streamdomain.SensorStream, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var streams []streamdomain.SensorStream
	err := db.WithContext(ctx).Raw(
		`SELECT `+streamColumns+` FROM sensor_streams WHERE id IN ?`,
		ids,
	).Scan(&streams).Error
	if err != nil {
		return nil, err
	}
	return streams, nil
}

func (r *repo) FindByIdentity(ctx context.Context, db *gorm.DB, siteID, equipmentID, quantity string) (*streamdomain.SensorStream, error) {
	var stream streamdomain.SensorStream
	err := db.WithContext(ctx).Raw(
		`SELECT `+streamColumns+` FROM sensor_streams
		 WHERE site_id = ? AND equipment_id = ? AND physical_quantity = ?`,
		siteID,
		equipmentID,
		quantity,
	).Scan(&stream).Error
	if err != nil {
		return nil, err
	}
	if stream.ID == 0 {
		return nil, nil
	}
	return &stream, nil
}

func (r *repo) ListBySite(ctx context.Context, db *gorm.DB, siteID string) ([]streamdomain.SensorStream, error) {
	var streams []streamdomain.SensorStream
	err := db.WithContext(ctx).Raw(
		`SELECT `+streamColumns+` FROM sensor_streams
		 WHERE site_id = ? ORDER BY equipment_id ASC, physical_quantity ASC`,
		siteID,
	).Scan(&streams).Error
	if err != nil {
		return nil, err
	}
	return streams, nil
}

func (r *repo) CountByEquipment(ctx context.Context, db *gorm.DB, siteID, equipmentID string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM sensor_streams WHERE site_id = ? AND equipment_id = ?`,
		siteID,
		equipmentID,
	).Scan(&count).Error
	return count, err
}

func (r *repo) Deactivate(ctx context.Context, db *gorm.DB, siteID string, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE sensor_streams SET active = ?, deactivated_at = ?
		 WHERE site_id = ? AND id = ? AND active = ?`,
		false,
		at,
		siteID,
		id,
		true,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
