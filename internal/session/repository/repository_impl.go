package repository

import (
	"context"
	"time"

	sessiondomain "github.com/smallbiznis/pulse/internal/session/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() sessiondomain.Repository {
	return &repo{}
}

func (r *repo) Extend(ctx context.Context, db *gorm.DB, siteID, equipmentID, protocol string, readings int, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE ingestion_sessions
		 SET last_seen_at = ?, batch_count = batch_count + 1, reading_count = reading_count + ?
		 WHERE site_id = ? AND equipment_id = ? AND protocol = ? AND status = ?`,
		at, readings, siteID, equipmentID, protocol, sessiondomain.StatusOpen,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) InsertOpen(ctx context.Context, db *gorm.DB, s *sessiondomain.IngestionSession) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO ingestion_sessions
		 (id, site_id, equipment_id, protocol, status, opened_at, last_seen_at, closed_at, batch_count, reading_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
		 ON CONFLICT DO NOTHING`,
		s.ID,
		s.SiteID,
		s.EquipmentID,
		s.Protocol,
		sessiondomain.StatusOpen,
		s.OpenedAt,
		s.LastSeenAt,
		s.BatchCount,
		s.ReadingCount,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) CloseIdle(ctx context.Context, db *gorm.DB, cutoff, closedAt time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE ingestion_sessions
		 SET status = ?, closed_at = ?
		 WHERE status = ? AND last_seen_at < ?`,
		sessiondomain.StatusClosed, closedAt, sessiondomain.StatusOpen, cutoff,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) ListOpen(ctx context.Context, db *gorm.DB, siteID string) ([]sessiondomain.IngestionSession, error) {
	var sessions []sessiondomain.IngestionSession
	err := db.WithContext(ctx).Raw(
		`SELECT id, site_id, equipment_id, protocol, status, opened_at, last_seen_at, closed_at, batch_count, reading_count
		 FROM ingestion_sessions
		 WHERE site_id = ? AND status = ?
		 ORDER BY last_seen_at DESC`,
		siteID, sessiondomain.StatusOpen,
	).Scan(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}
