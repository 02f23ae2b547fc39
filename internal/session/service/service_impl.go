package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/pulse/internal/clock"
	"github.com/smallbiznis/pulse/internal/observability/metrics"
	sessiondomain "github.com/smallbiznis/pulse/internal/session/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Repo    sessiondomain.Repository
	Clock   clock.Clock
	Metrics *metrics.PipelineMetrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	repo    sessiondomain.Repository
	clock   clock.Clock
	metrics *metrics.PipelineMetrics
}

func New(p Params) sessiondomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("session.service"),
		genID:   p.GenID,
		repo:    p.Repo,
		clock:   p.Clock,
		metrics: p.Metrics,
	}
}

// Touch opens a session for the triple or extends the open one.
func (s *Service) Touch(ctx context.Context, siteID, equipmentID, protocol string, readings int) error {
	now := s.clock.Now()
	extended, err := s.repo.Extend(ctx, s.db, siteID, equipmentID, protocol, readings, now)
	if err != nil || extended {
		return err
	}

	inserted, err := s.repo.InsertOpen(ctx, s.db, &sessiondomain.IngestionSession{
		ID:           s.genID.Generate(),
		SiteID:       siteID,
		EquipmentID:  equipmentID,
		Protocol:     protocol,
		OpenedAt:     now,
		LastSeenAt:   now,
		BatchCount:   1,
		ReadingCount: int64(readings),
	})
	if err != nil {
		return err
	}
	if inserted {
		s.log.Debug("ingestion session opened",
			zap.String("site_id", siteID),
			zap.String("equipment_id", equipmentID),
			zap.String("protocol", protocol),
		)
		return nil
	}

	// Lost the race to a concurrent opener.
	_, err = s.repo.Extend(ctx, s.db, siteID, equipmentID, protocol, readings, now)
	return err
}

func (s *Service) ExpireIdle(ctx context.Context, idleTimeout time.Duration) (int, error) {
	if idleTimeout <= 0 {
		return 0, nil
	}
	now := s.clock.Now()
	closed, err := s.repo.CloseIdle(ctx, s.db, now.Add(-idleTimeout), now)
	if err != nil {
		return 0, err
	}
	if closed > 0 {
		s.metrics.AddSessionsExpired(int(closed))
		s.log.Info("ingestion sessions expired", zap.Int64("count", closed))
	}
	return int(closed), nil
}

func (s *Service) ListOpen(ctx context.Context, siteID string) ([]sessiondomain.IngestionSession, error) {
	siteID = strings.TrimSpace(siteID)
	if siteID == "" {
		return nil, sessiondomain.ErrInvalidSite
	}
	return s.repo.ListOpen(ctx, s.db, siteID)
}
