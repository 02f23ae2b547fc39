package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/pulse/internal/cache"
	"github.com/smallbiznis/pulse/internal/clock"
	streamdomain "github.com/smallbiznis/pulse/internal/stream/domain"
	"github.com/smallbiznis/pulse/internal/units"
	"github.com/smallbiznis/pulse/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  streamdomain.Repository
	Clock clock.Clock
	Cache cache.StreamResolverCache `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  streamdomain.Repository
	genID *snowflake.Node
	clock clock.Clock
	cache cache.StreamResolverCache
}

func New(p Params) streamdomain.Service {
	resolver := p.Cache
	if resolver == nil {
		resolver = cache.NewStreamResolverCache()
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("stream.service"),
		repo:  p.Repo,
		genID: p.GenID,
		clock: p.Clock,
		cache: resolver,
	}
}

func (s *Service) Create(ctx context.Context, req streamdomain.CreateRequest) (*streamdomain.SensorStream, error) {
	siteID := strings.TrimSpace(req.SiteID)
	if siteID == "" {
		return nil, streamdomain.ErrInvalidSite
	}
	equipmentID := strings.TrimSpace(req.EquipmentID)
	if equipmentID == "" {
		return nil, streamdomain.ErrInvalidEquipment
	}
	quantity := strings.ToLower(strings.TrimSpace(req.PhysicalQuantity))
	if quantity == "" {
		return nil, streamdomain.ErrInvalidQuantity
	}
	unit, ok := units.Lookup(req.Unit)
	if !ok {
		return nil, streamdomain.ErrInvalidUnit
	}
	if dim, known := units.QuantityDimension(quantity); known && dim != unit.Dimension {
		return nil, streamdomain.ErrUnitMismatch
	}

	existing, err := s.repo.FindByIdentity(ctx, s.db, siteID, equipmentID, quantity)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, streamdomain.ErrAlreadyExists
	}

	stream := &streamdomain.SensorStream{
		ID:               s.genID.Generate(),
		SiteID:           siteID,
		EquipmentID:      equipmentID,
		PhysicalQuantity: quantity,
		Unit:             unit.Symbol,
		Label:            strings.TrimSpace(req.Label),
		Active:           true,
		CreatedAt:        s.clock.Now(),
	}
	if err := s.repo.Insert(ctx, s.db, stream); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, streamdomain.ErrAlreadyExists
		}
		return nil, err
	}

	s.log.Info("stream registered",
		zap.String("stream_id", stream.ID.String()),
		zap.String("site_id", siteID),
		zap.String("equipment_id", equipmentID),
		zap.String("quantity", quantity),
	)
	return stream, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*streamdomain.SensorStream, error) {
	if cached, ok := s.cache.GetStream(id); ok {
		return &cached, nil
	}
	stream, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if stream == nil {
		return nil, streamdomain.ErrNotFound
	}
	s.cache.SetStream(*stream)
	return stream, nil
}

// Resolve returns the known streams among ids. Unknown ids are absent from
// the result.
func (s *Service) Resolve(ctx context.Context, ids []snowflake.ID) (map[snowflake.ID]streamdomain.SensorStream, error) {
	out := make(map[snowflake.ID]streamdomain.SensorStream, len(ids))
	var missing []snowflake.ID
	seen := make(map[snowflake.ID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if cached, ok := s.cache.GetStream(id); ok {
			out[id] = cached
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	streams, err := s.repo.FindByIDs(ctx, s.db, missing)
	if err != nil {
		return nil, err
	}
	for _, stream := range streams {
		out[stream.ID] = stream
		s.cache.SetStream(stream)
	}
	return out, nil
}

func (s *Service) ListBySite(ctx context.Context, siteID string) ([]streamdomain.SensorStream, error) {
	siteID = strings.TrimSpace(siteID)
	if siteID == "" {
		return nil, streamdomain.ErrInvalidSite
	}
	return s.repo.ListBySite(ctx, s.db, siteID)
}

func (s *Service) EquipmentExists(ctx context.Context, siteID, equipmentID string) (bool, error) {
	if exists, ok := s.cache.GetEquipment(siteID, equipmentID); ok {
		return exists, nil
	}
	count, err := s.repo.CountByEquipment(ctx, s.db, siteID, equipmentID)
	if err != nil {
		return false, err
	}
	s.cache.SetEquipment(siteID, equipmentID, count > 0)
	return count > 0, nil
}

func (s *Service) Deactivate(ctx context.Context, siteID string, id snowflake.ID) error {
	updated, err := s.repo.Deactivate(ctx, s.db, strings.TrimSpace(siteID), id, s.clock.Now())
	if err != nil {
		return err
	}
	s.cache.InvalidateStream(id)
	if !updated {
		return streamdomain.ErrNotFound
	}
	s.log.Info("stream deactivated", zap.String("stream_id", id.String()), zap.String("site_id", siteID))
	return nil
}
