package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/pulse/internal/clock"
	"github.com/smallbiznis/pulse/internal/config"
	"github.com/smallbiznis/pulse/internal/observability/logger"
	"github.com/smallbiznis/pulse/internal/observability/metrics"
	readingdomain "github.com/smallbiznis/pulse/internal/reading/domain"
	sessiondomain "github.com/smallbiznis/pulse/internal/session/domain"
	streamdomain "github.com/smallbiznis/pulse/internal/stream/domain"
	"github.com/smallbiznis/pulse/internal/units"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultQueryLimit = 1000
	maxQueryLimit     = 10000
	defaultMaxBatch   = 1000
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       readingdomain.Repository
	Streams    streamdomain.Service
	Clock      clock.Clock
	Runtime    *config.RuntimeHolder
	Cfg        config.Config                `optional:"true"`
	Sessions   sessiondomain.Service        `optional:"true"`
	Authorizer readingdomain.SiteAuthorizer `optional:"true"`
	Metrics    *metrics.Metrics             `optional:"true"`
	Pipeline   *metrics.PipelineMetrics     `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       readingdomain.Repository
	streams    streamdomain.Service
	clock      clock.Clock
	runtime    *config.RuntimeHolder
	sessions   sessiondomain.Service
	authorizer readingdomain.SiteAuthorizer
	metrics    *metrics.Metrics
	pipeline   *metrics.PipelineMetrics
	maxBatch   int

	stampMu   sync.Mutex
	lastStamp time.Time
}

func New(p Params) readingdomain.Service {
	authorizer := p.Authorizer
	if authorizer == nil {
		authorizer = AllowAllSites{}
	}
	maxBatch := p.Cfg.Ingestion.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatch
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("reading.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		streams:    p.Streams,
		clock:      p.Clock,
		runtime:    p.Runtime,
		sessions:   p.Sessions,
		authorizer: authorizer,
		metrics:    p.Metrics,
		pipeline:   p.Pipeline,
		maxBatch:   maxBatch,
	}
}

// AllowAllSites is the default SiteAuthorizer.
type AllowAllSites struct{}

func (AllowAllSites) AuthorizeSite(context.Context, string) error { return nil }

func (s *Service) IngestBatch(ctx context.Context, req readingdomain.IngestBatchRequest) (readingdomain.IngestResult, error) {
	started := time.Now()
	protocol := strings.ToLower(strings.TrimSpace(req.Protocol))
	if protocol == "" {
		protocol = readingdomain.ProtocolHTTP
	}

	result, err := s.ingest(ctx, protocol, req)
	s.metrics.ObserveIngestLatency(ctx, protocol, time.Since(started))
	if err != nil {
		s.pipeline.IncBatchError(protocol, batchErrorReason(err))
		logger.WithContext(ctx, s.log).Warn("ingest batch failed",
			zap.String("site_id", req.SiteID),
			zap.String("equipment_id", req.EquipmentID),
			zap.String("protocol", protocol),
			zap.Int("readings", len(req.Readings)),
			zap.Error(err),
		)
		return readingdomain.IngestResult{}, err
	}

	s.pipeline.AddIngested(protocol, metrics.OutcomeAccepted, result.Accepted)
	s.pipeline.AddIngested(protocol, metrics.OutcomeRejected, result.Rejected)
	s.pipeline.AddIngested(protocol, metrics.OutcomeDuplicate, result.Duplicates)
	s.metrics.RecordIngest(ctx, protocol, metrics.OutcomeAccepted, result.Accepted)
	s.metrics.RecordIngest(ctx, protocol, metrics.OutcomeRejected, result.Rejected)
	s.metrics.RecordIngest(ctx, protocol, metrics.OutcomeDuplicate, result.Duplicates)
	for _, rejection := range result.RejectionReasons {
		s.pipeline.IncRejection(string(rejection.Reason))
	}

	logger.WithContext(ctx, s.log).Debug("ingest batch processed",
		zap.String("batch_id", result.BatchID),
		zap.String("site_id", req.SiteID),
		zap.String("equipment_id", req.EquipmentID),
		zap.String("protocol", protocol),
		zap.Int("accepted", result.Accepted),
		zap.Int("rejected", result.Rejected),
		zap.Int("duplicates", result.Duplicates),
	)
	return result, nil
}

func (s *Service) ingest(ctx context.Context, protocol string, req readingdomain.IngestBatchRequest) (readingdomain.IngestResult, error) {
	siteID := strings.TrimSpace(req.SiteID)
	if siteID == "" {
		return readingdomain.IngestResult{}, readingdomain.ErrInvalidSite
	}
	equipmentID := strings.TrimSpace(req.EquipmentID)
	if equipmentID == "" {
		return readingdomain.IngestResult{}, readingdomain.ErrInvalidEquipment
	}
	if len(req.Readings) == 0 {
		return readingdomain.IngestResult{}, readingdomain.ErrEmptyBatch
	}
	if len(req.Readings) > s.maxBatch {
		return readingdomain.IngestResult{}, fmt.Errorf("%w: %d readings, limit %d", readingdomain.ErrBatchTooLarge, len(req.Readings), s.maxBatch)
	}
	if err := s.authorizer.AuthorizeSite(ctx, siteID); err != nil {
		return readingdomain.IngestResult{}, fmt.Errorf("%w: %w", readingdomain.ErrUnauthorizedSite, err)
	}

	exists, err := s.streams.EquipmentExists(ctx, siteID, equipmentID)
	if err != nil {
		return readingdomain.IngestResult{}, fmt.Errorf("%w: %w", readingdomain.ErrStoreUnavailable, err)
	}
	if !exists {
		return readingdomain.IngestResult{}, readingdomain.ErrUnknownEquipment
	}

	ids := make([]snowflake.ID, len(req.Readings))
	lookup := make([]snowflake.ID, 0, len(req.Readings))
	for i, in := range req.Readings {
		id, err := streamdomain.ParseID(string(in.StreamID))
		if err != nil {
			continue
		}
		ids[i] = id
		lookup = append(lookup, id)
	}
	streams, err := s.streams.Resolve(ctx, lookup)
	if err != nil {
		return readingdomain.IngestResult{}, fmt.Errorf("%w: %w", readingdomain.ErrStoreUnavailable, err)
	}

	now := s.clock.Now()
	rc := s.runtimeConfig()

	result := readingdomain.IngestResult{
		BatchID:          ulid.Make().String(),
		RejectionReasons: []readingdomain.Rejection{},
	}
	accepted := make([]readingdomain.SensorReading, 0, len(req.Readings))
	for i, in := range req.Readings {
		var stream streamdomain.SensorStream
		var ok bool
		if ids[i] != 0 {
			stream, ok = streams[ids[i]]
		}
		reading, rejection := normalize(in, ids[i], stream, ok, siteID, equipmentID, now, rc)
		if rejection != nil {
			rejection.Index = i
			rejection.StreamID = string(in.StreamID)
			if in.MessageID != nil {
				rejection.MessageID = *in.MessageID
			}
			result.RejectionReasons = append(result.RejectionReasons, *rejection)
			continue
		}
		reading.ID = s.genID.Generate()
		reading.SiteID = siteID
		reading.Protocol = protocol
		accepted = append(accepted, reading)
	}
	result.Rejected = len(result.RejectionReasons)

	// Stamp as late as possible so the insert commits soon after.
	stamp := s.nextStamp(s.clock.Now())
	for i := range accepted {
		accepted[i].IngestedAt = stamp
	}

	inserted, err := s.repo.InsertIgnoreDuplicates(ctx, s.db, accepted)
	if err != nil {
		return readingdomain.IngestResult{}, fmt.Errorf("%w: %w", readingdomain.ErrStoreUnavailable, err)
	}
	result.Accepted = int(inserted)
	result.Duplicates = len(accepted) - result.Accepted

	if s.sessions != nil {
		if err := s.sessions.Touch(ctx, siteID, equipmentID, protocol, len(req.Readings)); err != nil {
			logger.WithContext(ctx, s.log).Warn("failed to touch ingestion session",
				zap.String("site_id", siteID),
				zap.String("equipment_id", equipmentID),
				zap.Error(err),
			)
		}
	}
	return result, nil
}

// normalize validates one reading in a fixed order and converts its value to
// the stream's declared unit.
func normalize(
	in readingdomain.ReadingInput,
	streamID snowflake.ID,
	stream streamdomain.SensorStream,
	found bool,
	siteID, equipmentID string,
	now time.Time,
	rc config.RuntimeConfig,
) (readingdomain.SensorReading, *readingdomain.Rejection) {
	reject := func(reason readingdomain.RejectionReason, detail string) (readingdomain.SensorReading, *readingdomain.Rejection) {
		return readingdomain.SensorReading{}, &readingdomain.Rejection{Reason: reason, Detail: detail}
	}

	if streamID == 0 {
		return reject(readingdomain.RejectInvalidStream, "streamId must be a positive integer")
	}
	if !found {
		return reject(readingdomain.RejectUnknownStream, "")
	}
	if stream.SiteID != siteID || stream.EquipmentID != equipmentID {
		return reject(readingdomain.RejectStreamSiteMismatch, fmt.Sprintf("stream belongs to %s/%s", stream.SiteID, stream.EquipmentID))
	}
	if !stream.Active {
		return reject(readingdomain.RejectStreamInactive, "")
	}
	if in.Value == nil {
		return reject(readingdomain.RejectMissingValue, "")
	}
	value := *in.Value
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return reject(readingdomain.RejectNonFiniteValue, "")
	}
	if in.Timestamp == nil || in.Timestamp.IsZero() {
		return reject(readingdomain.RejectMissingTimestamp, "")
	}
	ts := in.Timestamp.UTC()
	if rc.ForwardSkew > 0 && ts.After(now.Add(rc.ForwardSkew)) {
		return reject(readingdomain.RejectFutureTimestamp, fmt.Sprintf("timestamp is more than %s ahead", rc.ForwardSkew))
	}
	if rc.RetentionHorizon > 0 && ts.Before(now.Add(-rc.RetentionHorizon)) {
		return reject(readingdomain.RejectTooOld, fmt.Sprintf("timestamp is older than %s", rc.RetentionHorizon))
	}

	if strings.TrimSpace(in.Unit) != "" {
		converted, err := units.Convert(value, in.Unit, stream.Unit)
		if err != nil {
			return reject(readingdomain.RejectUnitMismatch, err.Error())
		}
		value = converted
	}

	quality, ok := readingdomain.ParseQuality(in.QualityCode)
	if !ok {
		return reject(readingdomain.RejectInvalidQuality, fmt.Sprintf("unknown quality %q", in.QualityCode))
	}

	reading := readingdomain.SensorReading{
		StreamID: streamID,
		Time:     ts,
		Value:    value,
		Unit:     stream.Unit,
		Quality:  quality,
		Metadata: in.Metadata,
	}
	if in.SourceTimestamp != nil && !in.SourceTimestamp.IsZero() {
		src := in.SourceTimestamp.UTC()
		reading.SourceTimestamp = &src
	}
	if in.MessageID != nil {
		if id := strings.TrimSpace(*in.MessageID); id != "" {
			reading.MessageID = &id
		}
	}
	return reading, nil
}

// nextStamp returns an ingestion time strictly after every earlier stamp
// issued by this process.
func (s *Service) nextStamp(now time.Time) time.Time {
	s.stampMu.Lock()
	defer s.stampMu.Unlock()

	stamp := now.UTC().Truncate(time.Microsecond)
	if !stamp.After(s.lastStamp) {
		stamp = s.lastStamp.Add(time.Microsecond)
	}
	s.lastStamp = stamp
	return stamp
}

func (s *Service) runtimeConfig() config.RuntimeConfig {
	if s.runtime == nil {
		return config.RuntimeConfig{ForwardSkew: 5 * time.Minute, RetentionHorizon: 7 * 24 * time.Hour}
	}
	return s.runtime.Get()
}

func (s *Service) GetReadingsSince(ctx context.Context, since time.Time, limit int) ([]readingdomain.SensorReading, error) {
	limit, err := clampLimit(limit)
	if err != nil {
		return nil, err
	}
	return s.repo.ListSince(ctx, s.db, since.UTC(), limit)
}

func (s *Service) GetReadings(ctx context.Context, streamID snowflake.ID, start, end time.Time, limit int) ([]readingdomain.SensorReading, error) {
	if streamID <= 0 {
		return nil, streamdomain.ErrInvalidID
	}
	if !start.Before(end) {
		return nil, readingdomain.ErrInvalidRange
	}
	limit, err := clampLimit(limit)
	if err != nil {
		return nil, err
	}
	return s.repo.ListRange(ctx, s.db, streamID, start.UTC(), end.UTC(), limit)
}

func (s *Service) ReadingsInWindow(ctx context.Context, streamIDs []snowflake.ID, start, end time.Time) ([]readingdomain.SensorReading, error) {
	if !start.Before(end) {
		return nil, readingdomain.ErrInvalidRange
	}
	return s.repo.ListWindow(ctx, s.db, streamIDs, start.UTC(), end.UTC())
}

func (s *Service) ListIngestedAfter(ctx context.Context, cursor readingdomain.IngestCursor, until time.Time, limit int) ([]readingdomain.SensorReading, error) {
	limit, err := clampLimit(limit)
	if err != nil {
		return nil, err
	}
	cursor.IngestedAt = cursor.IngestedAt.UTC()
	return s.repo.ListIngestedAfter(ctx, s.db, cursor, until.UTC(), limit)
}

func clampLimit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, readingdomain.ErrInvalidLimit
	case limit == 0:
		return defaultQueryLimit, nil
	case limit > maxQueryLimit:
		return maxQueryLimit, nil
	default:
		return limit, nil
	}
}

func batchErrorReason(err error) string {
	for _, candidate := range []error{
		readingdomain.ErrInvalidSite,
		readingdomain.ErrInvalidEquipment,
		readingdomain.ErrEmptyBatch,
		readingdomain.ErrBatchTooLarge,
		readingdomain.ErrUnauthorizedSite,
		readingdomain.ErrUnknownEquipment,
		readingdomain.ErrStoreUnavailable,
	} {
		if errors.Is(err, candidate) {
			return candidate.Error()
		}
	}
	return metrics.ClassifyError(err)
}
