package service

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/smallbiznis/pulse/internal/alert/domain"
	"github.com/smallbiznis/pulse/internal/clock"
	"github.com/smallbiznis/pulse/internal/config"
	obscontext "github.com/smallbiznis/pulse/internal/observability/context"
	"github.com/smallbiznis/pulse/internal/observability/logger"
	"github.com/smallbiznis/pulse/internal/observability/metrics"
	readingdomain "github.com/smallbiznis/pulse/internal/reading/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultSiteBudget         = 10 * time.Second
	defaultMaxConcurrentSites = 8
	maxWindowMinutes          = 24 * 60
)

// ReadingWindow is the slice of the reading service rule evaluation needs.
type ReadingWindow interface {
	ReadingsInWindow(ctx context.Context, streamIDs []snowflake.ID, start, end time.Time) ([]readingdomain.SensorReading, error)
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Repo     alertdomain.Repository
	Readings readingdomain.Service
	Clock    clock.Clock
	Cfg      config.Config            `optional:"true"`
	Metrics  *metrics.PipelineMetrics `optional:"true"`
	Otel     *metrics.Metrics         `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       alertdomain.Repository
	readings   ReadingWindow
	clock      clock.Clock
	metrics    *metrics.PipelineMetrics
	otel       *metrics.Metrics
	siteBudget time.Duration
	maxSites   int
}

func New(p Params) alertdomain.Service {
	budget := p.Cfg.Alerting.SiteBudget
	if budget <= 0 {
		budget = defaultSiteBudget
	}
	maxSites := p.Cfg.Alerting.MaxConcurrentSites
	if maxSites <= 0 {
		maxSites = defaultMaxConcurrentSites
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("alert.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		readings:   p.Readings,
		clock:      p.Clock,
		metrics:    p.Metrics,
		otel:       p.Otel,
		siteBudget: budget,
		maxSites:   maxSites,
	}
}

func (s *Service) CreateRule(ctx context.Context, req alertdomain.CreateRuleRequest) (*alertdomain.AlertRule, error) {
	req = req.Normalize()
	if err := validateRule(req); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	rule := &alertdomain.AlertRule{
		ID:     s.genID.Generate(),
		SiteID: req.SiteID,
		Name:   req.Name,
		Type:   req.Type,
		Config: datatypes.NewJSONType(alertdomain.RuleConfig{
			Threshold:  req.Threshold,
			MinSamples: req.MinSamples,
		}),
		TargetStreamIDs: datatypes.NewJSONSlice(dedupeIDs(req.TargetStreamIDs)),
		WindowMinutes:   req.WindowMinutes,
		Active:          true,
		CreatedBy:       req.CreatedBy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.InsertRule(ctx, s.db, rule); err != nil {
		return nil, err
	}

	logger.WithSite(logger.WithContext(ctx, s.log), rule.SiteID).Info("alert rule created",
		zap.String("rule_id", rule.ID.String()),
		zap.String("rule_type", string(rule.Type)),
		zap.Int("targets", len(rule.TargetStreamIDs)),
	)
	return rule, nil
}

func validateRule(req alertdomain.CreateRuleRequest) error {
	switch {
	case req.SiteID == "":
		return alertdomain.ErrInvalidSite
	case req.Name == "":
		return alertdomain.ErrInvalidName
	case !req.Type.Valid():
		return alertdomain.ErrInvalidRuleType
	case req.WindowMinutes <= 0 || req.WindowMinutes > maxWindowMinutes:
		return alertdomain.ErrInvalidWindow
	case math.IsNaN(req.Threshold) || math.IsInf(req.Threshold, 0):
		return alertdomain.ErrInvalidThreshold
	case req.Type == alertdomain.RuleRateOfChange && req.Threshold < 0:
		return alertdomain.ErrInvalidThreshold
	case req.MinSamples < 0:
		return alertdomain.ErrInvalidThreshold
	case len(req.TargetStreamIDs) == 0:
		return alertdomain.ErrInvalidTargets
	case req.CreatedBy == "":
		return alertdomain.ErrInvalidUser
	}
	for _, id := range req.TargetStreamIDs {
		if id <= 0 {
			return alertdomain.ErrInvalidTargets
		}
	}
	return nil
}

func dedupeIDs(ids []snowflake.ID) []snowflake.ID {
	seen := make(map[snowflake.ID]struct{}, len(ids))
	out := make([]snowflake.ID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (s *Service) ListRules(ctx context.Context, siteID string) ([]alertdomain.AlertRule, error) {
	siteID = strings.TrimSpace(siteID)
	if siteID == "" {
		return nil, alertdomain.ErrInvalidSite
	}
	return s.repo.ListRulesBySite(ctx, s.db, siteID)
}

func (s *Service) SetRuleActive(ctx context.Context, siteID string, ruleID snowflake.ID, active bool) error {
	siteID = strings.TrimSpace(siteID)
	if siteID == "" {
		return alertdomain.ErrInvalidSite
	}
	updated, err := s.repo.SetRuleActive(ctx, s.db, siteID, ruleID, active, s.clock.Now())
	if err != nil {
		return err
	}
	if !updated {
		return alertdomain.ErrRuleNotFound
	}
	return nil
}

// EvaluateRule reads the rule's window (asOf-window, asOf] and decides
// whether its condition holds. It has no side effects.
func (s *Service) EvaluateRule(ctx context.Context, rule alertdomain.AlertRule, asOf time.Time) (alertdomain.EvaluationResult, error) {
	if rule.WindowMinutes <= 0 {
		return alertdomain.EvaluationResult{}, alertdomain.ErrInvalidWindow
	}
	if len(rule.TargetStreamIDs) == 0 {
		return alertdomain.EvaluationResult{}, alertdomain.ErrInvalidTargets
	}
	if !rule.Type.Valid() {
		return alertdomain.EvaluationResult{}, alertdomain.ErrInvalidRuleType
	}

	readings, err := s.readings.ReadingsInWindow(ctx, rule.TargetStreamIDs, asOf.Add(-rule.Window()), asOf)
	if err != nil {
		return alertdomain.EvaluationResult{}, err
	}
	return evaluate(rule.Type, rule.Config.Data(), []snowflake.ID(rule.TargetStreamIDs), readings), nil
}

// evaluate expects readings ordered by time. Threshold rules pool every
// target into one mean; rate of change and staleness are judged per stream
// and the worst stream is reported.
func evaluate(ruleType alertdomain.RuleType, cfg alertdomain.RuleConfig, targets []snowflake.ID, readings []readingdomain.SensorReading) alertdomain.EvaluationResult {
	result := alertdomain.EvaluationResult{SampleCount: len(readings)}
	minSamples := cfg.MinSamples
	if minSamples < 1 {
		minSamples = 1
	}

	switch ruleType {
	case alertdomain.RuleStale:
		perStream := groupByStream(readings)
		for _, id := range dedupeIDs(targets) {
			if len(perStream[id]) == 0 {
				result.ShouldFire = true
				result.StreamID = id
				break
			}
		}
	case alertdomain.RuleThresholdAbove, alertdomain.RuleThresholdBelow:
		if len(readings) < minSamples {
			return result
		}
		var sum float64
		for _, r := range readings {
			sum += r.Value
		}
		result.ObservedValue = sum / float64(len(readings))
		if ruleType == alertdomain.RuleThresholdAbove {
			result.ShouldFire = result.ObservedValue > cfg.Threshold
		} else {
			result.ShouldFire = result.ObservedValue < cfg.Threshold
		}
	case alertdomain.RuleRateOfChange:
		if minSamples < 2 {
			minSamples = 2
		}
		perStream := groupByStream(readings)
		found := false
		for _, id := range dedupeIDs(targets) {
			series := perStream[id]
			if len(series) < minSamples {
				continue
			}
			first, last := series[0], series[len(series)-1]
			minutes := last.Time.Sub(first.Time).Minutes()
			if minutes <= 0 {
				continue
			}
			rate := math.Abs(last.Value-first.Value) / minutes
			if !found || rate > result.ObservedValue {
				found = true
				result.ObservedValue = rate
				result.StreamID = id
			}
		}
		result.ShouldFire = found && result.ObservedValue > cfg.Threshold
	}
	return result
}

// groupByStream keeps each stream's readings in their original order.
func groupByStream(readings []readingdomain.SensorReading) map[snowflake.ID][]readingdomain.SensorReading {
	out := make(map[snowflake.ID][]readingdomain.SensorReading)
	for _, r := range readings {
		out[r.StreamID] = append(out[r.StreamID], r)
	}
	return out
}

// Apply moves the rule's instance lifecycle to match an evaluation result.
func (s *Service) Apply(ctx context.Context, rule alertdomain.AlertRule, result alertdomain.EvaluationResult, asOf time.Time) (alertdomain.Transition, error) {
	open, err := s.repo.FindOpenInstance(ctx, s.db, rule.ID)
	if err != nil {
		return alertdomain.TransitionNone, err
	}

	switch {
	case result.ShouldFire && open == nil:
		now := s.clock.Now()
		inserted, err := s.repo.InsertInstance(ctx, s.db, &alertdomain.AlertInstance{
			ID:            s.genID.Generate(),
			RuleID:        rule.ID,
			SiteID:        rule.SiteID,
			Status:        alertdomain.StatusActive,
			ObservedValue: result.ObservedValue,
			FiredAt:       asOf,
			UpdatedAt:     now,
		})
		if err != nil {
			return alertdomain.TransitionNone, err
		}
		if !inserted {
			// Another evaluator opened it first.
			return alertdomain.TransitionNone, nil
		}
		s.recordTransition(ctx, rule.SiteID, alertdomain.StatusActive)
		logger.WithSite(s.log, rule.SiteID).Info("alert fired",
			zap.String("rule_id", rule.ID.String()),
			zap.String("rule_name", rule.Name),
			zap.Float64("observed_value", result.ObservedValue),
			zap.Int("samples", result.SampleCount),
		)
		return alertdomain.TransitionFired, nil

	case !result.ShouldFire && open != nil:
		resolved, err := s.repo.Resolve(ctx, s.db, rule.SiteID, open.ID, alertdomain.SystemActor, s.clock.Now())
		if err != nil {
			return alertdomain.TransitionNone, err
		}
		if !resolved {
			return alertdomain.TransitionNone, nil
		}
		s.recordTransition(ctx, rule.SiteID, alertdomain.StatusResolved)
		logger.WithSite(s.log, rule.SiteID).Info("alert cleared",
			zap.String("rule_id", rule.ID.String()),
			zap.String("alert_id", open.ID.String()),
		)
		return alertdomain.TransitionResolved, nil
	}
	return alertdomain.TransitionNone, nil
}

// Tick evaluates every active rule once. Sites run concurrently, each under
// its own budget; a failing rule is logged and skipped.
func (s *Service) Tick(ctx context.Context, asOf time.Time) (alertdomain.TickSummary, error) {
	started := time.Now()
	defer func() { s.metrics.ObserveAlertTick(time.Since(started)) }()

	rules, err := s.repo.ListActiveRules(ctx, s.db)
	if err != nil {
		return alertdomain.TickSummary{}, err
	}

	order := make([]string, 0)
	bySite := make(map[string][]alertdomain.AlertRule)
	for _, rule := range rules {
		if _, ok := bySite[rule.SiteID]; !ok {
			order = append(order, rule.SiteID)
		}
		bySite[rule.SiteID] = append(bySite[rule.SiteID], rule)
	}

	var (
		mu      sync.Mutex
		summary = alertdomain.TickSummary{Sites: len(order)}
	)
	g := new(errgroup.Group)
	g.SetLimit(s.maxSites)
	for _, siteID := range order {
		siteRules := bySite[siteID]
		g.Go(func() error {
			part := s.tickSite(ctx, siteID, siteRules, asOf)
			mu.Lock()
			summary.Evaluated += part.Evaluated
			summary.Fired += part.Fired
			summary.Resolved += part.Resolved
			summary.Failed += part.Failed
			summary.TimedOut += part.TimedOut
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return summary, ctx.Err()
}

func (s *Service) tickSite(ctx context.Context, siteID string, rules []alertdomain.AlertRule, asOf time.Time) alertdomain.TickSummary {
	siteCtx, cancel := context.WithTimeout(obscontext.WithSiteID(ctx, siteID), s.siteBudget)
	defer cancel()
	log := logger.WithContext(siteCtx, s.log)

	var summary alertdomain.TickSummary
	for i, rule := range rules {
		if err := siteCtx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				summary.TimedOut++
				s.metrics.IncAlertSiteTimeout()
				log.Warn("site evaluation budget exceeded",
					zap.Duration("budget", s.siteBudget),
					zap.Int("skipped_rules", len(rules)-i),
				)
			}
			return summary
		}

		result, err := s.EvaluateRule(siteCtx, rule, asOf)
		if err == nil {
			var transition alertdomain.Transition
			transition, err = s.Apply(siteCtx, rule, result, asOf)
			if err == nil {
				summary.Evaluated++
				switch transition {
				case alertdomain.TransitionFired:
					summary.Fired++
					s.metrics.IncAlertEvaluation("fired")
				case alertdomain.TransitionResolved:
					summary.Resolved++
					s.metrics.IncAlertEvaluation("resolved")
				default:
					s.metrics.IncAlertEvaluation("unchanged")
				}
				continue
			}
		}

		summary.Failed++
		s.metrics.IncAlertEvaluation("error")
		log.Warn("alert rule evaluation failed",
			zap.String("rule_id", rule.ID.String()),
			zap.String("reason", metrics.ClassifyError(err)),
			zap.Error(err),
		)
	}
	return summary
}

func (s *Service) ListActiveAlerts(ctx context.Context, siteID string) ([]alertdomain.AlertInstance, error) {
	siteID = strings.TrimSpace(siteID)
	if siteID == "" {
		return nil, alertdomain.ErrInvalidSite
	}
	return s.repo.ListOpenInstances(ctx, s.db, siteID)
}

// AcknowledgeAlert moves an Active instance to Acknowledged. Any other
// current status is an invalid transition.
func (s *Service) AcknowledgeAlert(ctx context.Context, siteID string, alertID snowflake.ID, userID, note string) (bool, error) {
	siteID = strings.TrimSpace(siteID)
	userID = strings.TrimSpace(userID)
	if siteID == "" {
		return false, alertdomain.ErrInvalidSite
	}
	if userID == "" {
		return false, alertdomain.ErrInvalidUser
	}

	var notePtr *string
	if trimmed := strings.TrimSpace(note); trimmed != "" {
		notePtr = &trimmed
	}
	updated, err := s.repo.Acknowledge(ctx, s.db, siteID, alertID, userID, notePtr, s.clock.Now())
	if err != nil {
		return false, err
	}
	if !updated {
		return false, s.transitionError(ctx, siteID, alertID)
	}

	s.recordTransition(ctx, siteID, alertdomain.StatusAcknowledged)
	logger.WithSite(logger.WithContext(ctx, s.log), siteID).Info("alert acknowledged",
		zap.String("alert_id", alertID.String()),
		zap.String("user_id", userID),
	)
	return true, nil
}

// ResolveAlert closes an Active or Acknowledged instance.
func (s *Service) ResolveAlert(ctx context.Context, siteID string, alertID snowflake.ID, userID string) (bool, error) {
	siteID = strings.TrimSpace(siteID)
	userID = strings.TrimSpace(userID)
	if siteID == "" {
		return false, alertdomain.ErrInvalidSite
	}
	if userID == "" {
		return false, alertdomain.ErrInvalidUser
	}

	updated, err := s.repo.Resolve(ctx, s.db, siteID, alertID, userID, s.clock.Now())
	if err != nil {
		return false, err
	}
	if !updated {
		return false, s.transitionError(ctx, siteID, alertID)
	}

	s.recordTransition(ctx, siteID, alertdomain.StatusResolved)
	logger.WithSite(logger.WithContext(ctx, s.log), siteID).Info("alert resolved",
		zap.String("alert_id", alertID.String()),
		zap.String("user_id", userID),
	)
	return true, nil
}

// transitionError distinguishes a missing instance from one in the wrong
// state after a conditional update matched nothing.
func (s *Service) transitionError(ctx context.Context, siteID string, alertID snowflake.ID) error {
	instance, err := s.repo.FindInstance(ctx, s.db, siteID, alertID)
	if err != nil {
		return err
	}
	if instance == nil {
		return alertdomain.ErrAlertNotFound
	}
	return alertdomain.ErrInvalidStateTransition
}

func (s *Service) recordTransition(ctx context.Context, siteID string, to alertdomain.Status) {
	s.metrics.IncAlertTransition(string(to))
	s.otel.RecordAlertTransition(ctx, siteID, string(to))
}
