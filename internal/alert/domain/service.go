package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	CreateRule(ctx context.Context, req CreateRuleRequest) (*AlertRule, error)
	ListRules(ctx context.Context, siteID string) ([]AlertRule, error)
	SetRuleActive(ctx context.Context, siteID string, ruleID snowflake.ID, active bool) error

	EvaluateRule(ctx context.Context, rule AlertRule, asOf time.Time) (EvaluationResult, error)
	Apply(ctx context.Context, rule AlertRule, result EvaluationResult, asOf time.Time) (Transition, error)
	Tick(ctx context.Context, asOf time.Time) (TickSummary, error)

	ListActiveAlerts(ctx context.Context, siteID string) ([]AlertInstance, error)
	AcknowledgeAlert(ctx context.Context, siteID string, alertID snowflake.ID, userID, note string) (bool, error)
	ResolveAlert(ctx context.Context, siteID string, alertID snowflake.ID, userID string) (bool, error)
}

// TickSummary counts what one evaluation pass did across all sites.
type TickSummary struct {
	Sites     int
	Evaluated int
	Fired     int
	Resolved  int
	Failed    int
	TimedOut  int
}

var (
	ErrInvalidSite            = errors.New("invalid_site")
	ErrInvalidName            = errors.New("invalid_name")
	ErrInvalidRuleType        = errors.New("invalid_rule_type")
	ErrInvalidWindow          = errors.New("invalid_window")
	ErrInvalidThreshold       = errors.New("invalid_threshold")
	ErrInvalidTargets         = errors.New("invalid_target_streams")
	ErrInvalidUser            = errors.New("invalid_user")
	ErrRuleNotFound           = errors.New("rule_not_found")
	ErrAlertNotFound          = errors.New("alert_not_found")
	ErrInvalidStateTransition = errors.New("invalid_state_transition")
)
