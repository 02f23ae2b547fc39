package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type RuleType string

const (
	RuleThresholdAbove RuleType = "threshold_above"
	RuleThresholdBelow RuleType = "threshold_below"
	RuleRateOfChange   RuleType = "rate_of_change"
	RuleStale          RuleType = "stale"
)

func (t RuleType) Valid() bool {
	switch t {
	case RuleThresholdAbove, RuleThresholdBelow, RuleRateOfChange, RuleStale:
		return true
	}
	return false
}

type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// Open reports whether the instance still suppresses new firings of its rule.
func (s Status) Open() bool {
	return s == StatusActive || s == StatusAcknowledged
}

// RuleConfig is the type-specific part of a rule. Threshold is a per-minute
// slope for rate_of_change and unused for stale.
type RuleConfig struct {
	Threshold  float64 `json:"threshold"`
	MinSamples int     `json:"minSamples,omitempty"`
}

type AlertRule struct {
	ID              snowflake.ID                      `json:"id" gorm:"primaryKey;autoIncrement:false"`
	SiteID          string                            `json:"siteId" gorm:"type:text;not null;index:ix_alert_rules_site_active,priority:1"`
	Name            string                            `json:"name" gorm:"type:text;not null"`
	Type            RuleType                          `json:"type" gorm:"column:rule_type;type:text;not null"`
	Config          datatypes.JSONType[RuleConfig]    `json:"config" gorm:"column:config;not null"`
	TargetStreamIDs datatypes.JSONSlice[snowflake.ID] `json:"targetStreamIds" gorm:"column:target_stream_ids;not null"`
	WindowMinutes   int                               `json:"windowMinutes" gorm:"not null"`
	Active          bool                              `json:"active" gorm:"not null;index:ix_alert_rules_site_active,priority:2"`
	CreatedBy       string                            `json:"createdBy" gorm:"type:text;not null"`
	CreatedAt       time.Time                         `json:"createdAt" gorm:"not null"`
	UpdatedAt       time.Time                         `json:"updatedAt" gorm:"not null"`
}

func (AlertRule) TableName() string { return "alert_rules" }

func (r AlertRule) Window() time.Duration {
	return time.Duration(r.WindowMinutes) * time.Minute
}

// AlertInstance is one firing of a rule. At most one instance per rule is
// open at a time.
type AlertInstance struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey;autoIncrement:false"`
	RuleID         snowflake.ID `json:"ruleId" gorm:"not null;uniqueIndex:ux_alert_instances_open_rule,where:status <> 'resolved'"`
	SiteID         string       `json:"siteId" gorm:"type:text;not null;index:ix_alert_instances_site_status,priority:1"`
	Status         Status       `json:"status" gorm:"type:text;not null;index:ix_alert_instances_site_status,priority:2"`
	ObservedValue  float64      `json:"observedValue" gorm:"not null"`
	FiredAt        time.Time    `json:"firedAt" gorm:"not null"`
	AcknowledgedBy *string      `json:"acknowledgedBy,omitempty" gorm:"type:text"`
	AcknowledgedAt *time.Time   `json:"acknowledgedAt,omitempty"`
	AckNote        *string      `json:"ackNote,omitempty" gorm:"type:text"`
	ResolvedAt     *time.Time   `json:"resolvedAt,omitempty"`
	ResolvedBy     *string      `json:"resolvedBy,omitempty" gorm:"type:text"`
	UpdatedAt      time.Time    `json:"updatedAt" gorm:"not null"`
}

func (AlertInstance) TableName() string { return "alert_instances" }

// SystemActor resolves instances whose condition cleared on its own.
const SystemActor = "system"

type CreateRuleRequest struct {
	SiteID          string         `json:"siteId"`
	Name            string         `json:"name"`
	Type            RuleType       `json:"type"`
	Threshold       float64        `json:"threshold"`
	MinSamples      int            `json:"minSamples"`
	TargetStreamIDs []snowflake.ID `json:"targetStreamIds"`
	WindowMinutes   int            `json:"windowMinutes"`
	CreatedBy       string         `json:"createdBy"`
}

func (r CreateRuleRequest) Normalize() CreateRuleRequest {
	r.SiteID = strings.TrimSpace(r.SiteID)
	r.Name = strings.TrimSpace(r.Name)
	r.Type = RuleType(strings.ToLower(strings.TrimSpace(string(r.Type))))
	r.CreatedBy = strings.TrimSpace(r.CreatedBy)
	return r
}

// EvaluationResult is the outcome of evaluating one rule at one instant.
type EvaluationResult struct {
	ShouldFire    bool
	ObservedValue float64
	SampleCount   int
	// StreamID is the target that decided a per-stream rule, zero otherwise.
	StreamID      snowflake.ID
}

// Transition names the lifecycle change Apply made, if any.
type Transition string

const (
	TransitionNone     Transition = ""
	TransitionFired    Transition = "fired"
	TransitionResolved Transition = "resolved"
)
