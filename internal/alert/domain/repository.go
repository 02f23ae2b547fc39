package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertRule(ctx context.Context, db *gorm.DB, rule *AlertRule) error
	ListRulesBySite(ctx context.Context, db *gorm.DB, siteID string) ([]AlertRule, error)
	ListActiveRules(ctx context.Context, db *gorm.DB) ([]AlertRule, error)
	SetRuleActive(ctx context.Context, db *gorm.DB, siteID string, ruleID snowflake.ID, active bool, at time.Time) (bool, error)

	FindOpenInstance(ctx context.Context, db *gorm.DB, ruleID snowflake.ID) (*AlertInstance, error)
	InsertInstance(ctx context.Context, db *gorm.DB, instance *AlertInstance) (bool, error)
	FindInstance(ctx context.Context, db *gorm.DB, siteID string, id snowflake.ID) (*AlertInstance, error)
	ListOpenInstances(ctx context.Context, db *gorm.DB, siteID string) ([]AlertInstance, error)
	Acknowledge(ctx context.Context, db *gorm.DB, siteID string, id snowflake.ID, userID string, note *string, at time.Time) (bool, error)
	Resolve(ctx context.Context, db *gorm.DB, siteID string, id snowflake.ID, userID string, at time.Time) (bool, error)
}
