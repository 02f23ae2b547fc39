package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/smallbiznis/pulse/internal/alert/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() alertdomain.Repository {
	return &repo{}
}

const ruleColumns = `id, site_id, name, rule_type, config, target_stream_ids, window_minutes, active, created_by, created_at, updated_at`

const instanceColumns = `id, rule_id, site_id, status, observed_value, fired_at, acknowledged_by, acknowledged_at, ack_note, resolved_at, resolved_by, updated_at`

func (r *repo) InsertRule(ctx context.Context, db *gorm.DB, rule *alertdomain.AlertRule) error {
	return db.WithContext(ctx).Create(rule).Error
}

func (r *repo) ListRulesBySite(ctx context.Context, db *gorm.DB, siteID string) ([]alertdomain.AlertRule, error) {
	var rules []alertdomain.AlertRule
	err := db.WithContext(ctx).Raw(
		`SELECT `+ruleColumns+`
		 FROM alert_rules
		 WHERE site_id = ?
		 ORDER BY created_at ASC, id ASC`,
		siteID,
	).Scan(&rules).Error
	if err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *repo) ListActiveRules(ctx context.Context, db *gorm.DB) ([]alertdomain.AlertRule, error) {
	var rules []alertdomain.AlertRule
	err := db.WithContext(ctx).Raw(
		`SELECT `+ruleColumns+`
		 FROM alert_rules
		 WHERE active = ?
		 ORDER BY site_id ASC, id ASC`,
		true,
	).Scan(&rules).Error
	if err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *repo) SetRuleActive(ctx context.Context, db *gorm.DB, siteID string, ruleID snowflake.ID, active bool, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE alert_rules SET active = ?, updated_at = ? WHERE site_id = ? AND id = ?`,
		active, at, siteID, ruleID,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindOpenInstance(ctx context.Context, db *gorm.DB, ruleID snowflake.ID) (*alertdomain.AlertInstance, error) {
	var instances []alertdomain.AlertInstance
	err := db.WithContext(ctx).Raw(
		`SELECT `+instanceColumns+`
		 FROM alert_instances
		 WHERE rule_id = ? AND status <> ?
		 LIMIT 1`,
		ruleID, alertdomain.StatusResolved,
	).Scan(&instances).Error
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, nil
	}
	return &instances[0], nil
}

// InsertInstance reports false when another open instance for the rule
// already exists.
func (r *repo) InsertInstance(ctx context.Context, db *gorm.DB, instance *alertdomain.AlertInstance) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO alert_instances (`+instanceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, NULL, NULL, NULL, ?)
		 ON CONFLICT DO NOTHING`,
		instance.ID,
		instance.RuleID,
		instance.SiteID,
		instance.Status,
		instance.ObservedValue,
		instance.FiredAt,
		instance.UpdatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindInstance(ctx context.Context, db *gorm.DB, siteID string, id snowflake.ID) (*alertdomain.AlertInstance, error) {
	var instances []alertdomain.AlertInstance
	err := db.WithContext(ctx).Raw(
		`SELECT `+instanceColumns+`
		 FROM alert_instances
		 WHERE site_id = ? AND id = ?`,
		siteID, id,
	).Scan(&instances).Error
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, nil
	}
	return &instances[0], nil
}

func (r *repo) ListOpenInstances(ctx context.Context, db *gorm.DB, siteID string) ([]alertdomain.AlertInstance, error) {
	var instances []alertdomain.AlertInstance
	err := db.WithContext(ctx).Raw(
		`SELECT `+instanceColumns+`
		 FROM alert_instances
		 WHERE site_id = ? AND status <> ?
		 ORDER BY fired_at DESC, id DESC`,
		siteID, alertdomain.StatusResolved,
	).Scan(&instances).Error
	if err != nil {
		return nil, err
	}
	return instances, nil
}

// Acknowledge only moves an active instance; the status predicate makes
// concurrent acknowledgements race-free.
func (r *repo) Acknowledge(ctx context.Context, db *gorm.DB, siteID string, id snowflake.ID, userID string, note *string, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE alert_instances
		 SET status = ?, acknowledged_by = ?, acknowledged_at = ?, ack_note = ?, updated_at = ?
		 WHERE site_id = ? AND id = ? AND status = ?`,
		alertdomain.StatusAcknowledged, userID, at, note, at,
		siteID, id, alertdomain.StatusActive,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) Resolve(ctx context.Context, db *gorm.DB, siteID string, id snowflake.ID, userID string, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE alert_instances
		 SET status = ?, resolved_by = ?, resolved_at = ?, updated_at = ?
		 WHERE site_id = ? AND id = ? AND status <> ?`,
		alertdomain.StatusResolved, userID, at, at,
		siteID, id, alertdomain.StatusResolved,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
