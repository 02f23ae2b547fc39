package migration

import (
	alertdomain "github.com/smallbiznis/pulse/internal/alert/domain"
	readingdomain "github.com/smallbiznis/pulse/internal/reading/domain"
	sessiondomain "github.com/smallbiznis/pulse/internal/session/domain"
	streamdomain "github.com/smallbiznis/pulse/internal/stream/domain"
	"gorm.io/gorm"
)

// AutoMigrate builds the schema from the models. Used for sqlite, where the
// postgres migrations and the logical replication publication do not apply.
func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&streamdomain.SensorStream{},
		&readingdomain.SensorReading{},
		&sessiondomain.IngestionSession{},
		&alertdomain.AlertRule{},
		&alertdomain.AlertInstance{},
	)
}
