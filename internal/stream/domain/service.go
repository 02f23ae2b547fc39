package domain

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// Service is the stream registry. Lookups are cached; ingest relies on
// Resolve being cheap on the hot path.
type Service interface {
	Create(ctx context.Context, req CreateRequest) (*SensorStream, error)
	GetByID(ctx context.Context, id snowflake.ID) (*SensorStream, error)
	Resolve(ctx context.Context, ids []snowflake.ID) (map[snowflake.ID]SensorStream, error)
	ListBySite(ctx context.Context, siteID string) ([]SensorStream, error)
	EquipmentExists(ctx context.Context, siteID, equipmentID string) (bool, error)
	Deactivate(ctx context.Context, siteID string, id snowflake.ID) error
}

type CreateRequest struct {
	SiteID           string `json:"siteId"`
	EquipmentID      string `json:"equipmentId"`
	PhysicalQuantity string `json:"physicalQuantity"`
	Unit             string `json:"unit"`
	Label            string `json:"label"`
}

var (
	ErrInvalidSite      = errors.New("invalid_site")
	ErrInvalidEquipment = errors.New("invalid_equipment")
	ErrInvalidQuantity  = errors.New("invalid_physical_quantity")
	ErrInvalidUnit      = errors.New("invalid_unit")
	ErrUnitMismatch     = errors.New("unit_quantity_mismatch")
	ErrAlreadyExists    = errors.New("stream_already_exists")
	ErrNotFound         = errors.New("stream_not_found")
	ErrInvalidID        = errors.New("invalid_stream_id")
)

func ParseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id <= 0 {
		return 0, ErrInvalidID
	}
	return id, nil
}
