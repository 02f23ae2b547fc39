package domain

import (
	"context"
	"errors"
	"time"
)

type Service interface {
	Touch(ctx context.Context, siteID, equipmentID, protocol string, readings int) error
	ExpireIdle(ctx context.Context, idleTimeout time.Duration) (int, error)
	ListOpen(ctx context.Context, siteID string) ([]IngestionSession, error)
}

var ErrInvalidSite = errors.New("invalid_site")
