package server

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	readingdomain "github.com/smallbiznis/pulse/internal/reading/domain"
	streamdomain "github.com/smallbiznis/pulse/internal/stream/domain"
)

const dateOnlyLayout = "2006-01-02"

func parseOptionalInt(value string) (int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, readingdomain.ErrInvalidLimit
	}
	return parsed, nil
}

func parseSnowflakeParam(value string) (snowflake.ID, error) {
	return streamdomain.ParseID(value)
}

func parseOptionalTime(value string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, trimmed); err == nil {
		parsed = parsed.UTC()
		return &parsed, nil
	}
	if parsed, err := time.Parse(dateOnlyLayout, trimmed); err == nil {
		return &parsed, nil
	}
	if seconds, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		parsed := time.Unix(seconds, 0).UTC()
		return &parsed, nil
	}
	return nil, errors.New("invalid_time")
}

func parseRequiredTime(field, value string) (time.Time, error) {
	parsed, err := parseOptionalTime(value)
	if err != nil {
		return time.Time{}, newValidationError(field, "invalid_time", "must be RFC3339, a date, or unix seconds")
	}
	if parsed == nil {
		return time.Time{}, newValidationError(field, "required", field+" is required")
	}
	return *parsed, nil
}
