package changefeed

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	readingdomain "github.com/smallbiznis/pulse/internal/reading/domain"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
}

// MapReading builds a reading from a row's columns by name. Unknown columns
// are ignored. It reports false when the row has no usable stream id.
func MapReading(columns map[string]any) (readingdomain.SensorReading, bool, error) {
	var r readingdomain.SensorReading

	streamID, ok, err := asInt64(columns["stream_id"])
	if err != nil {
		return r, false, fmt.Errorf("stream_id: %w", err)
	}
	if !ok || streamID <= 0 {
		return r, false, nil
	}
	r.StreamID = snowflake.ID(streamID)

	for name, raw := range columns {
		if raw == nil {
			continue
		}
		var err error
		switch name {
		case "id":
			var id int64
			id, _, err = asInt64(raw)
			r.ID = snowflake.ID(id)
		case "site_id":
			r.SiteID = asString(raw)
		case "time":
			r.Time, err = asTime(raw)
		case "value":
			r.Value, err = asFloat(raw)
		case "unit":
			r.Unit = asString(raw)
		case "quality":
			r.Quality = readingdomain.Quality(asString(raw))
		case "source_timestamp":
			var ts time.Time
			if ts, err = asTime(raw); err == nil {
				r.SourceTimestamp = &ts
			}
		case "message_id":
			id := asString(raw)
			r.MessageID = &id
		case "metadata":
			r.Metadata, err = asMetadata(raw)
		case "protocol":
			r.Protocol = asString(raw)
		case "ingested_at":
			r.IngestedAt, err = asTime(raw)
		}
		if err != nil {
			return readingdomain.SensorReading{}, false, fmt.Errorf("%s: %w", name, err)
		}
	}
	return r, true, nil
}

func asInt64(v any) (int64, bool, error) {
	switch x := v.(type) {
	case nil:
		return 0, false, nil
	case int64:
		return x, true, nil
	case int32:
		return int64(x), true, nil
	case int:
		return int64(x), true, nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, false, fmt.Errorf("value %d overflows int64", x)
		}
		return int64(x), true, nil
	case float64:
		return int64(x), true, nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false, nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, false, err
		}
		return n, true, nil
	default:
		return 0, false, fmt.Errorf("unsupported type %T", v)
	}
}

func asFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(v)
	}
}

func asTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable time %q", s)
	default:
		return time.Time{}, fmt.Errorf("unsupported type %T", v)
	}
}

func asMetadata(v any) (readingdomain.Metadata, error) {
	var data []byte
	switch x := v.(type) {
	case string:
		data = []byte(x)
	case []byte:
		data = x
	default:
		encoded, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		data = encoded
	}
	var md readingdomain.Metadata
	if err := md.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return md, nil
}
