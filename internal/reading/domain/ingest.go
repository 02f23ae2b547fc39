package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// StreamRef is a stream id as sent by devices, either a JSON string or number.
type StreamRef string

func (r *StreamRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = StreamRef(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.New("streamId must be a string or integer")
	}
	*r = StreamRef(n.String())
	return nil
}

// ReadingInput is one reading as submitted by a transport.
type ReadingInput struct {
	StreamID        StreamRef  `json:"streamId"`
	Timestamp       *time.Time `json:"timestamp"`
	Value           *float64   `json:"value"`
	Unit            string     `json:"unit"`
	QualityCode     string     `json:"qualityCode"`
	SourceTimestamp *time.Time `json:"sourceTimestamp,omitempty"`
	MessageID       *string    `json:"messageId,omitempty"`
	Metadata        Metadata   `json:"metadata,omitempty"`
}

const (
	ProtocolHTTP  = "http"
	ProtocolMQTT  = "mqtt"
	ProtocolKafka = "kafka"
)

// IngestBatchRequest is one delivery from a single (site, equipment) pair.
type IngestBatchRequest struct {
	SiteID      string
	EquipmentID string
	Protocol    string
	Readings    []ReadingInput
}

type RejectionReason string

const (
	RejectInvalidStream      RejectionReason = "invalid_stream_id"
	RejectUnknownStream      RejectionReason = "unknown_stream"
	RejectStreamSiteMismatch RejectionReason = "stream_site_mismatch"
	RejectStreamInactive     RejectionReason = "stream_inactive"
	RejectMissingValue       RejectionReason = "missing_value"
	RejectNonFiniteValue     RejectionReason = "non_finite_value"
	RejectMissingTimestamp   RejectionReason = "missing_timestamp"
	RejectFutureTimestamp    RejectionReason = "future_timestamp"
	RejectTooOld             RejectionReason = "too_old"
	RejectUnitMismatch       RejectionReason = "unit_mismatch"
	RejectInvalidQuality     RejectionReason = "invalid_quality"
)

// Rejection explains why one reading of a batch was not persisted.
type Rejection struct {
	Index     int             `json:"index"`
	StreamID  string          `json:"streamId,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Reason    RejectionReason `json:"reason"`
	Detail    string          `json:"detail,omitempty"`
}

// IngestResult summarises a batch. Accepted + Rejected + Duplicates equals
// the number of submitted readings.
type IngestResult struct {
	BatchID          string      `json:"batchId"`
	Accepted         int         `json:"accepted"`
	Rejected         int         `json:"rejected"`
	Duplicates       int         `json:"duplicates"`
	RejectionReasons []Rejection `json:"rejectionReasons"`
}

// ParsePayload decodes a single reading object, an array of readings, or an
// object wrapping them in a "readings" field.
func ParsePayload(data []byte) ([]ReadingInput, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrEmptyBatch
	}
	switch data[0] {
	case '[':
		var readings []ReadingInput
		if err := json.Unmarshal(data, &readings); err != nil {
			return nil, errors.Join(ErrMalformedPayload, err)
		}
		return readings, nil
	case '{':
		var probe struct {
			Readings json.RawMessage `json:"readings"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			return nil, errors.Join(ErrMalformedPayload, err)
		}
		if len(probe.Readings) > 0 {
			var readings []ReadingInput
			if err := json.Unmarshal(probe.Readings, &readings); err != nil {
				return nil, errors.Join(ErrMalformedPayload, err)
			}
			return readings, nil
		}
		var single ReadingInput
		if err := json.Unmarshal(data, &single); err != nil {
			return nil, errors.Join(ErrMalformedPayload, err)
		}
		return []ReadingInput{single}, nil
	default:
		return nil, ErrMalformedPayload
	}
}
