package mqtt

import (
	"errors"
	"strings"
)

// DefaultTopicFilter matches both single and batch telemetry topics.
const DefaultTopicFilter = "site/+/equipment/+/telemetry/#"

var ErrInvalidTopic = errors.New("invalid_topic")

// Topic is a parsed site/{siteId}/equipment/{equipmentId}/telemetry[/batch].
type Topic struct {
	SiteID      string
	EquipmentID string
	Batch       bool
}

func ParseTopic(topic string) (Topic, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 && len(parts) != 6 {
		return Topic{}, ErrInvalidTopic
	}
	if parts[0] != "site" || parts[2] != "equipment" || parts[4] != "telemetry" {
		return Topic{}, ErrInvalidTopic
	}
	site, equipment := strings.TrimSpace(parts[1]), strings.TrimSpace(parts[3])
	if site == "" || equipment == "" || strings.ContainsAny(site+equipment, "+#") {
		return Topic{}, ErrInvalidTopic
	}

	t := Topic{SiteID: site, EquipmentID: equipment}
	if len(parts) == 6 {
		if parts[5] != "batch" {
			return Topic{}, ErrInvalidTopic
		}
		t.Batch = true
	}
	return t, nil
}

func (t Topic) String() string {
	s := "site/" + t.SiteID + "/equipment/" + t.EquipmentID + "/telemetry"
	if t.Batch {
		s += "/batch"
	}
	return s
}
