package metrics

import (
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("site_id", "site-1"),
		attribute.String("stream_id", "123"),
		attribute.String("protocol", "mqtt"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "stream_id" {
			t.Fatalf("stream_id must not be exported as a label")
		}
	}
}
