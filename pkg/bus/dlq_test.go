package bus

import (
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestDLQTopic(t *testing.T) {
	tests := []struct {
		name          string
		originalTopic string
		want          string
	}{
		{"reservation topic", "flashsale.reservation", "flashsale.dlq.flashsale.reservation"},
		{"email topic", "flashsale.email", "flashsale.dlq.flashsale.email"},
		{"empty topic", "", "flashsale.dlq."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DLQTopic(tt.originalTopic); got != tt.want {
				t.Errorf("DLQTopic(%q) = %q, want %q", tt.originalTopic, got, tt.want)
			}
		})
	}
}

func headerValue(headers []kafka.Header, key string) (string, bool) {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value), true
		}
	}
	return "", false
}

func TestDLQHeaders(t *testing.T) {
	original := kafka.Message{
		Topic:     "flashsale.reservation",
		Partition: 2,
		Offset:    4711,
		Headers:   []kafka.Header{{Key: "traceparent", Value: []byte("00-abc-def-01")}},
	}

	headers := dlqHeaders(original, errors.New("smtp timeout"), "flashsale-reservation-mailer", 3)

	want := map[string]string{
		"traceparent":            "00-abc-def-01",
		"dlq.original_topic":     "flashsale.reservation",
		"dlq.original_partition": "2",
		"dlq.original_offset":    "4711",
		"dlq.consumer_group":     "flashsale-reservation-mailer",
		"dlq.retry_count":        "3",
		"dlq.error":              "smtp timeout",
	}
	for key, wantVal := range want {
		got, ok := headerValue(headers, key)
		if !ok {
			t.Errorf("header %q missing", key)
			continue
		}
		if got != wantVal {
			t.Errorf("header %q = %q, want %q", key, got, wantVal)
		}
	}

	if _, ok := headerValue(headers, "dlq.failed_at"); !ok {
		t.Error("header dlq.failed_at missing")
	}
}

func TestDLQHeaders_UndecodableMessage(t *testing.T) {
	original := kafka.Message{Topic: "flashsale.reservation"}

	// A message that never decoded was handed to no handler, so zero attempts.
	headers := dlqHeaders(original, errors.New("unmarshal message: unexpected end of JSON input"), "flashsale-reservation-mailer", 0)

	if got, _ := headerValue(headers, "dlq.retry_count"); got != "0" {
		t.Errorf("dlq.retry_count = %q, want %q", got, "0")
	}
}

func TestDLQHeaders_NoError(t *testing.T) {
	headers := dlqHeaders(kafka.Message{Topic: "flashsale.email"}, nil, "flashsale-email-mailer", 1)

	if _, ok := headerValue(headers, "dlq.error"); ok {
		t.Error("dlq.error header present for nil error")
	}
}
