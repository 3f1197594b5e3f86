package bus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatherFamilies collects all metric families from the default registry.
func gatherFamilies(t *testing.T) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, fam := range families {
		byName[fam.GetName()] = fam
	}
	return byName
}

// findMetric returns the sample for the given label set, or nil.
func findMetric(fam *dto.MetricFamily, want map[string]string) *dto.Metric {
	if fam == nil {
		return nil
	}
	for _, m := range fam.GetMetric() {
		labels := make(map[string]string, len(m.GetLabel()))
		for _, lp := range m.GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		match := true
		for k, v := range want {
			if labels[k] != v {
				match = false
				break
			}
		}
		if match {
			return m
		}
	}
	return nil
}

func TestConsumerMetrics_Registered(t *testing.T) {
	// Vec metrics only appear in Gather() once a label combination exists.
	ConsumerMessagesProcessed.WithLabelValues("test-topic", "test-group")
	ConsumerMessagesFailed.WithLabelValues("test-topic", "test-group")
	ConsumerProcessingDuration.WithLabelValues("test-topic", "test-group")
	ConsumerMessagesReceived.WithLabelValues("test-topic", "test-group")
	ConsumerMessagesDuplicate.WithLabelValues("test-topic", "test-group")
	ConsumerDLQPublished.WithLabelValues("test-topic", "test-group")

	families := gatherFamilies(t)
	for _, name := range []string{
		"bus_consumer_messages_processed_total",
		"bus_consumer_messages_failed_total",
		"bus_consumer_processing_duration_seconds",
		"bus_consumer_messages_received_total",
		"bus_consumer_messages_duplicate_total",
		"bus_consumer_dlq_published_total",
	} {
		fam, exists := families[name]
		assert.True(t, exists, "expected metric %q to be registered", name)
		if exists {
			assert.NotEmpty(t, fam.GetHelp(), "metric %q should carry a help string", name)
		}
	}
}

func TestProducerMetrics_IncrementAndCollect(t *testing.T) {
	// A unique topic keeps this test independent of ordering.
	topic := "metrics-test-producer-topic"
	labels := map[string]string{"topic": topic}

	ProducerMessagesPublished.WithLabelValues(topic).Inc()
	ProducerMessagesPublished.WithLabelValues(topic).Inc()
	ProducerPublishErrors.WithLabelValues(topic).Inc()
	ProducerPublishDuration.WithLabelValues(topic).Observe(0.05)

	families := gatherFamilies(t)

	published := findMetric(families["bus_producer_messages_published_total"], labels)
	require.NotNil(t, published)
	assert.InDelta(t, 2, published.GetCounter().GetValue(), 0.001)

	errors := findMetric(families["bus_producer_publish_errors_total"], labels)
	require.NotNil(t, errors)
	assert.InDelta(t, 1, errors.GetCounter().GetValue(), 0.001)

	duration := findMetric(families["bus_producer_publish_duration_seconds"], labels)
	require.NotNil(t, duration)
	assert.GreaterOrEqual(t, duration.GetHistogram().GetSampleCount(), uint64(1))
}

func TestConsumerMetrics_IncrementAndCollect(t *testing.T) {
	topic := "metrics-test-consumer-topic"
	group := "metrics-test-consumer-group"
	labels := map[string]string{"topic": topic, "consumer_group": group}

	ConsumerMessagesProcessed.WithLabelValues(topic, group).Inc()
	ConsumerMessagesProcessed.WithLabelValues(topic, group).Inc()
	ConsumerMessagesReceived.WithLabelValues(topic, group).Add(5)
	ConsumerMessagesDuplicate.WithLabelValues(topic, group).Inc()

	families := gatherFamilies(t)

	processed := findMetric(families["bus_consumer_messages_processed_total"], labels)
	require.NotNil(t, processed)
	assert.InDelta(t, 2, processed.GetCounter().GetValue(), 0.001)

	received := findMetric(families["bus_consumer_messages_received_total"], labels)
	require.NotNil(t, received)
	assert.InDelta(t, 5, received.GetCounter().GetValue(), 0.001)

	duplicate := findMetric(families["bus_consumer_messages_duplicate_total"], labels)
	require.NotNil(t, duplicate)
	assert.InDelta(t, 1, duplicate.GetCounter().GetValue(), 0.001)
}
