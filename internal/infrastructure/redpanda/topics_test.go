package redpanda

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicConfigs(t *testing.T) {
	events := LedgerTopics[0]
	require.Equal(t, TopicPrescriptionEvents, events.Name)

	cfg := events.configs()
	require.Contains(t, cfg, "retention.ms")
	assert.Equal(t, "2592000000", *cfg["retention.ms"])
	assert.Equal(t, "lz4", *cfg["compression.type"])
	assert.Equal(t, "delete", *cfg["cleanup.policy"])

	bare := Topic{Name: "scratch", Partitions: 1, Replicas: 1}.configs()
	assert.NotContains(t, bare, "retention.ms")
	assert.NotContains(t, bare, "compression.type")
}
