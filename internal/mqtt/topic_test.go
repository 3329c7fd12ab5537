package mqtt

import (
	"testing"

	"github.com/smart-guard/pulseone/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicMatches(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"sensors/a/temp", "sensors/a/temp", true},
		{"sensors/a/temp", "sensors/b/temp", false},
		{"sensors/+/temp", "sensors/a/temp", true},
		{"sensors/+/temp", "sensors/a/b/temp", false},
		{"sensors/+/temp", "sensors/a/hum", false},
		{"sensors/#", "sensors/a/temp", true},
		{"sensors/#", "sensors", true}, // # also matches the parent level
		{"#", "anything/at/all", true},
		{"+/+", "a/b", true},
		{"+/+", "a", false},
		{"sensors/+", "sensors/a", true},
		{"sensors/#/temp", "sensors/a/temp", false}, // # only matches as final level
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TopicMatches(tc.filter, tc.topic),
			"filter=%s topic=%s", tc.filter, tc.topic)
	}
}

func topicPoint(id, topic, jsonPath string) *config.PointDescriptor {
	p := &config.PointDescriptor{
		ID: id, AddressString: topic, DataType: "float64",
		Access: config.AccessRead, Enabled: true, ScalingFactor: 1,
	}
	if jsonPath != "" {
		p.ProtocolParams = map[string]string{"encoding": "json", "json_path": jsonPath}
	}
	return p
}

func TestPointIndexExactAndWildcard(t *testing.T) {
	idx := newPointIndex([]*config.PointDescriptor{
		topicPoint("a", "plant/flow", ""),
		topicPoint("b", "plant/flow", "inner.value"), // same topic, second json path
		topicPoint("c", "sensors/+/temp", ""),
	})

	matched := idx.match("plant/flow")
	require.Len(t, matched, 2)

	matched = idx.match("sensors/x/temp")
	require.Len(t, matched, 1)
	assert.Equal(t, "c", matched[0].ID)

	assert.Empty(t, idx.match("nothing/here"))

	filters := idx.filters()
	assert.Len(t, filters, 2) // plant/flow + sensors/+/temp
}
