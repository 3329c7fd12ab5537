package mqtt

import (
	"fmt"
	"testing"
	"time"

	"github.com/smart-guard/pulseone/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings() *config.FailoverSettings {
	return &config.FailoverSettings{
		InitialDelayMs:          100,
		Multiplier:              2,
		MaxDelayMs:              1000,
		MaxAttempts:             -1,
		ProbeFailureThreshold:   3,
		PublishFailureThreshold: 3,
		RebalanceThresholdPct:   30,
		LoadBalance:             "round-robin",
	}
}

func testManager(refs ...config.BrokerRef) *Manager {
	return NewManager(refs, testSettings())
}

func TestSelectLowestPriorityWins(t *testing.T) {
	m := testManager(
		config.BrokerRef{URL: "tcp://a:1883", Name: "A", Priority: 0, Weight: 1},
		config.BrokerRef{URL: "tcp://b:1883", Name: "B", Priority: 1, Weight: 1},
	)
	b := m.Select("")
	require.NotNil(t, b)
	assert.Equal(t, "A", b.Name)

	// excluding the primary falls through to the next priority
	b = m.Select("A")
	require.NotNil(t, b)
	assert.Equal(t, "B", b.Name)
}

func TestSelectTieBreaksBySuccessRateThenLatency(t *testing.T) {
	m := testManager(
		config.BrokerRef{URL: "tcp://a:1883", Name: "A", Priority: 1, Weight: 1},
		config.BrokerRef{URL: "tcp://b:1883", Name: "B", Priority: 1, Weight: 1},
	)
	// B has the better record
	m.RecordResult("A", true, 10*time.Millisecond)
	m.RecordResult("A", false, 0)
	m.RecordResult("B", true, 10*time.Millisecond)
	assert.Equal(t, "B", m.Select("").Name)

	// equal success rate: lowest average response wins
	m2 := testManager(
		config.BrokerRef{URL: "tcp://a:1883", Name: "A", Priority: 1, Weight: 1},
		config.BrokerRef{URL: "tcp://b:1883", Name: "B", Priority: 1, Weight: 1},
	)
	m2.RecordResult("A", true, 50*time.Millisecond)
	m2.RecordResult("B", true, 5*time.Millisecond)
	assert.Equal(t, "B", m2.Select("").Name)
}

func TestSelectSkipsUnavailableBrokers(t *testing.T) {
	m := testManager(
		config.BrokerRef{URL: "tcp://a:1883", Name: "A", Priority: 0, Weight: 1},
		config.BrokerRef{URL: "tcp://b:1883", Name: "B", Priority: 1, Weight: 1},
	)
	for i := 0; i < 3; i++ {
		m.RecordResult("A", false, 0)
	}
	assert.Equal(t, "B", m.Select("").Name)

	// a single success restores availability
	m.RecordResult("A", true, time.Millisecond)
	assert.Equal(t, "A", m.Select("").Name)
}

func TestBackoffDelaySchedule(t *testing.T) {
	m := testManager(config.BrokerRef{URL: "tcp://a:1883", Name: "A", Weight: 1})
	assert.Equal(t, 100*time.Millisecond, m.Delay(1))
	assert.Equal(t, 200*time.Millisecond, m.Delay(2))
	assert.Equal(t, 400*time.Millisecond, m.Delay(3))
	assert.Equal(t, 800*time.Millisecond, m.Delay(4))
	// capped at max
	assert.Equal(t, 1000*time.Millisecond, m.Delay(5))
	assert.Equal(t, 1000*time.Millisecond, m.Delay(50))
}

func TestBackoffJitterStaysWithinBounds(t *testing.T) {
	cfg := testSettings()
	cfg.Jitter = true
	m := NewManager([]config.BrokerRef{{URL: "tcp://a:1883", Name: "A", Weight: 1}}, cfg)

	base := 400 * time.Millisecond // attempt 3
	for i := 0; i < 200; i++ {
		d := m.Delay(3)
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.75))
		assert.LessOrEqual(t, d, time.Duration(float64(base)*1.25))
	}
}

func TestExhausted(t *testing.T) {
	cfg := testSettings()
	cfg.MaxAttempts = 3
	m := NewManager(nil, cfg)
	assert.False(t, m.Exhausted(3))
	assert.True(t, m.Exhausted(4))

	unbounded := testManager()
	assert.False(t, unbounded.Exhausted(1_000_000))
}

func TestEventRingEvictsFIFO(t *testing.T) {
	m := testManager(config.BrokerRef{URL: "tcp://a:1883", Name: "A", Weight: 1})
	for i := 0; i < 105; i++ {
		m.RecordFailover("A", "B", fmt.Sprintf("reason-%d", i), 1)
	}
	events := m.Events()
	require.Len(t, events, 100)
	assert.Equal(t, "reason-5", events[0].Reason)
	assert.Equal(t, "reason-104", events[99].Reason)
	assert.Equal(t, "A", events[0].From)
	assert.Equal(t, "B", events[0].To)
}

func TestPickPublishBrokerHonorsAvailability(t *testing.T) {
	m := testManager(
		config.BrokerRef{URL: "tcp://a:1883", Name: "A", Priority: 0, Weight: 1},
		config.BrokerRef{URL: "tcp://b:1883", Name: "B", Priority: 1, Weight: 1},
	)
	for i := 0; i < 3; i++ {
		m.RecordResult("A", false, 0)
	}
	for i := 0; i < 10; i++ {
		b := m.PickPublishBroker("any/topic")
		require.NotNil(t, b)
		assert.Equal(t, "B", b.Name)
	}
}
