package driver

import (
	"testing"
	"time"

	"github.com/smart-guard/pulseone/internal/pulse"
	"github.com/stretchr/testify/assert"
)

func testErr() *pulse.ErrorInfo {
	return pulse.NewError(pulse.ErrProtocolError, "MQTT", "boom")
}

func TestReadWriteAccounting(t *testing.T) {
	s := NewStatistics("MODBUS")
	s.RecordRead(true, 10*time.Millisecond)
	s.RecordRead(false, 5*time.Millisecond)
	s.RecordWrite(true, 2*time.Millisecond)

	snap := s.Snapshot()
	assert.Equal(t, snap.TotalReads, snap.SuccessfulReads+snap.FailedReads)
	assert.Equal(t, uint64(2), snap.TotalReads)
	assert.Equal(t, uint64(1), snap.TotalWrites)
	assert.Equal(t, uint64(3), snap.TotalOperations)
	assert.Equal(t, uint64(2), snap.SuccessfulOperations)
}

func TestSuccessRateBounds(t *testing.T) {
	s := NewStatistics("MQTT")
	// 100 by definition when nothing ran yet
	assert.Equal(t, 100.0, s.SuccessRate())

	s.RecordRead(false, 0)
	assert.Equal(t, 0.0, s.SuccessRate())
	s.RecordRead(true, 0)
	rate := s.SuccessRate()
	assert.GreaterOrEqual(t, rate, 0.0)
	assert.LessOrEqual(t, rate, 100.0)
	assert.InDelta(t, 50.0, rate, 1e-9)
}

func TestConsecutiveFailuresResetOnSuccess(t *testing.T) {
	s := NewStatistics("BACNET")
	s.RecordRead(false, 0)
	s.RecordRead(false, 0)
	assert.Equal(t, uint64(2), s.ConsecutiveFailures())
	s.RecordWrite(true, 0)
	assert.Equal(t, uint64(0), s.ConsecutiveFailures())
}

func TestEWMAResponseTime(t *testing.T) {
	s := NewStatistics("MODBUS")
	// first sample sets the average outright
	s.RecordRead(true, 100*time.Millisecond)
	assert.InDelta(t, 100.0, s.AvgResponseMs(), 1e-6)

	// avg ← avg*0.9 + sample*0.1
	s.RecordRead(true, 200*time.Millisecond)
	assert.InDelta(t, 110.0, s.AvgResponseMs(), 1e-6)

	snap := s.Snapshot()
	assert.InDelta(t, 100.0, snap.MinResponseMs, 1e-6)
	assert.InDelta(t, 200.0, snap.MaxResponseMs, 1e-6)
	assert.InDelta(t, 110.0, float64(s.AvgResponse().Milliseconds()), 1)
}

func TestSeededCountersVisibleBeforeFirstIncrement(t *testing.T) {
	s := NewStatistics("MQTT")
	s.SeedCounters("messages_published", "unmatched_messages")
	snap := s.Snapshot()
	v, ok := snap.Counters["unmatched_messages"]
	assert.True(t, ok)
	assert.Equal(t, uint64(0), v)

	s.IncCounter("messages_published")
	assert.Equal(t, uint64(1), s.Counter("messages_published"))
}

func TestResetZeroesEverything(t *testing.T) {
	s := NewStatistics("MODBUS")
	s.SeedCounters("register_reads")
	s.RecordRead(true, time.Millisecond)
	s.IncCounter("register_reads")
	s.SetMetric("m", 1)
	s.SetStatus("st", "x")

	s.Reset()
	snap := s.Snapshot()
	assert.Equal(t, uint64(0), snap.TotalReads)
	assert.Equal(t, 100.0, snap.SuccessRate)
	assert.Equal(t, uint64(0), snap.Counters["register_reads"])
	assert.Empty(t, snap.Metrics)
	assert.Zero(t, snap.AvgResponseMs)
}

func TestStateMachineTransitions(t *testing.T) {
	c := NewCore("MODBUS")
	assert.Equal(t, StatusUninitialized, c.Status())
	c.SetStatus(StatusInitialized)
	assert.True(t, c.CompareAndSwap(StatusInitialized, StatusStarting))
	assert.False(t, c.CompareAndSwap(StatusInitialized, StatusConnected))
	c.SetStatus(StatusConnected)
	assert.True(t, c.IsConnected())
}

func TestLastErrorLifecycle(t *testing.T) {
	c := NewCore("MQTT")
	assert.True(t, c.LastError().IsSuccess())

	c.Fail(testErr())
	assert.False(t, c.LastError().IsSuccess())

	// reset_statistics must not clear last_error
	c.ResetStatistics()
	assert.False(t, c.LastError().IsSuccess())

	// a successful operation does
	c.ClearError()
	assert.True(t, c.LastError().IsSuccess())
}

func TestFatalErrorTripsErrorState(t *testing.T) {
	c := NewCore("MODBUS")
	c.SetStatus(StatusConnected)
	c.Fail(pulse.NewError(pulse.ErrInternal, "MODBUS", "bad state"))
	assert.Equal(t, StatusError, c.Status())

	c = NewCore("MODBUS")
	c.SetStatus(StatusConnected)
	c.Fail(pulse.NewError(pulse.ErrAuthFailed, "MODBUS", "denied"))
	assert.Equal(t, StatusError, c.Status())

	c = NewCore("MODBUS")
	c.SetStatus(StatusConnected)
	c.Fail(pulse.NewError(pulse.ErrConnectionTimeout, "MODBUS", "slow"))
	assert.Equal(t, StatusConnected, c.Status())
}
