package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/smart-guard/pulseone/internal/config"
	"github.com/smart-guard/pulseone/internal/driver"
	"github.com/smart-guard/pulseone/internal/pulse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDriver serves canned values and records writes.
type fakeDriver struct {
	*driver.Core

	mu       sync.Mutex
	value    float64
	writes   []pulse.Value
	consumer driver.Consumer
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{Core: driver.NewCore("FAKE")}
}

func (f *fakeDriver) Initialize(dev *config.DeviceDescriptor, points []*config.PointDescriptor) error {
	f.SetStatus(driver.StatusInitialized)
	return nil
}

func (f *fakeDriver) Connect(ctx context.Context) error {
	f.SetStatus(driver.StatusConnected)
	return nil
}

func (f *fakeDriver) Disconnect() error {
	f.SetStatus(driver.StatusStopped)
	return nil
}

func (f *fakeDriver) SetConsumer(c driver.Consumer) { f.consumer = c }

func (f *fakeDriver) ReadValues(_ context.Context, points []*config.PointDescriptor) ([]pulse.TimestampedValue, error) {
	f.mu.Lock()
	v := f.value
	f.mu.Unlock()
	out := make([]pulse.TimestampedValue, len(points))
	for i, p := range points {
		out[i] = pulse.NewReading(p.ID, pulse.Float64Value(v), pulse.QualityGood, "fake")
	}
	f.Statistics().RecordRead(true, time.Millisecond)
	return out, nil
}

func (f *fakeDriver) WriteValue(_ context.Context, p *config.PointDescriptor, v pulse.Value) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, v)
	if fl, err := v.Float(); err == nil {
		f.value = fl
	}
	f.Statistics().RecordWrite(true, time.Millisecond)
	return nil
}

func (f *fakeDriver) setValue(v float64) {
	f.mu.Lock()
	f.value = v
	f.mu.Unlock()
}

func workerDevice() *config.DeviceDescriptor {
	return &config.DeviceDescriptor{
		ID: "dev-1", Protocol: config.ProtocolModbusTCP, Endpoint: "x:502",
		Enabled: true, PollIntervalMs: 20, TimeoutMs: 500,
		Config: config.ProtocolConfig{Modbus: &config.ModbusConfig{SlaveID: 1}},
	}
}

func workerPoint(id string) *config.PointDescriptor {
	return &config.PointDescriptor{
		ID: id, DeviceID: "dev-1", AddressNumeric: 1, DataType: "float64",
		Access: config.AccessReadWrite, Enabled: true, ScalingFactor: 1,
	}
}

func startWorker(t *testing.T, fd *fakeDriver, points []*config.PointDescriptor, consume driver.Consumer) (*Worker, context.CancelFunc) {
	t.Helper()
	w, err := New(Options{
		Device:   workerDevice(),
		Points:   points,
		Driver:   fd,
		Consumer: consume,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-w.Done():
		case <-time.After(2 * time.Second):
			t.Error("worker did not stop")
		}
	})
	return w, cancel
}

func collectValues(mu *sync.Mutex, sink *[]pulse.TimestampedValue) driver.Consumer {
	return func(tv pulse.TimestampedValue) {
		mu.Lock()
		*sink = append(*sink, tv)
		mu.Unlock()
	}
}

func TestWorkerPollsAndEmits(t *testing.T) {
	fd := newFakeDriver()
	fd.setValue(5)

	var mu sync.Mutex
	var got []pulse.TimestampedValue
	startWorker(t, fd, []*config.PointDescriptor{workerPoint("p1")}, collectValues(&mu, &got))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "p1", got[0].PointID)
	f, _ := got[0].Value.Float()
	assert.Equal(t, 5.0, f)
}

func TestWorkerDeadbandSuppression(t *testing.T) {
	fd := newFakeDriver()
	fd.setValue(10)

	p := workerPoint("p1")
	p.LogDeadband = 1.0
	p.LogIntervalMs = 60_000 // heartbeat far away

	var mu sync.Mutex
	var got []pulse.TimestampedValue
	startWorker(t, fd, []*config.PointDescriptor{p}, collectValues(&mu, &got))

	// wait for the first emission, then let several polls repeat the value
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	count := len(got)
	mu.Unlock()
	assert.Equal(t, 1, count, "unchanged value within deadband must be suppressed")

	// a move past the deadband goes out
	fd.setValue(12)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorkerWriteCommand(t *testing.T) {
	fd := newFakeDriver()
	var mu sync.Mutex
	var got []pulse.TimestampedValue
	w, _ := startWorker(t, fd, []*config.PointDescriptor{workerPoint("p1")}, collectValues(&mu, &got))

	res := make(chan error, 1)
	require.True(t, w.PushCommand(WriteCommand{PointID: "p1", Value: pulse.Float64Value(42), Result: res}))
	select {
	case err := <-res:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("write command not handled")
	}

	fd.mu.Lock()
	defer fd.mu.Unlock()
	require.Len(t, fd.writes, 1)
	f, _ := fd.writes[0].Float()
	assert.Equal(t, 42.0, f)
}

func TestWorkerUnknownPointWriteFails(t *testing.T) {
	fd := newFakeDriver()
	var mu sync.Mutex
	var got []pulse.TimestampedValue
	w, _ := startWorker(t, fd, []*config.PointDescriptor{workerPoint("p1")}, collectValues(&mu, &got))

	res := make(chan error, 1)
	require.True(t, w.PushCommand(WriteCommand{PointID: "nope", Value: pulse.Float64Value(1), Result: res}))
	select {
	case err := <-res:
		require.Error(t, err)
		assert.Equal(t, pulse.ErrInvalidParameter, err.(*pulse.ErrorInfo).Category)
	case <-time.After(2 * time.Second):
		t.Fatal("write command not handled")
	}
}

func TestWorkerPersistsToSink(t *testing.T) {
	fd := newFakeDriver()
	fd.setValue(3)

	p := workerPoint("p1")
	p.LogEnabled = true

	sink := &memorySink{}
	w, err := New(Options{
		Device:   workerDevice(),
		Points:   []*config.PointDescriptor{p},
		Driver:   fd,
		Consumer: func(pulse.TimestampedValue) {},
		Sink:     sink,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	assert.Eventually(t, func() bool { return sink.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-w.Done()
}

type memorySink struct {
	mu   sync.Mutex
	rows []pulse.TimestampedValue
}

func (m *memorySink) PersistCurrentValue(_ string, v pulse.TimestampedValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, v)
	return nil
}

func (m *memorySink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}
