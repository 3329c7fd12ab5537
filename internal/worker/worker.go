package worker

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/smart-guard/pulseone/internal/config"
	"github.com/smart-guard/pulseone/internal/driver"
	"github.com/smart-guard/pulseone/internal/logging"
	"github.com/smart-guard/pulseone/internal/pulse"
)

// ZeroSignal is a zero-size "just-a-signal" type.
type ZeroSignal struct{}

// Zero is the canonical value to send on signal channels.
var Zero ZeroSignal

// WriteCommand asks the worker to write one point. Result, when
// non-nil, receives the outcome; commands are never dropped silently,
// a full queue is reported to the pusher.
type WriteCommand struct {
	PointID string
	Value   pulse.Value
	Result  chan error
}

// Options wires one worker to its device.
type Options struct {
	Device   *config.DeviceDescriptor
	Points   []*config.PointDescriptor
	Driver   driver.Driver
	Consumer driver.Consumer  // downstream stream, required
	Sink     config.ValueSink // optional persistence hook

	CommandBuffer int // write queue depth, default 16
}

// Worker owns exactly one driver bound to one device: it runs the poll
// cadence, fans produced values to the consumer and sink with
// deadband/heartbeat suppression, and serializes write commands.
type Worker struct {
	dev    *config.DeviceDescriptor
	points []*config.PointDescriptor
	drv    driver.Driver

	consumer driver.Consumer
	sink     config.ValueSink

	cmdCh  chan WriteCommand
	pollCh chan ZeroSignal

	mu       sync.Mutex
	lastSent map[string]pulse.TimestampedValue

	doneCh chan struct{}
}

func New(opts Options) (*Worker, error) {
	if opts.Device == nil || opts.Driver == nil {
		return nil, fmt.Errorf("worker needs a device and a driver")
	}
	if opts.Consumer == nil {
		return nil, fmt.Errorf("worker needs a consumer")
	}
	bufSize := opts.CommandBuffer
	if bufSize <= 0 {
		bufSize = 16
	}
	w := &Worker{
		dev:      opts.Device,
		points:   opts.Points,
		drv:      opts.Driver,
		consumer: opts.Consumer,
		sink:     opts.Sink,
		cmdCh:    make(chan WriteCommand, bufSize),
		pollCh:   make(chan ZeroSignal, 1),
		lastSent: make(map[string]pulse.TimestampedValue),
		doneCh:   make(chan struct{}),
	}
	return w, nil
}

// Run initializes and connects the driver, then serves the poll/write
// loop until the context ends. MQTT devices are reactive: values
// arrive through the driver's consumer and no poll requests are made.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.doneCh)

	if err := w.drv.Initialize(w.dev, w.points); err != nil {
		return err
	}
	w.drv.SetConsumer(w.emit)
	if err := w.drv.Connect(ctx); err != nil {
		if !w.dev.AutoReconnect {
			return err
		}
		logging.Warn("worker initial connect failed, driver will keep retrying",
			"device", w.dev.ID, "error", err)
	}
	defer w.drv.Disconnect()

	polling := w.dev.Protocol != config.ProtocolMQTT
	if polling {
		go w.ticker(ctx)
	}

	logging.Info("worker started", "device", w.dev.ID, "protocol", w.dev.Protocol,
		"points", len(w.points), "pollMs", w.dev.PollIntervalMs)

	for {
		select {
		case <-ctx.Done():
			logging.Info("worker ctx done", "device", w.dev.ID)
			return nil
		case cmd := <-w.cmdCh:
			w.handleCommand(ctx, cmd)
		case <-w.pollCh:
			w.pollOnce(ctx)
		}
	}
}

// ticker turns the poll interval into signals; a pending signal is
// dropped rather than queued so a slow device never builds a backlog.
func (w *Worker) ticker(ctx context.Context) {
	t := time.NewTicker(w.dev.PollInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			select {
			case w.pollCh <- Zero:
			default:
			}
		}
	}
}

// PushCommand enqueues a write without blocking; false means the queue
// is full and the caller must handle the drop.
func (w *Worker) PushCommand(cmd WriteCommand) bool {
	select {
	case w.cmdCh <- cmd:
		return true
	default:
		return false
	}
}

// Done closes when the worker loop has exited.
func (w *Worker) Done() <-chan struct{} { return w.doneCh }

func (w *Worker) Driver() driver.Driver { return w.drv }

func (w *Worker) pollOnce(ctx context.Context) {
	readable := make([]*config.PointDescriptor, 0, len(w.points))
	for _, p := range w.points {
		if p.Enabled && p.Access.CanRead() {
			readable = append(readable, p)
		}
	}
	if len(readable) == 0 {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, w.dev.Timeout()*time.Duration(w.dev.RetryCount+1))
	defer cancel()

	values, err := w.drv.ReadValues(rctx, readable)
	if err != nil {
		logging.Warn("poll failed", "device", w.dev.ID, "error", err)
	}
	for _, tv := range values {
		w.emit(tv)
	}
}

func (w *Worker) handleCommand(ctx context.Context, cmd WriteCommand) {
	var point *config.PointDescriptor
	for _, p := range w.points {
		if p.ID == cmd.PointID {
			point = p
			break
		}
	}

	var err error
	if point == nil {
		err = pulse.NewError(pulse.ErrInvalidParameter, string(w.dev.Protocol),
			fmt.Sprintf("unknown point %q", cmd.PointID))
	} else {
		wctx, cancel := context.WithTimeout(ctx, w.dev.Timeout()*time.Duration(w.dev.RetryCount+1))
		err = w.drv.WriteValue(wctx, point, cmd.Value)
		cancel()
	}
	if err != nil {
		logging.Warn("write failed", "device", w.dev.ID, "point", cmd.PointID, "error", err)
	}
	if cmd.Result != nil {
		select {
		case cmd.Result <- err:
		default:
		}
	}
}

// emit pushes one reading downstream unless deadband/heartbeat
// suppression says it carries no news.
func (w *Worker) emit(tv pulse.TimestampedValue) {
	point := w.findPoint(tv.PointID)
	if point != nil && !w.shouldEmit(point, tv) {
		return
	}

	w.mu.Lock()
	w.lastSent[tv.PointID] = tv
	w.mu.Unlock()

	w.consumer(tv)
	if w.sink != nil && point != nil && point.LogEnabled {
		if err := w.sink.PersistCurrentValue(tv.PointID, tv); err != nil {
			logging.Warn("persist failed", "device", w.dev.ID, "point", tv.PointID, "error", err)
		}
	}
}

func (w *Worker) findPoint(id string) *config.PointDescriptor {
	for _, p := range w.points {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// shouldEmit implements the change/heartbeat rule: a quality change or
// a numeric move of at least the deadband always goes out; otherwise
// the value is suppressed until the heartbeat interval has passed.
func (w *Worker) shouldEmit(p *config.PointDescriptor, tv pulse.TimestampedValue) bool {
	if p.LogDeadband <= 0 && p.LogIntervalMs <= 0 {
		return true
	}

	w.mu.Lock()
	last, seen := w.lastSent[tv.PointID]
	w.mu.Unlock()
	if !seen {
		return true
	}
	if last.Quality != tv.Quality {
		return true
	}

	changed := !last.Value.Equal(tv.Value)
	if changed && p.LogDeadband > 0 && tv.Value.Kind().IsNumeric() && last.Value.Kind().IsNumeric() {
		a, aerr := last.Value.Float()
		b, berr := tv.Value.Float()
		if aerr == nil && berr == nil {
			changed = math.Abs(b-a) >= p.LogDeadband
		}
	}
	if changed {
		return true
	}

	heartbeat := p.LogInterval()
	if heartbeat <= 0 {
		heartbeat = w.dev.PollInterval() * 10
	}
	return tv.Timestamp.Sub(last.Timestamp) >= heartbeat
}
