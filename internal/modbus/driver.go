package modbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	gomodbus "github.com/goburrow/modbus"
	"github.com/goburrow/serial"
	"github.com/smart-guard/pulseone/internal/config"
	"github.com/smart-guard/pulseone/internal/driver"
	"github.com/smart-guard/pulseone/internal/logging"
	"github.com/smart-guard/pulseone/internal/pulse"
)

var _ driver.Driver = (*Driver)(nil)

// clientHandler is satisfied by both the RTU and TCP goburrow handlers.
type clientHandler interface {
	gomodbus.ClientHandler
	Connect() error
	Close() error
}

// Driver speaks Modbus TCP or RTU to one device. A single I/O
// goroutine owns the transport and serializes every request; the
// public methods submit work and block on a reply channel with the
// device timeout.
type Driver struct {
	*driver.Core

	dev    *config.DeviceDescriptor
	points []*config.PointDescriptor
	cfg    *config.ModbusConfig
	order  wordOrder

	handler clientHandler
	client  gomodbus.Client

	consumer driver.Consumer

	reqCh    chan *ioRequest
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce *sync.Once

	// connection and backoff state, touched only by the I/O goroutine
	connOK      bool
	backoff     time.Duration
	backoffMin  time.Duration
	backoffMax  time.Duration
	lastConnErr error
}

type ioRequest struct {
	ctx   context.Context
	run   func(ctx context.Context) *pulse.ErrorInfo
	reply chan *pulse.ErrorInfo
}

func New() *Driver {
	return &Driver{
		Core:       driver.NewCore(protocolName),
		backoffMin: 200 * time.Millisecond,
		backoffMax: 5 * time.Second,
	}
}

func (d *Driver) Initialize(dev *config.DeviceDescriptor, points []*config.PointDescriptor) error {
	if err := dev.Validate(); err != nil {
		return d.Fail(pulse.NewError(pulse.ErrConfigurationError, protocolName, err.Error()))
	}
	mb, ok := dev.Config.GetModbus()
	if !ok {
		return d.Fail(pulse.NewError(pulse.ErrConfigurationError, protocolName, "modbus config missing"))
	}
	for _, p := range points {
		if err := dev.ValidatePoint(p); err != nil {
			return d.Fail(pulse.NewError(pulse.ErrConfigurationError, protocolName, err.Error()))
		}
	}

	d.dev = dev
	d.points = points
	d.cfg = mb
	d.order = wordOrder{byteSwap: mb.ByteSwap, wordSwap: mb.WordSwap}

	d.Statistics().SeedCounters(
		"register_reads", "coil_reads",
		"holding_register_writes", "coil_writes",
		"timeout_errors", "crc_errors", "exception_responses",
	)
	d.SetStatus(driver.StatusInitialized)
	return nil
}

func (d *Driver) SetConsumer(c driver.Consumer) { d.consumer = c }

/* =========================
   Lifecycle
   ========================= */

func (d *Driver) Connect(ctx context.Context) error {
	switch d.Status() {
	case driver.StatusConnected:
		return nil
	case driver.StatusInitialized, driver.StatusStopped:
	default:
		return d.Fail(pulse.NewError(pulse.ErrInvalidParameter, protocolName,
			fmt.Sprintf("connect from state %s", d.Status())))
	}
	d.SetStatus(driver.StatusStarting)

	d.newHandler()
	d.reqCh = make(chan *ioRequest)
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	d.stopOnce = new(sync.Once)
	go d.ioLoop()

	err := d.submit(ctx, func(ctx context.Context) *pulse.ErrorInfo {
		return d.ensureConnected(ctx)
	})
	if err != nil {
		d.Statistics().RecordConnection(false)
		d.SetStatus(driver.StatusError)
		ei := pulse.AsErrorInfo(err, protocolName)
		if ei.Category == pulse.ErrConnectionLost {
			ei.Category = pulse.ErrConnectionFailed
		}
		return d.Fail(ei)
	}
	d.Statistics().RecordConnection(true)
	d.ClearError()
	d.SetStatus(driver.StatusConnected)
	logging.Info("modbus connected", "device", d.dev.ID, "endpoint", d.endpoint(), "mode", d.cfg.Mode)
	return nil
}

func (d *Driver) Disconnect() error {
	if d.stopCh == nil {
		d.SetStatus(driver.StatusStopped)
		return nil
	}
	d.SetStatus(driver.StatusStopping)
	d.stopOnce.Do(func() { close(d.stopCh) })
	select {
	case <-d.doneCh:
	case <-time.After(d.dev.Timeout() * 2):
		logging.Warn("modbus io loop did not stop in time", "device", d.dev.ID)
	}
	d.SetStatus(driver.StatusStopped)
	logging.Info("modbus disconnected", "device", d.dev.ID)
	return nil
}

func (d *Driver) newHandler() {
	if d.dev.Protocol == config.ProtocolModbusRTU {
		h := gomodbus.NewRTUClientHandler(d.cfg.SerialPort)
		h.BaudRate = d.cfg.Baudrate
		h.DataBits = d.cfg.DataBits
		h.Parity = d.cfg.Parity
		h.StopBits = d.cfg.StopBits
		h.SlaveId = d.cfg.SlaveID
		h.Timeout = d.dev.Timeout()
		d.handler = h
		return
	}
	h := gomodbus.NewTCPClientHandler(d.dev.Endpoint)
	h.SlaveId = d.cfg.SlaveID
	h.Timeout = d.dev.Timeout()
	d.handler = h
}

func (d *Driver) endpoint() string {
	if d.dev.Protocol == config.ProtocolModbusRTU {
		return d.cfg.SerialPort
	}
	return d.dev.Endpoint
}

// probeSerialPort opens and releases the serial device before the
// modbus handler takes it, so a missing or locked port surfaces as a
// clean connection error instead of a cryptic read failure later.
func (d *Driver) probeSerialPort() error {
	port, err := serial.Open(&serial.Config{
		Address:  d.cfg.SerialPort,
		BaudRate: d.cfg.Baudrate,
		DataBits: d.cfg.DataBits,
		StopBits: d.cfg.StopBits,
		Parity:   d.cfg.Parity,
		Timeout:  d.dev.Timeout(),
	})
	if err != nil {
		return err
	}
	return port.Close()
}

/* =========================
   I/O goroutine
   ========================= */

func (d *Driver) ioLoop() {
	defer close(d.doneCh)
	for {
		select {
		case <-d.stopCh:
			// fail anything still queued, then release the transport
			for {
				select {
				case req := <-d.reqCh:
					req.reply <- pulse.NewError(pulse.ErrConnectionLost, protocolName,
						"operation cancelled: driver stopping")
				default:
					d.closeTransport()
					return
				}
			}
		case req := <-d.reqCh:
			req.reply <- req.run(req.ctx)
		}
	}
}

func (d *Driver) submit(ctx context.Context, run func(ctx context.Context) *pulse.ErrorInfo) *pulse.ErrorInfo {
	req := &ioRequest{ctx: ctx, run: run, reply: make(chan *pulse.ErrorInfo, 1)}
	select {
	case d.reqCh <- req:
	case <-d.stopCh:
		return pulse.NewError(pulse.ErrConnectionLost, protocolName, "driver stopping")
	case <-ctx.Done():
		return pulse.NewError(pulse.ErrConnectionTimeout, protocolName, ctx.Err().Error())
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return pulse.NewError(pulse.ErrConnectionTimeout, protocolName, ctx.Err().Error())
	}
}

func (d *Driver) ensureConnected(ctx context.Context) *pulse.ErrorInfo {
	if d.connOK {
		return nil
	}
	if d.backoff > 0 {
		select {
		case <-ctx.Done():
			return pulse.NewError(pulse.ErrConnectionTimeout, protocolName, ctx.Err().Error())
		case <-d.stopCh:
			return pulse.NewError(pulse.ErrConnectionLost, protocolName, "driver stopping")
		case <-time.After(d.backoff):
		}
	}

	d.closeTransport() // cleanup any stale

	if d.dev.Protocol == config.ProtocolModbusRTU {
		if err := d.probeSerialPort(); err != nil {
			d.bumpBackoff(err)
			return pulse.NewNativeError(pulse.ErrConnectionFailed, nativeConnectionFailed,
				protocolName, err.Error()).WithContext("serial probe")
		}
	}
	if err := d.handler.Connect(); err != nil {
		d.bumpBackoff(err)
		return classify(err, "connect")
	}

	d.client = gomodbus.NewClient(d.handler)
	d.connOK = true
	d.backoff = 0
	d.lastConnErr = nil
	return nil
}

func (d *Driver) closeTransport() {
	if d.handler != nil {
		_ = d.handler.Close()
	}
	d.connOK = false
}

func (d *Driver) bumpBackoff(err error) {
	d.connOK = false
	d.lastConnErr = err
	if d.backoff == 0 {
		d.backoff = d.backoffMin
	} else {
		d.backoff *= 2
		if d.backoff > d.backoffMax {
			d.backoff = d.backoffMax
		}
	}
}

// withTransport runs one wire operation with the retry policy: up to
// 1+retryCount attempts, transient failures (timeout, checksum) retry
// on the same connection; a lost connection flips to Reconnecting and
// reconnects under backoff, and the next attempt, if the budget has
// one left, runs on the new connection.
func (d *Driver) withTransport(ctx context.Context, write bool, fn func() error) *pulse.ErrorInfo {
	if err := d.ensureConnected(ctx); err != nil {
		return err
	}
	if err := d.settle(ctx, d.cfg.SettleBeforeRequest()); err != nil {
		return err
	}

	attempts := 1 + d.dev.RetryCount
	var last *pulse.ErrorInfo
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return pulse.NewError(pulse.ErrConnectionTimeout, protocolName, ctx.Err().Error())
			case <-time.After(d.cfg.RetryInterval()):
			}
		}
		err := fn()
		if err == nil {
			if write {
				if serr := d.settle(ctx, d.cfg.SettleAfterWrite()); serr != nil {
					return serr
				}
			}
			return nil
		}
		last = classify(err, d.dev.ID)
		d.countError(last)
		if neverRetry(last) {
			return last
		}
		if last.Category == pulse.ErrConnectionLost {
			d.SetStatus(driver.StatusReconnecting)
			d.bumpBackoff(err)
			if rerr := d.ensureConnected(ctx); rerr != nil {
				return last
			}
			d.SetStatus(driver.StatusConnected)
			continue
		}
		if !isTransient(last) {
			return last
		}
	}
	return last
}

func (d *Driver) settle(ctx context.Context, gap time.Duration) *pulse.ErrorInfo {
	if gap <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return pulse.NewError(pulse.ErrConnectionTimeout, protocolName, ctx.Err().Error())
	case <-time.After(gap):
		return nil
	}
}

func (d *Driver) countError(e *pulse.ErrorInfo) {
	stats := d.Statistics()
	switch e.Category {
	case pulse.ErrConnectionTimeout:
		stats.IncCounter("timeout_errors")
	case pulse.ErrChecksumError:
		stats.IncCounter("crc_errors")
	}
	if e.NativeCode > 0 {
		stats.IncCounter("exception_responses")
	}
}

/* =========================
   Reads
   ========================= */

func (d *Driver) ReadValues(ctx context.Context, points []*config.PointDescriptor) ([]pulse.TimestampedValue, error) {
	if len(points) == 0 {
		return nil, pulse.NewError(pulse.ErrInvalidParameter, protocolName, "empty point slice")
	}
	if st := d.Status(); st != driver.StatusConnected && st != driver.StatusReconnecting {
		return nil, d.Fail(pulse.NewError(pulse.ErrConnectionLost, protocolName,
			fmt.Sprintf("read in state %s", st)))
	}

	frames := buildFrames(points, d.cfg.MaxRegistersPerRequest, d.cfg.RegisterGapThreshold)
	results := make(map[string]pulse.TimestampedValue, len(points))

	start := time.Now()
	ioErr := d.submit(ctx, func(ctx context.Context) *pulse.ErrorInfo {
		var dominant *pulse.ErrorInfo
		for i := range frames {
			f := &frames[i]
			if err := d.readFrame(ctx, f, results); err != nil {
				if err.Category == pulse.ErrConnectionLost || err.Category == pulse.ErrConnectionTimeout {
					// transport is gone, remaining frames cannot fare better
					d.markFrameFailed(f, err, results)
					dominant = err
					for _, g := range frames[i+1:] {
						d.markFrameFailed(&g, err, results)
					}
					return dominant
				}
				d.markFrameFailed(f, err, results)
				if dominant == nil {
					dominant = err
				}
			}
		}
		return nil
	})
	elapsed := time.Since(start)

	out := make([]pulse.TimestampedValue, len(points))
	succeeded := 0
	for i, p := range points {
		tv, ok := results[p.ID]
		if !ok {
			tv = pulse.NewReading(p.ID, pulse.Value{}, pulse.QualityBad, d.dev.ID)
		}
		if tv.Quality.Usable() {
			succeeded++
		}
		out[i] = tv
	}

	if succeeded == 0 {
		d.Statistics().RecordRead(false, elapsed)
		err := ioErr
		if err == nil {
			err = d.LastError()
		}
		if err == nil || err.IsSuccess() {
			err = pulse.NewError(pulse.ErrDeviceNotResponding, protocolName, "no point readable")
		}
		if err.Category == pulse.ErrConnectionLost {
			d.SetStatus(driver.StatusReconnecting)
		}
		return out, d.Fail(err)
	}

	d.Statistics().RecordRead(true, elapsed)
	if succeeded == len(points) {
		// partial failures keep their ErrorInfo visible via last_error
		d.ClearError()
	}
	return out, nil
}

func (d *Driver) readFrame(ctx context.Context, f *readFrame, results map[string]pulse.TimestampedValue) *pulse.ErrorInfo {
	var raw []byte
	err := d.withTransport(ctx, false, func() error {
		var e error
		switch f.table {
		case tableCoil:
			raw, e = d.client.ReadCoils(f.start, f.count)
		case tableDiscrete:
			raw, e = d.client.ReadDiscreteInputs(f.start, f.count)
		case tableHolding:
			raw, e = d.client.ReadHoldingRegisters(f.start, f.count)
		case tableInput:
			raw, e = d.client.ReadInputRegisters(f.start, f.count)
		}
		return e
	})
	if err != nil {
		return err
	}

	if f.table.bitTable() {
		d.Statistics().IncCounter("coil_reads")
	} else {
		d.Statistics().IncCounter("register_reads")
	}

	for _, p := range f.points {
		results[p.ID] = d.decodePoint(p, f, raw)
	}
	return nil
}

func (d *Driver) decodePoint(p *config.PointDescriptor, f *readFrame, raw []byte) pulse.TimestampedValue {
	var v pulse.Value
	var err error
	if f.table.bitTable() {
		var b bool
		b, err = bitAt(raw, f.offsetIn(p))
		v = pulse.BoolValue(b)
	} else {
		v, err = d.order.decodeValue(raw, f.offsetIn(p), p.Type())
	}
	if err != nil {
		d.Fail(pulse.NewError(pulse.ErrDataFormat, protocolName, err.Error()).WithContext(p.ID))
		return pulse.NewReading(p.ID, pulse.Value{}, pulse.QualityBad, d.dev.ID)
	}

	scaled, quality := p.Scaling().Apply(v)
	return pulse.NewReading(p.ID, scaled, quality, d.dev.ID)
}

func (d *Driver) markFrameFailed(f *readFrame, err *pulse.ErrorInfo, results map[string]pulse.TimestampedValue) {
	quality := pulse.QualityBad
	if err.Category == pulse.ErrConnectionTimeout {
		quality = pulse.QualityTimeout
	}
	for _, p := range f.points {
		if _, done := results[p.ID]; !done {
			results[p.ID] = pulse.NewReading(p.ID, pulse.Value{}, quality, d.dev.ID)
		}
	}
	d.Fail(err)
}

/* =========================
   Writes
   ========================= */

func (d *Driver) WriteValue(ctx context.Context, p *config.PointDescriptor, v pulse.Value) error {
	if !p.Access.CanWrite() {
		return d.Fail(pulse.NewError(pulse.ErrInvalidParameter, protocolName,
			"point is read-only").WithContext(p.ID))
	}
	table := tableFor(p)
	if !table.writable() {
		return d.Fail(pulse.NewError(pulse.ErrUnsupportedFunction, protocolName,
			"input tables cannot be written").WithContext(p.ID))
	}
	if st := d.Status(); st != driver.StatusConnected && st != driver.StatusReconnecting {
		return d.Fail(pulse.NewError(pulse.ErrConnectionLost, protocolName,
			fmt.Sprintf("write in state %s", st)))
	}

	start := time.Now()
	err := d.submit(ctx, func(ctx context.Context) *pulse.ErrorInfo {
		return d.writePoint(ctx, p, v)
	})
	d.Statistics().RecordWrite(err == nil, time.Since(start))
	if err != nil {
		return d.Fail(err)
	}
	d.ClearError()
	return nil
}

func (d *Driver) writePoint(ctx context.Context, p *config.PointDescriptor, v pulse.Value) *pulse.ErrorInfo {
	addr := uint16(p.AddressNumeric)

	if tableFor(p) == tableCoil {
		b, err := v.Bool()
		if err != nil {
			return pulse.NewError(pulse.ErrTypeMismatch, protocolName, err.Error()).WithContext(p.ID)
		}
		val := uint16(0x0000)
		if b {
			val = 0xFF00
		}
		werr := d.withTransport(ctx, true, func() error {
			_, e := d.client.WriteSingleCoil(addr, val)
			return e
		})
		if werr == nil {
			d.Statistics().IncCounter("coil_writes")
		}
		return werr
	}

	// writes are scaled values; undo the transform before encoding
	wire := v
	if p.Type().IsNumeric() {
		f, err := v.Float()
		if err != nil {
			return pulse.NewError(pulse.ErrTypeMismatch, protocolName, err.Error()).WithContext(p.ID)
		}
		wire, err = pulse.FloatValueOf(p.Type(), p.Scaling().Unapply(f))
		if err != nil {
			return pulse.NewError(pulse.ErrTypeMismatch, protocolName, err.Error()).WithContext(p.ID)
		}
	}

	ws, err := d.order.encodeValue(wire, p.Type())
	if err != nil {
		return pulse.NewError(pulse.ErrTypeMismatch, protocolName, err.Error()).WithContext(p.ID)
	}

	werr := d.withTransport(ctx, true, func() error {
		var e error
		if len(ws) == 1 {
			w0 := ws[0]
			if d.order.byteSwap {
				w0 = w0<<8 | w0>>8
			}
			_, e = d.client.WriteSingleRegister(addr, w0)
		} else {
			_, e = d.client.WriteMultipleRegisters(addr, uint16(len(ws)), d.order.putWords(ws))
		}
		return e
	})
	if werr == nil {
		d.Statistics().IncCounter("holding_register_writes")
	}
	return werr
}

/* =========================
   Diagnostics
   ========================= */

func (d *Driver) Diagnostics() driver.Diagnostics {
	return d.Diagnose(d.endpoint())
}
