package bacnet

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smart-guard/pulseone/internal/config"
	"github.com/smart-guard/pulseone/internal/driver"
	"github.com/smart-guard/pulseone/internal/logging"
	"github.com/smart-guard/pulseone/internal/pulse"
)

const protocolName = "BACNET"

var _ driver.Driver = (*Driver)(nil)

// whoIsRefresh is how often the timer task re-announces Who-Is to keep
// the device table fresh after the initial discovery window.
const whoIsRefresh = 5 * time.Minute

// rpmSafetyMargin keeps batched requests clear of the peer's APDU
// budget.
const rpmSafetyMargin = 64

// segmentation wire enumeration out of I-Am.
const (
	segBoth     = 0
	segTransmit = 1
	segReceive  = 2
	segNone     = 3
)

// remoteDevice is one row of the discovery table.
type remoteDevice struct {
	instance     uint32
	addr         *net.UDPAddr
	vendorID     uint16
	maxAPDU      uint32
	segmentation uint8
	lastSeen     time.Time
}

func (r *remoteDevice) supportsRPM(cfgSupport bool) bool {
	return cfgSupport && r.maxAPDU >= 1476
}

type apduResponse struct {
	kind byte // pduSimpleAck, pduComplexAck, pduError, pduReject, pduAbort
	body []byte
	cls  uint64
	code uint64
}

type pendingInvoke struct {
	ch chan apduResponse
}

// segment reassembly state for one invoke id
type segmentBuf struct {
	service byte
	next    byte
	body    []byte
}

// covSub tracks one active COV subscription for renewal.
type covSub struct {
	point    *config.PointDescriptor
	object   ObjectID
	device   uint32
	lastSent time.Time
}

// Driver speaks BACnet/IP over one UDP socket. One I/O goroutine owns
// the read loop and request correlation by invoke id; a timer
// goroutine renews COV subscriptions and refreshes discovery.
type Driver struct {
	*driver.Core

	dev    *config.DeviceDescriptor
	points []*config.PointDescriptor
	cfg    *config.BACnetConfig

	consumer driver.Consumer

	conn   *net.UDPConn
	connMu sync.Mutex

	tableMu sync.Mutex
	table   map[uint32]*remoteDevice

	pendingMu sync.Mutex
	pending   map[byte]*pendingInvoke
	segments  map[byte]*segmentBuf
	invokeSeq atomic.Uint32

	covMu     sync.Mutex
	covSubs   map[string]*covSub // point id → subscription
	processID uint32

	stopCh   chan struct{}
	readDone chan struct{}
	tickDone chan struct{}
	stopOnce *sync.Once
}

func New() *Driver {
	return &Driver{
		Core:    driver.NewCore(protocolName),
		table:   make(map[uint32]*remoteDevice),
		pending: make(map[byte]*pendingInvoke),
		segments: make(map[byte]*segmentBuf),
		covSubs: make(map[string]*covSub),
	}
}

func (d *Driver) Initialize(dev *config.DeviceDescriptor, points []*config.PointDescriptor) error {
	if err := dev.Validate(); err != nil {
		return d.Fail(pulse.NewError(pulse.ErrConfigurationError, protocolName, err.Error()))
	}
	bc, ok := dev.Config.GetBACnet()
	if !ok {
		return d.Fail(pulse.NewError(pulse.ErrConfigurationError, protocolName, "bacnet config missing"))
	}
	for _, p := range points {
		if err := dev.ValidatePoint(p); err != nil {
			return d.Fail(pulse.NewError(pulse.ErrConfigurationError, protocolName, err.Error()))
		}
	}

	d.dev = dev
	d.points = points
	d.cfg = bc
	d.processID = uint32(time.Now().UnixNano() & 0x3FFFFF)

	d.Statistics().SeedCounters(
		"who_is_sent", "i_am_received",
		"read_property_requests", "write_property_requests",
		"cov_subscriptions", "cov_notifications",
		"devices_discovered", "segmented_messages",
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

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		d.Statistics().RecordConnection(false)
		d.SetStatus(driver.StatusError)
		return d.Fail(pulse.NewError(pulse.ErrConnectionFailed, protocolName, err.Error()))
	}
	d.connMu.Lock()
	d.conn = conn
	d.connMu.Unlock()

	d.stopCh = make(chan struct{})
	d.readDone = make(chan struct{})
	d.tickDone = make(chan struct{})
	d.stopOnce = new(sync.Once)
	go d.readLoop()
	go d.timerLoop()

	if d.cfg.BBMDAddress != "" {
		if err := d.registerForeignDevice(); err != nil {
			logging.Warn("bacnet BBMD registration failed", "device", d.dev.ID, "error", err)
		}
	}

	if d.cfg.SupportWhoIs {
		d.discover(ctx)
	} else if d.dev.Endpoint != "" {
		// no discovery: trust the configured endpoint
		addr, aerr := net.ResolveUDPAddr("udp4", d.withDefaultPort(d.dev.Endpoint))
		if aerr != nil {
			d.Disconnect()
			return d.Fail(pulse.NewError(pulse.ErrConfigurationError, protocolName, aerr.Error()))
		}
		d.storeDevice(&remoteDevice{
			instance: d.cfg.DeviceInstance,
			addr:     addr,
			maxAPDU:  uint32(d.cfg.MaxAPDU),
			segmentation: segNone,
			lastSeen: time.Now(),
		})
	}

	if d.cfg.SupportCOV {
		d.subscribeCOVPoints(ctx)
	}

	d.Statistics().RecordConnection(true)
	d.ClearError()
	d.SetStatus(driver.StatusConnected)
	logging.Info("bacnet connected", "device", d.dev.ID,
		"discovered", len(d.snapshotTable()), "port", d.cfg.Port)
	return nil
}

func (d *Driver) Disconnect() error {
	if d.stopCh == nil {
		d.SetStatus(driver.StatusStopped)
		return nil
	}
	d.SetStatus(driver.StatusStopping)
	d.stopOnce.Do(func() { close(d.stopCh) })

	d.connMu.Lock()
	if d.conn != nil {
		_ = d.conn.Close()
	}
	d.connMu.Unlock()

	limit := time.After(d.dev.Timeout() * 2)
	for _, ch := range []chan struct{}{d.readDone, d.tickDone} {
		select {
		case <-ch:
		case <-limit:
			logging.Warn("bacnet background task did not stop in time", "device", d.dev.ID)
		}
	}
	d.SetStatus(driver.StatusStopped)
	logging.Info("bacnet disconnected", "device", d.dev.ID)
	return nil
}

func (d *Driver) withDefaultPort(endpoint string) string {
	if _, _, err := net.SplitHostPort(endpoint); err != nil {
		return net.JoinHostPort(endpoint, strconv.Itoa(d.cfg.Port))
	}
	return endpoint
}

func (d *Driver) registerForeignDevice() error {
	addr, err := net.ResolveUDPAddr("udp4",
		net.JoinHostPort(d.cfg.BBMDAddress, strconv.Itoa(d.cfg.BBMDPort)))
	if err != nil {
		return err
	}
	_, err = d.conn.WriteToUDP(encodeForeignRegistration(300), addr)
	return err
}

/* =========================
   Discovery
   ========================= */

// discover broadcasts Who-Is and collects I-Am answers for the
// configured interval. Configured devices that stay silent are marked
// NotConnected; the driver proceeds with the rest.
func (d *Driver) discover(ctx context.Context) {
	frame := encodeFrame(bvlcOriginalBroadcast, false, EncodeWhoIs(-1, -1))
	if d.cfg.BBMDAddress != "" {
		frame = encodeFrame(bvlcDistributeBroadcast, false, EncodeWhoIs(-1, -1))
	}
	if err := d.broadcast(frame); err != nil {
		d.Fail(pulse.NewError(pulse.ErrConnectionFailed, protocolName, err.Error()).WithContext("who-is"))
		return
	}
	d.Statistics().IncCounter("who_is_sent")

	select {
	case <-ctx.Done():
	case <-d.stopCh:
	case <-time.After(d.cfg.WhoIsInterval()):
	}

	d.Statistics().SetMetric("devices_in_table", float64(len(d.snapshotTable())))
	for _, inst := range d.targetInstances() {
		if d.lookupDevice(inst) == nil {
			logging.Warn("bacnet device did not answer who-is", "device", d.dev.ID, "instance", inst)
			d.Fail(pulse.NewError(pulse.ErrDeviceNotResponding, protocolName,
				fmt.Sprintf("instance %d silent after who-is", inst)))
		}
	}
}

func (d *Driver) broadcast(frame []byte) error {
	target := &net.UDPAddr{IP: net.IPv4bcast, Port: d.cfg.Port}
	if d.cfg.BBMDAddress != "" {
		addr, err := net.ResolveUDPAddr("udp4",
			net.JoinHostPort(d.cfg.BBMDAddress, strconv.Itoa(d.cfg.BBMDPort)))
		if err != nil {
			return err
		}
		target = addr
	}
	_, err := d.conn.WriteToUDP(frame, target)
	return err
}

// targetInstances is the distinct set of device instances the point
// set needs.
func (d *Driver) targetInstances() []uint32 {
	seen := map[uint32]struct{}{d.cfg.DeviceInstance: {}}
	for _, p := range d.points {
		seen[uint32(p.ParamInt("device_instance", int(d.cfg.DeviceInstance)))] = struct{}{}
	}
	out := make([]uint32, 0, len(seen))
	for inst := range seen {
		out = append(out, inst)
	}
	return out
}

func (d *Driver) storeDevice(r *remoteDevice) {
	d.tableMu.Lock()
	_, known := d.table[r.instance]
	d.table[r.instance] = r
	d.tableMu.Unlock()
	if !known {
		d.Statistics().IncCounter("devices_discovered")
	}
}

func (d *Driver) lookupDevice(instance uint32) *remoteDevice {
	d.tableMu.Lock()
	defer d.tableMu.Unlock()
	return d.table[instance]
}

func (d *Driver) snapshotTable() []*remoteDevice {
	d.tableMu.Lock()
	defer d.tableMu.Unlock()
	out := make([]*remoteDevice, 0, len(d.table))
	for _, r := range d.table {
		out = append(out, r)
	}
	return out
}

/* =========================
   Read loop + correlation
   ========================= */

func (d *Driver) readLoop() {
	defer close(d.readDone)
	buf := make([]byte, 1500)
	for {
		n, from, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.stopCh:
				return
			default:
				d.Fail(pulse.NewError(pulse.ErrConnectionLost, protocolName, err.Error()))
				return
			}
		}
		apdu, derr := decodeFrame(buf[:n])
		if derr != nil {
			if derr != errNotForUs {
				d.Fail(pulse.NewError(pulse.ErrFrameError, protocolName, derr.Error()).WithContext(from.String()))
			}
			continue
		}
		d.dispatch(apdu, from)
	}
}

func (d *Driver) dispatch(apdu []byte, from *net.UDPAddr) {
	if len(apdu) < 2 {
		return
	}
	switch apdu[0] & 0xF0 {
	case pduUnconfirmedRequest:
		d.handleUnconfirmed(apdu, from)
	case pduSimpleAck:
		d.deliver(apdu[1], apduResponse{kind: pduSimpleAck})
	case pduComplexAck:
		d.handleComplexAck(apdu, from)
	case pduError:
		if len(apdu) >= 3 {
			cls, code, err := decodeErrorPDU(apdu[3:])
			if err == nil {
				d.deliver(apdu[1], apduResponse{kind: pduError, cls: cls, code: code})
			}
		}
	case pduReject, pduAbort:
		d.deliver(apdu[1], apduResponse{kind: apdu[0] & 0xF0, code: uint64(apdu[len(apdu)-1])})
	}
}

func (d *Driver) handleUnconfirmed(apdu []byte, from *net.UDPAddr) {
	service := apdu[1]
	body := apdu[2:]
	switch service {
	case svcUnconfirmedIAm:
		ia, err := decodeIAm(body)
		if err != nil {
			return
		}
		d.Statistics().IncCounter("i_am_received")
		d.storeDevice(&remoteDevice{
			instance:     ia.Device.Instance,
			addr:         from,
			vendorID:     ia.VendorID,
			maxAPDU:      ia.MaxAPDU,
			segmentation: ia.Segmentation,
			lastSeen:     time.Now(),
		})
	case svcUnconfirmedCOVNotification:
		note, err := decodeCOVNotification(body)
		if err != nil {
			d.Fail(pulse.NewError(pulse.ErrProtocolError, protocolName, err.Error()).WithContext("cov"))
			return
		}
		d.Statistics().IncCounter("cov_notifications")
		d.emitCOV(note)
	}
}

// handleComplexAck feeds segment reassembly when the SEG bit is set,
// otherwise delivers straight to the waiting invoke.
func (d *Driver) handleComplexAck(apdu []byte, from *net.UDPAddr) {
	segmented := apdu[0]&segmentedFlag != 0
	invokeID := apdu[1]
	if !segmented {
		d.deliver(invokeID, apduResponse{kind: pduComplexAck, body: apdu[2:]})
		return
	}

	if len(apdu) < 5 {
		return
	}
	moreFollows := apdu[0]&moreFollowsFlag != 0
	seq, window := apdu[2], apdu[3]
	d.Statistics().IncCounter("segmented_messages")

	d.pendingMu.Lock()
	sb := d.segments[invokeID]
	if sb == nil {
		sb = &segmentBuf{service: apdu[4]}
		d.segments[invokeID] = sb
	}
	inOrder := seq == sb.next
	if inOrder {
		sb.body = append(sb.body, apdu[5:]...)
		sb.next++
	}
	d.pendingMu.Unlock()

	// ack the segment (nak flag when out of order)
	ackType := byte(pduSegmentAck)
	if !inOrder {
		ackType |= 0x02
	}
	ack := []byte{ackType, invokeID, seq, window}
	_, _ = d.conn.WriteToUDP(encodeFrame(bvlcOriginalUnicast, false, ack), from)

	if inOrder && !moreFollows {
		d.pendingMu.Lock()
		delete(d.segments, invokeID)
		d.pendingMu.Unlock()
		full := append([]byte{sb.service}, sb.body...)
		d.deliver(invokeID, apduResponse{kind: pduComplexAck, body: full})
	}
}

func (d *Driver) deliver(invokeID byte, resp apduResponse) {
	d.pendingMu.Lock()
	p := d.pending[invokeID]
	d.pendingMu.Unlock()
	if p == nil {
		return
	}
	select {
	case p.ch <- resp:
	default:
	}
}

// request sends a confirmed APDU and awaits the matching reply, with
// the per-segment timeout and retry budget from config.
func (d *Driver) request(ctx context.Context, addr *net.UDPAddr, invokeID byte, apdu []byte) (apduResponse, *pulse.ErrorInfo) {
	p := &pendingInvoke{ch: make(chan apduResponse, 1)}
	d.pendingMu.Lock()
	d.pending[invokeID] = p
	d.pendingMu.Unlock()
	defer func() {
		d.pendingMu.Lock()
		delete(d.pending, invokeID)
		delete(d.segments, invokeID)
		d.pendingMu.Unlock()
	}()

	frame := encodeFrame(bvlcOriginalUnicast, true, apdu)
	attempts := d.cfg.APDURetries
	for i := 0; i < attempts; i++ {
		if _, err := d.conn.WriteToUDP(frame, addr); err != nil {
			return apduResponse{}, pulse.NewError(pulse.ErrConnectionLost, protocolName, err.Error())
		}
		select {
		case resp := <-p.ch:
			return d.checkResponse(resp)
		case <-ctx.Done():
			return apduResponse{}, pulse.NewError(pulse.ErrConnectionTimeout, protocolName, ctx.Err().Error())
		case <-d.stopCh:
			return apduResponse{}, pulse.NewError(pulse.ErrConnectionLost, protocolName, "driver stopping")
		case <-time.After(d.cfg.APDUTimeout()):
		}
	}
	return apduResponse{}, pulse.NewError(pulse.ErrConnectionTimeout, protocolName,
		fmt.Sprintf("no reply after %d attempts", attempts))
}

func (d *Driver) checkResponse(resp apduResponse) (apduResponse, *pulse.ErrorInfo) {
	switch resp.kind {
	case pduError:
		cat := pulse.ErrProtocolError
		// error class 1 = object, 2 = property → address problems
		if resp.cls == 1 || resp.cls == 2 {
			cat = pulse.ErrInvalidAddress
		}
		return resp, pulse.NewNativeError(cat, int(resp.code), protocolName,
			fmt.Sprintf("bacnet error class %d code %d", resp.cls, resp.code))
	case pduReject:
		return resp, pulse.NewNativeError(pulse.ErrUnsupportedFunction, int(resp.code), protocolName,
			fmt.Sprintf("request rejected, reason %d", resp.code))
	case pduAbort:
		return resp, pulse.NewNativeError(pulse.ErrDeviceBusy, int(resp.code), protocolName,
			fmt.Sprintf("request aborted, reason %d", resp.code))
	}
	return resp, nil
}

func (d *Driver) nextInvokeID() byte {
	return byte(d.invokeSeq.Add(1) & 0xFF)
}

/* =========================
   Timer task: COV renewal + Who-Is refresh
   ========================= */

func (d *Driver) timerLoop() {
	defer close(d.tickDone)
	renew := d.cfg.COVLifetime() / 2
	if renew <= 0 {
		renew = 30 * time.Minute
	}
	renewT := time.NewTicker(renew)
	whoisT := time.NewTicker(whoIsRefresh)
	defer renewT.Stop()
	defer whoisT.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-renewT.C:
			if d.cfg.SupportCOV {
				ctx, cancel := context.WithTimeout(context.Background(), d.dev.Timeout())
				d.renewCOVSubscriptions(ctx)
				cancel()
			}
		case <-whoisT.C:
			if d.cfg.SupportWhoIs && d.IsConnected() {
				if err := d.broadcast(encodeFrame(bvlcOriginalBroadcast, false, EncodeWhoIs(-1, -1))); err == nil {
					d.Statistics().IncCounter("who_is_sent")
				}
			}
		}
	}
}

/* =========================
   Point plumbing
   ========================= */

var objectTypesByName = map[string]uint16{
	"analog-input":      ObjectAnalogInput,
	"analog-output":     ObjectAnalogOutput,
	"analog-value":      ObjectAnalogValue,
	"binary-input":      ObjectBinaryInput,
	"binary-output":     ObjectBinaryOutput,
	"binary-value":      ObjectBinaryValue,
	"device":            ObjectDevice,
	"multi-state-value": ObjectMultiStateValue,
}

func (d *Driver) objectFor(p *config.PointDescriptor) ObjectID {
	name := p.Param("object_type", "")
	if t, ok := objectTypesByName[name]; ok {
		return ObjectID{Type: t, Instance: p.AddressNumeric}
	}
	if p.Type() == pulse.TypeBool {
		return ObjectID{Type: ObjectBinaryValue, Instance: p.AddressNumeric}
	}
	return ObjectID{Type: ObjectAnalogValue, Instance: p.AddressNumeric}
}

func (d *Driver) propertyFor(p *config.PointDescriptor) uint32 {
	return uint32(p.ParamInt("property_id", PropertyPresentValue))
}

func (d *Driver) deviceFor(p *config.PointDescriptor) uint32 {
	return uint32(p.ParamInt("device_instance", int(d.cfg.DeviceInstance)))
}

// toPulse maps a decoded application value to a pulse value by its
// application tag (an enumerated value becomes a bool for bool
// points), then scales it. Null and unknown tags come back Bad.
func (d *Driver) toPulse(p *config.PointDescriptor, v AppValue) (pulse.Value, pulse.Quality) {
	var raw pulse.Value
	switch v.Tag {
	case appNull:
		return pulse.Value{}, pulse.QualityBad
	case appBool:
		raw = pulse.BoolValue(v.Bool)
	case appEnumerated:
		if p.Type() == pulse.TypeBool {
			raw = pulse.BoolValue(v.Uint != 0)
		} else {
			raw = pulse.Uint64Value(v.Uint)
		}
	case appUnsigned:
		raw = pulse.Uint64Value(v.Uint)
	case appSigned:
		raw = pulse.Int64Value(v.Int)
	case appReal, appDouble:
		raw = pulse.Float64Value(v.Real)
	case appCharString:
		raw = pulse.StringValue(v.Str)
	default:
		return pulse.Value{}, pulse.QualityBad
	}
	return p.Scaling().Apply(raw)
}

// fromPulse builds the application value for a write. A zero Value
// writes Null, releasing the configured priority slot.
func (d *Driver) fromPulse(p *config.PointDescriptor, v pulse.Value) (AppValue, error) {
	if v.IsZero() {
		return AppValue{Tag: appNull, Null: true}, nil
	}
	obj := d.objectFor(p)
	switch obj.Type {
	case ObjectBinaryInput, ObjectBinaryOutput, ObjectBinaryValue:
		b, err := v.Bool()
		if err != nil {
			return AppValue{}, err
		}
		var e uint64
		if b {
			e = 1
		}
		return AppValue{Tag: appEnumerated, Uint: e}, nil
	case ObjectMultiStateValue:
		i, err := v.Int()
		if err != nil {
			return AppValue{}, err
		}
		return AppValue{Tag: appUnsigned, Uint: uint64(i)}, nil
	}
	if v.Kind() == pulse.TypeString {
		return AppValue{Tag: appCharString, Str: v.Text()}, nil
	}
	f, err := v.Float()
	if err != nil {
		return AppValue{}, err
	}
	return AppValue{Tag: appReal, Real: p.Scaling().Unapply(f)}, nil
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

	start := time.Now()
	results := make(map[string]pulse.TimestampedValue, len(points))

	// group per target device so RPM batches stay within one peer
	byDevice := make(map[uint32][]*config.PointDescriptor)
	for _, p := range points {
		inst := d.deviceFor(p)
		byDevice[inst] = append(byDevice[inst], p)
	}

	for inst, pts := range byDevice {
		remote := d.lookupDevice(inst)
		if remote == nil {
			for _, p := range pts {
				results[p.ID] = pulse.NewReading(p.ID, pulse.Value{}, pulse.QualityNotConnected, d.dev.ID)
			}
			d.Fail(pulse.NewError(pulse.ErrDeviceNotResponding, protocolName,
				fmt.Sprintf("instance %d not in device table", inst)))
			continue
		}
		if remote.supportsRPM(d.cfg.SupportReadPropertyMultiple) {
			d.readMultiple(ctx, remote, pts, results)
		} else {
			for _, p := range pts {
				results[p.ID] = d.readSingle(ctx, remote, p)
			}
		}
	}

	out := make([]pulse.TimestampedValue, len(points))
	usable := 0
	for i, p := range points {
		tv := results[p.ID]
		if tv.PointID == "" {
			tv = pulse.NewReading(p.ID, pulse.Value{}, pulse.QualityBad, d.dev.ID)
		}
		if tv.Quality.Usable() {
			usable++
		}
		out[i] = tv
	}

	d.Statistics().RecordRead(usable > 0, time.Since(start))
	if usable == 0 {
		err := d.LastError()
		if err == nil || err.IsSuccess() {
			err = pulse.NewError(pulse.ErrDeviceNotResponding, protocolName, "no point readable")
		}
		return out, err
	}
	d.ClearError()
	return out, nil
}

func (d *Driver) readSingle(ctx context.Context, remote *remoteDevice, p *config.PointDescriptor) pulse.TimestampedValue {
	d.Statistics().IncCounter("read_property_requests")
	invokeID := d.nextInvokeID()
	apdu := EncodeReadProperty(invokeID, int(remote.maxAPDU), d.objectFor(p), d.propertyFor(p))

	resp, err := d.request(ctx, remote.addr, invokeID, apdu)
	if err != nil {
		d.Fail(err.WithContext(p.ID))
		q := pulse.QualityBad
		if err.Category == pulse.ErrConnectionTimeout {
			q = pulse.QualityTimeout
		}
		return pulse.NewReading(p.ID, pulse.Value{}, q, d.dev.ID)
	}

	// body: serviceChoice + ack payload
	v, derr := decodeReadPropertyAck(resp.body[1:])
	if derr != nil {
		d.Fail(pulse.NewError(pulse.ErrDataFormat, protocolName, derr.Error()).WithContext(p.ID))
		return pulse.NewReading(p.ID, pulse.Value{}, pulse.QualityBad, d.dev.ID)
	}
	val, q := d.toPulse(p, v)
	return pulse.NewReading(p.ID, val, q, d.dev.ID)
}

// readMultiple batches the device's points under the APDU budget and
// issues ReadPropertyMultiple per batch.
func (d *Driver) readMultiple(ctx context.Context, remote *remoteDevice, pts []*config.PointDescriptor, results map[string]pulse.TimestampedValue) {
	budget := int(remote.maxAPDU) - rpmSafetyMargin
	perSpec := 12 // object id + property wrapper, worst case
	batchSize := budget / perSpec
	if batchSize < 1 {
		batchSize = 1
	}

	for base := 0; base < len(pts); base += batchSize {
		batch := pts[base:min(base+batchSize, len(pts))]
		specs := make([]ReadSpec, len(batch))
		for i, p := range batch {
			specs[i] = ReadSpec{Object: d.objectFor(p), Property: d.propertyFor(p)}
		}

		d.Statistics().IncCounter("read_property_requests")
		invokeID := d.nextInvokeID()
		apdu := EncodeReadPropertyMultiple(invokeID, int(remote.maxAPDU), specs)
		resp, err := d.request(ctx, remote.addr, invokeID, apdu)
		if err != nil {
			q := pulse.QualityBad
			if err.Category == pulse.ErrConnectionTimeout {
				q = pulse.QualityTimeout
			}
			for _, p := range batch {
				results[p.ID] = pulse.NewReading(p.ID, pulse.Value{}, q, d.dev.ID)
			}
			d.Fail(err.WithContext("rpm"))
			continue
		}

		acks, derr := decodeRPMAck(resp.body[1:])
		if derr != nil {
			for _, p := range batch {
				results[p.ID] = pulse.NewReading(p.ID, pulse.Value{}, pulse.QualityBad, d.dev.ID)
			}
			d.Fail(pulse.NewError(pulse.ErrDataFormat, protocolName, derr.Error()).WithContext("rpm"))
			continue
		}

		for i, p := range batch {
			var tv pulse.TimestampedValue
			found := false
			for _, ack := range acks {
				if ack.object != specs[i].Object {
					continue
				}
				for _, pv := range ack.values {
					if pv.property == specs[i].Property {
						val, q := d.toPulse(p, pv.value)
						tv = pulse.NewReading(p.ID, val, q, d.dev.ID)
						found = true
					}
				}
				if _, bad := ack.errors[specs[i].Property]; bad && !found {
					tv = pulse.NewReading(p.ID, pulse.Value{}, pulse.QualityBad, d.dev.ID)
					found = true
				}
			}
			if !found {
				tv = pulse.NewReading(p.ID, pulse.Value{}, pulse.QualityBad, d.dev.ID)
			}
			results[p.ID] = tv
		}
	}
}

/* =========================
   Writes
   ========================= */

func (d *Driver) WriteValue(ctx context.Context, p *config.PointDescriptor, v pulse.Value) error {
	if !p.Access.CanWrite() {
		return d.Fail(pulse.NewError(pulse.ErrInvalidParameter, protocolName,
			"point is read-only").WithContext(p.ID))
	}
	if st := d.Status(); st != driver.StatusConnected && st != driver.StatusReconnecting {
		return d.Fail(pulse.NewError(pulse.ErrConnectionLost, protocolName,
			fmt.Sprintf("write in state %s", st)))
	}
	remote := d.lookupDevice(d.deviceFor(p))
	if remote == nil {
		return d.Fail(pulse.NewError(pulse.ErrDeviceNotResponding, protocolName,
			"target device not discovered").WithContext(p.ID))
	}

	av, cerr := d.fromPulse(p, v)
	if cerr != nil {
		return d.Fail(pulse.NewError(pulse.ErrTypeMismatch, protocolName, cerr.Error()).WithContext(p.ID))
	}
	priority := uint8(p.ParamInt("priority", int(d.cfg.Priority)))

	d.Statistics().IncCounter("write_property_requests")
	start := time.Now()
	invokeID := d.nextInvokeID()
	apdu := EncodeWriteProperty(invokeID, int(remote.maxAPDU), d.objectFor(p), d.propertyFor(p), av, priority)

	resp, err := d.request(ctx, remote.addr, invokeID, apdu)
	ok := err == nil && resp.kind == pduSimpleAck
	d.Statistics().RecordWrite(ok, time.Since(start))
	if err != nil {
		return d.Fail(err.WithContext(p.ID))
	}
	if !ok {
		return d.Fail(pulse.NewError(pulse.ErrProtocolError, protocolName,
			"unexpected write response").WithContext(p.ID))
	}
	d.ClearError()
	return nil
}

/* =========================
   COV
   ========================= */

func (d *Driver) subscribeCOVPoints(ctx context.Context) {
	for _, p := range d.points {
		if !p.ParamBool("cov", false) {
			continue
		}
		if err := d.subscribeCOV(ctx, p); err != nil {
			logging.Warn("bacnet cov subscribe failed", "device", d.dev.ID, "point", p.ID, "error", err)
		}
	}
}

func (d *Driver) subscribeCOV(ctx context.Context, p *config.PointDescriptor) *pulse.ErrorInfo {
	remote := d.lookupDevice(d.deviceFor(p))
	if remote == nil {
		return pulse.NewError(pulse.ErrDeviceNotResponding, protocolName,
			"target device not discovered").WithContext(p.ID)
	}
	invokeID := d.nextInvokeID()
	apdu := EncodeSubscribeCOV(invokeID, int(remote.maxAPDU), d.processID,
		d.objectFor(p), uint32(d.cfg.COVLifetimeS))
	resp, err := d.request(ctx, remote.addr, invokeID, apdu)
	if err != nil {
		return err
	}
	if resp.kind != pduSimpleAck {
		return pulse.NewError(pulse.ErrProtocolError, protocolName, "cov subscription not acked").WithContext(p.ID)
	}
	d.Statistics().IncCounter("cov_subscriptions")
	d.covMu.Lock()
	d.covSubs[p.ID] = &covSub{
		point:    p,
		object:   d.objectFor(p),
		device:   d.deviceFor(p),
		lastSent: time.Now(),
	}
	d.covMu.Unlock()
	return nil
}

func (d *Driver) renewCOVSubscriptions(ctx context.Context) {
	d.covMu.Lock()
	subs := make([]*covSub, 0, len(d.covSubs))
	for _, s := range d.covSubs {
		subs = append(subs, s)
	}
	d.covMu.Unlock()

	for _, s := range subs {
		if err := d.subscribeCOV(ctx, s.point); err != nil {
			logging.Warn("bacnet cov renewal failed", "device", d.dev.ID, "point", s.point.ID, "error", err)
		}
	}
}

// emitCOV feeds notifications into the same emission path as polled
// reads.
func (d *Driver) emitCOV(note covNotification) {
	d.covMu.Lock()
	var match *covSub
	for _, s := range d.covSubs {
		if s.object == note.object && s.device == note.device.Instance {
			match = s
			break
		}
	}
	d.covMu.Unlock()
	if match == nil {
		return
	}
	for _, pv := range note.values {
		if pv.property != d.propertyFor(match.point) {
			continue
		}
		val, q := d.toPulse(match.point, pv.value)
		tv := pulse.NewReading(match.point.ID, val, q, d.dev.ID)
		if d.consumer != nil {
			d.consumer(tv)
		}
	}
}

/* =========================
   Diagnostics
   ========================= */

func (d *Driver) Diagnostics() driver.Diagnostics {
	diag := d.Diagnose(d.dev.Endpoint)
	for _, r := range d.snapshotTable() {
		diag.Events = append(diag.Events, map[string]any{
			"instance": r.instance,
			"address":  r.addr.String(),
			"vendorId": r.vendorID,
			"maxApdu":  r.maxAPDU,
			"lastSeen": r.lastSeen,
		})
	}
	return diag
}
