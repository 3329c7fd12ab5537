package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/smart-guard/pulseone/internal/config"
	"github.com/smart-guard/pulseone/internal/driver"
	"github.com/smart-guard/pulseone/internal/logging"
	"github.com/smart-guard/pulseone/internal/pulse"
)

const protocolName = "MQTT"

var _ driver.Driver = (*Driver)(nil)

type connEvent struct {
	up  bool
	err error
}

type msgEvent struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

type publishJob struct {
	point   *config.PointDescriptor // nil for bare publishes
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

// Driver is the MQTT protocol driver. The paho callbacks post typed
// events onto channels; a message pump goroutine decodes and emits
// values and drains the bounded publish queue, a connection monitor
// goroutine runs the reconnect/failover path. WriteValue and Publish
// enqueue work and return quickly. Connect awaits the connect token;
// Subscribe and Unsubscribe, when connected, wait up to the device
// timeout for their tokens; Disconnect waits up to twice the device
// timeout for the goroutines to exit.
type Driver struct {
	*driver.Core

	dev    *config.DeviceDescriptor
	points []*config.PointDescriptor
	cfg    *config.MQTTConfig

	consumer driver.Consumer
	index    *pointIndex

	clientMu sync.Mutex
	client   paho.Client

	subMu sync.RWMutex
	subs  map[string]byte // topic → qos; mutated only via subscribe/unsubscribe

	cacheMu sync.RWMutex
	cache   map[string]pulse.TimestampedValue

	msgCh      chan msgEvent
	connCh     chan connEvent
	pubCh      chan publishJob
	failoverCh chan string
	stopCh     chan struct{}
	pumpDone   chan struct{}
	monDone    chan struct{}
	stopOnce   *sync.Once

	manager       *Manager // nil without a broker list
	currentBroker atomic.Value

	pubFailStreak int // touched only by the pump goroutine
	degradeNext   atomic.Bool
}

func New() *Driver {
	return &Driver{
		Core:  driver.NewCore(protocolName),
		subs:  make(map[string]byte),
		cache: make(map[string]pulse.TimestampedValue),
	}
}

func (d *Driver) Initialize(dev *config.DeviceDescriptor, points []*config.PointDescriptor) error {
	if err := dev.Validate(); err != nil {
		return d.Fail(pulse.NewError(pulse.ErrConfigurationError, protocolName, err.Error()))
	}
	mc, ok := dev.Config.GetMQTT()
	if !ok {
		return d.Fail(pulse.NewError(pulse.ErrConfigurationError, protocolName, "mqtt config missing"))
	}
	for _, p := range points {
		if err := dev.ValidatePoint(p); err != nil {
			return d.Fail(pulse.NewError(pulse.ErrConfigurationError, protocolName, err.Error()))
		}
	}

	d.dev = dev
	d.points = points
	d.cfg = mc

	if strings.TrimSpace(mc.ClientID) == "" {
		mc.ClientID = "pulseone-" + uuid.NewString()[:8]
	}

	d.index = newPointIndex(points)
	for _, topic := range d.index.filters() {
		d.subs[topic] = d.pointQoS(topic)
	}

	if len(mc.Brokers) > 0 {
		d.manager = NewManager(mc.Brokers, mc.Failover)
	}

	d.Statistics().SeedCounters(
		"messages_published", "messages_received",
		"qos0_messages", "qos1_messages", "qos2_messages",
		"retained_messages", "broker_disconnections",
		"subscription_count", "publish_failures", "unmatched_messages",
		"mqtt_delivery_complete", "mqtt_delivery_timeout",
	)
	d.Statistics().AddCounter("subscription_count", uint64(len(d.subs)))
	d.SetStatus(driver.StatusInitialized)
	return nil
}

// pointQoS picks the subscription QoS for a topic: the highest QoS any
// of its points asks for, defaulting to the device QoS.
func (d *Driver) pointQoS(topic string) byte {
	qos := d.cfg.QoS
	for _, p := range d.points {
		if p.AddressString == topic {
			if pq := byte(p.ParamInt("qos", int(d.cfg.QoS))); pq > qos && pq <= 2 {
				qos = pq
			}
		}
	}
	return qos
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

	d.msgCh = make(chan msgEvent, 4096)
	d.connCh = make(chan connEvent, 16)
	d.pubCh = make(chan publishJob, d.cfg.PublishQueueSize)
	d.failoverCh = make(chan string, 4)
	d.stopCh = make(chan struct{})
	d.pumpDone = make(chan struct{})
	d.monDone = make(chan struct{})
	d.stopOnce = new(sync.Once)

	go d.pump()
	go d.monitor()

	url, name := d.pickBroker("")
	if err := d.connectOnce(ctx, url, name); err != nil {
		d.Statistics().RecordConnection(false)
		d.SetStatus(driver.StatusError)
		return d.Fail(err)
	}

	if d.manager != nil {
		d.manager.StartHealthCheck(nil)
	}

	d.Statistics().RecordConnection(true)
	d.ClearError()
	d.SetStatus(driver.StatusConnected)
	logging.Info("mqtt connected", "device", d.dev.ID, "broker", name, "clientId", d.cfg.ClientID)
	return nil
}

func (d *Driver) pickBroker(exclude string) (url, name string) {
	if d.manager != nil {
		if b := d.manager.Select(exclude); b != nil {
			return b.URL, b.Name
		}
	}
	return d.dev.Endpoint, d.dev.Endpoint
}

// connectOnce dials one broker and restores every subscription in the
// live map before the caller may observe Connected.
func (d *Driver) connectOnce(ctx context.Context, url, name string) *pulse.ErrorInfo {
	opts, err := d.clientOptions(url)
	if err != nil {
		return pulse.NewError(pulse.ErrConfigurationError, protocolName, err.Error())
	}
	client := paho.NewClient(opts)

	start := time.Now()
	token := client.Connect()
	if !waitToken(ctx, token, d.dev.Timeout()) {
		client.Disconnect(0)
		d.recordBrokerResult(name, false, 0)
		return pulse.NewError(pulse.ErrConnectionTimeout, protocolName, "connect timed out").WithContext(url)
	}
	if err := token.Error(); err != nil {
		d.recordBrokerResult(name, false, 0)
		cat := pulse.ErrConnectionFailed
		if strings.Contains(strings.ToLower(err.Error()), "auth") ||
			strings.Contains(strings.ToLower(err.Error()), "credentials") {
			cat = pulse.ErrAuthFailed
		}
		return pulse.NewError(cat, protocolName, err.Error()).WithContext(url)
	}

	d.clientMu.Lock()
	old := d.client
	d.client = client
	d.clientMu.Unlock()
	if old != nil && old.IsConnected() {
		old.Disconnect(100)
	}

	if serr := d.restoreSubscriptions(client); serr != nil {
		client.Disconnect(100)
		d.recordBrokerResult(name, false, 0)
		return serr
	}

	d.recordBrokerResult(name, true, time.Since(start))
	d.currentBroker.Store(name)
	if d.manager != nil {
		d.manager.SetCurrent(name)
	}
	return nil
}

func (d *Driver) clientOptions(url string) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(url)
	opts.SetClientID(d.cfg.ClientID)
	opts.SetCleanSession(d.cfg.CleanSession)
	opts.SetKeepAlive(d.cfg.Keepalive())
	opts.SetConnectTimeout(d.dev.Timeout())
	opts.SetAutoReconnect(false) // the monitor owns reconnection
	opts.SetOrderMatters(true)   // emission preserves arrival order
	if d.cfg.Username != "" {
		opts.SetUsername(d.cfg.Username)
		opts.SetPassword(d.cfg.Password)
	}
	if lw := d.cfg.LastWill; lw != nil {
		opts.SetWill(lw.Topic, lw.Payload, lw.QoS, lw.Retain)
	}
	if d.cfg.UseSSL {
		tc, err := d.tlsConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tc)
	}

	opts.OnConnectionLost = func(_ paho.Client, err error) {
		select {
		case d.connCh <- connEvent{up: false, err: err}:
		case <-d.stopCh:
		}
	}
	opts.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
		ev := msgEvent{topic: msg.Topic(), payload: msg.Payload(), qos: msg.Qos(), retained: msg.Retained()}
		select {
		case d.msgCh <- ev:
		case <-d.stopCh:
		}
	})
	return opts, nil
}

func (d *Driver) tlsConfig() (*tls.Config, error) {
	tc := &tls.Config{}
	if d.cfg.CACertPath != "" {
		pem, err := os.ReadFile(d.cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("read ca cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca cert %s: no PEM certificates", d.cfg.CACertPath)
		}
		tc.RootCAs = pool
	}
	if d.cfg.ClientCertPath != "" {
		pair, err := tls.LoadX509KeyPair(d.cfg.ClientCertPath, d.cfg.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tc.Certificates = []tls.Certificate{pair}
	}
	return tc, nil
}

func (d *Driver) recordBrokerResult(name string, ok bool, rtt time.Duration) {
	if d.manager != nil {
		d.manager.RecordResult(name, ok, rtt)
	}
}

// restoreSubscriptions re-establishes everything in the subscription
// map at its recorded QoS, routing every delivery through the message
// pump.
func (d *Driver) restoreSubscriptions(client paho.Client) *pulse.ErrorInfo {
	d.subMu.RLock()
	filters := make(map[string]byte, len(d.subs))
	for t, q := range d.subs {
		filters[t] = q
	}
	d.subMu.RUnlock()

	for topic, qos := range filters {
		token := client.Subscribe(topic, qos, nil) // nil → default handler
		if !token.WaitTimeout(d.dev.Timeout()) {
			return pulse.NewError(pulse.ErrConnectionTimeout, protocolName, "subscribe timed out").WithContext(topic)
		}
		if err := token.Error(); err != nil {
			return pulse.NewError(pulse.ErrProtocolError, protocolName, err.Error()).WithContext(topic)
		}
	}
	return nil
}

func (d *Driver) Disconnect() error {
	if d.stopCh == nil {
		d.SetStatus(driver.StatusStopped)
		return nil
	}
	d.SetStatus(driver.StatusStopping)
	d.stopOnce.Do(func() { close(d.stopCh) })
	if d.manager != nil {
		d.manager.Stop()
	}

	limit := time.After(d.dev.Timeout() * 2)
	for _, ch := range []chan struct{}{d.pumpDone, d.monDone} {
		select {
		case <-ch:
		case <-limit:
			logging.Warn("mqtt background task did not stop in time", "device", d.dev.ID)
		}
	}

	d.clientMu.Lock()
	if d.client != nil && d.client.IsConnected() {
		d.client.Disconnect(250)
	}
	d.clientMu.Unlock()

	d.SetStatus(driver.StatusStopped)
	logging.Info("mqtt disconnected", "device", d.dev.ID)
	return nil
}

/* =========================
   Background tasks
   ========================= */

// pump consumes incoming messages and drains the publish queue. It is
// the only goroutine that touches the publish failure streak.
func (d *Driver) pump() {
	defer close(d.pumpDone)
	for {
		select {
		case <-d.stopCh:
			// fail whatever is still queued; nothing is dropped silently
			for {
				select {
				case job := <-d.pubCh:
					d.Statistics().IncCounter("publish_failures")
					if job.point != nil {
						d.Statistics().RecordWrite(false, 0)
					}
					d.Fail(pulse.NewError(pulse.ErrConnectionLost, protocolName,
						"publish cancelled: driver stopping").WithContext(job.topic))
				default:
					return
				}
			}
		case ev := <-d.msgCh:
			d.handleMessage(ev)
		case job := <-d.pubCh:
			d.doPublish(job)
		}
	}
}

// monitor reacts to connection transitions and failover triggers, and
// periodically checks the load spread.
func (d *Driver) monitor() {
	defer close(d.monDone)
	rebalance := time.NewTicker(30 * time.Second)
	defer rebalance.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case ev := <-d.connCh:
			if ev.up {
				continue
			}
			d.Statistics().IncCounter("broker_disconnections")
			d.Fail(pulse.NewError(pulse.ErrConnectionLost, protocolName, lostReason(ev.err)))
			if d.cfg.AutoReconnect {
				d.reconnectLoop("connection lost")
			} else {
				d.SetStatus(driver.StatusError)
			}
		case reason := <-d.failoverCh:
			d.reconnectLoop(reason)
		case <-rebalance.C:
			if d.manager != nil && d.manager.LoadBalancer().NeedsRebalance() {
				logging.Info("mqtt publish load imbalanced, rebalancing", "device", d.dev.ID,
					"spread", d.manager.LoadBalancer().Spread())
				d.manager.LoadBalancer().Rebalance()
			}
		}
	}
}

func lostReason(err error) string {
	if err == nil {
		return "connection lost"
	}
	return err.Error()
}

// reconnectLoop runs the backoff schedule until a broker accepts the
// connection or the attempt budget runs out. With a broker set the
// next target is chosen by the failover selection rule, excluding the
// broker that just failed.
func (d *Driver) reconnectLoop(reason string) {
	d.SetStatus(driver.StatusReconnecting)
	from, _ := d.currentBroker.Load().(string)

	attempt := 0
	for {
		attempt++
		if d.exhausted(attempt) {
			d.SetStatus(driver.StatusError)
			d.Fail(pulse.NewError(pulse.ErrConnectionFailed, protocolName,
				fmt.Sprintf("reconnect attempts exhausted after %d", attempt-1)))
			return
		}

		select {
		case <-d.stopCh:
			return
		case <-time.After(d.reconnectDelay(attempt)):
		}

		url, name := d.pickBroker(from)
		ctx, cancel := context.WithTimeout(context.Background(), d.dev.Timeout())
		err := d.connectOnce(ctx, url, name)
		cancel()
		if err != nil {
			logging.Warn("mqtt reconnect failed", "device", d.dev.ID, "broker", name,
				"attempt", attempt, "error", err)
			continue
		}

		if d.manager != nil && name != from {
			d.manager.RecordFailover(from, name, reason, attempt)
			logging.Info("mqtt failover complete", "device", d.dev.ID, "from", from, "to", name)
		}
		d.Statistics().RecordConnection(true)
		d.ClearError()
		d.SetStatus(driver.StatusConnected)
		return
	}
}

func (d *Driver) exhausted(attempt int) bool {
	if d.manager != nil {
		return d.manager.Exhausted(attempt)
	}
	max := d.cfg.MaxReconnectAttempts
	return max >= 0 && attempt > max
}

func (d *Driver) reconnectDelay(attempt int) time.Duration {
	if d.manager != nil {
		return d.manager.Delay(attempt)
	}
	return d.cfg.ReconnectDelay()
}

// TriggerFailover forces a broker switch, the explicit third failover
// trigger besides connection loss and publish failure streaks.
func (d *Driver) TriggerFailover(reason string) {
	select {
	case d.failoverCh <- reason:
	default:
	}
}

/* =========================
   Incoming messages
   ========================= */

func (d *Driver) handleMessage(ev msgEvent) {
	stats := d.Statistics()
	stats.IncCounter("messages_received")
	stats.IncCounter(fmt.Sprintf("qos%d_messages", ev.qos))
	if ev.retained {
		stats.IncCounter("retained_messages")
	}

	points := d.index.match(ev.topic)
	if len(points) == 0 {
		stats.IncCounter("unmatched_messages")
		return
	}

	for _, p := range points {
		raw, err := decodePayload(p, ev.payload)
		if err != nil {
			d.Fail(pulse.NewError(pulse.ErrDataFormat, protocolName, err.Error()).WithContext(ev.topic))
			d.emit(pulse.NewReading(p.ID, pulse.Value{}, pulse.QualityBad, d.dev.ID))
			continue
		}
		scaled, quality := p.Scaling().Apply(raw)
		if quality == pulse.QualityGood && d.degradeNext.CompareAndSwap(true, false) {
			quality = pulse.QualityUncertain
		}
		d.emit(pulse.NewReading(p.ID, scaled, quality, d.dev.ID))
	}
}

func (d *Driver) emit(tv pulse.TimestampedValue) {
	d.cacheMu.Lock()
	d.cache[tv.PointID] = tv
	d.cacheMu.Unlock()
	if d.consumer != nil {
		d.consumer(tv)
	}
}

/* =========================
   Reads (cache only)
   ========================= */

// ReadValues never generates network traffic: MQTT has no
// request/response read, so it serves the most recent cached value per
// point, degraded to Stale past three log intervals.
func (d *Driver) ReadValues(_ context.Context, points []*config.PointDescriptor) ([]pulse.TimestampedValue, error) {
	if len(points) == 0 {
		return nil, pulse.NewError(pulse.ErrInvalidParameter, protocolName, "empty point slice")
	}

	now := time.Now()
	out := make([]pulse.TimestampedValue, len(points))
	usable := 0

	d.cacheMu.RLock()
	for i, p := range points {
		tv, ok := d.cache[p.ID]
		if !ok {
			out[i] = pulse.TimestampedValue{
				PointID: p.ID, Quality: pulse.QualityBad, Timestamp: now, Source: d.dev.ID,
			}
			continue
		}
		if now.Sub(tv.Timestamp) > d.staleAfter(p) {
			tv.Quality = pulse.QualityStale
		}
		out[i] = tv
		if tv.Quality.Usable() {
			usable++
		}
	}
	d.cacheMu.RUnlock()

	d.Statistics().RecordRead(usable > 0, 0)
	return out, nil
}

func (d *Driver) staleAfter(p *config.PointDescriptor) time.Duration {
	if iv := p.LogInterval(); iv > 0 {
		return iv * 3
	}
	if iv := d.dev.PollInterval(); iv > 0 {
		return iv * 3
	}
	return 30 * time.Second
}

/* =========================
   Publishes
   ========================= */

func (d *Driver) WriteValue(_ context.Context, p *config.PointDescriptor, v pulse.Value) error {
	if !p.Access.CanWrite() {
		return d.Fail(pulse.NewError(pulse.ErrInvalidParameter, protocolName,
			"point is read-only").WithContext(p.ID))
	}
	if st := d.Status(); st != driver.StatusConnected && st != driver.StatusReconnecting {
		return d.Fail(pulse.NewError(pulse.ErrConnectionLost, protocolName,
			fmt.Sprintf("write in state %s", st)))
	}

	payload, err := encodePayload(p, v)
	if err != nil {
		return d.Fail(pulse.NewError(pulse.ErrTypeMismatch, protocolName, err.Error()).WithContext(p.ID))
	}
	topic := p.Param("write_topic", p.AddressString)
	job := publishJob{
		point:   p,
		topic:   topic,
		payload: payload,
		qos:     byte(p.ParamInt("qos", int(d.cfg.QoS))),
		retain:  p.ParamBool("retain", false),
	}

	select {
	case d.pubCh <- job:
		return nil
	default:
		d.Statistics().IncCounter("publish_failures")
		return d.Fail(pulse.NewError(pulse.ErrResourceExhausted, protocolName,
			"publish queue full").WithContext(topic))
	}
}

// Publish enqueues a raw payload, the escape hatch for non-point
// traffic (diagnostics, announcements).
func (d *Driver) Publish(topic string, qos byte, retain bool, payload []byte) error {
	select {
	case d.pubCh <- publishJob{topic: topic, payload: payload, qos: qos, retain: retain}:
		return nil
	default:
		d.Statistics().IncCounter("publish_failures")
		return pulse.NewError(pulse.ErrResourceExhausted, protocolName, "publish queue full").WithContext(topic)
	}
}

func (d *Driver) doPublish(job publishJob) {
	d.clientMu.Lock()
	client := d.client
	d.clientMu.Unlock()

	stats := d.Statistics()
	start := time.Now()
	var failErr *pulse.ErrorInfo

	if client == nil || !client.IsConnected() {
		failErr = pulse.NewError(pulse.ErrConnectionLost, protocolName, "not connected").WithContext(job.topic)
	} else {
		token := client.Publish(job.topic, job.qos, job.retain, job.payload)
		if !token.WaitTimeout(d.dev.Timeout()) {
			stats.IncCounter("mqtt_delivery_timeout")
			d.degradeNext.Store(true)
			failErr = pulse.NewError(pulse.ErrConnectionTimeout, protocolName,
				"delivery not confirmed in time").WithContext(job.topic)
		} else if err := token.Error(); err != nil {
			failErr = pulse.NewError(pulse.ErrProtocolError, protocolName, err.Error()).WithContext(job.topic)
		}
	}

	if failErr != nil {
		stats.IncCounter("publish_failures")
		if job.point != nil {
			stats.RecordWrite(false, time.Since(start))
		}
		d.Fail(failErr)
		d.pubFailStreak++
		if d.manager != nil && d.pubFailStreak >= d.manager.cfg.PublishFailureThreshold {
			d.pubFailStreak = 0
			d.TriggerFailover("publish failures")
		}
		return
	}

	d.pubFailStreak = 0
	stats.IncCounter("messages_published")
	stats.IncCounter(fmt.Sprintf("qos%d_messages", job.qos))
	if job.qos > 0 {
		stats.IncCounter("mqtt_delivery_complete")
	}
	if job.point != nil {
		stats.RecordWrite(true, time.Since(start))
	}
	if d.manager != nil {
		if name, _ := d.currentBroker.Load().(string); name != "" {
			d.manager.LoadBalancer().RecordPick(name)
		}
	}
	d.ClearError()
}

/* =========================
   Subscription management
   ========================= */

// Subscribe adds a topic to the live map and, when connected,
// establishes it immediately. The map is what reconnect restores.
func (d *Driver) Subscribe(topic string, qos byte) error {
	d.subMu.Lock()
	d.subs[topic] = qos
	d.subMu.Unlock()
	d.Statistics().IncCounter("subscription_count")

	d.clientMu.Lock()
	client := d.client
	d.clientMu.Unlock()
	if client == nil || !client.IsConnected() {
		return nil // picked up by the next (re)connect
	}
	token := client.Subscribe(topic, qos, nil)
	if !token.WaitTimeout(d.dev.Timeout()) {
		return pulse.NewError(pulse.ErrConnectionTimeout, protocolName, "subscribe timed out").WithContext(topic)
	}
	if err := token.Error(); err != nil {
		return pulse.NewError(pulse.ErrProtocolError, protocolName, err.Error()).WithContext(topic)
	}
	return nil
}

func (d *Driver) Unsubscribe(topic string) error {
	d.subMu.Lock()
	delete(d.subs, topic)
	d.subMu.Unlock()

	d.clientMu.Lock()
	client := d.client
	d.clientMu.Unlock()
	if client == nil || !client.IsConnected() {
		return nil
	}
	token := client.Unsubscribe(topic)
	if !token.WaitTimeout(d.dev.Timeout()) {
		return pulse.NewError(pulse.ErrConnectionTimeout, protocolName, "unsubscribe timed out").WithContext(topic)
	}
	if err := token.Error(); err != nil {
		return pulse.NewError(pulse.ErrProtocolError, protocolName, err.Error()).WithContext(topic)
	}
	return nil
}

// SubscribedTopics snapshots the live subscription map.
func (d *Driver) SubscribedTopics() []string {
	d.subMu.RLock()
	defer d.subMu.RUnlock()
	out := make([]string, 0, len(d.subs))
	for t := range d.subs {
		out = append(out, t)
	}
	return out
}

/* =========================
   Diagnostics
   ========================= */

func (d *Driver) Diagnostics() driver.Diagnostics {
	diag := d.Diagnose(d.dev.Endpoint)
	diag.Subscriptions = d.SubscribedTopics()
	if d.manager != nil {
		for _, e := range d.manager.Events() {
			diag.Events = append(diag.Events, e)
		}
	}
	return diag
}

// waitToken awaits a paho token against both the context and the
// driver timeout.
func waitToken(ctx context.Context, token paho.Token, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	case <-ctx.Done():
		return false
	}
}
