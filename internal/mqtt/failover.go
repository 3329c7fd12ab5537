package mqtt

import (
	"math/rand"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/smart-guard/pulseone/internal/config"
	"github.com/smart-guard/pulseone/internal/logging"
)

// Broker is one entry of the failover set with its live health stats.
type Broker struct {
	URL      string
	Name     string
	Priority int
	Weight   int

	mu            sync.Mutex
	available     bool
	probeFailures int
	attempts      uint64
	successes     uint64
	avgMs         float64
	hasAvg        bool
	load          uint64
}

func (b *Broker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available
}

// successRate over recorded attempts; 100 when none, so an untried
// broker is not penalized against one with a perfect record.
func (b *Broker) successRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.attempts == 0 {
		return 100.0
	}
	return float64(b.successes) / float64(b.attempts) * 100.0
}

func (b *Broker) avgResponseMs() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.avgMs
}

func (b *Broker) record(ok bool, rtt time.Duration, probeThreshold int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	if ok {
		b.successes++
		b.probeFailures = 0
		b.available = true
		ms := float64(rtt.Microseconds()) / 1000.0
		if !b.hasAvg {
			b.avgMs = ms
			b.hasAvg = true
		} else {
			b.avgMs = b.avgMs*0.9 + ms*0.1
		}
		return
	}
	b.probeFailures++
	if b.probeFailures >= probeThreshold {
		b.available = false
	}
}

// FailoverEvent is one entry of the bounded failover history.
type FailoverEvent struct {
	Time    time.Time `json:"time"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Reason  string    `json:"reason"`
	Attempt int       `json:"attempt"`
}

// eventRing is a fixed-capacity FIFO: append evicts the oldest.
type eventRing struct {
	mu    sync.Mutex
	buf   []FailoverEvent
	limit int
}

func newEventRing(limit int) *eventRing {
	return &eventRing{limit: limit}
}

func (r *eventRing) append(e FailoverEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == r.limit {
		copy(r.buf, r.buf[1:])
		r.buf = r.buf[:len(r.buf)-1]
	}
	r.buf = append(r.buf, e)
}

func (r *eventRing) all() []FailoverEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FailoverEvent, len(r.buf))
	copy(out, r.buf)
	return out
}

const failoverEventLimit = 100

// Manager owns the broker set: selection, reconnect backoff, health
// probing and the failover event history. Selection reads a stable
// snapshot under the lock; no I/O happens while it is held.
type Manager struct {
	cfg *config.FailoverSettings

	mu      sync.Mutex
	brokers []*Broker
	current string

	events *eventRing
	lb     *LoadBalancer

	stopCh  chan struct{}
	stopped sync.Once
}

func NewManager(refs []config.BrokerRef, cfg *config.FailoverSettings) *Manager {
	brokers := make([]*Broker, len(refs))
	for i, r := range refs {
		brokers[i] = &Broker{
			URL:       r.URL,
			Name:      r.Name,
			Priority:  r.Priority,
			Weight:    r.Weight,
			available: true,
		}
	}
	m := &Manager{
		cfg:     cfg,
		brokers: brokers,
		events:  newEventRing(failoverEventLimit),
		stopCh:  make(chan struct{}),
	}
	m.lb = NewLoadBalancer(Algorithm(cfg.LoadBalance), cfg.RebalanceThresholdPct)
	return m
}

func (m *Manager) Brokers() []*Broker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Broker, len(m.brokers))
	copy(out, m.brokers)
	return out
}

func (m *Manager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) SetCurrent(name string) {
	m.mu.Lock()
	m.current = name
	m.mu.Unlock()
}

// Select picks the next broker: lowest priority value first, ties
// broken by highest recent success rate, then by lowest average
// response time. Unavailable brokers and the excluded one are skipped;
// when everything is unavailable the rule runs over the full set so a
// recovering fleet still gets a candidate.
func (m *Manager) Select(exclude string) *Broker {
	m.mu.Lock()
	candidates := make([]*Broker, 0, len(m.brokers))
	for _, b := range m.brokers {
		if b.Name != exclude && b.Available() {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		for _, b := range m.brokers {
			if b.Name != exclude {
				candidates = append(candidates, b)
			}
		}
	}
	m.mu.Unlock()

	var best *Broker
	for _, b := range candidates {
		if best == nil || better(b, best) {
			best = b
		}
	}
	return best
}

func better(a, b *Broker) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	ra, rb := a.successRate(), b.successRate()
	if ra != rb {
		return ra > rb
	}
	return a.avgResponseMs() < b.avgResponseMs()
}

// Delay computes the reconnect backoff for attempt n (1-based):
// min(initial * multiplier^(n-1), max), with optional uniform jitter
// of ±25% so a broker restart does not get a thundering herd.
func (m *Manager) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(m.cfg.InitialDelay())
	for i := 1; i < attempt; i++ {
		d *= m.cfg.Multiplier
		if d >= float64(m.cfg.MaxDelay()) {
			d = float64(m.cfg.MaxDelay())
			break
		}
	}
	if d > float64(m.cfg.MaxDelay()) {
		d = float64(m.cfg.MaxDelay())
	}
	if m.cfg.Jitter {
		// uniform over [0.75d, 1.25d]
		d = d * (0.75 + rand.Float64()*0.5)
	}
	return time.Duration(d)
}

// Exhausted reports whether attempt n passed the configured bound.
func (m *Manager) Exhausted(attempt int) bool {
	return m.cfg.MaxAttempts >= 0 && attempt > m.cfg.MaxAttempts
}

func (m *Manager) RecordResult(name string, ok bool, rtt time.Duration) {
	for _, b := range m.Brokers() {
		if b.Name == name {
			b.record(ok, rtt, m.cfg.ProbeFailureThreshold)
			return
		}
	}
}

func (m *Manager) RecordFailover(from, to, reason string, attempt int) {
	m.events.append(FailoverEvent{
		Time:    time.Now(),
		From:    from,
		To:      to,
		Reason:  reason,
		Attempt: attempt,
	})
}

func (m *Manager) Events() []FailoverEvent { return m.events.all() }

func (m *Manager) LoadBalancer() *LoadBalancer { return m.lb }

// PickPublishBroker routes a publish through the load balancer,
// honoring routing rules, over the currently available brokers.
func (m *Manager) PickPublishBroker(topic string) *Broker {
	avail := make([]*Broker, 0, len(m.brokers))
	for _, b := range m.Brokers() {
		if b.Available() {
			avail = append(avail, b)
		}
	}
	if len(avail) == 0 {
		return nil
	}
	return m.lb.Pick(topic, avail)
}

/* =========================
   Health probing
   ========================= */

// probeTCP is the default health probe: a TCP dial against the broker
// address.
func probeTCP(brokerURL string, timeout time.Duration) (time.Duration, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return 0, err
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "1883")
	}
	start := time.Now()
	conn, err := net.DialTimeout("tcp", host, timeout)
	if err != nil {
		return 0, err
	}
	_ = conn.Close()
	return time.Since(start), nil
}

// StartHealthCheck runs the background prober when the interval is
// configured. One failed probe bumps the failure streak; crossing the
// threshold marks the broker unavailable, a single success restores
// it.
func (m *Manager) StartHealthCheck(probe func(url string) (time.Duration, error)) {
	if m.cfg.HealthCheckIntervalMs <= 0 {
		return
	}
	if probe == nil {
		probe = func(u string) (time.Duration, error) {
			return probeTCP(u, 2*time.Second)
		}
	}
	go func() {
		t := time.NewTicker(m.cfg.HealthCheckInterval())
		defer t.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-t.C:
				for _, b := range m.Brokers() {
					rtt, err := probe(b.URL)
					m.RecordResult(b.Name, err == nil, rtt)
					if err != nil {
						logging.Debug("broker probe failed", "broker", b.Name, "error", err)
					}
				}
			}
		}
	}()
}

func (m *Manager) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
}
