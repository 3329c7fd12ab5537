package driver

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/smart-guard/pulseone/internal/config"
	"github.com/smart-guard/pulseone/internal/pulse"
)

// Status is the shared driver state machine:
//
//	Uninitialized → Initialized → Starting → Connected ⇄ Reconnecting
//	→ Stopping → Stopped
//
// Error is reachable from any active state and sticks until
// Disconnect+Initialize.
type Status int32

const (
	StatusUninitialized Status = iota
	StatusInitialized
	StatusStarting
	StatusConnected
	StatusReconnecting
	StatusStopping
	StatusStopped
	StatusError
)

var statusNames = map[Status]string{
	StatusUninitialized: "uninitialized",
	StatusInitialized:   "initialized",
	StatusStarting:      "starting",
	StatusConnected:     "connected",
	StatusReconnecting:  "reconnecting",
	StatusStopping:      "stopping",
	StatusStopped:       "stopped",
	StatusError:         "error",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// Consumer receives every value a driver produces. Fanout beyond one
// consumer is the caller's problem.
type Consumer func(pulse.TimestampedValue)

// Driver is the uniform contract every protocol implements. One
// instance binds to one device for its whole lifetime; restart means
// discard and build a new one.
type Driver interface {
	// Initialize validates the descriptor set and moves
	// Uninitialized→Initialized. ConfigurationError on invalid config.
	Initialize(dev *config.DeviceDescriptor, points []*config.PointDescriptor) error

	// Connect opens the transport. Idempotent once Connected.
	Connect(ctx context.Context) error

	// Disconnect releases the transport and moves to Stopped. Never
	// fails observably.
	Disconnect() error

	// IsConnected is a state snapshot, no I/O.
	IsConnected() bool

	// SetConsumer registers the sink for produced values. Must be
	// called before Connect.
	SetConsumer(c Consumer)

	// ReadValues yields one TimestampedValue per requested point, same
	// length and order. Per-point failures carry Bad/Timeout quality.
	// The Modbus and BACnet drivers return an error when no point in the
	// batch could be read; the MQTT driver serves its cache and does not
	// fail a non-empty batch.
	ReadValues(ctx context.Context, points []*config.PointDescriptor) ([]pulse.TimestampedValue, error)

	// WriteValue coerces and writes one value. Fails with
	// InvalidParameter for read-only points.
	WriteValue(ctx context.Context, point *config.PointDescriptor, v pulse.Value) error

	Statistics() *Statistics
	ResetStatistics()

	// LastError returns the most recent ErrorInfo, Success if none.
	// reset_statistics does not clear it; a successful operation does.
	LastError() *pulse.ErrorInfo

	Status() Status
}

/* =========================
   Shared bookkeeping core
   ========================= */

// Core is the state + stats + last-error bookkeeping every driver
// embeds. Transitions are atomic; concurrent callers see one
// consistent state.
type Core struct {
	protocol string
	state    atomic.Int32
	stats    *Statistics
	lastErr  atomic.Pointer[pulse.ErrorInfo]
}

func NewCore(protocol string) *Core {
	c := &Core{protocol: protocol, stats: NewStatistics(protocol)}
	c.lastErr.Store(pulse.Success(protocol))
	return c
}

func (c *Core) Protocol() string { return c.protocol }

func (c *Core) Status() Status       { return Status(c.state.Load()) }
func (c *Core) SetStatus(s Status)   { c.state.Store(int32(s)) }
func (c *Core) IsConnected() bool    { return c.Status() == StatusConnected }
func (c *Core) CompareAndSwap(from, to Status) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

func (c *Core) Statistics() *Statistics { return c.stats }
func (c *Core) ResetStatistics()        { c.stats.Reset() }

func (c *Core) LastError() *pulse.ErrorInfo { return c.lastErr.Load() }

// Fail records an error and, for fatal categories, trips the Error
// state.
func (c *Core) Fail(err *pulse.ErrorInfo) *pulse.ErrorInfo {
	c.lastErr.Store(err)
	c.stats.MarkError()
	if err.Category.Fatal() || err.Category == pulse.ErrAuthFailed {
		c.SetStatus(StatusError)
	}
	return err
}

// ClearError is called on any successful operation.
func (c *Core) ClearError() {
	if !c.lastErr.Load().IsSuccess() {
		c.lastErr.Store(pulse.Success(c.protocol))
	}
}

/* =========================
   Diagnostics snapshot
   ========================= */

// Diagnostics is the JSON snapshot every driver can emit.
type Diagnostics struct {
	Status        string        `json:"status"`
	Protocol      string        `json:"protocol"`
	Endpoint      string        `json:"endpoint"`
	Statistics    StatsSnapshot `json:"statistics"`
	Subscriptions []string      `json:"subscriptions,omitempty"`
	Events        []any         `json:"events,omitempty"`
}

// Diagnose assembles the common part of a snapshot.
func (c *Core) Diagnose(endpoint string) Diagnostics {
	return Diagnostics{
		Status:     c.Status().String(),
		Protocol:   c.protocol,
		Endpoint:   endpoint,
		Statistics: c.stats.Snapshot(),
	}
}
