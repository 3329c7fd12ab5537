package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/smart-guard/pulseone/internal/pulse"
)

/* =========================
   Protocol + access enums
   ========================= */

// Protocol is the canonical protocol set used by the driver layer.
// Legacy config spellings are folded in by ParseProtocol.
type Protocol string

const (
	ProtocolModbusTCP Protocol = "modbus-tcp"
	ProtocolModbusRTU Protocol = "modbus-rtu"
	ProtocolMQTT      Protocol = "mqtt"
	ProtocolBACnetIP  Protocol = "bacnet-ip"
)

func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "-")) {
	case "modbus-tcp", "modbustcp", "modbus":
		return ProtocolModbusTCP, nil
	case "modbus-rtu", "modbusrtu":
		return ProtocolModbusRTU, nil
	case "mqtt", "mqtts":
		return ProtocolMQTT, nil
	case "bacnet-ip", "bacnet", "bacnetip":
		return ProtocolBACnetIP, nil
	}
	return "", fmt.Errorf("unknown protocol %q", s)
}

type AccessMode string

const (
	AccessRead      AccessMode = "r"
	AccessWrite     AccessMode = "w"
	AccessReadWrite AccessMode = "rw"
)

func (a AccessMode) CanRead() bool  { return a == AccessRead || a == AccessReadWrite }
func (a AccessMode) CanWrite() bool { return a == AccessWrite || a == AccessReadWrite }

/* =========================
   Point descriptor
   ========================= */

// PointDescriptor is one addressable datum on a device. AddressNumeric
// is authoritative for Modbus registers and BACnet object instances,
// AddressString for MQTT topics. Read-only for the worker once built.
type PointDescriptor struct {
	ID             string            `yaml:"id" json:"id"`
	DeviceID       string            `yaml:"deviceId" json:"deviceId"`
	Name           string            `yaml:"name" json:"name"`
	AddressNumeric uint32            `yaml:"address" json:"address"`
	AddressString  string            `yaml:"addressString" json:"addressString"`
	DataType       string            `yaml:"dataType" json:"dataType"`
	Access         AccessMode        `yaml:"access" json:"access"`
	Enabled        bool              `yaml:"enabled" json:"enabled"`
	Unit           string            `yaml:"unit" json:"unit,omitempty"`
	ScalingFactor  float64           `yaml:"scalingFactor" json:"scalingFactor"`
	ScalingOffset  float64           `yaml:"scalingOffset" json:"scalingOffset"`
	MinValue       float64           `yaml:"minValue" json:"minValue"`
	MaxValue       float64           `yaml:"maxValue" json:"maxValue"`
	LogEnabled     bool              `yaml:"logEnabled" json:"logEnabled"`
	LogIntervalMs  int               `yaml:"logIntervalMs" json:"logIntervalMs"`
	LogDeadband    float64           `yaml:"logDeadband" json:"logDeadband"`
	PollIntervalMs int               `yaml:"pollIntervalMs" json:"pollIntervalMs"`
	ProtocolParams map[string]string `yaml:"protocolParams" json:"protocolParams,omitempty"`
}

// Type resolves the declared data type, Unknown when unparseable.
func (p *PointDescriptor) Type() pulse.DataType {
	t, err := pulse.ParseDataType(p.DataType)
	if err != nil {
		return pulse.TypeUnknown
	}
	return t
}

// Scaling bundles the linear transform fields for pulse.Scaling.Apply.
func (p *PointDescriptor) Scaling() pulse.Scaling {
	return pulse.Scaling{
		Factor: p.ScalingFactor,
		Offset: p.ScalingOffset,
		Min:    p.MinValue,
		Max:    p.MaxValue,
	}
}

func (p *PointDescriptor) LogInterval() time.Duration {
	return time.Duration(p.LogIntervalMs) * time.Millisecond
}

// Param reads a protocol-specific knob with a fallback.
func (p *PointDescriptor) Param(key, def string) string {
	if v, ok := p.ProtocolParams[key]; ok && v != "" {
		return v
	}
	return def
}

// ParamInt is Param for integer knobs; malformed values fall back.
func (p *PointDescriptor) ParamInt(key string, def int) int {
	v, ok := p.ProtocolParams[key]
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func (p *PointDescriptor) ParamBool(key string, def bool) bool {
	v, ok := p.ProtocolParams[key]
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

/* =========================
   Device descriptor
   ========================= */

// DeviceDescriptor is one field device plus its protocol binding. A
// driver instance binds to exactly one descriptor for its lifetime.
type DeviceDescriptor struct {
	ID             string         `yaml:"id" json:"id"`
	TenantID       string         `yaml:"tenantId" json:"tenantId,omitempty"`
	SiteID         string         `yaml:"siteId" json:"siteId,omitempty"`
	Name           string         `yaml:"name" json:"name"`
	Protocol       Protocol       `yaml:"-" json:"protocol"` // normalized by the loader

	Endpoint       string         `yaml:"endpoint" json:"endpoint"`
	Enabled        bool           `yaml:"enabled" json:"enabled"`
	PollIntervalMs int            `yaml:"pollIntervalMs" json:"pollIntervalMs"`
	TimeoutMs      int            `yaml:"timeoutMs" json:"timeoutMs"`
	RetryCount     int            `yaml:"retryCount" json:"retryCount"`
	AutoReconnect  bool           `yaml:"autoReconnect" json:"autoReconnect"`
	Config         ProtocolConfig `yaml:"config" json:"config"`
}

func (d *DeviceDescriptor) Timeout() time.Duration {
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

func (d *DeviceDescriptor) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalMs) * time.Millisecond
}

// Validate checks the protocol-agnostic half and then hands off to the
// bound protocol config. Defaults are filled in place, the way the
// loader fills bus defaults.
func (d *DeviceDescriptor) Validate() error {
	var errs multiErr

	if strings.TrimSpace(d.ID) == "" {
		errs.add("device id is required")
	}
	if strings.TrimSpace(d.Name) == "" {
		d.Name = d.ID
	}
	if d.PollIntervalMs <= 0 {
		d.PollIntervalMs = 1000
	}
	if d.TimeoutMs <= 0 {
		d.TimeoutMs = 3000
	}
	if d.RetryCount < 0 {
		errs.addf("device %s: retryCount cannot be negative", d.ID)
	}

	switch d.Protocol {
	case ProtocolModbusTCP, ProtocolModbusRTU, ProtocolMQTT, ProtocolBACnetIP:
	default:
		errs.addf("device %s: unsupported protocol %q", d.ID, d.Protocol)
	}

	if d.Protocol == ProtocolModbusTCP || d.Protocol == ProtocolMQTT {
		if strings.TrimSpace(d.Endpoint) == "" {
			errs.addf("device %s: endpoint is required for %s", d.ID, d.Protocol)
		}
	}

	if err := d.Config.validateFor(d.Protocol, d.ID); err != nil {
		errs.add(err.Error())
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidatePoint checks a point against its owning device.
func (d *DeviceDescriptor) ValidatePoint(p *PointDescriptor) error {
	var errs multiErr

	if strings.TrimSpace(p.ID) == "" {
		errs.addf("device %s: point id is required", d.ID)
	}
	if p.DeviceID != "" && p.DeviceID != d.ID {
		errs.addf("point %s: belongs to device %s, not %s", p.ID, p.DeviceID, d.ID)
	}
	if _, err := pulse.ParseDataType(p.DataType); err != nil {
		errs.addf("point %s: %v", p.ID, err)
	}
	switch p.Access {
	case AccessRead, AccessWrite, AccessReadWrite, "":
	default:
		errs.addf("point %s: access must be one of r,w,rw", p.ID)
	}
	if p.Access == "" {
		p.Access = AccessRead
	}

	switch d.Protocol {
	case ProtocolModbusTCP, ProtocolModbusRTU:
		if p.AddressNumeric > 0xFFFF {
			errs.addf("point %s: register address %d out of range", p.ID, p.AddressNumeric)
		}
	case ProtocolMQTT:
		if strings.TrimSpace(p.AddressString) == "" {
			errs.addf("point %s: topic (addressString) is required for mqtt", p.ID)
		}
	case ProtocolBACnetIP:
		if p.AddressNumeric > 4194302 {
			errs.addf("point %s: object instance %d out of range", p.ID, p.AddressNumeric)
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

/* =========================
   Shared validation helper
   ========================= */

// small multi-error
type multiErr []string

func (m *multiErr) add(s string)            { *m = append(*m, s) }
func (m *multiErr) addf(f string, a ...any) { *m = append(*m, fmt.Sprintf(f, a...)) }
func (m multiErr) Error() string            { return "validation errors: " + strings.Join(m, "; ") }
