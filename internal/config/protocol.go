package config

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ProtocolConfig is the per-protocol half of a device descriptor.
// Exactly one variant is set while the device is active; accessors
// return (cfg, ok) so callers pattern-match instead of asserting.
type ProtocolConfig struct {
	Modbus *ModbusConfig `yaml:"modbus,omitempty" json:"modbus,omitempty"`
	MQTT   *MQTTConfig   `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
	BACnet *BACnetConfig `yaml:"bacnet,omitempty" json:"bacnet,omitempty"`
}

func (c *ProtocolConfig) GetModbus() (*ModbusConfig, bool) { return c.Modbus, c.Modbus != nil }
func (c *ProtocolConfig) GetMQTT() (*MQTTConfig, bool)     { return c.MQTT, c.MQTT != nil }
func (c *ProtocolConfig) GetBACnet() (*BACnetConfig, bool) { return c.BACnet, c.BACnet != nil }

func (c *ProtocolConfig) validateFor(p Protocol, deviceID string) error {
	set := 0
	if c.Modbus != nil {
		set++
	}
	if c.MQTT != nil {
		set++
	}
	if c.BACnet != nil {
		set++
	}
	if set > 1 {
		return fmt.Errorf("device %s: more than one protocol config set", deviceID)
	}

	switch p {
	case ProtocolModbusTCP, ProtocolModbusRTU:
		if c.Modbus == nil {
			c.Modbus = &ModbusConfig{}
		}
		c.Modbus.Mode = string(p)
		return c.Modbus.validate(deviceID, p == ProtocolModbusRTU)
	case ProtocolMQTT:
		if c.MQTT == nil {
			c.MQTT = &MQTTConfig{}
		}
		return c.MQTT.validate(deviceID)
	case ProtocolBACnetIP:
		if c.BACnet == nil {
			c.BACnet = &BACnetConfig{}
		}
		return c.BACnet.validate(deviceID)
	}
	return nil
}

/* =========================
   Modbus
   ========================= */

type ModbusConfig struct {
	SlaveID                uint8  `yaml:"slaveId" json:"slaveId"`
	MaxRegistersPerRequest uint16 `yaml:"maxRegistersPerRequest" json:"maxRegistersPerRequest"`
	Mode                   string `yaml:"-" json:"mode"` // derived from device protocol
	ByteSwap               bool   `yaml:"byteSwap" json:"byteSwap"`
	WordSwap               bool   `yaml:"wordSwap" json:"wordSwap"`
	RegisterGapThreshold   uint16 `yaml:"registerGapThreshold" json:"registerGapThreshold"`
	RetryIntervalMs        int    `yaml:"retryIntervalMs" json:"retryIntervalMs"`
	SettleBeforeRequestMs  int    `yaml:"settleBeforeRequestMs" json:"settleBeforeRequestMs,omitempty"`
	SettleAfterWriteMs     int    `yaml:"settleAfterWriteMs" json:"settleAfterWriteMs,omitempty"`

	// RTU only
	SerialPort string `yaml:"serialPort" json:"serialPort,omitempty"`
	Baudrate   int    `yaml:"baudrate" json:"baudrate,omitempty"`
	Parity     string `yaml:"parity" json:"parity,omitempty"`
	DataBits   int    `yaml:"dataBits" json:"dataBits,omitempty"`
	StopBits   int    `yaml:"stopBits" json:"stopBits,omitempty"`
}

func (m *ModbusConfig) RetryInterval() time.Duration {
	return time.Duration(m.RetryIntervalMs) * time.Millisecond
}

func (m *ModbusConfig) SettleBeforeRequest() time.Duration {
	return time.Duration(m.SettleBeforeRequestMs) * time.Millisecond
}

func (m *ModbusConfig) SettleAfterWrite() time.Duration {
	return time.Duration(m.SettleAfterWriteMs) * time.Millisecond
}

func (m *ModbusConfig) validate(deviceID string, rtu bool) error {
	var errs multiErr

	if m.SlaveID == 0 {
		m.SlaveID = 1
	}
	if m.SlaveID > 247 {
		errs.addf("device %s: modbus slaveId must be 1..247", deviceID)
	}
	if m.MaxRegistersPerRequest == 0 {
		m.MaxRegistersPerRequest = 125
	}
	if m.MaxRegistersPerRequest > 125 {
		errs.addf("device %s: maxRegistersPerRequest must be 1..125", deviceID)
	}
	if m.RegisterGapThreshold == 0 {
		m.RegisterGapThreshold = 4
	}
	if m.RetryIntervalMs <= 0 {
		m.RetryIntervalMs = 200
	}

	if rtu {
		if strings.TrimSpace(m.SerialPort) == "" {
			errs.addf("device %s: serialPort is required for modbus-rtu", deviceID)
		}
		if m.Baudrate <= 0 {
			m.Baudrate = 9600
		}
		if m.DataBits == 0 {
			m.DataBits = 8
		}
		if m.StopBits == 0 {
			m.StopBits = 1
		}
		if m.Parity == "" {
			m.Parity = "N"
		}
		if !slices.Contains([]string{"N", "E", "O"}, strings.ToUpper(m.Parity)) {
			errs.addf("device %s: parity must be one of N,E,O", deviceID)
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

/* =========================
   MQTT
   ========================= */

type LastWill struct {
	Topic   string `yaml:"topic" json:"topic"`
	Payload string `yaml:"payload" json:"payload"`
	QoS     byte   `yaml:"qos" json:"qos"`
	Retain  bool   `yaml:"retain" json:"retain"`
}

// BrokerRef is one entry of the optional multi-broker set. Lower
// priority wins; weight feeds the weighted load-balancing algorithms.
type BrokerRef struct {
	URL      string `yaml:"url" json:"url"`
	Name     string `yaml:"name" json:"name"`
	Priority int    `yaml:"priority" json:"priority"`
	Weight   int    `yaml:"weight" json:"weight"`
}

// FailoverSettings tune the multi-broker reconnect machinery.
type FailoverSettings struct {
	InitialDelayMs          int     `yaml:"initialDelayMs" json:"initialDelayMs"`
	Multiplier              float64 `yaml:"multiplier" json:"multiplier"`
	MaxDelayMs              int     `yaml:"maxDelayMs" json:"maxDelayMs"`
	Jitter                  bool    `yaml:"jitter" json:"jitter"`
	MaxAttempts             int     `yaml:"maxAttempts" json:"maxAttempts"` // -1 = unbounded
	HealthCheckIntervalMs   int     `yaml:"healthCheckIntervalMs" json:"healthCheckIntervalMs"`
	ProbeFailureThreshold   int     `yaml:"probeFailureThreshold" json:"probeFailureThreshold"`
	PublishFailureThreshold int     `yaml:"publishFailureThreshold" json:"publishFailureThreshold"`
	LoadBalance             string  `yaml:"loadBalance" json:"loadBalance"` // round-robin | weighted | least-loaded | response-time | hash
	RebalanceThresholdPct   float64 `yaml:"rebalanceThresholdPct" json:"rebalanceThresholdPct"`
}

func (f *FailoverSettings) InitialDelay() time.Duration {
	return time.Duration(f.InitialDelayMs) * time.Millisecond
}

func (f *FailoverSettings) MaxDelay() time.Duration {
	return time.Duration(f.MaxDelayMs) * time.Millisecond
}

func (f *FailoverSettings) HealthCheckInterval() time.Duration {
	return time.Duration(f.HealthCheckIntervalMs) * time.Millisecond
}

type MQTTConfig struct {
	ClientID             string    `yaml:"clientId" json:"clientId"`
	Username             string    `yaml:"username" json:"username,omitempty"`
	Password             string    `yaml:"password" json:"-"`
	QoS                  byte      `yaml:"qos" json:"qos"`
	CleanSession         bool      `yaml:"cleanSession" json:"cleanSession"`
	KeepaliveS           int       `yaml:"keepaliveS" json:"keepaliveS"`
	UseSSL               bool      `yaml:"useSsl" json:"useSsl"`
	CACertPath           string    `yaml:"caCertPath" json:"caCertPath,omitempty"`
	ClientCertPath       string    `yaml:"clientCertPath" json:"clientCertPath,omitempty"`
	ClientKeyPath        string    `yaml:"clientKeyPath" json:"clientKeyPath,omitempty"`
	AutoReconnect        bool      `yaml:"autoReconnect" json:"autoReconnect"`
	MaxReconnectAttempts int       `yaml:"maxReconnectAttempts" json:"maxReconnectAttempts"`
	ReconnectDelayMs     int       `yaml:"reconnectDelayMs" json:"reconnectDelayMs"`
	PublishQueueSize     int       `yaml:"publishQueueSize" json:"publishQueueSize"`
	LastWill             *LastWill `yaml:"lastWill" json:"lastWill,omitempty"`

	Brokers  []BrokerRef       `yaml:"brokers" json:"brokers,omitempty"`
	Failover *FailoverSettings `yaml:"failover" json:"failover,omitempty"`
}

func (m *MQTTConfig) Keepalive() time.Duration {
	return time.Duration(m.KeepaliveS) * time.Second
}

func (m *MQTTConfig) ReconnectDelay() time.Duration {
	return time.Duration(m.ReconnectDelayMs) * time.Millisecond
}

func (m *MQTTConfig) validate(deviceID string) error {
	var errs multiErr

	if m.QoS > 2 {
		errs.addf("device %s: mqtt qos must be 0, 1 or 2", deviceID)
	}
	if m.KeepaliveS <= 0 {
		m.KeepaliveS = 30
	}
	if m.ReconnectDelayMs <= 0 {
		m.ReconnectDelayMs = 1000
	}
	if m.MaxReconnectAttempts == 0 {
		m.MaxReconnectAttempts = -1 // unbounded
	}
	if m.PublishQueueSize <= 0 {
		m.PublishQueueSize = 10000
	}
	if m.UseSSL && m.ClientCertPath != "" && m.ClientKeyPath == "" {
		errs.addf("device %s: clientKeyPath is required with clientCertPath", deviceID)
	}
	if lw := m.LastWill; lw != nil {
		if strings.TrimSpace(lw.Topic) == "" {
			errs.addf("device %s: lastWill.topic is required", deviceID)
		}
		if lw.QoS > 2 {
			errs.addf("device %s: lastWill.qos must be 0, 1 or 2", deviceID)
		}
	}

	for i, b := range m.Brokers {
		if strings.TrimSpace(b.URL) == "" {
			errs.addf("device %s: brokers[%d].url is required", deviceID, i)
		}
		if b.Name == "" {
			m.Brokers[i].Name = b.URL
		}
		if b.Weight <= 0 {
			m.Brokers[i].Weight = 1
		}
	}
	if len(m.Brokers) > 0 {
		if m.Failover == nil {
			m.Failover = &FailoverSettings{}
		}
	}
	if f := m.Failover; f != nil {
		if f.InitialDelayMs <= 0 {
			f.InitialDelayMs = m.ReconnectDelayMs
		}
		if f.Multiplier < 1 {
			f.Multiplier = 2
		}
		if f.MaxDelayMs <= 0 {
			f.MaxDelayMs = 30000
		}
		if f.MaxAttempts == 0 {
			f.MaxAttempts = m.MaxReconnectAttempts
		}
		if f.ProbeFailureThreshold <= 0 {
			f.ProbeFailureThreshold = 3
		}
		if f.PublishFailureThreshold <= 0 {
			f.PublishFailureThreshold = 3
		}
		if f.RebalanceThresholdPct <= 0 {
			f.RebalanceThresholdPct = 30
		}
		if f.LoadBalance == "" {
			f.LoadBalance = "round-robin"
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

/* =========================
   BACnet
   ========================= */

type BACnetConfig struct {
	DeviceInstance              uint32 `yaml:"deviceInstance" json:"deviceInstance"`
	Port                        int    `yaml:"port" json:"port"`
	MaxAPDU                     int    `yaml:"maxApdu" json:"maxApdu"`
	SupportCOV                  bool   `yaml:"supportCov" json:"supportCov"`
	SupportWhoIs                bool   `yaml:"supportWhoIs" json:"supportWhoIs"`
	SupportReadPropertyMultiple bool   `yaml:"supportReadPropertyMultiple" json:"supportReadPropertyMultiple"`
	Segmentation                bool   `yaml:"segmentation" json:"segmentation"`
	MaxSegments                 int    `yaml:"maxSegments" json:"maxSegments"`
	Priority                    uint8  `yaml:"priority" json:"priority"`
	WhoIsIntervalS              int    `yaml:"whoIsIntervalS" json:"whoIsIntervalS"`
	COVLifetimeS                int    `yaml:"covLifetimeS" json:"covLifetimeS"`
	APDUTimeoutS                int    `yaml:"apduTimeoutS" json:"apduTimeoutS"`
	APDURetries                 int    `yaml:"apduRetries" json:"apduRetries"`
	BBMDAddress                 string `yaml:"bbmdAddress" json:"bbmdAddress,omitempty"`
	BBMDPort                    int    `yaml:"bbmdPort" json:"bbmdPort,omitempty"`
}

func (b *BACnetConfig) WhoIsInterval() time.Duration {
	return time.Duration(b.WhoIsIntervalS) * time.Second
}

func (b *BACnetConfig) COVLifetime() time.Duration {
	return time.Duration(b.COVLifetimeS) * time.Second
}

func (b *BACnetConfig) APDUTimeout() time.Duration {
	return time.Duration(b.APDUTimeoutS) * time.Second
}

func (b *BACnetConfig) validate(deviceID string) error {
	var errs multiErr

	// 4194303 is the Who-Is broadcast wildcard, reserved.
	if b.DeviceInstance > 4194302 {
		errs.addf("device %s: bacnet deviceInstance must be 0..4194302", deviceID)
	}
	if b.Port == 0 {
		b.Port = 47808
	}
	if b.Port < 1 || b.Port > 65535 {
		errs.addf("device %s: bacnet port out of range", deviceID)
	}
	if b.MaxAPDU == 0 {
		b.MaxAPDU = 1476
	}
	if b.MaxAPDU < 50 || b.MaxAPDU > 1476 {
		errs.addf("device %s: maxApdu must be 50..1476", deviceID)
	}
	if b.Priority == 0 {
		b.Priority = 16
	}
	if b.Priority > 16 {
		errs.addf("device %s: priority must be 1..16", deviceID)
	}
	if b.MaxSegments <= 0 {
		b.MaxSegments = 16
	}
	if b.WhoIsIntervalS <= 0 {
		b.WhoIsIntervalS = 10
	}
	if b.COVLifetimeS <= 0 {
		b.COVLifetimeS = 3600
	}
	if b.APDUTimeoutS <= 0 {
		b.APDUTimeoutS = 6
	}
	if b.APDURetries <= 0 {
		b.APDURetries = 3
	}
	if b.BBMDAddress != "" && b.BBMDPort == 0 {
		b.BBMDPort = 47808
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
