package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return p
}

const validConfig = `devices:
  - id: plc-1
    name: line plc
    protocol: MODBUS_TCP
    endpoint: 127.0.0.1:5020
    enabled: true
    config:
      modbus:
        slaveId: 1
    points:
      - id: temp
        address: 100
        dataType: int16
        access: r
        enabled: true
        scalingFactor: 0.1
        scalingOffset: -40
  - id: broker-1
    protocol: mqtt
    endpoint: tcp://127.0.0.1:1883
    enabled: true
    config:
      mqtt:
        qos: 1
    points:
      - id: hall-temp
        addressString: sensors/+/temp
        dataType: float32
        access: r
        enabled: true
  - id: ahu-1
    protocol: BACNET
    enabled: false
    config:
      bacnet:
        deviceInstance: 1200
    points:
      - id: supply-temp
        address: 3
        dataType: float32
        access: r
        enabled: true
`

func TestLoadFileValid(t *testing.T) {
	src, err := LoadFile(writeTempConfig(t, validConfig))
	require.NoError(t, err)

	dev, points, err := src.LoadDevice("plc-1")
	require.NoError(t, err)
	assert.Equal(t, ProtocolModbusTCP, dev.Protocol)
	require.Len(t, points, 1)
	assert.Equal(t, "plc-1", points[0].DeviceID)

	// defaults filled
	mb, ok := dev.Config.GetModbus()
	require.True(t, ok)
	assert.Equal(t, uint16(125), mb.MaxRegistersPerRequest)
	assert.Equal(t, uint16(4), mb.RegisterGapThreshold)
	assert.Equal(t, 1000, dev.PollIntervalMs)
	assert.Equal(t, 3000, dev.TimeoutMs)

	bac, _, err := src.LoadDevice("ahu-1")
	require.NoError(t, err)
	bc, ok := bac.Config.GetBACnet()
	require.True(t, ok)
	assert.Equal(t, 47808, bc.Port)
	assert.Equal(t, uint8(16), bc.Priority)
	assert.Equal(t, 6, bc.APDUTimeoutS)
	assert.Equal(t, 3, bc.APDURetries)
	assert.Equal(t, 3600, bc.COVLifetimeS)

	enabled, err := src.LoadEnabledDevices()
	require.NoError(t, err)
	require.Len(t, enabled, 2) // ahu-1 is disabled
}

func TestLoadFileLegacyProtocolAliases(t *testing.T) {
	src, err := LoadFile(writeTempConfig(t, validConfig))
	require.NoError(t, err)
	dev, _, _ := src.LoadDevice("ahu-1")
	assert.Equal(t, ProtocolBACnetIP, dev.Protocol)
}

func TestLoadFileRejectsUnknownFields(t *testing.T) {
	_, err := LoadFile(writeTempConfig(t, `devices:
  - id: x
    protocol: mqtt
    endpoint: tcp://h:1883
    frobnicate: yes
`))
	assert.Error(t, err)
}

func TestLoadFileRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"bad qos": `devices:
  - id: x
    protocol: mqtt
    endpoint: tcp://h:1883
    config:
      mqtt: {qos: 3}
`,
		"bacnet broadcast instance": `devices:
  - id: x
    protocol: bacnet
    config:
      bacnet: {deviceInstance: 4194303}
`,
		"modbus register cap": `devices:
  - id: x
    protocol: modbus-tcp
    endpoint: h:502
    config:
      modbus: {maxRegistersPerRequest: 126}
`,
		"duplicate device id": `devices:
  - id: x
    protocol: mqtt
    endpoint: tcp://h:1883
  - id: x
    protocol: mqtt
    endpoint: tcp://h:1883
`,
		"mqtt point without topic": `devices:
  - id: x
    protocol: mqtt
    endpoint: tcp://h:1883
    points:
      - id: p1
        dataType: int16
`,
	}
	for name, cfg := range cases {
		_, err := LoadFile(writeTempConfig(t, cfg))
		assert.Error(t, err, name)
	}
}

func TestEnvDefaultsFillGaps(t *testing.T) {
	t.Setenv("MQTT_BROKER_URL", "tcp://env-broker:1883")
	t.Setenv("PULSEONE_TIMEOUT_MS", "4500")
	t.Setenv("PULSEONE_RETRY_COUNT", "2")

	src, err := LoadFile(writeTempConfig(t, `devices:
  - id: b
    protocol: mqtt
    enabled: true
`))
	require.NoError(t, err)
	dev, _, err := src.LoadDevice("b")
	require.NoError(t, err)
	assert.Equal(t, "tcp://env-broker:1883", dev.Endpoint)
	assert.Equal(t, 4500, dev.TimeoutMs)
	assert.Equal(t, 2, dev.RetryCount)
}

func TestParseProtocol(t *testing.T) {
	for in, want := range map[string]Protocol{
		"MODBUS_TCP": ProtocolModbusTCP,
		"modbus-rtu": ProtocolModbusRTU,
		"MQTT":       ProtocolMQTT,
		"BACNET_IP":  ProtocolBACnetIP,
		"bacnet":     ProtocolBACnetIP,
	} {
		got, err := ParseProtocol(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseProtocol("opc-ua")
	assert.Error(t, err)
}

func TestFailoverDefaults(t *testing.T) {
	src, err := LoadFile(writeTempConfig(t, `devices:
  - id: b
    protocol: mqtt
    endpoint: tcp://h:1883
    config:
      mqtt:
        brokers:
          - {url: "tcp://a:1883", name: A, priority: 0}
          - {url: "tcp://b:1883", name: B, priority: 1}
`))
	require.NoError(t, err)
	dev, _, _ := src.LoadDevice("b")
	mc, ok := dev.Config.GetMQTT()
	require.True(t, ok)
	require.NotNil(t, mc.Failover)
	assert.Equal(t, 2.0, mc.Failover.Multiplier)
	assert.Equal(t, -1, mc.Failover.MaxAttempts)
	assert.Equal(t, 3, mc.Failover.PublishFailureThreshold)
	assert.Equal(t, 1, mc.Brokers[0].Weight)
}
