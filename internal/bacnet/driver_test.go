package bacnet

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/smart-guard/pulseone/internal/config"
	"github.com/smart-guard/pulseone/internal/driver"
	"github.com/smart-guard/pulseone/internal/pulse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bacnetDevice(port int) *config.DeviceDescriptor {
	return &config.DeviceDescriptor{
		ID:             "ahu-1",
		Protocol:       config.ProtocolBACnetIP,
		Enabled:        true,
		PollIntervalMs: 1000,
		TimeoutMs:      2000,
		Config: config.ProtocolConfig{
			BACnet: &config.BACnetConfig{
				DeviceInstance: 100,
				SupportWhoIs:   true,
				WhoIsIntervalS: 1,
				APDUTimeoutS:   1,
				APDURetries:    2,
				BBMDAddress:    "127.0.0.1",
				BBMDPort:       port,
			},
		},
	}
}

func analogPoint(id string, instance uint32) *config.PointDescriptor {
	return &config.PointDescriptor{
		ID: id, DeviceID: "ahu-1", AddressNumeric: instance,
		DataType: "float32", Access: config.AccessReadWrite,
		Enabled: true, ScalingFactor: 1,
		ProtocolParams: map[string]string{"object_type": "analog-value"},
	}
}

// emulatedDevice answers Who-Is with a fixed instance set and serves
// ReadProperty / WriteProperty / SubscribeCOV with canned replies.
func emulatedDevice(t *testing.T, instances []uint32, presentValue float64) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, rerr := conn.ReadFromUDP(buf)
			if rerr != nil {
				return
			}
			data := buf[:n]
			if len(data) < 6 || data[0] != bvlcType {
				continue
			}
			if data[1] == bvlcRegisterForeignDev {
				continue
			}
			apdu := data[6:]
			if len(apdu) < 2 {
				continue
			}
			switch apdu[0] & 0xF0 {
			case pduUnconfirmedRequest:
				if apdu[1] != svcUnconfirmedWhoIs {
					continue
				}
				for _, inst := range instances {
					iam := EncodeIAm(IAm{
						Device:       ObjectID{Type: ObjectDevice, Instance: inst},
						MaxAPDU:      1476,
						Segmentation: segNone,
						VendorID:     15,
					})
					_, _ = conn.WriteToUDP(encodeFrame(bvlcOriginalUnicast, false, iam), from)
				}
			case pduConfirmedRequest:
				invokeID := apdu[2]
				service := apdu[3]
				switch service {
				case svcReadProperty:
					// echo the requested object/property back with a real value
					obj := decodeObjectID(binary.BigEndian.Uint32(apdu[5:9]))
					h, next, herr := decodeTagHeader(apdu, 9)
					if herr != nil {
						continue
					}
					prop := decodeUnsignedPayload(apdu[next : next+h.length])
					body := []byte{pduComplexAck, invokeID, svcReadProperty}
					body = encodeContextObjectID(body, 0, obj)
					body = encodeContextUnsigned(body, 1, prop)
					body = encodeOpening(body, 3)
					body = encodeAppValue(body, AppValue{Tag: appReal, Real: presentValue})
					body = encodeClosing(body, 3)
					_, _ = conn.WriteToUDP(encodeFrame(bvlcOriginalUnicast, false, body), from)
				case svcWriteProperty, svcSubscribeCOV:
					ack := []byte{pduSimpleAck, invokeID, service}
					_, _ = conn.WriteToUDP(encodeFrame(bvlcOriginalUnicast, false, ack), from)
				}
			}
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func TestInitializeRejectsBroadcastInstance(t *testing.T) {
	dev := bacnetDevice(47808)
	dev.Config.BACnet.DeviceInstance = 4194303 // reserved wildcard
	d := New()
	err := d.Initialize(dev, nil)
	require.Error(t, err)
	assert.Equal(t, pulse.ErrConfigurationError, err.(*pulse.ErrorInfo).Category)
}

func TestInitializeAcceptsValidConfig(t *testing.T) {
	d := New()
	require.NoError(t, d.Initialize(bacnetDevice(47808), []*config.PointDescriptor{analogPoint("p", 5)}))
	assert.Equal(t, driver.StatusInitialized, d.Status())
}

func TestDiscoveryAndRead(t *testing.T) {
	port := emulatedDevice(t, []uint32{100, 200, 4194300}, 21.5)

	dev := bacnetDevice(port)
	p := analogPoint("supply-temp", 5)
	d := New()
	require.NoError(t, d.Initialize(dev, []*config.PointDescriptor{p}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.Connect(ctx))
	defer d.Disconnect()

	// every announced instance landed in the table
	assert.Equal(t, uint64(3), d.Statistics().Counter("devices_discovered"))
	assert.GreaterOrEqual(t, d.Statistics().Counter("i_am_received"), uint64(3))
	for _, inst := range []uint32{100, 200, 4194300} {
		require.NotNil(t, d.lookupDevice(inst), "instance %d", inst)
		assert.LessOrEqual(t, d.lookupDevice(inst).instance, uint32(4194303))
	}

	values, err := d.ReadValues(ctx, []*config.PointDescriptor{p})
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, pulse.QualityGood, values[0].Quality)
	f, _ := values[0].Value.Float()
	assert.InDelta(t, 21.5, f, 1e-6)
	assert.Equal(t, uint64(1), d.Statistics().Counter("read_property_requests"))
}

func TestWriteProperty(t *testing.T) {
	port := emulatedDevice(t, []uint32{100}, 0)

	dev := bacnetDevice(port)
	p := analogPoint("setpoint", 7)
	d := New()
	require.NoError(t, d.Initialize(dev, []*config.PointDescriptor{p}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.Connect(ctx))
	defer d.Disconnect()

	require.NoError(t, d.WriteValue(ctx, p, pulse.Float64Value(22.0)))
	assert.Equal(t, uint64(1), d.Statistics().Counter("write_property_requests"))
	assert.Equal(t, uint64(1), d.Statistics().TotalWrites())
}

func TestReadUnknownDeviceMarksNotConnected(t *testing.T) {
	port := emulatedDevice(t, []uint32{100}, 1)

	dev := bacnetDevice(port)
	p := analogPoint("orphan", 3)
	p.ProtocolParams["device_instance"] = "999" // never announced
	d := New()
	require.NoError(t, d.Initialize(dev, []*config.PointDescriptor{p}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.Connect(ctx))
	defer d.Disconnect()

	values, err := d.ReadValues(ctx, []*config.PointDescriptor{p})
	require.Error(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, pulse.QualityNotConnected, values[0].Quality)
}

func TestCOVSubscription(t *testing.T) {
	port := emulatedDevice(t, []uint32{100}, 1)

	dev := bacnetDevice(port)
	dev.Config.BACnet.SupportCOV = true
	p := analogPoint("cov-temp", 5)
	p.ProtocolParams["cov"] = "true"
	d := New()
	require.NoError(t, d.Initialize(dev, []*config.PointDescriptor{p}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.Connect(ctx))
	defer d.Disconnect()

	assert.Equal(t, uint64(1), d.Statistics().Counter("cov_subscriptions"))
}
