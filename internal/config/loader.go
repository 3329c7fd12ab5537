package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

/* =========================
   File-backed source
   ========================= */

type gatewayFile struct {
	Devices []deviceEntry `yaml:"devices"`
}

type deviceEntry struct {
	DeviceDescriptor `yaml:",inline"`
	ProtocolRaw      string             `yaml:"protocol"`
	Points           []*PointDescriptor `yaml:"points"`
}

// FileSource is the in-tree configuration source: one YAML file
// holding devices with their points. Strict decode, validated and
// default-filled on load, read-only afterwards.
type FileSource struct {
	devices map[string]*DeviceDescriptor
	points  map[string][]*PointDescriptor
	order   []string
}

// LoadFile reads and validates a gateway config file.
func LoadFile(path string) (*FileSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return loadBytes(raw)
}

func loadBytes(raw []byte) (*FileSource, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var file gatewayFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	src := &FileSource{
		devices: make(map[string]*DeviceDescriptor, len(file.Devices)),
		points:  make(map[string][]*PointDescriptor),
	}

	var errs multiErr
	for i := range file.Devices {
		entry := &file.Devices[i]
		dev := &entry.DeviceDescriptor

		proto, err := ParseProtocol(entry.ProtocolRaw)
		if err != nil {
			errs.addf("devices[%d/%s]: %v", i, dev.ID, err)
			continue
		}
		dev.Protocol = proto

		applyEnvDefaults(dev)

		if err := dev.Validate(); err != nil {
			errs.add(err.Error())
			continue
		}
		if _, dup := src.devices[dev.ID]; dup {
			errs.addf("devices[%d]: duplicate device id %q", i, dev.ID)
			continue
		}

		seen := map[string]struct{}{}
		for _, p := range entry.Points {
			p.DeviceID = dev.ID
			if p.ScalingFactor == 0 {
				p.ScalingFactor = 1
			}
			if err := dev.ValidatePoint(p); err != nil {
				errs.add(err.Error())
				continue
			}
			if _, dup := seen[p.ID]; dup {
				errs.addf("device %s: duplicate point id %q", dev.ID, p.ID)
				continue
			}
			seen[p.ID] = struct{}{}
			src.points[dev.ID] = append(src.points[dev.ID], p)
		}

		src.devices[dev.ID] = dev
		src.order = append(src.order, dev.ID)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed: %w", errs)
	}
	return src, nil
}

// applyEnvDefaults fills descriptor gaps from the environment, the
// contract the external config loader honors: MQTT_BROKER_URL,
// PULSEONE_TIMEOUT_MS, PULSEONE_RETRY_COUNT.
func applyEnvDefaults(dev *DeviceDescriptor) {
	if dev.Protocol == ProtocolMQTT && strings.TrimSpace(dev.Endpoint) == "" {
		if v := os.Getenv("MQTT_BROKER_URL"); v != "" {
			dev.Endpoint = v
		}
	}
	if dev.TimeoutMs <= 0 {
		if v, err := strconv.Atoi(os.Getenv("PULSEONE_TIMEOUT_MS")); err == nil && v > 0 {
			dev.TimeoutMs = v
		}
	}
	if dev.RetryCount == 0 {
		if v, err := strconv.Atoi(os.Getenv("PULSEONE_RETRY_COUNT")); err == nil && v > 0 {
			dev.RetryCount = v
		}
	}
}

/* =========================
   Source interface
   ========================= */

func (s *FileSource) LoadDevice(deviceID string) (*DeviceDescriptor, []*PointDescriptor, error) {
	dev, ok := s.devices[deviceID]
	if !ok {
		return nil, nil, fmt.Errorf("device %q not found", deviceID)
	}
	return dev, s.points[deviceID], nil
}

func (s *FileSource) LoadEnabledDevices() ([]*DeviceDescriptor, error) {
	out := make([]*DeviceDescriptor, 0, len(s.order))
	for _, id := range s.order {
		if d := s.devices[id]; d.Enabled {
			out = append(out, d)
		}
	}
	return out, nil
}
