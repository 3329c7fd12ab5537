package config

import (
	"github.com/smart-guard/pulseone/internal/pulse"
)

// Source hands the driver subsystem fully-populated descriptors. The
// gateway never defines persistence; a SQL repository, a REST backend
// or the in-tree YAML file all satisfy this.
type Source interface {
	LoadDevice(deviceID string) (*DeviceDescriptor, []*PointDescriptor, error)
	LoadEnabledDevices() ([]*DeviceDescriptor, error)
}

// ValueSink is the optional persistence hook for current values.
type ValueSink interface {
	PersistCurrentValue(pointID string, v pulse.TimestampedValue) error
}
