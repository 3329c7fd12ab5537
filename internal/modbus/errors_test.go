package modbus

import (
	"errors"
	"fmt"
	"testing"

	gomodbus "github.com/goburrow/modbus"
	"github.com/smart-guard/pulseone/internal/pulse"
	"github.com/stretchr/testify/assert"
)

func TestExceptionCodeMapping(t *testing.T) {
	for code, want := range map[uint8]pulse.ErrorCategory{
		1:  pulse.ErrUnsupportedFunction,
		2:  pulse.ErrInvalidAddress,
		3:  pulse.ErrDataOutOfRange,
		4:  pulse.ErrDeviceNotResponding,
		5:  pulse.ErrDeviceBusy,
		6:  pulse.ErrDeviceBusy,
		11: pulse.ErrProtocolError,
	} {
		assert.Equal(t, want, categoryForException(code), "exception %d", code)
	}
}

func TestClassifyModbusException(t *testing.T) {
	err := &gomodbus.ModbusError{FunctionCode: 0x83, ExceptionCode: 2}
	ei := classify(err, "plc-1")
	assert.Equal(t, pulse.ErrInvalidAddress, ei.Category)
	assert.Equal(t, 2, ei.NativeCode)
	assert.Equal(t, "MODBUS", ei.Protocol)
	assert.Equal(t, "plc-1", ei.Context)
}

func TestClassifyTransportErrors(t *testing.T) {
	ei := classify(errors.New("read tcp: i/o timeout"), "x")
	assert.Equal(t, pulse.ErrConnectionTimeout, ei.Category)
	assert.Equal(t, nativeTimeout, ei.NativeCode)

	ei = classify(fmt.Errorf("serial: crc mismatch"), "x")
	assert.Equal(t, pulse.ErrChecksumError, ei.Category)
	assert.Equal(t, nativeChecksum, ei.NativeCode)

	ei = classify(errors.New("dial tcp: connection refused"), "x")
	assert.Equal(t, pulse.ErrConnectionLost, ei.Category)
	assert.Equal(t, nativeConnectionFailed, ei.NativeCode)

	ei = classify(errors.New("modbus: response data size mismatch"), "x")
	assert.Equal(t, pulse.ErrProtocolError, ei.Category)
}

func TestRetryClassification(t *testing.T) {
	assert.True(t, isTransient(classify(errors.New("timeout"), "")))
	assert.False(t, isTransient(classify(errors.New("connection reset"), "")))
	assert.True(t, neverRetry(classify(&gomodbus.ModbusError{ExceptionCode: 3}, "")))
	assert.True(t, neverRetry(classify(&gomodbus.ModbusError{ExceptionCode: 1}, "")))
	assert.False(t, neverRetry(classify(errors.New("timeout"), "")))
}
