package modbus

import (
	"errors"
	"strings"

	gomodbus "github.com/goburrow/modbus"
	"github.com/smart-guard/pulseone/internal/pulse"
)

const protocolName = "MODBUS"

// Modbus exception codes, per the application protocol spec.
const (
	excIllegalFunction    = 1
	excIllegalDataAddress = 2
	excIllegalDataValue   = 3
	excSlaveDeviceFailure = 4
	excAcknowledge        = 5
	excSlaveDeviceBusy    = 6
)

// libmodbus-style negative codes kept for diagnostics parity with
// other PulseOne collectors.
const (
	nativeConnectionFailed = -1
	nativeTimeout          = -2
	nativeChecksum         = -3
)

// categoryForException maps a Modbus exception code to the shared
// error taxonomy.
func categoryForException(code uint8) pulse.ErrorCategory {
	switch code {
	case excIllegalFunction:
		return pulse.ErrUnsupportedFunction
	case excIllegalDataAddress:
		return pulse.ErrInvalidAddress
	case excIllegalDataValue:
		return pulse.ErrDataOutOfRange
	case excSlaveDeviceFailure:
		return pulse.ErrDeviceNotResponding
	case excAcknowledge, excSlaveDeviceBusy:
		return pulse.ErrDeviceBusy
	default:
		return pulse.ErrProtocolError
	}
}

// classify turns any error out of the goburrow client into an
// ErrorInfo carrying both category and native code.
func classify(err error, context string) *pulse.ErrorInfo {
	if err == nil {
		return nil
	}
	var mbErr *gomodbus.ModbusError
	if errors.As(err, &mbErr) {
		return pulse.NewNativeError(
			categoryForException(mbErr.ExceptionCode),
			int(mbErr.ExceptionCode),
			protocolName, err.Error(),
		).WithContext(context)
	}

	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "timeout") || strings.Contains(s, "deadline"):
		return pulse.NewNativeError(pulse.ErrConnectionTimeout, nativeTimeout, protocolName, err.Error()).WithContext(context)
	case strings.Contains(s, "crc") || strings.Contains(s, "checksum"):
		return pulse.NewNativeError(pulse.ErrChecksumError, nativeChecksum, protocolName, err.Error()).WithContext(context)
	case strings.Contains(s, "connection") ||
		strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "reset") ||
		strings.Contains(s, "closed") ||
		strings.Contains(s, "refused") ||
		strings.Contains(s, "i/o"):
		return pulse.NewNativeError(pulse.ErrConnectionLost, nativeConnectionFailed, protocolName, err.Error()).WithContext(context)
	}
	return pulse.NewError(pulse.ErrProtocolError, protocolName, err.Error()).WithContext(context)
}

// isTransient reports whether a retry on the same connection is worth
// trying. ConnectionLost goes through reconnect instead.
func isTransient(e *pulse.ErrorInfo) bool {
	if e == nil {
		return false
	}
	return e.Category == pulse.ErrConnectionTimeout || e.Category == pulse.ErrChecksumError
}

// neverRetry marks errors the device will answer the same way every
// time.
func neverRetry(e *pulse.ErrorInfo) bool {
	if e == nil {
		return false
	}
	return e.Category == pulse.ErrDataOutOfRange || e.Category == pulse.ErrUnsupportedFunction ||
		e.Category == pulse.ErrInvalidAddress || e.Category == pulse.ErrInvalidParameter
}
