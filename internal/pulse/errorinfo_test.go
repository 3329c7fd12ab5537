package pulse

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorInfoJSONRoundTrip(t *testing.T) {
	in := NewNativeError(ErrInvalidAddress, 2, "MODBUS", "illegal data address").
		WithContext("plc-1").
		WithExtra("frame", "3")

	data, err := json.Marshal(in)
	assert.NoError(t, err)

	var out ErrorInfo
	assert.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.Category, out.Category)
	assert.Equal(t, in.NativeCode, out.NativeCode)
	assert.Equal(t, in.Protocol, out.Protocol)
	assert.Equal(t, in.Message, out.Message)
	assert.Equal(t, in.Extra["frame"], out.Extra["frame"])
}

func TestErrorCategoryClasses(t *testing.T) {
	assert.True(t, ErrConnectionTimeout.Transient())
	assert.True(t, ErrChecksumError.Transient())
	assert.False(t, ErrInvalidParameter.Transient())

	assert.True(t, ErrInternal.Fatal())
	assert.True(t, ErrResourceExhausted.Fatal())
	assert.False(t, ErrConnectionLost.Fatal())
}

func TestSuccessAndAsErrorInfo(t *testing.T) {
	s := Success("MQTT")
	assert.True(t, s.IsSuccess())

	e := NewError(ErrProtocolError, "MQTT", "boom")
	assert.Same(t, e, AsErrorInfo(e, "MQTT"))

	wrapped := AsErrorInfo(assert.AnError, "BACNET")
	assert.Equal(t, ErrUnknown, wrapped.Category)
	assert.Equal(t, "BACNET", wrapped.Protocol)

	assert.True(t, AsErrorInfo(nil, "MODBUS").IsSuccess())
}

func TestUnknownCategoryName(t *testing.T) {
	var c ErrorCategory
	assert.NoError(t, json.Unmarshal([]byte(`"no_such_category"`), &c))
	assert.Equal(t, ErrUnknown, c)
}
