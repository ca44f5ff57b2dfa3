package ocpp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	frames := []*Frame{
		NewCall("19223201", "BootNotification", map[string]interface{}{
			"chargePointVendor": "VendorX",
			"chargePointModel":  "SingleSocketCharger",
		}),
		NewCallResult("19223201", map[string]interface{}{
			"status":   "Accepted",
			"interval": float64(300),
		}),
		NewCallError("19223201", ErrorNotImplemented, "requested action is not known"),
	}
	for _, frame := range frames {
		data, err := frame.MarshalJSON()
		require.NoError(t, err)
		decoded, err := DecodeFrame(data)
		require.NoError(t, err)
		assert.Equal(t, frame.Type, decoded.Type)
		assert.Equal(t, frame.UniqueId, decoded.UniqueId)
		assert.Equal(t, frame.Action, decoded.Action)
		assert.Equal(t, frame.ErrorCode, decoded.ErrorCode)
		assert.Equal(t, frame.ErrorDescription, decoded.ErrorDescription)
		assert.Equal(t, frame.Payload, decoded.Payload)
		assert.Equal(t, frame.Details, decoded.Details)
	}
}

func TestFrameNilPayloadEncodesEmptyObject(t *testing.T) {
	data, err := NewCallResult("42", nil).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `[3,"42",{}]`, string(data))
}

func TestDecodeCall(t *testing.T) {
	frame, err := DecodeFrame([]byte(`[2,"62","Heartbeat",{}]`))
	require.NoError(t, err)
	assert.Equal(t, CallTypeRequest, frame.Type)
	assert.Equal(t, "62", frame.UniqueId)
	assert.Equal(t, "Heartbeat", frame.Action)
}

func TestDecodeCallError(t *testing.T) {
	frame, err := DecodeFrame([]byte(`[4,"62","NotImplemented","no such action",{}]`))
	require.NoError(t, err)
	assert.Equal(t, CallTypeError, frame.Type)
	assert.Equal(t, "NotImplemented", frame.ErrorCode)
	assert.Equal(t, "no such action", frame.ErrorDescription)
}

func TestDecodeMalformedFrame(t *testing.T) {
	cases := []struct {
		name     string
		data     string
		uniqueId string
	}{
		{name: "not an array", data: `{"chargePointVendor":"VendorX"}`},
		{name: "empty array", data: `[]`},
		{name: "non-numeric type discriminator", data: `["2","62","Heartbeat",{}]`, uniqueId: "62"},
		{name: "fractional type discriminator", data: `[2.5,"62","Heartbeat",{}]`, uniqueId: "62"},
		{name: "unsupported type id", data: `[9,"62",{}]`, uniqueId: "62"},
		{name: "call with wrong arity", data: `[2,"62","Heartbeat"]`, uniqueId: "62"},
		{name: "result with wrong arity", data: `[3,"62",{},{}]`, uniqueId: "62"},
		{name: "non-string unique id", data: `[2,62,"Heartbeat",{}]`},
		{name: "non-string action", data: `[2,"62",42,{}]`, uniqueId: "62"},
		{name: "error with non-string code", data: `[4,"62",5,"text",{}]`, uniqueId: "62"},
		{name: "error with non-string description", data: `[4,"62","GenericError",5,{}]`, uniqueId: "62"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := DecodeFrame([]byte(tc.data))
			require.Error(t, err)
			assert.Nil(t, frame)
			var frameError *FrameError
			require.True(t, errors.As(err, &frameError))
			assert.Equal(t, ErrorProtocolViolation, frameError.Code)
			assert.Equal(t, tc.uniqueId, frameError.UniqueId)
		})
	}
}
