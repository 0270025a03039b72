package pulsesensor

import (
	"testing"
	"time"

	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/bluetuith-org/api-devices/api/errorkinds"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_StartMeasurementRequest(t *testing.T) {
	req, err := (&Codec{}).Encode(bluetooth.NewCommand(bluetooth.CommandStartMeasurement,
		bluetooth.MeasurementArgs{Interval: 250 * time.Millisecond}))
	require.NoError(t, err)

	require.Len(t, req.Frames, 2)
	assert.Equal(t, bluetooth.FrameSubscribe, req.Frames[0].Kind)
	assert.Equal(t, DataEndpoint, req.Frames[0].Endpoint)
	assert.Equal(t, ControlEndpoint, req.Frames[1].Endpoint)
	assert.Equal(t, bluetooth.EventMeasurementConfig, req.Reply)

	var msg controlMessage
	require.NoError(t, decMode.Unmarshal(req.Frames[1].Data, &msg))
	assert.Equal(t, controlMessage{Op: opStart, IntervalMs: 250}, msg)
}

func TestCodec_IntervalBounds(t *testing.T) {
	c := &Codec{}

	for _, interval := range []time.Duration{time.Millisecond, 2 * time.Minute} {
		_, err := c.Encode(bluetooth.NewCommand(bluetooth.CommandStartMeasurement, bluetooth.MeasurementArgs{Interval: interval}))
		assert.ErrorIs(t, err, errorkinds.ErrEncode, interval.String())
	}

	req, err := c.Encode(bluetooth.NewCommand(bluetooth.CommandStartMeasurement))
	require.NoError(t, err)

	var msg controlMessage
	require.NoError(t, decMode.Unmarshal(req.Frames[1].Data, &msg))
	assert.EqualValues(t, DefaultInterval.Milliseconds(), msg.IntervalMs)
}

func TestCodec_DecodeBattery(t *testing.T) {
	c := &Codec{}

	events, err := c.Decode(bluetooth.InboundFrame{Endpoint: BatteryEndpoint, Data: []byte{99}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, bluetooth.BatteryInfo{Level: 99}, events[0].Data)

	_, err = c.Decode(bluetooth.InboundFrame{Endpoint: BatteryEndpoint, Data: []byte{101}})
	assert.ErrorIs(t, err, errorkinds.ErrMalformedResponse)

	_, err = c.Decode(bluetooth.InboundFrame{Endpoint: BatteryEndpoint})
	assert.ErrorIs(t, err, errorkinds.ErrMalformedResponse)
}

func TestCodec_DecodeSampleUsesSensorTime(t *testing.T) {
	taken := time.UnixMilli(1_780_000_000_123)
	data, err := encMode.Marshal(dataMessage{Kind: kindSample, Type: "heart-rate", Value: 64, Unit: "bpm", TakenMs: taken.UnixMilli()})
	require.NoError(t, err)

	events, err := (&Codec{}).Decode(bluetooth.InboundFrame{Endpoint: DataEndpoint, Data: data})
	require.NoError(t, err)
	require.Len(t, events, 1)

	assert.Equal(t, bluetooth.EventMeasurement, events[0].Kind)
	assert.True(t, taken.Equal(events[0].Time))

	m := events[0].Data.(bluetooth.Measurement)
	assert.Equal(t, "heart-rate", m.Type)
	assert.Equal(t, 64.0, m.Value)
}

func TestCodec_DecodeSampleWithoutSensorTime(t *testing.T) {
	data, err := encMode.Marshal(dataMessage{Kind: kindSample, Type: "skin-temperature", Value: 33.4, Unit: "C"})
	require.NoError(t, err)

	events, err := (&Codec{}).Decode(bluetooth.InboundFrame{Endpoint: DataEndpoint, Data: data})
	require.NoError(t, err)
	require.Len(t, events, 1)

	assert.True(t, events[0].Time.IsZero())
	assert.True(t, events[0].Data.(bluetooth.Measurement).Taken.IsZero())
}

func TestCodec_DecodeRejectsGarbage(t *testing.T) {
	c := &Codec{}

	_, err := c.Decode(bluetooth.InboundFrame{Endpoint: DataEndpoint, Data: []byte{0xFF, 0x00}})
	assert.ErrorIs(t, err, errorkinds.ErrMalformedResponse)

	data, err := encMode.Marshal(dataMessage{Kind: 42})
	require.NoError(t, err)
	_, err = c.Decode(bluetooth.InboundFrame{Endpoint: DataEndpoint, Data: data})
	assert.ErrorIs(t, err, errorkinds.ErrMalformedResponse)

	_, err = c.Decode(bluetooth.InboundFrame{Endpoint: ControlEndpoint, Data: data})
	assert.ErrorIs(t, err, errorkinds.ErrMalformedResponse)
}

func TestCodec_DecodeDeviceError(t *testing.T) {
	data, err := encMode.Marshal(dataMessage{Kind: kindError, Code: 4, Message: "sensor off skin"})
	require.NoError(t, err)

	events, err := (&Codec{}).Decode(bluetooth.InboundFrame{Endpoint: DataEndpoint, Data: data})
	require.NoError(t, err)
	assert.Equal(t, bluetooth.DeviceError{Code: 4, Message: "sensor off skin"}, events[0].Data)
}
