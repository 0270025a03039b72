package bandwatch

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/bluetuith-org/api-devices/api/errorkinds"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inbound(frames [][]byte) []bluetooth.InboundFrame {
	out := make([]bluetooth.InboundFrame, 0, len(frames))
	for _, f := range frames {
		out = append(out, bluetooth.InboundFrame{Endpoint: RxEndpoint, Data: f})
	}

	return out
}

func TestPackFrames_FragmentsLongPayloads(t *testing.T) {
	payload := []byte(strings.Repeat("x", 2*MaxFragmentPayload+3))

	frames := packFrames(opNotify, payload)
	require.Len(t, frames, 3)

	var joined []byte
	for i, f := range frames {
		assert.LessOrEqual(t, len(f), 20)

		header, chunk, err := unpackFrame(f)
		require.NoError(t, err)
		assert.Equal(t, opNotify, header.Opcode)
		assert.Equal(t, i < 2, header.Flags&flagMore != 0)

		joined = append(joined, chunk...)
	}
	assert.Equal(t, payload, joined)
}

func TestPackFrames_EmptyPayload(t *testing.T) {
	frames := packFrames(opBattery, nil)
	require.Len(t, frames, 1)
	assert.Len(t, frames[0], HeaderSize+ChecksumSize)
}

func TestUnpackFrame_Rejects(t *testing.T) {
	valid := packFrames(opBattery, []byte{50, 1})[0]

	corrupt := append([]byte(nil), valid...)
	corrupt[HeaderSize] ^= 0xFF

	badMagic := append([]byte(nil), valid...)
	badMagic[0] = 0x00

	truncated := valid[:len(valid)-1]

	for name, frame := range map[string][]byte{
		"checksum":  corrupt,
		"magic":     badMagic,
		"length":    truncated,
		"too short": {0xAB, 0x00},
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := unpackFrame(frame)
			assert.ErrorIs(t, err, errorkinds.ErrMalformedResponse)
		})
	}
}

func TestCodec_DecodeReassemblesAcrossCalls(t *testing.T) {
	c := &Codec{}
	payload := append([]byte{5}, "2.7.1firmware-board-rev-C"...)
	frames := inbound(packFrames(opVersion, payload))
	require.Greater(t, len(frames), 1)

	for _, f := range frames[:len(frames)-1] {
		events, err := c.Decode(f)
		require.NoError(t, err)
		assert.Empty(t, events)
	}

	events, err := c.Decode(frames[len(frames)-1])
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, bluetooth.EventVersionInfo, events[0].Kind)
	assert.Equal(t, bluetooth.VersionInfo{Firmware: "2.7.1", Hardware: "firmware-board-rev-C"}, events[0].Data)
}

func TestCodec_DecodeInterleavedMessageResets(t *testing.T) {
	c := &Codec{}
	version := inbound(packFrames(opVersion, []byte(strings.Repeat("v", MaxFragmentPayload+1))))
	battery := inbound(packFrames(opBattery, []byte{40, 0}))

	_, err := c.Decode(version[0])
	require.NoError(t, err)

	_, err = c.Decode(battery[0])
	assert.ErrorIs(t, err, errorkinds.ErrMalformedResponse)

	events, err := c.Decode(battery[0])
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, bluetooth.BatteryInfo{Level: 40}, events[0].Data)
}

func TestCodec_DecodeDeviceError(t *testing.T) {
	c := &Codec{}

	events, err := c.Decode(inbound(packFrames(opError, append([]byte{3}, "busy"...)))[0])
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, bluetooth.EventError, events[0].Kind)
	assert.Equal(t, bluetooth.DeviceError{Code: 3, Message: "busy"}, events[0].Data)
}

func TestCodec_DecodeRejectsOtherEndpoints(t *testing.T) {
	_, err := (&Codec{}).Decode(bluetooth.InboundFrame{Endpoint: TxEndpoint, Data: packFrames(opBattery, nil)[0]})
	assert.ErrorIs(t, err, errorkinds.ErrMalformedResponse)
}

func TestCodec_EncodeNotificationSpansFrames(t *testing.T) {
	req, err := (&Codec{}).Encode(bluetooth.NewCommand(bluetooth.CommandNotification, bluetooth.NotificationArgs{
		ID:    9,
		Title: "Meeting",
		Body:  "Stand-up moved to the small room",
	}))
	require.NoError(t, err)
	assert.Equal(t, bluetooth.EventNotificationAck, req.Reply)
	require.Greater(t, len(req.Frames), 1)

	var rx reassembler
	var payload []byte
	for _, f := range req.Frames {
		assert.Equal(t, TxEndpoint, f.Endpoint)

		_, p, complete, err := rx.push(f.Data)
		require.NoError(t, err)
		if complete {
			payload = p
		}
	}

	n, ok := decodeNotification(payload)
	require.True(t, ok)
	assert.Equal(t, uint32(9), n.ID)
	assert.Equal(t, "Meeting", n.Title)
	assert.Equal(t, "Stand-up moved to the small room", n.Body)
}

func TestCodec_EncodeErrors(t *testing.T) {
	c := &Codec{}

	_, err := c.Encode(bluetooth.NewCommand(bluetooth.CommandNotification))
	assert.ErrorIs(t, err, errorkinds.ErrEncode)

	_, err = c.Encode(bluetooth.NewCommand(bluetooth.CommandSetHeight))
	assert.ErrorIs(t, err, errorkinds.ErrNotSupported)
}

func TestTimeEncoding(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.FixedZone("CET", 3600))

	got := decodeTime(encodeTime(at))
	assert.True(t, at.Equal(got))

	_, offset := got.Zone()
	assert.Equal(t, 3600, offset)
}

func TestEncodeNotification_TitleCutOnRuneBoundary(t *testing.T) {
	title := strings.Repeat("a", maxTitleLength-1) + "é" + "tail"

	n, ok := decodeNotification(encodeNotification(bluetooth.NotificationArgs{ID: 7, Title: title, Body: "body"}))
	require.True(t, ok)

	assert.Equal(t, strings.Repeat("a", maxTitleLength-1), n.Title)
	assert.True(t, utf8.ValidString(n.Title))
	assert.Equal(t, "body", n.Body)
}
