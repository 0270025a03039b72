package bandwatch

import (
	"testing"
	"time"

	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/bluetuith-org/api-devices/coordinator/coordinatortest"
	"github.com/bluetuith-org/api-devices/transport/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBandwatch_Contract(t *testing.T) {
	syncAt := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	coordinatortest.Run(t, Coordinator(), coordinatortest.Suite{
		Identity: bluetooth.DeviceIdentity{
			Address: bluetooth.MacAddress{0xC4, 0x7C, 0x8D, 0x01, 0x02, 0x03},
			Name:    "BandWatch 4",
		},
		Matches: []string{"BandWatch 4", "bw-2", "Pulse Band Mini"},
		Rejects: []string{"", "Deskline", "Pulse Sensor"},
		Cases: []coordinatortest.Case{
			{
				Command: bluetooth.NewCommand(bluetooth.CommandBatteryRequest),
				Expect:  []bluetooth.EventKind{bluetooth.EventBatteryInfo},
				Check: func(t *testing.T, events []bluetooth.Event) {
					assert.Equal(t, 87, events[0].Data.(bluetooth.BatteryInfo).Level)
				},
			},
			{
				Command: bluetooth.NewCommand(bluetooth.CommandTimeSync, bluetooth.TimeSyncArgs{Time: syncAt}),
				Expect:  []bluetooth.EventKind{bluetooth.EventTimeSync},
				Check: func(t *testing.T, events []bluetooth.Event) {
					assert.True(t, syncAt.Equal(events[0].Data.(time.Time)))
				},
			},
			{
				Command: bluetooth.NewCommand(bluetooth.CommandVibrate, bluetooth.VibrateArgs{Intensity: 60, Repeat: 3}),
				Expect:  []bluetooth.EventKind{bluetooth.EventVibration},
				Check: func(t *testing.T, events []bluetooth.Event) {
					assert.Equal(t, bluetooth.VibrationState{Active: true, Intensity: 60, Repeat: 3}, events[0].Data)
				},
			},
			{
				Command: bluetooth.NewCommand(bluetooth.CommandStopVibrate),
				Abort:   true,
				Expect:  []bluetooth.EventKind{bluetooth.EventVibration},
				Check: func(t *testing.T, events []bluetooth.Event) {
					assert.False(t, events[0].Data.(bluetooth.VibrationState).Active)
				},
			},
			{
				Command: bluetooth.NewCommand(bluetooth.CommandNotification, bluetooth.NotificationArgs{
					ID:    42,
					Title: "Calendar",
					Body:  "Dentist appointment at 15:30",
				}),
				Expect: []bluetooth.EventKind{bluetooth.EventNotificationAck},
				Check: func(t *testing.T, events []bluetooth.Event) {
					assert.Equal(t, uint32(42), events[0].Data.(bluetooth.NotificationAck).ID)
				},
			},
			{
				Command: bluetooth.NewCommand(bluetooth.CommandVersionRequest),
				Expect:  []bluetooth.EventKind{bluetooth.EventVersionInfo},
				Check: func(t *testing.T, events []bluetooth.Event) {
					assert.Equal(t, bluetooth.VersionInfo{Firmware: "2.7.1", Hardware: "BW-2 rev C"}, events[0].Data)
				},
			},
			{
				Command: bluetooth.NewCommand(bluetooth.CommandFindDevice, bluetooth.FindDeviceArgs{Start: true}),
				Expect:  []bluetooth.EventKind{bluetooth.EventFindDevice},
			},
		},
		Unsupported: []bluetooth.CommandKind{
			bluetooth.CommandSetHeight,
			bluetooth.CommandSetLight,
			bluetooth.CommandStartMeasurement,
		},
	})
}

func TestBandwatch_SimulatedBandRejectsCorruptFrames(t *testing.T) {
	b := &simulatedBand{}
	frames := b.respond(memory.Write{Endpoint: TxEndpoint, Data: []byte{0xAB, 0, 1, 0, 0, 0xDE, 0xAD}})
	require.Len(t, frames, 1)

	events, err := (&Codec{}).Decode(frames[0])
	require.NoError(t, err)
	assert.Equal(t, bluetooth.EventError, events[0].Kind)
}

func TestBandwatch_SimulatedBandReportsStoppedPattern(t *testing.T) {
	b := &simulatedBand{}
	c := &Codec{}

	send := func(cmd bluetooth.Command) bluetooth.VibrationState {
		t.Helper()

		req, err := c.Encode(cmd)
		require.NoError(t, err)

		var inbound []bluetooth.InboundFrame
		for _, f := range req.Frames {
			inbound = append(inbound, b.respond(memory.Write{Endpoint: f.Endpoint, Data: f.Data})...)
		}

		var events []bluetooth.Event
		for _, f := range inbound {
			evs, err := c.Decode(f)
			require.NoError(t, err)
			events = append(events, evs...)
		}
		require.Len(t, events, 1)

		return events[0].Data.(bluetooth.VibrationState)
	}

	assert.Equal(t, bluetooth.VibrationState{}, send(bluetooth.NewCommand(bluetooth.CommandStopVibrate)))

	send(bluetooth.NewCommand(bluetooth.CommandVibrate, bluetooth.VibrateArgs{Intensity: 40, Repeat: 2}))
	assert.Equal(t, bluetooth.VibrationState{Intensity: 40, Repeat: 2}, send(bluetooth.NewCommand(bluetooth.CommandStopVibrate)))
	assert.Equal(t, bluetooth.VibrationState{}, send(bluetooth.NewCommand(bluetooth.CommandStopVibrate)))
}
