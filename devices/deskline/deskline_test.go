package deskline

import (
	"testing"

	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/bluetuith-org/api-devices/coordinator/coordinatortest"
	"github.com/stretchr/testify/assert"
)

func TestDeskline_Contract(t *testing.T) {
	coordinatortest.Run(t, Coordinator(), coordinatortest.Suite{
		Identity: bluetooth.DeviceIdentity{Name: "Deskline Pro", Port: "/dev/ttyUSB0"},
		Matches:  []string{"Deskline Pro", "dl-2"},
		Rejects:  []string{"BandWatch", "desk"},
		Cases: []coordinatortest.Case{
			{
				Command: bluetooth.NewCommand(bluetooth.CommandSetHeight, bluetooth.HeightArgs{Millimeters: 1080}),
				Expect:  []bluetooth.EventKind{bluetooth.EventHeight, bluetooth.EventHeight},
				Check: func(t *testing.T, events []bluetooth.Event) {
					assert.Equal(t, bluetooth.DeskStatus{Millimeters: 740, Moving: true}, events[0].Data)
					assert.Equal(t, bluetooth.DeskStatus{Millimeters: 1080}, events[1].Data)
				},
			},
			{
				Command: bluetooth.NewCommand(bluetooth.CommandStopMotion),
				Abort:   true,
				Expect:  []bluetooth.EventKind{bluetooth.EventHeight},
			},
			{
				Command: bluetooth.NewCommand(bluetooth.CommandSetLight, bluetooth.LightArgs{Red: 10, Green: 20, Blue: 30, Brightness: 80}),
				Expect:  []bluetooth.EventKind{bluetooth.EventLight},
				Check: func(t *testing.T, events []bluetooth.Event) {
					assert.Equal(t, bluetooth.LightArgs{Red: 10, Green: 20, Blue: 30, Brightness: 80}, events[0].Data)
				},
			},
			{
				Command: bluetooth.NewCommand(bluetooth.CommandStatusRequest),
				Expect:  []bluetooth.EventKind{bluetooth.EventStatus},
				Check: func(t *testing.T, events []bluetooth.Event) {
					assert.Equal(t, bluetooth.DeskStatus{Millimeters: 740}, events[0].Data)
				},
			},
		},
		Unsupported: []bluetooth.CommandKind{
			bluetooth.CommandBatteryRequest,
			bluetooth.CommandVibrate,
			bluetooth.CommandStartMeasurement,
		},
	})
}
