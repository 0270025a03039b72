package main

import (
	"testing"
	"time"

	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	syncAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		line  []string
		want  bluetooth.Command
		abort bool
	}{
		{line: []string{"battery"}, want: bluetooth.NewCommand(bluetooth.CommandBatteryRequest)},
		{
			line: []string{"time", "2026-01-02T03:04:05Z"},
			want: bluetooth.NewCommand(bluetooth.CommandTimeSync, bluetooth.TimeSyncArgs{Time: syncAt}),
		},
		{
			line: []string{"vibrate", "40"},
			want: bluetooth.NewCommand(bluetooth.CommandVibrate, bluetooth.VibrateArgs{Intensity: 40, Repeat: 1}),
		},
		{line: []string{"stop-vibrate"}, want: bluetooth.NewCommand(bluetooth.CommandStopVibrate), abort: true},
		{
			line: []string{"notify", "7", "Mail", "two", "new", "messages"},
			want: bluetooth.NewCommand(bluetooth.CommandNotification, bluetooth.NotificationArgs{ID: 7, Title: "Mail", Body: "two new messages"}),
		},
		{line: []string{"find", "off"}, want: bluetooth.NewCommand(bluetooth.CommandFindDevice, bluetooth.FindDeviceArgs{Start: false})},
		{
			line: []string{"measure", "start", "250ms"},
			want: bluetooth.NewCommand(bluetooth.CommandStartMeasurement, bluetooth.MeasurementArgs{Interval: 250 * time.Millisecond}),
		},
		{line: []string{"measure", "stop"}, want: bluetooth.NewCommand(bluetooth.CommandStopMeasurement)},
		{line: []string{"HEIGHT", "1100"}, want: bluetooth.NewCommand(bluetooth.CommandSetHeight, bluetooth.HeightArgs{Millimeters: 1100})},
		{line: []string{"stop"}, want: bluetooth.NewCommand(bluetooth.CommandStopMotion), abort: true},
		{
			line: []string{"light", "255", "0", "128"},
			want: bluetooth.NewCommand(bluetooth.CommandSetLight, bluetooth.LightArgs{Red: 255, Blue: 128, Brightness: 100}),
		},
		{line: []string{"status"}, want: bluetooth.NewCommand(bluetooth.CommandStatusRequest)},
	}

	for _, tt := range tests {
		t.Run(tt.line[0], func(t *testing.T) {
			cmd, abort, err := ParseCommand(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd)
			assert.Equal(t, tt.abort, abort)
		})
	}
}

func TestParseCommand_Errors(t *testing.T) {
	for _, line := range [][]string{
		{},
		{"teleport"},
		{"time", "yesterday"},
		{"vibrate", "300"},
		{"vibrate", "1", "2", "3"},
		{"notify", "x", "title"},
		{"notify", "1"},
		{"measure"},
		{"measure", "start", "soon"},
		{"height"},
		{"height", "70000"},
		{"light", "1", "2"},
	} {
		_, _, err := ParseCommand(line)
		assert.Error(t, err, "%v", line)
	}
}

func TestRegistry_ResolvesEveryFamily(t *testing.T) {
	registry := Registry()

	for name, family := range map[string]string{
		"BandWatch 4":     "bandwatch",
		"Pulse Sensor S2": "pulsesensor",
		"Deskline Pro":    "deskline",
	} {
		c, err := registry.Resolve(name)
		require.NoError(t, err, name)
		assert.Equal(t, family, c.Name())
	}
}

func TestOptions_Identity(t *testing.T) {
	_, err := Options{}.identity()
	assert.Error(t, err)

	identity, err := Options{Address: "c4:7c:8d:01:02:03", Name: "BandWatch"}.identity()
	require.NoError(t, err)
	assert.Equal(t, "C4:7C:8D:01:02:03", identity.Key())

	_, err = Options{Address: "nope"}.identity()
	assert.Error(t, err)

	identity, err = Options{Simulate: true}.identity()
	require.NoError(t, err)
	assert.Empty(t, identity.Key())
}
