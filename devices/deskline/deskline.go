// Package deskline supports height adjustable desk controllers with an LED
// strip, attached through a USB serial adapter.
package deskline

import (
	"bytes"
	"sync"

	"github.com/bluetuith-org/api-devices/api/appfeatures"
	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/bluetuith-org/api-devices/api/config"
	"github.com/bluetuith-org/api-devices/api/errorkinds"
	"github.com/bluetuith-org/api-devices/coordinator"
	"github.com/bluetuith-org/api-devices/internal/serde"
	"github.com/bluetuith-org/api-devices/transport/memory"
)

// FamilyName is the registry name of the family.
const FamilyName = "deskline"

const features = appfeatures.FeatureHeightControl | appfeatures.FeatureLighting

// Coordinator returns the family coordinator.
func Coordinator() *coordinator.Family {
	errs := &appfeatures.Errors{}
	for _, f := range features.AbsentFeatures() {
		errs.Append(appfeatures.NewError(f, errorkinds.ErrNotSupported))
	}

	return &coordinator.Family{
		FamilyName: FamilyName,
		Prefixes:   []string{"Deskline", "DL-"},
		Caps: coordinator.Capabilities{
			Features:  appfeatures.NewFeatureSet(features, errs),
			Icon:      "desk",
			Transport: config.TransportSerial,
		},
		NewCodec:   NewCodec,
		Simulation: Simulation,
	}
}

// Simulation returns the options of an in-memory controller.
func Simulation() []memory.Option {
	desk := &simulatedDesk{
		height: 740,
		light:  bluetooth.LightArgs{Red: 255, Green: 180, Blue: 90, Brightness: 40},
	}

	return []memory.Option{memory.WithResponder(desk.respond)}
}

// simulatedDesk answers controller lines. Replies are split at arbitrary
// points like a serial adapter delivers them.
type simulatedDesk struct {
	height uint16
	light  bluetooth.LightArgs
	moving bool

	mu sync.Mutex
}

func (d *simulatedDesk) respond(w memory.Write) []bluetooth.InboundFrame {
	if !w.Endpoint.IsStream() {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var msg hostMessage
	if err := serde.UnmarshalJson(bytes.TrimSpace(w.Data), &msg); err != nil {
		return d.reply(deviceMessage{Event: "error", Code: 1, Message: "bad line"})
	}

	switch msg.Cmd {
	case "move":
		d.moving = true
		start := deviceMessage{Event: "height", Millimeters: d.height, Moving: true}

		d.height = msg.Millimeters
		d.moving = false

		return d.reply(start, deviceMessage{Event: "height", Millimeters: d.height})

	case "stop":
		d.moving = false
		return d.reply(deviceMessage{Event: "height", Millimeters: d.height})

	case "light":
		if msg.Light == nil {
			break
		}
		d.light = *msg.Light

		light := d.light
		return d.reply(deviceMessage{Event: "light", Light: &light})

	case "status":
		return d.reply(deviceMessage{Event: "status", Millimeters: d.height, Moving: d.moving})
	}

	return d.reply(deviceMessage{Event: "error", Code: 2, Message: "unknown command"})
}

func (d *simulatedDesk) reply(messages ...deviceMessage) []bluetooth.InboundFrame {
	var stream []byte
	for _, m := range messages {
		line, err := serde.MarshalJsonLine(m)
		if err != nil {
			continue
		}
		stream = append(stream, line...)
	}

	if len(stream) < 2 {
		return []bluetooth.InboundFrame{{Data: stream}}
	}

	mid := len(stream) / 2

	return []bluetooth.InboundFrame{
		{Endpoint: bluetooth.StreamEndpoint, Data: stream[:mid]},
		{Endpoint: bluetooth.StreamEndpoint, Data: stream[mid:]},
	}
}
