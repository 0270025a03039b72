// Package pulsesensor supports heart rate and skin temperature sensors that
// stream CBOR encoded samples over a vendor GATT service.
package pulsesensor

import (
	"sync"
	"time"

	"github.com/bluetuith-org/api-devices/api/appfeatures"
	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/bluetuith-org/api-devices/api/config"
	"github.com/bluetuith-org/api-devices/api/errorkinds"
	"github.com/bluetuith-org/api-devices/coordinator"
	"github.com/bluetuith-org/api-devices/transport/memory"
)

// FamilyName is the registry name of the family.
const FamilyName = "pulsesensor"

const features = appfeatures.FeatureBattery |
	appfeatures.FeatureFirmwareInfo |
	appfeatures.FeatureMeasurements

// Coordinator returns the family coordinator.
func Coordinator() *coordinator.Family {
	errs := &appfeatures.Errors{}
	for _, f := range features.AbsentFeatures() {
		errs.Append(appfeatures.NewError(f, errorkinds.ErrNotSupported))
	}

	return &coordinator.Family{
		FamilyName: FamilyName,
		Prefixes:   []string{"Pulse Sensor", "PS-", "HRM"},
		Caps: coordinator.Capabilities{
			Features:     appfeatures.NewFeatureSet(features, errs),
			BatterySlots: 1,
			Icon:         "heart",
			Transport:    config.TransportBLE,
		},
		NewCodec:   NewCodec,
		Simulation: Simulation,
	}
}

// Simulation returns the options of an in-memory sensor.
func Simulation() []memory.Option {
	sensor := &simulatedSensor{now: time.Now}

	return []memory.Option{
		memory.WithReadValue(BatteryEndpoint, []byte{64}),
		memory.WithReadValue(FirmwareEndpoint, []byte("1.0.3")),
		memory.WithResponder(sensor.respond),
	}
}

// simulatedSensor answers control writes with a configuration message and,
// when streaming starts, a first burst of samples.
type simulatedSensor struct {
	now func() time.Time

	streaming bool
	interval  uint32

	mu sync.Mutex
}

func (s *simulatedSensor) respond(w memory.Write) []bluetooth.InboundFrame {
	if w.Endpoint != ControlEndpoint {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var msg controlMessage
	if err := decMode.Unmarshal(w.Data, &msg); err != nil {
		return s.notify(dataMessage{Kind: kindError, Code: 1, Message: "bad control message"})
	}

	switch msg.Op {
	case opStart:
		s.streaming = true
		s.interval = msg.IntervalMs

		taken := s.now().UnixMilli()

		return s.notify(
			dataMessage{Kind: kindConfig, Streaming: true, IntervalMs: s.interval},
			dataMessage{Kind: kindSample, Type: "heart-rate", Value: 72, Unit: "bpm", TakenMs: taken},
			dataMessage{Kind: kindSample, Type: "skin-temperature", Value: 33.4, Unit: "C", TakenMs: taken},
		)

	case opStop:
		s.streaming = false
		return s.notify(dataMessage{Kind: kindConfig, Streaming: false, IntervalMs: s.interval})
	}

	return s.notify(dataMessage{Kind: kindError, Code: 2, Message: "unknown operation"})
}

func (s *simulatedSensor) notify(messages ...dataMessage) []bluetooth.InboundFrame {
	frames := make([]bluetooth.InboundFrame, 0, len(messages))

	for _, m := range messages {
		data, err := encMode.Marshal(m)
		if err != nil {
			continue
		}

		frames = append(frames, bluetooth.InboundFrame{Endpoint: DataEndpoint, Data: data})
	}

	return frames
}
