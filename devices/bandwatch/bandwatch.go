// Package bandwatch supports fitness bands and watches speaking the framed
// binary protocol over the Nordic UART service.
package bandwatch

import (
	"encoding/binary"
	"sync"

	"github.com/bluetuith-org/api-devices/api/appfeatures"
	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/bluetuith-org/api-devices/api/config"
	"github.com/bluetuith-org/api-devices/api/errorkinds"
	"github.com/bluetuith-org/api-devices/coordinator"
	"github.com/bluetuith-org/api-devices/transport/memory"
)

// FamilyName is the registry name of the family.
const FamilyName = "bandwatch"

const features = appfeatures.FeatureBattery |
	appfeatures.FeatureTimeSync |
	appfeatures.FeatureVibration |
	appfeatures.FeatureNotifications |
	appfeatures.FeatureFirmwareInfo |
	appfeatures.FeatureFindDevice

// Coordinator returns the family coordinator.
func Coordinator() *coordinator.Family {
	errs := &appfeatures.Errors{}
	for _, f := range features.AbsentFeatures() {
		errs.Append(appfeatures.NewError(f, errorkinds.ErrNotSupported))
	}

	return &coordinator.Family{
		FamilyName: FamilyName,
		Prefixes:   []string{"BandWatch", "BW-", "Pulse Band"},
		Caps: coordinator.Capabilities{
			Features:     appfeatures.NewFeatureSet(features, errs),
			BatterySlots: 1,
			Icon:         "watch",
			Transport:    config.TransportBLE,
		},
		NewCodec:   NewCodec,
		Simulation: Simulation,
	}
}

// Simulation returns the options of an in-memory band.
func Simulation() []memory.Option {
	band := &simulatedBand{
		battery:  87,
		firmware: "2.7.1",
		hardware: "BW-2 rev C",
	}

	return []memory.Option{memory.WithResponder(band.respond)}
}

// simulatedBand answers host frames like the band firmware does.
type simulatedBand struct {
	battery  byte
	firmware string
	hardware string

	rx reassembler

	// pattern holds intensity and repeat while the motor runs.
	pattern []byte
	finding bool

	mu sync.Mutex
}

func (b *simulatedBand) respond(w memory.Write) []bluetooth.InboundFrame {
	if w.Endpoint != TxEndpoint {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	opcode, p, complete, err := b.rx.push(w.Data)
	if err != nil {
		return b.reply(opError, append([]byte{1}, "bad frame"...))
	}
	if !complete {
		return nil
	}

	switch opcode {
	case opBattery:
		return b.reply(opBattery, []byte{b.battery, 0})

	case opTimeSync:
		if len(p) < 6 {
			break
		}

		return b.reply(opTimeSync, p[:6])

	case opVibrate:
		if len(p) < 2 {
			break
		}
		b.pattern = []byte{p[0], p[1]}

		return b.reply(opVibrate, append([]byte{1}, b.pattern...))

	case opStopVibrate:
		stopped := []byte{0, 0, 0}
		if b.pattern != nil {
			copy(stopped[1:], b.pattern)
			b.pattern = nil
		}

		return b.reply(opStopVibrate, stopped)

	case opNotify:
		n, ok := decodeNotification(p)
		if !ok {
			break
		}

		return b.reply(opNotify, binary.BigEndian.AppendUint32(nil, n.ID))

	case opVersion:
		v := append([]byte{byte(len(b.firmware))}, b.firmware...)
		return b.reply(opVersion, append(v, b.hardware...))

	case opFindDevice:
		if len(p) < 1 {
			break
		}
		b.finding = p[0] != 0

		return b.reply(opFindDevice, []byte{boolByte(b.finding)})
	}

	return b.reply(opError, append([]byte{2}, "unsupported request"...))
}

func (b *simulatedBand) reply(opcode byte, payload []byte) []bluetooth.InboundFrame {
	frames := packFrames(opcode, payload)

	inbound := make([]bluetooth.InboundFrame, 0, len(frames))
	for _, f := range frames {
		inbound = append(inbound, bluetooth.InboundFrame{Endpoint: RxEndpoint, Data: f})
	}

	return inbound
}
