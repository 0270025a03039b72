package bandwatch

import (
	"encoding/binary"
	"errors"

	"github.com/bluetuith-org/api-devices/api/errorkinds"
	"github.com/sigurn/crc16"
)

// Frame layout: header, payload fragment, CRC-16/CCITT-FALSE over both.
const (
	frameMagic byte = 0xAB

	HeaderSize   = 5
	ChecksumSize = 2

	// MaxFragmentPayload keeps every frame inside a 20 byte ATT write.
	MaxFragmentPayload = 20 - HeaderSize - ChecksumSize

	// maxMessageSize bounds reassembly of a single message.
	maxMessageSize = 1024

	flagMore byte = 1 << 0
)

// Opcodes.
const (
	opBattery     byte = 0x01
	opTimeSync    byte = 0x02
	opVibrate     byte = 0x03
	opStopVibrate byte = 0x04
	opNotify      byte = 0x05
	opVersion     byte = 0x06
	opFindDevice  byte = 0x07
	opError       byte = 0x7F
)

var checksumTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

type frameHeader struct {
	Magic  byte
	Flags  byte
	Opcode byte
	Length uint16
}

func checksum(data []byte) uint16 {
	return crc16.Checksum(data, checksumTable)
}

// packFrames splits a message into checksummed fragments.
func packFrames(opcode byte, payload []byte) [][]byte {
	var frames [][]byte

	for {
		n := min(len(payload), MaxFragmentPayload)
		chunk := payload[:n]
		payload = payload[n:]

		header := frameHeader{
			Magic:  frameMagic,
			Opcode: opcode,
			Length: uint16(n),
		}
		if len(payload) > 0 {
			header.Flags |= flagMore
		}

		frame := make([]byte, HeaderSize, HeaderSize+n+ChecksumSize)
		binary.Encode(frame, binary.BigEndian, header)
		frame = append(frame, chunk...)
		frame = binary.BigEndian.AppendUint16(frame, checksum(frame))

		frames = append(frames, frame)
		if len(payload) == 0 {
			return frames
		}
	}
}

// unpackFrame validates a single fragment.
func unpackFrame(frame []byte) (frameHeader, []byte, error) {
	var header frameHeader

	if len(frame) < HeaderSize+ChecksumSize {
		return header, nil, errors.Join(errorkinds.ErrMalformedResponse, errors.New("short frame"))
	}

	if _, err := binary.Decode(frame[:HeaderSize], binary.BigEndian, &header); err != nil {
		return header, nil, errors.Join(errorkinds.ErrMalformedResponse, err)
	}

	if header.Magic != frameMagic {
		return header, nil, errors.Join(errorkinds.ErrMalformedResponse, errors.New("bad frame magic"))
	}

	if int(header.Length) != len(frame)-HeaderSize-ChecksumSize {
		return header, nil, errors.Join(errorkinds.ErrMalformedResponse, errors.New("frame length mismatch"))
	}

	body := frame[:len(frame)-ChecksumSize]
	if binary.BigEndian.Uint16(frame[len(body):]) != checksum(body) {
		return header, nil, errors.Join(errorkinds.ErrMalformedResponse, errors.New("checksum mismatch"))
	}

	return header, body[HeaderSize:], nil
}

// reassembler joins fragments into whole messages.
type reassembler struct {
	opcode  byte
	pending []byte
	active  bool
}

// push adds a fragment. It returns the opcode and payload once the last
// fragment of a message arrives.
func (r *reassembler) push(frame []byte) (byte, []byte, bool, error) {
	header, payload, err := unpackFrame(frame)
	if err != nil {
		r.reset()
		return 0, nil, false, err
	}

	if r.active && header.Opcode != r.opcode {
		r.reset()
		return 0, nil, false, errors.Join(errorkinds.ErrMalformedResponse, errors.New("interleaved message"))
	}

	if len(r.pending)+len(payload) > maxMessageSize {
		r.reset()
		return 0, nil, false, errors.Join(errorkinds.ErrMalformedResponse, errors.New("message too large"))
	}

	r.opcode = header.Opcode
	r.pending = append(r.pending, payload...)
	r.active = true

	if header.Flags&flagMore != 0 {
		return 0, nil, false, nil
	}

	message := r.pending
	r.pending = nil
	r.active = false

	return header.Opcode, message, true, nil
}

func (r *reassembler) reset() {
	r.pending = nil
	r.active = false
}
