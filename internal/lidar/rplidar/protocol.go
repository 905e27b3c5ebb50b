// Package rplidar drives Slamtec RPLidar A-series scanners over a serial
// link and assembles their measurement nodes into lidar.Scans.
package rplidar

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	syncByte  = 0xA5
	syncByte2 = 0x5A

	cmdStop      = 0x25
	cmdReset     = 0x40
	cmdScan      = 0x20
	cmdGetInfo   = 0x50
	cmdGetHealth = 0x52
	cmdSetPWM    = 0xF0

	descriptorLen = 7
	nodeLen       = 5

	infoLen   = 20
	healthLen = 3

	typeScan   = 0x81
	typeInfo   = 0x04
	typeHealth = 0x06

	sendModeSingle = 0
	sendModeMulti  = 1

	// DefaultMotorPWM is the duty used on PWM-controlled (A2/A3) models.
	DefaultMotorPWM = 660
	maxMotorPWM     = 1023
)

var (
	// ErrProtocol reports a byte stream that does not follow the protocol.
	ErrProtocol = errors.New("rplidar: protocol error")
	// ErrTimeout reports a response that did not arrive in time.
	ErrTimeout = errors.New("rplidar: response timeout")
	// ErrDeviceFault is returned when the scanner reports an error health status.
	ErrDeviceFault = errors.New("rplidar: device reports error state")
)

// encodeCommand builds a request packet. Commands with a payload carry a
// size byte and a trailing XOR checksum over every preceding byte.
func encodeCommand(cmd byte, payload []byte) []byte {
	pkt := []byte{syncByte, cmd}
	if len(payload) == 0 {
		return pkt
	}
	pkt = append(pkt, byte(len(payload)))
	pkt = append(pkt, payload...)
	var sum byte
	for _, b := range pkt {
		sum ^= b
	}
	return append(pkt, sum)
}

type descriptor struct {
	Length   uint32
	SendMode uint8
	DataType uint8
}

func parseDescriptor(b []byte) (descriptor, error) {
	if len(b) != descriptorLen {
		return descriptor{}, fmt.Errorf("%w: descriptor length %d", ErrProtocol, len(b))
	}
	if b[0] != syncByte || b[1] != syncByte2 {
		return descriptor{}, fmt.Errorf("%w: bad descriptor sync % x", ErrProtocol, b[:2])
	}
	v := binary.LittleEndian.Uint32(b[2:6])
	return descriptor{
		Length:   v & 0x3FFFFFFF,
		SendMode: uint8(v >> 30),
		DataType: b[6],
	}, nil
}

func (d descriptor) expect(length uint32, mode, dataType uint8) error {
	if d.Length != length || d.SendMode != mode || d.DataType != dataType {
		return fmt.Errorf("%w: unexpected descriptor %+v", ErrProtocol, d)
	}
	return nil
}

// Node is one decoded measurement node of a SCAN response.
type Node struct {
	StartFlag  bool // first node of a new rotation
	Quality    uint8
	AngleDeg   float64
	DistanceMM float64
}

var (
	errStartFlags = errors.New("start flag and its inverse agree")
	errCheckBit   = errors.New("check bit not set")
)

// DecodeNode decodes a 5-byte measurement node.
func DecodeNode(b []byte) (Node, error) {
	if len(b) < nodeLen {
		return Node{}, fmt.Errorf("%w: short node", ErrProtocol)
	}
	start := b[0]&0x1 != 0
	inverse := b[0]&0x2 != 0
	if start == inverse {
		return Node{}, errStartFlags
	}
	if b[1]&0x1 != 1 {
		return Node{}, errCheckBit
	}
	angleQ6 := uint16(b[1]>>1) | uint16(b[2])<<7
	distQ2 := uint16(b[3]) | uint16(b[4])<<8
	return Node{
		StartFlag:  start,
		Quality:    b[0] >> 2,
		AngleDeg:   float64(angleQ6) / 64.0,
		DistanceMM: float64(distQ2) / 4.0,
	}, nil
}

// EncodeNode is the inverse of DecodeNode. Replay captures and tests use it
// to produce device-format bytes.
func EncodeNode(n Node) []byte {
	angleQ6 := uint16(n.AngleDeg*64 + 0.5)
	distQ2 := uint16(n.DistanceMM*4 + 0.5)
	b0 := (n.Quality & 0x3F) << 2
	if n.StartFlag {
		b0 |= 0x1
	} else {
		b0 |= 0x2
	}
	return []byte{
		b0,
		byte(angleQ6<<1) | 0x1,
		byte(angleQ6 >> 7),
		byte(distQ2),
		byte(distQ2 >> 8),
	}
}

// Info is the GET_INFO response.
type Info struct {
	Model           uint8    `json:"model"`
	FirmwareMinor   uint8    `json:"firmware_minor"`
	FirmwareMajor   uint8    `json:"firmware_major"`
	Hardware        uint8    `json:"hardware"`
	SerialNumber    [16]byte `json:"-"`
	SerialNumberHex string   `json:"serial_number"`
}

func parseInfo(b []byte) Info {
	info := Info{Model: b[0], FirmwareMinor: b[1], FirmwareMajor: b[2], Hardware: b[3]}
	copy(info.SerialNumber[:], b[4:20])
	info.SerialNumberHex = strings.ToUpper(fmt.Sprintf("%x", info.SerialNumber))
	return info
}

func (i Info) String() string {
	return fmt.Sprintf("model=%d firmware=%d.%02d hardware=%d serial=%s",
		i.Model, i.FirmwareMajor, i.FirmwareMinor, i.Hardware, i.SerialNumberHex)
}

// HealthStatus is the device self-check result.
type HealthStatus uint8

const (
	HealthGood HealthStatus = iota
	HealthWarning
	HealthError
)

func (s HealthStatus) String() string {
	switch s {
	case HealthGood:
		return "Good"
	case HealthWarning:
		return "Warning"
	case HealthError:
		return "Error"
	default:
		return fmt.Sprintf("HealthStatus(%d)", uint8(s))
	}
}

// Health is the GET_HEALTH response.
type Health struct {
	Status    HealthStatus `json:"status"`
	ErrorCode uint16       `json:"error_code"`
}

func parseHealth(b []byte) Health {
	return Health{Status: HealthStatus(b[0]), ErrorCode: binary.LittleEndian.Uint16(b[1:3])}
}
