package rplidar

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/selfdrive/internal/monitoring"
	"github.com/banshee-data/selfdrive/internal/serialmux"
	"github.com/banshee-data/selfdrive/internal/timeutil"
)

// DefaultReadTimeout bounds each serial read so the acquisition task can
// observe the stop flag while the scanner is silent.
const DefaultReadTimeout = 100 * time.Millisecond

var logf = monitoring.Prefixed("[rplidar] ")

// Port is the serial port a Device talks through. DTR drives the motor on
// A1 units: low spins it, high stops it.
type Port = serialmux.ModemSerialPorter

// ErrNoData is returned by ReadNode when the read timed out before a whole
// node arrived. It is not a failure.
var ErrNoData = errors.New("rplidar: no data")

// Device is one RPLidar on a serial port. It is not safe for concurrent use.
type Device struct {
	port  Port
	clock timeutil.Clock

	// MotorPWM, when positive, is sent with SET_PWM on StartMotor for
	// models whose motor is PWM controlled.
	MotorPWM uint16
	// MaxEmptyReads is how many consecutive empty reads a request/response
	// exchange tolerates before ErrTimeout.
	MaxEmptyReads int
	rbuf     []byte
	pending  []byte
	stream   *NodeStream
	scanning bool

	closeOnce sync.Once
	closeErr  error
}

// Open opens the scanner at path. Unset options default to 115200 8N1 with
// DefaultReadTimeout.
func Open(path string, opts serialmux.PortOptions) (*Device, error) {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	port, err := serialmux.OpenPort(path, opts)
	if err != nil {
		return nil, err
	}
	return NewDevice(port, timeutil.RealClock{}), nil
}

// NewDevice wraps an open port.
func NewDevice(port Port, clock timeutil.Clock) *Device {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Device{
		port:          port,
		clock:         clock,
		MaxEmptyReads: 20,
		rbuf:          make([]byte, 512),
		stream:        NewNodeStream(),
	}
}

func (d *Device) send(cmd byte, payload []byte) error {
	pkt := encodeCommand(cmd, payload)
	n, err := d.port.Write(pkt)
	if err != nil {
		return fmt.Errorf("rplidar: write command 0x%02x: %w", cmd, err)
	}
	if n != len(pkt) {
		return fmt.Errorf("rplidar: write command 0x%02x: %w", cmd, serialmux.ErrWriteFailed)
	}
	return nil
}

// fill performs one port read into the pending buffer.
func (d *Device) fill() (int, error) {
	n, err := d.port.Read(d.rbuf)
	if n > 0 {
		d.pending = append(d.pending, d.rbuf[:n]...)
	}
	return n, err
}

func (d *Device) consume(n int) []byte {
	out := append([]byte(nil), d.pending[:n]...)
	d.pending = append(d.pending[:0], d.pending[n:]...)
	return out
}

// readFull waits for n bytes, tolerating MaxEmptyReads timed-out reads.
func (d *Device) readFull(n int) ([]byte, error) {
	empties := 0
	for len(d.pending) < n {
		k, err := d.fill()
		if err != nil {
			return nil, fmt.Errorf("rplidar: read: %w", err)
		}
		if k == 0 {
			empties++
			if empties > d.MaxEmptyReads {
				return nil, ErrTimeout
			}
		}
	}
	return d.consume(n), nil
}

func (d *Device) request(cmd byte, length uint32, dataType uint8) ([]byte, error) {
	if d.scanning {
		return nil, fmt.Errorf("rplidar: command 0x%02x while scanning", cmd)
	}
	if err := d.send(cmd, nil); err != nil {
		return nil, err
	}
	raw, err := d.readFull(descriptorLen)
	if err != nil {
		return nil, err
	}
	desc, err := parseDescriptor(raw)
	if err != nil {
		return nil, err
	}
	if err := desc.expect(length, sendModeSingle, dataType); err != nil {
		return nil, err
	}
	return d.readFull(int(length))
}

// Info queries model, firmware and serial number.
func (d *Device) Info() (Info, error) {
	b, err := d.request(cmdGetInfo, infoLen, typeInfo)
	if err != nil {
		return Info{}, err
	}
	return parseInfo(b), nil
}

// Health queries the self-check status.
func (d *Device) Health() (Health, error) {
	b, err := d.request(cmdGetHealth, healthLen, typeHealth)
	if err != nil {
		return Health{}, err
	}
	return parseHealth(b), nil
}

// StartMotor spins the motor up.
func (d *Device) StartMotor() error {
	if err := d.port.SetDTR(false); err != nil {
		return fmt.Errorf("rplidar: start motor: %w", err)
	}
	if d.MotorPWM > 0 {
		return d.SetMotorPWM(d.MotorPWM)
	}
	return nil
}

// SetMotorPWM sets the motor duty on PWM-controlled models (0..1023).
func (d *Device) SetMotorPWM(pwm uint16) error {
	if pwm > maxMotorPWM {
		pwm = maxMotorPWM
	}
	payload := make([]byte, 2)
	binary.LittleEndian.PutUint16(payload, pwm)
	return d.send(cmdSetPWM, payload)
}

// StopMotor spins the motor down.
func (d *Device) StopMotor() error {
	if d.MotorPWM > 0 {
		if err := d.SetMotorPWM(0); err != nil {
			return err
		}
	}
	if err := d.port.SetDTR(true); err != nil {
		return fmt.Errorf("rplidar: stop motor: %w", err)
	}
	return nil
}

// StartScan begins continuous scanning and checks the response descriptor.
func (d *Device) StartScan() error {
	if d.scanning {
		return nil
	}
	if err := d.send(cmdScan, nil); err != nil {
		return err
	}
	raw, err := d.readFull(descriptorLen)
	if err != nil {
		return err
	}
	desc, err := parseDescriptor(raw)
	if err != nil {
		return err
	}
	if err := desc.expect(nodeLen, sendModeMulti, typeScan); err != nil {
		return err
	}
	d.scanning = true
	d.stream.Reset()
	d.stream.Feed(d.pending)
	d.pending = d.pending[:0]
	return nil
}

// Stop ends scanning and discards buffered bytes.
func (d *Device) Stop() error {
	err := d.send(cmdStop, nil)
	d.clock.Sleep(time.Millisecond)
	d.discardInput()
	d.scanning = false
	return err
}

// Reset reboots the scanner core.
func (d *Device) Reset() error {
	err := d.send(cmdReset, nil)
	d.clock.Sleep(2 * time.Millisecond)
	d.discardInput()
	d.scanning = false
	return err
}

func (d *Device) discardInput() {
	d.pending = d.pending[:0]
	d.stream.Reset()
	if r, ok := d.port.(interface{ ResetInputBuffer() error }); ok {
		if err := r.ResetInputBuffer(); err != nil {
			logf("reset input buffer: %v", err)
		}
	}
}

// ReadNode returns the next measurement node of a running scan. It returns
// ErrNoData when the port read timed out first; partial bytes are kept for
// the next call.
func (d *Device) ReadNode() (Node, error) {
	if !d.scanning {
		return Node{}, fmt.Errorf("rplidar: ReadNode without StartScan")
	}
	for {
		node, ok, err := d.stream.Next()
		if err != nil {
			return Node{}, err
		}
		if ok {
			return node, nil
		}
		n, err := d.port.Read(d.rbuf)
		if err != nil {
			return Node{}, fmt.Errorf("rplidar: read: %w", err)
		}
		if n == 0 {
			return Node{}, ErrNoData
		}
		d.stream.Feed(d.rbuf[:n])
	}
}

// Close closes the port. It is safe to call more than once.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.port.Close()
	})
	return d.closeErr
}
