package serialmux

import (
	"io"
	"time"
)

// SerialPorter is the part of a serial port the mux uses. Tests substitute
// TestableSerialPort.
type SerialPorter interface {
	io.ReadWriteCloser
}

// TimeoutSerialPorter can bound blocking reads. The scanner driver relies on
// it to notice a stalled device.
type TimeoutSerialPorter interface {
	SerialPorter
	SetReadTimeout(timeout time.Duration) error
}

// ModemSerialPorter can drive DTR, which some scanners wire to the motor
// enable.
type ModemSerialPorter interface {
	TimeoutSerialPorter
	SetDTR(dtr bool) error
}
