package serialmux

import (
	"fmt"

	"go.bug.st/serial"

	"github.com/banshee-data/selfdrive/internal/monitoring"
)

// OpenPort opens the device at path. A positive ReadTimeout is applied
// before the port is returned.
func OpenPort(path string, opts PortOptions) (serial.Port, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if opts.ReadTimeout > 0 {
		if err := port.SetReadTimeout(opts.ReadTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("set read timeout on %s: %w", path, err)
		}
	}
	monitoring.Debugf("[serialmux] opened %s at %d %s", path, mode.BaudRate, opts.Framing())
	return port, nil
}

// NewRealSerialMux opens path and wraps it in a mux called name.
func NewRealSerialMux(name, path string, opts PortOptions, muxOpts ...Option) (*SerialMux[serial.Port], error) {
	port, err := OpenPort(path, opts)
	if err != nil {
		return nil, err
	}
	return NewSerialMux[serial.Port](name, port, muxOpts...), nil
}
