package serialmux

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"
)

// DefaultBaudRate is used by every device on the vehicle unless overridden.
const DefaultBaudRate = 115200

// PortOptions are the line settings of a serial device. Zero values take
// the defaults, 115200 8N1.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`

	// ReadTimeout makes reads return (0, nil) after the given duration
	// without data. Leave zero for line-oriented devices read through
	// Monitor: bufio.Scanner gives up after repeated empty reads.
	ReadTimeout time.Duration `json:"-"`
}

// parityCodes maps the accepted spellings onto N, E or O.
var parityCodes = map[string]string{
	"": "N", "N": "N", "NONE": "N",
	"E": "E", "EVEN": "E",
	"O": "O", "ODD": "O",
}

var serialParity = map[string]serial.Parity{
	"N": serial.NoParity,
	"E": serial.EvenParity,
	"O": serial.OddParity,
}

// Normalize fills defaults and rejects settings go.bug.st/serial cannot open.
func (o PortOptions) Normalize() (PortOptions, error) {
	if o.BaudRate <= 0 {
		o.BaudRate = DefaultBaudRate
	}
	if o.DataBits == 0 {
		o.DataBits = 8
	}
	if o.StopBits == 0 {
		o.StopBits = 1
	}
	parity, ok := parityCodes[strings.ToUpper(strings.TrimSpace(o.Parity))]

	switch {
	case o.DataBits < 5 || o.DataBits > 8:
		return o, fmt.Errorf("invalid data bits %d: must be between 5 and 8", o.DataBits)
	case o.StopBits != 1 && o.StopBits != 2:
		return o, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", o.StopBits)
	case !ok:
		return o, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	o.Parity = parity
	return o, nil
}

// Equal reports whether two valid option sets open the port the same way.
func (o PortOptions) Equal(other PortOptions) bool {
	a, errA := o.Normalize()
	b, errB := other.Normalize()
	if errA != nil || errB != nil {
		return false
	}
	a.ReadTimeout, b.ReadTimeout = 0, 0
	return a == b
}

// Framing returns the conventional short form, e.g. "8N1".
func (o PortOptions) Framing() string {
	n, err := o.Normalize()
	if err != nil {
		return "invalid"
	}
	return fmt.Sprintf("%d%s%d", n.DataBits, n.Parity, n.StopBits)
}

// WithFraming returns o with data bits, parity and stop bits taken from a
// short form such as "8N1" or "7E2".
func (o PortOptions) WithFraming(framing string) (PortOptions, error) {
	f := strings.ToUpper(strings.TrimSpace(framing))
	if len(f) != 3 {
		return o, fmt.Errorf("invalid framing %q: want e.g. 8N1", framing)
	}
	data, errD := strconv.Atoi(f[:1])
	stop, errS := strconv.Atoi(f[2:])
	if errD != nil || errS != nil {
		return o, fmt.Errorf("invalid framing %q: want e.g. 8N1", framing)
	}
	o.DataBits, o.Parity, o.StopBits = data, f[1:2], stop
	return o.Normalize()
}

// SerialMode converts the options for serial.Open.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	n, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: n.BaudRate,
		DataBits: n.DataBits,
		Parity:   serialParity[n.Parity],
		StopBits: serial.OneStopBit,
	}
	if n.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	return mode, nil
}
