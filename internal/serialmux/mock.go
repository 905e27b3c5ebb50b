package serialmux

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// LineGenerator produces the i-th line a mock device emits.
type LineGenerator func(i int) string

// MockSerialPort is a SerialPorter that emits generated lines on a timer and
// records everything written to it.
type MockSerialPort struct {
	r    *io.PipeReader
	w    *io.PipeWriter
	mu   sync.Mutex
	sent bytes.Buffer
	done chan struct{}
	once sync.Once
}

func (m *MockSerialPort) Read(p []byte) (int, error) { return m.r.Read(p) }

func (m *MockSerialPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent.Write(p)
}

// Written returns a copy of everything written to the port.
func (m *MockSerialPort) Written() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent.String()
}

func (m *MockSerialPort) Close() error {
	m.once.Do(func() {
		close(m.done)
		m.r.Close()
	})
	return nil
}

// NewMockSerialPort starts emitting gen(0), gen(1), ... every interval until
// the port is closed.
func NewMockSerialPort(gen LineGenerator, interval time.Duration) *MockSerialPort {
	r, w := io.Pipe()
	m := &MockSerialPort{r: r, w: w, done: make(chan struct{})}

	go func() {
		defer w.Close()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-m.done:
				return
			case <-ticker.C:
			}
			line := gen(i)
			if len(line) == 0 || line[len(line)-1] != '\n' {
				line += "\n"
			}
			if _, err := w.Write([]byte(line)); err != nil {
				return
			}
		}
	}()
	return m
}

// NewMockSerialMux creates a SerialMux backed by a MockSerialPort.
func NewMockSerialMux(name string, gen LineGenerator, interval time.Duration, opts ...Option) *SerialMux[*MockSerialPort] {
	return NewSerialMux(name, NewMockSerialPort(gen, interval), opts...)
}
