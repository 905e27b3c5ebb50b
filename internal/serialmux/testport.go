package serialmux

import (
	"bytes"
	"errors"
	"io"
	"slices"
	"sync"
	"time"
)

// TestableSerialPort is a scripted ModemSerialPorter for device tests.
// Reads drain ReadBuffer and then return io.EOF unless BlockReads is set;
// ReadError and WriteError fail the next call only.
type TestableSerialPort struct {
	mu sync.Mutex

	ReadBuffer  *bytes.Buffer
	WriteBuffer *bytes.Buffer
	ReadLatency time.Duration

	ReadError  error
	WriteError error
	CloseError error
	Closed     bool

	ReadCalls  int
	WriteCalls int

	// ReadTimeout is set through SetReadTimeout.
	ReadTimeout time.Duration

	// BlockReads causes Read to block until data is added or Close is called.
	// With a ReadTimeout set, a blocked Read instead returns (0, nil) once
	// the timeout elapses, like a real port.
	BlockReads bool

	// DTR records every SetDTR call in order.
	DTR []bool

	// OnWrite, if set, is called with each written chunk after it is
	// recorded. It runs without the port lock held, so it may call
	// AddReadData to script device responses.
	OnWrite func(p []byte)

	readCond *sync.Cond
}

func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{ReadBuffer: new(bytes.Buffer), WriteBuffer: new(bytes.Buffer)}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

var errPortClosed = errors.New("serial port closed")

// takeErr returns *e and clears it. Callers hold p.mu.
func takeErr(e *error) error {
	err := *e
	*e = nil
	return err
}

// awaitData parks a blocking reader until bytes arrive, the port closes or
// the read timeout lapses. Callers hold p.mu.
func (p *TestableSerialPort) awaitData() {
	if p.ReadTimeout <= 0 {
		for !p.Closed && p.ReadBuffer.Len() == 0 {
			p.readCond.Wait()
		}
		return
	}
	until := time.Now().Add(p.ReadTimeout)
	for !p.Closed && p.ReadBuffer.Len() == 0 && time.Now().Before(until) {
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		p.mu.Lock()
	}
}

func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadCalls++

	switch {
	case p.Closed:
		return 0, errPortClosed
	case p.ReadError != nil:
		return 0, takeErr(&p.ReadError)
	}

	if d := p.ReadLatency; d > 0 {
		p.mu.Unlock()
		time.Sleep(d)
		p.mu.Lock()
	}

	if p.ReadBuffer.Len() == 0 {
		if !p.BlockReads {
			return 0, io.EOF
		}
		p.awaitData()
		if p.Closed {
			return 0, errPortClosed
		}
		if p.ReadBuffer.Len() == 0 {
			return 0, nil // timed out
		}
	}
	return p.ReadBuffer.Read(b)
}

func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.WriteCalls++
	var err error
	switch {
	case p.Closed:
		err = errPortClosed
	case p.WriteError != nil:
		err = takeErr(&p.WriteError)
	}
	if err != nil {
		p.mu.Unlock()
		return 0, err
	}
	n, _ := p.WriteBuffer.Write(b)
	onWrite := p.OnWrite
	p.mu.Unlock()

	if onWrite != nil {
		onWrite(bytes.Clone(b))
	}
	return n, nil
}

// Close wakes any blocked Read.
func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	p.readCond.Broadcast()
	return p.CloseError
}

func (p *TestableSerialPort) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Closed
}

func (p *TestableSerialPort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	p.ReadTimeout = d
	p.mu.Unlock()
	return nil
}

func (p *TestableSerialPort) SetDTR(level bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Closed {
		return errPortClosed
	}
	p.DTR = append(p.DTR, level)
	return nil
}

// DTRHistory copies the recorded DTR levels.
func (p *TestableSerialPort) DTRHistory() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.DTR)
}

// AddReadData queues data for Read, waking a blocked reader.
func (p *TestableSerialPort) AddReadData(data []byte) {
	p.mu.Lock()
	p.ReadBuffer.Write(data)
	p.readCond.Broadcast()
	p.mu.Unlock()
}

// GetWrittenData copies everything written so far.
func (p *TestableSerialPort) GetWrittenData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.WriteBuffer.Bytes())
}

// Reset returns the port to its freshly constructed state. Hooks and the
// blocking mode are kept.
func (p *TestableSerialPort) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadBuffer.Reset()
	p.WriteBuffer.Reset()
	p.ReadCalls, p.WriteCalls = 0, 0
	p.Closed = false
	p.ReadError, p.WriteError, p.CloseError = nil, nil, nil
	p.ReadLatency = 0
	p.DTR = nil
}
