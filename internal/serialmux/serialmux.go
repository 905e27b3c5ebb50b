// Package serialmux shares one line-oriented serial device between several
// readers and writers.
//
// The pilot runs one mux per device: the vision co-processor, which streams
// classification frames, and the motor controller, which takes drive
// commands and answers OK or ERR. Any number of goroutines can subscribe to
// the lines a device emits; commands are serialised onto the port.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

var ErrWriteFailed = errors.New("failed to write to serial port")

// subscriberBuffer is how many lines a subscriber may fall behind before
// lines are dropped for it.
const subscriberBuffer = 16

// SerialMuxInterface is what the rest of the pilot needs from a device link.
type SerialMuxInterface interface {
	// Name identifies the device in logs and admin routes.
	Name() string
	// Subscribe returns an id and a channel receiving every line read
	// from the device from now on.
	Subscribe() (string, chan string)
	// Unsubscribe closes and forgets the channel for id.
	Unsubscribe(string)
	// SendCommand writes one line to the device.
	SendCommand(string) error
	// Monitor reads the device until ctx ends or the port fails.
	Monitor(context.Context) error
	// Close ends every subscription and closes the port.
	Close() error
	// Initialize writes the configured init commands.
	Initialize() error
	// Stats reports line and command counters.
	Stats() Stats

	// AttachAdminRoutes mounts the send-command page and live tail under
	// /debug/serial/<name>/ on the tsweb debugger, which only answers
	// localhost and tailnet peers.
	AttachAdminRoutes(*http.ServeMux)
}

// Stats are the link counters shown on /api/status.
type Stats struct {
	LinesRead    uint64 `json:"lines_read"`
	LinesDropped uint64 `json:"lines_dropped"`
	Commands     uint64 `json:"commands"`
	WriteErrors  uint64 `json:"write_errors"`
	Subscribers  int    `json:"subscribers"`
}

type Option func(*options)

type options struct {
	initCommands []string
}

// WithInitCommands sets the commands Initialize writes, in order.
func WithInitCommands(commands ...string) Option {
	return func(o *options) {
		o.initCommands = append([]string(nil), commands...)
	}
}

// SerialMux multiplexes the port T.
type SerialMux[T SerialPorter] struct {
	name         string
	port         T
	initCommands []string

	subscriberMu sync.Mutex
	subscribers  map[string]chan string

	commandMu sync.Mutex
	closing   atomic.Bool

	linesRead    atomic.Uint64
	linesDropped atomic.Uint64
	commands     atomic.Uint64
	writeErrors  atomic.Uint64
}

func NewSerialMux[T SerialPorter](name string, port T, opts ...Option) *SerialMux[T] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &SerialMux[T]{
		name:         name,
		port:         port,
		initCommands: o.initCommands,
		subscribers:  make(map[string]chan string),
	}
}

func randomID() string {
	var b [8]byte
	_, _ = crand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func (s *SerialMux[T]) Name() string { return s.name }

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, subscriberBuffer)
	s.subscriberMu.Lock()
	s.subscribers[id] = ch
	s.subscriberMu.Unlock()
	return id, ch
}

func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		delete(s.subscribers, id)
		close(ch)
	}
}

func (s *SerialMux[T]) Initialize() error {
	for _, command := range s.initCommands {
		if err := s.SendCommand(command); err != nil {
			return fmt.Errorf("%s: failed to send init command %q: %w", s.name, command, err)
		}
	}
	return nil
}

// SendCommand writes command followed by a newline unless it already ends
// with one.
func (s *SerialMux[T]) SendCommand(command string) error {
	line := command
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}

	s.commandMu.Lock()
	n, err := s.port.Write([]byte(line))
	s.commandMu.Unlock()

	switch {
	case err != nil:
		s.writeErrors.Add(1)
		return err
	case n != len(line):
		s.writeErrors.Add(1)
		return fmt.Errorf("%w: %d of %d bytes to %s", ErrWriteFailed, n, len(line), s.name)
	}
	s.commands.Add(1)
	return nil
}

// fanOut hands line to every subscriber that has room for it.
func (s *SerialMux[T]) fanOut(line string) {
	s.linesRead.Add(1)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
			s.linesDropped.Add(1)
		}
	}
}

// Monitor reads lines until ctx is done, the port reaches EOF (nil), the mux
// is closed (nil) or a read fails (the read error). Trailing carriage returns
// are stripped.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)

	// Scan blocks in the port read, so it runs apart from the ctx select.
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(s.port)
		for sc.Scan() {
			select {
			case lines <- strings.TrimRight(sc.Text(), "\r"):
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			if s.closing.Load() {
				return nil
			}
			s.fanOut(line)
		}
	}
}

func (s *SerialMux[T]) Close() error {
	s.closing.Store(true)

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}

func (s *SerialMux[T]) Stats() Stats {
	s.subscriberMu.Lock()
	n := len(s.subscribers)
	s.subscriberMu.Unlock()
	return Stats{
		LinesRead:    s.linesRead.Load(),
		LinesDropped: s.linesDropped.Load(),
		Commands:     s.commands.Load(),
		WriteErrors:  s.writeErrors.Load(),
		Subscribers:  n,
	}
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	attachAdminRoutes(mux, s)
}
