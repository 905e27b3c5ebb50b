package actuation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/selfdrive/internal/fusion"
	"github.com/banshee-data/selfdrive/internal/monitoring"
	"github.com/banshee-data/selfdrive/internal/serialmux"
)

var logf = monitoring.Prefixed("[actuation] ")

// Actuator applies control commands to the vehicle.
type Actuator interface {
	Apply(cmd fusion.ControlCommand) error
	Stop() error
}

// SerialActuator sends mixed commands to a motor controller over a serial
// link.
type SerialActuator struct {
	mux   serialmux.SerialMuxInterface
	mixer Mixer

	mu   sync.Mutex
	last string

	faults atomic.Uint64
}

// NewSerialActuator returns an actuator writing mixer lines to mux.
func NewSerialActuator(mux serialmux.SerialMuxInterface, mixer Mixer) *SerialActuator {
	return &SerialActuator{mux: mux, mixer: mixer}
}

// Apply sends cmd. The controller treats every line as a keep-alive, so
// identical commands are sent again each cycle.
func (a *SerialActuator) Apply(cmd fusion.ControlCommand) error {
	return a.send(a.mixer.Line(cmd))
}

// Stop sends the stop line.
func (a *SerialActuator) Stop() error {
	return a.send(StopLine)
}

func (a *SerialActuator) send(line string) error {
	if err := a.mux.SendCommand(line); err != nil {
		return fmt.Errorf("actuation: send %q to %s: %w", line, a.mux.Name(), err)
	}
	a.mu.Lock()
	a.last = line
	a.mu.Unlock()
	return nil
}

// Last returns the most recently sent line.
func (a *SerialActuator) Last() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// Faults returns the number of ERR replies seen by WatchReplies.
func (a *SerialActuator) Faults() uint64 {
	return a.faults.Load()
}

// WatchReplies logs ERR replies from the controller until ctx is done or
// the mux closes.
func (a *SerialActuator) WatchReplies(ctx context.Context) {
	id, lines := a.mux.Subscribe()
	defer a.mux.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if serialmux.ClassifyPayload(line) == serialmux.EventTypeFault {
				n := a.faults.Add(1)
				logf("%s reported %q (%d faults)", a.mux.Name(), line, n)
			}
		}
	}
}

// LogActuator records commands without driving anything. It is used for dry
// runs.
type LogActuator struct {
	Mixer Mixer

	mu      sync.Mutex
	last    fusion.ControlCommand
	applied int
	stops   int
}

func (l *LogActuator) Apply(cmd fusion.ControlCommand) error {
	l.mu.Lock()
	l.last = cmd
	l.applied++
	l.mu.Unlock()
	if l.Mixer != nil {
		monitoring.Debugf("[actuation] dry run: %s", l.Mixer.Line(cmd))
	}
	return nil
}

func (l *LogActuator) Stop() error {
	l.mu.Lock()
	l.last = fusion.StopCommand
	l.stops++
	l.mu.Unlock()
	logf("dry run: %s", StopLine)
	return nil
}

// Last returns the last applied command and the number of Apply and Stop
// calls so far.
func (l *LogActuator) Last() (cmd fusion.ControlCommand, applied, stops int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last, l.applied, l.stops
}
