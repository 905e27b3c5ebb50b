package serialmux

import (
	"context"
	"net/http"
	"sync"

	"tailscale.com/tsweb"
)

// DisabledSerialMux stands in for a device that is not attached: the motor
// controller in a dry run, or a camera link left unconfigured. Commands
// are discarded and no lines ever arrive, but subscriptions still behave so
// readers unblock on Close.
type DisabledSerialMux struct {
	name string

	mu          sync.Mutex
	subscribers map[string]chan string
	closed      bool
	discarded   uint64
}

func NewDisabledSerialMux(name string) *DisabledSerialMux {
	return &DisabledSerialMux{name: name, subscribers: make(map[string]chan string)}
}

var _ SerialMuxInterface = (*DisabledSerialMux)(nil)

func (d *DisabledSerialMux) Name() string { return d.name }

// Subscribe returns an already closed channel once the mux is closed.
func (d *DisabledSerialMux) Subscribe() (string, chan string) {
	id, ch := randomID(), make(chan string)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		close(ch)
	} else {
		d.subscribers[id] = ch
	}
	return id, ch
}

func (d *DisabledSerialMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		delete(d.subscribers, id)
		close(ch)
	}
}

func (d *DisabledSerialMux) SendCommand(string) error {
	d.mu.Lock()
	d.discarded++
	d.mu.Unlock()
	return nil
}

func (d *DisabledSerialMux) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *DisabledSerialMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for id, ch := range d.subscribers {
		delete(d.subscribers, id)
		close(ch)
	}
	return nil
}

func (d *DisabledSerialMux) Initialize() error { return nil }

// Stats counts discarded commands under Commands.
func (d *DisabledSerialMux) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{Commands: d.discarded, Subscribers: len(d.subscribers)}
}

func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	tsweb.Debugger(mux).HandleFunc(AdminPrefix(d.name)+"disabled", d.name+" (disabled)", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(d.name + " serial disabled\n"))
	})
}
