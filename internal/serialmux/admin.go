package serialmux

import (
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"tailscale.com/tsweb"
)

//go:embed templates/*
var adminTemplateFS embed.FS

var sendCommandTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-command.html.tmpl"))

// AdminPrefix returns the debug route component for a named device.
func AdminPrefix(name string) string {
	return "serial/" + name + "/"
}

// deviceAdmin serves the debug pages of one device.
type deviceAdmin struct {
	dev  SerialMuxInterface
	base string
}

func attachAdminRoutes(mux *http.ServeMux, s SerialMuxInterface) {
	debug := tsweb.Debugger(mux)
	prefix := AdminPrefix(s.Name())
	a := &deviceAdmin{dev: s, base: "/debug/" + prefix}

	debug.HandleFunc(prefix+"send-command", "serial console for "+s.Name(), a.page)
	debug.HandleSilentFunc(prefix+"send-command-api", a.sendCommand)
	debug.HandleSilentFunc(prefix+"tail", a.tail)
	debug.HandleSilentFunc(prefix+"tail.js", a.script)
	debug.HandleSilentFunc(prefix+"stats", a.stats)
}

func (a *deviceAdmin) page(w http.ResponseWriter, r *http.Request) {
	var b strings.Builder
	data := struct{ Name, Base string }{a.dev.Name(), a.base}
	if err := sendCommandTemplate.Execute(&b, data); err != nil {
		http.Error(w, "failed to render page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(b.String()))
}

func (a *deviceAdmin) sendCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	command := strings.TrimSpace(r.FormValue("command"))
	if command == "" {
		http.Error(w, "missing command", http.StatusBadRequest)
		return
	}
	if err := a.dev.SendCommand(command); err != nil {
		http.Error(w, "write failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "sent %q to %s", command, a.dev.Name())
}

// tail streams every line the device emits as server-sent events.
func (a *deviceAdmin) tail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	id, lines := a.dev.Subscribe()
	defer a.dev.Unsubscribe(id)

	fmt.Fprint(w, ": ping\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (a *deviceAdmin) script(w http.ResponseWriter, r *http.Request) {
	js, err := adminTemplateFS.ReadFile("templates/tail.js")
	if err != nil {
		http.Error(w, "tail.js missing", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(js)
}

func (a *deviceAdmin) stats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(a.dev.Stats())
}
