package serialmux

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

// localHostRequest creates a request that appears to come from localhost so
// tsweb's debug access check lets it through.
func localHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestAttachAdminRoutes_SendCommandAPI(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux("motor", port)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	tests := []struct {
		name   string
		method string
		form   url.Values
		status int
	}{
		{"valid POST", http.MethodPost, url.Values{"command": {"STOP"}}, http.StatusOK},
		{"empty command", http.MethodPost, url.Values{"command": {"  "}}, http.StatusBadRequest},
		{"GET not allowed", http.MethodGet, nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := localHostRequest(tt.method, "/debug/serial/motor/send-command-api", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rec := httptest.NewRecorder()
			httpMux.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d (body %q)", rec.Code, tt.status, rec.Body.String())
			}
		})
	}

	if got := string(port.GetWrittenData()); got != "STOP\n" {
		t.Errorf("written = %q, want STOP", got)
	}
}

func TestAttachAdminRoutes_RejectsRemote(t *testing.T) {
	mux := NewSerialMux("motor", NewTestableSerialPort())
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	req := httptest.NewRequest(http.MethodGet, "/debug/serial/motor/send-command", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)
	if rec.Code == http.StatusOK {
		t.Error("expected remote access to debug routes to be refused")
	}
}

func TestAttachAdminRoutes_PageAndScript(t *testing.T) {
	mux := NewSerialMux("vision", NewTestableSerialPort())
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/serial/vision/send-command", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("send-command status = %d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "/debug/serial/vision/tail.js") {
		t.Errorf("page does not reference its script: %s", body)
	}

	rec = httptest.NewRecorder()
	httpMux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/serial/vision/tail.js", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "EventSource") {
		t.Errorf("tail.js status = %d body = %q", rec.Code, rec.Body.String())
	}
}

func TestAttachAdminRoutes_TwoDevicesOneMux(t *testing.T) {
	httpMux := http.NewServeMux()
	NewSerialMux("vision", NewTestableSerialPort()).AttachAdminRoutes(httpMux)
	NewSerialMux("motor", NewTestableSerialPort()).AttachAdminRoutes(httpMux)
}

func TestAttachAdminRoutes_TailStreamsLines(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	mux := NewSerialMux("vision", port)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	srv := httptest.NewServer(httpMux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go mux.Monitor(ctx)
	defer mux.Close()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/debug/serial/vision/tail", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET tail: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	// the handler subscribes before writing the ping
	if line, err := reader.ReadString('\n'); err != nil || !strings.HasPrefix(line, ": ping") {
		t.Fatalf("first line = %q, %v", line, err)
	}
	port.AddReadData([]byte(`{"light":"red"}` + "\n"))

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			if got := strings.TrimSpace(strings.TrimPrefix(line, "data: ")); got != `{"light":"red"}` {
				t.Errorf("data = %q", got)
			}
			return
		}
	}
}

func TestAttachAdminRoutes_Stats(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux("motor", port)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	if err := mux.SendCommand("STOP"); err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/serial/motor/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"commands":1`) {
		t.Errorf("stats body = %s", rec.Body.String())
	}
}
