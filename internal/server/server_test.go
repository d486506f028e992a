package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/audiolibrelab/jamwatch/internal/config"
	"github.com/audiolibrelab/jamwatch/internal/events"
	"github.com/audiolibrelab/jamwatch/internal/lock"
	"github.com/audiolibrelab/jamwatch/internal/recorder"
	"github.com/audiolibrelab/jamwatch/internal/service"
	"github.com/audiolibrelab/jamwatch/internal/session"
)

const sessionID = "20260301-201500.000"

type fakeRecorder struct {
	mu     sync.Mutex
	bus    *events.Bus
	status recorder.Status
}

func (f *fakeRecorder) Start(context.Context) (recorder.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status.Phase == recorder.PhaseRecording {
		return f.status, nil
	}
	f.status = recorder.Status{Phase: recorder.PhaseRecording, SessionID: sessionID, ActiveDevices: []string{"keys"}}
	f.bus.Emit(events.RecordingStarted, f.status)
	return f.status, nil
}

func (f *fakeRecorder) Stop(context.Context) (*session.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status.Phase != recorder.PhaseRecording {
		return nil, nil
	}
	f.status = recorder.Status{Phase: recorder.PhaseIdle}
	m := &session.Metadata{ID: sessionID, DurationMs: 95000, RepairStatus: session.RepairNone}
	f.bus.Emit(events.RecordingStopped, m)
	return m, nil
}

func (f *fakeRecorder) Status() recorder.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeRecorder) ActiveSession() string { return f.Status().SessionID }

func (f *fakeRecorder) Reconfigure(context.Context, config.Snapshot) error { return nil }

type harness struct {
	root string
	bus  *events.Bus
	http *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	bus := events.NewBus()
	svc := service.New(service.Options{
		Root:     root,
		Recorder: &fakeRecorder{bus: bus, status: recorder.Status{Phase: recorder.PhaseIdle}},
		Bus:      bus,
		Owner:    lock.Owner{Host: "laptop", PID: 1, Instance: "server-test"},
	})
	ts := httptest.NewServer(New(svc, root, "127.0.0.1:0").Handler())
	t.Cleanup(ts.Close)
	return &harness{root: root, bus: bus, http: ts}
}

func (h *harness) do(t *testing.T, method, path string, body string, out any) int {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.http.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (h *harness) writeSession(t *testing.T, id string, status session.RepairStatus) string {
	t.Helper()
	dir := filepath.Join(h.root, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := session.Save(dir, &session.Metadata{ID: id, RepairStatus: status, LockState: session.LockReleased}); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestStartStopStatus(t *testing.T) {
	h := newHarness(t)

	var st StatusResponse
	if code := h.do(t, http.MethodGet, "/status", "", &st); code != http.StatusOK || st.Phase != recorder.PhaseIdle {
		t.Fatalf("status = %d %+v", code, st)
	}

	if code := h.do(t, http.MethodPost, "/start", "", &st); code != http.StatusOK {
		t.Fatalf("start = %d", code)
	}
	if st.Phase != recorder.PhaseRecording || st.SessionID != sessionID || !strings.Contains(st.Message, sessionID) {
		t.Errorf("start response = %+v", st)
	}

	var stop StopResponse
	if code := h.do(t, http.MethodPost, "/stop", "", &stop); code != http.StatusOK {
		t.Fatalf("stop = %d", code)
	}
	if !stop.Success || stop.Session == nil || stop.Session.ID != sessionID {
		t.Errorf("stop response = %+v", stop)
	}

	if code := h.do(t, http.MethodPost, "/stop", "", &stop); code != http.StatusOK || stop.Session != nil {
		t.Errorf("second stop = %d %+v", code, stop)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		method, path string
	}{
		{http.MethodGet, "/start"},
		{http.MethodGet, "/stop"},
		{http.MethodPost, "/status"},
		{http.MethodGet, "/rescan"},
		{http.MethodGet, "/sessions/x/repair"},
	}
	for _, tt := range tests {
		t.Run(tt.method+tt.path, func(t *testing.T) {
			if code := h.do(t, tt.method, tt.path, "", nil); code != http.StatusMethodNotAllowed {
				t.Errorf("got %d, want 405", code)
			}
		})
	}
}

func TestSessionsAndRepair(t *testing.T) {
	h := newHarness(t)
	h.writeSession(t, "20260301-100000.000", session.RepairNone)
	h.writeSession(t, "20260302-100000.000", session.RepairPending)

	var scan ScanResponse
	if code := h.do(t, http.MethodPost, "/rescan", "", &scan); code != http.StatusOK {
		t.Fatalf("rescan = %d", code)
	}
	if len(scan.Sessions) != 2 || scan.Interrupted != 1 {
		t.Fatalf("rescan response = %+v", scan)
	}

	var list SessionsResponse
	if code := h.do(t, http.MethodGet, "/sessions?condition=interrupted", "", &list); code != http.StatusOK {
		t.Fatalf("sessions = %d", code)
	}
	if list.TotalCount != 1 || list.Sessions[0].ID != "20260302-100000.000" {
		t.Errorf("sessions = %+v", list)
	}
	if code := h.do(t, http.MethodGet, "/sessions?limit=x", "", nil); code != http.StatusBadRequest {
		t.Errorf("bad limit = %d", code)
	}

	var result struct {
		ID       string            `json:"id"`
		Metadata *session.Metadata `json:"metadata"`
	}
	if code := h.do(t, http.MethodPost, "/sessions/20260302-100000.000/repair", "", &result); code != http.StatusOK {
		t.Fatalf("repair = %d", code)
	}
	if result.Metadata == nil || result.Metadata.RepairStatus != session.RepairDone {
		t.Errorf("repair result = %+v", result)
	}

	if code := h.do(t, http.MethodPost, "/sessions/nope/repair", "", nil); code != http.StatusNotFound {
		t.Errorf("unknown repair = %d, want 404", code)
	}

	var m session.Metadata
	if code := h.do(t, http.MethodPut, "/sessions/20260301-100000.000/info", `{"title":"Take 1","notes":"warmup"}`, &m); code != http.StatusOK {
		t.Fatalf("info = %d", code)
	}
	if code := h.do(t, http.MethodGet, "/sessions/20260301-100000.000", "", &m); code != http.StatusOK || m.Title != "Take 1" {
		t.Errorf("get session = %d %+v", code, m)
	}
}

func TestRepairRefusesLiveLock(t *testing.T) {
	h := newHarness(t)
	dir := h.writeSession(t, "20260302-100000.000", session.RepairPending)
	foreign := lock.Owner{Host: "studio-pc", PID: 42, Instance: "other"}
	if _, err := lock.Acquire(dir, foreign, "20260302-100000.000", time.Now()); err != nil {
		t.Fatal(err)
	}

	var scan ScanResponse
	if code := h.do(t, http.MethodGet, "/scan", "", &scan); code != http.StatusOK {
		t.Fatalf("scan = %d", code)
	}
	if scan.Interrupted != 0 || scan.Sessions[0].Condition != "recording-elsewhere" {
		t.Errorf("scan = %+v", scan)
	}

	var resp GenericResponse
	if code := h.do(t, http.MethodPost, "/sessions/20260302-100000.000/repair", "", &resp); code != http.StatusConflict {
		t.Fatalf("repair = %d, want 409", code)
	}
	if !strings.Contains(resp.Error, "possibly recording elsewhere") {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestSessionFiles(t *testing.T) {
	h := newHarness(t)
	dir := h.writeSession(t, "20260301-100000.000", session.RepairNone)
	if err := os.WriteFile(filepath.Join(dir, "midi-keys.mid"), []byte("MThd-data"), 0644); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(h.http.URL + "/sessions/20260301-100000.000/files/midi-keys.mid")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "MThd-data" {
		t.Errorf("file = %d %q", resp.StatusCode, body)
	}

	for _, path := range []string{
		"/sessions/20260301-100000.000/files/missing.wav",
		"/sessions/20260301-100000.000/files/" + lock.FileName,
		"/sessions/nope/files/midi-keys.mid",
	} {
		if code := h.do(t, http.MethodGet, path, "", nil); code != http.StatusNotFound {
			t.Errorf("%s = %d, want 404", path, code)
		}
	}
}

func TestEventStream(t *testing.T) {
	h := newHarness(t)

	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if code := h.do(t, http.MethodPost, "/start", "", nil); code != http.StatusOK {
		t.Fatalf("start = %d", code)
	}
	h.bus.Emit(events.RescanProgress, events.Progress{Done: 1, Total: 3})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got []events.Type
	for len(got) < 2 {
		var ev struct {
			Type    events.Type     `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read event: %v", err)
		}
		got = append(got, ev.Type)
		if ev.Type == events.RecordingStarted && !strings.Contains(string(ev.Payload), sessionID) {
			t.Errorf("recording-started payload = %s", ev.Payload)
		}
	}
	if got[0] != events.RecordingStarted || got[1] != events.RescanProgress {
		t.Errorf("events = %v", got)
	}
}

func TestEventStreamOrigin(t *testing.T) {
	h := newHarness(t)
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/events"

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{"same origin", h.http.URL, true},
		{"loopback page", "http://localhost:5173", true},
		{"foreign site", "http://evil.example", false},
		{"malformed", "::not a url", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {tt.origin}})
			if tt.ok {
				if err != nil {
					t.Fatalf("dial: %v", err)
				}
				conn.Close()
				return
			}
			if err == nil {
				conn.Close()
				t.Fatal("cross-origin handshake accepted")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Errorf("expected 403, got %v (%v)", resp, err)
			}
		})
	}
}

func TestClient(t *testing.T) {
	h := newHarness(t)
	client := NewClient(strings.TrimPrefix(h.http.URL, "http://"))
	ctx := context.Background()

	st, err := client.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st.Phase != recorder.PhaseRecording {
		t.Errorf("phase = %s", st.Phase)
	}
	if st, err = client.Status(ctx); err != nil || st.SessionID != sessionID {
		t.Errorf("Status = %+v, %v", st, err)
	}
	stop, err := client.Stop(ctx)
	if err != nil || stop.Session == nil {
		t.Errorf("Stop = %+v, %v", stop, err)
	}

	dead := NewClient("127.0.0.1:1")
	if _, err := dead.Status(ctx); err == nil || !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("unreachable daemon error = %v", err)
	}
}
