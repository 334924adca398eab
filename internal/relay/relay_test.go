package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pm-go/internal/app"
	"pm-go/internal/config"
	"pm-go/internal/pm"
	"pm-go/internal/spool"
	"pm-go/internal/testutil"
)

func newTestBackend(t *testing.T) *app.PMApp {
	t.Helper()
	cfg := config.NewConfig(t.TempDir())
	cfg.Encryption.Type = "test"
	cfg.Spool = config.SpoolConfig{Type: "memory", MaxSize: 64 << 20}

	a, err := app.NewPMApp(context.Background(), cfg, "serve", app.Options{SkipMigrationCheck: true})
	if err != nil {
		t.Fatalf("NewPMApp() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	if err := a.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return a
}

// dial starts a relay over backend and connects a client to it.
func dial(t *testing.T, backend Backend) (*websocket.Conn, *Server) {
	t.Helper()
	srv := NewServer(backend, pm.NewNopLogger(), testutil.FixedClock())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn, srv
}

func send(t *testing.T, conn *websocket.Conn, req Request) {
	t.Helper()
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
}

func next(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return env
}

// untilTerminal reads progress events until a terminal one.
func untilTerminal(t *testing.T, conn *websocket.Conn) []pm.Progress {
	t.Helper()
	var updates []pm.Progress
	for {
		env := next(t, conn)
		if env.Type == EventError {
			t.Fatalf("unexpected error event: %s", env.Data)
		}
		var p pm.Progress
		if err := json.Unmarshal(env.Data, &p); err != nil {
			t.Fatalf("decoding progress: %v", err)
		}
		if env.Type != ProgressEvent(p) {
			t.Errorf("event type %q for status %s", env.Type, p.Status)
		}
		updates = append(updates, p)
		if p.Status.Terminal() {
			return updates
		}
	}
}

func decodeError(t *testing.T, env Envelope) ErrorData {
	t.Helper()
	if env.Type != EventError {
		t.Fatalf("event type = %q, want error", env.Type)
	}
	var e ErrorData
	if err := json.Unmarshal(env.Data, &e); err != nil {
		t.Fatalf("decoding error: %v", err)
	}
	return e
}

func TestRelay_ExportThenImport(t *testing.T) {
	backend := newTestBackend(t)
	conn, _ := dial(t, backend)
	path := filepath.Join(t.TempDir(), "relay.pmx")

	send(t, conn, Request{Type: MsgExport, Path: path, Compression: "gzip"})

	env := next(t, conn)
	if env.Type != EventOperationStarted {
		t.Fatalf("first event = %q, want %q", env.Type, EventOperationStarted)
	}
	var started StartedData
	if err := json.Unmarshal(env.Data, &started); err != nil {
		t.Fatal(err)
	}
	if started.Kind != pm.KindExport || started.OperationID == "" {
		t.Errorf("started = %+v", started)
	}
	if env.Timestamp != testutil.FixedClock().Now().UnixMilli() {
		t.Errorf("Timestamp = %d", env.Timestamp)
	}

	updates := untilTerminal(t, conn)
	last := updates[len(updates)-1]
	if last.Status != pm.StatusCompleted || last.Percent != 100 || last.OperationID != started.OperationID {
		t.Errorf("last update = %+v", last)
	}
	for i := 1; i < len(updates); i++ {
		if updates[i].Percent < updates[i-1].Percent {
			t.Errorf("percent decreased: %d -> %d", updates[i-1].Percent, updates[i].Percent)
		}
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("artifact not written: %v", err)
	}

	send(t, conn, Request{Type: MsgImport, Path: path})
	env = next(t, conn)
	if env.Type != EventOperationStarted {
		t.Fatalf("event = %q (%s), want %q", env.Type, env.Data, EventOperationStarted)
	}
	updates = untilTerminal(t, conn)
	if last := updates[len(updates)-1]; last.Kind != pm.KindImport || last.Status != pm.StatusCompleted {
		t.Errorf("last import update = %+v", last)
	}

	send(t, conn, Request{Type: MsgStatus, OperationID: started.OperationID})
	env = next(t, conn)
	if env.Type != "export.completed" {
		t.Errorf("status event = %q, want export.completed", env.Type)
	}
}

func TestRelay_Errors(t *testing.T) {
	backend := newTestBackend(t)
	conn, _ := dial(t, backend)

	junk := filepath.Join(t.TempDir(), "junk.pmx")
	if err := os.WriteFile(junk, []byte("definitely not an artifact"), 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		raw      string
		req      Request
		wantCode string
	}{
		{name: "invalid artifact", req: Request{Type: MsgImport, Path: junk}, wantCode: "invalid_artifact"},
		{name: "missing file", req: Request{Type: MsgImport, Path: junk + ".missing"}, wantCode: "io"},
		{name: "import without path", req: Request{Type: MsgImport}, wantCode: "error"},
		{name: "subscribe unknown", req: Request{Type: MsgSubscribe, OperationID: "nope"}, wantCode: "unknown_operation"},
		{name: "cancel unknown", req: Request{Type: MsgCancel, OperationID: "nope"}, wantCode: "unknown_operation"},
		{name: "status unknown", req: Request{Type: MsgStatus, OperationID: "nope"}, wantCode: "unknown_operation"},
		{name: "unknown type", req: Request{Type: "reboot"}, wantCode: "error"},
		{name: "malformed json", raw: `{"type":`, wantCode: "bad_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.raw != "" {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.raw)); err != nil {
					t.Fatal(err)
				}
			} else {
				send(t, conn, tt.req)
			}
			e := decodeError(t, next(t, conn))
			if e.Code != tt.wantCode {
				t.Errorf("code = %q (%s), want %q", e.Code, e.Message, tt.wantCode)
			}
			if tt.raw == "" && e.RequestType != tt.req.Type {
				t.Errorf("request_type = %q, want %q", e.RequestType, tt.req.Type)
			}
		})
	}
}

func TestRelay_SubscribeFromSecondClient(t *testing.T) {
	backend := newTestBackend(t)
	srv := NewServer(backend, pm.NewNopLogger(), pm.RealClock{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	a, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	send(t, a, Request{Type: MsgExport, Path: filepath.Join(t.TempDir(), "two.pmx")})
	var started StartedData
	json.Unmarshal(next(t, a).Data, &started)
	untilTerminal(t, a)

	// The operation is finished; a late subscriber gets its terminal snapshot.
	send(t, b, Request{Type: MsgSubscribe, OperationID: started.OperationID})
	updates := untilTerminal(t, b)
	if len(updates) != 1 || updates[0].Status != pm.StatusCompleted {
		t.Errorf("late subscriber updates = %+v", updates)
	}

	deadline := time.Now().Add(5 * time.Second)
	for srv.Clients() != 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := srv.Clients(); got != 2 {
		t.Errorf("Clients() = %d, want 2", got)
	}
}

func TestRelay_ResubscribeAfterTerminal(t *testing.T) {
	conn, _ := dial(t, newTestBackend(t))

	send(t, conn, Request{Type: MsgExport, Path: filepath.Join(t.TempDir(), "again.pmx")})
	env := next(t, conn)
	if env.Type != EventOperationStarted {
		t.Fatalf("first event = %q, want %q", env.Type, EventOperationStarted)
	}
	var started StartedData
	if err := json.Unmarshal(env.Data, &started); err != nil {
		t.Fatal(err)
	}
	untilTerminal(t, conn)

	// The same client asks for the finished operation repeatedly and gets its
	// terminal snapshot each time.
	for i := 0; i < 2; i++ {
		send(t, conn, Request{Type: MsgSubscribe, OperationID: started.OperationID})
		updates := untilTerminal(t, conn)
		if len(updates) != 1 || updates[0].Status != pm.StatusCompleted {
			t.Fatalf("subscribe #%d updates = %+v", i+1, updates)
		}
		if updates[0].OperationID != started.OperationID {
			t.Errorf("operation_id = %q, want %q", updates[0].OperationID, started.OperationID)
		}
	}
}

func TestRelay_Healthz(t *testing.T) {
	srv := NewServer(newTestBackend(t), pm.NewNopLogger(), pm.RealClock{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestRelay_ListenAndServeStopsOnCancel(t *testing.T) {
	srv := NewServer(newTestBackend(t), pm.NewNopLogger(), pm.RealClock{})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("ListenAndServe() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("ListenAndServe() did not return after cancel")
	}
}

func TestProgressEvent(t *testing.T) {
	tests := []struct {
		kind   pm.Kind
		status pm.Status
		want   string
	}{
		{pm.KindExport, pm.StatusRunning, "export.progress"},
		{pm.KindExport, pm.StatusCompleted, "export.completed"},
		{pm.KindImport, pm.StatusCanceled, "import.canceled"},
		{pm.KindImport, pm.StatusFailed, "import.failed"},
	}
	for _, tt := range tests {
		if got := ProgressEvent(pm.Progress{Kind: tt.kind, Status: tt.status}); got != tt.want {
			t.Errorf("ProgressEvent(%s, %s) = %q, want %q", tt.kind, tt.status, got, tt.want)
		}
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("start: %w", pm.ErrAlreadyRunning), "already_running"},
		{fmt.Errorf("%w: bad magic", pm.ErrInvalidArtifact), "invalid_artifact"},
		{fmt.Errorf("decrypting: %w", pm.ErrIntegrity), "integrity"},
		{pm.ErrSchemaMismatch, "schema_mismatch"},
		{&pm.IOError{Op: "write", Path: "/x", Err: errors.New("disk full")}, "io"},
		{fmt.Errorf("spooling: %w", spool.ErrFull), "spool_full"},
		{errors.New("other"), "error"},
	}
	for _, tt := range tests {
		if got := ErrorCode(tt.err); got != tt.want {
			t.Errorf("ErrorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestCheckLocalOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"http://127.0.0.1:7420", true},
		{"http://[::1]:7420", true},
		{"https://example.com", false},
		{"http://192.168.1.10", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := checkLocalOrigin(r); got != tt.want {
			t.Errorf("checkLocalOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}
