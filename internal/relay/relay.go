// Package relay serves export and import progress to the UI process over WebSocket.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pm-go/internal/app"
	"pm-go/internal/pm"
	"pm-go/internal/spool"
)

// Client message types.
const (
	MsgSubscribe = "subscribe"
	MsgCancel    = "cancel"
	MsgExport    = "export"
	MsgImport    = "import"
	MsgStatus    = "status"
)

// Server event types. Progress events are "<kind>.<suffix>", e.g. "export.progress".
const (
	EventOperationStarted = "operation.started"
	EventError            = "error"
)

// errorCodeBadRequest is sent for messages that are not valid requests.
const errorCodeBadRequest = "bad_request"

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
	maxMessage = 64 << 10
)

// Backend starts operations. *app.PMApp implements it.
type Backend interface {
	Export(ctx context.Context, req app.ExportRequest) (*pm.Handle, error)
	Import(ctx context.Context, req app.ImportRequest) (*pm.Handle, error)
	Orchestrator() *pm.Orchestrator
}

// Request is a message from the UI.
type Request struct {
	Type             string `json:"type"`
	OperationID      string `json:"operation_id,omitempty"`
	Path             string `json:"path,omitempty"`
	Passphrase       string `json:"passphrase,omitempty"`
	Compression      string `json:"compression,omitempty"`
	AllowOlderSchema bool   `json:"allow_older_schema,omitempty"`
}

// Envelope wraps every server message.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
}

// ErrorData is the payload of an "error" event.
type ErrorData struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	RequestType string `json:"request_type,omitempty"`
	OperationID string `json:"operation_id,omitempty"`
}

// StartedData is the payload of an "operation.started" event.
type StartedData struct {
	OperationID string  `json:"operation_id"`
	Kind        pm.Kind `json:"kind"`
}

// Server is the WebSocket relay.
type Server struct {
	backend  Backend
	logger   pm.Logger
	clock    pm.Clock
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	nextID  int
}

// NewServer creates a relay over backend.
func NewServer(backend Backend, logger pm.Logger, clock pm.Clock) *Server {
	s := &Server{
		backend: backend,
		logger:  logger,
		clock:   clock,
		clients: make(map[*client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkLocalOrigin,
	}
	return s
}

// checkLocalOrigin only accepts browser connections from localhost.
// Non-browser clients send no Origin header.
func checkLocalOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Handler returns the HTTP handler serving /ws and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("relay listening", "addr", addr)

	select {
	case err := <-errc:
		return fmt.Errorf("relay server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down relay: %w", err)
	}
	s.closeAll()
	return nil
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.mu.Lock()
	s.nextID++
	c := newClient(s, conn, fmt.Sprintf("client-%d", s.nextID))
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	s.logger.Info("client connected", "client", c.id, "clients", n)

	go c.writePump()
	c.readPump()
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	n := len(s.clients)
	s.mu.Unlock()
	s.logger.Info("client disconnected", "client", c.id, "clients", n)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// handle executes one client request.
func (s *Server) handle(c *client, req Request) {
	orch := s.backend.Orchestrator()
	switch req.Type {
	case MsgSubscribe:
		if err := c.subscribe(req.OperationID); err != nil {
			c.sendError(req, err)
		}
	case MsgStatus:
		p, ok := orch.Status(req.OperationID)
		if !ok {
			c.sendError(req, fmt.Errorf("%w: %s", pm.ErrUnknownOperation, req.OperationID))
			return
		}
		c.sendProgress(p)
	case MsgCancel:
		if err := orch.Cancel(req.OperationID); err != nil {
			c.sendError(req, err)
		}
	case MsgExport:
		h, err := s.backend.Export(context.Background(), app.ExportRequest{
			Path:        req.Path,
			Passphrase:  req.Passphrase,
			Compression: req.Compression,
		})
		c.started(req, h, err)
	case MsgImport:
		if req.Path == "" {
			c.sendError(req, errors.New("import requires a path"))
			return
		}
		h, err := s.backend.Import(context.Background(), app.ImportRequest{
			Path:             req.Path,
			Passphrase:       req.Passphrase,
			AllowOlderSchema: req.AllowOlderSchema,
		})
		c.started(req, h, err)
	default:
		c.sendError(req, fmt.Errorf("unknown request type %q", req.Type))
	}
}

// ProgressEvent returns the event type for a progress update.
func ProgressEvent(p pm.Progress) string {
	suffix := "progress"
	switch p.Status {
	case pm.StatusCompleted:
		suffix = "completed"
	case pm.StatusCanceled:
		suffix = "canceled"
	case pm.StatusFailed:
		suffix = "failed"
	}
	return string(p.Kind) + "." + suffix
}

// ErrorCode maps an error to the code sent to the UI.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, pm.ErrAlreadyRunning):
		return "already_running"
	case errors.Is(err, pm.ErrInvalidArtifact):
		return "invalid_artifact"
	case errors.Is(err, pm.ErrIntegrity):
		return "integrity"
	case errors.Is(err, pm.ErrSchemaMismatch):
		return "schema_mismatch"
	case errors.Is(err, pm.ErrUnknownOperation):
		return "unknown_operation"
	case errors.Is(err, spool.ErrFull):
		return "spool_full"
	case errors.Is(err, pm.ErrIO):
		return "io"
	default:
		return "error"
	}
}
