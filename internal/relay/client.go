package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pm-go/internal/pm"
)

// client is one WebSocket connection. Observers of its subscriptions block on
// send rather than drop updates; they run on their own goroutines.
type client struct {
	id     string
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	subs map[string]*tracked
}

// tracked is one live subscription. unsubscribe is nil until the backend
// subscription is in place.
type tracked struct {
	unsubscribe func()
}

func newClient(s *Server, conn *websocket.Conn, id string) *client {
	return &client{
		id:     id,
		server: s,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		subs:   make(map[string]*tracked),
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()

		c.mu.Lock()
		var pending []func()
		for _, t := range c.subs {
			if t.unsubscribe != nil {
				pending = append(pending, t.unsubscribe)
			}
		}
		c.subs = nil
		c.mu.Unlock()
		for _, unsubscribe := range pending {
			unsubscribe()
		}
	})
}

func (c *client) readPump() {
	defer func() {
		c.close()
		c.server.remove(c)
	}()

	c.conn.SetReadLimit(maxMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read failed", "client", c.id, "error", err)
			}
			return
		}
		var req Request
		if err := json.Unmarshal(msg, &req); err != nil {
			c.emit(EventError, ErrorData{Code: errorCodeBadRequest, Message: "decoding request: " + err.Error()})
			continue
		}
		c.server.logger.Debug("request received", "client", c.id, "type", req.Type, "operation", req.OperationID)
		c.server.handle(c, req)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// emit queues an event. It returns false once the client is closed.
func (c *client) emit(eventType string, data any) bool {
	raw, err := json.Marshal(data)
	if err != nil {
		c.server.logger.Error("encoding event", "type", eventType, "error", err)
		return true
	}
	msg, err := json.Marshal(Envelope{Type: eventType, Data: raw, Timestamp: c.server.clock.Now().UnixMilli()})
	if err != nil {
		c.server.logger.Error("encoding envelope", "type", eventType, "error", err)
		return true
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	}
}

func (c *client) sendProgress(p pm.Progress) {
	c.emit(ProgressEvent(p), p)
}

func (c *client) sendError(req Request, err error) {
	c.emit(EventError, ErrorData{
		Code:        ErrorCode(err),
		Message:     err.Error(),
		RequestType: req.Type,
		OperationID: req.OperationID,
	})
}

// subscribe streams an operation's updates to the client, starting with its
// latest snapshot. Subscribing to an operation the client already follows is a
// no-op; once the terminal update has been sent the client may subscribe again.
func (c *client) subscribe(id string) error {
	return c.track(id, func(obs pm.Observer) (func(), error) {
		return c.server.backend.Orchestrator().Subscribe(id, obs)
	})
}

func (c *client) track(id string, subscribe func(pm.Observer) (func(), error)) error {
	c.mu.Lock()
	if c.subs == nil {
		c.mu.Unlock()
		return nil
	}
	if _, ok := c.subs[id]; ok {
		c.mu.Unlock()
		return nil
	}
	t := &tracked{}
	c.subs[id] = t
	c.mu.Unlock()

	unsubscribe, err := subscribe(func(p pm.Progress) {
		// Forget the subscription before the terminal update goes out, so a
		// client reacting to it can subscribe again.
		if p.Status.Terminal() {
			c.forget(id, t)
		}
		c.sendProgress(p)
	})
	if err != nil {
		c.forget(id, t)
		return err
	}

	c.mu.Lock()
	if c.subs == nil {
		c.mu.Unlock()
		unsubscribe()
		return nil
	}
	t.unsubscribe = unsubscribe
	c.mu.Unlock()
	return nil
}

// forget drops t if it is still the subscription tracked for id.
func (c *client) forget(id string, t *tracked) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs != nil && c.subs[id] == t {
		delete(c.subs, id)
	}
}

// started reports the outcome of an export or import request, then streams
// the operation's progress to the client.
func (c *client) started(req Request, h *pm.Handle, err error) {
	if err != nil {
		c.sendError(req, err)
		return
	}
	c.server.logger.Info("operation started by relay client", "client", c.id, "operation", h.ID, "kind", h.Kind)
	if !c.emit(EventOperationStarted, StartedData{OperationID: h.ID, Kind: h.Kind}) {
		return
	}
	c.track(h.ID, func(obs pm.Observer) (func(), error) {
		return h.Subscribe(obs), nil
	})
}
