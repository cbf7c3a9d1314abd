package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/robot-viewer/backend/internal/logging"
)

// WebSocket message types for the load status protocol
const (
	// Client -> Server messages
	MsgTypeSubscribe = "subscribe"
	MsgTypePing      = "ping"

	// Server -> Client messages
	MsgTypeConnected  = "connected"
	MsgTypeLoadStatus = "load:status"
	MsgTypeError      = "error"
	MsgTypePong       = "pong"
)

const wsWriteTimeout = 10 * time.Second

// WebSocket message structure
type WSMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// SubscribePayload narrows the pushed updates to one load. An empty LoadID
// restores all updates.
type SubscribePayload struct {
	LoadID string `json:"loadId"`
}

// WebSocket error response
type WSErrorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// WebSocketHandler pushes load status changes to connected viewers
type WebSocketHandler struct {
	loads    LoadManager
	log      logging.Logger
	upgrader websocket.Upgrader
	maxRead  int64
}

// NewWebSocketHandler creates a new load status push handler. maxMessageKB
// bounds client messages.
func NewWebSocketHandler(loads LoadManager, log logging.Logger, maxMessageKB int) *WebSocketHandler {
	if log == nil {
		log = logging.Noop()
	}
	if maxMessageKB <= 0 {
		maxMessageKB = 64
	}
	return &WebSocketHandler{
		loads: loads,
		log:   log.With(logging.String("component", "websocket")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Allow connections from dev server
				return true
			},
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
		},
		maxRead: int64(maxMessageKB) * 1024,
	}
}

// wsConn serializes writes; gorilla connections allow one writer at a time.
type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) send(msgType, id string, payload interface{}) error {
	msg := WSMessage{Type: msgType, ID: id, Timestamp: time.Now().UnixMilli()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		msg.Payload = raw
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.ws.WriteJSON(msg)
}

// HandleWebSocket upgrades the connection, sends the current loads, then
// forwards every status change until the client goes away
func (wsh *WebSocketHandler) HandleWebSocket(c echo.Context) error {
	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()
	ws.SetReadLimit(wsh.maxRead)

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	conn := &wsConn{ws: ws}
	wsh.log.Debug(ctx, "client connected")

	updates, unsubscribe := wsh.loads.Subscribe()
	defer unsubscribe()

	if err := conn.send(MsgTypeConnected, "", wsh.loads.ListLoads()); err != nil {
		return nil
	}

	var filterMu sync.Mutex
	filter := ""

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case load, ok := <-updates:
				if !ok {
					return
				}
				filterMu.Lock()
				skip := filter != "" && filter != load.ID
				filterMu.Unlock()
				if skip {
					continue
				}
				if err := conn.send(MsgTypeLoadStatus, load.ID, load); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		var msg WSMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsh.log.Warn(ctx, "connection error", logging.Err(err))
			}
			break
		}

		switch msg.Type {
		case MsgTypePing:
			// Respond with pong to keep connection alive
			conn.send(MsgTypePong, msg.ID, nil)
		case MsgTypeSubscribe:
			var payload SubscribePayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				conn.send(MsgTypeError, msg.ID, WSErrorResponse{Message: "invalid subscribe payload: " + err.Error(), Code: "INVALID_PAYLOAD"})
				continue
			}
			filterMu.Lock()
			filter = payload.LoadID
			filterMu.Unlock()
			if load, ok := wsh.loads.GetLoad(payload.LoadID); ok {
				conn.send(MsgTypeLoadStatus, load.ID, load)
			}
		default:
			conn.send(MsgTypeError, msg.ID, WSErrorResponse{Message: "unknown message type: " + msg.Type, Code: "INVALID_TYPE"})
		}
	}

	wsh.log.Debug(ctx, "client disconnected")
	return nil
}
