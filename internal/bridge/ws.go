package bridge

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// WSHandler serves the bridge over WebSocket: an aggregate feed and a
// per-device feed.
type WSHandler struct {
	logger   *slog.Logger
	bridge   *Bridge
	upgrader websocket.Upgrader
}

// NewWSHandler creates the WebSocket transport over a Bridge.
func NewWSHandler(logger *slog.Logger, bridge *Bridge) *WSHandler {
	return &WSHandler{
		logger: logger,
		bridge: bridge,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Register mounts the WebSocket routes.
func (h *WSHandler) Register(router *mux.Router) {
	router.HandleFunc("/ws/sensors", h.serveAggregate)
	router.HandleFunc("/ws/devices/{id}", h.serveDevice)
}

// serveAggregate streams every domain event to the peer.
func (h *WSHandler) serveAggregate(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.bridge.SubscribeAll())
}

// serveDevice streams one device's events to the peer.
func (h *WSHandler) serveDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]
	if deviceID == "" {
		http.Error(w, "missing device id", http.StatusBadRequest)
		return
	}
	h.serve(w, r, h.bridge.SubscribeDevice(deviceID))
}

func (h *WSHandler) serve(w http.ResponseWriter, r *http.Request, sub *Subscriber) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.bridge.Unsubscribe(sub)
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	h.logger.Debug("websocket subscriber connected", "remote", conn.RemoteAddr().String())
	go h.writePump(conn, sub)
	go h.readPump(conn, sub)
}

// writePump pushes subscribed events and keepalive pings to the peer.
func (h *WSHandler) writePump(conn *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("failed to encode event", "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames and detects disconnects. The feed is
// one-way; the peer only talks through the operator API.
func (h *WSHandler) readPump(conn *websocket.Conn, sub *Subscriber) {
	defer func() {
		h.bridge.Unsubscribe(sub)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket closed unexpectedly", "error", err)
			}
			return
		}
	}
}
