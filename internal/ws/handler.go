package ws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const writeTimeout = 5 * time.Second

// Handler owns websocket transport for the hub.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds the websocket route on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// controlFrame is the client-to-server envelope: a "hello" authenticates
// the connection as a device (the user queue address); "subscribe" joins a
// conversation topic.
type controlFrame struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId,omitempty"`
	Topic    string `json:"topic,omitempty"`
}

func (h *Handler) HandleWebSocket(c echo.Context) error {
	remoteAddr := c.RealIP()
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("ws upgrade failed", "remote", remoteAddr, "err", err)
		return err
	}
	h.serveConn(conn, remoteAddr)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn, remoteAddr string) {
	defer conn.Close()
	conn.SetReadLimit(1 << 16)

	var hello controlFrame
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != "hello" || hello.DeviceID == "" {
		slog.Debug("ws bad hello", "remote", remoteAddr, "err", err)
		return
	}

	sess := newConnection(hello.DeviceID)
	h.hub.register(sess)
	defer h.hub.unregister(sess)
	slog.Info("ws connected", "device_id", hello.DeviceID, "remote", remoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case payload := <-sess.outbox:
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			case <-sess.stop:
				return
			}
		}
	}()

	for {
		var frame controlFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("ws unexpected close", "device_id", hello.DeviceID, "err", err)
			}
			break
		}
		if frame.Type == "subscribe" && frame.Topic != "" {
			h.hub.subscribe(sess, frame.Topic)
			slog.Debug("ws subscribed", "device_id", hello.DeviceID, "topic", frame.Topic)
		}
	}

	close(sess.stop)
	<-writerDone
	slog.Info("ws disconnected", "device_id", hello.DeviceID, "remote", remoteAddr)
}
