package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mailqueue/internal/push"
	"mailqueue/internal/service"
)

const (
	writeWait      = 5 * time.Second
	maxClientFrame = 4096
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler serves the push channel at GET /ws?user=<id>.
type WSHandler struct {
	hub          *push.Hub
	queue        *service.QueueService
	pingInterval time.Duration
	logger       *zap.Logger
}

func NewWSHandler(hub *push.Hub, queue *service.QueueService, pingInterval time.Duration, logger *zap.Logger) *WSHandler {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &WSHandler{hub: hub, queue: queue, pingInterval: pingInterval, logger: logger}
}

func (h *WSHandler) Serve(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	user := c.Query("user")
	log := h.logger.With(zap.String("user", user), zap.String("remote", c.Request.RemoteAddr))
	log.Info("ws connected")

	sub := h.hub.Subscribe(user)
	replies := make(chan []byte, 4)

	go h.writeLoop(conn, sub, replies, log)
	h.readLoop(c.Request.Context(), conn, sub, user, replies, log)

	h.hub.Unsubscribe(sub)
	log.Info("ws disconnected")
}

// writeLoop owns every write on conn and closes it on exit.
func (h *WSHandler) writeLoop(conn *websocket.Conn, sub *push.Subscriber, replies <-chan []byte, log *zap.Logger) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	write := func(messageType int, data []byte) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(messageType, data); err != nil {
			log.Debug("ws write failed", zap.Error(err))
			return false
		}
		return true
	}

	for {
		select {
		case data := <-sub.Messages():
			if !write(websocket.TextMessage, data) {
				return
			}
		case data := <-replies:
			if !write(websocket.TextMessage, data) {
				return
			}
		case <-ticker.C:
			if !write(websocket.PingMessage, nil) {
				return
			}
		case <-sub.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, sub *push.Subscriber, user string, replies chan<- []byte, log *zap.Logger) {
	readWait := 2 * h.pingInterval
	conn.SetReadLimit(maxClientFrame)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("ws read failed", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		reply := h.reply(ctx, data, user, log)
		select {
		case replies <- reply:
		case <-sub.Done():
			return
		}
	}
}

func (h *WSHandler) reply(ctx context.Context, data []byte, user string, log *zap.Logger) []byte {
	var msg push.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return encode(push.ErrorMessage{Type: push.TypeError, Message: "invalid message"})
	}

	switch msg.Type {
	case push.TypeGetEmails:
		if msg.User != "" {
			user = msg.User
		}
		emails, err := h.queue.Snapshot(ctx, user)
		if err != nil {
			log.Error("snapshot failed", zap.String("error_kind", service.ErrorKind(err)), zap.Error(err))
			return encode(push.ErrorMessage{Type: push.TypeError, Message: "Error fetching emails"})
		}
		return encode(push.EmailsMessage{Type: push.TypeEmails, Emails: emails})
	default:
		return encode(push.ErrorMessage{Type: push.TypeError, Message: "unknown message type: " + msg.Type})
	}
}

func encode(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}
