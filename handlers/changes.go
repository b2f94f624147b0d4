package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chorus/presence-service/middleware"
	"chorus/presence-service/models"
	"chorus/presence-service/utils"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	pongWait     = 2 * pingInterval
)

// ChangeSource hands out change-event subscriptions.
type ChangeSource interface {
	Subscribe() (<-chan models.ChangeEvent, func())
}

type ChangesHandler struct {
	source   ChangeSource
	logger   *utils.Logger
	upgrader websocket.Upgrader
}

func NewChangesHandler(source ChangeSource, logger *utils.Logger) *ChangesHandler {
	return &ChangesHandler{
		source: source,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Authentication is by bearer token, not cookies.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Stream handles GET /api/v1/presence/changes. Each message is a hint that
// presence data changed; it carries no presence data.
func (h *ChangesHandler) Stream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	subject := middleware.PrincipalFrom(c).ID
	events, unsubscribe := h.source.Subscribe()
	defer unsubscribe()

	h.logger.Debug("Change stream opened", "subject_id", subject)
	defer h.logger.Debug("Change stream closed", "subject_id", subject)

	// The read loop only services control frames and notices disconnects.
	closed := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
