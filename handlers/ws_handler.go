package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"microlearn/middleware"
	"microlearn/models"
	"microlearn/services"
	"microlearn/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

type WebSocketHandler struct {
	hubService  *services.HubService
	userService *services.UserService
	upgrader    websocket.Upgrader
	log         *utils.Logger
}

// NewWebSocketHandler accepts handshakes from allowedOrigins only; "*" accepts any origin.
func NewWebSocketHandler(hubService *services.HubService, userService *services.UserService, allowedOrigins []string, log *utils.Logger) *WebSocketHandler {
	if log == nil {
		log = utils.NewNopLogger()
	}
	return &WebSocketHandler{
		hubService:  hubService,
		userService: userService,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(allowedOrigins),
		},
		log: log.With("handler", "WebSocketHandler"),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set["*"] || set[origin]
	}
}

// HandleWebSocket godoc
// @Summary Open the realtime event websocket
// @Description Browsers may pass the JWT as the token query parameter on the upgrade request.
// @Tags auth
// @Param token query string false "JWT when no Authorization header can be sent"
// @Success 101
// @Failure 401 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /auth/ws [get]
func (wh *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	identity, ok := middleware.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated", "kind": "unauthenticated"})
		return
	}

	user, err := wh.userService.ResolveIdentity(c.Request.Context(), identity)
	if err != nil {
		wh.log.Error("resolve identity failed", "identity", identity, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load user", "kind": "internal"})
		return
	}

	conn, err := wh.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		wh.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := models.NewClient(wh.hubService.GetHub(), conn, user.ID)
	wh.log.Debug("websocket connected", "client_id", client.ID, "user_id", user.ID)

	wh.hubService.Register(client)
	go wh.writePump(client)
	go wh.readPump(client)
}

func (wh *WebSocketHandler) readPump(client *models.Client) {
	defer func() {
		wh.hubService.Unregister(client)
		client.Conn.Close()
	}()

	client.Conn.SetReadLimit(maxMessageSize)
	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				wh.log.Warn("unexpected websocket close", "client_id", client.ID, "error", err)
			}
			return
		}

		var wsMessage models.WSMessage
		if err := json.Unmarshal(message, &wsMessage); err != nil {
			wh.log.Debug("bad websocket frame", "client_id", client.ID, "error", err)
			continue
		}

		switch wsMessage.Type {
		case "client_connect":
			wh.hubService.BroadcastToUser(client.UserID, models.EventClientConnected, map[string]string{"clientId": client.ID})
		default:
			wh.log.Debug("unknown websocket message type", "type", wsMessage.Type, "client_id", client.ID)
		}
	}
}

func (wh *WebSocketHandler) writePump(client *models.Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := client.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Write any additional queued messages
			n := len(client.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-client.Send)
			}

			if err := w.Close(); err != nil {
				wh.log.Debug("websocket write failed", "client_id", client.ID, "error", err)
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
