package handlers

import (
	"context"

	"chat-core/internal/logging"
	"chat-core/internal/models"
	"chat-core/internal/realtime"
	"chat-core/internal/services"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

const maxFrameSize = 64 << 10

type WSConfig struct {
	RateLimit  float64
	RateBurst  int
	SendBuffer int
}

// WebSocketHandler serves one realtime session per connection. All writes go
// through the session's outbound channel, drained by a single write pump.
func WebSocketHandler(chat *services.ChatService, broker *realtime.Broker, cfg WSConfig) fiber.Handler {
	limiter := newLimiterPool(cfg.RateLimit, cfg.RateBurst)

	return websocket.New(func(c *websocket.Conn) {
		// Retrieve user info from locals (set by middleware)
		userID, _ := c.Locals(localUserID).(int)
		username, _ := c.Locals(localUsername).(string)
		connID := uuid.New().String()

		l := logging.L().With().
			Int(logging.FieldUserID, userID).
			Str(logging.FieldSessionID, connID).
			Logger()
		ctx := logging.WithLogger(context.Background(), l)

		session := realtime.NewSession(connID, userID, username, cfg.SendBuffer)
		if broker.Register(session) {
			chat.AnnouncePresence(ctx, userID, true)
		}
		done := make(chan struct{})
		go writePump(c, session, done)

		defer func() {
			if broker.Unregister(connID) {
				limiter.forget(userID)
				chat.AnnouncePresence(ctx, userID, false)
			}
			<-done
			c.Close()
		}()

		c.SetReadLimit(maxFrameSize)
		broker.SendToSession(connID, models.Event{Event: "connected", UserID: userID})
		l.Debug().Msg("websocket session opened")

		conn := &wsSession{chat: chat, broker: broker, session: session}
		for {
			msgType, msg, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					l.Warn().Err(err).Msg("websocket read")
				}
				break
			}
			if msgType != websocket.TextMessage {
				continue
			}
			if !limiter.Allow(userID) {
				conn.fail("", "rate limit exceeded")
				continue
			}
			conn.HandleMessage(ctx, msg)
		}
		l.Debug().Msg("websocket session closed")
	})
}

func writePump(c *websocket.Conn, s *realtime.Session, done chan<- struct{}) {
	defer close(done)
	for payload := range s.Outbound() {
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			// Unblocks the read loop; the session is unregistered there.
			c.Close()
			for range s.Outbound() {
			}
			return
		}
	}
}
