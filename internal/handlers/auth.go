package handlers

import (
	"strings"

	"chat-core/internal/logging"
	"chat-core/internal/services"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const (
	localUserID   = "user_id"
	localUsername = "username"
)

// AuthMiddleware verifies the access token and stores the caller in locals.
// The token comes from the Authorization header or, for websocket clients
// that cannot set headers, the access_token query parameter.
func AuthMiddleware(users *services.UserService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := c.Query("access_token")
		if token == "" {
			if h := c.Get(fiber.HeaderAuthorization); strings.HasPrefix(h, "Bearer ") {
				token = strings.TrimPrefix(h, "Bearer ")
			}
		}
		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing token")
		}

		id, err := users.ValidateToken(token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
		}

		c.Locals(localUserID, id.UserID)
		c.Locals(localUsername, id.Username)

		l := logging.Ctx(c.UserContext()).With().Int(logging.FieldUserID, id.UserID).Logger()
		c.SetUserContext(logging.WithLogger(c.UserContext(), l))
		return c.Next()
	}
}

// WSUpgradeMiddleware rejects plain HTTP requests to websocket routes.
func WSUpgradeMiddleware(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func identity(c *fiber.Ctx) services.Identity {
	userID, _ := c.Locals(localUserID).(int)
	username, _ := c.Locals(localUsername).(string)
	return services.Identity{UserID: userID, Username: username}
}
