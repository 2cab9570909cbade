package handlers

import (
	"net/http"

	"chat-core/internal/models"
	"chat-core/internal/services"

	"github.com/gofiber/fiber/v2"
)

// Presence reports whether a user has a live realtime session.
type Presence interface {
	IsUserOnline(userID int) bool
}

func RegisterHandler(users *services.UserService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.RegisterRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request")
		}
		user, err := users.Register(c.UserContext(), req)
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(http.StatusCreated).JSON(user)
	}
}

func LoginHandler(users *services.UserService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.LoginRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request")
		}
		res, err := users.Login(c.UserContext(), req)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(res)
	}
}

func RefreshHandler(users *services.UserService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := c.BodyParser(&body); err != nil {
			return badRequest(c, "invalid request")
		}
		if body.RefreshToken == "" {
			return badRequest(c, "refresh_token required")
		}
		res, err := users.Refresh(c.UserContext(), body.RefreshToken)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(res)
	}
}

// ListUsersHandler lists everyone but the caller, with online status.
func ListUsersHandler(users *services.UserService, presence Presence) fiber.Handler {
	return func(c *fiber.Ctx) error {
		me := identity(c)
		all, err := users.ListUsers(c.UserContext())
		if err != nil {
			return respondError(c, err)
		}

		resp := make([]fiber.Map, 0, len(all))
		for _, u := range all {
			if u.ID == me.UserID {
				continue
			}
			status := "offline"
			if presence.IsUserOnline(u.ID) {
				status = "online"
			}
			resp = append(resp, fiber.Map{
				"id":           u.ID,
				"username":     u.Username,
				"display_name": u.DisplayName(),
				"created_at":   u.CreatedAt,
				"status":       status,
			})
		}
		return c.JSON(resp)
	}
}

// GetProfileHandler returns the authenticated user's profile.
func GetProfileHandler(users *services.UserService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		u, err := users.GetProfile(c.UserContext(), identity(c).UserID)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(u)
	}
}

// UpdateProfileHandler updates first_name and last_name for the authenticated user.
func UpdateProfileHandler(users *services.UserService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body struct {
			FirstName *string `json:"first_name"`
			LastName  *string `json:"last_name"`
		}
		if err := c.BodyParser(&body); err != nil {
			return badRequest(c, "invalid request")
		}

		updated, err := users.UpdateProfile(c.UserContext(), identity(c).UserID, body.FirstName, body.LastName)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(updated)
	}
}

// DeleteAccountHandler removes the authenticated user. Their direct rooms are
// quarantined the next time the peer reads them.
func DeleteAccountHandler(users *services.UserService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := users.DeleteAccount(c.UserContext(), identity(c).UserID); err != nil {
			return respondError(c, err)
		}
		return c.SendStatus(http.StatusNoContent)
	}
}
