package handlers

import (
	"net/http"
	"strconv"

	"chat-core/internal/models"
	"chat-core/internal/services"

	"github.com/gofiber/fiber/v2"
)

// ListMessagesHandler pages through a room's messages.
// Query: cursor (opaque), limit (1-100).
func ListMessagesHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		limit := c.QueryInt("limit", services.DefaultPageSize)
		page, err := chat.ListMessages(c.UserContext(), identity(c).UserID, c.Params("id"), c.Query("cursor"), limit)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(page)
	}
}

func SendMessageHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.SendMessageRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request")
		}
		msg, err := chat.SendMessage(c.UserContext(), identity(c).UserID, c.Params("id"), req.Content)
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(http.StatusCreated).JSON(msg)
	}
}

func MarkReadHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.MarkReadRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request")
		}
		if err := chat.MarkRead(c.UserContext(), identity(c).UserID, c.Params("id"), req.MessageID); err != nil {
			return respondError(c, err)
		}
		return c.SendStatus(http.StatusNoContent)
	}
}

func TypingHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ind, err := chat.SetTyping(c.UserContext(), identity(c).UserID, c.Params("id"), "")
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(ind)
	}
}

// ActiveTypersHandler lists who is typing in the room right now.
func ActiveTypersHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		typers, err := chat.ActiveTypers(c.UserContext(), identity(c).UserID, c.Params("id"))
		if err != nil {
			return respondError(c, err)
		}
		if typers == nil {
			typers = []models.TypingIndicator{}
		}
		return c.JSON(typers)
	}
}

func EditMessageHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := messageID(c)
		if err != nil {
			return badRequest(c, "invalid message id")
		}
		var req models.SendMessageRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request")
		}
		msg, err := chat.EditMessage(c.UserContext(), identity(c).UserID, id, req.Content)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(msg)
	}
}

func DeleteMessageHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := messageID(c)
		if err != nil {
			return badRequest(c, "invalid message id")
		}
		if _, err := chat.DeleteMessage(c.UserContext(), identity(c).UserID, id); err != nil {
			return respondError(c, err)
		}
		return c.SendStatus(http.StatusNoContent)
	}
}

func ReactHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := messageID(c)
		if err != nil {
			return badRequest(c, "invalid message id")
		}
		var req models.ReactRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request")
		}
		r, err := chat.React(c.UserContext(), identity(c).UserID, id, req.Kind)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(r)
	}
}

func RemoveReactionHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := messageID(c)
		if err != nil {
			return badRequest(c, "invalid message id")
		}
		if _, err := chat.RemoveReaction(c.UserContext(), identity(c).UserID, id); err != nil {
			return respondError(c, err)
		}
		return c.SendStatus(http.StatusNoContent)
	}
}

func messageID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fiber.ErrBadRequest
	}
	return id, nil
}
