package handlers

import (
	"net/http"
	"strconv"

	"chat-core/internal/models"
	"chat-core/internal/services"

	"github.com/gofiber/fiber/v2"
)

// StartDirectRoomHandler finds or creates the caller's direct room with a
// recipient.
func StartDirectRoomHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.CreateDirectRoomRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request")
		}
		if req.RecipientID == 0 {
			return badRequest(c, "recipient_id required")
		}

		conv, err := chat.StartConversation(c.UserContext(), identity(c).UserID, req.RecipientID)
		if err != nil {
			return respondError(c, err)
		}

		status := http.StatusOK
		if conv.IsNew {
			status = http.StatusCreated
		}
		return c.Status(status).JSON(models.RoomResponse{
			RoomID:      conv.Room.ID,
			DisplayName: conv.DisplayName,
			IsNew:       conv.IsNew,
			State:       string(conv.State),
		})
	}
}

func CreateGroupRoomHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.CreateGroupRoomRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request")
		}
		room, err := chat.CreateGroup(c.UserContext(), identity(c).UserID, req.Name, req.MemberIDs)
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(http.StatusCreated).JSON(room)
	}
}

func ListRoomsHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		rooms, err := chat.ListRooms(c.UserContext(), identity(c).UserID)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(rooms)
	}
}

func GetRoomHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		room, name, err := chat.GetRoom(c.UserContext(), identity(c).UserID, c.Params("id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{
			"room":         room,
			"display_name": name,
		})
	}
}

// DeleteRoomHandler deletes a room and its history.
func DeleteRoomHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := chat.DeleteRoom(c.UserContext(), identity(c).UserID, c.Params("id")); err != nil {
			return respondError(c, err)
		}
		return c.SendStatus(http.StatusNoContent)
	}
}

// LeaveRoomHandler removes the caller from a group room or deletes a direct room.
func LeaveRoomHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := chat.LeaveRoom(c.UserContext(), identity(c).UserID, c.Params("id")); err != nil {
			return respondError(c, err)
		}
		return c.SendStatus(http.StatusNoContent)
	}
}

func ListParticipantsHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		participants, err := chat.ListParticipants(c.UserContext(), identity(c).UserID, c.Params("id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(participants)
	}
}

func AddParticipantHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.AddParticipantRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request")
		}
		added, err := chat.AddMember(c.UserContext(), identity(c).UserID, c.Params("id"), req.UserID)
		if err != nil {
			return respondError(c, err)
		}
		status := http.StatusOK
		if added {
			status = http.StatusCreated
		}
		return c.Status(status).JSON(fiber.Map{"added": added})
	}
}

func RemoveParticipantHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, err := strconv.Atoi(c.Params("user_id"))
		if err != nil || userID <= 0 {
			return badRequest(c, "invalid user id")
		}
		removed, err := chat.RemoveMember(c.UserContext(), identity(c).UserID, c.Params("id"), userID)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"removed": removed})
	}
}
