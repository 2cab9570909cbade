package handlers

import (
	"context"
	"errors"
	"net/http"

	"chat-core/internal/logging"
	"chat-core/internal/services"

	"github.com/gofiber/fiber/v2"
)

// statusFor maps service errors onto HTTP status codes and client-safe
// messages. Anything unrecognised is a 500 with a generic body.
func statusFor(err error) (int, string) {
	var verr *services.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Error()
	case errors.Is(err, services.ErrInvalidInput):
		return http.StatusBadRequest, "invalid request"
	case errors.Is(err, services.ErrForbidden):
		return http.StatusForbidden, services.ErrForbidden.Error()
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, services.ErrDirectRoomMembership):
		return http.StatusConflict, services.ErrDirectRoomMembership.Error()
	case errors.Is(err, services.ErrUserExists):
		return http.StatusConflict, services.ErrUserExists.Error()
	case errors.Is(err, services.ErrInvalidCredentials):
		return http.StatusUnauthorized, services.ErrInvalidCredentials.Error()
	case errors.Is(err, services.ErrInvalidToken):
		return http.StatusUnauthorized, services.ErrInvalidToken.Error()
	case services.IsTransient(err):
		return http.StatusServiceUnavailable, "temporarily unavailable, try again"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func respondError(c *fiber.Ctx, err error) error {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		l := logging.Ctx(c.UserContext())
		l.Error().Err(err).Int(logging.FieldStatus, status).Msg("request failed")
	}
	return c.Status(status).JSON(fiber.Map{"error": msg})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": msg})
}
