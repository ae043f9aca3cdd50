package server

import (
	"database/sql"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/finsentry/finsentry/internal/sqlite"
	"github.com/finsentry/finsentry/pkg/models"
)

func (s *Server) handleListNotifications(c *fiber.Ctx) error {
	userID, err := parseID[models.UserID](c, "userID")
	if err != nil {
		return SendErrorWithType(c, fiber.StatusBadRequest, "Invalid user ID", ValidationErrorType)
	}
	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	notifications, err := s.sqlite.ListNotifications(c.Context(), userID, limit, offset)
	if err != nil {
		s.log.Error("failed to list notifications", "user_id", userID, "error", err)
		return SendError(c, fiber.StatusInternalServerError, "Failed to list notifications")
	}
	return SendSuccess(c, fiber.StatusOK, notifications)
}

func (s *Server) handleUnreadCount(c *fiber.Ctx) error {
	userID, err := parseID[models.UserID](c, "userID")
	if err != nil {
		return SendErrorWithType(c, fiber.StatusBadRequest, "Invalid user ID", ValidationErrorType)
	}

	count, err := s.sqlite.CountUnreadNotifications(c.Context(), userID)
	if err != nil {
		s.log.Error("failed to count unread notifications", "user_id", userID, "error", err)
		return SendError(c, fiber.StatusInternalServerError, "Failed to count notifications")
	}
	return SendSuccess(c, fiber.StatusOK, fiber.Map{"unread_count": count})
}

func (s *Server) handleMarkRead(c *fiber.Ctx) error {
	userID, err := parseID[models.UserID](c, "userID")
	if err != nil {
		return SendErrorWithType(c, fiber.StatusBadRequest, "Invalid user ID", ValidationErrorType)
	}
	notificationID := c.Params("notificationID")

	notification, err := s.sqlite.GetNotification(c.Context(), notificationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || errors.Is(err, sqlite.ErrNotFound) {
			return SendErrorWithType(c, fiber.StatusNotFound, "Notification not found", NotFoundErrorType)
		}
		s.log.Error("failed to get notification", "notification_id", notificationID, "error", err)
		return SendError(c, fiber.StatusInternalServerError, "Failed to retrieve notification")
	}
	if notification.UserID != userID {
		return SendErrorWithType(c, fiber.StatusNotFound, "Notification not found", NotFoundErrorType)
	}

	if err := s.sqlite.MarkNotificationRead(c.Context(), notificationID); err != nil {
		s.log.Error("failed to mark notification read", "notification_id", notificationID, "error", err)
		return SendError(c, fiber.StatusInternalServerError, "Failed to mark notification read")
	}
	return SendSuccess(c, fiber.StatusOK, fiber.Map{"message": "Notification marked read"})
}

func (s *Server) handleListDeliveries(c *fiber.Ctx) error {
	notificationID := c.Params("notificationID")

	deliveries, err := s.sqlite.ListDeliveries(c.Context(), notificationID)
	if err != nil {
		s.log.Error("failed to list deliveries", "notification_id", notificationID, "error", err)
		return SendError(c, fiber.StatusInternalServerError, "Failed to list deliveries")
	}
	return SendSuccess(c, fiber.StatusOK, deliveries)
}
