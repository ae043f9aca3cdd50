package server

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/finsentry/finsentry/pkg/models"
)

func (s *Server) handleGetPreferences(c *fiber.Ctx) error {
	userID, err := parseID[models.UserID](c, "userID")
	if err != nil {
		return SendErrorWithType(c, fiber.StatusBadRequest, "Invalid user ID", ValidationErrorType)
	}

	prefs, err := s.sqlite.GetNotificationPreferences(c.Context(), userID)
	if err != nil {
		s.log.Error("failed to get preferences", "user_id", userID, "error", err)
		return SendError(c, fiber.StatusInternalServerError, "Failed to retrieve preferences")
	}
	return SendSuccess(c, fiber.StatusOK, prefs)
}

func (s *Server) handleUpdatePreferences(c *fiber.Ctx) error {
	userID, err := parseID[models.UserID](c, "userID")
	if err != nil {
		return SendErrorWithType(c, fiber.StatusBadRequest, "Invalid user ID", ValidationErrorType)
	}

	var prefs models.NotificationPreferences
	if err := c.BodyParser(&prefs); err != nil {
		return SendErrorWithType(c, fiber.StatusBadRequest, "Invalid request body", ValidationErrorType)
	}
	prefs.UserID = userID

	if msg := validatePreferences(&prefs); msg != "" {
		return SendErrorWithType(c, fiber.StatusBadRequest, msg, ValidationErrorType)
	}

	if err := s.sqlite.UpsertNotificationPreferences(c.Context(), &prefs); err != nil {
		s.log.Error("failed to update preferences", "user_id", userID, "error", err)
		return SendError(c, fiber.StatusInternalServerError, "Failed to update preferences")
	}
	return SendSuccess(c, fiber.StatusOK, &prefs)
}

func validatePreferences(prefs *models.NotificationPreferences) string {
	switch prefs.MerchantAlertFrequency {
	case models.MerchantAlertImmediate, models.MerchantAlertFirstOfDay, models.MerchantAlertDigest:
	case "":
		prefs.MerchantAlertFrequency = models.MerchantAlertImmediate
	default:
		return "invalid merchant_alert_frequency"
	}
	if prefs.EmailEnabled && prefs.EmailAddress == "" {
		return "email_address is required when email is enabled"
	}
	if prefs.SMSEnabled && prefs.SMSNumber == "" {
		return "sms_number is required when sms is enabled"
	}
	if (prefs.QuietHoursStart == "") != (prefs.QuietHoursEnd == "") {
		return "quiet hours require both start and end"
	}
	if prefs.Timezone != "" {
		if _, err := time.LoadLocation(prefs.Timezone); err != nil {
			return "unknown timezone"
		}
	}
	if prefs.MaxPerHour < 0 || prefs.MaxPerDay < 0 {
		return "rate limits must not be negative"
	}
	return ""
}
