package server

import (
	"database/sql"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/finsentry/finsentry/internal/sqlite"
	"github.com/finsentry/finsentry/pkg/models"
)

// CreateAlertRequest is the payload for POST /api/v1/alerts.
type CreateAlertRequest struct {
	UserID       models.UserID          `json:"user_id"`
	Type         models.AlertType       `json:"type"`
	Name         string                 `json:"name"`
	AccountID    *models.AccountID      `json:"account_id,omitempty"`
	GoalID       *models.GoalID         `json:"goal_id,omitempty"`
	BudgetID     *models.BudgetID       `json:"budget_id,omitempty"`
	BillID       *models.BillID         `json:"bill_id,omitempty"`
	Conditions   models.AlertConditions `json:"conditions"`
	EmailEnabled bool                   `json:"email_enabled"`
	SMSEnabled   bool                   `json:"sms_enabled"`
}

func (s *Server) handleCreateAlert(c *fiber.Ctx) error {
	var req CreateAlertRequest
	if err := c.BodyParser(&req); err != nil {
		return SendErrorWithType(c, fiber.StatusBadRequest, "Invalid request body", ValidationErrorType)
	}
	if req.UserID <= 0 {
		return SendErrorWithType(c, fiber.StatusBadRequest, "user_id is required", ValidationErrorType)
	}
	if req.Name == "" {
		return SendErrorWithType(c, fiber.StatusBadRequest, "name is required", ValidationErrorType)
	}
	if err := req.Conditions.Validate(req.Type); err != nil {
		return SendErrorWithType(c, fiber.StatusBadRequest, err.Error(), ValidationErrorType)
	}

	alert := &models.Alert{
		UserID:       req.UserID,
		Type:         req.Type,
		Name:         req.Name,
		AccountID:    req.AccountID,
		GoalID:       req.GoalID,
		BudgetID:     req.BudgetID,
		BillID:       req.BillID,
		Conditions:   req.Conditions,
		EmailEnabled: req.EmailEnabled,
		SMSEnabled:   req.SMSEnabled,
		IsActive:     true,
	}
	if err := s.sqlite.CreateAlert(c.Context(), alert); err != nil {
		s.log.Error("failed to create alert", "user_id", req.UserID, "error", err)
		return SendError(c, fiber.StatusInternalServerError, "Failed to create alert")
	}
	return SendSuccess(c, fiber.StatusCreated, alert)
}

func (s *Server) handleGetAlert(c *fiber.Ctx) error {
	alertID, err := parseID[models.AlertID](c, "alertID")
	if err != nil {
		return SendErrorWithType(c, fiber.StatusBadRequest, "Invalid alert ID", ValidationErrorType)
	}

	alert, err := s.sqlite.GetAlert(c.Context(), alertID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || errors.Is(err, sqlite.ErrNotFound) {
			return SendErrorWithType(c, fiber.StatusNotFound, "Alert not found", NotFoundErrorType)
		}
		s.log.Error("failed to get alert", "alert_id", alertID, "error", err)
		return SendError(c, fiber.StatusInternalServerError, "Failed to retrieve alert")
	}
	return SendSuccess(c, fiber.StatusOK, alert)
}

func (s *Server) handleListAlerts(c *fiber.Ctx) error {
	userID, err := parseID[models.UserID](c, "userID")
	if err != nil {
		return SendErrorWithType(c, fiber.StatusBadRequest, "Invalid user ID", ValidationErrorType)
	}

	alerts, err := s.sqlite.ListActiveAlerts(c.Context(), userID)
	if err != nil {
		s.log.Error("failed to list alerts", "user_id", userID, "error", err)
		return SendError(c, fiber.StatusInternalServerError, "Failed to list alerts")
	}
	return SendSuccess(c, fiber.StatusOK, alerts)
}

// handleEvaluateUser runs every active alert the user owns. Manual trigger,
// mostly useful for support and debugging.
func (s *Server) handleEvaluateUser(c *fiber.Ctx) error {
	userID, err := parseID[models.UserID](c, "userID")
	if err != nil {
		return SendErrorWithType(c, fiber.StatusBadRequest, "Invalid user ID", ValidationErrorType)
	}

	notifications, err := s.manager.EvaluateUser(c.Context(), userID)
	if err != nil {
		s.log.Error("manual evaluation failed", "user_id", userID, "error", err)
		return SendError(c, fiber.StatusInternalServerError, "Evaluation failed")
	}
	return SendSuccess(c, fiber.StatusOK, fiber.Map{
		"notifications_created": len(notifications),
		"notifications":         notifications,
	})
}

// EvaluateTransactionRequest is the payload for the realtime hook invoked
// when a new transaction lands.
type EvaluateTransactionRequest struct {
	TransactionID models.TransactionID `json:"transaction_id"`
}

func (s *Server) handleEvaluateTransaction(c *fiber.Ctx) error {
	var req EvaluateTransactionRequest
	if err := c.BodyParser(&req); err != nil {
		return SendErrorWithType(c, fiber.StatusBadRequest, "Invalid request body", ValidationErrorType)
	}

	txn, err := s.sqlite.GetTransaction(c.Context(), req.TransactionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || errors.Is(err, sqlite.ErrNotFound) {
			return SendErrorWithType(c, fiber.StatusNotFound, "Transaction not found", NotFoundErrorType)
		}
		s.log.Error("failed to load transaction", "transaction_id", req.TransactionID, "error", err)
		return SendError(c, fiber.StatusInternalServerError, "Failed to load transaction")
	}

	notifications, err := s.manager.EvaluateTransaction(c.Context(), txn)
	if err != nil {
		s.log.Error("realtime evaluation failed", "transaction_id", req.TransactionID, "error", err)
		return SendError(c, fiber.StatusInternalServerError, "Evaluation failed")
	}
	return SendSuccess(c, fiber.StatusOK, fiber.Map{
		"notifications_created": len(notifications),
		"notifications":         notifications,
	})
}

// parseID parses a positive int64 route parameter into a typed ID.
func parseID[T ~int64](c *fiber.Ctx, param string) (T, error) {
	raw, err := strconv.ParseInt(c.Params(param), 10, 64)
	if err != nil || raw <= 0 {
		return 0, fiber.ErrBadRequest
	}
	return T(raw), nil
}
