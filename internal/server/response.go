package server

import (
	"github.com/gofiber/fiber/v2"
)

// ErrorType categorizes API errors for clients.
type ErrorType string

const (
	GeneralErrorType    ErrorType = "general"
	ValidationErrorType ErrorType = "validation"
	NotFoundErrorType   ErrorType = "not_found"
)

// APIResponse is the envelope every endpoint returns.
type APIResponse struct {
	Status    string    `json:"status"`
	Data      any       `json:"data,omitempty"`
	Message   string    `json:"message,omitempty"`
	ErrorType ErrorType `json:"error_type,omitempty"`
}

// SendSuccess writes a success envelope with the given payload.
func SendSuccess(c *fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(APIResponse{Status: "success", Data: data})
}

// SendError writes a general error envelope.
func SendError(c *fiber.Ctx, status int, message string) error {
	return SendErrorWithType(c, status, message, GeneralErrorType)
}

// SendErrorWithType writes an error envelope with an explicit category.
func SendErrorWithType(c *fiber.Ctx, status int, message string, errorType ErrorType) error {
	return c.Status(status).JSON(APIResponse{Status: "error", Message: message, ErrorType: errorType})
}
