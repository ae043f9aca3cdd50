package server

import (
	"github.com/gofiber/fiber/v2"
)

func (s *Server) handleListDeadLetters(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 100)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	deadLetters, err := s.sqlite.ListDeadLetters(c.Context(), limit)
	if err != nil {
		s.log.Error("failed to list dead letters", "error", err)
		return SendError(c, fiber.StatusInternalServerError, "Failed to list dead letters")
	}
	return SendSuccess(c, fiber.StatusOK, deadLetters)
}

func (s *Server) handleBreakerStates(c *fiber.Ctx) error {
	if s.dispatcher == nil {
		return SendSuccess(c, fiber.StatusOK, fiber.Map{})
	}
	return SendSuccess(c, fiber.StatusOK, s.dispatcher.BreakerStates())
}
