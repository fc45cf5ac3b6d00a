package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/deadswitch/backend/internal/commands"
	"github.com/MarcoPoloResearchLab/deadswitch/backend/internal/switches"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// classifyError maps the command error taxonomy onto an HTTP status and a
// stable error code. Storage failures keep their dotted service code.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, commands.ErrUnknownOperation):
		return http.StatusBadRequest, "unknown_operation"
	case errors.Is(err, switches.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, switches.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, switches.ErrUnauthorized):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, switches.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	}
	var serviceErr *switches.ServiceError
	if errors.As(err, &serviceErr) {
		return http.StatusInternalServerError, serviceErr.Code()
	}
	return http.StatusInternalServerError, "internal_error"
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("command failed", zap.String("code", code), zap.Error(err))
		c.JSON(status, errorPayload{Error: code})
		return
	}
	c.JSON(status, errorPayload{Error: code, Message: err.Error()})
}
