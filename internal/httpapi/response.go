package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"imagevariant/internal/apierr"
)

// response is the standard JSON envelope this edge returns, mirroring the
// teacher's utils.Response shape but trimmed to what this service actually
// sends (no pagination metadata).
type response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func sendSuccess(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, response{Success: true, Message: message, Data: data})
}

// sendError maps the apierr taxonomy of spec.md §7 onto an HTTP status and
// records the error on the gin context so the observability middleware logs
// it once centrally.
func sendError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apierr.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, apierr.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, apierr.ErrNotFound):
		status = http.StatusNotFound
	}

	c.Error(err)
	c.AbortWithStatusJSON(status, response{Success: false, Message: http.StatusText(status), Error: err.Error()})
}
