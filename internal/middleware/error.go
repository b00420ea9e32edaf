package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	apperrors "github.com/ToniYenC11/CDSS/pkg/errors"
)

// ErrorResponse is the body written for errors no handler rendered itself.
type ErrorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

// ErrorHandler logs errors attached with c.Error and, when the handler wrote
// nothing, renders the last one.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		traceID := c.GetString(ContextRequestID)
		for _, e := range c.Errors {
			log.Error().
				Err(e.Err).
				Str("trace_id", traceID).
				Str("path", c.Request.URL.Path).
				Str("method", c.Request.Method).
				Str("client_ip", c.ClientIP()).
				Msg("Request error")
		}

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last().Err
		status, message := 500, "Internal server error"
		if appErr, ok := apperrors.As(lastErr); ok {
			status = appErr.StatusCode()
			if status < 500 {
				message = appErr.Message
			}
		}

		c.JSON(status, ErrorResponse{
			Error:   message,
			TraceID: traceID,
		})
	}
}
