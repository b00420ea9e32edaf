package middleware

import (
	"fmt"
	"io"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Recovery converts a handler panic into a 500 with the request id as
// trace_id. gin handles broken client connections itself and only aborts.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, recovered any) {
		traceID := c.GetString(ContextRequestID)

		log.Error().
			Str("panic", fmt.Sprint(recovered)).
			Bytes("stack", debug.Stack()).
			Str("route", c.FullPath()).
			Str("path", c.Request.URL.Path).
			Str("request_id", traceID).
			Bool("headers_sent", c.Writer.Written()).
			Msg("Handler panicked")

		if c.Writer.Written() {
			// Part of the response is already out; the status cannot change.
			c.Abort()
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Internal server error",
			TraceID: traceID,
		})
	})
}
