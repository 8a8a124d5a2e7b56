package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-autopilot/pkg/id"
	"github.com/ksred/klear-autopilot/pkg/response"
)

const RequestIDHeader = "X-Request-ID"

// RequestID propagates the caller's request id or assigns a new one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(RequestIDHeader)
		if rid == "" {
			rid = id.New()
		}
		c.Set("requestID", rid)
		c.Header(RequestIDHeader, rid)
		c.Next()
	}
}

// RequestLogger logs one line per request. Server errors log at error level,
// client errors at warn.
func RequestLogger() gin.HandlerFunc {
	logger := log.With().Str("component", "http").Logger()

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		var ev *zerolog.Event
		switch {
		case status >= 500:
			ev = logger.Error()
		case status >= 400:
			ev = logger.Warn()
		default:
			ev = logger.Info()
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}

		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("route", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("request_id", c.GetString("requestID")).
			Msg("request handled")
	}
}

// Recovery turns a handler panic into a 500 envelope.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Error().
			Interface("panic", recovered).
			Str("path", c.Request.URL.Path).
			Msg("handler panicked")
		response.InternalError(c, "An unexpected error occurred")
		c.Abort()
	})
}
