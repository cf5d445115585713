package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// rate limiting never applies to probes or scraping
var rateLimitExempt = []string{"/api/v1/health", "/api/v1/ready", "/api/v1/live", "/metrics"}

func requestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// timedWriter stamps X-Process-Time just before the headers go out
type timedWriter struct {
	gin.ResponseWriter
	start time.Time
}

func (w *timedWriter) WriteHeader(code int) {
	w.Header().Set("X-Process-Time", strconv.FormatFloat(time.Since(w.start).Seconds(), 'f', 6, 64))
	w.ResponseWriter.WriteHeader(code)
}

// timing records request metrics and sets X-Process-Time
func (s *Server) timing() gin.HandlerFunc {
	return func(c *gin.Context) {
		done := s.deps.Metrics.TrackConnection()
		defer done()

		start := time.Now()
		c.Writer = &timedWriter{ResponseWriter: c.Writer, start: start}
		c.Next()
		duration := time.Since(start)

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		s.deps.Metrics.RecordRequest(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status()), duration)

		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", duration).
			Msg("Request handled")
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Limiter == nil || !s.deps.Limiter.Enabled() {
			c.Next()
			return
		}
		for _, prefix := range rateLimitExempt {
			if strings.HasPrefix(c.Request.URL.Path, prefix) {
				c.Next()
				return
			}
		}

		allowed, retryAfter := s.deps.Limiter.Allow(c.ClientIP())
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, RateLimitResponse{
				Error:      "Rate limit exceeded",
				RetryAfter: retryAfter,
			})
			return
		}
		c.Next()
	}
}

// recovery turns a panic into a 500 without leaking the stack to the caller
func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, recovered any) {
		s.logger.Error().
			Str("path", c.Request.URL.Path).
			Str("panic", fmt.Sprint(recovered)).
			Msg("Unhandled panic")
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal server error"})
	})
}
