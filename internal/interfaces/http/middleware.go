package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mocksmith/mocksmith/internal/infrastructure/config"
	"github.com/mocksmith/mocksmith/internal/infrastructure/llm"
	"github.com/mocksmith/mocksmith/pkg/apperr"
)

// ginLogger logs one line per request after the handler chain runs.
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}

// corsMiddleware applies the configured origin policy. The wildcard
// origin combined with credentials is forbidden by the CORS spec, so
// credentials are dropped in that case.
func corsMiddleware(cfg config.CORSConfig, logger *zap.Logger) gin.HandlerFunc {
	wildcard := false
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			wildcard = true
			continue
		}
		allowed[o] = true
	}

	credentials := cfg.AllowCredentials
	if wildcard && credentials {
		logger.Warn("cors: wildcard origin with credentials is invalid, disabling credentials")
		credentials = false
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			switch {
			case wildcard:
				c.Header("Access-Control-Allow-Origin", "*")
			case allowed[origin]:
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			if credentials && !wildcard {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Response-Shape, X-LLM-Backend, X-Rate-Limit-Delay, X-Rate-Limit-Strategy")
			c.Header("Access-Control-Max-Age", "600")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// bodyLimit rejects oversized request bodies before a handler buffers
// them.
func bodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes <= 0 {
			c.Next()
			return
		}
		if c.Request.ContentLength > maxBytes {
			writeError(c, apperr.New(apperr.KindPayloadTooLarge, "request body too large"))
			c.Abort()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// clientPartition identifies the caller for ingress limiting: API key,
// then Authorization header, then first X-Forwarded-For hop, then the
// remote IP.
func clientPartition(c *gin.Context) string {
	if key := c.GetHeader("X-Api-Key"); key != "" {
		return "key:" + key
	}
	if auth := c.GetHeader("Authorization"); auth != "" {
		return "auth:" + auth
	}
	if fwd := c.GetHeader("X-Forwarded-For"); fwd != "" {
		first := fwd
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			first = fwd[:i]
		}
		return "fwd:" + strings.TrimSpace(first)
	}
	return "ip:" + c.ClientIP()
}

// writeError renders the single error envelope used everywhere. When
// every backend circuit is open the 503 carries the nearest reopen
// instant as Retry-After.
func writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	message := "internal error"
	var ae *apperr.Error
	if errors.As(err, &ae) {
		message = ae.Message
	}
	var nb *llm.NoBackendError
	if errors.As(err, &nb) && !nb.RetryAfter.IsZero() {
		if secs := int(time.Until(nb.RetryAfter).Seconds()) + 1; secs > 0 {
			c.Header("Retry-After", strconv.Itoa(secs))
		}
	}
	c.JSON(apperr.HTTPStatus(kind), gin.H{
		"error":   string(kind),
		"message": apperr.Redact(message),
	})
}
