package api

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/SaintWyss/ragcore/metrics"
	"github.com/SaintWyss/ragcore/model"
)

const (
	requestIDKey    = "request_id"
	actorKey        = "actor"
	maxRequestIDLen = 128
)

// rateLimitExcluded are paths the limiter never throttles. Probes and
// scrapes must stay reachable under load.
var rateLimitExcluded = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// RequestIDMiddleware tags every request with an id: the inbound
// X-Request-Id when it is short enough, a fresh UUIDv4 otherwise. The id is
// echoed back and available to handlers and logs.
func RequestIDMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get("X-Request-Id")
			if id == "" || len(id) > maxRequestIDLen {
				id = uuid.NewString()
			}
			c.Set(requestIDKey, id)
			c.Response().Header().Set("X-Request-Id", id)
			return next(c)
		}
	}
}

// RequestID returns the id assigned by RequestIDMiddleware.
func RequestID(c echo.Context) string {
	id, _ := c.Get(requestIDKey).(string)
	return id
}

// RateLimitMiddleware throttles by client identifier before auth runs.
// Identifier resolution order: API key fingerprint, first forwarded-for
// value, peer address.
func RateLimitMiddleware(limiter *Limiter, burst int, m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if rateLimitExcluded[c.Request().URL.Path] || c.Request().Method == http.MethodOptions {
				return next(c)
			}

			allowed, retryAfter, remaining := limiter.Consume(clientIdentifier(c))
			c.Response().Header().Set("X-RateLimit-Limit", strconv.Itoa(burst))
			c.Response().Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !allowed {
				c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
				if m != nil {
					m.RateLimited.Inc()
				}
				return model.E(model.CodeRateLimited, "rate limit exceeded")
			}
			return next(c)
		}
	}
}

// clientIdentifier picks the bucket key for a request.
func clientIdentifier(c echo.Context) string {
	if key := c.Request().Header.Get("X-API-Key"); key != "" {
		return "key:" + fingerprint(key)
	}
	if fwd := c.Request().Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return "ip:" + strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(c.Request().RemoteAddr)
	if err != nil {
		host = c.Request().RemoteAddr
	}
	return "ip:" + host
}

// BodyCapMiddleware rejects oversized request bodies. A declared
// Content-Length fails fast with 413; chunked bodies are capped as they
// stream so no handler ever buffers past the limit.
func BodyCapMiddleware(maxBytes int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.ContentLength > maxBytes {
				return model.Ef(model.CodePayloadTooLarge, "request body exceeds %d bytes", maxBytes)
			}
			req.Body = &cappedBody{reader: req.Body, remaining: maxBytes}
			return next(c)
		}
	}
}

type cappedBody struct {
	reader    io.ReadCloser
	remaining int64
}

func (b *cappedBody) Read(p []byte) (int, error) {
	if b.remaining < 0 {
		return 0, model.E(model.CodePayloadTooLarge, "request body too large")
	}
	if int64(len(p)) > b.remaining+1 {
		p = p[:b.remaining+1]
	}
	n, err := b.reader.Read(p)
	b.remaining -= int64(n)
	if b.remaining < 0 {
		return n, model.E(model.CodePayloadTooLarge, "request body too large")
	}
	return n, err
}

func (b *cappedBody) Close() error { return b.reader.Close() }

// MetricsMiddleware observes request counts and latency per normalized
// route. c.Path() carries the route pattern, not the raw URL, which keeps
// label cardinality bounded.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := c.Response().Status
			if err != nil {
				status = model.HTTPStatus(model.CodeOf(err))
			}
			m.HTTPRequests.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
			m.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
