package api

import (
	"log/slog"
	"net/http"
	"regexp"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/google/uuid"

	"github.com/planmesh/orchestrator/pkg/apperr"
	"github.com/planmesh/orchestrator/pkg/authsession"
)

// Context keys used to stash per-request values set by middleware and read
// by handlers via c.Get/c.Set.
const (
	ctxRequestID = "request_id"
	ctxTraceID   = "trace_id"
	ctxSession   = "session"
)

var idHeaderPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// requestTraceIDs honours inbound X-Request-Id/X-Trace-Id when
// syntactically valid, otherwise mints new ones, sets both response
// headers, and stashes them on the echo context for downstream
// middleware/handlers and the access logger.
func requestTraceIDs() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			reqID := c.Request().Header.Get("X-Request-Id")
			if !idHeaderPattern.MatchString(reqID) {
				reqID = uuid.NewString()
			}
			traceID := c.Request().Header.Get("X-Trace-Id")
			if !idHeaderPattern.MatchString(traceID) {
				traceID = uuid.NewString()
			}
			c.Set(ctxRequestID, reqID)
			c.Set(ctxTraceID, traceID)
			c.Response().Header().Set("X-Request-Id", reqID)
			c.Response().Header().Set("X-Trace-Id", traceID)
			return next(c)
		}
	}
}

func requestID(c *echo.Context) string {
	if v, ok := c.Get(ctxRequestID).(string); ok {
		return v
	}
	return ""
}

func traceID(c *echo.Context) string {
	if v, ok := c.Get(ctxTraceID).(string); ok {
		return v
	}
	return ""
}

// securityHeaders sets standard hardening headers on every response,
// adding HSTS on top of the teacher's original set when the request
// arrived over TLS.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			h.Set("Content-Security-Policy", "default-src 'none'")
			if c.Request().TLS != nil {
				h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
			}
			return next(c)
		}
	}
}

// cors enforces a strict origin allowlist: untrusted origins receive no
// Access-Control-Allow-* headers at all, on any response status, so a
// browser cannot read cross-origin responses (including cookies) even
// when the request itself is allowed to proceed.
func cors(allowedOrigins []string) echo.MiddlewareFunc {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			origin := c.Request().Header.Get("Origin")
			if origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Response().Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Set("Access-Control-Allow-Credentials", "true")
					h.Set("Vary", "Origin")
					if c.Request().Method == http.MethodOptions {
						h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
						h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id, X-Trace-Id, Cookie, Authorization")
						return c.NoContent(http.StatusNoContent)
					}
				} else if c.Request().Method == http.MethodOptions {
					return c.NoContent(http.StatusNoContent)
				}
			}
			return next(c)
		}
	}
}

// bodyLimits rejects JSON and form bodies whose declared Content-Length is
// over their configured byte cap before the handler ever reads them,
// returning the uniform payload_too_large envelope with the limit. A body
// with no declared length is cut off at the cap while it is read, and the
// handler then reports the failed read as invalid_request.
func bodyLimits(jsonBytes, urlEncodedBytes int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			limit := jsonBytes
			ct := c.Request().Header.Get("Content-Type")
			if ct == "application/x-www-form-urlencoded" {
				limit = urlEncodedBytes
			}
			if limit > 0 && c.Request().ContentLength > limit {
				return apperr.PayloadTooLarge("request body exceeds the configured limit", limit)
			}
			if limit > 0 {
				c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, limit)
			}
			return next(c)
		}
	}
}

// accessLog emits one JSON structured log line per completed request.
func accessLog(log *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)
			log.Info("http_request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", requestID(c),
				"trace_id", traceID(c),
				"remote_ip", c.RealIP(),
			)
			return err
		}
	}
}

// sessionBind attaches the caller's session record, if any, to the
// request context so handlers can read it without re-parsing cookies.
// With OIDC disabled a missing or unknown session is not an error; a
// malformed session id is rejected as unauthorized in every mode — see
// authsession.Bind.
func sessionBind(store *authsession.Store, cfg authsession.Config) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			session, ok, err := authsession.Bind(c.Request(), store, cfg)
			if err != nil {
				return err
			}
			if ok {
				c.Set(ctxSession, session)
			}
			return next(c)
		}
	}
}

func sessionFromContext(c *echo.Context) (authsession.SessionRecord, bool) {
	v, ok := c.Get(ctxSession).(authsession.SessionRecord)
	return v, ok
}
