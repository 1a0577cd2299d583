package authsession

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/planmesh/orchestrator/pkg/apperr"
)

// Config configures session extraction, mirroring the auth.oidc.enabled
// and auth.session.cookie_name settings.
type Config struct {
	OIDCEnabled bool
	CookieName  string
}

func (c Config) withDefaults() Config {
	if c.CookieName == "" {
		c.CookieName = "session"
	}
	return c
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,128}$`)

// ValidSessionID reports whether id has an acceptable shape: a uuid or a
// length-bounded fixed-alphabet token. It rejects anything else before a
// store lookup is even attempted.
func ValidSessionID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	if _, err := uuid.Parse(id); err == nil {
		return true
	}
	return sessionIDPattern.MatchString(id)
}

func extractSessionID(r *http.Request, cfg Config) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
	}
	if cookie, err := r.Cookie(cfg.CookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// Bind resolves the request's session. When no
// session is present and OIDC is disabled, it returns ok=false with a nil
// error (anonymous single-tenant dev access); when OIDC is enabled, an
// absent or invalid session is reported as *apperr.Error with code
// unauthorized.
func Bind(r *http.Request, store *Store, cfg Config) (SessionRecord, bool, error) {
	cfg = cfg.withDefaults()

	raw := extractSessionID(r, cfg)
	if raw == "" {
		if cfg.OIDCEnabled {
			return SessionRecord{}, false, apperr.Unauthorized("authentication required")
		}
		return SessionRecord{}, false, nil
	}
	if !ValidSessionID(raw) {
		return SessionRecord{}, false, apperr.Unauthorized("malformed session identifier")
	}

	record, ok := store.Get(raw)
	if !ok {
		if cfg.OIDCEnabled {
			return SessionRecord{}, false, apperr.Unauthorized("session not found or expired")
		}
		return SessionRecord{}, false, nil
	}
	return record, true, nil
}
