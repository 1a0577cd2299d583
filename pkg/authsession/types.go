// Package authsession implements request authentication: extracting a
// session identifier from the request and resolving it to a SessionRecord,
// which converts to the planmodel.Subject that planmodel.SubjectsMatch
// compares against a plan owner.
package authsession

import (
	"time"

	"github.com/planmesh/orchestrator/pkg/planmodel"
)

// SessionRecord is what a session id resolves to. It is produced
// out-of-band (OIDC callback, dev-mode login) and only read here.
type SessionRecord struct {
	ID        string
	Subject   string
	Email     string
	Name      string
	TenantID  string
	Roles     []string
	Scopes    []string
	Claims    map[string]any
	ExpiresAt time.Time
}

func (r SessionRecord) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// ToPlanSubject converts the record into the planmodel.Subject carried on
// every plan and step, used to match the requester against the plan owner.
func (r SessionRecord) ToPlanSubject(sessionID string) planmodel.Subject {
	return planmodel.ToPlanSubject(sessionID, r.TenantID, r.Subject, r.Email, r.Name, r.Roles, r.Scopes)
}

// Clone returns an independent copy, safe to hand out after releasing the
// store's lock.
func (r SessionRecord) Clone() SessionRecord {
	roles := append([]string(nil), r.Roles...)
	scopes := append([]string(nil), r.Scopes...)
	var claims map[string]any
	if r.Claims != nil {
		claims = make(map[string]any, len(r.Claims))
		for k, v := range r.Claims {
			claims[k] = v
		}
	}
	r.Roles = roles
	r.Scopes = scopes
	r.Claims = claims
	return r
}
