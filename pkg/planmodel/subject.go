package planmodel

// Subject is the authenticated principal (user or service) derived from a
// session and used as the access-control identity. It is an immutable
// value type: callers MUST treat it as copy-on-read (see Clone) so stored
// subjects are never mutated through an aliased Roles/Scopes slice.
type Subject struct {
	SessionID string   `json:"session_id"`
	TenantID  string   `json:"tenant_id,omitempty"`
	UserID    string   `json:"user_id,omitempty"`
	Email     string   `json:"email,omitempty"`
	Name      string   `json:"name,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
}

// Clone deep-copies the subject so the receiver cannot mutate shared state
// by holding on to Roles/Scopes slices from a stored value.
func (s Subject) Clone() Subject {
	out := s
	if s.Roles != nil {
		out.Roles = append([]string(nil), s.Roles...)
	}
	if s.Scopes != nil {
		out.Scopes = append([]string(nil), s.Scopes...)
	}
	return out
}

// HasIdentity reports whether the subject carries a user identity beyond a
// bare session/tenant — used to decide whether tenant-only matching applies.
func (s Subject) HasIdentity() bool {
	return s.UserID != "" || s.Email != ""
}

// SubjectsMatch implements invariant I5's ownership predicate: an owner
// subject and a requesting subject are considered the same principal when
// ANY of the following hold, in order of strength:
//
//  1. identical session id (same login session)
//  2. same user id within the same tenant (session rotation tolerant)
//  3. same email within the same tenant (covers identity-provider re-issue
//     with a new user id but stable email)
//  4. same tenant only, when the owner subject itself carries no user
//     identity (service-account-owned plans: the owner is a tenant-scoped
//     principal with no individual user behind it)
//
// This is intentionally a single pure function with no side channel so it
// can be exhaustively unit tested.
func SubjectsMatch(owner, requester Subject) bool {
	if owner.SessionID != "" && owner.SessionID == requester.SessionID {
		return true
	}
	if owner.TenantID != "" && owner.TenantID == requester.TenantID {
		if owner.UserID != "" && owner.UserID == requester.UserID {
			return true
		}
		if owner.Email != "" && owner.Email == requester.Email {
			return true
		}
		if !owner.HasIdentity() {
			return true
		}
	}
	return false
}

// ToPlanSubject strips PII the runtime does not need downstream (anything
// beyond identity/roles/scopes) and returns a value safe to persist and
// log. Roles and scopes are cloned so the caller's slices are never
// aliased into stored state.
func ToPlanSubject(sessionID, tenantID, userID, email, name string, roles, scopes []string) Subject {
	s := Subject{
		SessionID: sessionID,
		TenantID:  tenantID,
		UserID:    userID,
		Email:     email,
		Name:      name,
	}
	if roles != nil {
		s.Roles = append([]string(nil), roles...)
	}
	if scopes != nil {
		s.Scopes = append([]string(nil), scopes...)
	}
	return s
}
