package config

import (
	"fmt"
	"net/netip"
)

// Validator checks a resolved Config for internal consistency, failing
// fast on the first problem found.
type Validator struct {
	cfg *Config
}

// NewValidator builds a Validator for cfg.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll runs every check in dependency order.
func (v *Validator) ValidateAll() error {
	if err := v.validateRunMode(); err != nil {
		return err
	}
	if err := v.validateMessaging(); err != nil {
		return err
	}
	if err := v.validatePlanState(); err != nil {
		return err
	}
	if err := v.validateDedupe(); err != nil {
		return err
	}
	if err := v.validateServer(); err != nil {
		return err
	}
	if err := v.validateAuth(); err != nil {
		return err
	}
	return nil
}

func (v *Validator) validateRunMode() error {
	if !v.cfg.RunMode.valid() {
		return requireOneOf("run_mode", string(v.cfg.RunMode), false)
	}
	return nil
}

func (v *Validator) validateMessaging() error {
	m := v.cfg.Messaging
	if !m.Type.valid() {
		return requireOneOf("messaging.type", string(m.Type), false)
	}
	if m.Type == MessagingAMQP && m.AMQP.URL == "" {
		return newValidationError("messaging.amqp.url", fmt.Errorf("%w: required when messaging.type is amqp", ErrInvalidValue))
	}
	if m.Type == MessagingLogBased && m.NATS.URL == "" {
		return newValidationError("messaging.log_based.url", fmt.Errorf("%w: required when messaging.type is log_based", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validatePlanState() error {
	p := v.cfg.PlanState
	if !p.Backend.valid() {
		return requireOneOf("plan_state.backend", string(p.Backend), false)
	}
	if p.Backend == PlanStatePostgres && p.Postgres.DSN == "" {
		return newValidationError("plan_state.postgres.dsn", fmt.Errorf("%w: required when plan_state.backend is postgres", ErrInvalidValue))
	}
	if p.Backend == PlanStateFile && p.FilePath == "" {
		return newValidationError("plan_state.file.path", fmt.Errorf("%w: must not be empty", ErrInvalidValue))
	}
	if p.RetentionMs < 0 {
		return newValidationError("plan_state.retention_ms", fmt.Errorf("%w: must be >= 0", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateDedupe() error {
	d := v.cfg.Dedupe
	if !d.Provider.valid() {
		return requireOneOf("dedupe.provider", string(d.Provider), false)
	}
	return nil
}

func (v *Validator) validateServer() error {
	s := v.cfg.Server
	if s.SSEKeepAlive <= 0 {
		return newValidationError("server.sse_keep_alive_ms", fmt.Errorf("%w: must be >= 1ms", ErrInvalidValue))
	}
	if !s.RateLimits.Backend.valid() {
		return requireOneOf("server.rate_limits.backend.provider", string(s.RateLimits.Backend), false)
	}
	for key, ep := range map[string]EndpointLimit{
		"server.rate_limits.plan":      s.RateLimits.Plan,
		"server.rate_limits.chat":      s.RateLimits.Chat,
		"server.rate_limits.auth":      s.RateLimits.Auth,
		"server.rate_limits.remote_fs": s.RateLimits.RemoteFS,
	} {
		if ep.WindowMs <= 0 || ep.MaxRequests <= 0 {
			return newValidationError(key, fmt.Errorf("%w: window_ms and max_requests must both be > 0", ErrInvalidValue))
		}
	}
	for _, cidr := range s.TrustedProxyCIDRs {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			return newValidationError("server.trusted_proxy_cidrs", fmt.Errorf("%w: %q: %v", ErrInvalidValue, cidr, err))
		}
	}
	if s.RequestLimits.JSONBytes <= 0 || s.RequestLimits.URLEncodedBytes <= 0 {
		return newValidationError("server.request_limits", fmt.Errorf("%w: byte limits must be > 0", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateAuth() error {
	a := v.cfg.Auth
	if v.cfg.RunMode == RunModeEnterprise {
		if !a.OIDCEnabled {
			return newValidationError("auth.oidc.enabled", fmt.Errorf("%w: must be enabled in enterprise run mode", ErrInvalidValue))
		}
		if !a.SecureCookies {
			return newValidationError("run_mode", fmt.Errorf("%w: secure cookies must be enabled when run mode is enterprise", ErrInvalidValue))
		}
	}
	if a.CookieName == "" {
		return newValidationError("auth.oidc.session.cookie_name", fmt.Errorf("%w: must not be empty", ErrInvalidValue))
	}
	if a.SessionTTL <= 0 {
		return newValidationError("auth.oidc.session.ttl_seconds", fmt.Errorf("%w: must be > 0", ErrInvalidValue))
	}
	return nil
}
