package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads orchestrator.yaml from configDir, expands environment
// variables, merges it onto the built-in defaults, validates the result,
// and returns a ready-to-use Config. This is the sole entry point
// cmd/planorch calls at boot.
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("loading configuration")

	raw, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	cfg, err := resolve(raw)
	if err != nil {
		return nil, fmt.Errorf("resolve configuration: %w", err)
	}

	if err := NewValidator(cfg).ValidateAll(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("configuration loaded",
		"run_mode", cfg.RunMode,
		"messaging_type", cfg.Messaging.Type,
		"plan_state_backend", cfg.PlanState.Backend)
	return cfg, nil
}

func load(configDir string) (*YAMLConfig, error) {
	path := filepath.Join(configDir, "orchestrator.yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newLoadError(path, ErrConfigNotFound)
		}
		return nil, newLoadError(path, err)
	}

	data = ExpandEnv(data)

	var raw YAMLConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, newLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}
	return &raw, nil
}

// resolve merges the raw YAML onto defaultConfig, only overriding fields
// the user actually set.
func resolve(raw *YAMLConfig) (*Config, error) {
	cfg := defaultConfig()

	if raw.RunMode != "" {
		cfg.RunMode = RunMode(raw.RunMode)
	}

	resolveMessaging(cfg, raw.Messaging)
	resolvePlanState(cfg, raw.PlanState)
	resolveDedupe(cfg, raw.Dedupe)
	if err := resolveServer(cfg, raw.Server); err != nil {
		return nil, err
	}
	resolveAuth(cfg, raw.Auth)
	resolveRetention(cfg, raw.Retention)
	resolveTracing(cfg, raw.Observability)

	return cfg, nil
}

func resolveMessaging(cfg *Config, m *MessagingYAML) {
	if m == nil {
		return
	}
	if m.Type != "" {
		cfg.Messaging.Type = MessagingType(m.Type)
	}
	if a := m.AMQP; a != nil {
		if a.URL != "" {
			cfg.Messaging.AMQP.URL = a.URL
		}
		if a.Prefetch > 0 {
			cfg.Messaging.AMQP.Prefetch = a.Prefetch
		}
		if a.MaxAttempts > 0 {
			cfg.Messaging.AMQP.MaxAttempts = a.MaxAttempts
		}
		if a.ReconnectMinSeconds > 0 {
			cfg.Messaging.AMQP.ReconnectMin = time.Duration(a.ReconnectMinSeconds) * time.Second
		}
		if a.ReconnectMaxSeconds > 0 {
			cfg.Messaging.AMQP.ReconnectMax = time.Duration(a.ReconnectMaxSeconds) * time.Second
		}
		if a.Tenant != "" {
			cfg.Messaging.AMQP.Tenant = a.Tenant
		}
	}
	if n := m.NATS; n != nil {
		if n.URL != "" {
			cfg.Messaging.NATS.URL = n.URL
		}
		if n.Partitions > 0 {
			cfg.Messaging.NATS.Partitions = n.Partitions
		}
		if n.MaxAttempts > 0 {
			cfg.Messaging.NATS.MaxAttempts = n.MaxAttempts
		}
		if n.FetchTimeoutSeconds > 0 {
			cfg.Messaging.NATS.FetchTimeout = time.Duration(n.FetchTimeoutSeconds) * time.Second
		}
		if n.Tenant != "" {
			cfg.Messaging.NATS.Tenant = n.Tenant
		}
	}
	if mem := m.Memory; mem != nil {
		if mem.MaxAttempts > 0 {
			cfg.Messaging.Memory.MaxAttempts = mem.MaxAttempts
		}
		if mem.RetryDelayMs > 0 {
			cfg.Messaging.Memory.RetryDelay = time.Duration(mem.RetryDelayMs) * time.Millisecond
		}
	}
}

func resolvePlanState(cfg *Config, p *PlanStateYAML) {
	if p == nil {
		return
	}
	if p.Backend != "" {
		cfg.PlanState.Backend = PlanStateBackend(p.Backend)
	}
	if p.RetentionMs > 0 {
		cfg.PlanState.RetentionMs = p.RetentionMs
	}
	if p.File != nil && p.File.Path != "" {
		cfg.PlanState.FilePath = p.File.Path
	}
	if pg := p.Postgres; pg != nil {
		if pg.DSN != "" {
			cfg.PlanState.Postgres.DSN = pg.DSN
		}
		if pg.MaxConns > 0 {
			cfg.PlanState.Postgres.MaxConns = pg.MaxConns
		}
		if pg.MinConns > 0 {
			cfg.PlanState.Postgres.MinConns = pg.MinConns
		}
	}
}

func resolveDedupe(cfg *Config, d *DedupeYAML) {
	if d == nil {
		return
	}
	if d.Provider != "" {
		cfg.Dedupe.Provider = KVBackendProvider(d.Provider)
	}
	if d.SweepIntervalSeconds > 0 {
		cfg.Dedupe.SweepInterval = time.Duration(d.SweepIntervalSeconds) * time.Second
	}
	if d.RedisKeyPrefix != "" {
		cfg.Dedupe.RedisKeyPrefix = d.RedisKeyPrefix
	}
}

func resolveServer(cfg *Config, s *ServerYAML) error {
	if s == nil {
		return nil
	}
	if s.Addr != "" {
		cfg.Server.Addr = s.Addr
	}
	if s.SSEKeepAliveMs > 0 {
		cfg.Server.SSEKeepAlive = time.Duration(s.SSEKeepAliveMs) * time.Millisecond
	}
	if q := s.SSEQuotas; q != nil {
		if q.PerIP > 0 {
			cfg.Server.SSEQuotaPerIP = q.PerIP
		}
		if q.PerSubject > 0 {
			cfg.Server.SSEQuotaPerSubject = q.PerSubject
		}
	}
	if rl := s.RateLimits; rl != nil {
		// Merge user-provided endpoint overrides onto the defaults,
		// preserving unset fields, the same way the queue config merges
		// in the original loader.
		merge := func(dst *EndpointLimit, src *EndpointYAML) error {
			if src == nil {
				return nil
			}
			user := EndpointLimit{WindowMs: src.WindowMs, MaxRequests: src.MaxRequests}
			return mergo.Merge(dst, user, mergo.WithOverride)
		}
		if err := merge(&cfg.Server.RateLimits.Plan, rl.Plan); err != nil {
			return err
		}
		if err := merge(&cfg.Server.RateLimits.Chat, rl.Chat); err != nil {
			return err
		}
		if err := merge(&cfg.Server.RateLimits.Auth, rl.Auth); err != nil {
			return err
		}
		if err := merge(&cfg.Server.RateLimits.RemoteFS, rl.RemoteFS); err != nil {
			return err
		}
		if rl.Backend != nil && rl.Backend.Provider != "" {
			cfg.Server.RateLimits.Backend = KVBackendProvider(rl.Backend.Provider)
		}
	}
	if c := s.CORS; c != nil && len(c.AllowedOrigins) > 0 {
		cfg.Server.CORSAllowedOrigins = c.AllowedOrigins
	}
	if len(s.TrustedProxyCIDRs) > 0 {
		cfg.Server.TrustedProxyCIDRs = s.TrustedProxyCIDRs
	}
	if rl := s.RequestLimits; rl != nil {
		if rl.JSONBytes > 0 {
			cfg.Server.RequestLimits.JSONBytes = rl.JSONBytes
		}
		if rl.URLEncodedBytes > 0 {
			cfg.Server.RequestLimits.URLEncodedBytes = rl.URLEncodedBytes
		}
	}
	return nil
}

func resolveAuth(cfg *Config, a *AuthYAML) {
	if a == nil || a.OIDC == nil {
		return
	}
	o := a.OIDC
	cfg.Auth.OIDCEnabled = o.Enabled
	if o.TenantClaim != "" {
		cfg.Auth.TenantClaim = o.TenantClaim
	}
	if o.Session != nil {
		if o.Session.CookieName != "" {
			cfg.Auth.CookieName = o.Session.CookieName
		}
		if o.Session.TTLSeconds > 0 {
			cfg.Auth.SessionTTL = time.Duration(o.Session.TTLSeconds) * time.Second
		}
	}
	// Enterprise mode always requires secure cookies; single-tenant
	// development mode is the only case where they may be left off.
	cfg.Auth.SecureCookies = cfg.RunMode == RunModeEnterprise
}

func resolveRetention(cfg *Config, r *RetentionYAML) {
	if r == nil {
		return
	}
	if r.PlanArtifactDays > 0 {
		cfg.Retention.PlanArtifactDays = r.PlanArtifactDays
	}
}

func resolveTracing(cfg *Config, o *ObservabilityYAML) {
	if o == nil || o.Tracing == nil {
		return
	}
	t := o.Tracing
	cfg.Tracing.Enabled = t.Enabled
	if t.Exporter != "" {
		cfg.Tracing.Exporter = t.Exporter
	}
	if t.Endpoint != "" {
		cfg.Tracing.Endpoint = t.Endpoint
	}
	if t.ServiceName != "" {
		cfg.Tracing.ServiceName = t.ServiceName
	}
}
