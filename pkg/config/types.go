// Package config loads, merges, and validates this process's
// configuration: a single YAML file plus environment-variable
// expansion, resolved against built-in defaults for every recognised
// key.
package config

import "time"

// YAMLConfig is the raw shape of orchestrator.yaml.
type YAMLConfig struct {
	RunMode       string               `yaml:"run_mode"`
	Messaging     *MessagingYAML       `yaml:"messaging"`
	PlanState     *PlanStateYAML       `yaml:"plan_state"`
	Dedupe        *DedupeYAML          `yaml:"dedupe"`
	Server        *ServerYAML          `yaml:"server"`
	Auth          *AuthYAML            `yaml:"auth"`
	Retention     *RetentionYAML       `yaml:"retention"`
	Observability *ObservabilityYAML   `yaml:"observability"`
}

type MessagingYAML struct {
	Type   string          `yaml:"type"`
	AMQP   *AMQPYAML       `yaml:"amqp"`
	Memory *MemoryYAML     `yaml:"memory"`
	NATS   *NATSYAML       `yaml:"log_based"`
}

type AMQPYAML struct {
	URL                 string `yaml:"url"`
	Prefetch            int    `yaml:"prefetch"`
	MaxAttempts         int    `yaml:"max_attempts"`
	ReconnectMinSeconds int    `yaml:"reconnect_min_seconds"`
	ReconnectMaxSeconds int    `yaml:"reconnect_max_seconds"`
	Tenant              string `yaml:"tenant"`
}

type NATSYAML struct {
	URL                 string `yaml:"url"`
	Partitions          int    `yaml:"partitions"`
	MaxAttempts         int    `yaml:"max_attempts"`
	FetchTimeoutSeconds int    `yaml:"fetch_timeout_seconds"`
	Tenant              string `yaml:"tenant"`
}

type MemoryYAML struct {
	MaxAttempts         int `yaml:"max_attempts"`
	RetryDelayMs        int `yaml:"retry_delay_ms"`
}

type PlanStateYAML struct {
	Backend       string         `yaml:"backend"`
	RetentionMs   int64          `yaml:"retention_ms"`
	File          *FileStateYAML `yaml:"file"`
	Postgres      *PostgresYAML  `yaml:"postgres"`
}

type FileStateYAML struct {
	Path string `yaml:"path"`
}

type PostgresYAML struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
	MinConns int32  `yaml:"min_conns"`
}

type DedupeYAML struct {
	Provider            string `yaml:"provider"`
	SweepIntervalSeconds int   `yaml:"sweep_interval_seconds"`
	RedisKeyPrefix      string `yaml:"redis_key_prefix"`
}

type ServerYAML struct {
	Addr             string              `yaml:"addr"`
	SSEKeepAliveMs   int64               `yaml:"sse_keep_alive_ms"`
	SSEQuotas        *SSEQuotasYAML      `yaml:"sse_quotas"`
	RateLimits       *RateLimitsYAML     `yaml:"rate_limits"`
	CORS             *CORSYAML           `yaml:"cors"`
	TrustedProxyCIDRs []string           `yaml:"trusted_proxy_cidrs"`
	RequestLimits    *RequestLimitsYAML  `yaml:"request_limits"`
}

type SSEQuotasYAML struct {
	PerIP      int `yaml:"per_ip"`
	PerSubject int `yaml:"per_subject"`
}

type RateLimitsYAML struct {
	Plan     *EndpointYAML        `yaml:"plan"`
	Chat     *EndpointYAML        `yaml:"chat"`
	Auth     *EndpointYAML        `yaml:"auth"`
	RemoteFS *EndpointYAML        `yaml:"remote_fs"`
	Backend  *RateLimitBackendYAML `yaml:"backend"`
}

type EndpointYAML struct {
	WindowMs    int64 `yaml:"window_ms"`
	MaxRequests int64 `yaml:"max_requests"`
}

type RateLimitBackendYAML struct {
	Provider string `yaml:"provider"`
}

type CORSYAML struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type RequestLimitsYAML struct {
	JSONBytes       int64 `yaml:"json_bytes"`
	URLEncodedBytes int64 `yaml:"url_encoded_bytes"`
}

type AuthYAML struct {
	OIDC *OIDCYAML `yaml:"oidc"`
}

type OIDCYAML struct {
	Enabled     bool         `yaml:"enabled"`
	TenantClaim string       `yaml:"tenant_claim"`
	Session     *SessionYAML `yaml:"session"`
}

type SessionYAML struct {
	CookieName    string `yaml:"cookie_name"`
	TTLSeconds    int    `yaml:"ttl_seconds"`
}

type RetentionYAML struct {
	PlanArtifactDays int `yaml:"plan_artifacts_days"`
}

type ObservabilityYAML struct {
	Tracing *TracingYAML `yaml:"tracing"`
}

type TracingYAML struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp_grpc", "otlp_http", "stdout"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// Config is the fully resolved, validated configuration this process
// runs with: every recognised key, with built-in defaults applied for
// anything the YAML left unset.
type Config struct {
	RunMode RunMode

	Messaging MessagingConfig
	PlanState PlanStateConfig
	Dedupe    DedupeConfig
	Server    ServerConfig
	Auth      AuthConfig
	Retention RetentionConfig
	Tracing   TracingConfig
}

type MessagingConfig struct {
	Type   MessagingType
	AMQP   AMQPSettings
	NATS   NATSSettings
	Memory MemorySettings
}

type AMQPSettings struct {
	URL          string
	Prefetch     int
	MaxAttempts  int
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Tenant       string
}

type NATSSettings struct {
	URL          string
	Partitions   int
	MaxAttempts  int
	FetchTimeout time.Duration
	Tenant       string
}

type MemorySettings struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

type PlanStateConfig struct {
	Backend     PlanStateBackend
	RetentionMs int64
	FilePath    string
	Postgres    PostgresSettings
}

type PostgresSettings struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

type DedupeConfig struct {
	Provider      KVBackendProvider
	SweepInterval time.Duration
	RedisKeyPrefix string
}

type ServerConfig struct {
	Addr              string
	SSEKeepAlive      time.Duration
	SSEQuotaPerIP     int
	SSEQuotaPerSubject int
	RateLimits        RateLimitsConfig
	CORSAllowedOrigins []string
	TrustedProxyCIDRs []string
	RequestLimits     RequestLimitsConfig
}

type RateLimitsConfig struct {
	Plan     EndpointLimit
	Chat     EndpointLimit
	Auth     EndpointLimit
	RemoteFS EndpointLimit
	Backend  KVBackendProvider
}

type EndpointLimit struct {
	WindowMs    int64
	MaxRequests int64
}

type RequestLimitsConfig struct {
	JSONBytes       int64
	URLEncodedBytes int64
}

type AuthConfig struct {
	OIDCEnabled bool
	TenantClaim string
	CookieName  string
	SessionTTL  time.Duration
	SecureCookies bool
}

type RetentionConfig struct {
	PlanArtifactDays int
}

func (r RetentionConfig) Duration() time.Duration {
	return time.Duration(r.PlanArtifactDays) * 24 * time.Hour
}

type TracingConfig struct {
	Enabled     bool
	Exporter    string
	Endpoint    string
	ServiceName string
}
