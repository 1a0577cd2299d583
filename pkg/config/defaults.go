package config

import "time"

// defaultConfig returns a fully populated Config with every recognised
// key set to a safe development-mode default. Loading merges the user's
// YAML on top of this.
func defaultConfig() *Config {
	return &Config{
		RunMode: RunModeDevelopment,
		Messaging: MessagingConfig{
			Type: MessagingMemory,
			AMQP: AMQPSettings{
				Prefetch:     1,
				MaxAttempts:  5,
				ReconnectMin: time.Second,
				ReconnectMax: 30 * time.Second,
			},
			NATS: NATSSettings{
				Partitions:   1,
				MaxAttempts:  5,
				FetchTimeout: 5 * time.Second,
			},
			Memory: MemorySettings{
				MaxAttempts: 5,
				RetryDelay:  50 * time.Millisecond,
			},
		},
		PlanState: PlanStateConfig{
			Backend:  PlanStateFile,
			FilePath: "plan-state.json",
			Postgres: PostgresSettings{MaxConns: 10, MinConns: 1},
		},
		Dedupe: DedupeConfig{
			Provider:      KVBackendMemory,
			SweepInterval: time.Minute,
			RedisKeyPrefix: "dedupe:",
		},
		Server: ServerConfig{
			Addr:         ":8080",
			SSEKeepAlive: 15 * time.Second,
			SSEQuotaPerIP: 20,
			SSEQuotaPerSubject: 5,
			RateLimits: RateLimitsConfig{
				Plan:     EndpointLimit{WindowMs: 60_000, MaxRequests: 60},
				Chat:     EndpointLimit{WindowMs: 60_000, MaxRequests: 120},
				Auth:     EndpointLimit{WindowMs: 60_000, MaxRequests: 30},
				RemoteFS: EndpointLimit{WindowMs: 60_000, MaxRequests: 30},
				Backend:  KVBackendMemory,
			},
			CORSAllowedOrigins: nil,
			RequestLimits: RequestLimitsConfig{
				JSONBytes:       1 << 20,
				URLEncodedBytes: 1 << 18,
			},
		},
		Auth: AuthConfig{
			OIDCEnabled:   false,
			CookieName:    "session_id",
			SessionTTL:    8 * time.Hour,
			SecureCookies: false,
		},
		Retention: RetentionConfig{
			PlanArtifactDays: 30,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "otlp_grpc",
			ServiceName: "orchestrator",
		},
	}
}
