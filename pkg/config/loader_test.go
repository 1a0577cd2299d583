package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orchestrator.yaml"), []byte(body), 0o600))
}

func TestInitializeAppliesDefaultsForUnsetKeys(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "run_mode: development\n")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, RunModeDevelopment, cfg.RunMode)
	assert.Equal(t, MessagingMemory, cfg.Messaging.Type)
	assert.Equal(t, PlanStateFile, cfg.PlanState.Backend)
	assert.Equal(t, int64(15_000), cfg.Server.SSEKeepAlive.Milliseconds())
}

func TestInitializeMissingFileIsLoadError(t *testing.T) {
	_, err := Initialize(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestInitializeExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("TEST_AMQP_URL", "amqp://guest@broker:5672/")
	dir := t.TempDir()
	writeConfig(t, dir, "messaging:\n  type: amqp\n  amqp:\n    url: ${TEST_AMQP_URL}\n")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "amqp://guest@broker:5672/", cfg.Messaging.AMQP.URL)
}

func TestInitializeRejectsInvalidEnum(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "messaging:\n  type: carrier_pigeon\n")

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestInitializeEnterpriseRequiresOIDC(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "run_mode: enterprise\n")

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestInitializeEnterpriseWithOIDCEnabledPasses(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "run_mode: enterprise\nauth:\n  oidc:\n    enabled: true\n")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, cfg.Auth.SecureCookies)
}

func TestRateLimitEndpointOverridePreservesUnsetField(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "server:\n  rate_limits:\n    plan:\n      max_requests: 5\n")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.EqualValues(t, 5, cfg.Server.RateLimits.Plan.MaxRequests)
	assert.EqualValues(t, 60_000, cfg.Server.RateLimits.Plan.WindowMs, "window_ms left unset must keep its default")
}
