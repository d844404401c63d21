package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHasSaneDefaults(t *testing.T) {
	cfg := New()
	assert.Equal(t, 8086, cfg.Server.Port)
	assert.Equal(t, "EUR", cfg.Anastasis.Currency)
	assert.True(t, cfg.AuthMethod["question"].Enabled)
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
server:
  host: 127.0.0.1
  port: 9999
anastasis:
  business_name: Test Provider
  annual_fee_cents: 499
`), 0o644))

	cfg := New()
	require.NoError(t, loadFromFile(yamlPath, cfg))

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "Test Provider", cfg.Anastasis.BusinessName)
	assert.Equal(t, int64(499), cfg.Anastasis.AnnualFeeCents)
}

func TestLoadHandlesMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", "non-existent.yaml")
	_, err := Load()
	require.NoError(t, err)
}

func TestApplyAuthMethodEnvOverridesCost(t *testing.T) {
	t.Setenv("AUTHORIZATION_SMS_ENABLED", "true")
	t.Setenv("AUTHORIZATION_SMS_COST", "150")

	cfg := New()
	applyAuthMethodEnv(cfg)

	m := cfg.AuthMethod["sms"]
	assert.True(t, m.Enabled)
	assert.Equal(t, int64(150), m.CostCents)
}
