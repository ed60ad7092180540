package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultWeightsSumToOne(t *testing.T) {
	cfg := Default()
	assert.InDelta(t, 1.0, cfg.Fraud.Weights.Sum(), weightSumTolerance)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Fraud.BlockThreshold)
	assert.Equal(t, "/api/v1/submissions", cfg.Routes.SubmissionsPath)
}

func TestLoadYamlOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  port: "9090"
  environment: production
fraud:
  block_threshold: 70
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 70, cfg.Fraud.BlockThreshold)
	// Untouched sections keep their defaults.
	assert.Equal(t, []int{3600, 14400, 28800, 43200, 86400}, cfg.Fraud.ProgressiveTimeoutsSeconds)
}

func TestFraudConfigEnvOverride(t *testing.T) {
	t.Setenv("FRAUD_CONFIG", `{"blockThreshold":65,"ipDiversityThreshold":3}`)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 65, cfg.Fraud.BlockThreshold)
	assert.Equal(t, 3, cfg.Fraud.IPDiversityThreshold)
	// JSON override merges onto defaults rather than replacing them.
	assert.Equal(t, 0.35, cfg.Fraud.Weights.TokenReplay)
}

func TestErfidAndRoutesEnvOverride(t *testing.T) {
	t.Setenv("ERFID_CONFIG", `{"prefix":"req","format":"nano","includeTimestamp":true}`)
	t.Setenv("ROUTES", `{"submissionsPath":"/forms/register","fields":[{"field":"email","paths":["email"],"type":"email","required":true}]}`)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "req", cfg.Erfid.Prefix)
	assert.Equal(t, "nano", cfg.Erfid.Format)
	assert.True(t, cfg.Erfid.IncludeTimestamp)
	assert.Equal(t, "/forms/register", cfg.Routes.SubmissionsPath)
	require.Len(t, cfg.Routes.Fields, 1)
	assert.Equal(t, "email", cfg.Routes.Fields[0].Field)
}

func TestScalarEnvOverrides(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com, https://www.example.com")
	t.Setenv("TURNSTILE_SECRET_KEY", "0xsecret")
	t.Setenv("X_API_KEY", "op-key")
	t.Setenv("ALLOW_TESTING_BYPASS", "TRUE")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://app.example.com", "https://www.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "0xsecret", cfg.Captcha.SecretKey)
	assert.Equal(t, "op-key", cfg.Server.APIKey)
	assert.True(t, cfg.Server.AllowTestingBypass)
}

func TestHyphenatedEnvSpellings(t *testing.T) {
	t.Setenv("TURNSTILE-SECRET-KEY", "0xhyphen")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "0xhyphen", cfg.Captcha.SecretKey)
}

func TestValidateRejectsBadWeights(t *testing.T) {
	cfg := Default()
	cfg.Fraud.Weights.IPRate = 0.5 // pushes the sum past 1.0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weights sum")
}

func TestValidateRejectsDecreasingSchedule(t *testing.T) {
	cfg := Default()
	cfg.Fraud.ProgressiveTimeoutsSeconds = []int{3600, 1800}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-decreasing")
}

func TestValidateRejectsUnknownErfidFormat(t *testing.T) {
	cfg := Default()
	cfg.Erfid.Format = "ulid"

	require.Error(t, cfg.Validate())
}

func TestManagerRoutesTTLAndInvalidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`routes:
  submissions_path: /v1/register
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	mgr := NewManager(cfg, path)
	mgr.SetTTL(time.Hour)

	assert.Equal(t, "/v1/register", mgr.Routes().SubmissionsPath)

	// A disk change is not visible until the TTL lapses or Invalidate runs.
	require.NoError(t, os.WriteFile(path, []byte(`routes:
  submissions_path: /v2/register
`), 0o644))
	assert.Equal(t, "/v1/register", mgr.Routes().SubmissionsPath)

	mgr.Invalidate()
	assert.Equal(t, "/v2/register", mgr.Routes().SubmissionsPath)
}

func TestManagerKeepsLastGoodConfigOnReloadFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`routes:
  submissions_path: /v1/register
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	mgr := NewManager(cfg, path)

	// Corrupt the file, then force re-resolution.
	require.NoError(t, os.WriteFile(path, []byte(":::not yaml"), 0o644))
	mgr.Invalidate()

	assert.Equal(t, "/v1/register", mgr.Routes().SubmissionsPath)
}
