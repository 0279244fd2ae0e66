package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("DAILY_BUDGET_MICROS", "")
	tun := FromEnv()
	assert.Equal(t, int64(104_857_600), tun.MaxUploadSizeBytes)
	assert.Equal(t, 10, tun.MaxBatchUploadFiles)
	assert.Equal(t, 5.0, tun.PriceTolerancePercent)
	assert.Equal(t, 0.92, tun.AutoApplyThreshold)
	assert.Equal(t, 0.10, tun.AutoApplyGap)
	assert.Equal(t, 5, tun.RejectThreshold)
	assert.Equal(t, 60, tun.AckPollIntervalSeconds)
	assert.Equal(t, 2, tun.RetentionRunHourUTC)
	assert.Equal(t, 365, tun.RawDocumentRetentionDays)
	assert.Equal(t, 90, tun.AICallLogRetentionDays)
	assert.Equal(t, 24, tun.IdempotencyTTLHours)
}

func TestFromEnvOverride(t *testing.T) {
	t.Setenv("AUTO_APPLY_THRESHOLD", "0.95")
	t.Setenv("DAILY_BUDGET_MICROS", "5000000")
	tun := FromEnv()
	assert.Equal(t, 0.95, tun.AutoApplyThreshold)
	assert.Equal(t, int64(5_000_000), tun.DailyBudgetMicros)
}

func TestDecodeOrgSettingsRejectsUnknownKeys(t *testing.T) {
	_, err := DecodeOrgSettings([]byte(`{"price_tolerance_percent": 3, "frobnicate": true}`))
	require.Error(t, err)

	s, err := DecodeOrgSettings([]byte(`{"price_tolerance_percent": 3, "embeddings_enabled": true}`))
	require.NoError(t, err)
	assert.Equal(t, 3.0, s.PriceTolerancePercent)
	assert.True(t, s.EmbeddingsEnabled)
}

func TestLoadAppModelSelection(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "")
	path := filepath.Join(t.TempDir(), "orderflow.yaml")
	raw := "database_url: postgres://localhost/orderflow\n" +
		"llm:\n  provider: deepseek\n  model: deepseek-chat\n" +
		"embedding_model: text-embedding-004\n"
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	app, err := LoadApp(path)
	require.NoError(t, err)
	assert.Equal(t, "deepseek", app.LLM.Provider)
	assert.Equal(t, "deepseek-chat", app.LLM.Model)
	assert.Equal(t, "text-embedding-004", app.EmbeddingModel)
}

func TestResolveOverlaysOrgSettings(t *testing.T) {
	base := FromEnv()
	s := OrgSettings{PriceTolerancePercent: 2.5, RejectThreshold: 3}
	got := s.Resolve(base)
	assert.Equal(t, 2.5, got.PriceTolerancePercent)
	assert.Equal(t, 3, got.RejectThreshold)
	// Untouched fields keep process defaults.
	assert.Equal(t, base.AutoApplyThreshold, got.AutoApplyThreshold)
}
