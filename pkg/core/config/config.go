// Package config holds the process-wide tunables and the typed per-org
// settings record. Free-form settings blobs are rejected: unknown keys fail
// at decode time.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// Tunables are the process-wide environment tunables.
type Tunables struct {
	DailyBudgetMicros        int64
	MaxUploadSizeBytes       int64
	MaxBatchUploadFiles      int
	PriceTolerancePercent    float64
	AutoApplyThreshold       float64
	AutoApplyGap             float64
	RejectThreshold          int
	AckPollIntervalSeconds   int
	RetentionRunHourUTC      int
	RawDocumentRetentionDays int
	AICallLogRetentionDays   int
	IdempotencyTTLHours      int
}

// FromEnv reads tunables from the environment, applying documented defaults.
func FromEnv() Tunables {
	return Tunables{
		DailyBudgetMicros:        envInt64("DAILY_BUDGET_MICROS", 0),
		MaxUploadSizeBytes:       envInt64("MAX_UPLOAD_SIZE_BYTES", 104_857_600),
		MaxBatchUploadFiles:      envInt("MAX_BATCH_UPLOAD_FILES", 10),
		PriceTolerancePercent:    envFloat("PRICE_TOLERANCE_PERCENT", 5),
		AutoApplyThreshold:       envFloat("AUTO_APPLY_THRESHOLD", 0.92),
		AutoApplyGap:             envFloat("AUTO_APPLY_GAP", 0.10),
		RejectThreshold:          envInt("REJECT_THRESHOLD", 5),
		AckPollIntervalSeconds:   envInt("ACK_POLL_INTERVAL_SECONDS", 60),
		RetentionRunHourUTC:      envInt("RETENTION_RUN_HOUR_UTC", 2),
		RawDocumentRetentionDays: envInt("RAW_DOCUMENT_RETENTION_DAYS", 365),
		AICallLogRetentionDays:   envInt("AI_CALL_LOG_RETENTION_DAYS", 90),
		IdempotencyTTLHours:      envInt("IDEMPOTENCY_TTL_HOURS", 24),
	}
}

// OrgSettings is the typed per-org settings record. Every field is optional;
// zero values fall back to the process tunables via Resolve.
type OrgSettings struct {
	RawDocumentRetentionDays int     `json:"raw_document_retention_days,omitempty"`
	PriceTolerancePercent    float64 `json:"price_tolerance_percent,omitempty"`
	AutoApplyThreshold       float64 `json:"auto_apply_threshold,omitempty"`
	AutoApplyGap             float64 `json:"auto_apply_gap,omitempty"`
	RejectThreshold          int     `json:"reject_threshold,omitempty"`
	DailyBudgetMicros        int64   `json:"daily_budget_micros,omitempty"`
	AckPollIntervalSeconds   int     `json:"ack_poll_interval_seconds,omitempty"`
	EmbeddingsEnabled        bool    `json:"embeddings_enabled,omitempty"`
	ExportBackoffCapSeconds  int     `json:"export_backoff_cap_seconds,omitempty"`

	// ERPConnectionID names the dropzone connection stamped on exports.
	ERPConnectionID string `json:"erp_connection_id,omitempty"`
}

// DecodeOrgSettings parses a settings document strictly: unknown keys are a
// write-time error, never silently kept.
func DecodeOrgSettings(data []byte) (OrgSettings, error) {
	var s OrgSettings
	if len(data) == 0 {
		return s, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return OrgSettings{}, fmt.Errorf("invalid org settings: %w", err)
	}
	return s, nil
}

// Resolve overlays org settings on the process tunables. Zero-valued org
// fields keep the process default; a zero daily budget means unlimited and is
// therefore only taken from the org when explicitly set.
func (s OrgSettings) Resolve(t Tunables) Tunables {
	out := t
	if s.RawDocumentRetentionDays > 0 {
		out.RawDocumentRetentionDays = s.RawDocumentRetentionDays
	}
	if s.PriceTolerancePercent > 0 {
		out.PriceTolerancePercent = s.PriceTolerancePercent
	}
	if s.AutoApplyThreshold > 0 {
		out.AutoApplyThreshold = s.AutoApplyThreshold
	}
	if s.AutoApplyGap > 0 {
		out.AutoApplyGap = s.AutoApplyGap
	}
	if s.RejectThreshold > 0 {
		out.RejectThreshold = s.RejectThreshold
	}
	if s.DailyBudgetMicros > 0 {
		out.DailyBudgetMicros = s.DailyBudgetMicros
	}
	if s.AckPollIntervalSeconds > 0 {
		out.AckPollIntervalSeconds = s.AckPollIntervalSeconds
	}
	return out
}

// App is the deployment config for the worker process, loaded from YAML.
type App struct {
	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3Region    string `yaml:"s3_region"`
	Dropzone    struct {
		Kind     string `yaml:"kind"` // "sftp" or "filesystem"
		Path     string `yaml:"path"`
		AckPath  string `yaml:"ack_path"`
		Host     string `yaml:"host"`
		User     string `yaml:"user"`
		KeyFile  string `yaml:"key_file"`
		Password string `yaml:"password"`
	} `yaml:"dropzone"`
	LLM struct {
		Provider string `yaml:"provider"` // "gemini" (default), "deepseek" or "qwen"
		Model    string `yaml:"model"`    // empty keeps the provider's default
	} `yaml:"llm"`
	EmbeddingModel string `yaml:"embedding_model"`
}

// LoadApp reads an App config from a YAML file. Environment variables
// DATABASE_URL and REDIS_ADDR override the file when present.
func LoadApp(path string) (*App, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var app App
	if err := yaml.Unmarshal(raw, &app); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		app.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		app.RedisAddr = v
	}
	return &app, nil
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
