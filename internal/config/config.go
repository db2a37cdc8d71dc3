package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/basket/newsgraph/internal/candidates"
	"github.com/basket/newsgraph/internal/llm"
	"github.com/basket/newsgraph/internal/otel"
	"github.com/basket/newsgraph/internal/snapshot"
)

const envPrefix = "NEWSGRAPH_"

type ReviewConfig struct {
	Workers            int     `yaml:"workers"`
	PollIntervalMillis int     `yaml:"poll_interval_ms"`
	TaskTimeoutSeconds int     `yaml:"task_timeout_seconds"`
	MaxTasks           int     `yaml:"max_tasks"`
	RatePerSecond      float64 `yaml:"rate_per_second"`
	Burst              int     `yaml:"burst"`
	StaleMinutes       int     `yaml:"stale_minutes"`
	RequeueCron        string  `yaml:"requeue_cron"`
	MaxApply           int     `yaml:"max_apply"`
}

func (r ReviewConfig) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalMillis) * time.Millisecond
}

func (r ReviewConfig) TaskTimeout() time.Duration {
	return time.Duration(r.TaskTimeoutSeconds) * time.Second
}

type SemanticConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Model    string `yaml:"model"`
	ModelDir string `yaml:"model_dir"`
}

type CandidatesConfig struct {
	Entities candidates.EntityParams `yaml:"entities"`
	Events   candidates.EventParams  `yaml:"events"`
	Semantic SemanticConfig          `yaml:"semantic"`
}

type DedupConfig struct {
	Threshold int `yaml:"threshold"`
}

type SnapshotConfig struct {
	snapshot.Params `yaml:",inline"`

	Dir string `yaml:"dir"`
	// Cron, when set, rewrites the snapshot files on that schedule.
	Cron string `yaml:"cron"`
}

type RetryConfig struct {
	MaxRetries      int    `yaml:"max_retries"`
	BaseDelayMillis int    `yaml:"base_delay_ms"`
	MaxDelaySeconds int    `yaml:"max_delay_seconds"`
	Strategy        string `yaml:"strategy"`
}

type BreakerConfig struct {
	FailureThreshold       int `yaml:"failure_threshold"`
	RecoveryTimeoutSeconds int `yaml:"recovery_timeout_seconds"`
	HalfOpenMaxCalls       int `yaml:"half_open_max_calls"`
}

// LLMConfig selects and orders the adjudication providers. Order names
// keys of Providers (or built-in specs); the first healthy one is used.
type LLMConfig struct {
	Order       []string                    `yaml:"order"`
	Providers   map[string]llm.ProviderSpec `yaml:"providers"`
	MaxTokens   int                         `yaml:"max_tokens"`
	Temperature *float64                    `yaml:"temperature"`
	Retry       RetryConfig                 `yaml:"retry"`
	Breaker     BreakerConfig               `yaml:"breaker"`
}

type GatewayConfig struct {
	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`
	JWTSecret string `yaml:"jwt_secret"`
	// RatePerSecond is the per-client request budget; 0 disables limiting.
	RatePerSecond float64  `yaml:"rate_per_second"`
	Burst         int      `yaml:"burst"`
	AllowOrigins  []string `yaml:"allow_origins"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath              string `yaml:"db_path"`
	DataDir             string `yaml:"data_dir"`
	LogLevel            string `yaml:"log_level"`
	DrainTimeoutSeconds int    `yaml:"drain_timeout_seconds"`

	Review     ReviewConfig     `yaml:"review"`
	Candidates CandidatesConfig `yaml:"candidates"`
	Dedup      DedupConfig      `yaml:"dedup"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	LLM        LLMConfig        `yaml:"llm"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Telemetry  otel.Config      `yaml:"telemetry"`
}

// ProviderSpecs resolves Order against the configured and built-in specs.
// Unknown names are skipped.
func (c Config) ProviderSpecs() []llm.ProviderSpec {
	builtin := llm.DefaultProviderSpecs()
	var out []llm.ProviderSpec
	for _, name := range c.LLM.Order {
		spec, ok := c.LLM.Providers[name]
		if !ok {
			spec, ok = builtin[name]
		}
		if !ok {
			continue
		}
		if spec.Name == "" {
			spec.Name = name
		}
		out = append(out, spec)
	}
	return out
}

func (c Config) RetryConfig() llm.RetryConfig {
	return llm.RetryConfig{
		MaxRetries: c.LLM.Retry.MaxRetries,
		BaseDelay:  time.Duration(c.LLM.Retry.BaseDelayMillis) * time.Millisecond,
		MaxDelay:   time.Duration(c.LLM.Retry.MaxDelaySeconds) * time.Second,
		Strategy:   llm.RetryStrategy(c.LLM.Retry.Strategy),
	}
}

func (c Config) BreakerConfig() llm.BreakerConfig {
	return llm.BreakerConfig{
		FailureThreshold: c.LLM.Breaker.FailureThreshold,
		RecoveryTimeout:  time.Duration(c.LLM.Breaker.RecoveryTimeoutSeconds) * time.Second,
		HalfOpenMaxCalls: c.LLM.Breaker.HalfOpenMaxCalls,
	}
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// EnvPath returns the path to the optional .env file within the home directory.
func EnvPath(homeDir string) string {
	return filepath.Join(homeDir, ".env")
}

// Fingerprint returns a stable hash of the settings that matter at runtime.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|log=%s|workers=%d|timeout=%d|rate=%g/%d|order=%v|bind=%s|snap=%+v",
		c.DBPath, c.LogLevel, c.Review.Workers, c.Review.TaskTimeoutSeconds,
		c.Review.RatePerSecond, c.Review.Burst, c.LLM.Order, c.Gateway.BindAddr, c.Snapshot.Params)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		Review: ReviewConfig{
			Workers:            4,
			PollIntervalMillis: 100,
			TaskTimeoutSeconds: 120,
			MaxTasks:           20,
			RatePerSecond:      0.5,
			Burst:              1,
			StaleMinutes:       10,
			RequeueCron:        "*/5 * * * *",
			MaxApply:           50,
		},
		Candidates: CandidatesConfig{
			Entities: candidates.DefaultEntityParams(),
			Events:   candidates.DefaultEventParams(),
			Semantic: SemanticConfig{Model: candidates.DefaultEmbeddingModel},
		},
		Dedup:    DedupConfig{Threshold: 3},
		Snapshot: SnapshotConfig{Params: snapshot.DefaultParams()},
		LLM: LLMConfig{
			Order:       []string{"openai", "kimi", "aliyun"},
			MaxTokens:   1400,
			Temperature: llm.Temp(0.2),
		},
		Gateway: GatewayConfig{
			BindAddr:      "127.0.0.1:18790",
			RatePerSecond: 10,
			Burst:         20,
		},
		Telemetry: otel.Config{Exporter: "none", ServiceName: "newsgraph", SampleRate: 1},
	}
}

func HomeDir() string {
	if override := os.Getenv(envPrefix + "HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".newsgraph")
}

// Load reads .env from the working directory, then config.yaml from the
// home directory, then NEWSGRAPH_* overrides.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	// A missing .env is the common case. Values already in the environment
	// win, so the working directory file overrides the home one.
	_ = godotenv.Load()
	_ = godotenv.Load(EnvPath(cfg.HomeDir))

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create newsgraph home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	d := defaultConfig()
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "newsgraph.db")
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(cfg.HomeDir, "data")
	}
	if cfg.Snapshot.Dir == "" {
		cfg.Snapshot.Dir = filepath.Join(cfg.DataDir, "snapshots")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = d.DrainTimeoutSeconds
	}

	r := &cfg.Review
	if r.Workers <= 0 {
		r.Workers = d.Review.Workers
	}
	if r.PollIntervalMillis <= 0 {
		r.PollIntervalMillis = d.Review.PollIntervalMillis
	}
	if r.TaskTimeoutSeconds <= 0 {
		r.TaskTimeoutSeconds = d.Review.TaskTimeoutSeconds
	}
	if r.MaxTasks <= 0 {
		r.MaxTasks = d.Review.MaxTasks
	}
	if r.RatePerSecond < 0 {
		r.RatePerSecond = 0
	}
	if r.Burst <= 0 {
		r.Burst = d.Review.Burst
	}
	if r.StaleMinutes <= 0 {
		r.StaleMinutes = d.Review.StaleMinutes
	}
	if strings.TrimSpace(r.RequeueCron) == "" {
		r.RequeueCron = d.Review.RequeueCron
	}
	if r.MaxApply <= 0 {
		r.MaxApply = d.Review.MaxApply
	}

	if cfg.Dedup.Threshold < 0 {
		cfg.Dedup.Threshold = d.Dedup.Threshold
	}
	if cfg.Candidates.Semantic.Model == "" {
		cfg.Candidates.Semantic.Model = d.Candidates.Semantic.Model
	}
	if cfg.Candidates.Semantic.ModelDir == "" {
		cfg.Candidates.Semantic.ModelDir = filepath.Join(cfg.HomeDir, "models")
	}

	if len(cfg.LLM.Order) == 0 {
		cfg.LLM.Order = d.LLM.Order
	}
	if cfg.LLM.MaxTokens <= 0 {
		cfg.LLM.MaxTokens = d.LLM.MaxTokens
	}
	// Zero is a valid, deterministic setting; only unset or negative
	// values fall back.
	if cfg.LLM.Temperature == nil || *cfg.LLM.Temperature < 0 {
		cfg.LLM.Temperature = d.LLM.Temperature
	}

	if cfg.Gateway.BindAddr == "" {
		cfg.Gateway.BindAddr = d.Gateway.BindAddr
	}
	if cfg.Gateway.Burst <= 0 {
		cfg.Gateway.Burst = d.Gateway.Burst
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = d.Telemetry.ServiceName
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = d.Telemetry.Exporter
	}
}

func envInt(name string, dst *int) {
	if raw := os.Getenv(envPrefix + name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

func envFloat(name string, dst *float64) {
	if raw := os.Getenv(envPrefix + name); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			*dst = v
		}
	}
}

func envString(name string, dst *string) {
	if raw := os.Getenv(envPrefix + name); raw != "" {
		*dst = raw
	}
}

func applyEnvOverrides(cfg *Config) {
	envString("DB_PATH", &cfg.DBPath)
	envString("DATA_DIR", &cfg.DataDir)
	envString("LOG_LEVEL", &cfg.LogLevel)
	envInt("REVIEW_WORKERS", &cfg.Review.Workers)
	envInt("REVIEW_TASK_TIMEOUT_SECONDS", &cfg.Review.TaskTimeoutSeconds)
	envFloat("REVIEW_RATE_PER_SECOND", &cfg.Review.RatePerSecond)
	envInt("REVIEW_BURST", &cfg.Review.Burst)
	envInt("DEDUP_THRESHOLD", &cfg.Dedup.Threshold)
	envString("SNAPSHOT_DIR", &cfg.Snapshot.Dir)
	envString("BIND_ADDR", &cfg.Gateway.BindAddr)
	envString("AUTH_TOKEN", &cfg.Gateway.AuthToken)
	envString("JWT_SECRET", &cfg.Gateway.JWTSecret)
	envString("OTEL_ENDPOINT", &cfg.Telemetry.Endpoint)
	if raw := os.Getenv(envPrefix + "LLM_ORDER"); raw != "" {
		var order []string
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				order = append(order, name)
			}
		}
		cfg.LLM.Order = order
	}
	if raw := os.Getenv(envPrefix + "SEMANTIC"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Candidates.Semantic.Enabled = v
		}
	}
}
