package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/menta2k/preview-kit/internal/logging"
	"github.com/menta2k/preview-kit/pkg/cropper"
	"github.com/menta2k/preview-kit/pkg/generation"
	"github.com/menta2k/preview-kit/pkg/smartcrop"
	"github.com/menta2k/preview-kit/pkg/store"
	"github.com/menta2k/preview-kit/pkg/vision"
	"github.com/menta2k/preview-kit/pkg/watermark"
)

// Config holds the application configuration
type Config struct {
	Detection    DetectionConfig    `json:"detection"`
	Crop         CropConfig         `json:"crop"`
	Generation   GenerationConfig   `json:"generation"`
	Poller       PollerConfig       `json:"poller"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Watermark    WatermarkConfig    `json:"watermark"`
	Store        StoreConfig        `json:"store"`
	Log          LogConfig          `json:"log"`
	Output       OutputConfig       `json:"output"`
}

// DetectionConfig holds configuration for subject detection
type DetectionConfig struct {
	// Backend is "saliency", "ollama" or "llamacpp"
	Backend            string  `json:"backend"`
	BlockSize          int     `json:"block_size"`
	SaliencyThreshold  float64 `json:"saliency_threshold"`
	FallbackCoverage   float64 `json:"fallback_coverage"`
	FallbackConfidence float64 `json:"fallback_confidence"`
	ModelURL           string  `json:"model_url"`
	Model              string  `json:"model"`
	MinConfidence      float64 `json:"min_confidence"`
	TimeoutSeconds     int     `json:"timeout_seconds"`
}

// CropConfig holds configuration for aspect-ratio expansion and encoding
type CropConfig struct {
	ExpansionFactor    float64 `json:"expansion_factor"`
	SquareCoverage     float64 `json:"square_coverage"`
	VerticalCoverage   float64 `json:"vertical_coverage"`
	HorizontalCoverage float64 `json:"horizontal_coverage"`
	Quality            int     `json:"quality"`
	Debug              bool    `json:"debug"`
}

// GenerationConfig holds the remote rendering service endpoint
type GenerationConfig struct {
	APIURL         string `json:"api_url"`
	APIKey         string `json:"api_key,omitempty"`
	SubmitPath     string `json:"submit_path"`
	StatusPath     string `json:"status_path"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// PollerConfig holds the job polling schedule
type PollerConfig struct {
	MaxAttempts    int `json:"max_attempts"`
	InitialDelayMs int `json:"initial_delay_ms"`
	BackoffStepMs  int `json:"backoff_step_ms"`
	MaxDelayMs     int `json:"max_delay_ms"`
}

// OrchestratorConfig holds timeout tiers and the retry policy
type OrchestratorConfig struct {
	FastSeconds      int    `json:"fast_seconds"`
	NormalSeconds    int    `json:"normal_seconds"`
	ExtendedSeconds  int    `json:"extended_seconds"`
	RetryDelaysMs    []int  `json:"retry_delays_ms"`
	EscalationBytes  int    `json:"escalation_bytes"`
	MaxRetries       int    `json:"max_retries"`
	DefaultTier      string `json:"default_tier"`
	RetryJobFailures bool   `json:"retry_job_failures"`
}

// WatermarkConfig holds the watermark asset and compositing style
type WatermarkConfig struct {
	AssetPath      string  `json:"asset_path"`
	Scale          float64 `json:"scale"`
	Alpha          float64 `json:"alpha"`
	ShadowSigma    float64 `json:"shadow_sigma"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	Workers        int     `json:"workers"`
	Background     bool    `json:"background"`
}

// StoreConfig holds the Redis connection used for preview records
type StoreConfig struct {
	RedisAddr     string `json:"redis_addr"`
	RedisUsername string `json:"redis_username,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db"`
	UseTLS        bool   `json:"use_tls"`
	KeyPrefix     string `json:"key_prefix"`
	TTLHours      int    `json:"ttl_hours"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level       string `json:"level"`
	File        string `json:"file"`
	Development bool   `json:"development"`
}

// OutputConfig holds configuration for output generation
type OutputConfig struct {
	DefaultFormat string `json:"default_format"`
	OutputDir     string `json:"output_dir"`
	Prefix        string `json:"prefix"`
	Suffix        string `json:"suffix"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Detection: DetectionConfig{
			Backend:            "saliency",
			BlockSize:          32,
			SaliencyThreshold:  0.3,
			FallbackCoverage:   0.8,
			FallbackConfidence: 0.5,
			ModelURL:           "http://localhost:11434",
			Model:              "qwen2.5vl:7b",
			MinConfidence:      0.3,
			TimeoutSeconds:     60,
		},
		Crop: CropConfig{
			ExpansionFactor:    2.5,
			SquareCoverage:     0.9,
			VerticalCoverage:   0.85,
			HorizontalCoverage: 0.85,
			Quality:            90,
		},
		Generation: GenerationConfig{
			SubmitPath:     "/generate-preview",
			StatusPath:     "/preview-status",
			TimeoutSeconds: 90,
		},
		Poller: PollerConfig{
			MaxAttempts:    30,
			InitialDelayMs: 500,
			BackoffStepMs:  250,
			MaxDelayMs:     4000,
		},
		Orchestrator: OrchestratorConfig{
			FastSeconds:     15,
			NormalSeconds:   30,
			ExtendedSeconds: 60,
			RetryDelaysMs:   []int{2000, 5000},
			EscalationBytes: 4 << 20,
			MaxRetries:      2,
			DefaultTier:     string(generation.TierNormal),
		},
		Watermark: WatermarkConfig{
			Scale:          0.8,
			Alpha:          0.5,
			ShadowSigma:    4,
			TimeoutSeconds: 30,
			Workers:        1,
			Background:     true,
		},
		Store: StoreConfig{
			KeyPrefix: "preview",
			TTLHours:  24 * 30,
		},
		Log: LogConfig{
			Level: "info",
		},
		Output: OutputConfig{
			DefaultFormat: "jpg",
			OutputDir:     "./output",
			Prefix:        "",
			Suffix:        "_cropped",
		},
	}
}

// LoadFromFile loads configuration from a JSON file. Fields missing from the
// file keep their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv loads the given dotenv files (".env" when none are given),
// skipping those that do not exist, and overrides settings from the
// environment. Variables already set in the environment win over the files.
func (c *Config) ApplyEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	setString(&c.Generation.APIURL, "PREVIEW_API_URL")
	setString(&c.Generation.APIKey, "PREVIEW_API_KEY")
	setString(&c.Store.RedisAddr, "REDIS_ADDR")
	setString(&c.Store.RedisPassword, "REDIS_PASSWORD")
	setString(&c.Watermark.AssetPath, "WATERMARK_PATH")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.File, "LOG_FILE")
	setString(&c.Detection.ModelURL, "MODEL_URL")

	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB must be an integer: %w", err)
		}
		c.Store.RedisDB = db
	}
	if env := strings.ToLower(os.Getenv("APP_ENV")); env != "" {
		c.Log.Development = env == "development" || env == "dev" || env == "local"
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if !slices.Contains([]string{"saliency", "ollama", "llamacpp"}, c.Detection.Backend) {
		return fmt.Errorf("detection.backend must be saliency, ollama or llamacpp")
	}

	if c.Detection.BlockSize < 1 {
		return fmt.Errorf("detection.block_size must be positive")
	}

	if err := unit("detection.saliency_threshold", c.Detection.SaliencyThreshold); err != nil {
		return err
	}

	if c.Detection.FallbackCoverage <= 0 || c.Detection.FallbackCoverage > 1 {
		return fmt.Errorf("detection.fallback_coverage must be in (0, 1]")
	}

	if err := unit("detection.min_confidence", c.Detection.MinConfidence); err != nil {
		return err
	}

	if c.Crop.ExpansionFactor < 1 {
		return fmt.Errorf("crop.expansion_factor must be at least 1")
	}

	for name, v := range map[string]float64{
		"crop.square_coverage":     c.Crop.SquareCoverage,
		"crop.vertical_coverage":   c.Crop.VerticalCoverage,
		"crop.horizontal_coverage": c.Crop.HorizontalCoverage,
		"watermark.scale":          c.Watermark.Scale,
		"watermark.alpha":          c.Watermark.Alpha,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%s must be in (0, 1]", name)
		}
	}

	if c.Crop.Quality < 1 || c.Crop.Quality > 100 {
		return fmt.Errorf("crop.quality must be between 1 and 100")
	}

	if c.Poller.MaxAttempts < 1 {
		return fmt.Errorf("poller.max_attempts must be positive")
	}

	if c.Poller.InitialDelayMs < 0 || c.Poller.BackoffStepMs < 0 || c.Poller.MaxDelayMs < 0 {
		return fmt.Errorf("poller delays cannot be negative")
	}

	o := c.Orchestrator
	if o.FastSeconds < 1 || o.NormalSeconds < 1 || o.ExtendedSeconds < 1 {
		return fmt.Errorf("orchestrator tier budgets must be positive")
	}

	if o.FastSeconds > o.NormalSeconds || o.NormalSeconds > o.ExtendedSeconds {
		return fmt.Errorf("orchestrator tiers must satisfy fast <= normal <= extended")
	}

	if o.MaxRetries < 0 {
		return fmt.Errorf("orchestrator.max_retries cannot be negative")
	}

	switch generation.Tier(o.DefaultTier) {
	case generation.TierFast, generation.TierNormal, generation.TierExtended:
	default:
		return fmt.Errorf("orchestrator.default_tier must be fast, normal or extended")
	}

	if c.Watermark.TimeoutSeconds < 1 {
		return fmt.Errorf("watermark.timeout_seconds must be positive")
	}

	return nil
}

func unit(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s must be between 0 and 1", name)
	}
	return nil
}

// VisionConfig returns the saliency detector settings
func (c *Config) VisionConfig() vision.DetectionConfig {
	return vision.DetectionConfig{
		BlockSize:          c.Detection.BlockSize,
		SaliencyThreshold:  c.Detection.SaliencyThreshold,
		FallbackCoverage:   c.Detection.FallbackCoverage,
		FallbackConfidence: c.Detection.FallbackConfidence,
	}
}

// SmartCropConfig returns the crop engine settings
func (c *Config) SmartCropConfig() smartcrop.Config {
	return smartcrop.Config{
		Crop: cropper.CropConfig{
			ExpansionFactor:    c.Crop.ExpansionFactor,
			SquareCoverage:     c.Crop.SquareCoverage,
			VerticalCoverage:   c.Crop.VerticalCoverage,
			HorizontalCoverage: c.Crop.HorizontalCoverage,
		},
		Quality: c.Crop.Quality,
		Debug:   c.Crop.Debug,
	}
}

// ClientConfig returns the rendering service client settings
func (c *Config) ClientConfig() generation.ClientConfig {
	return generation.ClientConfig{
		BaseURL:    c.Generation.APIURL,
		APIKey:     c.Generation.APIKey,
		SubmitPath: c.Generation.SubmitPath,
		StatusPath: c.Generation.StatusPath,
		Timeout:    seconds(c.Generation.TimeoutSeconds),
	}
}

// OrchestratorConfig returns the retry and timeout policy
func (c *Config) OrchestratorConfig() generation.OrchestratorConfig {
	delays := make([]time.Duration, 0, len(c.Orchestrator.RetryDelaysMs))
	for _, ms := range c.Orchestrator.RetryDelaysMs {
		delays = append(delays, millis(ms))
	}
	return generation.OrchestratorConfig{
		Tiers: map[generation.Tier]time.Duration{
			generation.TierFast:     seconds(c.Orchestrator.FastSeconds),
			generation.TierNormal:   seconds(c.Orchestrator.NormalSeconds),
			generation.TierExtended: seconds(c.Orchestrator.ExtendedSeconds),
		},
		RetryDelays:         delays,
		EscalationThreshold: c.Orchestrator.EscalationBytes,
		Poll: generation.PollOptions{
			MaxAttempts:  c.Poller.MaxAttempts,
			InitialDelay: millis(c.Poller.InitialDelayMs),
			BackoffStep:  millis(c.Poller.BackoffStepMs),
			MaxDelay:     millis(c.Poller.MaxDelayMs),
		},
		RetryJobFailures: c.Orchestrator.RetryJobFailures,
	}
}

// GenerateOptions returns the per-call defaults
func (c *Config) GenerateOptions() generation.GenerateOptions {
	return generation.GenerateOptions{
		Tier:       generation.Tier(c.Orchestrator.DefaultTier),
		MaxRetries: c.Orchestrator.MaxRetries,
	}
}

// WatermarkOptions returns the compositor settings
func (c *Config) WatermarkOptions() watermark.Options {
	opts := watermark.DefaultOptions()
	opts.AssetPath = c.Watermark.AssetPath
	opts.Style.Scale = c.Watermark.Scale
	opts.Style.Alpha = c.Watermark.Alpha
	opts.Style.ShadowSigma = c.Watermark.ShadowSigma
	opts.Timeout = seconds(c.Watermark.TimeoutSeconds)
	opts.Workers = c.Watermark.Workers
	opts.Capabilities = watermark.Capabilities{Parallel: c.Watermark.Background, OffscreenSurface: c.Watermark.Background}
	return opts
}

// RedisOptions returns the preview store settings
func (c *Config) RedisOptions() store.RedisOptions {
	return store.RedisOptions{
		Addr:      c.Store.RedisAddr,
		Username:  c.Store.RedisUsername,
		Password:  c.Store.RedisPassword,
		DB:        c.Store.RedisDB,
		UseTLS:    c.Store.UseTLS,
		KeyPrefix: c.Store.KeyPrefix,
		TTL:       time.Duration(c.Store.TTLHours) * time.Hour,
	}
}

// LoggingOptions returns the logger settings
func (c *Config) LoggingOptions() logging.Options {
	opts := logging.DefaultOptions()
	opts.Level = c.Log.Level
	opts.FilePath = c.Log.File
	opts.Development = c.Log.Development
	return opts
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "preview-kit", "config.json")
}
