package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// CaptureConfig holds the configuration for the capture controller.
type CaptureConfig struct {
	// Backend is "exec" (local capture command) or "http" (remote capture service).
	Backend     string   `yaml:"backend" toml:"backend"`
	RootDir     string   `yaml:"root_dir" toml:"root_dir"`
	Command     string   `yaml:"command" toml:"command"`
	Args        []string `yaml:"args" toml:"args"`
	ServiceURL  string   `yaml:"service_url" toml:"service_url"`
	StopTimeout string   `yaml:"stop_timeout" toml:"stop_timeout"`
}

// SliceConfig holds the configuration for slice discovery.
type SliceConfig struct {
	Pattern   string `yaml:"pattern" toml:"pattern"`
	StableAge string `yaml:"stable_age" toml:"stable_age"`
	Watch     bool   `yaml:"watch" toml:"watch"`
}

// AnalysisConfig holds the configuration for the analysis client.
type AnalysisConfig struct {
	BaseURL      string `yaml:"base_url" toml:"base_url"`
	PollInterval string `yaml:"poll_interval" toml:"poll_interval"`
	MaxAttempts  int    `yaml:"max_attempts" toml:"max_attempts"`
}

// PredictionConfig holds the configuration for the prediction client.
type PredictionConfig struct {
	// Backend is "direct" or "queued".
	Backend          string `yaml:"backend" toml:"backend"`
	BaseURL          string `yaml:"base_url" toml:"base_url"`
	ModelID          string `yaml:"model_id" toml:"model_id"`
	// Queue is the job queue used by the queued backend.
	Queue            string `yaml:"queue" toml:"queue"`
	PollInterval     string `yaml:"poll_interval" toml:"poll_interval"`
	MaxAttempts      int    `yaml:"max_attempts" toml:"max_attempts"`
	// ContentSignature enables the secondary content-based dedup key.
	ContentSignature *bool  `yaml:"content_signature" toml:"content_signature"`
}

// OrchestratorConfig holds the configuration for the control loop.
type OrchestratorConfig struct {
	TickInterval string `yaml:"tick_interval" toml:"tick_interval"`
}

// APIConfig holds the listen addresses of the consumer-facing API.
type APIConfig struct {
	HttpListenAddr string `yaml:"http_listen_addr" toml:"http_listen_addr"`
	GrpcListenAddr string `yaml:"grpc_listen_addr" toml:"grpc_listen_addr"`
}

// EventsConfig holds the NATS session event stream settings.
type EventsConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	NATSURL       string `yaml:"nats_url" toml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`
}

// ClickHouseConfig holds the configuration for the ClickHouse result writer.
type ClickHouseConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	Database string `yaml:"database" toml:"database"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
}

// LedgerConfig holds the sqlite ledger location.
type LedgerConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// ExportConfig controls the final session export.
type ExportConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	RootPath string `yaml:"root_path" toml:"root_path"`
}

// AlerterConfig controls failure notifications.
type AlerterConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	CheckInterval string `yaml:"check_interval" toml:"check_interval"`
}

// SMTPConfig holds the settings for the email notifier.
type SMTPConfig struct {
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
	From     string `yaml:"from" toml:"from"`
	To       string `yaml:"to" toml:"to"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
	Capture      CaptureConfig      `yaml:"capture" toml:"capture"`
	Slices       SliceConfig        `yaml:"slices" toml:"slices"`
	Analysis     AnalysisConfig     `yaml:"analysis" toml:"analysis"`
	Prediction   PredictionConfig   `yaml:"prediction" toml:"prediction"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" toml:"orchestrator"`
	API          APIConfig          `yaml:"api" toml:"api"`
	Events       EventsConfig       `yaml:"events" toml:"events"`
	ClickHouse   ClickHouseConfig   `yaml:"clickhouse" toml:"clickhouse"`
	Ledger       LedgerConfig       `yaml:"ledger" toml:"ledger"`
	Export       ExportConfig       `yaml:"export" toml:"export"`
	Alerter      AlerterConfig      `yaml:"alerter" toml:"alerter"`
	SMTP         SMTPConfig         `yaml:"smtp" toml:"smtp"`
}

// LoadConfig reads the configuration from a YAML (or TOML, by extension) file
// and returns a validated Config with defaults applied.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config TOML: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
		}
	}

	cfg.ApplyDefaults()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

// ApplyDefaults fills zero values with the pipeline defaults.
func (c *Config) ApplyDefaults() {
	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "text")

	setString(&c.Capture.Backend, "exec")
	setString(&c.Capture.RootDir, "data/captures")
	setString(&c.Capture.Command, "tcpdump")
	setString(&c.Capture.StopTimeout, "5s")

	setString(&c.Slices.Pattern, "*.pcap")
	setString(&c.Slices.StableAge, "1500ms")

	setString(&c.Analysis.BaseURL, "http://localhost:31057")
	setString(&c.Analysis.PollInterval, "1s")
	if c.Analysis.MaxAttempts <= 0 {
		c.Analysis.MaxAttempts = 10
	}

	setString(&c.Prediction.Backend, "direct")
	setString(&c.Prediction.BaseURL, "http://localhost:31057")
	setString(&c.Prediction.Queue, "predict")
	setString(&c.Prediction.PollInterval, "1500ms")
	if c.Prediction.MaxAttempts <= 0 {
		c.Prediction.MaxAttempts = 20
	}
	if c.Prediction.ContentSignature == nil {
		enabled := true
		c.Prediction.ContentSignature = &enabled
	}

	setString(&c.Orchestrator.TickInterval, "2s")

	setString(&c.API.HttpListenAddr, ":8090")
	setString(&c.API.GrpcListenAddr, ":50061")

	setString(&c.Events.NATSURL, "nats://127.0.0.1:4222")
	setString(&c.Events.SubjectPrefix, "maip.session")

	setString(&c.ClickHouse.Host, "localhost")
	if c.ClickHouse.Port == 0 {
		c.ClickHouse.Port = 9000
	}
	setString(&c.ClickHouse.Database, "default")

	setString(&c.Ledger.Path, "data/ledger.db")
	setString(&c.Export.RootPath, "data/exports")
	setString(&c.Alerter.CheckInterval, "30s")
}

// ApplyEnvOverrides lets deployment override collaborator endpoints.
func (c *Config) ApplyEnvOverrides() {
	overrideString(&c.Analysis.BaseURL, "MAIP_ANALYSIS_URL")
	overrideString(&c.Prediction.BaseURL, "MAIP_PREDICTION_URL")
	overrideString(&c.Prediction.ModelID, "MAIP_MODEL_ID")
	overrideString(&c.Capture.ServiceURL, "MAIP_CAPTURE_URL")
	overrideString(&c.Events.NATSURL, "MAIP_NATS_URL")
	overrideString(&c.ClickHouse.Password, "MAIP_CLICKHOUSE_PASSWORD")
	overrideString(&c.SMTP.Password, "MAIP_SMTP_PASSWORD")
}

// Validate checks backends and duration strings.
func (c *Config) Validate() error {
	switch c.Capture.Backend {
	case "exec", "http":
	default:
		return fmt.Errorf("unknown capture backend: '%s'", c.Capture.Backend)
	}
	if c.Capture.Backend == "http" && c.Capture.ServiceURL == "" {
		return fmt.Errorf("capture.service_url is required for the http capture backend")
	}
	switch c.Prediction.Backend {
	case "direct", "queued":
	default:
		return fmt.Errorf("unknown prediction backend: '%s'", c.Prediction.Backend)
	}

	durations := map[string]string{
		"capture.stop_timeout":       c.Capture.StopTimeout,
		"slices.stable_age":          c.Slices.StableAge,
		"analysis.poll_interval":     c.Analysis.PollInterval,
		"prediction.poll_interval":   c.Prediction.PollInterval,
		"orchestrator.tick_interval": c.Orchestrator.TickInterval,
		"alerter.check_interval":     c.Alerter.CheckInterval,
	}
	for name, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if d <= 0 && name != "slices.stable_age" {
			return fmt.Errorf("%s must be a positive duration", name)
		}
	}
	return nil
}

// Duration parses a validated duration string, falling back to def.
func Duration(value string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

func setString(field *string, def string) {
	if *field == "" {
		*field = def
	}
}

func overrideString(field *string, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		*field = v
	}
}
