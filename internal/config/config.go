package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr           string `yaml:"addr"`
	DatabaseURL    string `yaml:"database_url"`
	DBMaxOpenConns int    `yaml:"db_max_open_conns"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`

	// TrackingURI empty selects the in-process recorder.
	TrackingURI         string        `yaml:"mlflow_tracking_uri"`
	ExperimentID        string        `yaml:"mlflow_experiment_id"`
	TrackingTimeout     time.Duration `yaml:"tracking_timeout"`
	TrackingRetries     int           `yaml:"tracking_retries"`
	MirrorMode          string        `yaml:"mirror_mode"`
	LegacyCreateMapping bool          `yaml:"legacy_create_mapping"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`

	ArchiveBucket string `yaml:"archive_bucket"`
	ArchivePrefix string `yaml:"archive_prefix"`

	AuthJWTSecret  string `yaml:"auth_jwt_secret"`
	AuthWriteScope string `yaml:"auth_write_scope"`

	RelayInterval    time.Duration `yaml:"relay_interval"`
	RelayBatch       int           `yaml:"relay_batch"`
	RelayMaxAttempts int           `yaml:"relay_max_attempts"`

	CORSOrigins []string `yaml:"cors_origins"`
}

const (
	defaultAddr        = ":8000"
	defaultTrackingURI = "http://mlflow-server:8080"
	defaultKafkaTopic  = "neura.tracking"
)

func Defaults() Config {
	return Config{
		Addr:             defaultAddr,
		DBMaxOpenConns:   10,
		LogLevel:         "info",
		LogFormat:        "json",
		TrackingURI:      defaultTrackingURI,
		ExperimentID:     "0",
		TrackingTimeout:  5 * time.Second,
		TrackingRetries:  2,
		MirrorMode:       "strict",
		KafkaTopic:       defaultKafkaTopic,
		ArchivePrefix:    "neura-orchestra",
		AuthWriteScope:   "training:write",
		RelayInterval:    2 * time.Second,
		RelayBatch:       20,
		RelayMaxAttempts: 5,
		CORSOrigins:      []string{"*"},
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// NEURA_CONFIG_FILE if any, then the environment.
func Load() (Config, error) {
	cfg := Defaults()
	if path := os.Getenv("NEURA_CONFIG_FILE"); path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	cfg.Addr = getEnv("NEURA_ADDR", cfg.Addr)
	cfg.DatabaseURL = firstNonEmpty(os.Getenv("NEURA_DATABASE_URL"), os.Getenv("DATABASE_URL"), cfg.DatabaseURL)
	cfg.DBMaxOpenConns = getInt("NEURA_DB_MAX_OPEN_CONNS", cfg.DBMaxOpenConns)
	cfg.LogLevel = getEnv("NEURA_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("NEURA_LOG_FORMAT", cfg.LogFormat)
	if v, ok := os.LookupEnv("MLFLOW_TRACKING_URI"); ok {
		cfg.TrackingURI = v
	}
	cfg.ExperimentID = getEnv("MLFLOW_EXPERIMENT_ID", cfg.ExperimentID)
	cfg.TrackingTimeout = getDuration("NEURA_TRACKING_TIMEOUT", cfg.TrackingTimeout)
	cfg.TrackingRetries = getInt("NEURA_TRACKING_RETRIES", cfg.TrackingRetries)
	cfg.MirrorMode = getEnv("NEURA_MIRROR_MODE", cfg.MirrorMode)
	cfg.LegacyCreateMapping = getBool("NEURA_LEGACY_CREATE_MAPPING", cfg.LegacyCreateMapping)
	cfg.KafkaBrokers = getList("NEURA_KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaTopic = getEnv("NEURA_KAFKA_TOPIC", cfg.KafkaTopic)
	cfg.ArchiveBucket = getEnv("NEURA_ARCHIVE_BUCKET", cfg.ArchiveBucket)
	cfg.ArchivePrefix = getEnv("NEURA_ARCHIVE_PREFIX", cfg.ArchivePrefix)
	cfg.AuthJWTSecret = getEnv("NEURA_AUTH_JWT_SECRET", cfg.AuthJWTSecret)
	cfg.AuthWriteScope = getEnv("NEURA_AUTH_WRITE_SCOPE", cfg.AuthWriteScope)
	cfg.RelayInterval = getDuration("NEURA_RELAY_INTERVAL", cfg.RelayInterval)
	cfg.RelayBatch = getInt("NEURA_RELAY_BATCH", cfg.RelayBatch)
	cfg.RelayMaxAttempts = getInt("NEURA_RELAY_MAX_ATTEMPTS", cfg.RelayMaxAttempts)
	cfg.CORSOrigins = getList("NEURA_CORS_ORIGINS", cfg.CORSOrigins)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c Config) validate() error {
	switch c.MirrorMode {
	case "strict", "best_effort", "outbox":
	default:
		return fmt.Errorf("NEURA_MIRROR_MODE must be strict, best_effort or outbox, got %q", c.MirrorMode)
	}
	if c.Addr == "" {
		return fmt.Errorf("NEURA_ADDR required")
	}
	if c.TrackingRetries < 0 {
		return fmt.Errorf("NEURA_TRACKING_RETRIES must not be negative")
	}
	if c.RelayBatch <= 0 || c.RelayMaxAttempts <= 0 {
		return fmt.Errorf("NEURA_RELAY_BATCH and NEURA_RELAY_MAX_ATTEMPTS must be positive")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("NEURA_KAFKA_TOPIC required when NEURA_KAFKA_BROKERS is set")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
