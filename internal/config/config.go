// Package config loads the ingestor configuration from defaults, an
// optional YAML file, a .env file and the environment (highest priority).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Checkpoint backends.
const (
	CheckpointFile  = "file"
	CheckpointRedis = "redis"
	CheckpointSQL   = "sql"
)

// Sink backends.
const (
	SinkFile     = "file"
	SinkPostgres = "postgres"
	SinkSQLite   = "sqlite"
	SinkNATS     = "nats"
	SinkS3       = "s3"
)

// API modes.
const (
	ModeStream = "stream"
	ModeDirect = "direct"
)

type Config struct {
	API        APIConfig
	Ingest     IngestConfig
	Retry      RetryConfig
	Credential CredentialConfig
	Cursor     CursorConfig
	DataDir    string
	Checkpoint CheckpointConfig
	Sink       SinkConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	NATS       NATSConfig
	S3         S3Config
	Server     ServerConfig
	Logging    LoggingConfig
}

type APIConfig struct {
	BaseURL   string
	Key       string
	Mode      string
	Timeout   time.Duration
	UserAgent string
}

type IngestConfig struct {
	BatchSize int

	// Interval is the minimum spacing between page fetches.
	Interval         time.Duration
	TargetEventCount int64
	Continuous       bool
	StopOnShortPage  bool
	RecoveryInterval time.Duration
	IdleInterval     time.Duration
	ServiceID        string
}

type RetryConfig struct {
	ServerErrorDelay  time.Duration
	RateLimitFallback time.Duration
	RateLimitBuffer   time.Duration
}

type CredentialConfig struct {
	RefreshAfter time.Duration
}

type CursorConfig struct {
	ExtendBy time.Duration
}

type CheckpointConfig struct {
	Backend string
	File    string
}

type SinkConfig struct {
	Backend       string
	OutputFile    string
	HighWaterMark int
}

type DatabaseConfig struct {
	URL      string
	MaxConns int
}

type RedisConfig struct {
	URL string
}

type NATSConfig struct {
	URL     string
	Subject string
}

type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

type ServerConfig struct {
	// Addr is the ops server listen address; empty disables it.
	Addr string
}

type LoggingConfig struct {
	Level  string
	Pretty bool
}

// retryDelayFactor scales RETRY_DELAY_MS into the server error delay.
const retryDelayFactor = 5

// envBindings maps configuration keys to their environment variables.
var envBindings = map[string]string{
	"api.base_url":              "API_BASE_URL",
	"api.key":                   "TARGET_API_KEY",
	"api.mode":                  "API_MODE",
	"api.timeout":               "API_TIMEOUT",
	"api.user_agent":            "USER_AGENT",
	"ingest.batch_size":         "BATCH_SIZE",
	"ingest.rate_limit_delay":   "RATE_LIMIT_DELAY_MS",
	"ingest.target_event_count": "TARGET_EVENT_COUNT",
	"ingest.continuous":         "INGEST_CONTINUOUS",
	"ingest.stop_on_short_page": "STOP_ON_SHORT_PAGE",
	"ingest.recovery_interval":  "RECOVERY_INTERVAL",
	"ingest.idle_interval":      "IDLE_INTERVAL",
	"ingest.service_id":         "SERVICE_ID",
	"retry.delay_ms":            "RETRY_DELAY_MS",
	"retry.rate_limit_fallback": "RATE_LIMIT_FALLBACK",
	"retry.rate_limit_buffer":   "RATE_LIMIT_BUFFER",
	"credential.refresh_after":  "STREAM_TOKEN_REFRESH",
	"cursor.extend_by":          "CURSOR_EXTEND",
	"data_dir":                  "DATA_DIR",
	"checkpoint.backend":        "CHECKPOINT_BACKEND",
	"checkpoint.file":           "CHECKPOINT_FILE",
	"sink.backend":              "SINK_BACKEND",
	"sink.output_file":          "OUTPUT_FILE",
	"sink.high_water_mark":      "SINK_HIGH_WATER_MARK",
	"database.url":              "DATABASE_URL",
	"database.max_conns":        "DATABASE_MAX_CONNS",
	"redis.url":                 "REDIS_URL",
	"nats.url":                  "NATS_URL",
	"nats.subject":              "NATS_SUBJECT",
	"s3.bucket":                 "S3_BUCKET",
	"s3.prefix":                 "S3_PREFIX",
	"s3.region":                 "S3_REGION",
	"s3.endpoint":               "S3_ENDPOINT",
	"server.addr":               "OPS_ADDR",
	"logging.level":             "LOG_LEVEL",
	"logging.pretty":            "LOG_PRETTY",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:3000/api/v1")
	v.SetDefault("api.key", "")
	v.SetDefault("api.mode", ModeStream)
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.user_agent", "datasync-ingestor/1.0")
	v.SetDefault("ingest.batch_size", 5000)
	v.SetDefault("ingest.rate_limit_delay", 6000)
	v.SetDefault("ingest.target_event_count", 0)
	v.SetDefault("ingest.continuous", false)
	v.SetDefault("ingest.stop_on_short_page", false)
	v.SetDefault("ingest.recovery_interval", 5*time.Second)
	v.SetDefault("ingest.idle_interval", 5*time.Second)
	v.SetDefault("ingest.service_id", "main_ingestion_loop")
	v.SetDefault("retry.delay_ms", 1000)
	v.SetDefault("retry.rate_limit_fallback", 60*time.Second)
	v.SetDefault("retry.rate_limit_buffer", time.Second)
	v.SetDefault("credential.refresh_after", 270*time.Second)
	v.SetDefault("cursor.extend_by", time.Hour)
	v.SetDefault("data_dir", "/data")
	v.SetDefault("checkpoint.backend", "")
	v.SetDefault("checkpoint.file", "")
	v.SetDefault("sink.backend", SinkFile)
	v.SetDefault("sink.output_file", "")
	v.SetDefault("sink.high_water_mark", 1<<20)
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("redis.url", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "datasync.events")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.prefix", "events/")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)
}

// Load reads the configuration. A .env file in the working directory is
// loaded first when present; file is an optional YAML config file.
func Load(file string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) *Config {
	dataDir := v.GetString("data_dir")

	cfg := &Config{
		API: APIConfig{
			BaseURL:   strings.TrimRight(v.GetString("api.base_url"), "/"),
			Key:       v.GetString("api.key"),
			Mode:      strings.ToLower(v.GetString("api.mode")),
			Timeout:   v.GetDuration("api.timeout"),
			UserAgent: v.GetString("api.user_agent"),
		},
		Ingest: IngestConfig{
			BatchSize:        v.GetInt("ingest.batch_size"),
			Interval:         time.Duration(v.GetInt64("ingest.rate_limit_delay")) * time.Millisecond,
			TargetEventCount: v.GetInt64("ingest.target_event_count"),
			Continuous:       v.GetBool("ingest.continuous"),
			StopOnShortPage:  v.GetBool("ingest.stop_on_short_page"),
			RecoveryInterval: v.GetDuration("ingest.recovery_interval"),
			IdleInterval:     v.GetDuration("ingest.idle_interval"),
			ServiceID:        v.GetString("ingest.service_id"),
		},
		Retry: RetryConfig{
			ServerErrorDelay:  time.Duration(v.GetInt64("retry.delay_ms")*retryDelayFactor) * time.Millisecond,
			RateLimitFallback: v.GetDuration("retry.rate_limit_fallback"),
			RateLimitBuffer:   v.GetDuration("retry.rate_limit_buffer"),
		},
		Credential: CredentialConfig{RefreshAfter: v.GetDuration("credential.refresh_after")},
		Cursor:     CursorConfig{ExtendBy: v.GetDuration("cursor.extend_by")},
		DataDir:    dataDir,
		Checkpoint: CheckpointConfig{
			Backend: strings.ToLower(v.GetString("checkpoint.backend")),
			File:    v.GetString("checkpoint.file"),
		},
		Sink: SinkConfig{
			Backend:       strings.ToLower(v.GetString("sink.backend")),
			OutputFile:    v.GetString("sink.output_file"),
			HighWaterMark: v.GetInt("sink.high_water_mark"),
		},
		Database: DatabaseConfig{
			URL:      v.GetString("database.url"),
			MaxConns: v.GetInt("database.max_conns"),
		},
		Redis: RedisConfig{URL: v.GetString("redis.url")},
		NATS: NATSConfig{
			URL:     v.GetString("nats.url"),
			Subject: v.GetString("nats.subject"),
		},
		S3: S3Config{
			Bucket:   v.GetString("s3.bucket"),
			Prefix:   v.GetString("s3.prefix"),
			Region:   v.GetString("s3.region"),
			Endpoint: v.GetString("s3.endpoint"),
		},
		Server: ServerConfig{Addr: v.GetString("server.addr")},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Pretty: v.GetBool("logging.pretty"),
		},
	}

	// An unset checkpoint backend follows the sink: SQL sinks keep the
	// checkpoint in the same transaction as the events.
	if cfg.Checkpoint.Backend == "" {
		cfg.Checkpoint.Backend = CheckpointFile
		if cfg.SQLSink() {
			cfg.Checkpoint.Backend = CheckpointSQL
		}
	}
	if cfg.Checkpoint.File == "" {
		cfg.Checkpoint.File = filepath.Join(dataDir, "ingestion.state")
	}
	if cfg.Sink.OutputFile == "" {
		cfg.Sink.OutputFile = filepath.Join(dataDir, "events_buffer.tsv")
	}
	if cfg.Sink.Backend == SinkSQLite && cfg.Database.URL == "" {
		cfg.Database.URL = filepath.Join(dataDir, "ingest.db")
	}
	return cfg
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.API.Key == "" {
		return fmt.Errorf("TARGET_API_KEY is required")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid API_BASE_URL: %q", c.API.BaseURL)
	}
	if c.API.Mode != ModeStream && c.API.Mode != ModeDirect {
		return fmt.Errorf("invalid API_MODE: %q (want %s or %s)", c.API.Mode, ModeStream, ModeDirect)
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("invalid BATCH_SIZE: %d", c.Ingest.BatchSize)
	}
	if c.Ingest.Interval < 0 {
		return fmt.Errorf("invalid RATE_LIMIT_DELAY_MS: %s", c.Ingest.Interval)
	}
	if c.Ingest.TargetEventCount < 0 {
		return fmt.Errorf("invalid TARGET_EVENT_COUNT: %d", c.Ingest.TargetEventCount)
	}
	if c.Ingest.ServiceID == "" {
		return fmt.Errorf("SERVICE_ID must not be empty")
	}

	switch c.Sink.Backend {
	case SinkFile:
	case SinkPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("sink %q requires DATABASE_URL", c.Sink.Backend)
		}
	case SinkSQLite:
	case SinkNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("sink %q requires NATS_URL", c.Sink.Backend)
		}
	case SinkS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("sink %q requires S3_BUCKET", c.Sink.Backend)
		}
	default:
		return fmt.Errorf("unknown SINK_BACKEND: %q", c.Sink.Backend)
	}

	switch c.Checkpoint.Backend {
	case CheckpointFile:
	case CheckpointRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("checkpoint backend %q requires REDIS_URL", c.Checkpoint.Backend)
		}
	case CheckpointSQL:
		if !c.SQLSink() {
			return fmt.Errorf("checkpoint backend %q requires a %s or %s sink", CheckpointSQL, SinkPostgres, SinkSQLite)
		}
	default:
		return fmt.Errorf("unknown CHECKPOINT_BACKEND: %q", c.Checkpoint.Backend)
	}
	return nil
}

// SQLSink reports whether the sink is a SQL database.
func (c *Config) SQLSink() bool {
	return c.Sink.Backend == SinkPostgres || c.Sink.Backend == SinkSQLite
}
