package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Depthflow DepthflowConfig `yaml:"depthflow"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Source    SourceConfig    `yaml:"source"`
	Sync      SyncConfig      `yaml:"sync"`
	Writer    WriterConfig    `yaml:"writer"`
	Features  FeaturesConfig  `yaml:"features"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type DepthflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	WriterBuffer  int `yaml:"writer_buffer"`
	FeatureBuffer int `yaml:"feature_buffer"`
	ArchiveBuffer int `yaml:"archive_buffer"`
	KafkaBuffer   int `yaml:"kafka_buffer"`
}

type SourceConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
}

type BinanceSourceConfig struct {
	WsURL              string        `yaml:"ws_url"`
	RestURL            string        `yaml:"rest_url"`
	Symbols            []string      `yaml:"symbols"`
	DepthLimit         int           `yaml:"depth_limit"`
	SnapshotRatePerSec float64       `yaml:"snapshot_rate_per_sec"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
}

type SyncConfig struct {
	MaxResyncs int `yaml:"max_resyncs"`
}

type WriterConfig struct {
	Batch         BatchConfig   `yaml:"batch"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// BatchConfig controls adaptive batch sizing. When the inbound channel
// occupancy exceeds HighWaterRatio of its capacity the writer flushes at
// LargeSize, otherwise at SmallSize.
type BatchConfig struct {
	SmallSize      int     `yaml:"small_size"`
	LargeSize      int     `yaml:"large_size"`
	HighWaterRatio float64 `yaml:"high_water_ratio"`
}

type FeaturesConfig struct {
	Enabled    bool      `yaml:"enabled"`
	Thresholds []float64 `yaml:"thresholds"`
}

type StorageConfig struct {
	Timescale TimescaleConfig `yaml:"timescale"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	S3        S3Config        `yaml:"s3"`
}

type TimescaleConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	Schema  string `yaml:"schema"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Region          string        `yaml:"region"`
	Bucket          string        `yaml:"bucket"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	MaxBuffer       int           `yaml:"max_buffer"`
	TimeFormat      string        `yaml:"time_format"`
}

type MetricsConfig struct {
	ChannelSize bool             `yaml:"channel_size"`
	CloudWatch  CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// LoadConfig reads, expands and validates the configuration file.
// ${VAR} references anywhere in the file are replaced from the environment
// before parsing so secrets like the database DSN stay out of the file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	config := defaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		Channels: ChannelsConfig{
			WriterBuffer:  10000,
			FeatureBuffer: 10000,
			ArchiveBuffer: 5000,
			KafkaBuffer:   5000,
		},
		Source: SourceConfig{
			Binance: BinanceSourceConfig{
				WsURL:              "wss://fstream.binance.com/stream",
				RestURL:            "https://fapi.binance.com",
				DepthLimit:         1000,
				SnapshotRatePerSec: 2,
				HandshakeTimeout:   10 * time.Second,
			},
		},
		Sync: SyncConfig{MaxResyncs: 5},
		Writer: WriterConfig{
			Batch: BatchConfig{
				SmallSize:      100,
				LargeSize:      500,
				HighWaterRatio: 0.1,
			},
			FlushInterval: 5 * time.Second,
		},
		Features: FeaturesConfig{
			Enabled:    true,
			Thresholds: []float64{0.05, 0.10},
		},
		Storage: StorageConfig{
			Timescale: TimescaleConfig{Schema: "binance"},
			S3: S3Config{
				FlushInterval: time.Minute,
				MaxBuffer:     50000,
				TimeFormat:    "year={year}/month={month}/day={day}/hour={hour}",
			},
		},
		Metrics: MetricsConfig{ChannelSize: true},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Depthflow.Name == "" {
		return fmt.Errorf("depthflow.name is required")
	}

	if cfg.Depthflow.Version == "" {
		return fmt.Errorf("depthflow.version is required")
	}

	if len(cfg.Source.Binance.Symbols) == 0 {
		return fmt.Errorf("source.binance.symbols must not be empty")
	}

	if cfg.Channels.WriterBuffer <= 0 {
		return fmt.Errorf("channels.writer_buffer must be greater than 0")
	}

	if cfg.Channels.FeatureBuffer <= 0 {
		return fmt.Errorf("channels.feature_buffer must be greater than 0")
	}

	if cfg.Sync.MaxResyncs <= 0 {
		return fmt.Errorf("sync.max_resyncs must be greater than 0")
	}

	if cfg.Writer.Batch.SmallSize <= 0 || cfg.Writer.Batch.LargeSize < cfg.Writer.Batch.SmallSize {
		return fmt.Errorf("writer.batch sizes must satisfy 0 < small_size <= large_size")
	}

	if cfg.Writer.Batch.HighWaterRatio <= 0 || cfg.Writer.Batch.HighWaterRatio >= 1 {
		return fmt.Errorf("writer.batch.high_water_ratio must be in (0, 1)")
	}

	if cfg.Storage.Timescale.Enabled && cfg.Storage.Timescale.DSN == "" {
		return fmt.Errorf("storage.timescale.dsn is required when timescale is enabled")
	}

	if cfg.Storage.Kafka.Enabled && len(cfg.Storage.Kafka.Brokers) == 0 {
		return fmt.Errorf("storage.kafka.brokers must not be empty when kafka is enabled")
	}

	if cfg.Storage.S3.Enabled && cfg.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required when s3 is enabled")
	}

	if cfg.Features.Enabled && len(cfg.Features.Thresholds) == 0 {
		return fmt.Errorf("features.thresholds must not be empty when features are enabled")
	}

	for _, th := range cfg.Features.Thresholds {
		if th <= 0 || th >= 1 {
			return fmt.Errorf("features.thresholds entries must be in (0, 1), got %v", th)
		}
	}

	return nil
}
