package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/kdimtricp/imgcaption/internal/ai"
	"github.com/kdimtricp/imgcaption/internal/database"
)

type Config struct {
	Server         ServerConfig    `mapstructure:"server"`
	Database       database.Config `mapstructure:"database"`
	MigrationsPath string          `mapstructure:"migrations_path"`
	Model          ai.Config       `mapstructure:"model"`
	Log            LogConfig       `mapstructure:"log"`
	Stats          StatsConfig     `mapstructure:"stats"`
}

type ServerConfig struct {
	Port          string        `mapstructure:"port"`
	MaxUploadSize int64         `mapstructure:"max_upload_size"`
	UploadDir     string        `mapstructure:"upload_dir"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

type LogConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

type StatsConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// envBindings maps config keys to the environment variables that override
// them.
var envBindings = map[string]string{
	"server.port":              "PORT",
	"server.max_upload_size":   "MAX_UPLOAD_SIZE",
	"server.upload_dir":        "UPLOAD_DIR",
	"server.shutdown_grace":    "SHUTDOWN_GRACE",
	"database.type":            "DB_TYPE",
	"database.host":            "DB_HOST",
	"database.port":            "DB_PORT",
	"database.user":            "DB_USER",
	"database.password":        "DB_PASSWORD",
	"database.name":            "DB_NAME",
	"database.path":            "DB_PATH",
	"migrations_path":          "MIGRATIONS_PATH",
	"model.feature_model_path": "FEATURE_MODEL_PATH",
	"model.caption_model_path": "CAPTION_MODEL_PATH",
	"model.vocabulary_path":    "VOCABULARY_PATH",
	"model.max_caption_length": "MAX_CAPTION_LENGTH",
	"model.image_size":         "IMAGE_SIZE",
	"model.max_pixels":         "MAX_IMAGE_PIXELS",
	"model.normalization":      "IMAGE_NORMALIZATION",
	"model.workers":            "MODEL_WORKERS",
	"model.threads":            "MODEL_THREADS",
	"log.mode":                 "LOG_MODE",
	"log.level":                "LOG_LEVEL",
	"stats.cache_ttl":          "STATS_CACHE_TTL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.max_upload_size", 10<<20)
	v.SetDefault("server.upload_dir", "./uploads")
	v.SetDefault("server.shutdown_grace", 15*time.Second)

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "imgcaption")
	v.SetDefault("database.password", "imgcaption_dev")
	v.SetDefault("database.name", "imgcaption")
	v.SetDefault("database.path", "./imgcaption.db")
	v.SetDefault("migrations_path", "./migrations")

	v.SetDefault("model.feature_model_path", "./models/feature_extractor.tflite")
	v.SetDefault("model.caption_model_path", "./models/caption_model.tflite")
	v.SetDefault("model.vocabulary_path", "./models/tokenizer.json")
	v.SetDefault("model.max_caption_length", ai.DefaultMaxCaptionLength)
	v.SetDefault("model.image_size", ai.DefaultImageSize)
	v.SetDefault("model.max_pixels", ai.DefaultMaxPixels)
	v.SetDefault("model.normalization", ai.NormalizeMobileNet)
	v.SetDefault("model.workers", 2)
	v.SetDefault("model.threads", 0)

	v.SetDefault("log.mode", "production")
	v.SetDefault("log.level", "")

	v.SetDefault("stats.cache_ttl", 5*time.Second)
}

// New returns a viper instance with defaults and environment bindings.
// Commands bind their flags on top of it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		// BindEnv only fails without a key
		_ = v.BindEnv(key, env)
	}
	return v
}

// Load reads the optional YAML config file and decodes the merged settings.
// With an empty path, imgcaption.yaml is looked up in the working directory
// and silently skipped when absent.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("imgcaption")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Type {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.MaxUploadSize <= 0 {
		return fmt.Errorf("invalid max upload size: %d", c.Server.MaxUploadSize)
	}
	if c.Model.MaxCaptionLength <= 0 {
		return fmt.Errorf("invalid max caption length: %d", c.Model.MaxCaptionLength)
	}
	if c.Model.MaxPixels <= 0 {
		return fmt.Errorf("invalid max image pixels: %d", c.Model.MaxPixels)
	}
	if c.Model.Workers <= 0 {
		return fmt.Errorf("invalid model workers: %d", c.Model.Workers)
	}
	switch c.Model.Normalization {
	case ai.NormalizeMobileNet, ai.NormalizeUnit:
	default:
		return fmt.Errorf("unknown image normalization: %s", c.Model.Normalization)
	}
	return nil
}
