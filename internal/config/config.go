// Package config loads server settings from config.yaml and GPXCOLLAB_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	Sync struct {
		PathPrefix string `mapstructure:"path_prefix"`
	} `mapstructure:"sync"`
	Rooms struct {
		TTLMinutes       int `mapstructure:"ttl_minutes"`
		CreateThrottleMs int `mapstructure:"create_throttle_ms"`
	} `mapstructure:"rooms"`
	DB struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"db"`
	Compaction struct {
		Interval  time.Duration `mapstructure:"interval"`
		Threshold int           `mapstructure:"threshold"`
		Keep      int           `mapstructure:"keep"`
	} `mapstructure:"compaction"`
	Redis struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Log struct {
		Level  string `mapstructure:"level"`
		Pretty bool   `mapstructure:"pretty"`
	} `mapstructure:"log"`
	CORS struct {
		Origins []string `mapstructure:"origins"`
	} `mapstructure:"cors"`
}

func (c *Config) RoomTTL() time.Duration {
	return time.Duration(c.Rooms.TTLMinutes) * time.Minute
}

func (c *Config) CreateThrottle() time.Duration {
	return time.Duration(c.Rooms.CreateThrottleMs) * time.Millisecond
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("sync.path_prefix", "/sync")
	v.SetDefault("rooms.ttl_minutes", 60)
	v.SetDefault("rooms.create_throttle_ms", 3000)
	v.SetDefault("db.path", "")
	v.SetDefault("compaction.interval", 10*time.Minute)
	v.SetDefault("compaction.threshold", 100)
	v.SetDefault("compaction.keep", 50)
	v.SetDefault("redis.addr", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "room-lifecycle")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("cors.origins", []string{"*"})
}

// Load reads config.yaml from the given paths (default "." and "./config").
// A missing file is not an error.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("GPXCOLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Rooms.TTLMinutes <= 0 {
		return fmt.Errorf("rooms.ttl_minutes must be positive, got %d", c.Rooms.TTLMinutes)
	}
	if c.Rooms.CreateThrottleMs < 0 {
		return fmt.Errorf("rooms.create_throttle_ms must not be negative, got %d", c.Rooms.CreateThrottleMs)
	}
	if !strings.HasPrefix(c.Sync.PathPrefix, "/") {
		c.Sync.PathPrefix = "/" + c.Sync.PathPrefix
	}
	return nil
}
