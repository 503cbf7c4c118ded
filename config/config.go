// Package config loads engine settings from a YAML file, with
// SNAPGRID_* environment variables overriding individual keys.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/snapgrid/snapgrid/capture"
	"github.com/snapgrid/snapgrid/server"
	"github.com/snapgrid/snapgrid/store"
)

// Config is the full engine configuration.
type Config struct {
	AppName string
	Server  server.Config
	Store   store.Config
	Workers Workers
	Output  Output
	Capture Capture
	Logger  Logger
}

// Workers sizes the task worker pool.
type Workers struct {
	Count     int
	QueueSize int
}

// Output places task artifacts on disk.
type Output struct {
	Root string
}

// Capture parameterizes the browser backend.
type Capture struct {
	Binary    string
	Timeout   time.Duration
	MaxWaitMs int
}

// Logger configures process logging.
type Logger struct {
	Level  string
	Format string // text | json
	Output string // stdout | stderr | file path
}

// Load reads configuration from path, or searches the usual locations
// when path is empty. A missing file in search mode is not an error;
// defaults and environment overrides still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SNAPGRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/snapgrid")
		v.AddConfigPath("$HOME/.snapgrid")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	return &Config{
		AppName: v.GetString("app_name"),
		Server:  getServerConfig(v),
		Store:   getStoreConfig(v),
		Workers: getWorkersConfig(v),
		Output:  getOutputConfig(v),
		Capture: getCaptureConfig(v),
		Logger:  getLoggerConfig(v),
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "snapgrid")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.queue_size", 64)
	v.SetDefault("output.root", "artifacts")
	v.SetDefault("capture.timeout", "30s")
	v.SetDefault("capture.max_wait_ms", capture.DefaultMaxWaitMs)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "text")
	v.SetDefault("logger.output", "stdout")
}

func getServerConfig(v *viper.Viper) server.Config {
	return server.Config{
		Addr: v.GetString("server.addr"),
		Mode: v.GetString("server.mode"),
	}
}

func getStoreConfig(v *viper.Viper) store.Config {
	return store.Config{
		Driver: v.GetString("store.driver"),
		Redis: store.RedisConfig{
			Addr:     v.GetString("store.redis.addr"),
			Username: v.GetString("store.redis.username"),
			Password: v.GetString("store.redis.password"),
			DB:       v.GetInt("store.redis.db"),
		},
		Postgres: store.PostgresConfig{
			DSN: v.GetString("store.postgres.dsn"),
		},
	}
}

func getWorkersConfig(v *viper.Viper) Workers {
	return Workers{
		Count:     v.GetInt("workers.count"),
		QueueSize: v.GetInt("workers.queue_size"),
	}
}

func getOutputConfig(v *viper.Viper) Output {
	return Output{
		Root: v.GetString("output.root"),
	}
}

func getCaptureConfig(v *viper.Viper) Capture {
	return Capture{
		Binary:    v.GetString("capture.binary"),
		Timeout:   v.GetDuration("capture.timeout"),
		MaxWaitMs: v.GetInt("capture.max_wait_ms"),
	}
}

func getLoggerConfig(v *viper.Viper) Logger {
	return Logger{
		Level:  v.GetString("logger.level"),
		Format: v.GetString("logger.format"),
		Output: v.GetString("logger.output"),
	}
}
