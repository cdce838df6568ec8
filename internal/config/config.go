package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Database struct {
		Driver   string `mapstructure:"driver"` // "postgres" or "sqlite"
		DSN      string `mapstructure:"dsn"`
		MaxConns int32  `mapstructure:"max_conns"`
	} `mapstructure:"database"`

	Queue struct {
		Backend           string        `mapstructure:"backend"` // "asynq", "nats" or "memory"
		JobQueue          string        `mapstructure:"job_queue"`
		TaskQueue         string        `mapstructure:"task_queue"`
		VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
		MaxRedelivery     int           `mapstructure:"max_redelivery"`
		NATS              struct {
			URL    string `mapstructure:"url"`
			Stream string `mapstructure:"stream"`
		} `mapstructure:"nats"`
	} `mapstructure:"queue"`

	Redis struct {
		Address  string `mapstructure:"address"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Worker struct {
		Concurrency       int            `mapstructure:"concurrency"`
		Queues            map[string]int `mapstructure:"queues"`
		HeartbeatInterval time.Duration  `mapstructure:"heartbeat_interval"`
	} `mapstructure:"worker"`

	Retry struct {
		MaxRetries int           `mapstructure:"max_retries"`
		BaseDelay  time.Duration `mapstructure:"base_delay"`
		MaxDelay   time.Duration `mapstructure:"max_delay"`
	} `mapstructure:"retry"`

	Sweep struct {
		Interval   time.Duration `mapstructure:"interval"`
		StaleAfter time.Duration `mapstructure:"stale_after"`
		BatchSize  int           `mapstructure:"batch_size"`
		LockFile   string        `mapstructure:"lock_file"`
	} `mapstructure:"sweep"`

	Storage struct {
		Backend  string `mapstructure:"backend"` // "local" or "s3"
		Root     string `mapstructure:"root"`
		Bucket   string `mapstructure:"bucket"`
		Region   string `mapstructure:"region"`
		Endpoint string `mapstructure:"endpoint"`
	} `mapstructure:"storage"`

	Server struct {
		Addr string `mapstructure:"addr"`
		Port string `mapstructure:"port"`
	} `mapstructure:"server"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // "text" or "json"
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "coremachine.db")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("queue.backend", "asynq")
	v.SetDefault("queue.job_queue", "coremachine-jobs")
	v.SetDefault("queue.task_queue", "coremachine-tasks")
	v.SetDefault("queue.visibility_timeout", 10*time.Minute)
	v.SetDefault("queue.max_redelivery", 5)
	v.SetDefault("queue.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("queue.nats.stream", "COREMACHINE")

	v.SetDefault("redis.address", "127.0.0.1:6379")

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queues", map[string]int{"coremachine-jobs": 6, "coremachine-tasks": 4})
	v.SetDefault("worker.heartbeat_interval", 30*time.Second)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", 2*time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)

	v.SetDefault("sweep.interval", time.Minute)
	v.SetDefault("sweep.stale_after", 10*time.Minute)
	v.SetDefault("sweep.batch_size", 100)
	v.SetDefault("sweep.lock_file", "coremachine-sweep.lock")

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.root", "data")

	v.SetDefault("server.addr", "localhost")
	v.SetDefault("server.port", "8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// LoadConfig reads config.yaml from the working directory, or the file at
// path when it is not empty. Environment variables prefixed with
// COREMACHINE_ override file values, e.g. COREMACHINE_DATABASE_DSN.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("COREMACHINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing default config file is fine; defaults and env vars apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	return &config, nil
}
