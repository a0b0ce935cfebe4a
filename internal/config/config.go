package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Redis      RedisConfig      `yaml:"redis"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Queue      QueueConfig      `yaml:"queue"`
	Instance   InstanceConfig   `yaml:"instance"`
	Middleware MiddlewareConfig `yaml:"middleware"`
	Bus        BusConfig        `yaml:"bus"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type QueueConfig struct {
	MaxTaskLength   int           `yaml:"max_task_length"`
	DefaultPriority int           `yaml:"default_priority"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

type InstanceConfig struct {
	ID                string        `yaml:"id"`
	Roles             []string      `yaml:"roles"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	TTL               time.Duration `yaml:"ttl"`
	IdleThreshold     time.Duration `yaml:"idle_threshold"`
}

type MiddlewareConfig struct {
	RateLimit       int           `yaml:"rate_limit"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	Timeout         time.Duration `yaml:"timeout"`
	Circuit         CircuitConfig `yaml:"circuit"`
	CacheLocalTTL   time.Duration `yaml:"cache_local_ttl"`
}

type CircuitConfig struct {
	FailureThreshold  int           `yaml:"failure_threshold"`
	SuccessThreshold  int           `yaml:"success_threshold"`
	OpenTimeout       time.Duration `yaml:"open_timeout"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	HalfOpenLimit     int           `yaml:"half_open_limit"`
}

type BusConfig struct {
	StreamMaxLen      int64         `yaml:"stream_max_len"`
	SSEHeartbeat      time.Duration `yaml:"sse_heartbeat"`
	SubscriberBacklog int           `yaml:"subscriber_backlog"`
}

// Default returns the baseline configuration a bare server starts with.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Redis:  RedisConfig{Addr: "localhost:6379"},
		Queue: QueueConfig{
			MaxTaskLength:   500,
			DefaultPriority: 50,
			SweepInterval:   30 * time.Second,
		},
		Instance: InstanceConfig{
			Roles:             []string{"worker"},
			HeartbeatInterval: 10 * time.Second,
			TTL:               30 * time.Second,
			IdleThreshold:     30 * time.Second,
		},
		Middleware: MiddlewareConfig{
			RateLimit:       100,
			RateLimitWindow: time.Second,
			Timeout:         30 * time.Second,
			Circuit: CircuitConfig{
				FailureThreshold:  5,
				SuccessThreshold:  3,
				OpenTimeout:       30 * time.Second,
				BackoffMultiplier: 2,
				MaxBackoff:        5 * time.Minute,
				HalfOpenLimit:     3,
			},
			CacheLocalTTL: 5 * time.Second,
		},
		Bus: BusConfig{
			StreamMaxLen:      1000,
			SSEHeartbeat:      15 * time.Second,
			SubscriberBacklog: 64,
		},
	}
}

// Load reads the YAML file at path on top of the defaults. A missing file is
// not an error; the defaults plus environment overrides apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, err
			}
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv layers process-environment overrides on top of the file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("INSTANCE_ID"); v != "" {
		c.Instance.ID = v
	}
}
