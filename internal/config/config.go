// Package config assembles the daemon configuration. Defaults are overlaid
// by an optional YAML file, then by TASKMESH_* environment variables, so a
// container can ship a baseline file and still be tuned per deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Store selects the persistence backend: memory or postgres.
	Store string `yaml:"store"`
	// Queue selects the message queue backend: memory, postgres or redis.
	Queue string `yaml:"queue"`
	// Objects selects the payload store: none, memory or minio.
	Objects string `yaml:"objects"`

	PostgresDSN string `yaml:"postgres_dsn"`

	// PartitionID restricts pulls of this process to one partition. Empty
	// pulls from every partition (memory and postgres backends only).
	PartitionID string `yaml:"partition_id"`

	LockTTL            time.Duration `yaml:"lock_ttl"`
	RefreshPeriodicity time.Duration `yaml:"refresh_periodicity"`
	PollPeriod         time.Duration `yaml:"poll_period"`
	MaxPriority        int           `yaml:"max_priority"`
	EnqueueChunkSize   int           `yaml:"enqueue_chunk_size"`
	MaxTaskRetries     int           `yaml:"max_task_retries"`

	Redis RedisConfig `yaml:"redis"`
	MinIO MinIOConfig `yaml:"minio"`

	MetricsAddr string `yaml:"metrics_addr"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

func Defaults() Config {
	return Config{
		Store:              "memory",
		Queue:              "memory",
		Objects:            "none",
		LockTTL:            30 * time.Second,
		RefreshPeriodicity: 15 * time.Second,
		PollPeriod:         1500 * time.Millisecond,
		MaxPriority:        9,
		EnqueueChunkSize:   100,
		MaxTaskRetries:     3,
		Redis: RedisConfig{
			Addr:      "127.0.0.1:6379",
			KeyPrefix: "taskmesh:queue",
		},
		MinIO: MinIOConfig{
			Bucket: "taskmesh-results",
		},
		MetricsAddr: ":9090",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (or
// TASKMESH_CONFIG when path is empty), then environment variables. A missing
// file is only an error when it was named explicitly.
func Load(path string) (Config, error) {
	cfg := Defaults()

	explicit := path != ""
	if path == "" {
		path = os.Getenv("TASKMESH_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if explicit || !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Store = getenv("TASKMESH_STORE", c.Store)
	c.Queue = getenv("TASKMESH_QUEUE", c.Queue)
	c.Objects = getenv("TASKMESH_OBJECTS", c.Objects)
	c.PostgresDSN = getenv("TASKMESH_POSTGRES_DSN", c.PostgresDSN)
	c.PartitionID = getenv("TASKMESH_PARTITION_ID", c.PartitionID)
	c.LockTTL = getenvDuration("TASKMESH_LOCK_TTL", c.LockTTL)
	c.RefreshPeriodicity = getenvDuration("TASKMESH_REFRESH_PERIODICITY", c.RefreshPeriodicity)
	c.PollPeriod = getenvDuration("TASKMESH_POLL_PERIOD", c.PollPeriod)
	c.MaxPriority = getenvInt("TASKMESH_MAX_PRIORITY", c.MaxPriority)
	c.EnqueueChunkSize = getenvInt("TASKMESH_ENQUEUE_CHUNK_SIZE", c.EnqueueChunkSize)
	c.MaxTaskRetries = getenvInt("TASKMESH_MAX_TASK_RETRIES", c.MaxTaskRetries)

	c.Redis.Addr = getenv("TASKMESH_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getenv("TASKMESH_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getenvInt("TASKMESH_REDIS_DB", c.Redis.DB)
	c.Redis.KeyPrefix = getenv("TASKMESH_REDIS_KEY_PREFIX", c.Redis.KeyPrefix)

	c.MinIO.Endpoint = getenv("TASKMESH_MINIO_ENDPOINT", c.MinIO.Endpoint)
	c.MinIO.AccessKey = getenv("TASKMESH_MINIO_ACCESS_KEY", c.MinIO.AccessKey)
	c.MinIO.SecretKey = getenv("TASKMESH_MINIO_SECRET_KEY", c.MinIO.SecretKey)
	c.MinIO.Bucket = getenv("TASKMESH_MINIO_BUCKET", c.MinIO.Bucket)
	c.MinIO.UseSSL = getenvBool("TASKMESH_MINIO_USE_SSL", c.MinIO.UseSSL)

	c.MetricsAddr = getenv("TASKMESH_METRICS_ADDR", c.MetricsAddr)
}

func (c Config) validate() error {
	switch c.Store {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unsupported store backend %q", c.Store)
	}
	switch c.Queue {
	case "memory", "postgres", "redis":
	default:
		return fmt.Errorf("unsupported queue backend %q", c.Queue)
	}
	switch c.Objects {
	case "none", "memory", "minio":
	default:
		return fmt.Errorf("unsupported object store backend %q", c.Objects)
	}
	if c.Queue == "postgres" && c.Store != "postgres" {
		return fmt.Errorf("queue backend postgres requires store backend postgres")
	}
	if c.Store == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("TASKMESH_POSTGRES_DSN is required when the store backend is postgres")
	}
	if c.Queue == "redis" && c.PartitionID == "" {
		return fmt.Errorf("TASKMESH_PARTITION_ID is required when the queue backend is redis")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("lock_ttl must be strictly positive, got %v", c.LockTTL)
	}
	return nil
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
