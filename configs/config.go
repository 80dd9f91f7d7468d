package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"soloist/pkg/coordination"
	"soloist/pkg/logger"
	tracing "soloist/pkg/observability"
	"soloist/pkg/worker"
)

// Supported coordination backends
const (
	BackendZookeeper = "zookeeper"
	BackendEtcd      = "etcd"
	BackendRedis     = "redis"
	BackendMemory    = "memory"
)

type Config struct {
	Backend           string        `yaml:"backend"`
	Endpoints         []string      `yaml:"endpoints"`
	ElectionPath      string        `yaml:"election_path"`
	CandidateID       string        `yaml:"candidate_id"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	InitRetryInterval time.Duration `yaml:"init_retry_interval"`
	MaxInitAttempts   int           `yaml:"max_init_attempts"`
	SessionTimeout    time.Duration `yaml:"session_timeout"`
	ReleaseOnSuspend  bool          `yaml:"release_on_suspend"`
	StatusAddr        string        `yaml:"status_addr"`

	Job   JobConfig   `yaml:"job"`
	Redis RedisConfig `yaml:"redis"`

	Log     logger.Config  `yaml:"log"`
	Tracing tracing.Config `yaml:"tracing"`
}

type JobConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Schedule    string        `yaml:"schedule"`
	Command     string        `yaml:"command"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

type RedisConfig struct {
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Backend:           BackendZookeeper,
		Endpoints:         []string{"127.0.0.1:2181"},
		ElectionPath:      "/soloist/election",
		CandidateID:       defaultCandidateID(),
		RetryInterval:     100 * time.Millisecond,
		InitRetryInterval: time.Second,
		SessionTimeout:    10 * time.Second,
		Job: JobConfig{
			Interval:    10 * time.Second,
			StopTimeout: 5 * time.Second,
		},
		Redis:   RedisConfig{LeaseTTL: 15 * time.Second},
		Log:     logger.DefaultConfig("soloist"),
		Tracing: tracing.DefaultConfig("soloist"),
	}
}

// LoadConfig layers the optional YAML file at path and then the environment
// over the defaults. Flags are applied by the caller afterwards.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Backend = getEnv("SOLOIST_BACKEND", c.Backend)
	if v := getEnv("SOLOIST_ENDPOINTS", ""); v != "" {
		c.Endpoints = SplitEndpoints(v)
	}
	c.ElectionPath = getEnv("SOLOIST_ELECTION_PATH", c.ElectionPath)
	c.CandidateID = getEnv("SOLOIST_CANDIDATE_ID", c.CandidateID)
	c.StatusAddr = getEnv("SOLOIST_STATUS_ADDR", c.StatusAddr)
	c.Job.Schedule = getEnv("SOLOIST_JOB_SCHEDULE", c.Job.Schedule)
	c.Job.Command = getEnv("SOLOIST_JOB_COMMAND", c.Job.Command)
	c.Log.Level = getEnv("SOLOIST_LOG_LEVEL", c.Log.Level)
	c.Log.Encoding = getEnv("SOLOIST_LOG_ENCODING", c.Log.Encoding)
	c.Tracing.Endpoint = getEnv("SOLOIST_OTLP_ENDPOINT", c.Tracing.Endpoint)
	c.Redis.Password = getEnv("SOLOIST_REDIS_PASSWORD", c.Redis.Password)

	var errs []error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SOLOIST_RETRY_INTERVAL", &c.RetryInterval},
		{"SOLOIST_INIT_RETRY_INTERVAL", &c.InitRetryInterval},
		{"SOLOIST_SESSION_TIMEOUT", &c.SessionTimeout},
		{"SOLOIST_JOB_INTERVAL", &c.Job.Interval},
		{"SOLOIST_STOP_TIMEOUT", &c.Job.StopTimeout},
		{"SOLOIST_LEASE_TTL", &c.Redis.LeaseTTL},
	}
	for _, d := range durations {
		if err := getEnvAsDuration(d.key, d.dst); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs,
		getEnvAsInt("SOLOIST_MAX_INIT_ATTEMPTS", &c.MaxInitAttempts),
		getEnvAsInt("SOLOIST_REDIS_DB", &c.Redis.DB),
		getEnvAsBool("SOLOIST_RELEASE_ON_SUSPEND", &c.ReleaseOnSuspend),
		getEnvAsBool("SOLOIST_TRACING_ENABLED", &c.Tracing.Enabled),
	)
	return errors.Join(errs...)
}

// Validate rejects configurations the supervisor cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Backend {
	case BackendZookeeper, BackendEtcd, BackendRedis:
		if len(c.Endpoints) == 0 {
			errs = append(errs, fmt.Errorf("backend %s needs at least one endpoint", c.Backend))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}

	if err := coordination.ValidatePath(c.ElectionPath); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.CandidateID) == "" {
		errs = append(errs, errors.New("candidate id must not be empty"))
	}
	if c.MaxInitAttempts < 0 {
		errs = append(errs, errors.New("max init attempts must not be negative"))
	}

	positive := map[string]time.Duration{
		"retry interval":        c.RetryInterval,
		"init retry interval":   c.InitRetryInterval,
		"session timeout":       c.SessionTimeout,
		"job interval":          c.Job.Interval,
		"graceful stop timeout": c.Job.StopTimeout,
	}
	if c.Backend == BackendRedis {
		positive["lease ttl"] = c.Redis.LeaseTTL
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	// A revoked Redis leader has a third of the lease left to stop its job.
	if c.Backend == BackendRedis && c.Redis.LeaseTTL > 0 && c.Job.StopTimeout > c.Redis.LeaseTTL/3 {
		errs = append(errs, fmt.Errorf("graceful stop timeout %s exceeds a third of the lease ttl %s",
			c.Job.StopTimeout, c.Redis.LeaseTTL))
	}

	if c.Job.Schedule != "" {
		if _, err := worker.ParseSchedule(c.Job.Interval, c.Job.Schedule); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.Log.Encoding {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log encoding %q", c.Log.Encoding))
	}
	return errors.Join(errs...)
}

// SplitEndpoints parses a comma separated endpoint list.
func SplitEndpoints(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func defaultCandidateID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "soloist"
	}
	return host + "-" + uuid.NewString()[:8]
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, dst *int) error {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = value
	return nil
}

func getEnvAsBool(key string, dst *bool) error {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return nil
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = value
	return nil
}

func getEnvAsDuration(key string, dst *time.Duration) error {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = value
	return nil
}
