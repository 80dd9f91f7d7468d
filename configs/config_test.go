package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, BackendZookeeper, cfg.Backend)
	assert.Equal(t, []string{"127.0.0.1:2181"}, cfg.Endpoints)
	assert.Equal(t, "/soloist/election", cfg.ElectionPath)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryInterval)
	assert.Equal(t, time.Second, cfg.InitRetryInterval)
	assert.Zero(t, cfg.MaxInitAttempts)
	assert.Equal(t, 5*time.Second, cfg.Job.StopTimeout)
	assert.NotEmpty(t, cfg.CandidateID)
	assert.NoError(t, cfg.Validate())
}

func TestCandidateIDsAreUnique(t *testing.T) {
	assert.NotEqual(t, Default().CandidateID, Default().CandidateID)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "soloist.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend: etcd
endpoints: ["e1:2379", "e2:2379"]
election_path: /jobs/report
retry_interval: 250ms
job:
  schedule: "@every 1m"
  stop_timeout: 3s
log:
  level: debug
`), 0o600))

	t.Setenv("SOLOIST_ELECTION_PATH", "/jobs/override")
	t.Setenv("SOLOIST_MAX_INIT_ATTEMPTS", "4")
	t.Setenv("SOLOIST_RELEASE_ON_SUSPEND", "true")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, BackendEtcd, cfg.Backend)
	assert.Equal(t, []string{"e1:2379", "e2:2379"}, cfg.Endpoints)
	assert.Equal(t, "/jobs/override", cfg.ElectionPath)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryInterval)
	assert.Equal(t, "@every 1m", cfg.Job.Schedule)
	assert.Equal(t, 3*time.Second, cfg.Job.StopTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 4, cfg.MaxInitAttempts)
	assert.True(t, cfg.ReleaseOnSuspend)
	assert.NoError(t, cfg.Validate())
}

func TestEndpointsFromEnv(t *testing.T) {
	t.Setenv("SOLOIST_ENDPOINTS", " a:1, b:1 ,,")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1", "b:1"}, cfg.Endpoints)
}

func TestMalformedEnvIsReported(t *testing.T) {
	t.Setenv("SOLOIST_RETRY_INTERVAL", "soon")
	_, err := LoadConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SOLOIST_RETRY_INTERVAL")
}

func TestMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown backend":     func(c *Config) { c.Backend = "consul" },
		"no endpoints":        func(c *Config) { c.Endpoints = nil },
		"relative path":       func(c *Config) { c.ElectionPath = "jobs" },
		"zero retry interval": func(c *Config) { c.RetryInterval = 0 },
		"negative attempts":   func(c *Config) { c.MaxInitAttempts = -1 },
		"bad cron":            func(c *Config) { c.Job.Schedule = "every tuesday" },
		"empty candidate":     func(c *Config) { c.CandidateID = " " },
		"bad encoding":        func(c *Config) { c.Log.Encoding = "xml" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRedisStopTimeoutMustFitLeaseMargin(t *testing.T) {
	cfg := Default()
	cfg.Backend = BackendRedis
	require.NoError(t, cfg.Validate(), "defaults fit")

	cfg.Job.StopTimeout = 6 * time.Second
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lease ttl")

	cfg.Backend = BackendZookeeper
	assert.NoError(t, cfg.Validate(), "only the redis lease bounds the stop")
}

func TestMemoryBackendNeedsNoEndpoints(t *testing.T) {
	cfg := Default()
	cfg.Backend = BackendMemory
	cfg.Endpoints = nil
	assert.NoError(t, cfg.Validate())
}
