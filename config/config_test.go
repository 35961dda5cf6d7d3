package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortressi/saga"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`log:
  level: debug
`))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.StepTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Orchestrator.AwaitPollInterval)
	assert.True(t, cfg.RecoveryEnabled())
	assert.Equal(t, 5*time.Minute, cfg.Recovery.StaleAfter)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, SinkNone, cfg.Events.Sink)
	assert.True(t, cfg.MetricsEnabled())
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	require.NoError(t, cfg.Validate())
}

func TestParseFull(t *testing.T) {
	cfg, err := Parse([]byte(`
http:
  addr: ":9090"
orchestrator:
  worker_id: "worker-a"
  step_timeout: 5s
  retry:
    max_attempts: 4
    initial_backoff: 20ms
  compensation:
    max_attempts: 8
recovery:
  enabled: false
store:
  driver: redis
redis:
  addr: "localhost:6379"
  prefix: "orders"
kafka:
  brokers: ["localhost:9092"]
  topic: "saga-events"
events:
  sink: kafka
metrics:
  enabled: false
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "worker-a", cfg.Orchestrator.WorkerID)
	assert.Equal(t, 5*time.Second, cfg.Orchestrator.StepTimeout)
	assert.False(t, cfg.RecoveryEnabled())
	assert.False(t, cfg.MetricsEnabled())
	assert.Equal(t, "orders", cfg.Redis.Prefix)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)

	step := cfg.Orchestrator.Retry.Policy(saga.DefaultRetryPolicy())
	assert.Equal(t, 4, step.MaxAttempts)
	assert.Equal(t, 20*time.Millisecond, step.InitialBackoff)
	assert.Equal(t, saga.DefaultRetryPolicy().MaxBackoff, step.MaxBackoff)

	comp := cfg.Orchestrator.Compensation.Policy(saga.DefaultCompensationPolicy())
	assert.Equal(t, 8, comp.MaxAttempts)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"bad format":       "log:\n  format: xml\n",
		"unknown driver":   "store:\n  driver: cassandra\n",
		"postgres no dsn":  "store:\n  driver: postgres\n",
		"redis no addr":    "store:\n  driver: redis\n",
		"kafka no brokers": "events:\n  sink: kafka\n",
		"unknown sink":     "events:\n  sink: nats\n",
		"stale too short":  "orchestrator:\n  step_timeout: 1m\nrecovery:\n  stale_after: 30s\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Parse([]byte(doc))
			require.NoError(t, err)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sagad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: file\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "data/sagas", cfg.Store.Dir)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := LogConfig{Level: "warn", Format: "json"}.NewLogger("sagad", &buf)
	require.NoError(t, err)

	log.Info().Msg("dropped")
	log.Warn().Str("saga_id", "s-1").Msg("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "kept", line["message"])
	assert.Equal(t, "sagad", line["service"])
	assert.Equal(t, "s-1", line["saga_id"])

	_, err = LogConfig{Level: "loud"}.NewLogger("sagad", &buf)
	assert.Error(t, err)
}

func TestShippedConfigIsValid(t *testing.T) {
	cfg, err := Load("sagad.yaml")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DriverFile, cfg.Store.Driver)
	assert.Equal(t, 15*time.Second, cfg.HTTP.ShutdownTimeout)
}
