package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("HOOK0_WORKER_CONCURRENCY")
	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Worker.Concurrency)
	assert.Equal(t, QueueTypePostgres, cfg.Worker.QueueType)
	assert.NotEmpty(t, cfg.Postgres.DSN)
}

func TestValidate_RejectsBadConcurrency(t *testing.T) {
	cfg := defaultConfig()
	cfg.Worker.Concurrency = 0
	assert.Error(t, Validate(cfg))
}

func TestValidate_RejectsLeaseNotExceedingTimeout(t *testing.T) {
	cfg := defaultConfig()
	cfg.Worker.Lease = cfg.Worker.HTTPTimeout
	assert.Error(t, Validate(cfg))
}

func TestValidate_RejectsUnknownQueueType(t *testing.T) {
	cfg := defaultConfig()
	cfg.Worker.QueueType = "kafka"
	assert.Error(t, Validate(cfg))
}

func TestValidate_ExternalQueueRequiresNATSURL(t *testing.T) {
	cfg := defaultConfig()
	cfg.Worker.QueueType = QueueTypeExternal
	cfg.NATS.URL = ""
	assert.Error(t, Validate(cfg))

	cfg.NATS.URL = "nats://localhost:4222"
	assert.NoError(t, Validate(cfg))
}

func TestValidate_RejectsBadMetricsPort(t *testing.T) {
	cfg := defaultConfig()
	cfg.Observability.MetricsPort = 0
	assert.Error(t, Validate(cfg))
}
