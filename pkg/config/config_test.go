package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fieldwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, uint8(1), cfg.MQTT.QoS)
	assert.Equal(t, 5*time.Second, cfg.MQTT.ReconnectBase)
	assert.Equal(t, 300*time.Second, cfg.MQTT.ReconnectMax)
	assert.Equal(t, 30*time.Second, cfg.Ingest.DedupWindow)
	assert.Equal(t, 60*time.Second, cfg.Ingest.MergeWindow)
	assert.Equal(t, 1, cfg.Ingest.Workers)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, []string{
		"alat/data", "alat/data/system", "alat/data/detection",
		"alat/data/cpu", "alat/data/ram", "alat/data/storage",
	}, cfg.Topics.All())
}

func TestFileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
mqtt:
  broker: tcp://10.0.0.5:1883
  username: field
  reconnect_base: 2s
topics:
  environmental: sawah/data
ingest:
  workers: 4
`)
	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, "tcp://10.0.0.5:1883", cfg.MQTT.Broker)
	assert.Equal(t, "field", cfg.MQTT.Username)
	assert.Equal(t, 2*time.Second, cfg.MQTT.ReconnectBase)
	assert.Equal(t, "sawah/data", cfg.Topics.Environmental)
	assert.Equal(t, "alat/data/system", cfg.Topics.System, "unset keys keep defaults")
	assert.Equal(t, 4, cfg.Ingest.Workers)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "mqtt:\n  broker: tcp://from-file:1883\n")
	t.Setenv("FIELDWATCH_MQTT_BROKER", "tcp://from-env:1883")
	t.Setenv("FIELDWATCH_MQTT_QOS", "2")
	t.Setenv("FIELDWATCH_INGEST_DEDUP_WINDOW", "45s")

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "tcp://from-env:1883", cfg.MQTT.Broker)
	assert.Equal(t, uint8(2), cfg.MQTT.QoS)
	assert.Equal(t, 45*time.Second, cfg.Ingest.DedupWindow)
}

func TestValidationErrorsNameKeys(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"bad driver", "store:\n  driver: mysql\n", "store.driver"},
		{"postgres without dsn", "store:\n  driver: postgres\n", "store.postgres_dsn"},
		{"qos out of range", "mqtt:\n  qos: 3\n", "mqtt.qos"},
		{"cap below base", "mqtt:\n  reconnect_base: 10s\n  reconnect_max: 5s\n", "mqtt.reconnect_max"},
		{"no workers", "ingest:\n  workers: 0\n", "ingest.workers"},
		{"zero dedup window", "ingest:\n  dedup_window: 0s\n", "ingest.dedup_window"},
		{"bad log format", "log:\n  format: xml\n", "log.format"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Load(New(), writeFile(t, c.body))
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), c.want), "error %q should mention %s", err, c.want)
		})
	}
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
