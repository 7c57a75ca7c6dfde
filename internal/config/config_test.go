package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"codeberg.org/mutker/homerecorder/internal/config"
	"codeberg.org/mutker/homerecorder/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setArgs replaces os.Args for the duration of the test so the test
// binary's own flags do not leak into the flag set.
func setArgs(t *testing.T, args ...string) {
	t.Helper()

	saved := os.Args
	os.Args = append([]string{"homerecorder"}, args...)
	t.Cleanup(func() { os.Args = saved })
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "homerecorder.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoadDefaults(t *testing.T) {
	setArgs(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "localhost", cfg.MQTT.Broker)
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.Equal(t, "homed", cfg.MQTT.Prefix)
	assert.Equal(t, "homed-recorder", cfg.MQTT.ClientID)
	assert.Equal(t, "/var/lib/homerecorder/homerecorder.db", cfg.Database.File)
	assert.Equal(t, 7, cfg.Database.Days)
	assert.False(t, cfg.Database.Debug)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"

[mqtt]
broker = "broker.local"
port = 8883
prefix = "testd"

[database]
file = "/tmp/test.db"
days = 30
debug = true
`)
	setArgs(t, "--config", path)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "broker.local", cfg.MQTT.Broker)
	assert.Equal(t, 8883, cfg.MQTT.Port)
	assert.Equal(t, "testd", cfg.MQTT.Prefix)
	assert.Equal(t, "/tmp/test.db", cfg.Database.File)
	assert.Equal(t, 30, cfg.Database.Days)
	assert.True(t, cfg.Database.Debug)
}

func TestLoadFromEnvPath(t *testing.T) {
	path := writeConfig(t, `
[mqtt]
broker = "env.local"
`)
	setArgs(t)
	t.Setenv("HOMERECORDER_CONFIG", path)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "env.local", cfg.MQTT.Broker)
}

func TestLoadInvalidTOML(t *testing.T) {
	path := writeConfig(t, `log_level = `)
	setArgs(t, "--config", path)

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to read config file")
}

func TestLoadInvalidLogLevel(t *testing.T) {
	path := writeConfig(t, `log_level = "chatty"`)
	setArgs(t, "--config", path)

	_, err := config.Load()
	require.Error(t, err)

	var appErr errors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, errors.ErrInvalidLogLevel, appErr.Code())
}

func TestLogLevelFlagOverridesFile(t *testing.T) {
	path := writeConfig(t, `log_level = "error"`)
	setArgs(t, "--config", path, "--log-level", "debug")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestNonPositiveDaysFallsBack(t *testing.T) {
	path := writeConfig(t, `
[database]
days = -1
`)
	setArgs(t, "--config", path)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Database.Days)
}

func TestLogLevelPredicates(t *testing.T) {
	cfg := &config.Config{LogLevel: "debug"}
	assert.True(t, cfg.IsDebug())
	assert.True(t, cfg.IsVerbose())

	cfg.LogLevel = "info"
	assert.False(t, cfg.IsDebug())
	assert.True(t, cfg.IsVerbose())

	cfg.LogLevel = "warning"
	assert.False(t, cfg.IsVerbose())
}
