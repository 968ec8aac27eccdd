package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":5006", cfg.Server.ListenAddr)
	assert.Equal(t, "sf-photodiag", cfg.Elog.Author)
	assert.GreaterOrEqual(t, len(cfg.Devices), 2, "default inventory too small")
	assert.NoError(t, cfg.Validate())
}

func TestConfig_SaveLoad(t *testing.T) {
	t.Setenv("PHOTODIAG_BSREAD_ADDR", "")
	t.Setenv("PHOTODIAG_ELOG_USER", "")

	path := filepath.Join(t.TempDir(), "photodiag.yaml")

	cfg := DefaultConfig()
	cfg.BSRead.Address = "tcp://sf-daqsync-01:9999"
	cfg.Spectrometers = cfg.Spectrometers[:1]
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tcp://sf-daqsync-01:9999", loaded.BSRead.Address)
	assert.Len(t, loaded.Spectrometers, 1)
}

func TestConfig_LoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("PHOTODIAG_EPICS_ADDR", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err, "missing file should fall back to defaults")
	assert.Equal(t, ":5006", cfg.Server.ListenAddr)
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("PHOTODIAG_BSREAD_ADDR", "tcp://override:9000")
	t.Setenv("PHOTODIAG_ELOG_USER", "operator")
	t.Setenv("PHOTODIAG_ELOG_PASSWORD", "hunter2")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "tcp://override:9000", cfg.BSRead.Address)
	assert.Equal(t, "operator", cfg.Elog.User)
	assert.Equal(t, "hunter2", cfg.Elog.Password)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Devices = cfg.Devices[:1]
	assert.Error(t, cfg.Validate(), "a single monitor cannot be correlated")

	cfg = DefaultConfig()
	cfg.Spectrometers[0].ScanStep = 0
	assert.Error(t, cfg.Validate(), "zero scan_step must be rejected")
}

func TestConfig_DurationGetters(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 30.0, cfg.GetElogTimeout().Seconds())

	cfg.Elog.Timeout = "bogus"
	assert.Equal(t, 30.0, cfg.GetElogTimeout().Seconds(), "malformed duration should fall back")
}

func TestConfig_Inventory(t *testing.T) {
	inv := DefaultConfig().Inventory()
	assert.GreaterOrEqual(t, len(inv.Monitors()), 2)

	s, err := inv.Spectrometer("SARFE10-PSSS059")
	require.NoError(t, err)
	assert.True(t, s.MotorRecord, "SARFE10-PSSS059 drives its axis through the motor record")
}
