package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseFlags(fs, []string{"--debug", "--addr=:9999", "--shutdown-timeout=3s"})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
	assert.Empty(t, cfg.ConfigPath)
}

func TestParseFlags_EnvFallback(t *testing.T) {
	t.Setenv("DAQ_LOG_FORMAT", "text")
	t.Setenv("DAQ_SHUTDOWN_TIMEOUT", "7s")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseFlags(fs, nil)
	require.NoError(t, err)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 7*time.Second, cfg.ShutdownTimeout)
}

func TestValidateFlags(t *testing.T) {
	valid := func() *CLIConfig {
		return &CLIConfig{LogLevel: "info", LogFormat: "json", ShutdownTimeout: time.Second}
	}

	tests := []struct {
		name    string
		mutate  func(*CLIConfig)
		wantErr bool
	}{
		{"defaults", func(*CLIConfig) {}, false},
		{"empty overrides", func(c *CLIConfig) { c.LogLevel, c.LogFormat = "", "" }, false},
		{"bad level", func(c *CLIConfig) { c.LogLevel = "loud" }, true},
		{"bad format", func(c *CLIConfig) { c.LogFormat = "xml" }, true},
		{"missing file", func(c *CLIConfig) { c.ConfigPath = "/nonexistent/daqd.yaml" }, true},
		{"zero timeout", func(c *CLIConfig) { c.ShutdownTimeout = 0 }, true},
		{"version skips checks", func(c *CLIConfig) { c.ShowVersion, c.LogLevel = true, "loud" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := validateFlags(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestInitializeConfiguration_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daqd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  addr: \":7000\"\nlog:\n  level: warn\n"), 0o600))

	cfg, err := initializeConfiguration(&CLIConfig{ConfigPath: path})
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.HTTP.Addr)
	assert.Equal(t, "warn", cfg.Log.Level)

	cfg, err = initializeConfiguration(&CLIConfig{ConfigPath: path, Addr: ":7100", LogLevel: "debug"})
	require.NoError(t, err)
	assert.Equal(t, ":7100", cfg.HTTP.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "info", "json")
	logger.Debug("hidden")
	logger.Info("visible", "sensor", "t1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "visible", entry["msg"])
	assert.Equal(t, appName, entry["service"])
	assert.Equal(t, Version, entry["version"])
	assert.Equal(t, "t1", entry["sensor"])

	buf.Reset()
	setupLogger(&buf, "debug", "text").Debug("shown")
	assert.Contains(t, buf.String(), "msg=shown")
	assert.Contains(t, buf.String(), "source=")
}
