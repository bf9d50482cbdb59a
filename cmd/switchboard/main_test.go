// ABOUTME: Tests for the switchboard CLI helpers
// ABOUTME: Covers config path resolution, secret hashing, and the console log handler

package main

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestGetConfigPath(t *testing.T) {
	t.Setenv("SWITCHBOARD_CONFIG", "/etc/switchboard.toml")
	assert.Equal(t, "/etc/switchboard.toml", getConfigPath())

	t.Setenv("SWITCHBOARD_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "switchboard", "config.yaml"), getConfigPath())
}

func TestRunHashSecret(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runHashSecret(strings.NewReader("hunter2\n"), &out))

	hash := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter2")))

	assert.Error(t, runHashSecret(strings.NewReader("  \n"), &out))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelInfo)).
		With("component", "relay").
		WithGroup("req").
		With("id", "r1")

	logger.Info("handled", "path", "agent")
	logger.Debug("hidden")

	line := buf.String()
	assert.Contains(t, line, "INF handled")
	assert.Contains(t, line, "component=relay")
	assert.Contains(t, line, "req.id=r1")
	assert.Contains(t, line, "req.path=agent")
	assert.NotContains(t, line, "hidden")
}
