// ABOUTME: Tests for command-line config resolution, init, and the log handler
// ABOUTME: Runs against temp dirs with SMBCTL_CONFIG and XDG_CONFIG_HOME overridden

package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/smbctl/internal/config"
)

func isolateConfig(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv(config.EnvConfigPath, "")
}

func TestLoadConfig_PositionalShareAndNoHistory(t *testing.T) {
	isolateConfig(t)

	f := newCommonFlags("serve")
	require.NoError(t, f.set.Parse([]string{"--no-history", "/srv/share"}))

	cfg, path, err := loadConfig(f)
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, "/srv/share", cfg.Share.Root)
	assert.True(t, cfg.Share.NoHistory)
	assert.Equal(t, 20*time.Second, cfg.Liveness.Timeout)
}

func TestLoadConfig_FileThenOverride(t *testing.T) {
	isolateConfig(t)

	cfgPath := filepath.Join(t.TempDir(), "smbctl.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("share:\n  root: /from/file\nliveness:\n  timeout: 45s\n"), 0644))
	t.Setenv(config.EnvConfigPath, cfgPath)

	f := newCommonFlags("serve")
	require.NoError(t, f.set.Parse(nil))
	cfg, path, err := loadConfig(f)
	require.NoError(t, err)
	assert.Equal(t, cfgPath, path)
	assert.Equal(t, "/from/file", cfg.Share.Root)
	assert.Equal(t, 45*time.Second, cfg.Liveness.Timeout)

	f = newCommonFlags("serve")
	require.NoError(t, f.set.Parse([]string{"/from/args"}))
	cfg, _, err = loadConfig(f)
	require.NoError(t, err)
	assert.Equal(t, "/from/args", cfg.Share.Root)
}

func TestLoadConfig_RequiresShare(t *testing.T) {
	isolateConfig(t)

	f := newCommonFlags("serve")
	require.NoError(t, f.set.Parse(nil))
	_, _, err := loadConfig(f)
	assert.ErrorContains(t, err, "share.root")
}

func TestRunInit_WritesLoadableConfig(t *testing.T) {
	isolateConfig(t)
	target := filepath.Join(t.TempDir(), "conf", "smbctl.yaml")

	answers := strings.Join([]string{
		target,       // config path
		"/srv/share", // share root
		"yes",        // disable history
		"",           // catalog default
		"",           // ledger disabled
		"debug",      // level
		"",           // format default
		"no",         // metrics
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, runInit(strings.NewReader(answers), &out))
	assert.Contains(t, out.String(), "Config written to "+target)

	cfg, err := config.Load(target)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/srv/share", cfg.Share.Root)
	assert.True(t, cfg.Share.NoHistory)
	assert.Equal(t, "plugins", cfg.Plugins.CatalogDir)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestRunInit_RequiresShare(t *testing.T) {
	isolateConfig(t)
	target := filepath.Join(t.TempDir(), "smbctl.yaml")

	err := runInit(strings.NewReader(target+"\n\n"), &bytes.Buffer{})
	assert.Error(t, err)
	assert.NoFileExists(t, target)
}

func TestColorHandler(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelInfo))

	logger.Debug("hidden")
	logger.With("component", "watcher").Info("share scanned", "agents", 3)
	logger.WithGroup("req").Warn("slow", "ms", 12)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF share scanned component=watcher agents=3\n")
	assert.Contains(t, out, "WRN slow req.ms=12\n")
}
