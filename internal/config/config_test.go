// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "br-lan", cfg.Iface)
	assert.Equal(t, 30, cfg.Coin.IdleTimeoutSeconds)
	assert.Equal(t, "Asia/Manila", cfg.TimeZone)
	assert.Len(t, cfg.Rates, 3)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pisond.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
iface: eth1
coin:
  idle_timeout_seconds: 15
  absolute_timeout_seconds: 45
rates:
  - amount: 5
    minutes: 10
    down_kbps: 4096
    up_kbps: 1024
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "eth1", cfg.Iface)
	assert.Equal(t, 15, cfg.Coin.IdleTimeoutSeconds)
	require.Len(t, cfg.Rates, 1)
	assert.Equal(t, 10, cfg.Rates[0].Minutes)
	assert.Equal(t, ":8814", cfg.Ingest.Addr, "untouched sections keep defaults")
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("PISOND_IFACE", "wlan0")
	t.Setenv("PISOND_SUB_VENDO_KEY", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "wlan0", cfg.Iface)
	assert.Equal(t, "s3cret", cfg.Ingest.SubVendoKey)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := map[string]func(*Config){
		"empty iface":       func(c *Config) { c.Iface = "" },
		"no rates":          func(c *Config) { c.Rates = nil },
		"zero minute rate":  func(c *Config) { c.Rates[0].Minutes = 0 },
		"inverted timeouts": func(c *Config) { c.Coin.AbsoluteTimeoutSeconds = 5 },
		"bad time zone":     func(c *Config) { c.TimeZone = "Mars/Olympus" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestHolderReloadSwapsAndNotifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pisond.yaml")
	require.NoError(t, os.WriteFile(path, []byte("iface: eth0\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	h := NewHolder(cfg, path)
	updates := h.RegisterListener()

	require.NoError(t, os.WriteFile(path, []byte("iface: eth9\n"), 0o600))
	require.NoError(t, h.Reload())
	assert.Equal(t, "eth9", h.Get().Iface)

	select {
	case next := <-updates:
		assert.Equal(t, "eth9", next.Iface)
	case <-time.After(time.Second):
		t.Fatal("listener not notified")
	}
}

func TestHolderReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pisond.yaml")
	require.NoError(t, os.WriteFile(path, []byte("iface: eth0\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	h := NewHolder(cfg, path)

	require.NoError(t, os.WriteFile(path, []byte("iface: \"\"\n"), 0o600))
	require.Error(t, h.Reload())
	assert.Equal(t, "eth0", h.Get().Iface)
}

func TestHolderWatcherPicksUpWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pisond.yaml")
	require.NoError(t, os.WriteFile(path, []byte("iface: eth0\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	h := NewHolder(cfg, path)
	require.NoError(t, h.StartWatcher())
	t.Cleanup(h.Stop)

	require.NoError(t, os.WriteFile(path, []byte("iface: eth1\n"), 0o600))
	require.Eventually(t, func() bool {
		return h.Get().Iface == "eth1"
	}, 3*time.Second, 50*time.Millisecond)
}
