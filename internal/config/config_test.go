package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MONITORED_ADDRESS", "0xABCdef")
	t.Setenv("REFRESH_INTERVAL", "")
	t.Setenv("STORE", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0xabcdef", cfg.MonitoredAddress)
	assert.Equal(t, "file", cfg.Store)
	assert.Equal(t, 2, cfg.HourlyWindowDays)
	assert.Equal(t, 5*time.Minute, cfg.RefreshInterval)
	assert.True(t, cfg.AutoUpdate)
	assert.Equal(t, 30*time.Second, cfg.RefreshRateLimit)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MONITORED_ADDRESS", "0xabc")
	t.Setenv("AUTO_UPDATE", "false")
	t.Setenv("REFRESH_INTERVAL", "30s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("MAX_TX_PAGES", "notanumber")
	t.Setenv("REFRESH_RATE_LIMIT", "0s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.AutoUpdate)
	assert.Equal(t, 30*time.Second, cfg.RefreshInterval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, 200, cfg.MaxPages)
	assert.Zero(t, cfg.RefreshRateLimit)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing address", mutate: func(c *Config) { c.MonitoredAddress = "" }, wantErr: true},
		{name: "unknown store", mutate: func(c *Config) { c.Store = "s3" }, wantErr: true},
		{name: "zero window", mutate: func(c *Config) { c.HourlyWindowDays = 0 }, wantErr: true},
		{name: "auto update without interval", mutate: func(c *Config) { c.RefreshInterval = 0 }, wantErr: true},
		{name: "disabled without interval", mutate: func(c *Config) { c.AutoUpdate = false; c.RefreshInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{
				MonitoredAddress: "0xabc",
				Store:            "file",
				HourlyWindowDays: 2,
				AutoUpdate:       true,
				RefreshInterval:  time.Minute,
			}
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
