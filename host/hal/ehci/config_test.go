package ehci

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ardnew/softehci/pkg"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 16, cfg.ArenaPages)
	assert.Equal(t, 3, cfg.ResetRetries)
	assert.Equal(t, 50, cfg.ResetHoldMs)
	assert.Equal(t, 1000, cfg.ConnectSettleMs)
	assert.Equal(t, 3, cfg.ErrorRetries)
	assert.Equal(t, 15, cfg.NakReload)
	assert.Equal(t, 8, cfg.InterruptThreshold)
	assert.Equal(t, 21, RegionPages(cfg))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name  string
		tweak func(*Config)
		ok    bool
	}{
		{"no arena", func(c *Config) { c.ArenaPages = 0 }, true},
		{"arena too large", func(c *Config) { c.ArenaPages = maxArenaPages + 1 }, false},
		{"unbounded handshakes", func(c *Config) { c.HandshakeLimit = 0 }, true},
		{"negative handshake limit", func(c *Config) { c.HandshakeLimit = -1 }, false},
		{"no resets", func(c *Config) { c.ResetRetries = 0 }, false},
		{"negative delay", func(c *Config) { c.ResetPollMs = -1 }, false},
		{"zero delays", func(c *Config) { c.ConnectSettleMs, c.PowerSettleMs = 0, 0 }, true},
		{"error retries", func(c *Config) { c.ErrorRetries = 4 }, false},
		{"nak reload", func(c *Config) { c.NakReload = 16 }, false},
		{"threshold", func(c *Config) { c.InterruptThreshold = 3 }, false},
		{"smallest threshold", func(c *Config) { c.InterruptThreshold = 1 }, true},
		{"largest threshold", func(c *Config) { c.InterruptThreshold = 64 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.tweak(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
			}
		})
	}
}
