package main

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{port: 8080, currencyPerPoint: "0.25"}
	}

	t.Run("defaults are valid", func(t *testing.T) {
		cfg := base()
		require.NoError(t, cfg.validate())
		assert.True(t, decimal.RequireFromString("0.25").Equal(cfg.rate))
		assert.Equal(t, "http", cfg.scheme())
	})

	cases := map[string]func(*Config){
		"cert without key": func(c *Config) { c.tlsCert = "cert.pem" },
		"key without cert": func(c *Config) { c.tlsKey = "key.pem" },
		"port too low":     func(c *Config) { c.port = 0 },
		"port too high":    func(c *Config) { c.port = 70000 },
		"rate not numeric": func(c *Config) { c.currencyPerPoint = "ten" },
		"negative rate":    func(c *Config) { c.currencyPerPoint = "-1" },
		"negative timeout": func(c *Config) { c.playerTimeout = -time.Second },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(cfg)
			assert.Error(t, cfg.validate())
		})
	}

	t.Run("tls pair selects https", func(t *testing.T) {
		cfg := base()
		cfg.tlsCert, cfg.tlsKey = "cert.pem", "key.pem"
		require.NoError(t, cfg.validate())
		assert.Equal(t, "https", cfg.scheme())
	})
}

func TestNewCmdDefaults(t *testing.T) {
	cfg := &Config{}
	_ = newCmd(cfg)

	assert.Equal(t, "0.0.0.0", cfg.bind)
	assert.Equal(t, 8080, cfg.port)
	assert.Equal(t, "0", cfg.currencyPerPoint)
	assert.True(t, cfg.practice)
	assert.Equal(t, 10*time.Minute, cfg.playerTimeout)
	assert.Equal(t, 120*time.Minute, cfg.sessionTimeout)
}

func TestNewCmdEnvironment(t *testing.T) {
	t.Setenv("CENTIPEDE_PORT", "9090")
	t.Setenv("CENTIPEDE_CURRENCY_PER_POINT", "0.10")
	t.Setenv("CENTIPEDE_PRACTICE", "false")

	cfg := &Config{}
	_ = newCmd(cfg)

	assert.Equal(t, 9090, cfg.port)
	assert.Equal(t, "0.10", cfg.currencyPerPoint)
	assert.False(t, cfg.practice)
}
