package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Port:                 "8080",
		Env:                  "development",
		Currency:             "INR",
		MinWithdrawal:        50000,
		PaymentKeySecret:     "key-secret",
		PaymentWebhookSecret: "webhook-secret",
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PAYMENT_KEY_SECRET", "key-secret")
	t.Setenv("PAYMENT_WEBHOOK_SECRET", "webhook-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultCurrency, cfg.Currency)
	assert.Equal(t, int64(DefaultMinWithdrawal), cfg.MinWithdrawal)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestLoad_MissingSecrets(t *testing.T) {
	t.Setenv("PAYMENT_KEY_SECRET", "")
	t.Setenv("PAYMENT_WEBHOOK_SECRET", "")

	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"no key secret", func(c *Config) { c.PaymentKeySecret = "" }, true},
		{"no webhook secret", func(c *Config) { c.PaymentWebhookSecret = "" }, true},
		{"negative min withdrawal", func(c *Config) { c.MinWithdrawal = -1 }, true},
		{"bad currency", func(c *Config) { c.Currency = "RUPEES" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
