package config_test

import (
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-marketplace-notifications/notificationservice/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUpdateConfigWithEnvOverrides(t *testing.T) {
	logger := newTestLogger()

	baseConfig := func() *config.Config {
		return &config.Config{
			ProjectID:          "base-project",
			ListenAddr:         ":8080",
			SubscriptionID:     "base-sub",
			NumPipelineWorkers: 2,
			Vapid: config.VapidConfig{
				PublicKey:  "base-pub",
				PrivateKey: "base-priv",
			},
		}
	}

	t.Run("Success - All overrides applied", func(t *testing.T) {
		cfg := baseConfig()

		t.Setenv("PROJECT_ID", "env-project")
		t.Setenv("PORT", "9090")
		t.Setenv("SUBSCRIPTION_ID", "env-sub")
		t.Setenv("VAPID_PUBLIC_KEY", "env-pub")
		t.Setenv("VAPID_PRIVATE_KEY", "env-priv")
		t.Setenv("VAPID_SUB_EMAIL", "env@test.com")
		t.Setenv("GATEWAY_PROVIDER", "WEB")
		t.Setenv("RECORD_STORE", "memory")
		t.Setenv("RETRY_MAX_ATTEMPTS", "5")
		t.Setenv("RETRY_INITIAL_DELAY", "250ms")
		t.Setenv("REDIS_ADDR", "localhost:6379")
		t.Setenv("REDIS_TTL", "10m")

		finalCfg, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)

		assert.Equal(t, "env-project", finalCfg.ProjectID)
		assert.Equal(t, ":9090", finalCfg.ListenAddr)
		assert.Equal(t, "env-sub", finalCfg.SubscriptionID)
		assert.Equal(t, "env-pub", finalCfg.Vapid.PublicKey)
		assert.Equal(t, "env-priv", finalCfg.Vapid.PrivateKey)
		assert.Equal(t, "env@test.com", finalCfg.Vapid.SubscriberEmail)
		assert.Equal(t, config.ProviderWeb, finalCfg.GatewayProvider)
		assert.Equal(t, config.StoreMemory, finalCfg.RecordStore)
		assert.Equal(t, 5, finalCfg.Retry.MaxAttempts)
		assert.Equal(t, 250*time.Millisecond, finalCfg.Retry.InitialDelay)
		assert.True(t, finalCfg.Redis.Enabled)
		assert.Equal(t, 10*time.Minute, finalCfg.Redis.TTL)
	})

	t.Run("Success - Defaults applied", func(t *testing.T) {
		cfg := baseConfig()
		finalCfg, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)

		assert.Equal(t, "base-project", finalCfg.ProjectID)
		assert.Equal(t, "base-pub", finalCfg.Vapid.PublicKey)
		assert.Equal(t, config.ProviderFCM, finalCfg.GatewayProvider)
		assert.Equal(t, config.StoreFirestore, finalCfg.RecordStore)
		assert.Equal(t, 3, finalCfg.Retry.MaxAttempts)
		assert.Equal(t, time.Second, finalCfg.Retry.InitialDelay)
		assert.Equal(t, 24*time.Hour, finalCfg.Redis.TTL)
		assert.NotNil(t, finalCfg.PubsubConsumerConfig)
	})

	t.Run("Invalid retry values are ignored", func(t *testing.T) {
		cfg := baseConfig()
		t.Setenv("RETRY_MAX_ATTEMPTS", "-2")
		t.Setenv("RETRY_INITIAL_DELAY", "soon")

		finalCfg, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)
		assert.Equal(t, 3, finalCfg.Retry.MaxAttempts)
		assert.Equal(t, time.Second, finalCfg.Retry.InitialDelay)
	})

	t.Run("Validation Failure - Missing ProjectID", func(t *testing.T) {
		cfg := &config.Config{SubscriptionID: "sub"}
		os.Unsetenv("PROJECT_ID")
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.Error(t, err)
	})

	t.Run("Validation Failure - Unknown provider", func(t *testing.T) {
		cfg := baseConfig()
		cfg.GatewayProvider = "pigeon"
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.ErrorContains(t, err, "pigeon")
	})

	t.Run("Validation Failure - APNs without key material", func(t *testing.T) {
		cfg := baseConfig()
		cfg.GatewayProvider = config.ProviderAPNS
		cfg.APNS.KeyID = "key"
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.Error(t, err)
	})

	t.Run("Validation Failure - Web without VAPID keys", func(t *testing.T) {
		cfg := baseConfig()
		cfg.GatewayProvider = config.ProviderWeb
		cfg.Vapid = config.VapidConfig{}
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.Error(t, err)
	})

	t.Run("Validation Failure - Unknown record store", func(t *testing.T) {
		cfg := baseConfig()
		cfg.RecordStore = "postgres"
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.Error(t, err)
	})
}
