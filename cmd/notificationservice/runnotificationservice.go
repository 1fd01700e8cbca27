package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	firebase "firebase.google.com/go/v4"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-marketplace-notifications/internal/platform/apns"
	"github.com/tinywideclouds/go-marketplace-notifications/internal/platform/fcm"
	"github.com/tinywideclouds/go-marketplace-notifications/internal/platform/web"
	"github.com/tinywideclouds/go-marketplace-notifications/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-marketplace-notifications/internal/storage/firestore"
	"github.com/tinywideclouds/go-marketplace-notifications/internal/storage/memory"
	"github.com/tinywideclouds/go-marketplace-notifications/notificationservice"
	"github.com/tinywideclouds/go-marketplace-notifications/notificationservice/config"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/dispatch"
)

//go:embed local.yaml
var configFile []byte

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-marketplace-notifications")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Error("Embedded yaml config is invalid", "err", err)
		os.Exit(1)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Infrastructure Clients ---
	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Error("PubSub client failed", "err", err)
		os.Exit(1)
	}
	defer psClient.Close()

	fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Error("Firestore client failed", "err", err)
		os.Exit(1)
	}
	defer fsClient.Close()

	// --- Stores (optionally cached) ---
	var recordStore dispatch.RecordStore
	switch cfg.RecordStore {
	case config.StoreMemory:
		recordStore = memory.NewRecordStore()
	default:
		recordStore = fsStore.NewRecordStore(fsClient)
	}
	var devices dispatch.DeviceRegistry = fsStore.NewDeviceRegistry(fsClient, cfg.GatewayProvider, logger)
	logger.Info("Stores initialized", "record_store", cfg.RecordStore)

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		recordStore = cache.NewCachedRecordStore(recordStore, redisClient, cfg.Redis.TTL, logger)
		devices = cache.NewCachedDeviceRegistry(devices, redisClient, cfg.Redis.TTL)
		logger.Info("Stores upgraded", "cache", "redis", "ttl", cfg.Redis.TTL)
	}

	// --- Auth ---
	identityURL := os.Getenv("IDENTITY_SERVICE_URL")
	if identityURL == "" {
		identityURL = "http://localhost:3000"
	}
	jwksURL, err := middleware.DiscoverAndValidateJWTConfig(identityURL, middleware.RSA256, logger)
	if err != nil {
		logger.Error("JWT discovery failed", "identity_url", identityURL, "err", err)
		os.Exit(1)
	}
	authMiddleware, err := middleware.NewJWKSAuthMiddleware(jwksURL, logger)
	if err != nil {
		logger.Error("Auth middleware failed", "err", err)
		os.Exit(1)
	}

	// --- Push Gateway ---
	gateway, err := newGateway(ctx, cfg, logger)
	if err != nil {
		logger.Error("Push gateway failed", "provider", cfg.GatewayProvider, "err", err)
		os.Exit(1)
	}

	// --- Consumer & Service ---
	consumer, err := newIngestionConsumer(ctx, cfg, psClient, logger)
	if err != nil {
		logger.Error("Ingestion consumer failed", "err", err)
		os.Exit(1)
	}

	service, err := notificationservice.New(cfg, consumer, gateway, recordStore, devices, authMiddleware, logger)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = service.Shutdown(shutdownCtx)
	}()

	logger.Info("Starting service...", "gateway_provider", cfg.GatewayProvider)
	if err := service.Start(ctx); err != nil {
		logger.Error("Service shutdown with error", "err", err)
		os.Exit(1)
	}
}

func newGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) (dispatch.Gateway, error) {
	switch cfg.GatewayProvider {
	case config.ProviderAPNS:
		gw, err := apns.NewGateway(apns.Config{
			KeyID:        cfg.APNS.KeyID,
			TeamID:       cfg.APNS.TeamID,
			BundleID:     cfg.APNS.BundleID,
			P8KeyContent: cfg.APNS.P8KeyContent,
			Sandbox:      cfg.APNS.Sandbox,
		}, logger)
		if err != nil {
			return nil, err
		}
		return gw, nil
	case config.ProviderWeb:
		return web.NewGateway(web.Config{
			PublicKey:       cfg.Vapid.PublicKey,
			PrivateKey:      cfg.Vapid.PrivateKey,
			SubscriberEmail: cfg.Vapid.SubscriberEmail,
		}, logger), nil
	default:
		fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
		}
		client, err := fbApp.Messaging(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create FCM messaging client: %w", err)
		}
		return fcm.NewGateway(client, logger), nil
	}
}

func newIngestionConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	subConfig := &pubsubpb.Subscription{
		Name:               pubsubName(cfg.ProjectID, "subscriptions", cfg.PubsubConsumerConfig.SubscriptionID),
		Topic:              pubsubName(cfg.ProjectID, "topics", cfg.TopicID),
		AckDeadlineSeconds: 10,
		DeadLetterPolicy: &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     pubsubName(cfg.ProjectID, "topics", cfg.SubscriptionDLQTopicID),
			MaxDeliveryAttempts: 5,
		},
	}
	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	if _, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig); err != nil {
		if status.Code(err) != codes.AlreadyExists {
			return nil, fmt.Errorf("could not create subscription %s: %w", subConfig.Name, err)
		}
		logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
	}

	return messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(subConfig.Name), psClient, logger,
	)
}

func pubsubName(project, kind, id string) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, kind, id)
}
