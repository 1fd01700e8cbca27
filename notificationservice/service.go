// Package notificationservice assembles the delivery core, the intent
// ingestion pipeline and the device/topic HTTP surface into one server.
package notificationservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-marketplace-notifications/internal/api"
	"github.com/tinywideclouds/go-marketplace-notifications/internal/coordinator"
	"github.com/tinywideclouds/go-marketplace-notifications/internal/orchestrator"
	"github.com/tinywideclouds/go-marketplace-notifications/internal/pipeline"
	"github.com/tinywideclouds/go-marketplace-notifications/internal/platform/metrics"
	"github.com/tinywideclouds/go-marketplace-notifications/internal/topics"
	"github.com/tinywideclouds/go-marketplace-notifications/notificationservice/config"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/dispatch"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/retry"
)

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[pipeline.IntentRequest]
	logger          *slog.Logger
}

// New assembles the service around an already-built gateway, record store and
// device registry. The gateway is wrapped with Prometheus instrumentation
// served on /metrics.
func New(
	cfg *config.Config,
	consumer messagepipeline.MessageConsumer,
	gateway dispatch.Gateway,
	store dispatch.RecordStore,
	devices dispatch.DeviceRegistry,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	registry := prometheus.NewRegistry()
	instrumented, err := metrics.NewGateway(cfg.GatewayProvider, gateway, registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register gateway metrics: %w", err)
	}

	delivery := orchestrator.New(instrumented, logger, orchestrator.WithRetryConfig(retry.Config{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
	}))
	notifier := coordinator.New(store, delivery, devices, logger)

	streamingService, err := messagepipeline.NewStreamingService(
		messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
		consumer,
		pipeline.IntentTransformer,
		pipeline.NewProcessor(notifier, delivery, devices, logger),
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming service: %w", err)
	}

	deviceAPI := api.NewDeviceAPI(devices, logger)
	topicAPI := api.NewTopicAPI(topics.NewManager(instrumented, logger), devices, logger)

	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(authMiddleware(handlerFunc)))
	}

	handle("POST /api/v1/devices", deviceAPI.Register)
	handle("POST /api/v1/devices/unregister", deviceAPI.Unregister)
	handle("POST /api/v1/topics/subscribe", topicAPI.Subscribe)
	handle("POST /api/v1/topics/unsubscribe", topicAPI.Unsubscribe)

	// CORS preflight for the API namespace.
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &Wrapper{
		BaseServer:      baseServer,
		pipelineService: streamingService,
		logger:          logger,
	}, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info("Core processing pipeline starting...")
	if err := w.pipelineService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start processing service: %w", err)
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if err := w.pipelineService.Stop(ctx); err != nil {
		w.logger.Error("Processing pipeline shutdown failed.", "err", err)
		finalErr = err
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
