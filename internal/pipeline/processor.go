package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-marketplace-notifications/internal/coordinator"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notification"
)

// Notifier is the coordinator operation the processor drives.
type Notifier interface {
	NotifyDevices(ctx context.Context, user urn.URN, intent notification.Intent, tokens []string) (coordinator.Outcome, error)
}

// Broadcaster sends an intent to every device subscribed to a topic.
type Broadcaster interface {
	DispatchTopic(ctx context.Context, intent notification.Intent, topic string) (notification.DeliveryResult, error)
}

// TokenSource looks up a user's registered device tokens.
type TokenSource interface {
	Tokens(ctx context.Context, user urn.URN) ([]string, error)
}

// NewProcessor creates the stage that persists and pushes each intent. When a
// message carries no device tokens they are looked up in tokens (which may be
// nil). Only a failed record write is returned, so the message is redelivered;
// push failures are acknowledged. Topic messages go to broadcaster and are
// redelivered only while the gateway is unavailable.
func NewProcessor(notifier Notifier, broadcaster Broadcaster, tokens TokenSource, logger *slog.Logger) messagepipeline.StreamProcessor[IntentRequest] {
	return func(ctx context.Context, original messagepipeline.Message, request *IntentRequest) error {
		if request.Broadcast() {
			return broadcast(ctx, broadcaster, request, logger.With("topic", request.Topic, "pubsub_msg_id", original.ID))
		}

		procLogger := logger.With(
			"user", request.UserID.String(),
			"pubsub_msg_id", original.ID,
		)

		deviceTokens := request.DeviceTokens
		if len(deviceTokens) == 0 && tokens != nil {
			registered, err := tokens.Tokens(ctx, request.UserID)
			if err != nil {
				// The record is still written; push is best-effort.
				procLogger.Warn("Failed to fetch device tokens", "err", err)
			}
			deviceTokens = registered
		}

		outcome, err := notifier.NotifyDevices(ctx, request.UserID, request.Intent, deviceTokens)
		if err != nil {
			if errors.Is(err, notification.ErrStoreWrite) {
				procLogger.Error("Record write failed, message will be redelivered", "err", err)
				return err
			}
			procLogger.Error("Notify failed, dropping message", "err", err)
			return nil
		}

		if outcome.Delivery == nil {
			procLogger.Info("No devices registered for user; record stored without push", "record_id", outcome.Record.ID)
			return nil
		}
		procLogger.Info("Intent processed",
			"record_id", outcome.Record.ID,
			"success_count", outcome.Delivery.SuccessCount,
			"failure_count", outcome.Delivery.FailureCount,
			"invalid_tokens", len(outcome.InvalidTokens),
		)
		return nil
	}
}

// broadcast has no record to fall back on, so an unavailable gateway returns
// the error for redelivery. Rejections are acknowledged.
func broadcast(ctx context.Context, broadcaster Broadcaster, request *IntentRequest, log *slog.Logger) error {
	if broadcaster == nil {
		log.Warn("Topic broadcasts are not configured, dropping message")
		return nil
	}
	result, err := broadcaster.DispatchTopic(ctx, request.Intent, request.Topic)
	switch {
	case errors.Is(err, notification.ErrGatewayUnavailable):
		log.Error("Topic broadcast failed, message will be redelivered", "err", err)
		return err
	case err != nil:
		log.Error("Topic broadcast rejected, dropping message", "err", err)
		return nil
	}
	log.Info("Topic broadcast sent", "message_id", result.MessageID)
	return nil
}
