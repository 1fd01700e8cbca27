// Package coordinator couples push delivery to record persistence. The record
// is written first and is the success signal; push is best-effort.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-marketplace-notifications/pkg/dispatch"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notification"
)

// Dispatcher is the slice of the delivery orchestrator the coordinator uses.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg notification.Message, target notification.Target) (notification.DeliveryResult, error)
	DispatchMulticast(ctx context.Context, intent notification.Intent, tokens []string) (notification.DeliveryResult, error)
}

// Outcome is what a caller learns from one notify call.
type Outcome struct {
	Record notification.Record
	// Delivery is nil when no push was attempted.
	Delivery *notification.DeliveryResult
	// PushErr is the reported push failure, if any. It is informational only.
	PushErr error
	// InvalidTokens lists the tokens the gateway reported as permanently invalid.
	InvalidTokens []string
}

type Coordinator struct {
	store      dispatch.RecordStore
	dispatcher Dispatcher
	sink       dispatch.InvalidationSink
	logger     *slog.Logger
}

// New creates a Coordinator. sink may be nil, in which case invalid tokens are
// only reported in the Outcome.
func New(store dispatch.RecordStore, dispatcher Dispatcher, sink dispatch.InvalidationSink, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:      store,
		dispatcher: dispatcher,
		sink:       sink,
		logger:     logger.With("component", "ChannelCoordinator"),
	}
}

// NotifyUser persists a record for intent and, when deviceToken is non-empty,
// pushes it to that device. Only a failed record write is returned as an error
// (wrapping notification.ErrStoreWrite).
func (c *Coordinator) NotifyUser(ctx context.Context, user urn.URN, intent notification.Intent, deviceToken string) (Outcome, error) {
	var tokens []string
	if t := strings.TrimSpace(deviceToken); t != "" {
		tokens = []string{t}
	}
	return c.notify(ctx, user, intent, tokens)
}

// NotifyDevices persists one record and pushes it to every token. A single
// surviving token is sent as a unary push, several as one multicast.
func (c *Coordinator) NotifyDevices(ctx context.Context, user urn.URN, intent notification.Intent, tokens []string) (Outcome, error) {
	return c.notify(ctx, user, intent, notification.NormalizeTokens(tokens))
}

func (c *Coordinator) notify(ctx context.Context, user urn.URN, intent notification.Intent, tokens []string) (Outcome, error) {
	log := c.logger.With("user", user.String(), "type", intent.Type)

	record, err := c.store.Create(ctx, notification.NewRecord(user, intent))
	if err != nil {
		log.Error("Failed to persist notification record", "err", err)
		return Outcome{}, fmt.Errorf("%w: %w", notification.ErrStoreWrite, err)
	}
	outcome := Outcome{Record: record}

	if len(tokens) == 0 {
		log.Debug("No device tokens, skipping push", "record_id", record.ID)
		return outcome, nil
	}

	var result notification.DeliveryResult
	var pushErr error
	if len(tokens) == 1 {
		result, pushErr = c.dispatcher.Dispatch(ctx, intent.Message(), notification.ToToken(tokens[0]))
	} else {
		result, pushErr = c.dispatcher.DispatchMulticast(ctx, intent, tokens)
	}
	outcome.Delivery = &result
	outcome.PushErr = pushErr
	outcome.InvalidTokens = result.InvalidTokens

	if pushErr != nil {
		log.Warn("Push delivery failed, record kept", "record_id", record.ID, "err", pushErr)
	} else {
		log.Info("Notification delivered",
			"record_id", record.ID,
			"success_count", result.SuccessCount,
			"failure_count", result.FailureCount,
		)
	}

	if len(result.InvalidTokens) > 0 && c.sink != nil {
		if err := c.sink.InvalidateTokens(ctx, user, result.InvalidTokens); err != nil {
			log.Error("Failed to hand off invalid tokens", "count", len(result.InvalidTokens), "err", err)
		}
	}
	return outcome, nil
}
