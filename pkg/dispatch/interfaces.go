// Package dispatch defines the contracts the dispatch core depends on: the push
// gateway, the notification record store, and the device registry hooks.
package dispatch

import (
	"context"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notification"
)

// Gateway is a narrow view of a push-notification provider. Implementations
// must not persist anything; failures are reported as *notification.GatewayError.
type Gateway interface {
	// SendSingle delivers msg to one device and returns the provider message id.
	SendSingle(ctx context.Context, token string, msg notification.Message) (string, error)
	// SendMulticast delivers msg to a non-empty token set. The returned outcomes
	// are index-aligned with tokens. A non-nil error means no batch response was received.
	SendMulticast(ctx context.Context, tokens []string, msg notification.Message) ([]notification.TokenOutcome, error)
	// SendTopic delivers msg to every device subscribed to topic.
	SendTopic(ctx context.Context, topic string, msg notification.Message) (string, error)
	// Subscribe adds tokens to topic.
	Subscribe(ctx context.Context, tokens []string, topic string) (notification.TopicResult, error)
	// Unsubscribe removes tokens from topic.
	Unsubscribe(ctx context.Context, tokens []string, topic string) (notification.TopicResult, error)
}

// RecordStore persists notification records. Create never dedupes; callers
// that need idempotency must dedupe before calling it.
type RecordStore interface {
	// Create assigns ID and CreatedAt and inserts the record.
	Create(ctx context.Context, record notification.Record) (notification.Record, error)
	Get(ctx context.Context, user urn.URN, id string) (notification.Record, error)
	// List returns up to limit records for user, newest first. limit <= 0 means no limit.
	List(ctx context.Context, user urn.URN, limit int) ([]notification.Record, error)
	MarkRead(ctx context.Context, user urn.URN, id string) error
	// MarkAllRead returns the number of records that changed.
	MarkAllRead(ctx context.Context, user urn.URN) (int, error)
	Delete(ctx context.Context, user urn.URN, id string) error
	// DeleteAll returns the number of records removed.
	DeleteAll(ctx context.Context, user urn.URN) (int, error)
	UnreadCount(ctx context.Context, user urn.URN) (int, error)
}

// InvalidationSink receives tokens the gateway reported as permanently invalid.
// The owner of the user's device list is responsible for removing them.
type InvalidationSink interface {
	InvalidateTokens(ctx context.Context, user urn.URN, tokens []string) error
}

// DeviceRegistry is the slice of the user-profile device store this service
// reads from and prunes.
type DeviceRegistry interface {
	InvalidationSink
	Register(ctx context.Context, user urn.URN, token string) error
	Unregister(ctx context.Context, user urn.URN, token string) error
	Tokens(ctx context.Context, user urn.URN) ([]string, error)
}
