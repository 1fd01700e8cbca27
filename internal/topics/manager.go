// Package topics manages which device tokens belong to gateway broadcast topics.
package topics

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tinywideclouds/go-marketplace-notifications/pkg/dispatch"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notification"
)

// Subscriber is the subset of dispatch.Gateway used for topic membership.
type Subscriber interface {
	Subscribe(ctx context.Context, tokens []string, topic string) (notification.TopicResult, error)
	Unsubscribe(ctx context.Context, tokens []string, topic string) (notification.TopicResult, error)
}

var _ Subscriber = (dispatch.Gateway)(nil)

type Manager struct {
	gateway Subscriber
	logger  *slog.Logger
}

func NewManager(gateway Subscriber, logger *slog.Logger) *Manager {
	return &Manager{gateway: gateway, logger: logger.With("component", "TopicManager")}
}

// Subscribe adds tokens to topic. Subscribing an already-subscribed token
// counts as a success.
func (m *Manager) Subscribe(ctx context.Context, tokens []string, topic string) (notification.TopicResult, error) {
	return m.apply(ctx, "subscribe", tokens, topic, m.gateway.Subscribe)
}

// Unsubscribe removes tokens from topic.
func (m *Manager) Unsubscribe(ctx context.Context, tokens []string, topic string) (notification.TopicResult, error) {
	return m.apply(ctx, "unsubscribe", tokens, topic, m.gateway.Unsubscribe)
}

type topicCall func(ctx context.Context, tokens []string, topic string) (notification.TopicResult, error)

func (m *Manager) apply(ctx context.Context, op string, tokens []string, topic string, call topicCall) (notification.TopicResult, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return notification.TopicResult{}, fmt.Errorf("%w: empty topic", notification.ErrInvalidTarget)
	}
	tokens = notification.NormalizeTokens(tokens)
	if len(tokens) == 0 {
		return notification.TopicResult{}, fmt.Errorf("%w: no tokens to %s", notification.ErrInvalidTarget, op)
	}

	result, err := call(ctx, tokens, topic)
	if err != nil {
		m.logger.Error("Topic membership change failed", "op", op, "topic", topic, "tokens", len(tokens), "err", err)
		return result, fmt.Errorf("%s %q: %w", op, topic, err)
	}
	if result.FailureCount > 0 {
		m.logger.Warn("Some tokens failed topic membership change",
			"op", op, "topic", topic, "success_count", result.SuccessCount, "failure_count", result.FailureCount)
	}
	return result, nil
}
