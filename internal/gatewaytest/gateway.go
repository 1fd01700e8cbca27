// Package gatewaytest provides a testify mock of dispatch.Gateway shared by
// the orchestrator, coordinator and topic manager tests.
package gatewaytest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notification"
)

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) SendSingle(ctx context.Context, token string, msg notification.Message) (string, error) {
	args := m.Called(ctx, token, msg)
	return args.String(0), args.Error(1)
}

func (m *MockGateway) SendMulticast(ctx context.Context, tokens []string, msg notification.Message) ([]notification.TokenOutcome, error) {
	args := m.Called(ctx, tokens, msg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]notification.TokenOutcome), args.Error(1)
}

func (m *MockGateway) SendTopic(ctx context.Context, topic string, msg notification.Message) (string, error) {
	args := m.Called(ctx, topic, msg)
	return args.String(0), args.Error(1)
}

func (m *MockGateway) Subscribe(ctx context.Context, tokens []string, topic string) (notification.TopicResult, error) {
	args := m.Called(ctx, tokens, topic)
	return args.Get(0).(notification.TopicResult), args.Error(1)
}

func (m *MockGateway) Unsubscribe(ctx context.Context, tokens []string, topic string) (notification.TopicResult, error) {
	args := m.Called(ctx, tokens, topic)
	return args.Get(0).(notification.TopicResult), args.Error(1)
}

// Accepted builds a successful multicast outcome.
func Accepted(token, messageID string) notification.TokenOutcome {
	return notification.TokenOutcome{Token: token, Accepted: true, MessageID: messageID}
}

// Failed builds a failed multicast outcome with reason.
func Failed(token string, reason notification.FailureReason) notification.TokenOutcome {
	return notification.TokenOutcome{
		Token:  token,
		Reason: reason,
		Err:    notification.NewGatewayError(reason, nil),
	}
}
