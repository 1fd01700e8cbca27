// Package apns provides the Apple Push Notification Service gateway.
package apns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"

	"github.com/tinywideclouds/go-marketplace-notifications/pkg/dispatch"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notification"
)

// APNSClient defines the subset of the apns2.Client methods we use.
// This allows mocking for unit tests.
type APNSClient interface {
	Push(n *apns2.Notification) (*apns2.Response, error)
}

type Gateway struct {
	client APNSClient
	topic  string // The App Bundle ID (e.g. com.tinywide.marketplace)
	logger *slog.Logger
}

var _ dispatch.Gateway = (*Gateway)(nil)

// Config holds the credentials required to sign APNs tokens.
type Config struct {
	KeyID    string
	TeamID   string
	BundleID string
	// P8KeyContent is the raw string content of the .p8 file
	P8KeyContent string
	// Sandbox routes pushes to the development endpoint.
	Sandbox bool
}

// NewGateway creates a configured APNs gateway.
// It parses the P8 key immediately to fail fast on startup if credentials are bad.
func NewGateway(cfg Config, logger *slog.Logger) (*Gateway, error) {
	authKey, err := token.AuthKeyFromBytes([]byte(cfg.P8KeyContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
	}

	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	})
	if cfg.Sandbox {
		client = client.Development()
	} else {
		client = client.Production()
	}

	return NewGatewayWithClient(client, cfg.BundleID, logger), nil
}

func NewGatewayWithClient(client APNSClient, bundleID string, logger *slog.Logger) *Gateway {
	return &Gateway{
		client: client,
		topic:  bundleID,
		logger: logger.With("component", "APNSGateway"),
	}
}

func (g *Gateway) SendSingle(ctx context.Context, deviceToken string, msg notification.Message) (string, error) {
	return g.push(ctx, deviceToken, buildPayload(msg), msg.Priority)
}

// SendMulticast iterates the tokens: the APNs HTTP/2 API is unary with no
// batch endpoint. An error is returned only when no token got a response.
func (g *Gateway) SendMulticast(ctx context.Context, tokens []string, msg notification.Message) ([]notification.TokenOutcome, error) {
	p := buildPayload(msg)
	outcomes := make([]notification.TokenOutcome, 0, len(tokens))
	var lastTransportErr error
	answered := 0

	for _, deviceToken := range tokens {
		id, err := g.push(ctx, deviceToken, p, msg.Priority)
		if err == nil {
			answered++
			outcomes = append(outcomes, notification.TokenOutcome{Token: deviceToken, Accepted: true, MessageID: id})
			continue
		}
		var respErr *responseError
		if errors.As(err, &respErr) {
			answered++
		} else {
			lastTransportErr = err
		}
		outcomes = append(outcomes, notification.TokenOutcome{Token: deviceToken, Reason: notification.ReasonOf(err), Err: err})
	}

	if answered == 0 && lastTransportErr != nil {
		return nil, lastTransportErr
	}
	return outcomes, nil
}

// SendTopic is not available: APNs has no broadcast topics.
func (g *Gateway) SendTopic(context.Context, string, notification.Message) (string, error) {
	return "", unsupported()
}

func (g *Gateway) Subscribe(context.Context, []string, string) (notification.TopicResult, error) {
	return notification.TopicResult{}, unsupported()
}

func (g *Gateway) Unsubscribe(context.Context, []string, string) (notification.TopicResult, error) {
	return notification.TopicResult{}, unsupported()
}

// responseError marks a failure APNs answered with, as opposed to a transport error.
type responseError struct {
	status int
	reason string
}

func (e *responseError) Error() string {
	return fmt.Sprintf("apns rejected notification: %d %s", e.status, e.reason)
}

func (g *Gateway) push(ctx context.Context, deviceToken string, p *payload.Payload, priority notification.Priority) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", notification.NewGatewayError(notification.ReasonTimeout, err)
	}

	n := &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       g.topic,
		Payload:     p,
		Priority:    apns2.PriorityLow,
	}
	if priority == notification.PriorityHigh {
		n.Priority = apns2.PriorityHigh
	}

	res, err := g.client.Push(n)
	if err != nil {
		g.logger.Error("APNs transport failed", "err", err)
		reason := notification.ReasonUnknown
		if errors.Is(err, context.DeadlineExceeded) {
			reason = notification.ReasonTimeout
		}
		return "", notification.NewGatewayError(reason, err)
	}
	if res.Sent() {
		return res.ApnsID, nil
	}

	reason := classifyReason(res)
	if reason == notification.ReasonUnknown {
		// Configuration problems (TopicDisallowed, PayloadEmpty) leave the token intact.
		g.logger.Warn("APNs rejected notification", "reason", res.Reason, "status", res.StatusCode)
	}
	return "", notification.NewGatewayError(reason, &responseError{status: res.StatusCode, reason: res.Reason})
}

// classifyReason maps APNs error reasons onto a FailureReason.
// See: https://developer.apple.com/documentation/usernotifications/handling-notification-responses-from-apns
func classifyReason(res *apns2.Response) notification.FailureReason {
	switch res.Reason {
	case apns2.ReasonUnregistered:
		return notification.ReasonNotRegistered
	case apns2.ReasonBadDeviceToken, apns2.ReasonDeviceTokenNotForTopic:
		return notification.ReasonInvalidRegistration
	case apns2.ReasonPayloadEmpty, apns2.ReasonPayloadTooLarge:
		return notification.ReasonInvalidMessage
	case apns2.ReasonTooManyRequests:
		return notification.ReasonRateLimited
	case apns2.ReasonServiceUnavailable, apns2.ReasonInternalServerError, apns2.ReasonShutdown:
		return notification.ReasonUnavailable
	}
	switch res.StatusCode {
	case http.StatusGone:
		return notification.ReasonNotRegistered
	case http.StatusTooManyRequests:
		return notification.ReasonRateLimited
	case http.StatusServiceUnavailable, http.StatusInternalServerError:
		return notification.ReasonUnavailable
	}
	return notification.ReasonUnknown
}

func buildPayload(msg notification.Message) *payload.Payload {
	builder := payload.NewPayload().
		AlertTitle(msg.Title).
		AlertBody(msg.Body).
		Sound("default")
	if msg.ImageURL != "" {
		builder.MutableContent().Custom("image_url", msg.ImageURL)
	}
	for k, v := range msg.Data {
		builder.Custom(k, v)
	}
	return builder
}

func unsupported() error {
	return notification.NewGatewayError(notification.ReasonUnsupported, notification.ErrUnsupported)
}
