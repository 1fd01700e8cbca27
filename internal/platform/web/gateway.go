// Package web delivers notifications to browsers over the Web Push protocol
// with VAPID authentication. A device token for this gateway is the
// JSON-encoded browser subscription.
package web

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	platform "github.com/tinywideclouds/go-platform/pkg/notification/v1"

	"github.com/tinywideclouds/go-marketplace-notifications/pkg/dispatch"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notification"
)

const defaultTTL = 60

// MaxPayloadBytes is the largest plaintext that fits one 4096-byte aes128gcm
// record once the header, padding delimiter and tag are added.
const MaxPayloadBytes = 4096 - 86 - 1 - 16

type Config struct {
	PublicKey       string
	PrivateKey      string
	SubscriberEmail string
	TTL             int
}

type Gateway struct {
	cfg        Config
	httpClient webpush.HTTPClient
	logger     *slog.Logger
}

var _ dispatch.Gateway = (*Gateway)(nil)

type Option func(*Gateway)

// WithHTTPClient replaces the client used to reach push services.
func WithHTTPClient(c webpush.HTTPClient) Option {
	return func(g *Gateway) { g.httpClient = c }
}

func NewGateway(cfg Config, logger *slog.Logger, opts ...Option) *Gateway {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	g := &Gateway{
		cfg:        cfg,
		httpClient: &http.Client{},
		logger:     logger.With("component", "WebPushGateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// EncodeToken turns a browser subscription into the opaque token string
// stored in the device registry.
func EncodeToken(sub platform.WebPushSubscription) (string, error) {
	b, err := json.Marshal(sub)
	if err != nil {
		return "", fmt.Errorf("failed to encode subscription: %w", err)
	}
	return string(b), nil
}

func (g *Gateway) SendSingle(ctx context.Context, token string, msg notification.Message) (string, error) {
	payload, err := buildPayload(msg)
	if err != nil {
		return "", notification.NewGatewayError(notification.ReasonInvalidMessage, err)
	}
	return g.send(ctx, token, payload, msg.Priority)
}

// SendMulticast posts to each subscription in turn. An error is returned only
// when every request failed before reaching a push service.
func (g *Gateway) SendMulticast(ctx context.Context, tokens []string, msg notification.Message) ([]notification.TokenOutcome, error) {
	payload, err := buildPayload(msg)
	if err != nil {
		return nil, notification.NewGatewayError(notification.ReasonInvalidMessage, err)
	}

	outcomes := make([]notification.TokenOutcome, 0, len(tokens))
	var lastTransportErr error
	answered := 0
	for _, token := range tokens {
		id, err := g.send(ctx, token, payload, msg.Priority)
		switch {
		case err == nil:
			answered++
			outcomes = append(outcomes, notification.TokenOutcome{Token: token, Accepted: true, MessageID: id})
			continue
		case isTransport(err):
			lastTransportErr = err
		default:
			answered++
		}
		outcomes = append(outcomes, notification.TokenOutcome{Token: token, Reason: notification.ReasonOf(err), Err: err})
	}

	if answered == 0 && lastTransportErr != nil {
		return nil, lastTransportErr
	}
	return outcomes, nil
}

// SendTopic is not available: Web Push has no server-side topics.
func (g *Gateway) SendTopic(context.Context, string, notification.Message) (string, error) {
	return "", unsupported()
}

func (g *Gateway) Subscribe(context.Context, []string, string) (notification.TopicResult, error) {
	return notification.TopicResult{}, unsupported()
}

func (g *Gateway) Unsubscribe(context.Context, []string, string) (notification.TopicResult, error) {
	return notification.TopicResult{}, unsupported()
}

// transportError marks a request that never got an HTTP response.
type transportError struct{ err error }

func (e *transportError) Error() string { return "web push transport: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func isTransport(err error) bool {
	var te *transportError
	return errors.As(err, &te)
}

func (g *Gateway) send(ctx context.Context, token string, payload []byte, priority notification.Priority) (string, error) {
	var sub platform.WebPushSubscription
	if err := json.Unmarshal([]byte(token), &sub); err != nil || sub.Endpoint == "" {
		return "", notification.NewGatewayError(notification.ReasonInvalidRegistration,
			fmt.Errorf("malformed web push subscription: %v", err))
	}

	urgency := webpush.UrgencyNormal
	if priority == notification.PriorityHigh {
		urgency = webpush.UrgencyHigh
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: base64.RawURLEncoding.EncodeToString(sub.Keys.P256dh),
			Auth:   base64.RawURLEncoding.EncodeToString(sub.Keys.Auth),
		},
	}, &webpush.Options{
		Subscriber:      g.cfg.SubscriberEmail,
		VAPIDPublicKey:  g.cfg.PublicKey,
		VAPIDPrivateKey: g.cfg.PrivateKey,
		TTL:             g.cfg.TTL,
		Urgency:         urgency,
		HTTPClient:      g.httpClient,
	})
	if err != nil {
		reason := notification.ReasonUnknown
		if errors.Is(err, context.DeadlineExceeded) {
			reason = notification.ReasonTimeout
		}
		g.logger.Error("WebPush transport error", "endpoint", sub.Endpoint, "err", err)
		return "", notification.NewGatewayError(reason, &transportError{err: err})
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.Header.Get("Location"), nil
	case resp.StatusCode == http.StatusGone, resp.StatusCode == http.StatusNotFound:
		return "", notification.NewGatewayError(notification.ReasonNotRegistered, statusError(resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", notification.NewGatewayError(notification.ReasonRateLimited, statusError(resp.StatusCode))
	case resp.StatusCode >= 500:
		return "", notification.NewGatewayError(notification.ReasonUnavailable, statusError(resp.StatusCode))
	default:
		g.logger.Warn("WebPush rejected", "status", resp.StatusCode, "endpoint", sub.Endpoint)
		return "", notification.NewGatewayError(notification.ReasonUnknown, statusError(resp.StatusCode))
	}
}

func statusError(code int) error {
	return fmt.Errorf("push service responded %d %s", code, http.StatusText(code))
}

func buildPayload(msg notification.Message) ([]byte, error) {
	body := map[string]any{
		"notification": map[string]string{
			"title": msg.Title,
			"body":  msg.Body,
			"image": msg.ImageURL,
		},
		"data": msg.Data,
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	if len(b) > MaxPayloadBytes {
		return nil, fmt.Errorf("payload is %d bytes, limit is %d", len(b), MaxPayloadBytes)
	}
	return b, nil
}

func unsupported() error {
	return notification.NewGatewayError(notification.ReasonUnsupported, notification.ErrUnsupported)
}
