// Package fcm adapts Firebase Cloud Messaging to the dispatch.Gateway contract.
package fcm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"firebase.google.com/go/v4/messaging"

	"github.com/tinywideclouds/go-marketplace-notifications/pkg/dispatch"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notification"
)

const (
	// MaxMulticastTokens is the FCM limit for one SendEachForMulticast call.
	MaxMulticastTokens = 500
	// MaxTopicTokens is the FCM limit for one topic management call.
	MaxTopicTokens = 1000

	webIcon = "/assets/icons/icon-192x192.png"
)

// MessagingClient defines the subset of the Firebase Messaging API we use.
// *messaging.Client satisfies it.
type MessagingClient interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
	SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error)
	SubscribeToTopic(ctx context.Context, tokens []string, topic string) (*messaging.TopicManagementResponse, error)
	UnsubscribeFromTopic(ctx context.Context, tokens []string, topic string) (*messaging.TopicManagementResponse, error)
}

type Gateway struct {
	client MessagingClient
	logger *slog.Logger
}

var _ dispatch.Gateway = (*Gateway)(nil)

func NewGateway(client MessagingClient, logger *slog.Logger) *Gateway {
	return &Gateway{
		client: client,
		logger: logger.With("component", "FCMGateway"),
	}
}

func (g *Gateway) SendSingle(ctx context.Context, token string, msg notification.Message) (string, error) {
	m := buildMessage(msg)
	m.Token = token
	id, err := g.client.Send(ctx, m)
	if err != nil {
		return "", Classify(ctx, err)
	}
	return id, nil
}

// SendMulticast splits tokens into provider-sized chunks. A chunk whose call
// fails outright reports that failure for each of its tokens; an error is
// returned only when no chunk got a batch response.
func (g *Gateway) SendMulticast(ctx context.Context, tokens []string, msg notification.Message) ([]notification.TokenOutcome, error) {
	base := buildMessage(msg)
	outcomes := make([]notification.TokenOutcome, 0, len(tokens))
	var firstErr error
	answered := 0

	for _, chunk := range chunks(tokens, MaxMulticastTokens) {
		br, err := g.client.SendEachForMulticast(ctx, &messaging.MulticastMessage{
			Tokens:       chunk,
			Data:         base.Data,
			Notification: base.Notification,
			Android:      base.Android,
			APNS:         base.APNS,
			Webpush:      base.Webpush,
		})
		if err != nil {
			gwErr := Classify(ctx, err)
			if firstErr == nil {
				firstErr = gwErr
			}
			g.logger.Warn("FCM multicast chunk failed", "tokens", len(chunk), "err", err)
			for _, token := range chunk {
				outcomes = append(outcomes, notification.TokenOutcome{Token: token, Reason: gwErr.Reason, Err: gwErr})
			}
			continue
		}
		answered++
		outcomes = append(outcomes, batchOutcomes(ctx, chunk, br)...)
	}

	if answered == 0 && firstErr != nil {
		return nil, firstErr
	}
	return outcomes, nil
}

func (g *Gateway) SendTopic(ctx context.Context, topic string, msg notification.Message) (string, error) {
	m := buildMessage(msg)
	m.Topic = topic
	id, err := g.client.Send(ctx, m)
	if err != nil {
		return "", Classify(ctx, err)
	}
	return id, nil
}

func (g *Gateway) Subscribe(ctx context.Context, tokens []string, topic string) (notification.TopicResult, error) {
	return g.manageTopic(ctx, tokens, topic, g.client.SubscribeToTopic)
}

func (g *Gateway) Unsubscribe(ctx context.Context, tokens []string, topic string) (notification.TopicResult, error) {
	return g.manageTopic(ctx, tokens, topic, g.client.UnsubscribeFromTopic)
}

type topicFunc func(ctx context.Context, tokens []string, topic string) (*messaging.TopicManagementResponse, error)

func (g *Gateway) manageTopic(ctx context.Context, tokens []string, topic string, call topicFunc) (notification.TopicResult, error) {
	var total notification.TopicResult
	var firstErr error
	answered := 0

	for _, chunk := range chunks(tokens, MaxTopicTokens) {
		resp, err := call(ctx, chunk, topic)
		if err != nil {
			if firstErr == nil {
				firstErr = Classify(ctx, err)
			}
			total.FailureCount += len(chunk)
			continue
		}
		answered++
		for _, e := range resp.Errors {
			g.logger.Debug("FCM topic token error", "topic", topic, "index", e.Index, "reason", e.Reason)
		}
		total.Add(notification.TopicResult{SuccessCount: resp.SuccessCount, FailureCount: resp.FailureCount})
	}

	if answered == 0 && firstErr != nil {
		return notification.TopicResult{}, firstErr
	}
	return total, nil
}

// batchOutcomes maps per-token responses. Every send in a batch carries the
// same payload, so a batch where each token failed with invalid-argument is
// reported as a refused message rather than as invalid tokens.
func batchOutcomes(ctx context.Context, tokens []string, br *messaging.BatchResponse) []notification.TokenOutcome {
	payloadRefused := refusedPayload(br)
	out := make([]notification.TokenOutcome, len(tokens))
	for i, token := range tokens {
		out[i].Token = token
		if i >= len(br.Responses) || br.Responses[i] == nil {
			out[i].Reason = notification.ReasonUnknown
			out[i].Err = notification.NewGatewayError(notification.ReasonUnknown, errors.New("missing batch response"))
			continue
		}
		resp := br.Responses[i]
		if resp.Success {
			out[i].Accepted = true
			out[i].MessageID = resp.MessageID
			continue
		}
		gwErr := classifyToken(ctx, resp.Error)
		if payloadRefused {
			gwErr = notification.NewGatewayError(notification.ReasonInvalidMessage, resp.Error)
		}
		out[i].Reason = gwErr.Reason
		out[i].Err = gwErr
	}
	return out
}

func refusedPayload(br *messaging.BatchResponse) bool {
	if len(br.Responses) == 0 {
		return false
	}
	for _, resp := range br.Responses {
		if resp == nil || resp.Success || !messaging.IsInvalidArgument(resp.Error) {
			return false
		}
	}
	return true
}

// Classify maps the error of a whole FCM call onto a FailureReason. An invalid
// argument at this level is a refused payload; only UNREGISTERED and a sender
// mismatch blame the token.
func Classify(ctx context.Context, err error) *notification.GatewayError {
	var reason notification.FailureReason
	switch {
	case err == nil:
		reason = notification.ReasonUnknown
	case messaging.IsRegistrationTokenNotRegistered(err), messaging.IsUnregistered(err):
		reason = notification.ReasonNotRegistered
	case messaging.IsSenderIDMismatch(err):
		reason = notification.ReasonInvalidRegistration
	case messaging.IsInvalidArgument(err):
		reason = notification.ReasonInvalidMessage
	case messaging.IsQuotaExceeded(err), messaging.IsMessageRateExceeded(err):
		reason = notification.ReasonRateLimited
	case errors.Is(err, context.DeadlineExceeded), ctx.Err() != nil:
		reason = notification.ReasonTimeout
	case messaging.IsUnavailable(err), messaging.IsInternal(err), messaging.IsServerUnavailable(err):
		reason = notification.ReasonUnavailable
	default:
		reason = notification.ReasonUnknown
	}
	if err == nil {
		err = fmt.Errorf("fcm reported failure without error detail")
	}
	return notification.NewGatewayError(reason, err)
}

// classifyToken maps one failed entry of a batch response, where an invalid
// argument points at that entry's token.
func classifyToken(ctx context.Context, err error) *notification.GatewayError {
	if err != nil && messaging.IsInvalidArgument(err) {
		return notification.NewGatewayError(notification.ReasonInvalidRegistration, err)
	}
	return Classify(ctx, err)
}

func buildMessage(msg notification.Message) *messaging.Message {
	androidPriority, apnsPriority := "normal", "5"
	if msg.Priority == notification.PriorityHigh {
		androidPriority, apnsPriority = "high", "10"
	}
	return &messaging.Message{
		Data: msg.Data,
		Notification: &messaging.Notification{
			Title:    msg.Title,
			Body:     msg.Body,
			ImageURL: msg.ImageURL,
		},
		Android: &messaging.AndroidConfig{Priority: androidPriority},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": apnsPriority},
		},
		Webpush: &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{
				Title: msg.Title,
				Body:  msg.Body,
				Icon:  webIcon,
				Image: msg.ImageURL,
			},
		},
	}
}

func chunks(tokens []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(tokens); start += size {
		end := min(start+size, len(tokens))
		out = append(out, tokens[start:end])
	}
	return out
}
