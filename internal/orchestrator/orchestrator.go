// Package orchestrator turns a message plus a recipient target into gateway
// calls, retrying transient failures and collecting permanently invalid tokens.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tinywideclouds/go-marketplace-notifications/pkg/dispatch"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notification"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/retry"
)

// Orchestrator is safe for concurrent use; it holds no mutable state.
type Orchestrator struct {
	gateway  dispatch.Gateway
	classify notification.Classifier
	retryCfg retry.Config
	logger   *slog.Logger
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithClassifier replaces the default failure classification.
func WithClassifier(c notification.Classifier) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.classify = c
		}
	}
}

// WithRetryConfig replaces the default retry budget (3 attempts, 1s initial delay).
func WithRetryConfig(cfg retry.Config) Option {
	return func(o *Orchestrator) {
		o.retryCfg = cfg
	}
}

func New(gateway dispatch.Gateway, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gateway:  gateway,
		classify: notification.DefaultClassifier(),
		retryCfg: retry.DefaultConfig(),
		logger:   logger.With("component", "DeliveryOrchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Dispatch delivers msg to target. Invalid tokens and partial multicast
// failures are reported in the result with a nil error. An error is returned
// for ErrInvalidTarget, for ErrGatewayUnavailable once transient failures
// exhaust the retry budget, and for ErrRejected on call-level permanent failures.
func (o *Orchestrator) Dispatch(ctx context.Context, msg notification.Message, target notification.Target) (notification.DeliveryResult, error) {
	switch target.Kind {
	case notification.TargetSingle:
		if len(target.Tokens) != 1 || strings.TrimSpace(target.Tokens[0]) == "" {
			return notification.DeliveryResult{}, fmt.Errorf("%w: single target needs exactly one token", notification.ErrInvalidTarget)
		}
		return o.dispatchSingle(ctx, strings.TrimSpace(target.Tokens[0]), msg)
	case notification.TargetMulticast:
		tokens := notification.NormalizeTokens(target.Tokens)
		if len(tokens) == 0 {
			return notification.DeliveryResult{}, fmt.Errorf("%w: no tokens left after filtering", notification.ErrInvalidTarget)
		}
		return o.dispatchMulticast(ctx, tokens, msg)
	case notification.TargetTopic:
		topic := strings.TrimSpace(target.Topic)
		if topic == "" {
			return notification.DeliveryResult{}, fmt.Errorf("%w: empty topic", notification.ErrInvalidTarget)
		}
		return o.dispatchTopic(ctx, topic, msg)
	default:
		return notification.DeliveryResult{}, fmt.Errorf("%w: unknown target kind %d", notification.ErrInvalidTarget, target.Kind)
	}
}

// DispatchMulticast sends one intent to many device tokens.
func (o *Orchestrator) DispatchMulticast(ctx context.Context, intent notification.Intent, tokens []string) (notification.DeliveryResult, error) {
	return o.Dispatch(ctx, intent.Message(), notification.ToTokens(tokens...))
}

// DispatchTopic sends one intent to a broadcast topic.
func (o *Orchestrator) DispatchTopic(ctx context.Context, intent notification.Intent, topic string) (notification.DeliveryResult, error) {
	return o.Dispatch(ctx, intent.Message(), notification.ToTopic(topic))
}

func (o *Orchestrator) dispatchSingle(ctx context.Context, token string, msg notification.Message) (notification.DeliveryResult, error) {
	log := o.logger.With("target", notification.TargetSingle.String())

	messageID, err := retry.Do(ctx, o.retryCfg, func(ctx context.Context) (string, error) {
		return o.guard(o.gateway.SendSingle(ctx, token, msg))
	}, o.onRetry(log))
	if err == nil {
		return notification.DeliveryResult{Succeeded: true, MessageID: messageID, SuccessCount: 1}, nil
	}

	result := notification.DeliveryResult{FailureCount: 1}
	if o.permanent(err) {
		reason := notification.ReasonOf(err)
		if !isTokenReason(reason) {
			log.Warn("Gateway rejected single send", "reason", reason, "err", err)
			return result, fmt.Errorf("%w: %w", notification.ErrRejected, err)
		}
		log.Info("Gateway reported token as permanently invalid", "reason", reason)
		result.InvalidTokens = []string{token}
		return result, nil
	}
	log.Error("Single send failed after retries", "attempts", o.retryCfg.MaxAttempts, "err", err)
	return result, fmt.Errorf("%w: %w", notification.ErrGatewayUnavailable, err)
}

func (o *Orchestrator) dispatchTopic(ctx context.Context, topic string, msg notification.Message) (notification.DeliveryResult, error) {
	log := o.logger.With("target", notification.TargetTopic.String(), "topic", topic)

	messageID, err := retry.Do(ctx, o.retryCfg, func(ctx context.Context) (string, error) {
		return o.guard(o.gateway.SendTopic(ctx, topic, msg))
	}, o.onRetry(log))
	if err == nil {
		return notification.DeliveryResult{Succeeded: true, MessageID: messageID, SuccessCount: 1}, nil
	}

	result := notification.DeliveryResult{FailureCount: 1}
	if o.permanent(err) {
		log.Warn("Gateway rejected topic send", "reason", notification.ReasonOf(err), "err", err)
		return result, fmt.Errorf("%w: %w", notification.ErrRejected, err)
	}
	log.Error("Topic send failed after retries", "attempts", o.retryCfg.MaxAttempts, "err", err)
	return result, fmt.Errorf("%w: %w", notification.ErrGatewayUnavailable, err)
}

// errPendingTokens signals that some tokens of a multicast batch failed
// transiently and should be re-sent on the next attempt.
var errPendingTokens = errors.New("multicast tokens pending retry")

// multicastState accumulates settled outcomes across attempts. Tokens leave
// pending once they succeed or fail permanently.
type multicastState struct {
	pending   []string
	succeeded int
	invalid   []string
	rejected  int
	lastErr   error
}

func (o *Orchestrator) dispatchMulticast(ctx context.Context, tokens []string, msg notification.Message) (notification.DeliveryResult, error) {
	log := o.logger.With("target", notification.TargetMulticast.String(), "tokens", len(tokens))
	state := &multicastState{pending: tokens}

	_, err := retry.Do(ctx, o.retryCfg, func(ctx context.Context) (struct{}, error) {
		outcomes, err := o.gateway.SendMulticast(ctx, state.pending, msg)
		if err != nil {
			state.lastErr = err
			if o.permanent(err) {
				return struct{}{}, retry.Permanent(err)
			}
			return struct{}{}, err
		}
		state.settle(outcomes, o.classify)
		if len(state.pending) > 0 {
			return struct{}{}, errPendingTokens
		}
		return struct{}{}, nil
	}, o.onRetry(log))

	result := notification.DeliveryResult{
		SuccessCount:  state.succeeded,
		FailureCount:  len(state.invalid) + state.rejected + len(state.pending),
		InvalidTokens: state.invalid,
	}
	result.Succeeded = result.SuccessCount > 0

	if len(state.invalid) > 0 {
		log.Info("Gateway reported invalid tokens", "count", len(state.invalid))
	}

	switch {
	case err == nil, errors.Is(err, errPendingTokens):
		if len(state.pending) > 0 {
			log.Warn("Tokens still failing after retries", "count", len(state.pending), "err", state.lastErr)
		}
		return result, nil
	case o.permanent(err):
		log.Warn("Gateway rejected multicast batch", "err", err)
		return result, fmt.Errorf("%w: %w", notification.ErrRejected, err)
	default:
		log.Error("Multicast failed after retries", "attempts", o.retryCfg.MaxAttempts, "err", err)
		return result, fmt.Errorf("%w: %w", notification.ErrGatewayUnavailable, err)
	}
}

func (s *multicastState) settle(outcomes []notification.TokenOutcome, classify notification.Classifier) {
	byToken := make(map[string]notification.TokenOutcome, len(outcomes))
	for _, oc := range outcomes {
		byToken[oc.Token] = oc
	}

	var stillPending []string
	for _, token := range s.pending {
		oc, ok := byToken[token]
		switch {
		case !ok:
			// No verdict for this token; treat it like an unknown provider error.
			stillPending = append(stillPending, token)
		case oc.Accepted:
			s.succeeded++
		case classify(oc.Reason) == notification.Permanent:
			if isTokenReason(oc.Reason) {
				s.invalid = append(s.invalid, token)
			} else {
				s.rejected++
			}
		default:
			s.lastErr = oc.Err
			stillPending = append(stillPending, token)
		}
	}
	s.pending = stillPending
}

// guard converts permanently classified errors into retry stoppers.
func (o *Orchestrator) guard(id string, err error) (string, error) {
	if err != nil && o.permanent(err) {
		return id, retry.Permanent(err)
	}
	return id, err
}

func (o *Orchestrator) permanent(err error) bool {
	return o.classify.Classify(err) == notification.Permanent
}

// isTokenReason reports whether a permanent reason is about the token itself
// rather than the payload or the gateway's capabilities.
func isTokenReason(reason notification.FailureReason) bool {
	switch reason {
	case notification.ReasonUnsupported, notification.ReasonInvalidMessage:
		return false
	}
	return true
}

func (o *Orchestrator) onRetry(log *slog.Logger) retry.Notify {
	return func(attempt int, err error, wait time.Duration) {
		log.Warn("Gateway call failed, retrying", "attempt", attempt, "wait", wait, "err", err)
	}
}
