// Package metrics decorates a push gateway with Prometheus instrumentation.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinywideclouds/go-marketplace-notifications/pkg/dispatch"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notification"
)

const outcomeSuccess = "success"

// Gateway records call counts, per-token outcomes and latency for the
// wrapped gateway. The outcome label is "success" or the failure reason.
type Gateway struct {
	next     dispatch.Gateway
	provider string
	calls    *prometheus.CounterVec
	tokens   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var _ dispatch.Gateway = (*Gateway)(nil)

// NewGateway registers the collectors with reg and wraps next.
func NewGateway(provider string, next dispatch.Gateway, reg prometheus.Registerer) (*Gateway, error) {
	g := &Gateway{
		next:     next,
		provider: provider,
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_gateway_calls_total",
			Help: "Push gateway calls by operation and outcome.",
		}, []string{"provider", "op", "outcome"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_gateway_multicast_tokens_total",
			Help: "Per-token multicast outcomes.",
		}, []string{"provider", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "push_gateway_call_duration_seconds",
			Help:    "Push gateway call latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "op"}),
	}
	for _, c := range []prometheus.Collector{g.calls, g.tokens, g.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *Gateway) SendSingle(ctx context.Context, token string, msg notification.Message) (string, error) {
	defer g.observe("send_single", time.Now())
	id, err := g.next.SendSingle(ctx, token, msg)
	g.count("send_single", err)
	return id, err
}

func (g *Gateway) SendMulticast(ctx context.Context, tokens []string, msg notification.Message) ([]notification.TokenOutcome, error) {
	defer g.observe("send_multicast", time.Now())
	outcomes, err := g.next.SendMulticast(ctx, tokens, msg)
	g.count("send_multicast", err)
	for _, oc := range outcomes {
		outcome := outcomeSuccess
		if !oc.Accepted {
			outcome = string(oc.Reason)
		}
		g.tokens.WithLabelValues(g.provider, outcome).Inc()
	}
	return outcomes, err
}

func (g *Gateway) SendTopic(ctx context.Context, topic string, msg notification.Message) (string, error) {
	defer g.observe("send_topic", time.Now())
	id, err := g.next.SendTopic(ctx, topic, msg)
	g.count("send_topic", err)
	return id, err
}

func (g *Gateway) Subscribe(ctx context.Context, tokens []string, topic string) (notification.TopicResult, error) {
	defer g.observe("subscribe", time.Now())
	res, err := g.next.Subscribe(ctx, tokens, topic)
	g.count("subscribe", err)
	return res, err
}

func (g *Gateway) Unsubscribe(ctx context.Context, tokens []string, topic string) (notification.TopicResult, error) {
	defer g.observe("unsubscribe", time.Now())
	res, err := g.next.Unsubscribe(ctx, tokens, topic)
	g.count("unsubscribe", err)
	return res, err
}

func (g *Gateway) count(op string, err error) {
	outcome := outcomeSuccess
	if err != nil {
		outcome = string(notification.ReasonOf(err))
	}
	g.calls.WithLabelValues(g.provider, op, outcome).Inc()
}

func (g *Gateway) observe(op string, start time.Time) {
	g.duration.WithLabelValues(g.provider, op).Observe(time.Since(start).Seconds())
}
