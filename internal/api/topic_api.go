package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notification"
)

// TopicManager is the topic membership surface the API drives.
type TopicManager interface {
	Subscribe(ctx context.Context, tokens []string, topic string) (notification.TopicResult, error)
	Unsubscribe(ctx context.Context, tokens []string, topic string) (notification.TopicResult, error)
}

// TokenOwner lists the device tokens registered to a user.
type TokenOwner interface {
	Tokens(ctx context.Context, user urn.URN) ([]string, error)
}

// TopicAPI changes topic membership for the caller's own registered devices.
type TopicAPI struct {
	Topics  TopicManager
	Devices TokenOwner
	Logger  *slog.Logger
}

func NewTopicAPI(topics TopicManager, devices TokenOwner, logger *slog.Logger) *TopicAPI {
	return &TopicAPI{
		Topics:  topics,
		Devices: devices,
		Logger:  logger.With("component", "TopicAPI"),
	}
}

type TopicRequest struct {
	Topic  string   `json:"topic"`
	Tokens []string `json:"tokens"`
}

func (api *TopicAPI) Subscribe(w http.ResponseWriter, r *http.Request) {
	api.handle(w, r, "subscribe", api.Topics.Subscribe)
}

func (api *TopicAPI) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	api.handle(w, r, "unsubscribe", api.Topics.Unsubscribe)
}

type topicOp func(ctx context.Context, tokens []string, topic string) (notification.TopicResult, error)

func (api *TopicAPI) handle(w http.ResponseWriter, r *http.Request, name string, op topicOp) {
	user, ok := userFromRequest(w, r)
	if !ok {
		return
	}

	var req TopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	owned, err := api.ownsAll(r.Context(), user, req.Tokens)
	if err != nil {
		api.Logger.Error("Topic request: token lookup failed", "user", user.String(), "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "device lookup failed")
		return
	}
	if !owned {
		api.Logger.Warn("Topic request for tokens the caller does not own", "op", name, "user", user.String())
		response.WriteJSONError(w, http.StatusForbidden, "tokens are not registered to this user")
		return
	}

	result, err := op(r.Context(), req.Tokens, req.Topic)
	switch {
	case errors.Is(err, notification.ErrInvalidTarget):
		response.WriteJSONError(w, http.StatusBadRequest, "topic and at least one token are required")
		return
	case errors.Is(err, notification.ErrUnsupported):
		response.WriteJSONError(w, http.StatusNotImplemented, "topics are not supported by the configured push provider")
		return
	case err != nil:
		api.Logger.Error("Topic request failed", "op", name, "topic", req.Topic, "err", err)
		response.WriteJSONError(w, http.StatusBadGateway, "push provider request failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(result)
}

// ownsAll reports whether every non-blank token is registered to user.
func (api *TopicAPI) ownsAll(ctx context.Context, user urn.URN, tokens []string) (bool, error) {
	requested := notification.NormalizeTokens(tokens)
	if len(requested) == 0 {
		return true, nil
	}
	registered, err := api.Devices.Tokens(ctx, user)
	if err != nil {
		return false, err
	}
	mine := make(map[string]struct{}, len(registered))
	for _, t := range registered {
		mine[t] = struct{}{}
	}
	for _, t := range requested {
		if _, ok := mine[t]; !ok {
			return false, nil
		}
	}
	return true, nil
}
