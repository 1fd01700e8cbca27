// Package pipeline contains the Pub/Sub ingestion stages: a transformer that
// decodes intent messages and a processor that hands them to the coordinator.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notification"
)

// IntentRequest is one decoded ingestion message. A non-empty Topic makes it a
// broadcast; UserID is then optional and no record is written.
type IntentRequest struct {
	UserID       urn.URN
	Intent       notification.Intent
	DeviceTokens []string
	Topic        string
}

// Broadcast reports whether the request targets a topic instead of a user.
func (r *IntentRequest) Broadcast() bool {
	return r.Topic != ""
}

// intentEnvelope is the JSON wire shape published by upstream services.
type intentEnvelope struct {
	UserID       string              `json:"user_id,omitempty"`
	Intent       notification.Intent `json:"intent"`
	DeviceTokens []string            `json:"device_tokens,omitempty"`
	Topic        string              `json:"topic,omitempty"`
}

// IntentTransformer is a dataflow Transformer that decodes and validates an
// intent message. Invalid messages are skipped so the StreamingService can
// route them to the dead-letter topic.
func IntentTransformer(_ context.Context, msg *messagepipeline.Message) (*IntentRequest, bool, error) {
	var env intentEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal intent from message %s: %w", msg.ID, err)
	}

	if err := validateIntent(env.Intent); err != nil {
		return nil, true, fmt.Errorf("message %s: %w", msg.ID, err)
	}

	request := &IntentRequest{
		Intent: env.Intent,
		Topic:  strings.TrimSpace(env.Topic),
	}
	if request.Broadcast() && env.UserID == "" {
		return request, false, nil
	}

	user, err := urn.Parse(env.UserID)
	if err != nil {
		return nil, true, fmt.Errorf("message %s has invalid user_id %q: %w", msg.ID, env.UserID, err)
	}
	request.UserID = user
	request.Intent.UserID = user
	request.DeviceTokens = env.DeviceTokens
	return request, false, nil
}

func validateIntent(intent notification.Intent) error {
	if !intent.Type.Valid() {
		return fmt.Errorf("unknown notification type %q", intent.Type)
	}
	if strings.TrimSpace(intent.Title) == "" {
		return errors.New("intent title is required")
	}
	switch intent.Priority {
	case "", notification.PriorityNormal, notification.PriorityHigh:
		return nil
	}
	return fmt.Errorf("unknown priority %q", intent.Priority)
}
