// Package notification contains the domain model shared by the dispatch core:
// intents, durable records, delivery results and gateway failure semantics.
package notification

import (
	"strings"
	"time"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// Type is the kind of domain event a notification describes.
type Type string

const (
	TypeBooking       Type = "booking"
	TypeBookingStatus Type = "booking_status"
	TypeMessage       Type = "message"
	TypeReview        Type = "review"
	TypePayment       Type = "payment"
	TypeReminder      Type = "reminder"
	TypeCustom        Type = "custom"
)

// Valid reports whether t is one of the known notification types.
func (t Type) Valid() bool {
	switch t {
	case TypeBooking, TypeBookingStatus, TypeMessage, TypeReview, TypePayment, TypeReminder, TypeCustom:
		return true
	}
	return false
}

// Priority controls how urgently the push provider delivers the message.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Intent is a caller's request to notify one user of one event.
// It is consumed once and never persisted as-is.
type Intent struct {
	UserID   urn.URN           `json:"-"`
	Type     Type              `json:"type"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	ImageURL string            `json:"image_url,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
	Priority Priority          `json:"priority,omitempty"`
}

// Message converts the intent into the payload handed to a push gateway.
func (i Intent) Message() Message {
	p := i.Priority
	if p == "" {
		p = PriorityNormal
	}
	return Message{
		Title:    i.Title,
		Body:     i.Body,
		ImageURL: i.ImageURL,
		Data:     i.Data,
		Priority: p,
	}
}

// Message is the provider-agnostic push payload.
type Message struct {
	Title    string
	Body     string
	ImageURL string
	Data     map[string]string
	Priority Priority
}

// Record is the durable, user-visible notification created from an intent.
// After creation it is only mutated by mark-read and delete operations.
type Record struct {
	ID        string            `json:"id" firestore:"-"`
	UserID    urn.URN           `json:"-" firestore:"-"`
	Type      Type              `json:"type" firestore:"type"`
	Title     string            `json:"title" firestore:"title"`
	Message   string            `json:"message" firestore:"message"`
	Data      map[string]string `json:"data,omitempty" firestore:"data,omitempty"`
	Priority  Priority          `json:"priority" firestore:"priority"`
	Read      bool              `json:"read" firestore:"read"`
	CreatedAt time.Time         `json:"created_at" firestore:"created_at"`
}

// NewRecord builds an unsaved record for user from intent. The store assigns
// ID and CreatedAt on insert.
func NewRecord(user urn.URN, intent Intent) Record {
	p := intent.Priority
	if p == "" {
		p = PriorityNormal
	}
	return Record{
		UserID:   user,
		Type:     intent.Type,
		Title:    intent.Title,
		Message:  intent.Body,
		Data:     intent.Data,
		Priority: p,
	}
}

// TargetKind selects the gateway call shape.
type TargetKind int

const (
	TargetSingle TargetKind = iota
	TargetMulticast
	TargetTopic
)

func (k TargetKind) String() string {
	switch k {
	case TargetSingle:
		return "single"
	case TargetMulticast:
		return "multicast"
	case TargetTopic:
		return "topic"
	}
	return "unknown"
}

// Target is the recipient set of one dispatch.
type Target struct {
	Kind   TargetKind
	Tokens []string
	Topic  string
}

// ToToken targets one device token.
func ToToken(token string) Target {
	return Target{Kind: TargetSingle, Tokens: []string{token}}
}

// ToTokens targets several device tokens in one multicast call.
func ToTokens(tokens ...string) Target {
	return Target{Kind: TargetMulticast, Tokens: tokens}
}

// ToTopic targets every device subscribed to topic.
func ToTopic(topic string) Target {
	return Target{Kind: TargetTopic, Topic: topic}
}

// NormalizeTokens trims tokens, drops empty entries and removes duplicates
// while keeping the first occurrence order.
func NormalizeTokens(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// TokenOutcome is the gateway's verdict for one token of a multicast call.
type TokenOutcome struct {
	Token     string
	Accepted  bool
	MessageID string
	// Reason is set when Accepted is false.
	Reason FailureReason
	Err    error
}

// DeliveryResult summarises one orchestrator invocation. It is returned to
// the caller and never persisted.
type DeliveryResult struct {
	Succeeded     bool     `json:"succeeded"`
	MessageID     string   `json:"message_id,omitempty"`
	SuccessCount  int      `json:"success_count"`
	FailureCount  int      `json:"failure_count"`
	InvalidTokens []string `json:"invalid_tokens,omitempty"`
}

// TopicResult aggregates a subscribe or unsubscribe call.
type TopicResult struct {
	SuccessCount int `json:"success_count"`
	FailureCount int `json:"failure_count"`
}

// Add accumulates another batch into r.
func (r *TopicResult) Add(other TopicResult) {
	r.SuccessCount += other.SuccessCount
	r.FailureCount += other.FailureCount
}
