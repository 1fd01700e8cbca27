package notification_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notification"
)

func TestDefaultClassifier(t *testing.T) {
	classify := notification.DefaultClassifier()

	testCases := []struct {
		reason   notification.FailureReason
		expected notification.Kind
	}{
		{notification.ReasonInvalidRegistration, notification.Permanent},
		{notification.ReasonNotRegistered, notification.Permanent},
		{notification.ReasonInvalidMessage, notification.Permanent},
		{notification.ReasonRateLimited, notification.Transient},
		{notification.ReasonTimeout, notification.Transient},
		{notification.ReasonUnknown, notification.Transient},
		{notification.FailureReason("something-new"), notification.Transient},
	}

	for _, tc := range testCases {
		t.Run(string(tc.reason), func(t *testing.T) {
			assert.Equal(t, tc.expected, classify(tc.reason))
		})
	}
}

func TestClassificationTable_IsCopied(t *testing.T) {
	table := notification.ClassificationTable{notification.ReasonRateLimited: notification.Permanent}
	classify := table.Classifier()

	table[notification.ReasonRateLimited] = notification.Transient

	assert.Equal(t, notification.Permanent, classify(notification.ReasonRateLimited))
}

func TestClassifier_ClassifyError(t *testing.T) {
	classify := notification.DefaultClassifier()

	wrapped := fmt.Errorf("send: %w", notification.NewGatewayError(notification.ReasonNotRegistered, errors.New("gone")))
	assert.Equal(t, notification.Permanent, classify.Classify(wrapped))
	assert.Equal(t, notification.Transient, classify.Classify(errors.New("plain network error")))
}

func TestNormalizeTokens(t *testing.T) {
	got := notification.NormalizeTokens([]string{" tok-a ", "", "tok-b", "tok-a", "   "})
	assert.Equal(t, []string{"tok-a", "tok-b"}, got)
}
