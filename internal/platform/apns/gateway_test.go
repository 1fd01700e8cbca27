package apns

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/sideshow/apns2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notification"
)

// MockAPNSClient definition repeated here for internal test visibility
type MockAPNSClient struct {
	mock.Mock
}

func (m *MockAPNSClient) Push(n *apns2.Notification) (*apns2.Response, error) {
	args := m.Called(n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*apns2.Response), args.Error(1)
}

func newTestGateway(client APNSClient) *Gateway {
	return NewGatewayWithClient(client, "com.test.app", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

var iosMsg = notification.Message{
	Title:    "Hello iOS",
	Data:     map[string]string{"msg_id": "123"},
	Priority: notification.PriorityHigh,
}

func TestSendSingle_Internal(t *testing.T) {
	ctx := context.Background()

	t.Run("Happy Path - Success", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		gw := newTestGateway(mockClient)

		mockClient.On("Push", mock.MatchedBy(func(n *apns2.Notification) bool {
			return n.DeviceToken == "token-1" && n.Topic == "com.test.app" && n.Priority == apns2.PriorityHigh
		})).Return(&apns2.Response{StatusCode: http.StatusOK, ApnsID: "apns-1"}, nil)

		id, err := gw.SendSingle(ctx, "token-1", iosMsg)

		require.NoError(t, err)
		assert.Equal(t, "apns-1", id)
		mockClient.AssertExpectations(t)
	})

	t.Run("Bad Device Token Is Invalid Registration", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		gw := newTestGateway(mockClient)
		mockClient.On("Push", mock.Anything).Return(&apns2.Response{
			StatusCode: http.StatusBadRequest,
			Reason:     apns2.ReasonBadDeviceToken,
		}, nil)

		_, err := gw.SendSingle(ctx, "bad-token", iosMsg)

		require.Error(t, err)
		assert.Equal(t, notification.ReasonInvalidRegistration, notification.ReasonOf(err))
	})

	t.Run("Unregistered Is Not Registered", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		gw := newTestGateway(mockClient)
		mockClient.On("Push", mock.Anything).Return(&apns2.Response{
			StatusCode: http.StatusGone,
			Reason:     apns2.ReasonUnregistered,
		}, nil)

		_, err := gw.SendSingle(ctx, "gone-token", iosMsg)

		assert.Equal(t, notification.ReasonNotRegistered, notification.ReasonOf(err))
	})

	t.Run("Config Error Leaves Token Intact", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		gw := newTestGateway(mockClient)
		mockClient.On("Push", mock.Anything).Return(&apns2.Response{
			StatusCode: http.StatusBadRequest,
			Reason:     apns2.ReasonTopicDisallowed,
		}, nil)

		_, err := gw.SendSingle(ctx, "token-1", iosMsg)

		assert.Equal(t, notification.ReasonUnknown, notification.ReasonOf(err))
	})

	t.Run("Oversized Payload Is Invalid Message", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		gw := newTestGateway(mockClient)
		mockClient.On("Push", mock.Anything).Return(&apns2.Response{
			StatusCode: http.StatusRequestEntityTooLarge,
			Reason:     apns2.ReasonPayloadTooLarge,
		}, nil)

		_, err := gw.SendSingle(ctx, "token-1", iosMsg)

		assert.Equal(t, notification.ReasonInvalidMessage, notification.ReasonOf(err))
	})

	t.Run("Throttled Is Rate Limited", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		gw := newTestGateway(mockClient)
		mockClient.On("Push", mock.Anything).Return(&apns2.Response{
			StatusCode: http.StatusTooManyRequests,
			Reason:     apns2.ReasonTooManyRequests,
		}, nil)

		_, err := gw.SendSingle(ctx, "token-1", iosMsg)

		assert.Equal(t, notification.ReasonRateLimited, notification.ReasonOf(err))
	})

	t.Run("Cancelled Context Never Pushes", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		gw := newTestGateway(mockClient)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := gw.SendSingle(cctx, "token-1", iosMsg)

		assert.Equal(t, notification.ReasonTimeout, notification.ReasonOf(err))
		mockClient.AssertNotCalled(t, "Push", mock.Anything)
	})
}

func TestSendMulticast_Internal(t *testing.T) {
	ctx := context.Background()

	t.Run("Mixed Outcomes", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		gw := newTestGateway(mockClient)
		mockClient.On("Push", mock.MatchedBy(func(n *apns2.Notification) bool { return n.DeviceToken == "good" })).
			Return(&apns2.Response{StatusCode: http.StatusOK, ApnsID: "a-1"}, nil)
		mockClient.On("Push", mock.MatchedBy(func(n *apns2.Notification) bool { return n.DeviceToken == "dead" })).
			Return(&apns2.Response{StatusCode: http.StatusGone, Reason: apns2.ReasonUnregistered}, nil)

		outcomes, err := gw.SendMulticast(ctx, []string{"good", "dead"}, iosMsg)

		require.NoError(t, err)
		require.Len(t, outcomes, 2)
		assert.True(t, outcomes[0].Accepted)
		assert.Equal(t, "a-1", outcomes[0].MessageID)
		assert.False(t, outcomes[1].Accepted)
		assert.Equal(t, notification.ReasonNotRegistered, outcomes[1].Reason)
	})

	t.Run("All Transport Failures Fail The Call", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		gw := newTestGateway(mockClient)
		mockClient.On("Push", mock.Anything).Return(nil, errors.New("network down"))

		outcomes, err := gw.SendMulticast(ctx, []string{"t1", "t2"}, iosMsg)

		require.Error(t, err)
		assert.Nil(t, outcomes)
		mockClient.AssertNumberOfCalls(t, "Push", 2)
	})
}

func TestTopics_Unsupported(t *testing.T) {
	gw := newTestGateway(new(MockAPNSClient))
	ctx := context.Background()

	_, err := gw.SendTopic(ctx, "workers", iosMsg)
	assert.ErrorIs(t, err, notification.ErrUnsupported)
	assert.Equal(t, notification.ReasonUnsupported, notification.ReasonOf(err))

	_, err = gw.Subscribe(ctx, []string{"t"}, "workers")
	assert.ErrorIs(t, err, notification.ErrUnsupported)

	_, err = gw.Unsubscribe(ctx, []string{"t"}, "workers")
	assert.ErrorIs(t, err, notification.ErrUnsupported)
}

func TestNewGateway_BadKey(t *testing.T) {
	_, err := NewGateway(Config{P8KeyContent: "not-a-key"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}
