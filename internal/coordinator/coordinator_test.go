package coordinator_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-marketplace-notifications/internal/coordinator"
	"github.com/tinywideclouds/go-marketplace-notifications/internal/gatewaytest"
	"github.com/tinywideclouds/go-marketplace-notifications/internal/orchestrator"
	"github.com/tinywideclouds/go-marketplace-notifications/internal/storage/memory"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notification"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/retry"
)

// --- Mocks ---

type mockSink struct {
	mock.Mock
}

func (m *mockSink) InvalidateTokens(ctx context.Context, user urn.URN, tokens []string) error {
	args := m.Called(ctx, user, tokens)
	return args.Error(0)
}

type failingStore struct {
	*memory.RecordStore
	err error
}

func (f failingStore) Create(context.Context, notification.Record) (notification.Record, error) {
	return notification.Record{}, f.err
}

// --- Fixtures ---

var bookingIntent = notification.Intent{
	Type:  notification.TypeBookingStatus,
	Title: "Booking Update",
	Body:  "accepted",
	Data:  map[string]string{"bookingId": "BK123"},
}

type fixture struct {
	gateway *gatewaytest.MockGateway
	store   *memory.RecordStore
	sink    *mockSink
	coord   *coordinator.Coordinator
	user    urn.URN
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	user, err := urn.Parse("urn:sm:user:worker-7")
	require.NoError(t, err)

	f := &fixture{
		gateway: new(gatewaytest.MockGateway),
		store:   memory.NewRecordStore(),
		sink:    new(mockSink),
		user:    user,
	}
	orch := orchestrator.New(f.gateway, logger,
		orchestrator.WithRetryConfig(retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond}))
	f.coord = coordinator.New(f.store, orch, f.sink, logger)
	return f
}

func (f *fixture) persisted(t *testing.T) []notification.Record {
	t.Helper()
	records, err := f.store.List(context.Background(), f.user, 0)
	require.NoError(t, err)
	return records
}

// --- Tests ---

func TestNotifyUser_DeliveredEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.gateway.On("SendSingle", mock.Anything, "tok-valid-1", bookingIntent.Message()).Return("msg-1", nil).Once()

	outcome, err := f.coord.NotifyUser(context.Background(), f.user, bookingIntent, "tok-valid-1")

	require.NoError(t, err)
	assert.Equal(t, notification.TypeBookingStatus, outcome.Record.Type)
	assert.False(t, outcome.Record.Read)
	assert.NotEmpty(t, outcome.Record.ID)
	require.NotNil(t, outcome.Delivery)
	assert.True(t, outcome.Delivery.Succeeded)
	assert.Equal(t, "msg-1", outcome.Delivery.MessageID)
	assert.Empty(t, outcome.InvalidTokens)

	records := f.persisted(t)
	require.Len(t, records, 1)
	assert.Equal(t, outcome.Record.ID, records[0].ID)
	f.sink.AssertNotCalled(t, "InvalidateTokens", mock.Anything, mock.Anything, mock.Anything)
}

func TestNotifyUser_DeadTokenIsHandedToSink(t *testing.T) {
	f := newFixture(t)
	f.gateway.On("SendSingle", mock.Anything, "tok-dead", bookingIntent.Message()).
		Return("", notification.NewGatewayError(notification.ReasonNotRegistered, errors.New("unregistered")))
	f.sink.On("InvalidateTokens", mock.Anything, f.user, []string{"tok-dead"}).Return(nil).Once()

	outcome, err := f.coord.NotifyUser(context.Background(), f.user, bookingIntent, "tok-dead")

	require.NoError(t, err, "push failures are never surfaced")
	assert.Equal(t, []string{"tok-dead"}, outcome.InvalidTokens)
	assert.NoError(t, outcome.PushErr)
	assert.Len(t, f.persisted(t), 1)
	f.sink.AssertExpectations(t)
	f.gateway.AssertNumberOfCalls(t, "SendSingle", 1)
}

func TestNotifyUser_NoTokenSkipsGateway(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.coord.NotifyUser(context.Background(), f.user, bookingIntent, "")

	require.NoError(t, err)
	assert.Nil(t, outcome.Delivery)
	assert.Len(t, f.persisted(t), 1)
	f.gateway.AssertNotCalled(t, "SendSingle", mock.Anything, mock.Anything, mock.Anything)
}

func TestNotifyUser_GatewayExhaustedKeepsRecord(t *testing.T) {
	f := newFixture(t)
	f.gateway.On("SendSingle", mock.Anything, "tok-1", bookingIntent.Message()).
		Return("", notification.NewGatewayError(notification.ReasonUnavailable, errors.New("503")))

	outcome, err := f.coord.NotifyUser(context.Background(), f.user, bookingIntent, "tok-1")

	require.NoError(t, err)
	assert.ErrorIs(t, outcome.PushErr, notification.ErrGatewayUnavailable)
	require.NotNil(t, outcome.Delivery)
	assert.False(t, outcome.Delivery.Succeeded)
	assert.Len(t, f.persisted(t), 1)
	f.gateway.AssertNumberOfCalls(t, "SendSingle", 3)
}

func TestNotifyUser_StoreFailureEscalates(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := new(gatewaytest.MockGateway)
	store := failingStore{RecordStore: memory.NewRecordStore(), err: errors.New("firestore down")}
	coord := coordinator.New(store, orchestrator.New(gw, logger), nil, logger)
	user, _ := urn.Parse("urn:sm:user:worker-7")

	_, err := coord.NotifyUser(context.Background(), user, bookingIntent, "tok-1")

	require.Error(t, err)
	assert.ErrorIs(t, err, notification.ErrStoreWrite)
	gw.AssertNotCalled(t, "SendSingle", mock.Anything, mock.Anything, mock.Anything)
}

func TestNotifyUser_SinkFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	f.gateway.On("SendSingle", mock.Anything, "tok-dead", bookingIntent.Message()).
		Return("", notification.NewGatewayError(notification.ReasonInvalidRegistration, nil))
	f.sink.On("InvalidateTokens", mock.Anything, f.user, []string{"tok-dead"}).Return(errors.New("registry offline"))

	outcome, err := f.coord.NotifyUser(context.Background(), f.user, bookingIntent, "tok-dead")

	require.NoError(t, err)
	assert.Equal(t, []string{"tok-dead"}, outcome.InvalidTokens)
}

func TestNotifyDevices(t *testing.T) {
	t.Run("Multicast with one dead token", func(t *testing.T) {
		f := newFixture(t)
		tokens := []string{"tok-a", "tok-b", "tok-c"}
		f.gateway.On("SendMulticast", mock.Anything, tokens, bookingIntent.Message()).Return([]notification.TokenOutcome{
			gatewaytest.Accepted("tok-a", "m-a"),
			gatewaytest.Failed("tok-b", notification.ReasonNotRegistered),
			gatewaytest.Accepted("tok-c", "m-c"),
		}, nil).Once()
		f.sink.On("InvalidateTokens", mock.Anything, f.user, []string{"tok-b"}).Return(nil).Once()

		outcome, err := f.coord.NotifyDevices(context.Background(), f.user, bookingIntent, tokens)

		require.NoError(t, err)
		require.NotNil(t, outcome.Delivery)
		assert.Equal(t, 2, outcome.Delivery.SuccessCount)
		assert.Equal(t, 1, outcome.Delivery.FailureCount)
		assert.Equal(t, []string{"tok-b"}, outcome.InvalidTokens)
		assert.Len(t, f.persisted(t), 1, "one record per intent regardless of device count")
		f.sink.AssertExpectations(t)
	})

	t.Run("Single surviving token uses unary send", func(t *testing.T) {
		f := newFixture(t)
		f.gateway.On("SendSingle", mock.Anything, "tok-a", bookingIntent.Message()).Return("msg-a", nil).Once()

		outcome, err := f.coord.NotifyDevices(context.Background(), f.user, bookingIntent, []string{" tok-a", "", "tok-a"})

		require.NoError(t, err)
		assert.Equal(t, "msg-a", outcome.Delivery.MessageID)
	})

	t.Run("No tokens persists only", func(t *testing.T) {
		f := newFixture(t)

		outcome, err := f.coord.NotifyDevices(context.Background(), f.user, bookingIntent, nil)

		require.NoError(t, err)
		assert.Nil(t, outcome.Delivery)
		assert.Len(t, f.persisted(t), 1)
	})
}
