//go:build integration

package firestore_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-test/emulators"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	fs "github.com/tinywideclouds/go-marketplace-notifications/internal/storage/firestore"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notification"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupSuite(t *testing.T) (context.Context, *firestore.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	t.Cleanup(cancel)

	projectID := "test-notification-store"
	conn := emulators.SetupFirestoreEmulator(t, ctx, emulators.GetDefaultFirestoreConfig(projectID))
	client, err := firestore.NewClient(ctx, projectID, conn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return ctx, client
}

func TestRecordStore_Integration(t *testing.T) {
	ctx, client := setupSuite(t)
	store := fs.NewRecordStore(client)
	userURN, _ := urn.Parse("urn:sm:user:record-owner")
	intent := notification.Intent{
		Type:  notification.TypeBookingStatus,
		Title: "Booking Update",
		Body:  "accepted",
		Data:  map[string]string{"bookingId": "BK123"},
	}

	first, err := store.Create(ctx, notification.NewRecord(userURN, intent))
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	time.Sleep(5 * time.Millisecond)
	second, err := store.Create(ctx, notification.NewRecord(userURN, intent))
	require.NoError(t, err)

	t.Run("Get round-trips the record", func(t *testing.T) {
		got, err := store.Get(ctx, userURN, first.ID)
		require.NoError(t, err)
		assert.Equal(t, notification.TypeBookingStatus, got.Type)
		assert.Equal(t, "accepted", got.Message)
		assert.Equal(t, "BK123", got.Data["bookingId"])
		assert.False(t, got.Read)
	})

	t.Run("List is newest first", func(t *testing.T) {
		records, err := store.List(ctx, userURN, 10)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, second.ID, records[0].ID)
	})

	t.Run("Unread count follows mark read", func(t *testing.T) {
		count, err := store.UnreadCount(ctx, userURN)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		require.NoError(t, store.MarkRead(ctx, userURN, first.ID))
		count, err = store.UnreadCount(ctx, userURN)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		n, err := store.MarkAllRead(ctx, userURN)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("Missing records report not found", func(t *testing.T) {
		_, err := store.Get(ctx, userURN, "does-not-exist")
		assert.ErrorIs(t, err, notification.ErrRecordNotFound)
		assert.ErrorIs(t, store.MarkRead(ctx, userURN, "does-not-exist"), notification.ErrRecordNotFound)
		assert.ErrorIs(t, store.Delete(ctx, userURN, "does-not-exist"), notification.ErrRecordNotFound)
	})

	t.Run("Delete all", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, userURN, first.ID))
		n, err := store.DeleteAll(ctx, userURN)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		records, err := store.List(ctx, userURN, 0)
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

func TestDeviceRegistry_Integration(t *testing.T) {
	ctx, client := setupSuite(t)
	registry := fs.NewDeviceRegistry(client, "fcm", newTestLogger())
	userURN, _ := urn.Parse("urn:sm:user:device-owner")

	require.NoError(t, registry.Register(ctx, userURN, "token-android-1"))
	require.NoError(t, registry.Register(ctx, userURN, "token-android-1"), "re-registering is idempotent")
	require.NoError(t, registry.Register(ctx, userURN, "token-ios-1"))

	tokens, err := registry.Tokens(ctx, userURN)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"token-android-1", "token-ios-1"}, tokens)

	require.NoError(t, registry.InvalidateTokens(ctx, userURN, []string{"token-ios-1", "never-registered"}))
	tokens, err = registry.Tokens(ctx, userURN)
	require.NoError(t, err)
	assert.Equal(t, []string{"token-android-1"}, tokens)

	require.NoError(t, registry.Unregister(ctx, userURN, "token-android-1"))
	tokens, err = registry.Tokens(ctx, userURN)
	require.NoError(t, err)
	assert.Empty(t, tokens)
}
