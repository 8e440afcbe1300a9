//go:build integration

package directory_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-delivery-service/internal/platform/directory"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

func setupDirectory(t *testing.T) (context.Context, *directory.FirestoreDirectory) {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	client, err := firestore.NewClient(context.Background(), "test-project-directory")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir, err := directory.NewFirestoreDirectory(client, "accounts-"+uuid.NewString(), logger)
	require.NoError(t, err)
	return ctx, dir
}

func TestFirestoreDirectory_GetByUUIDAndNumber(t *testing.T) {
	ctx, dir := setupDirectory(t)
	account := &delivery.Account{
		UUID:   uuid.New(),
		Number: "+15550002222",
		Relay:  "relay.example",
		Devices: []*delivery.Device{
			{ID: 1, Password: "pw1", FCMToken: "fcm"},
			{ID: 2, Password: "pw2", VoipAPNToken: "voip", APNToken: "apn"},
		},
	}
	require.NoError(t, dir.Put(ctx, account))

	byID, found, err := dir.Get(ctx, account.UUID.String())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, account, byID)

	byNumber, found, err := dir.Get(ctx, "+15550002222")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, account.UUID, byNumber.UUID)

	_, found, err = dir.Get(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = dir.Get(ctx, "+15559999999")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFirestoreDirectory_ClearToken(t *testing.T) {
	ctx, dir := setupDirectory(t)
	account := &delivery.Account{
		UUID:   uuid.New(),
		Number: "+15550003333",
		Devices: []*delivery.Device{
			{ID: 1, Password: "pw", FCMToken: "fcm"},
			{ID: 2, Password: "pw", APNToken: "apn", VoipAPNToken: "voip"},
		},
	}
	require.NoError(t, dir.Put(ctx, account))

	dir.UnregisteredTokenHandler()(ctx, account.UUID, 2, delivery.ChannelAPN)

	got, found, err := dir.Get(ctx, account.UUID.String())
	require.NoError(t, err)
	require.True(t, found)
	dev1, _ := got.Device(1)
	dev2, _ := got.Device(2)
	assert.Equal(t, "fcm", dev1.FCMToken, "other devices untouched")
	assert.Empty(t, dev2.APNToken)
	assert.Empty(t, dev2.VoipAPNToken)
	assert.Equal(t, delivery.ChannelNone, dev2.Channel())

	require.NoError(t, dir.ClearToken(ctx, uuid.New(), 1, delivery.ChannelFCM), "missing account is a no-op")
}
