// Package directory contains the Firestore-backed account and device
// directory.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultCollection is used when no collection name is configured.
const DefaultCollection = "accounts"

type storedDevice struct {
	ID              int64  `firestore:"id"`
	Password        string `firestore:"password"`
	FCMToken        string `firestore:"fcm_token,omitempty"`
	APNToken        string `firestore:"apn_token,omitempty"`
	VoipAPNToken    string `firestore:"voip_apn_token,omitempty"`
	FetchesMessages bool   `firestore:"fetches_messages"`
}

// storedAccount is keyed by the account UUID.
type storedAccount struct {
	Number  string         `firestore:"number"`
	Relay   string         `firestore:"relay,omitempty"`
	Devices []storedDevice `firestore:"devices"`
}

// FirestoreDirectory implements delivery.AccountDirectory.
type FirestoreDirectory struct {
	client     *firestore.Client
	collection string
	logger     *slog.Logger
}

func NewFirestoreDirectory(client *firestore.Client, collection string, logger *slog.Logger) (*FirestoreDirectory, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if collection == "" {
		collection = DefaultCollection
	}
	return &FirestoreDirectory{
		client:     client,
		collection: collection,
		logger:     logger.With("component", "firestore_directory", "collection", collection),
	}, nil
}

// Get resolves identifier as an account UUID first and as a phone number
// otherwise.
func (d *FirestoreDirectory) Get(ctx context.Context, identifier string) (*delivery.Account, bool, error) {
	if id, err := uuid.Parse(identifier); err == nil {
		return d.getByUUID(ctx, id)
	}
	return d.getByNumber(ctx, identifier)
}

func (d *FirestoreDirectory) getByUUID(ctx context.Context, id uuid.UUID) (*delivery.Account, bool, error) {
	snap, err := d.client.Collection(d.collection).Doc(id.String()).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get account %s: %w", id, err)
	}
	account, err := decodeAccount(snap)
	if err != nil {
		return nil, false, err
	}
	return account, true, nil
}

func (d *FirestoreDirectory) getByNumber(ctx context.Context, number string) (*delivery.Account, bool, error) {
	snaps, err := d.client.Collection(d.collection).Where("number", "==", number).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return nil, false, fmt.Errorf("failed to query account by number: %w", err)
	}
	if len(snaps) == 0 {
		return nil, false, nil
	}
	account, err := decodeAccount(snaps[0])
	if err != nil {
		return nil, false, err
	}
	return account, true, nil
}

// Put writes the account, replacing any previous document.
func (d *FirestoreDirectory) Put(ctx context.Context, account *delivery.Account) error {
	if account == nil || account.UUID == uuid.Nil {
		return errors.New("account must have a uuid")
	}
	if _, err := d.client.Collection(d.collection).Doc(account.UUID.String()).Set(ctx, toStoredAccount(account)); err != nil {
		return fmt.Errorf("failed to put account %s: %w", account.UUID, err)
	}
	return nil
}

// ClearToken removes the push token(s) of channel from one device. For APN
// both the standard and VOIP tokens are cleared.
func (d *FirestoreDirectory) ClearToken(ctx context.Context, accountID uuid.UUID, deviceID int64, channel delivery.Channel) error {
	docRef := d.client.Collection(d.collection).Doc(accountID.String())
	return d.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(docRef)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var stored storedAccount
		if err := snap.DataTo(&stored); err != nil {
			return fmt.Errorf("failed to decode account %s: %w", accountID, err)
		}
		changed := false
		for i := range stored.Devices {
			if stored.Devices[i].ID != deviceID {
				continue
			}
			switch channel {
			case delivery.ChannelFCM:
				changed = stored.Devices[i].FCMToken != ""
				stored.Devices[i].FCMToken = ""
			case delivery.ChannelAPN:
				changed = stored.Devices[i].APNToken != "" || stored.Devices[i].VoipAPNToken != ""
				stored.Devices[i].APNToken = ""
				stored.Devices[i].VoipAPNToken = ""
			}
		}
		if !changed {
			return nil
		}
		return tx.Set(docRef, &stored)
	})
}

// UnregisteredTokenHandler adapts ClearToken to the pipeline's callback.
func (d *FirestoreDirectory) UnregisteredTokenHandler() delivery.UnregisteredTokenHandler {
	return func(ctx context.Context, accountID uuid.UUID, deviceID int64, channel delivery.Channel) {
		if err := d.ClearToken(ctx, accountID, deviceID, channel); err != nil {
			d.logger.Warn("Failed to clear unregistered push token",
				"account", accountID.String(), "device", deviceID, "channel", string(channel), "err", err)
			return
		}
		d.logger.Info("Cleared unregistered push token",
			"account", accountID.String(), "device", deviceID, "channel", string(channel))
	}
}

func decodeAccount(snap *firestore.DocumentSnapshot) (*delivery.Account, error) {
	id, err := uuid.Parse(snap.Ref.ID)
	if err != nil {
		return nil, fmt.Errorf("account document id %q is not a uuid: %w", snap.Ref.ID, err)
	}
	var stored storedAccount
	if err := snap.DataTo(&stored); err != nil {
		return nil, fmt.Errorf("failed to decode account %s: %w", id, err)
	}
	return fromStoredAccount(id, stored), nil
}

func toStoredAccount(a *delivery.Account) *storedAccount {
	stored := &storedAccount{Number: a.Number, Relay: a.Relay, Devices: make([]storedDevice, 0, len(a.Devices))}
	for _, dev := range a.Devices {
		stored.Devices = append(stored.Devices, storedDevice{
			ID:              dev.ID,
			Password:        dev.Password,
			FCMToken:        dev.FCMToken,
			APNToken:        dev.APNToken,
			VoipAPNToken:    dev.VoipAPNToken,
			FetchesMessages: dev.FetchesMessages,
		})
	}
	return stored
}

func fromStoredAccount(id uuid.UUID, s storedAccount) *delivery.Account {
	account := &delivery.Account{UUID: id, Number: s.Number, Relay: s.Relay, Devices: make([]*delivery.Device, 0, len(s.Devices))}
	for _, dev := range s.Devices {
		account.Devices = append(account.Devices, &delivery.Device{
			ID:              dev.ID,
			Password:        dev.Password,
			FCMToken:        dev.FCMToken,
			APNToken:        dev.APNToken,
			VoipAPNToken:    dev.VoipAPNToken,
			FetchesMessages: dev.FetchesMessages,
		})
	}
	return account
}

var _ delivery.AccountDirectory = (*FirestoreDirectory)(nil)
