package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// Sender is the part of MessageSender the receipt fan-out needs.
type Sender interface {
	SendMessage(ctx context.Context, account *delivery.Account, device *delivery.Device, envelope *delivery.Envelope, online bool) error
}

// ReceiptSender delivers delivery receipts to every device of the original
// message's sender.
type ReceiptSender struct {
	directory delivery.AccountDirectory
	sender    Sender
	logger    zerolog.Logger
}

func NewReceiptSender(directory delivery.AccountDirectory, sender Sender, logger zerolog.Logger) (*ReceiptSender, error) {
	if directory == nil || sender == nil {
		return nil, errors.New("directory and sender are required")
	}
	return &ReceiptSender{
		directory: directory,
		sender:    sender,
		logger:    logger.With().Str("component", "ReceiptSender").Logger(),
	}, nil
}

// SendReceipt tells destination (a UUID or number) that source received the
// message sent at timestamp. Receipts to oneself are ignored. Devices that
// cannot be reached are skipped; any other per-device failure is returned.
func (r *ReceiptSender) SendReceipt(ctx context.Context, source *delivery.Account, destination string, timestamp int64) error {
	if destination == source.Number || strings.EqualFold(destination, source.UUID.String()) {
		return nil
	}

	destAccount, found, err := r.directory.Get(ctx, destination)
	if err != nil {
		return err
	}
	if !found {
		return delivery.ErrNoSuchUser
	}

	if source.AuthenticatedDevice == nil {
		return delivery.ErrNoAuthenticatedDevice
	}

	var errs []error
	for _, device := range destAccount.Devices {
		envelope := &delivery.Envelope{
			Type:               delivery.EnvelopeTypeReceipt,
			DestinationAccount: destAccount.UUID,
			DestinationDevice:  device.ID,
			SourceAccount:      source.UUID,
			SourceNumber:       source.Number,
			SourceDevice:       source.AuthenticatedDevice.ID,
			Relay:              source.Relay,
			Timestamp:          timestamp,
		}

		err := r.sender.SendMessage(ctx, destAccount, device, envelope, false)
		if errors.Is(err, delivery.ErrNotPushRegistered) {
			r.logger.Info().Str("account", destAccount.UUID.String()).Int64("device", device.ID).Msg("Device no longer push registered for delivery receipt.")
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("receipt to device %d: %w", device.ID, err))
		}
	}
	return errors.Join(errs...)
}
