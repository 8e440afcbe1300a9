// Package queue defines the per-device storage contracts behind the message
// sender and the message fetch API.
package queue

import (
	"context"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// Store is a durable, per-device message queue.
type Store interface {
	delivery.QueueStore

	// RetrieveBatch returns up to limit queued envelopes, oldest first. Returned
	// envelopes stay in the store until acknowledged.
	RetrieveBatch(ctx context.Context, accountID uuid.UUID, deviceID int64, limit int) ([]*delivery.QueuedEnvelope, error)

	// Acknowledge permanently deletes envelopes by id. Unknown ids are ignored.
	Acknowledge(ctx context.Context, accountID uuid.UUID, deviceID int64, ids []string) error
}

// EphemeralSlots holds at most one online-only envelope per device.
type EphemeralSlots interface {
	delivery.SlotStore

	// TakeEphemeral removes and returns the pending envelope, if any.
	TakeEphemeral(ctx context.Context, accountID uuid.UUID, deviceID int64) (*delivery.Envelope, bool, error)
}
