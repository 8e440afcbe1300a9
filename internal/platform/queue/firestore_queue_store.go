package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/tinywideclouds/go-delivery-service/internal/queue"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// storedEnvelope is the Firestore shape of a delivery.Envelope.
type storedEnvelope struct {
	Type               int    `firestore:"type"`
	DestinationAccount string `firestore:"destination_account"`
	DestinationDevice  int64  `firestore:"destination_device"`
	SourceAccount      string `firestore:"source_account,omitempty"`
	SourceNumber       string `firestore:"source_number,omitempty"`
	SourceDevice       int64  `firestore:"source_device,omitempty"`
	Relay              string `firestore:"relay,omitempty"`
	Timestamp          int64  `firestore:"timestamp"`
	Content            []byte `firestore:"content,omitempty"`
}

// storedMessage is the document written per queued envelope.
type storedMessage struct {
	QueuedAt time.Time      `firestore:"queued_at"`
	Envelope storedEnvelope `firestore:"envelope"`
}

// FirestoreQueueStore implements queue.Store with one document per envelope
// under {collection}/{account::device}/messages.
type FirestoreQueueStore struct {
	client         *firestore.Client
	logger         *slog.Logger
	collectionName string
}

func NewFirestoreQueueStore(client *firestore.Client, collectionName string, logger *slog.Logger) (*FirestoreQueueStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if collectionName == "" {
		return nil, fmt.Errorf("collectionName cannot be empty")
	}
	return &FirestoreQueueStore{
		client:         client,
		logger:         logger.With("component", "firestore_queue_store", "collection", collectionName),
		collectionName: collectionName,
	}, nil
}

func (s *FirestoreQueueStore) messagesCollection(accountID uuid.UUID, deviceID int64) *firestore.CollectionRef {
	return s.client.Collection(s.collectionName).Doc(deviceDocID(accountID, deviceID)).Collection("messages")
}

func (s *FirestoreQueueStore) Insert(ctx context.Context, accountID uuid.UUID, deviceID int64, envelope *delivery.Envelope) error {
	docRef := s.messagesCollection(accountID, deviceID).Doc(uuid.NewString())
	_, err := docRef.Create(ctx, &storedMessage{
		QueuedAt: time.Now().UTC(),
		Envelope: toStored(envelope),
	})
	if err != nil {
		s.logger.Error("Failed to queue envelope", "account", accountID.String(), "device", deviceID, "err", err)
		return fmt.Errorf("failed to queue envelope: %w", err)
	}
	s.logger.Debug("Queued envelope", "doc_id", docRef.ID)
	return nil
}

func (s *FirestoreQueueStore) RetrieveBatch(ctx context.Context, accountID uuid.UUID, deviceID int64, limit int) ([]*delivery.QueuedEnvelope, error) {
	log := s.logger.With("account", accountID.String(), "device", deviceID)

	query := s.messagesCollection(accountID, deviceID).OrderBy("queued_at", firestore.Asc).Limit(limit)
	docSnaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		log.Error("Failed to retrieve queue batch", "err", err)
		return nil, fmt.Errorf("failed to retrieve queue batch: %w", err)
	}

	batch := make([]*delivery.QueuedEnvelope, 0, len(docSnaps))
	for _, doc := range docSnaps {
		var stored storedMessage
		if err := doc.DataTo(&stored); err != nil {
			log.Error("Failed to decode queued envelope, skipping", "err", err, "doc_id", doc.Ref.ID)
			continue
		}
		env, err := fromStored(stored.Envelope)
		if err != nil {
			log.Error("Failed to convert queued envelope, skipping", "err", err, "doc_id", doc.Ref.ID)
			continue
		}
		batch = append(batch, &delivery.QueuedEnvelope{ID: doc.Ref.ID, Envelope: env})
	}
	return batch, nil
}

func (s *FirestoreQueueStore) Acknowledge(ctx context.Context, accountID uuid.UUID, deviceID int64, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	collectionRef := s.messagesCollection(accountID, deviceID)

	bulkWriter := s.client.BulkWriter(ctx)
	var firstErr error
	for _, id := range ids {
		if _, err := bulkWriter.Delete(collectionRef.Doc(id)); err != nil {
			s.logger.Error("Failed to enqueue document for deletion", "err", err, "doc_id", id)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	bulkWriter.End()

	if firstErr != nil {
		return fmt.Errorf("failed to enqueue one or more envelopes for deletion: %w", firstErr)
	}
	s.logger.Debug("Acknowledged envelopes", "count", len(ids))
	return nil
}

func deviceDocID(accountID uuid.UUID, deviceID int64) string {
	return fmt.Sprintf("%s::%d", accountID, deviceID)
}

func toStored(env *delivery.Envelope) storedEnvelope {
	stored := storedEnvelope{
		Type:               int(env.Type),
		DestinationAccount: env.DestinationAccount.String(),
		DestinationDevice:  env.DestinationDevice,
		SourceNumber:       env.SourceNumber,
		SourceDevice:       env.SourceDevice,
		Relay:              env.Relay,
		Timestamp:          env.Timestamp,
		Content:            env.Content,
	}
	if env.SourceAccount != uuid.Nil {
		stored.SourceAccount = env.SourceAccount.String()
	}
	return stored
}

func fromStored(s storedEnvelope) (*delivery.Envelope, error) {
	dest, err := uuid.Parse(s.DestinationAccount)
	if err != nil {
		return nil, fmt.Errorf("bad destination account: %w", err)
	}
	env := &delivery.Envelope{
		Type:               delivery.EnvelopeType(s.Type),
		DestinationAccount: dest,
		DestinationDevice:  s.DestinationDevice,
		SourceNumber:       s.SourceNumber,
		SourceDevice:       s.SourceDevice,
		Relay:              s.Relay,
		Timestamp:          s.Timestamp,
		Content:            s.Content,
	}
	if s.SourceAccount != "" {
		if env.SourceAccount, err = uuid.Parse(s.SourceAccount); err != nil {
			return nil, fmt.Errorf("bad source account: %w", err)
		}
	}
	return env, nil
}

var _ queue.Store = (*FirestoreQueueStore)(nil)
