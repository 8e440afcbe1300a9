// Package api defines the HTTP handlers for queue retrieval, acknowledgment
// and delivery receipts.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/tinywideclouds/go-delivery-service/internal/auth"
	"github.com/tinywideclouds/go-delivery-service/internal/queue"
	"github.com/tinywideclouds/go-delivery-service/internal/response"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

const (
	defaultBatchLimit = 50
	maxBatchLimit     = 500
)

// ReceiptSender is the part of the receipt pipeline the API calls.
type ReceiptSender interface {
	SendReceipt(ctx context.Context, source *delivery.Account, destination string, timestamp int64) error
}

// MessageBatch is the body of GET /api/messages.
type MessageBatch struct {
	Messages  []*delivery.QueuedEnvelope `json:"messages"`
	Ephemeral *delivery.Envelope         `json:"ephemeral,omitempty"`
	More      bool                       `json:"more"`
}

// API holds the dependencies for the HTTP handlers.
type API struct {
	queue     queue.Store
	slots     queue.EphemeralSlots
	receipts  ReceiptSender
	directory delivery.AccountDirectory
	logger    *slog.Logger
	wg        sync.WaitGroup
}

func NewAPI(q queue.Store, slots queue.EphemeralSlots, receipts ReceiptSender, directory delivery.AccountDirectory, logger *slog.Logger) *API {
	return &API{
		queue:     q,
		slots:     slots,
		receipts:  receipts,
		directory: directory,
		logger:    logger,
	}
}

// Wait blocks until background acknowledgments are complete.
func (a *API) Wait() {
	a.wg.Wait()
}

// GetMessageBatchHandler returns queued envelopes, oldest first, plus the
// pending ephemeral envelope if there is one.
func (a *API) GetMessageBatchHandler(w http.ResponseWriter, r *http.Request) {
	device, ok := auth.DeviceFromContext(r.Context())
	if !ok {
		a.logger.Warn("GetMessageBatchHandler: No device in context")
		response.WriteJSONError(w, http.StatusUnauthorized, "missing authentication")
		return
	}

	limit := defaultBatchLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		val, err := strconv.Atoi(limitStr)
		if err != nil {
			a.logger.Warn("Invalid 'limit' parameter", "limit", limitStr)
			response.WriteJSONError(w, http.StatusBadRequest, "invalid 'limit' parameter, must be an integer")
			return
		}
		if val > maxBatchLimit {
			limit = maxBatchLimit
		} else if val > 0 {
			limit = val
		}
	}

	log := a.logger.With("account", device.AccountID.String(), "device", device.DeviceID, "limit", limit)

	messages, err := a.queue.RetrieveBatch(r.Context(), device.AccountID, device.DeviceID, limit)
	if err != nil {
		log.Error("Failed to retrieve message batch", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "failed to retrieve messages")
		return
	}

	batch := &MessageBatch{Messages: messages, More: len(messages) >= limit}
	if batch.Messages == nil {
		batch.Messages = []*delivery.QueuedEnvelope{}
	}

	ephemeral, found, err := a.slots.TakeEphemeral(r.Context(), device.AccountID, device.DeviceID)
	if err != nil {
		log.Warn("Failed to take ephemeral envelope", "err", err)
	} else if found {
		batch.Ephemeral = ephemeral
	}

	log.Debug("Retrieved message batch", "count", len(messages), "ephemeral", batch.Ephemeral != nil)
	response.WriteJSON(w, http.StatusOK, batch)
}

// AcknowledgeMessagesHandler deletes acknowledged envelopes in the background
// and answers 204 immediately.
func (a *API) AcknowledgeMessagesHandler(w http.ResponseWriter, r *http.Request) {
	device, ok := auth.DeviceFromContext(r.Context())
	if !ok {
		a.logger.Warn("AcknowledgeMessagesHandler: No device in context")
		response.WriteJSONError(w, http.StatusUnauthorized, "missing authentication")
		return
	}

	var ackBody struct {
		MessageIDs []string `json:"messageIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&ackBody); err != nil {
		a.logger.Warn("Failed to decode ack body", "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(ackBody.MessageIDs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	log := a.logger.With("account", device.AccountID.String(), "device", device.DeviceID, "count", len(ackBody.MessageIDs))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := a.queue.Acknowledge(ctx, device.AccountID, device.DeviceID, ackBody.MessageIDs); err != nil {
			log.Error("Failed to acknowledge messages in background", "err", err)
			return
		}
		log.Debug("Acknowledged messages in background")
	}()

	w.WriteHeader(http.StatusNoContent)
}

// SendReceiptHandler handles PUT /api/receipt/{destination}/{timestamp}.
func (a *API) SendReceiptHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.DeviceFromContext(r.Context())
	if !ok {
		a.logger.Warn("SendReceiptHandler: No device in context")
		response.WriteJSONError(w, http.StatusUnauthorized, "missing authentication")
		return
	}

	destination := r.PathValue("destination")
	timestamp, err := strconv.ParseInt(r.PathValue("timestamp"), 10, 64)
	if destination == "" || err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid destination or timestamp")
		return
	}

	log := a.logger.With("account", caller.AccountID.String(), "device", caller.DeviceID, "destination", destination)

	source, found, err := a.directory.Get(r.Context(), caller.AccountID.String())
	if err != nil {
		log.Error("Failed to look up source account", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "failed to send receipt")
		return
	}
	if !found {
		response.WriteJSONError(w, http.StatusUnauthorized, "unknown account")
		return
	}
	// Directory results may be shared; attach the device to a copy.
	authed := *source
	if device, ok := source.Device(caller.DeviceID); ok {
		authed.AuthenticatedDevice = device
	}

	err = a.receipts.SendReceipt(r.Context(), &authed, destination, timestamp)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, delivery.ErrNoSuchUser):
		response.WriteJSONError(w, http.StatusNotFound, "no such user")
	case errors.Is(err, delivery.ErrNoAuthenticatedDevice):
		response.WriteJSONError(w, http.StatusUnauthorized, "unknown device")
	default:
		log.Error("Failed to send receipt", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "failed to send receipt")
	}
}
