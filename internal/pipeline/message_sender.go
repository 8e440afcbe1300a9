// Package pipeline decides how each outbound envelope reaches its device:
// straight into the ephemeral slot, into the durable queue, or into the queue
// followed by a push wake-up.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-delivery-service/internal/metrics"
	"github.com/tinywideclouds/go-delivery-service/internal/wake"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// MessageSender routes envelopes and sends wake notifications.
type MessageSender struct {
	deps    *delivery.Dependencies
	metrics *metrics.Metrics
	logger  zerolog.Logger

	// pending tracks goroutines waiting on push results.
	pending sync.WaitGroup
}

// NewMessageSender validates deps. Fallback, Latency and UnregisteredTokens
// may be nil; metrics may be nil.
func NewMessageSender(deps *delivery.Dependencies, m *metrics.Metrics, logger zerolog.Logger) (*MessageSender, error) {
	if deps == nil {
		return nil, errors.New("dependencies cannot be nil")
	}
	if deps.Presence == nil || deps.Queue == nil || deps.Slots == nil {
		return nil, errors.New("presence, queue and slot store are required")
	}
	if deps.FCMSender == nil || deps.APNSender == nil {
		return nil, errors.New("push senders are required")
	}
	return &MessageSender{
		deps:    deps,
		metrics: m,
		logger:  logger.With().Str("component", "MessageSender").Logger(),
	}, nil
}

// Start starts the wrapped push senders.
func (s *MessageSender) Start(ctx context.Context) error {
	if err := s.deps.FCMSender.Start(ctx); err != nil {
		return fmt.Errorf("failed to start fcm sender: %w", err)
	}
	if err := s.deps.APNSender.Start(ctx); err != nil {
		return fmt.Errorf("failed to start apn sender: %w", err)
	}
	return nil
}

// Stop stops the push senders and waits, bounded by ctx, for outstanding push
// results to be handled.
func (s *MessageSender) Stop(ctx context.Context) error {
	err := errors.Join(s.deps.FCMSender.Stop(ctx), s.deps.APNSender.Stop(ctx))

	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Stopped before all push results were received.")
	}
	return err
}

// SendMessage routes one envelope to one device.
//
// With online set the envelope is ephemeral: it replaces the device's pending
// slot if the device is connected and is dropped otherwise. Without it the
// envelope is always queued first and only then is presence checked; an
// absent device gets a wake notification.
func (s *MessageSender) SendMessage(ctx context.Context, account *delivery.Account, device *delivery.Device, envelope *delivery.Envelope, online bool) error {
	channel := device.Channel()
	if channel == delivery.ChannelNone {
		return delivery.ErrNotPushRegistered
	}

	var clientPresent bool
	if online {
		present, err := s.deps.Presence.IsPresent(ctx, account.UUID, device.ID)
		if err != nil {
			return err
		}
		clientPresent = present
		if present {
			if err := s.deps.Slots.InsertEphemeral(ctx, account.UUID, device.ID, envelope); err != nil {
				return err
			}
		}
	} else {
		// 1. Queue first, before looking at presence.
		if err := s.deps.Queue.Insert(ctx, account.UUID, device.ID, envelope); err != nil {
			return err
		}

		// 2. Then check presence.
		present, err := s.deps.Presence.IsPresent(ctx, account.UUID, device.ID)
		if err != nil {
			return err
		}
		clientPresent = present

		// 3. Wake the device if nobody holds its connection.
		if !present {
			if err := s.SendNewMessageNotification(ctx, account, device); err != nil {
				s.logger.Warn().Err(err).Str("account", account.UUID.String()).Int64("device", device.ID).Msg("Queued message but failed to send wake notification.")
			}
		}
	}

	s.metrics.RecordDelivery(string(channel), online, clientPresent)
	return nil
}

// SendNewMessageNotification wakes the device through the first channel it
// has a token for: FCM, then APN (VOIP before standard). A device with no
// push token is left alone.
func (s *MessageSender) SendNewMessageNotification(ctx context.Context, account *delivery.Account, device *delivery.Device) error {
	switch {
	case device.FCMToken != "":
		return s.sendPush(ctx, delivery.ChannelFCM, s.deps.FCMSender, account, device, device.FCMToken, false)

	case device.VoipAPNToken != "":
		if err := s.sendPush(ctx, delivery.ChannelAPN, s.deps.APNSender, account, device, device.VoipAPNToken, true); err != nil {
			return err
		}
		// Retried until the device connects.
		if s.deps.Fallback != nil {
			bestEffort(s.logger, "schedule apn fallback", func() error {
				return s.deps.Fallback.Schedule(ctx, account.UUID, device.ID)
			})
		}
		return nil

	case device.APNToken != "":
		return s.sendPush(ctx, delivery.ChannelAPN, s.deps.APNSender, account, device, device.APNToken, false)

	default:
		return nil
	}
}

// DeviceConnected is called when a device opens a connection: it closes the
// latency measurement and cancels pending VOIP retries.
func (s *MessageSender) DeviceConnected(ctx context.Context, accountID uuid.UUID, deviceID int64) {
	if s.deps.Latency != nil {
		bestEffort(s.logger, "record queue read", func() error {
			return s.deps.Latency.RecordQueueRead(ctx, accountID, deviceID)
		})
	}
	if s.deps.Fallback != nil {
		bestEffort(s.logger, "cancel apn fallback", func() error {
			return s.deps.Fallback.Cancel(ctx, accountID, deviceID)
		})
	}
}

func (s *MessageSender) sendPush(ctx context.Context, channel delivery.Channel, sender delivery.PushSender, account *delivery.Account, device *delivery.Device, token string, voip bool) error {
	payload, err := wake.NewPayload(device.Password, account.UUID)
	if err != nil {
		return err
	}

	notification := delivery.PushNotification{
		Token:     token,
		Voip:      voip,
		Priority:  delivery.PushPriorityNormal,
		Payload:   []byte(payload),
		AccountID: account.UUID,
		DeviceID:  device.ID,
	}
	if voip {
		notification.Priority = delivery.PushPriorityHigh
	}

	result := sender.Send(ctx, notification)

	if s.deps.Latency != nil {
		bestEffort(s.logger, "record push sent", func() error {
			return s.deps.Latency.RecordPushSent(ctx, account.UUID, device.ID)
		})
	}

	s.pending.Add(1)
	go s.awaitResult(context.WithoutCancel(ctx), channel, notification, result)
	return nil
}

func (s *MessageSender) awaitResult(ctx context.Context, channel delivery.Channel, n delivery.PushNotification, result <-chan delivery.PushResult) {
	defer s.pending.Done()

	res, ok := <-result
	if !ok {
		return
	}
	s.metrics.RecordPushOutcome(string(channel), res.Outcome.String())

	switch res.Outcome {
	case delivery.PushUnregistered:
		s.logger.Info().Str("account", n.AccountID.String()).Int64("device", n.DeviceID).Str("channel", string(channel)).Msg("Push token is no longer registered.")
		if s.deps.UnregisteredTokens != nil {
			s.deps.UnregisteredTokens(ctx, n.AccountID, n.DeviceID, channel)
		}
	case delivery.PushRetryable:
		s.logger.Warn().Err(res.Err).Str("account", n.AccountID.String()).Int64("device", n.DeviceID).Str("channel", string(channel)).Msg("Push notification failed.")
	}
}

// bestEffort runs fn and logs any error instead of returning it.
func bestEffort(logger zerolog.Logger, op string, fn func() error) {
	if err := fn(); err != nil {
		logger.Warn().Err(err).Str("op", op).Msg("Best-effort operation failed.")
	}
}
