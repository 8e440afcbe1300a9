// Package push contains the push-channel adapters: Pub/Sub publishers that hand
// wake requests to the push gateway, and the Redis-backed VOIP fallback
// scheduler.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// ErrSenderStopped is reported for sends after Stop.
var ErrSenderStopped = errors.New("push sender is stopped")

// publisher is the part of *pubsub.Publisher the sender uses.
type publisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
	Stop()
}

// wakeRequest is the message the push gateway consumes.
type wakeRequest struct {
	ID        string `json:"id"`
	Channel   string `json:"channel"`
	Token     string `json:"token"`
	Voip      bool   `json:"voip,omitempty"`
	Priority  string `json:"priority"`
	Payload   string `json:"payload"`
	AccountID string `json:"accountId"`
	DeviceID  int64  `json:"deviceId"`
}

// PubSubPushSender implements delivery.PushSender by publishing wake requests to
// a Pub/Sub topic. The gateway behind the topic talks to the provider, so the
// only outcomes visible here are delivered (accepted by Pub/Sub) and retryable.
type PubSubPushSender struct {
	publisher publisher
	channel   delivery.Channel
	logger    *slog.Logger

	mu      sync.RWMutex
	stopped bool
}

func NewPubSubPushSender(p publisher, channel delivery.Channel, logger *slog.Logger) (*PubSubPushSender, error) {
	if p == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if channel != delivery.ChannelFCM && channel != delivery.ChannelAPN {
		return nil, fmt.Errorf("unsupported push channel %q", channel)
	}
	return &PubSubPushSender{
		publisher: p,
		channel:   channel,
		logger:    logger.With("component", "pubsub_push_sender", "channel", string(channel)),
	}, nil
}

func (s *PubSubPushSender) Start(_ context.Context) error {
	s.logger.Info("Push sender started")
	return nil
}

// Stop flushes outstanding publishes. Sends after Stop fail as retryable.
func (s *PubSubPushSender) Stop(_ context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.publisher.Stop()
	s.logger.Info("Push sender stopped")
	return nil
}

func (s *PubSubPushSender) Send(ctx context.Context, n delivery.PushNotification) <-chan delivery.PushResult {
	out := make(chan delivery.PushResult, 1)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		out <- delivery.PushResult{Outcome: delivery.PushRetryable, Err: ErrSenderStopped}
		close(out)
		return out
	}

	req := toWakeRequest(s.channel, n)
	data, err := json.Marshal(req)
	if err != nil {
		out <- delivery.PushResult{Outcome: delivery.PushRetryable, Err: fmt.Errorf("failed to marshal wake request: %w", err)}
		close(out)
		return out
	}

	result := s.publisher.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"channel": string(s.channel)},
	})

	// The outcome outlives the caller, which may be a finished request.
	resultCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(out)
		serverID, err := result.Get(resultCtx)
		if err != nil {
			s.logger.Warn("Failed to publish wake request", "request_id", req.ID, "err", err)
			out <- delivery.PushResult{Outcome: delivery.PushRetryable, Err: fmt.Errorf("failed to publish wake request: %w", err)}
			return
		}
		s.logger.Debug("Published wake request", "request_id", req.ID, "server_id", serverID)
		out <- delivery.PushResult{Outcome: delivery.PushDelivered}
	}()
	return out
}

func toWakeRequest(channel delivery.Channel, n delivery.PushNotification) wakeRequest {
	priority := "normal"
	if n.Priority == delivery.PushPriorityHigh {
		priority = "high"
	}
	return wakeRequest{
		ID:        uuid.NewString(),
		Channel:   string(channel),
		Token:     n.Token,
		Voip:      n.Voip,
		Priority:  priority,
		Payload:   string(n.Payload),
		AccountID: n.AccountID.String(),
		DeviceID:  n.DeviceID,
	}
}

var _ delivery.PushSender = (*PubSubPushSender)(nil)
