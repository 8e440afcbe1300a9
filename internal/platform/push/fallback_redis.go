package push

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

const (
	fallbackDueKey      = "{fallback}::due"
	fallbackAttemptsKey = "{fallback}::attempts"
)

// popDueScript removes up to ARGV[2] members scored at or below ARGV[1] and
// returns them paired with their incremented attempt counters.
var popDueScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
local out = {}
for _, member in ipairs(due) do
  redis.call("ZREM", KEYS[1], member)
  local n = redis.call("HINCRBY", KEYS[2], member, 1)
  table.insert(out, member)
  table.insert(out, n)
end
return out
`)

type fallbackClient interface {
	redis.Scripter
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	HIncrBy(ctx context.Context, key, field string, incr int64) *redis.IntCmd
}

// Notifier re-sends a wake notification for a device.
type Notifier interface {
	SendNewMessageNotification(ctx context.Context, account *delivery.Account, device *delivery.Device) error
}

// FallbackConfig tunes the VOIP fallback scheduler.
type FallbackConfig struct {
	// Delay is how long after a VOIP push the device must connect before
	// the wake-up is sent again.
	Delay        time.Duration
	PollInterval time.Duration
	BatchSize    int
	// MaxAttempts caps re-sends per device until it connects.
	MaxAttempts int
}

// RedisFallbackScheduler implements delivery.FallbackScheduler on a Redis
// sorted set scored by due time.
type RedisFallbackScheduler struct {
	client    fallbackClient
	directory delivery.AccountDirectory
	cfg       FallbackConfig
	logger    *slog.Logger
}

func NewRedisFallbackScheduler(client fallbackClient, directory delivery.AccountDirectory, cfg FallbackConfig, logger *slog.Logger) (*RedisFallbackScheduler, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if directory == nil {
		return nil, fmt.Errorf("account directory cannot be nil")
	}
	if cfg.Delay < 0 {
		return nil, fmt.Errorf("fallback delay cannot be negative")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &RedisFallbackScheduler{
		client:    client,
		directory: directory,
		cfg:       cfg,
		logger:    logger.With("component", "redis_fallback_scheduler"),
	}, nil
}

func (f *RedisFallbackScheduler) Schedule(ctx context.Context, accountID uuid.UUID, deviceID int64) error {
	member := fallbackMember(accountID, deviceID)
	due := time.Now().Add(f.cfg.Delay).UnixMilli()
	if err := f.client.ZAdd(ctx, fallbackDueKey, redis.Z{Score: float64(due), Member: member}).Err(); err != nil {
		return fmt.Errorf("failed to schedule fallback for %s: %w", member, err)
	}
	return nil
}

// Cancel forgets the device's pending fallback and its attempt count.
func (f *RedisFallbackScheduler) Cancel(ctx context.Context, accountID uuid.UUID, deviceID int64) error {
	member := fallbackMember(accountID, deviceID)
	if err := f.client.ZRem(ctx, fallbackDueKey, member).Err(); err != nil {
		return fmt.Errorf("failed to cancel fallback for %s: %w", member, err)
	}
	if err := f.client.HDel(ctx, fallbackAttemptsKey, member).Err(); err != nil {
		return fmt.Errorf("failed to clear fallback attempts for %s: %w", member, err)
	}
	return nil
}

// Run polls for due fallbacks until ctx is cancelled.
func (f *RedisFallbackScheduler) Run(ctx context.Context, notifier Notifier) {
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	f.logger.Info("Fallback scheduler running", "poll_interval", f.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			f.logger.Info("Fallback scheduler stopped")
			return
		case <-ticker.C:
			if _, err := f.ProcessDue(ctx, notifier); err != nil {
				f.logger.Error("Failed to process due fallbacks", "err", err)
			}
		}
	}
}

// ProcessDue pops every due entry and re-sends its wake notification. It
// returns how many notifications were re-sent.
func (f *RedisFallbackScheduler) ProcessDue(ctx context.Context, notifier Notifier) (int, error) {
	now := time.Now().UnixMilli()
	raw, err := popDueScript.Run(ctx, f.client, []string{fallbackDueKey, fallbackAttemptsKey}, now, f.cfg.BatchSize).Slice()
	if err != nil {
		return 0, fmt.Errorf("failed to pop due fallbacks: %w", err)
	}

	sent := 0
	for i := 0; i+1 < len(raw); i += 2 {
		member, _ := raw[i].(string)
		attempts, _ := raw[i+1].(int64)
		log := f.logger.With("device", member, "attempt", attempts)

		if attempts > int64(f.cfg.MaxAttempts) {
			log.Info("Giving up on VOIP fallback")
			f.forget(ctx, member)
			continue
		}

		account, device, err := f.lookup(ctx, member)
		if err != nil {
			log.Warn("Failed to look up account for fallback, retrying later", "err", err)
			f.retryLater(ctx, member)
			continue
		}
		if account == nil {
			f.forget(ctx, member)
			continue
		}
		if err := notifier.SendNewMessageNotification(ctx, account, device); err != nil {
			log.Warn("Failed to re-send wake notification", "err", err)
			continue
		}
		sent++
	}
	return sent, nil
}

// lookup resolves a fallback entry. A nil account with a nil error means the
// entry can never be sent and should be dropped.
func (f *RedisFallbackScheduler) lookup(ctx context.Context, member string) (*delivery.Account, *delivery.Device, error) {
	key, err := delivery.ParsePresenceKey(member)
	if err != nil {
		f.logger.Warn("Dropping malformed fallback entry", "member", member, "err", err)
		return nil, nil, nil
	}
	account, found, err := f.directory.Get(ctx, key.AccountID.String())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to look up account %s: %w", key.AccountID, err)
	}
	if !found {
		return nil, nil, nil
	}
	device, ok := account.Device(key.DeviceID)
	if !ok {
		return nil, nil, nil
	}
	return account, device, nil
}

// retryLater puts an entry back one poll interval out without spending an
// attempt.
func (f *RedisFallbackScheduler) retryLater(ctx context.Context, member string) {
	due := time.Now().Add(f.cfg.PollInterval).UnixMilli()
	if err := f.client.ZAdd(ctx, fallbackDueKey, redis.Z{Score: float64(due), Member: member}).Err(); err != nil {
		f.logger.Error("Failed to reschedule fallback", "member", member, "err", err)
		return
	}
	if err := f.client.HIncrBy(ctx, fallbackAttemptsKey, member, -1).Err(); err != nil {
		f.logger.Warn("Failed to refund fallback attempt", "member", member, "err", err)
	}
}

func (f *RedisFallbackScheduler) forget(ctx context.Context, member string) {
	if err := f.client.HDel(ctx, fallbackAttemptsKey, member).Err(); err != nil {
		f.logger.Warn("Failed to clear fallback attempts", "member", member, "err", err)
	}
}

func fallbackMember(accountID uuid.UUID, deviceID int64) string {
	return delivery.PresenceKey{AccountID: accountID, DeviceID: deviceID}.String()
}

var _ delivery.FallbackScheduler = (*RedisFallbackScheduler)(nil)
