package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mailqueue/contracts/db"
	"mailqueue/pkg/logger"
)

// Channel carries new items between gateway instances.
const Channel = "mailqueue:new-email"

const (
	publishTimeout  = 2 * time.Second
	maxRetryBackoff = 30 * time.Second
)

// RedisFanout relays new items through Redis pub/sub so that clients of
// every gateway instance see them. Each instance runs Run to feed its
// local hub.
type RedisFanout struct {
	client     *redis.Client
	hub        *Hub
	logger     *zap.Logger
	retry      time.Duration
	subscribed atomic.Bool
}

func NewRedisFanout(client *redis.Client, hub *Hub, logger *zap.Logger) *RedisFanout {
	return &RedisFanout{client: client, hub: hub, logger: logger, retry: time.Second}
}

// NotifyNewEmail publishes item in the background. If Redis is unavailable,
// or this instance is not subscribed, the item is delivered to local
// subscribers only.
func (f *RedisFanout) NotifyNewEmail(ctx context.Context, item db.QueueItem) {
	if !f.subscribed.Load() {
		// 未订阅时本实例收不到回流消息
		f.hub.Publish(item)
		return
	}

	log := logger.WithTrace(ctx, f.logger).With(zap.String("email_id", item.EmailID))

	go func() {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()

		if err := f.publish(pubCtx, item); err != nil {
			log.Warn("redis fan-out failed, delivering locally", zap.Error(err))
			f.hub.Publish(item)
		}
	}()
}

func (f *RedisFanout) publish(ctx context.Context, item db.QueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}
	if err := f.client.Publish(ctx, Channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", Channel, err)
	}
	return nil
}

// Run keeps a subscription to Channel and relays every item to the local hub
// until ctx is done. Failed subscriptions are retried with backoff. ready, if
// not nil, is closed once the first subscription is live.
func (f *RedisFanout) Run(ctx context.Context, ready chan<- struct{}) {
	backoff := f.retry
	for {
		live, err := f.relay(ctx, &ready)
		if ctx.Err() != nil {
			return
		}
		if live {
			backoff = f.retry
		}
		f.logger.Warn("push fan-out not subscribed, retrying",
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxRetryBackoff)
	}
}

// relay runs one subscription. live reports whether it got established.
func (f *RedisFanout) relay(ctx context.Context, ready *chan<- struct{}) (live bool, err error) {
	sub := f.client.Subscribe(ctx, Channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return false, fmt.Errorf("subscribe %s: %w", Channel, err)
	}
	f.subscribed.Store(true)
	defer f.subscribed.Store(false)

	if *ready != nil {
		close(*ready)
		*ready = nil
	}
	f.logger.Info("push fan-out subscribed", zap.String("channel", Channel))

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case msg, ok := <-msgs:
			if !ok {
				return true, errors.New("subscription closed")
			}
			var item db.QueueItem
			if err := json.Unmarshal([]byte(msg.Payload), &item); err != nil {
				f.logger.Warn("discarding undecodable fan-out message", zap.Error(err))
				continue
			}
			f.hub.Publish(item)
		}
	}
}
