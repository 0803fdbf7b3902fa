package fanout

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"billing-pipeline/domain"
)

// Publisher sends created notifications onto the shared Redis channel so
// every API instance can fan them out to its own connections.
type Publisher struct {
	client  *redis.Client
	channel string
}

// NewPublisher creates a Publisher for the given channel.
func NewPublisher(client *redis.Client, channel string) *Publisher {
	return &Publisher{client: client, channel: channel}
}

// Publish sends one notification. Errors are delivery failures only; the
// caller must never fail the originating write because of them.
func (p *Publisher) Publish(ctx context.Context, n domain.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, data).Err()
}

// SubscribeNotifications listens on the shared Redis channel and hands each
// decoded notification to broadcast. Malformed payloads are dropped and
// logged. The subscription reconnects if the pubsub channel closes; the
// function returns only when ctx is cancelled.
func SubscribeNotifications(
	ctx context.Context,
	logger *log.Logger,
	rc *redis.Client,
	channel string,
	broadcast func(domain.Notification),
) {
	for {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var n domain.Notification
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					logger.WithError(err).Error("unable to parse notification payload")
					continue
				}
				if n.ID == 0 || n.RecipientUserID == "" {
					logger.WithField("payload", msg.Payload).Error("notification payload missing required fields")
					continue
				}
				broadcast(n)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}
