// Package broadcast propagates local-store change hints to other tab
// processes on the same device over a redis pub/sub channel. Delivery is
// at-most-once and advisory: receivers re-read the durable store and never
// trust the payload, so correctness cannot depend on a message arriving.
package broadcast

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tasksync/domain"
)

type message struct {
	Origin string            `json:"origin"`
	Kind   domain.Kind       `json:"kind"`
	ID     string            `json:"id"`
	Change domain.ChangeType `json:"change"`
}

// Broadcaster publishes and receives cross-tab hints. Each instance has a
// process-scoped origin id so it can ignore its own publications.
type Broadcaster struct {
	rc      *redis.Client
	channel string
	origin  string
	logger  *log.Logger
}

// ChannelForStore derives the pub/sub channel name from the durable store
// path, so tabs sharing one store share one channel and nothing else.
func ChannelForStore(storePath string) string {
	sum := sha256.Sum256([]byte(storePath))
	return "tasksync:changes:" + hex.EncodeToString(sum[:8])
}

func New(rc *redis.Client, channel string, logger *log.Logger) *Broadcaster {
	return &Broadcaster{
		rc:      rc,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger,
	}
}

// Broadcast is fire-and-forget: publish failures are logged and swallowed.
func (b *Broadcaster) Broadcast(ctx context.Context, kind domain.Kind, id string, change domain.ChangeType) {
	if b == nil || b.rc == nil {
		return
	}
	data, err := sonic.Marshal(message{Origin: b.origin, Kind: kind, ID: id, Change: change})
	if err != nil {
		b.logger.WithError(err).Warn("broadcast encode failed")
		return
	}
	if err := b.rc.Publish(ctx, b.channel, data).Err(); err != nil {
		b.logger.WithError(err).Debug("broadcast publish failed")
	}
}

// Listen subscribes and invokes onHint for every foreign change message
// until ctx is cancelled. The subscription is re-established after drops.
func (b *Broadcaster) Listen(ctx context.Context, onHint func(domain.Change)) {
	if b == nil || b.rc == nil {
		return
	}
	for {
		sub := b.rc.Subscribe(ctx, b.channel)
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
				var m message
				if err := sonic.Unmarshal([]byte(msg.Payload), &m); err != nil {
					b.logger.WithError(err).Warn("unable to parse cross-tab message")
					continue
				}
				if m.Origin == b.origin {
					continue
				}
				onHint(domain.Change{Kind: m.Kind, ID: m.ID, Change: m.Change})
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		b.logger.Error("cross-tab channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}
