package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "campaign-runner:runs:"

// RedisBroker publishes events on one Redis pub/sub channel per run so every
// API instance can serve subscribers for any run.
type RedisBroker struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedisBroker(rdb *redis.Client, log *slog.Logger) *RedisBroker {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBroker{rdb: rdb, log: log}
}

func Channel(runID string) string { return channelPrefix + runID }

func (b *RedisBroker) Publish(ctx context.Context, e Event) error {
	if b.rdb == nil {
		return errors.New("events: redis client is nil")
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, Channel(e.RunID), payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, runID string) (<-chan Event, func(), error) {
	if b.rdb == nil {
		return nil, nil, errors.New("events: redis client is nil")
	}
	ps := b.rdb.Subscribe(ctx, Channel(runID))
	// Wait for the subscription to be confirmed so no event published right
	// after Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					b.log.Warn("events: undecodable message", "channel", msg.Channel, "err", err)
					continue
				}
				select {
				case out <- e:
				default:
					b.log.Debug("events: subscriber slow, dropping event", "run_id", runID, "version", e.Version)
				}
			}
		}
	}()
	return out, cancel, nil
}
