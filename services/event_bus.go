package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"microlearn/utils"

	goredis "github.com/redis/go-redis/v9"
)

// Event is a change notification for one user's open sessions.
type Event struct {
	UserID uint   `json:"userId"`
	Type   string `json:"type"`
	Data   any    `json:"data"`
}

// EventBus fans events out to websocket hubs. The local bus delivers in-process; the redis
// bus lets several instances share one channel.
type EventBus interface {
	Publish(ctx context.Context, evt Event) error
	StartForwarder(ctx context.Context, onEvent func(evt Event)) error
	Close() error
}

func NewEventBus(log *utils.Logger, addr, channel string) (EventBus, error) {
	if strings.TrimSpace(addr) == "" {
		return NewLocalBus(), nil
	}
	return NewRedisBus(log, addr, channel)
}

type localBus struct {
	mu       sync.RWMutex
	handlers []func(Event)
}

func NewLocalBus() EventBus {
	return &localBus{}
}

func (b *localBus) Publish(_ context.Context, evt Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers {
		h(evt)
	}
	return nil
}

func (b *localBus) StartForwarder(ctx context.Context, onEvent func(evt Event)) error {
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, onEvent)
	b.mu.Unlock()
	return nil
}

func (b *localBus) Close() error { return nil }

type redisBus struct {
	log     *utils.Logger
	rdb     *goredis.Client
	channel string
}

func NewRedisBus(log *utils.Logger, addr, channel string) (EventBus, error) {
	if log == nil {
		log = utils.NewNopLogger()
	}
	if channel == "" {
		channel = "microlearn:events"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return newRedisBus(log, rdb, channel), nil
}

func newRedisBus(log *utils.Logger, rdb *goredis.Client, channel string) *redisBus {
	return &redisBus{
		log:     log.With("service", "RedisEventBus"),
		rdb:     rdb,
		channel: channel,
	}
}

func (b *redisBus) Publish(ctx context.Context, evt Event) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *redisBus) StartForwarder(ctx context.Context, onEvent func(evt Event)) error {
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(m.Payload), &evt); err != nil {
					b.log.Warn("bad redis event payload", "error", err)
					continue
				}
				onEvent(evt)
			}
		}
	}()

	return nil
}

func (b *redisBus) Close() error {
	return b.rdb.Close()
}
