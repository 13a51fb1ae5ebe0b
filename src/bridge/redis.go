package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// startTimeout bounds the ping and subscribe handshake in Start.
const startTimeout = 5 * time.Second

// envelope tags a publication with the instance that produced it so a
// node can skip its own messages.
type envelope struct {
	InstanceID  string            `json:"instance_id"`
	Publication types.Publication `json:"publication"`
}

// RedisBridge relays broker publications between instances via Redis pub/sub.
type RedisBridge struct {
	client     *redis.Client
	channel    string
	instanceID string
	target     BroadcastTarget
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	active bool
}

// NewRedisBridge creates a bridge delivering remote publications to target.
func NewRedisBridge(cfg *RedisConfig, target BroadcastTarget, logger zerolog.Logger) *RedisBridge {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithCancel(context.Background())

	return &RedisBridge{
		client:     client,
		channel:    cfg.Prefix + "publications",
		instanceID: uuid.New().String(),
		target:     target,
		logger:     logger.With().Str("component", "redis-bridge").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// InstanceID identifies this node on the relay channel.
func (b *RedisBridge) InstanceID() string { return b.instanceID }

// Start subscribes to the relay channel and begins forwarding.
func (b *RedisBridge) Start() error {
	ctx, cancel := context.WithTimeout(b.ctx, startTimeout)
	defer cancel()

	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", b.client.Options().Addr, err)
	}

	sub := b.client.Subscribe(b.ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}

	b.mu.Lock()
	b.active = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.listen(sub)

	b.logger.Info().
		Str("instance_id", b.instanceID).
		Str("channel", b.channel).
		Msg("redis bridge started")
	return nil
}

// Publish sends pub to every other instance.
func (b *RedisBridge) Publish(pub types.Publication) error {
	data, err := b.encode(pub)
	if err != nil {
		return err
	}
	return b.client.Publish(b.ctx, b.channel, data).Err()
}

// Stop unsubscribes and closes the Redis connection.
func (b *RedisBridge) Stop() error {
	b.mu.Lock()
	b.active = false
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return b.client.Close()
}

// Available reports whether the bridge is connected.
func (b *RedisBridge) Available() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

func (b *RedisBridge) listen(sub *redis.PubSub) {
	defer b.wg.Done()
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.relay([]byte(msg.Payload))
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *RedisBridge) encode(pub types.Publication) ([]byte, error) {
	return json.Marshal(envelope{InstanceID: b.instanceID, Publication: pub})
}

// relay decodes an envelope and hands foreign publications to the target.
func (b *RedisBridge) relay(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.logger.Error().Err(err).Msg("failed to decode redis message")
		return
	}
	if env.InstanceID == b.instanceID {
		return
	}

	b.logger.Debug().
		Str("from_instance", env.InstanceID).
		Str("destination", env.Publication.Destination).
		Msg("relaying publication from redis")

	b.target.BroadcastToLocal(env.Publication)
}
