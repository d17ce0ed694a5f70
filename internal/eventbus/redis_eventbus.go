package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const consumerGroup = "school-payments-workers"

// RedisEventBus publishes to Redis Streams and consumes with a consumer group,
// so each event is handled by one worker replica.
type RedisEventBus struct {
	client      *redis.Client
	logger      *zap.Logger
	subscribers map[string]*RedisSubscription
	mutex       sync.Mutex
	wg          sync.WaitGroup
}

type RedisSubscription struct {
	id       string
	topic    string
	handler  EventHandler
	eventBus *RedisEventBus
	cancel   context.CancelFunc
}

// NewRedisEventBus connects to Redis and verifies the connection.
func NewRedisEventBus(client *redis.Client, logger *zap.Logger) (*RedisEventBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisEventBus{
		client:      client,
		logger:      logger,
		subscribers: make(map[string]*RedisSubscription),
	}, nil
}

func (r *RedisEventBus) Publish(ctx context.Context, topic string, event PaymentEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{"payload": data},
	}).Err()
}

// Subscribe starts a consumer for topic. The consumer stops when ctx is
// cancelled, the subscription is cancelled, or the bus is closed.
func (r *RedisEventBus) Subscribe(ctx context.Context, topic string, handler EventHandler) (Subscription, error) {
	if err := r.client.XGroupCreateMkStream(ctx, topic, consumerGroup, "0").Err(); err != nil &&
		!strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group for %s: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &RedisSubscription{
		id:       uuid.New().String(),
		topic:    topic,
		handler:  handler,
		eventBus: r,
		cancel:   cancel,
	}

	r.mutex.Lock()
	r.subscribers[sub.id] = sub
	r.mutex.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.consumeStream(subCtx, sub)
	}()

	r.logger.Info("Started stream consumer",
		zap.String("topic", topic),
		zap.String("group", consumerGroup))
	return sub, nil
}

func (r *RedisEventBus) consumeStream(ctx context.Context, sub *RedisSubscription) {
	consumerName := "worker-" + sub.id

	for ctx.Err() == nil {
		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: consumerName,
			Streams:  []string{sub.topic, ">"},
			Count:    10,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				r.logger.Error("Failed to read stream", zap.String("topic", sub.topic), zap.Error(err))
				time.Sleep(100 * time.Millisecond)
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				if err := r.handleMessage(ctx, sub, msg); err != nil {
					// Left unacked in the pending entries list for inspection.
					r.logger.Error("Failed to process message",
						zap.String("topic", sub.topic),
						zap.String("msg_id", msg.ID),
						zap.Error(err))
					continue
				}
				r.client.XAck(ctx, sub.topic, consumerGroup, msg.ID)
			}
		}
	}
}

func (r *RedisEventBus) handleMessage(ctx context.Context, sub *RedisSubscription, msg redis.XMessage) error {
	event, err := decodeMessage(msg)
	if err != nil {
		return err
	}
	return sub.handler(ctx, event)
}

func decodeMessage(msg redis.XMessage) (PaymentEvent, error) {
	var event PaymentEvent
	payload, ok := msg.Values["payload"].(string)
	if !ok {
		return event, fmt.Errorf("invalid payload format")
	}
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return event, fmt.Errorf("failed to decode event: %w", err)
	}
	return event, nil
}

func (r *RedisEventBus) unsubscribe(id string) {
	r.mutex.Lock()
	sub, ok := r.subscribers[id]
	delete(r.subscribers, id)
	r.mutex.Unlock()
	if ok {
		sub.cancel()
	}
}

// Close stops all consumers and closes the Redis client.
func (r *RedisEventBus) Close() error {
	r.mutex.Lock()
	for id, sub := range r.subscribers {
		sub.cancel()
		delete(r.subscribers, id)
	}
	r.mutex.Unlock()
	r.wg.Wait()
	return r.client.Close()
}

func (s *RedisSubscription) ID() string    { return s.id }
func (s *RedisSubscription) Topic() string { return s.topic }
func (s *RedisSubscription) Unsubscribe() error {
	s.eventBus.unsubscribe(s.id)
	return nil
}
