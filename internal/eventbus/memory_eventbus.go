package eventbus

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryEventBus delivers events synchronously in-process. It is used when
// Redis is not configured and in tests. Handler errors are logged, not returned.
type MemoryEventBus struct {
	logger *zap.Logger

	mutex     sync.RWMutex
	handlers  map[string]map[string]EventHandler
	published map[string][]PaymentEvent
}

func NewMemoryEventBus(logger *zap.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		logger:    logger,
		handlers:  make(map[string]map[string]EventHandler),
		published: make(map[string][]PaymentEvent),
	}
}

func (m *MemoryEventBus) Publish(ctx context.Context, topic string, event PaymentEvent) error {
	m.mutex.Lock()
	m.published[topic] = append(m.published[topic], event)
	handlers := make([]EventHandler, 0, len(m.handlers[topic]))
	for _, h := range m.handlers[topic] {
		handlers = append(handlers, h)
	}
	m.mutex.Unlock()

	m.logger.Debug("Published event",
		zap.String("topic", topic),
		zap.String("payment_id", event.PaymentID),
		zap.String("status", event.Status))

	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			m.logger.Error("Event handler failed", zap.String("topic", topic), zap.Error(err))
		}
	}
	return nil
}

func (m *MemoryEventBus) Subscribe(ctx context.Context, topic string, handler EventHandler) (Subscription, error) {
	sub := &memorySubscription{id: uuid.New().String(), topic: topic, bus: m}

	m.mutex.Lock()
	if m.handlers[topic] == nil {
		m.handlers[topic] = make(map[string]EventHandler)
	}
	m.handlers[topic][sub.id] = handler
	m.mutex.Unlock()
	return sub, nil
}

// Events returns a copy of everything published to topic.
func (m *MemoryEventBus) Events(topic string) []PaymentEvent {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	out := make([]PaymentEvent, len(m.published[topic]))
	copy(out, m.published[topic])
	return out
}

func (m *MemoryEventBus) Close() error { return nil }

type memorySubscription struct {
	id    string
	topic string
	bus   *MemoryEventBus
}

func (s *memorySubscription) ID() string    { return s.id }
func (s *memorySubscription) Topic() string { return s.topic }
func (s *memorySubscription) Unsubscribe() error {
	s.bus.mutex.Lock()
	delete(s.bus.handlers[s.topic], s.id)
	s.bus.mutex.Unlock()
	return nil
}
