package memory

import (
	"sync"
	"sync/atomic"

	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/aescanero/agentpipe/pkg/ports"
	"go.uber.org/zap"
)

// DefaultBufferSize is the per-subscriber queue length used when none is configured
const DefaultBufferSize = 256

// Bus is an in-process publish/subscribe channel keyed by run id.
// Publishing never blocks: each subscription owns a bounded queue drained
// by its own goroutine, and the oldest queued event is dropped on overflow.
type Bus struct {
	subscribers map[string]map[uint64]*Subscription
	mu          sync.RWMutex
	nextID      atomic.Uint64
	bufferSize  int
	metrics     ports.MetricsCollector
	logger      *zap.Logger
}

// Subscription is a live registration for one run
type Subscription struct {
	id      uint64
	runID   string
	queue   chan domain.RunEvent
	handler ports.EventHandler
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// NewBus creates a new in-process run event bus. metrics may be nil.
func NewBus(bufferSize int, metrics ports.MetricsCollector, logger *zap.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		subscribers: make(map[string]map[uint64]*Subscription),
		bufferSize:  bufferSize,
		metrics:     metrics,
		logger:      logger,
	}
}

// Publish delivers an event to every current subscriber of runID
func (b *Bus) Publish(runID string, event domain.RunEvent) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subscribers[runID]))
	for _, s := range b.subscribers[runID] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if dropped := s.enqueue(event); dropped > 0 {
			b.logger.Warn("subscriber queue full, dropped oldest event",
				zap.String("run_id", runID),
				zap.Uint64("subscription_id", s.id))
			if b.metrics != nil {
				b.metrics.RecordEventsDropped(dropped)
			}
		}
	}
}

// Subscribe registers handler for events of runID. Events are delivered
// sequentially, in publish order, on a goroutine owned by the subscription.
func (b *Bus) Subscribe(runID string, handler ports.EventHandler) ports.Subscription {
	s := &Subscription{
		id:      b.nextID.Add(1),
		runID:   runID,
		queue:   make(chan domain.RunEvent, b.bufferSize),
		handler: handler,
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.subscribers[runID] == nil {
		b.subscribers[runID] = make(map[uint64]*Subscription)
	}
	b.subscribers[runID][s.id] = s
	b.mu.Unlock()

	go s.run(b.logger)

	b.logger.Debug("run subscription added",
		zap.String("run_id", runID),
		zap.Uint64("subscription_id", s.id))

	return s
}

// Unsubscribe removes a subscription. It is safe to call more than once
// and concurrently with Publish.
func (b *Bus) Unsubscribe(sub ports.Subscription) {
	s, ok := sub.(*Subscription)
	if !ok || s == nil {
		return
	}

	b.mu.Lock()
	if subs, ok := b.subscribers[s.runID]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(b.subscribers, s.runID)
		}
	}
	b.mu.Unlock()

	s.once.Do(func() { close(s.done) })
}

// SubscriberCount returns the number of live subscriptions for runID
func (b *Bus) SubscriberCount(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[runID])
}

// Close removes every subscription
func (b *Bus) Close() error {
	b.mu.Lock()
	all := b.subscribers
	b.subscribers = make(map[string]map[uint64]*Subscription)
	b.mu.Unlock()

	for _, subs := range all {
		for _, s := range subs {
			s.once.Do(func() { close(s.done) })
		}
	}
	return nil
}

// RunID returns the run this subscription observes
func (s *Subscription) RunID() string {
	return s.runID
}

// Dropped returns how many events were discarded on overflow
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// enqueue adds an event, evicting the oldest one when the queue is full.
// It returns the number of evicted events.
func (s *Subscription) enqueue(event domain.RunEvent) int {
	select {
	case <-s.done:
		return 0
	default:
	}

	dropped := 0
	for attempt := 0; attempt < 2; attempt++ {
		select {
		case s.queue <- event:
			return dropped
		default:
		}
		select {
		case <-s.queue:
			dropped++
			s.dropped.Add(1)
		default:
		}
	}
	// Lost the race against another publisher; drop the new event instead
	s.dropped.Add(1)
	return dropped + 1
}

func (s *Subscription) run(logger *zap.Logger) {
	for {
		select {
		case <-s.done:
			return
		case event := <-s.queue:
			s.deliver(event, logger)
		}
	}
}

func (s *Subscription) deliver(event domain.RunEvent, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("run event handler panicked",
				zap.String("run_id", s.runID),
				zap.Any("panic", r))
		}
	}()
	s.handler(event)
}
