// Package bus implements the bounded fan-out channel between the
// normalizer and its consumers. Each consumer owns a queue and an
// overload policy; slow consumers never block fast ones.
package bus

import (
	"sync"

	"fleetgate/logger"
	"fleetgate/model"
)

// Policy selects the behaviour when a consumer queue is full.
type Policy int

const (
	// DropOldest evicts the oldest queued message to admit the new one.
	// Used by detector-class consumers for telemetry samples.
	DropOldest Policy = iota
	// Backpressure refuses the publish: the publisher observes
	// queue_full and the message is not enqueued for this consumer.
	Backpressure
)

// Consumer is one subscriber's end of the bus.
type Consumer struct {
	name   string
	policy Policy
	ch     chan *model.UnifiedMessage

	mu      sync.Mutex
	dropped int64
}

// C returns the receive channel. It is closed when the bus closes.
func (c *Consumer) C() <-chan *model.UnifiedMessage { return c.ch }

// Name returns the consumer name given at subscription.
func (c *Consumer) Name() string { return c.name }

// Dropped returns how many messages were evicted under DropOldest.
func (c *Consumer) Dropped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Bus is the single serialization point for normalized messages. One
// writer (the normalizer) publishes; many consumers read at their own
// pace.
type Bus struct {
	mu        sync.RWMutex
	consumers []*Consumer
	closed    bool
}

func New() *Bus {
	return &Bus{}
}

// Subscribe registers a consumer with the given queue depth and policy.
// Must be called before messages that the consumer needs are published.
func (b *Bus) Subscribe(name string, depth int, policy Policy) *Consumer {
	if depth <= 0 {
		depth = 4096
	}
	c := &Consumer{
		name:   name,
		policy: policy,
		ch:     make(chan *model.UnifiedMessage, depth),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(c.ch)
		return c
	}
	b.consumers = append(b.consumers, c)
	logger.Debug("[BUS] Subscribed consumer %s (depth=%d, policy=%d)", name, depth, policy)
	return c
}

// Publish delivers the message to every consumer. DropOldest consumers
// always admit the message, evicting their oldest entry if needed.
// If any Backpressure consumer is full the publish still delivers to
// the others but returns queue_full so the caller can count it.
func (b *Bus) Publish(msg *model.UnifiedMessage) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return model.ErrShuttingDown
	}

	var err error
	for _, c := range b.consumers {
		select {
		case c.ch <- msg:
			continue
		default:
		}

		switch c.policy {
		case DropOldest:
			// Evict one and retry. The single-writer invariant makes
			// the second send safe; a racing reader only frees space.
			select {
			case <-c.ch:
				c.mu.Lock()
				c.dropped++
				c.mu.Unlock()
			default:
			}
			select {
			case c.ch <- msg:
			default:
				c.mu.Lock()
				c.dropped++
				c.mu.Unlock()
			}
		case Backpressure:
			err = model.ErrQueueFull
		}
	}
	return err
}

// Close marks end-of-stream: every consumer channel is closed after
// its queued messages drain.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, c := range b.consumers {
		close(c.ch)
	}
	logger.Info("[BUS] Closed (%d consumers)", len(b.consumers))
}
