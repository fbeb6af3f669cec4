package gateway

import (
	"context"
	"sync"
	"time"

	"fleetgate/model"
)

type ackKey struct {
	droneID  string
	priority model.Priority
}

// Unsolicited ACKs are kept briefly for a late waiter. Past the TTL no
// send is still waiting for them, and the cap keeps a chatty autopilot
// re-sending ACKs from growing the buffer without bound.
const (
	maxPendingAcks = 64
	pendingAckTTL  = 30 * time.Second
)

type pendingAck struct {
	ack *model.Ack
	at  time.Time
}

// AckTable correlates inbound ACKs to outbound commands, FIFO per
// (drone, priority). An ACK arriving before its waiter is buffered so
// the race between wire and router never loses it.
type AckTable struct {
	mu      sync.Mutex
	waiters map[ackKey][]chan *model.Ack
	pending map[ackKey][]pendingAck

	now func() time.Time // injectable clock for tests
}

func NewAckTable() *AckTable {
	return &AckTable{
		waiters: make(map[ackKey][]chan *model.Ack),
		pending: make(map[ackKey][]pendingAck),
		now:     time.Now,
	}
}

// Deliver hands an inbound ACK to the oldest waiter, or buffers it.
func (t *AckTable) Deliver(droneID string, priority model.Priority, ack *model.Ack) {
	key := ackKey{droneID, priority}
	t.mu.Lock()
	if q := t.waiters[key]; len(q) > 0 {
		ch := q[0]
		t.waiters[key] = q[1:]
		// Buffered send under the lock: a waiter that timed out in the
		// same instant recovers the ACK in drop.
		ch <- ack
		t.mu.Unlock()
		return
	}
	t.prunePendingLocked(key)
	q := append(t.pending[key], pendingAck{ack: ack, at: t.now()})
	if len(q) > maxPendingAcks {
		q = q[len(q)-maxPendingAcks:]
	}
	t.pending[key] = q
	t.mu.Unlock()
}

// Await blocks until the next ACK for (droneID, priority) arrives or
// the context expires.
func (t *AckTable) Await(ctx context.Context, droneID string, priority model.Priority) (*model.Ack, error) {
	key := ackKey{droneID, priority}

	t.mu.Lock()
	t.prunePendingLocked(key)
	if q := t.pending[key]; len(q) > 0 {
		ack := q[0].ack
		t.pending[key] = q[1:]
		t.mu.Unlock()
		return ack, nil
	}
	ch := make(chan *model.Ack, 1)
	t.waiters[key] = append(t.waiters[key], ch)
	t.mu.Unlock()

	select {
	case ack := <-ch:
		return ack, nil
	case <-ctx.Done():
		t.drop(key, ch)
		return nil, model.ErrTimeout
	}
}

// drop removes a timed-out waiter; if its ACK raced the timeout, the
// ACK goes back to the pending queue for the next waiter.
func (t *AckTable) drop(key ackKey, ch chan *model.Ack) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.waiters[key]
	for i, w := range q {
		if w == ch {
			t.waiters[key] = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	select {
	case ack := <-ch:
		t.pending[key] = append(t.pending[key], pendingAck{ack: ack, at: t.now()})
	default:
	}
}

// prunePendingLocked drops expired buffered ACKs for a key. Entries are
// appended in time order, so expiry only trims from the front.
func (t *AckTable) prunePendingLocked(key ackKey) {
	cutoff := t.now().Add(-pendingAckTTL)
	q := t.pending[key]
	i := 0
	for i < len(q) && q[i].at.Before(cutoff) {
		i++
	}
	switch {
	case i == len(q):
		delete(t.pending, key)
	case i > 0:
		t.pending[key] = q[i:]
	}
}
