package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetgate/model"
)

func TestAckBufferedBeforeWaiter(t *testing.T) {
	tbl := NewAckTable()
	tbl.Deliver("mav-1", model.PriorityHigh, &model.Ack{CommandID: 400, Accepted: true})

	ack, err := tbl.Await(context.Background(), "mav-1", model.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, uint16(400), ack.CommandID)
}

func TestAckFIFOOrder(t *testing.T) {
	tbl := NewAckTable()
	tbl.Deliver("mav-1", model.PriorityHigh, &model.Ack{CommandID: 1})
	tbl.Deliver("mav-1", model.PriorityHigh, &model.Ack{CommandID: 2})

	first, err := tbl.Await(context.Background(), "mav-1", model.PriorityHigh)
	require.NoError(t, err)
	second, err := tbl.Await(context.Background(), "mav-1", model.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), first.CommandID)
	assert.Equal(t, uint16(2), second.CommandID)
}

func TestAckWakesBlockedWaiter(t *testing.T) {
	tbl := NewAckTable()

	type result struct {
		ack *model.Ack
		err error
	}
	done := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ack, err := tbl.Await(ctx, "mav-1", model.PriorityCritical)
		done <- result{ack, err}
	}()

	// Let the waiter register before delivering.
	time.Sleep(20 * time.Millisecond)
	tbl.Deliver("mav-1", model.PriorityCritical, &model.Ack{CommandID: 22, Accepted: true})

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, uint16(22), r.ack.CommandID)
}

func TestAckAwaitTimeout(t *testing.T) {
	tbl := NewAckTable()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tbl.Await(ctx, "mav-1", model.PriorityNormal)
	assert.ErrorIs(t, err, model.ErrTimeout)

	// The timed-out waiter is gone: a late ACK buffers for the next one.
	tbl.Deliver("mav-1", model.PriorityNormal, &model.Ack{CommandID: 5})
	ack, err := tbl.Await(context.Background(), "mav-1", model.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, uint16(5), ack.CommandID)
}

func TestAckPendingBufferBounded(t *testing.T) {
	tbl := NewAckTable()
	for i := 0; i < maxPendingAcks+10; i++ {
		tbl.Deliver("mav-1", model.PriorityHigh, &model.Ack{CommandID: uint16(i)})
	}

	tbl.mu.Lock()
	n := len(tbl.pending[ackKey{"mav-1", model.PriorityHigh}])
	tbl.mu.Unlock()
	assert.Equal(t, maxPendingAcks, n)

	// Oldest entries were evicted; the head is the first survivor.
	ack, err := tbl.Await(context.Background(), "mav-1", model.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, uint16(10), ack.CommandID)
}

func TestAckPendingExpires(t *testing.T) {
	tbl := NewAckTable()
	base := time.Now()
	tbl.now = func() time.Time { return base }
	tbl.Deliver("mav-1", model.PriorityHigh, &model.Ack{CommandID: 7})

	tbl.now = func() time.Time { return base.Add(pendingAckTTL + time.Second) }
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tbl.Await(ctx, "mav-1", model.PriorityHigh)
	assert.ErrorIs(t, err, model.ErrTimeout, "an ACK past the TTL must not satisfy a new wait")
}

func TestAckQueuesIsolatedByDroneAndPriority(t *testing.T) {
	tbl := NewAckTable()
	tbl.Deliver("mav-1", model.PriorityCritical, &model.Ack{CommandID: 9})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tbl.Await(ctx, "mav-1", model.PriorityNormal)
	assert.ErrorIs(t, err, model.ErrTimeout, "a critical ACK must not satisfy a normal-priority wait")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	_, err = tbl.Await(ctx2, "mav-2", model.PriorityCritical)
	assert.ErrorIs(t, err, model.ErrTimeout, "ACKs are scoped per drone")
}
