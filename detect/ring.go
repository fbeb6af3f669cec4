package detect

import "fleetgate/model"

// Ring is a fixed-capacity FIFO of telemetry samples for one drone.
type Ring struct {
	buf   []*model.TelemetrySample
	start int
	count int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Ring{buf: make([]*model.TelemetrySample, capacity)}
}

// Push appends a sample, evicting the oldest when full.
func (r *Ring) Push(s *model.TelemetrySample) {
	idx := (r.start + r.count) % len(r.buf)
	r.buf[idx] = s
	if r.count < len(r.buf) {
		r.count++
	} else {
		r.start = (r.start + 1) % len(r.buf)
	}
}

// Len returns the number of stored samples.
func (r *Ring) Len() int { return r.count }

// Cap returns the ring capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Last returns up to n most recent samples, oldest first.
func (r *Ring) Last(n int) []*model.TelemetrySample {
	if n > r.count {
		n = r.count
	}
	out := make([]*model.TelemetrySample, 0, n)
	for i := r.count - n; i < r.count; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// Latest returns the most recent sample or nil.
func (r *Ring) Latest() *model.TelemetrySample {
	if r.count == 0 {
		return nil
	}
	return r.buf[(r.start+r.count-1)%len(r.buf)]
}
