// Package storage keeps a bounded in-memory archive of normalized
// messages for the control API's history queries.
package storage

import (
	"sync"
	"time"

	"fleetgate/bus"
	"fleetgate/logger"
	"fleetgate/model"
)

// Store archives messages and answers ranged queries.
type Store interface {
	Append(msg *model.UnifiedMessage)
	Range(droneID string, from, to time.Time, limit int) []*model.UnifiedMessage
}

// Memory is a per-drone ring archive. When a drone's ring is full the
// oldest entry falls off; there is no eviction across drones.
type Memory struct {
	perDrone int

	mu    sync.RWMutex
	rings map[string][]*model.UnifiedMessage
}

func NewMemory(perDrone int) *Memory {
	if perDrone <= 0 {
		perDrone = 1000
	}
	return &Memory{
		perDrone: perDrone,
		rings:    make(map[string][]*model.UnifiedMessage),
	}
}

// Run archives every bus message until the consumer closes.
func (m *Memory) Run(c *bus.Consumer) {
	for msg := range c.C() {
		m.Append(msg)
	}
	logger.Info("[STORAGE] Bus closed, archive sealed")
}

func (m *Memory) Append(msg *model.UnifiedMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ring := append(m.rings[msg.DroneID], msg)
	if len(ring) > m.perDrone {
		ring = ring[len(ring)-m.perDrone:]
	}
	m.rings[msg.DroneID] = ring
}

// Range returns messages for a drone inside [from, to], oldest first.
// Zero bounds are open; limit <= 0 means no limit.
func (m *Memory) Range(droneID string, from, to time.Time, limit int) []*model.UnifiedMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.UnifiedMessage
	for _, msg := range m.rings[droneID] {
		if !from.IsZero() && msg.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && msg.Timestamp.After(to) {
			continue
		}
		out = append(out, msg)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Drones lists drones with archived traffic.
func (m *Memory) Drones() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.rings))
	for id := range m.rings {
		out = append(out, id)
	}
	return out
}
