package metrics

import (
	"sync"
	"time"

	"fleetgate/model"
)

// Registry holds runtime counters for the whole control plane. It is
// constructed once in main and passed by handle; there is no package
// global. GET /status serves Snapshot().
type Registry struct {
	mu sync.RWMutex

	// Message statistics, keyed by message type name
	Received  map[string]int64
	Emitted   map[string]int64
	Dropped   map[string]int64
	SentOK    map[string]int64
	SendError map[string]int64

	// Recoverable error counters, keyed by category (transport,
	// framing, routing, backpressure, detection, alert, lifecycle)
	Errors map[string]int64

	// Per-protocol traffic
	ProtocolRx map[model.Protocol]int64
	ProtocolTx map[model.Protocol]int64

	// Detection and alerting
	FindingsByType map[string]int64
	AlertsOpened   int64
	AlertsResolved int64
	Escalations    int64

	StartTime time.Time

	// Recent log ring for /status
	RecentLogs []LogEntry
}

type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

const logRingSize = 100

func New() *Registry {
	return &Registry{
		Received:       make(map[string]int64),
		Emitted:        make(map[string]int64),
		Dropped:        make(map[string]int64),
		SentOK:         make(map[string]int64),
		SendError:      make(map[string]int64),
		Errors:         make(map[string]int64),
		ProtocolRx:     make(map[model.Protocol]int64),
		ProtocolTx:     make(map[model.Protocol]int64),
		FindingsByType: make(map[string]int64),
		StartTime:      time.Now(),
		RecentLogs:     make([]LogEntry, 0, logRingSize),
	}
}

func (r *Registry) IncReceived(msgType string, proto model.Protocol) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Received[msgType]++
	r.ProtocolRx[proto]++
}

func (r *Registry) IncEmitted(msgType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Emitted[msgType]++
}

func (r *Registry) IncDropped(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Dropped[reason]++
}

func (r *Registry) IncSentOK(msgType string, proto model.Protocol) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.SentOK[msgType]++
	r.ProtocolTx[proto]++
}

func (r *Registry) IncSendError(msgType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.SendError[msgType]++
}

// IncError buckets a recoverable error by its category.
func (r *Registry) IncError(err error) {
	cat := model.Category(err)
	if cat == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors[cat]++
}

// ErrorCount returns the current count for one category.
func (r *Registry) ErrorCount(category string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Errors[category]
}

func (r *Registry) IncFinding(t model.FindingType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FindingsByType[string(t)]++
}

func (r *Registry) IncAlertOpened() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.AlertsOpened++
}

func (r *Registry) IncAlertResolved() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.AlertsResolved++
}

func (r *Registry) IncEscalation() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Escalations++
}

// AddLog appends a line to the recent-log ring. Wired to the logger
// sink in main.
func (r *Registry) AddLog(level, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.RecentLogs) >= logRingSize {
		r.RecentLogs = r.RecentLogs[1:]
	}
	r.RecentLogs = append(r.RecentLogs, LogEntry{Time: time.Now(), Level: level, Message: msg})
}

// Snapshot returns a copy suitable for JSON serialization in /status.
func (r *Registry) Snapshot() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]interface{}{
		"received":         copyMap(r.Received),
		"emitted":          copyMap(r.Emitted),
		"dropped":          copyMap(r.Dropped),
		"sent_ok":          copyMap(r.SentOK),
		"send_errors":      copyMap(r.SendError),
		"errors":           copyMap(r.Errors),
		"protocol_rx":      copyProtoMap(r.ProtocolRx),
		"protocol_tx":      copyProtoMap(r.ProtocolTx),
		"findings_by_type": copyMap(r.FindingsByType),
		"alerts_opened":    r.AlertsOpened,
		"alerts_resolved":  r.AlertsResolved,
		"escalations":      r.Escalations,
		"uptime":           time.Since(r.StartTime).String(),
		"logs":             append([]LogEntry(nil), r.RecentLogs...),
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyProtoMap(m map[model.Protocol]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}
