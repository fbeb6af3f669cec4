package web

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fleetgate/logger"
)

// Feed topics.
const (
	TopicTelemetry = "telemetry"
	TopicFindings  = "findings"
	TopicAlerts    = "alerts"
	TopicStatus    = "status"
)

const (
	subscriberQueue = 256
	writeTimeout    = 5 * time.Second
	pingInterval    = 30 * time.Second
)

// Event is one feed frame.
type Event struct {
	Topic string      `json:"topic"`
	Time  time.Time   `json:"time"`
	Data  interface{} `json:"data"`
}

type subscriber struct {
	topics map[string]bool
	ch     chan []byte
}

// Hub fans events out to websocket subscribers. Each subscriber owns a
// bounded queue; a slow reader loses its oldest frames, never the hub.
type Hub struct {
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		subs: make(map[*subscriber]struct{}),
	}
}

// Publish delivers an event to every subscriber of its topic.
func (h *Hub) Publish(topic string, data interface{}) {
	payload, err := json.Marshal(Event{Topic: topic, Time: time.Now(), Data: data})
	if err != nil {
		logger.Error("[FEED] Marshal %s event: %v", topic, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if !s.topics[topic] {
			continue
		}
		select {
		case s.ch <- payload:
		default:
			// Evict the oldest frame to admit the new one.
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- payload:
			default:
			}
		}
	}
}

// ServeHTTP upgrades the connection and streams the requested topics.
// Topics come from ?topics=a,b; empty means all.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("[FEED] Upgrade failed: %v", err)
		return
	}

	topics := map[string]bool{}
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			topics[strings.TrimSpace(t)] = true
		}
	} else {
		for _, t := range []string{TopicTelemetry, TopicFindings, TopicAlerts, TopicStatus} {
			topics[t] = true
		}
	}

	s := &subscriber{topics: topics, ch: make(chan []byte, subscriberQueue)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	logger.Info("[FEED] Subscriber connected (%d active)", n)

	go h.writeLoop(conn, s)
	h.readLoop(conn, s)
}

func (h *Hub) writeLoop(conn *websocket.Conn, s *subscriber) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case payload, ok := <-s.ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				conn.Close()
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// readLoop drains client frames so pongs and close frames are
// processed; any read error tears the subscriber down.
func (h *Hub) readLoop(conn *websocket.Conn, s *subscriber) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	_, present := h.subs[s]
	delete(h.subs, s)
	n := len(h.subs)
	h.mu.Unlock()
	if present {
		close(s.ch)
	}
	conn.Close()
	logger.Info("[FEED] Subscriber disconnected (%d active)", n)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.subs = make(map[*subscriber]struct{})
	h.mu.Unlock()
	for _, s := range subs {
		close(s.ch)
	}
}
