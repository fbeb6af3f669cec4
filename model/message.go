package model

import (
	"time"
)

// Protocol identifies the wire protocol a message arrived on or should
// leave through.
type Protocol string

const (
	ProtocolMAVLink  Protocol = "mavlink"
	ProtocolCyphal   Protocol = "cyphal"
	ProtocolInternal Protocol = "internal"
)

// Kind classifies the payload of a UnifiedMessage.
type Kind string

const (
	KindTelemetry Kind = "telemetry"
	KindCommand   Kind = "command"
	KindMission   Kind = "mission"
	KindStatus    Kind = "status"
	KindHeartbeat Kind = "heartbeat"
	KindAck       Kind = "ack"
)

// Priority orders message classes. Higher values preempt lower ones in
// routing weight selection.
type Priority int

const (
	PriorityBackground Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityBackground: "background",
	PriorityLow:        "low",
	PriorityNormal:     "normal",
	PriorityHigh:       "high",
	PriorityCritical:   "critical",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return "normal"
}

// Delivery carries end-to-end delivery requirements.
type Delivery struct {
	AckRequired      bool    `json:"ack_required"`
	TTLSeconds       float64 `json:"ttl_seconds"`
	RetriesRemaining int     `json:"retries_remaining"`
}

// UnifiedMessage is the canonical internal record. Exactly one payload
// field matching Kind is non-nil.
type UnifiedMessage struct {
	MessageID      uint64   `json:"message_id"` // assigned by the normalizer, monotonic per session
	DroneID        string   `json:"drone_id"`
	SourceProtocol Protocol `json:"source_protocol"`
	ExternalSeq    uint32   `json:"external_seq"` // sequence number on the source wire

	Kind      Kind      `json:"kind"`
	Priority  Priority  `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
	Delivery  Delivery  `json:"delivery"`

	Telemetry *TelemetrySample `json:"telemetry,omitempty"`
	Command   *Command         `json:"command,omitempty"`
	Mission   *MissionItem     `json:"mission,omitempty"`
	Status    *StatusChange    `json:"status,omitempty"`
	Heartbeat *Heartbeat       `json:"heartbeat,omitempty"`
	Ack       *Ack             `json:"ack,omitempty"`

	// Extensions holds forward-compatible producer metadata under known keys.
	Extensions map[string]string `json:"extensions,omitempty"`
}

// Command is an outbound vehicle command. Params follow the MAVLink
// COMMAND_LONG seven-parameter convention; Cyphal encodes them as a
// service request.
type Command struct {
	Name         string     `json:"name"`
	CommandID    uint16     `json:"command_id"`
	Params       [7]float64 `json:"params"`
	Confirmation uint8      `json:"confirmation"`
}

// MissionItem is one element of an item-by-item mission upload. The
// uploader advances to Seq+1 only after a MISSION_ACK.
type MissionItem struct {
	Seq       uint16  `json:"seq"`
	CommandID uint16  `json:"command_id"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Alt       float64 `json:"alt"`
	Autocont  bool    `json:"autocontinue"`
	Current   bool    `json:"current"`
	Total     uint16  `json:"total"`
}

// StatusChange reports a session liveness transition for a drone on a
// protocol: online, degraded (5 s silent) or lost (30 s silent).
type StatusChange struct {
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

const (
	StatusOnline   = "online"
	StatusDegraded = "degraded"
	StatusLost     = "lost"
)

// Heartbeat is the normalized liveness beacon of a drone.
type Heartbeat struct {
	FlightMode   string `json:"flight_mode"`
	Armed        bool   `json:"armed"`
	SystemStatus string `json:"system_status"`
}

// Ack correlates a command or mission item result back to its sender.
type Ack struct {
	CommandID uint16 `json:"command_id"`
	MessageID uint64 `json:"message_id,omitempty"` // end-to-end id of the acked message
	Result    string `json:"result"`
	Accepted  bool   `json:"accepted"`
}

// DedupKey identifies a message within the rolling replay window. Kind
// is part of the key because one MAVLink frame can yield two messages,
// a heartbeat plus the telemetry sample it completed, sharing a seq.
type DedupKey struct {
	DroneID  string
	Protocol Protocol
	Kind     Kind
	Seq      uint32
}

// Key returns the replay-rejection key for the message.
func (m *UnifiedMessage) Key() DedupKey {
	return DedupKey{DroneID: m.DroneID, Protocol: m.SourceProtocol, Kind: m.Kind, Seq: m.ExternalSeq}
}

// DroneCapabilities is created on first sighting of a drone and updated
// only on explicit capability advertisement.
type DroneCapabilities struct {
	DroneID            string     `json:"drone_id"`
	SupportedProtocols []Protocol `json:"supported_protocols"`
	PreferredProtocol  Protocol   `json:"preferred_protocol"`
	MeshCapable        bool       `json:"mesh_capable"`
	MaxThroughputKBps  float64    `json:"max_throughput_kbps"`
	EncryptionSupport  bool       `json:"encryption_support"`
	FirstSeen          time.Time  `json:"first_seen"`
}

// NetworkRecord summarizes observed network traffic for the pattern
// detectors. Producers fill what they can measure.
type NetworkRecord struct {
	Timestamp       time.Time `json:"timestamp"`
	SourceAddr      string    `json:"source_addr"`
	DroneID         string    `json:"drone_id,omitempty"`
	PacketSize      int       `json:"packet_size"`
	FrequencyHz     float64   `json:"frequency_hz"`
	PayloadSample   string    `json:"payload_sample,omitempty"`
	EncryptionScore float64   `json:"encryption_score"` // 0 plaintext .. 1 strong
	ScanSignature   bool      `json:"scan_signature"`
	UniquePorts     int       `json:"unique_ports"`
}
