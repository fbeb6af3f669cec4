// Package cyphal adapts Cyphal/UDP traffic to the gateway's unified
// message model. Frames carry a fixed 24-byte header followed by a
// CBOR-encoded payload.
package cyphal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/fxamacker/cbor/v2"

	"fleetgate/model"
)

// Frame layout, little-endian:
//
//	offset 0  version     uint8
//	offset 1  priority    uint8
//	offset 2  node_id     uint16
//	offset 4  subject_id  uint16
//	offset 6  reserved    uint16
//	offset 8  transfer_id uint64
//	offset 16 payload_len uint32
//	offset 20 crc32c      uint32  (over bytes 0..19 plus the payload)
const (
	headerSize   = 24
	frameVersion = 1

	maxPayload = 9 << 10 // one frame fits a jumbo datagram
)

// Subject IDs for the fleet's port plan.
const (
	SubjectHeartbeat uint16 = 7509
	SubjectTelemetry uint16 = 7510
	SubjectStatus    uint16 = 7511
	SubjectCommand   uint16 = 7512
	SubjectAck       uint16 = 7513
	SubjectMission   uint16 = 7514
)

// Wire priority levels, mapped onto the unified scale.
var priorityFromWire = map[uint8]model.Priority{
	0: model.PriorityCritical, // exceptional
	1: model.PriorityCritical, // immediate
	2: model.PriorityHigh,     // fast
	3: model.PriorityHigh,     // high
	4: model.PriorityNormal,   // nominal
	5: model.PriorityLow,      // low
	6: model.PriorityLow,      // slow
	7: model.PriorityBackground,
}

func wirePriority(p model.Priority) uint8 {
	switch p {
	case model.PriorityCritical:
		return 1
	case model.PriorityHigh:
		return 3
	case model.PriorityNormal:
		return 4
	case model.PriorityLow:
		return 5
	default:
		return 7
	}
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Header is the decoded frame header.
type Header struct {
	Priority   uint8
	NodeID     uint16
	SubjectID  uint16
	TransferID uint64
}

// encodeOpts pins deterministic CBOR encoding so identical payloads
// produce identical frames across nodes.
var encMode, _ = cbor.CanonicalEncOptions().EncMode()

// Encode builds one frame from a header and a CBOR-encodable payload.
func Encode(h Header, payload interface{}) ([]byte, error) {
	body, err := encMode.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrEncode, err)
	}
	if len(body) > maxPayload {
		return nil, fmt.Errorf("%w: payload %d bytes", model.ErrEncode, len(body))
	}

	buf := make([]byte, headerSize+len(body))
	buf[0] = frameVersion
	buf[1] = h.Priority
	binary.LittleEndian.PutUint16(buf[2:], h.NodeID)
	binary.LittleEndian.PutUint16(buf[4:], h.SubjectID)
	binary.LittleEndian.PutUint64(buf[8:], h.TransferID)
	binary.LittleEndian.PutUint32(buf[16:], uint32(len(body)))
	copy(buf[headerSize:], body)

	crc := crc32.Checksum(buf[:20], castagnoli)
	crc = crc32.Update(crc, castagnoli, body)
	binary.LittleEndian.PutUint32(buf[20:], crc)
	return buf, nil
}

// Decode validates one frame and unmarshals its payload into out.
func Decode(buf []byte, out interface{}) (Header, error) {
	var h Header
	if len(buf) < headerSize {
		return h, fmt.Errorf("%w: %d bytes", model.ErrTruncated, len(buf))
	}
	if buf[0] != frameVersion {
		return h, fmt.Errorf("%w: frame version %d", model.ErrSchemaMismatch, buf[0])
	}
	h.Priority = buf[1]
	h.NodeID = binary.LittleEndian.Uint16(buf[2:])
	h.SubjectID = binary.LittleEndian.Uint16(buf[4:])
	h.TransferID = binary.LittleEndian.Uint64(buf[8:])
	plen := binary.LittleEndian.Uint32(buf[16:])
	if int(plen) != len(buf)-headerSize {
		return h, fmt.Errorf("%w: payload length %d, frame carries %d", model.ErrTruncated, plen, len(buf)-headerSize)
	}

	want := binary.LittleEndian.Uint32(buf[20:])
	crc := crc32.Checksum(buf[:20], castagnoli)
	crc = crc32.Update(crc, castagnoli, buf[headerSize:])
	if crc != want {
		return h, fmt.Errorf("%w: got %08x want %08x", model.ErrCRCFailure, crc, want)
	}

	if out != nil {
		if err := cbor.Unmarshal(buf[headerSize:], out); err != nil {
			return h, fmt.Errorf("%w: %v", model.ErrSchemaMismatch, err)
		}
	}
	return h, nil
}

// Wire payload records. CBOR field keys stay short; the adapter maps
// them onto the model types.

type wireHeartbeat struct {
	Uptime uint32 `cbor:"up"`
	Health uint8  `cbor:"hl"`
	Mode   string `cbor:"md"`
	Armed  bool   `cbor:"ar"`
}

type wireTelemetry struct {
	Lat    *float64 `cbor:"la,omitempty"`
	Lon    *float64 `cbor:"lo,omitempty"`
	AltMSL *float64 `cbor:"am,omitempty"`
	AltRel *float64 `cbor:"ar,omitempty"`

	VX *float64 `cbor:"vx,omitempty"`
	VY *float64 `cbor:"vy,omitempty"`
	VZ *float64 `cbor:"vz,omitempty"`

	BatteryV    *float64 `cbor:"bv,omitempty"`
	BatteryA    *float64 `cbor:"ba,omitempty"`
	BatteryPct  *float64 `cbor:"bp,omitempty"`
	BatteryTemp *float64 `cbor:"bt,omitempty"`
	MotorTemp   *float64 `cbor:"mt,omitempty"`
	Signal      *float64 `cbor:"sg,omitempty"`
}

type wireStatus struct {
	State  string `cbor:"st"`
	Detail string `cbor:"dt,omitempty"`
}

type wireCommand struct {
	Target       uint16     `cbor:"tg"`
	Name         string     `cbor:"nm"`
	CommandID    uint16     `cbor:"id"`
	Params       [7]float64 `cbor:"pr"`
	Confirmation uint8      `cbor:"cf"`
}

type wireAck struct {
	CommandID uint16 `cbor:"id"`
	MessageID uint64 `cbor:"mi"`
	Result    string `cbor:"rs"`
	Accepted  bool   `cbor:"ok"`
}

type wireMission struct {
	Target    uint16  `cbor:"tg"`
	Seq       uint16  `cbor:"sq"`
	CommandID uint16  `cbor:"id"`
	Lat       float64 `cbor:"la"`
	Lon       float64 `cbor:"lo"`
	Alt       float64 `cbor:"al"`
	Autocont  bool    `cbor:"ac"`
	Current   bool    `cbor:"cu"`
	Total     uint16  `cbor:"tt"`
}

// telemetryToModel maps a wire telemetry record onto the group-pointer
// sample, materializing only the groups the record populated.
func telemetryToModel(droneID string, w *wireTelemetry) *model.TelemetrySample {
	s := &model.TelemetrySample{DroneID: droneID}

	if w.Lat != nil || w.Lon != nil || w.AltMSL != nil || w.AltRel != nil {
		p := &model.Position{}
		if w.Lat != nil {
			p.Lat = *w.Lat
		}
		if w.Lon != nil {
			p.Lon = *w.Lon
		}
		if w.AltMSL != nil {
			p.AltMSL = *w.AltMSL
		}
		if w.AltRel != nil {
			p.AltRel = *w.AltRel
		}
		s.Position = p
	}
	if w.VX != nil || w.VY != nil || w.VZ != nil {
		m := &model.Motion{}
		if w.VX != nil {
			m.VX = *w.VX
		}
		if w.VY != nil {
			m.VY = *w.VY
		}
		if w.VZ != nil {
			m.VZ = *w.VZ
		}
		s.Motion = m
	}
	if w.BatteryV != nil || w.BatteryA != nil || w.BatteryPct != nil ||
		w.BatteryTemp != nil || w.MotorTemp != nil || w.Signal != nil {
		sys := &model.Systems{}
		if w.BatteryV != nil {
			sys.BatteryVoltage = *w.BatteryV
		}
		if w.BatteryA != nil {
			sys.BatteryCurrent = *w.BatteryA
		}
		if w.BatteryPct != nil {
			sys.BatteryRemaining = *w.BatteryPct
		}
		if w.BatteryTemp != nil {
			sys.BatteryTemp = *w.BatteryTemp
		}
		if w.MotorTemp != nil {
			sys.MotorTemp = *w.MotorTemp
		}
		if w.Signal != nil {
			sys.SignalStrength = *w.Signal
		}
		s.Systems = sys
	}
	return s
}
