// Package mavlink adapts MAVLink v2 traffic to the gateway's unified
// message model.
package mavlink

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/ardupilotmega"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/frame"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"fleetgate/config"
	"fleetgate/logger"
	"fleetgate/metrics"
	"fleetgate/model"
)

// Quarantine discipline for misbehaving sources: repeated parse or
// signature failures within the window shut the channel out.
const (
	quarantineThreshold = 5
	quarantineWindow    = time.Minute
	quarantineDuration  = time.Minute
)

// Ingestor is the gateway-facing sink for normalized messages.
type Ingestor interface {
	Ingest(msg *model.UnifiedMessage) error
}

// Adapter is the MAVLink protocol front-end: one gomavlib node serving
// UDP or TCP, an assembler building telemetry samples, and the outbound
// encoder for commands, parameters and mission items.
type Adapter struct {
	cfg  config.MAVLinkConfig
	reg  *metrics.Registry
	sink Ingestor

	node *gomavlib.Node
	asm  *assembler

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu          sync.Mutex
	parseErrors map[string][]time.Time // channel -> recent failures
	quarantined map[string]time.Time   // channel -> release time

	seqMu sync.Mutex
	seqs  map[string]*seqState
}

// seqState tracks one drone's position in the 8-bit wire sequence space.
type seqState struct {
	last  uint8
	epoch uint32
}

func New(cfg config.MAVLinkConfig, reg *metrics.Registry, sink Ingestor) *Adapter {
	return &Adapter{
		cfg:         cfg,
		reg:         reg,
		sink:        sink,
		asm:         newAssembler(),
		stopCh:      make(chan struct{}),
		parseErrors: make(map[string][]time.Time),
		quarantined: make(map[string]time.Time),
		seqs:        make(map[string]*seqState),
	}
}

func (a *Adapter) Name() string             { return "mavlink" }
func (a *Adapter) Protocol() model.Protocol { return model.ProtocolMAVLink }
func (a *Adapter) Mesh() bool               { return false }

// Start opens the node and launches the event loop.
func (a *Adapter) Start(ctx context.Context) error {
	var endpoint gomavlib.EndpointConf
	switch a.cfg.Transport {
	case "tcp":
		endpoint = gomavlib.EndpointTCPServer{Address: a.cfg.Address}
	default:
		endpoint = gomavlib.EndpointUDPServer{Address: a.cfg.Address}
	}

	// The ardupilotmega dialect is a superset of common and adds
	// EKF_STATUS_REPORT; its shared message types alias common's, so
	// the frame switch below matches either way.
	conf := gomavlib.NodeConf{
		Endpoints:   []gomavlib.EndpointConf{endpoint},
		Dialect:     ardupilotmega.Dialect,
		OutVersion:  gomavlib.V2,
		OutSystemID: a.cfg.OutSystemID,
	}
	if a.cfg.SigningKey != "" {
		raw, err := hex.DecodeString(a.cfg.SigningKey)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("%w: signing key must be 64 hex chars", model.ErrSignatureFailure)
		}
		key := frame.NewV2Key(raw)
		conf.InKey = key
		conf.OutKey = key
		logger.Info("[MAVLINK] Frame signing enabled")
	}

	node, err := gomavlib.NewNode(conf)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrSocket, err)
	}
	a.node = node
	logger.Info("[MAVLINK] Listening on %s/%s", a.cfg.Transport, a.cfg.Address)

	a.wg.Add(1)
	go a.eventLoop(ctx)
	return nil
}

// Close shuts the node down and waits for the event loop.
func (a *Adapter) Close() error {
	close(a.stopCh)
	if a.node != nil {
		a.node.Close()
	}
	a.wg.Wait()
	return nil
}

func (a *Adapter) eventLoop(ctx context.Context) {
	defer a.wg.Done()
	events := a.node.Events()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			switch e := evt.(type) {
			case *gomavlib.EventFrame:
				a.handleFrame(e)
			case *gomavlib.EventParseError:
				a.handleParseError(e)
			case *gomavlib.EventChannelOpen:
				logger.Info("[MAVLINK] Channel opened: %v", e.Channel)
			case *gomavlib.EventChannelClose:
				logger.Warn("[MAVLINK] Channel closed: %v", e.Channel)
			}
		}
	}
}

func (a *Adapter) handleFrame(e *gomavlib.EventFrame) {
	chanKey := fmt.Sprintf("%v", e.Channel)
	if a.isQuarantined(chanKey) {
		a.reg.IncError(model.ErrQuarantined)
		a.reg.IncDropped("quarantined")
		return
	}

	sysID := e.SystemID()
	if sysID == a.cfg.OutSystemID {
		return // our own traffic echoed back
	}
	droneID := droneIDFor(sysID)
	seq := a.widenSeq(droneID, e.Frame.GetSequenceNumber())

	switch m := e.Message().(type) {
	case *common.MessageHeartbeat:
		a.ingestHeartbeat(droneID, seq, m)
	case *common.MessageSysStatus:
		a.ingestSample(droneID, seq, func(s *model.TelemetrySample) {
			sys := a.asm.systems(s)
			sys.BatteryVoltage, sys.BatteryCurrent, sys.BatteryRemaining = batteryFromSysStatus(m)
			sys.EKFOK = m.OnboardControlSensorsHealth&common.MAV_SYS_STATUS_AHRS != 0
			c := a.asm.comms(s)
			c.PacketLoss = float64(m.DropRateComm) / 10000
		})
	case *common.MessageGpsRawInt:
		a.ingestSample(droneID, seq, func(s *model.TelemetrySample) {
			sys := a.asm.systems(s)
			sys.GPSFix = int(m.FixType)
			sys.Satellites = int(m.SatellitesVisible)
			sys.GPSAccuracy = float64(m.Eph) / 100
		})
	case *common.MessageGlobalPositionInt:
		a.ingestSample(droneID, seq, func(s *model.TelemetrySample) {
			*a.asm.position(s) = *positionFromGlobalInt(m)
			mo := a.asm.motion(s)
			var heading float64
			mo.VX, mo.VY, mo.VZ, heading = motionFromGlobalInt(m)
			a.asm.systems(s).Heading = heading
		})
	case *common.MessageAttitude:
		a.ingestSample(droneID, seq, func(s *model.TelemetrySample) {
			mo := a.asm.motion(s)
			mo.Roll, mo.Pitch, mo.Yaw, mo.RollRate, mo.PitchRate, mo.YawRate = attitudeFromMessage(m)
		})
	case *common.MessageBatteryStatus:
		a.ingestSample(droneID, seq, func(s *model.TelemetrySample) {
			sys := a.asm.systems(s)
			if m.Temperature != int16(32767) {
				sys.BatteryTemp = float64(m.Temperature) / 100
			}
		})
	case *common.MessageVibration:
		a.ingestSample(droneID, seq, func(s *model.TelemetrySample) {
			sys := a.asm.systems(s)
			sys.VibrationX = float64(m.VibrationX)
			sys.VibrationY = float64(m.VibrationY)
			sys.VibrationZ = float64(m.VibrationZ)
		})
	case *common.MessageVfrHud:
		a.ingestSample(droneID, seq, func(s *model.TelemetrySample) {
			mo := a.asm.motion(s)
			mo.Groundspeed = float64(m.Groundspeed)
			mo.Airspeed = float64(m.Airspeed)
			sys := a.asm.systems(s)
			sys.Heading = float64(m.Heading)
			sys.Throttle = float64(m.Throttle)
		})
	case *common.MessageRcChannels:
		if m.Rssi != 255 { // 255 means unknown
			a.ingestSample(droneID, seq, func(s *model.TelemetrySample) {
				a.asm.systems(s).SignalStrength = float64(m.Rssi)
			})
		}
	case *common.MessageServoOutputRaw:
		a.ingestSample(droneID, seq, func(s *model.TelemetrySample) {
			if pct, ok := servoLoadPercent(m); ok {
				a.asm.systems(s).Throttle = pct
			}
		})
	case *ardupilotmega.MessageEkfStatusReport:
		a.ingestSample(droneID, seq, func(s *model.TelemetrySample) {
			a.asm.systems(s).EKFOK = ekfHealthy(m)
		})
	case *common.MessageStatustext:
		// Vehicle free-text lands in the log ring served by /status.
		if m.Severity <= common.MAV_SEVERITY_ERROR {
			logger.Warn("[MAVLINK] %s: %s", droneID, m.Text)
		} else {
			logger.Info("[MAVLINK] %s: %s", droneID, m.Text)
		}
	case *common.MessageParamValue:
		// A PARAM_VALUE echo closes the PARAM_SET round trip.
		a.ingest(&model.UnifiedMessage{
			DroneID:        droneID,
			SourceProtocol: model.ProtocolMAVLink,
			ExternalSeq:    seq,
			Kind:           model.KindAck,
			Priority:       model.PriorityHigh,
			Ack: &model.Ack{
				Result:   "param:" + m.ParamId,
				Accepted: true,
			},
		})
	case *common.MessageRadioStatus:
		a.ingestSample(droneID, seq, func(s *model.TelemetrySample) {
			a.asm.systems(s).SignalStrength = float64(m.Rssi)
			a.asm.comms(s).PacketLoss = float64(m.Rxerrors) / 65535
		})
	case *common.MessageCommandAck:
		result, accepted := ackResultName(m.Result)
		a.ingest(&model.UnifiedMessage{
			DroneID:        droneID,
			SourceProtocol: model.ProtocolMAVLink,
			ExternalSeq:    seq,
			Kind:           model.KindAck,
			Priority:       model.PriorityHigh,
			Ack: &model.Ack{
				CommandID: uint16(m.Command),
				Result:    result,
				Accepted:  accepted,
			},
		})
	case *common.MessageMissionAck:
		accepted := m.Type == common.MAV_MISSION_ACCEPTED
		a.ingest(&model.UnifiedMessage{
			DroneID:        droneID,
			SourceProtocol: model.ProtocolMAVLink,
			ExternalSeq:    seq,
			Kind:           model.KindAck,
			Priority:       model.PriorityNormal,
			Ack: &model.Ack{
				Result:   fmt.Sprintf("mission_%d", m.Type),
				Accepted: accepted,
			},
		})
	}
}

func (a *Adapter) ingestHeartbeat(droneID string, seq uint32, m *common.MessageHeartbeat) {
	armed := m.BaseMode&common.MAV_MODE_FLAG_SAFETY_ARMED != 0
	mode := flightModeName(m.BaseMode, m.SystemStatus)

	a.ingest(&model.UnifiedMessage{
		DroneID:        droneID,
		SourceProtocol: model.ProtocolMAVLink,
		ExternalSeq:    seq,
		Kind:           model.KindHeartbeat,
		Priority:       model.PriorityNormal,
		Heartbeat: &model.Heartbeat{
			FlightMode:   mode,
			Armed:        armed,
			SystemStatus: systemStatusName(m.SystemStatus),
		},
	})

	// Heartbeat also feeds the sample's mission group.
	if s := a.asm.update(droneID, func(s *model.TelemetrySample) {
		ms := a.asm.mission(s)
		ms.Armed = armed
		ms.FlightMode = mode
	}); s != nil {
		a.emitSample(droneID, seq, s)
	}
}

// ingestSample applies a wire update through the assembler and emits
// the paced sample when one is due.
func (a *Adapter) ingestSample(droneID string, seq uint32, fn func(*model.TelemetrySample)) {
	if s := a.asm.update(droneID, fn); s != nil {
		a.emitSample(droneID, seq, s)
	}
}

func (a *Adapter) emitSample(droneID string, seq uint32, s *model.TelemetrySample) {
	a.ingest(&model.UnifiedMessage{
		DroneID:        droneID,
		SourceProtocol: model.ProtocolMAVLink,
		ExternalSeq:    seq,
		Kind:           model.KindTelemetry,
		Priority:       model.PriorityNormal,
		Telemetry:      s,
	})
}

func (a *Adapter) ingest(msg *model.UnifiedMessage) {
	if err := a.sink.Ingest(msg); err != nil {
		logger.Debug("[MAVLINK] Ingest %s from %s rejected: %v", msg.Kind, msg.DroneID, err)
	}
}

// handleParseError counts failures per channel and quarantines the
// source once it crosses the threshold.
func (a *Adapter) handleParseError(e *gomavlib.EventParseError) {
	a.reg.IncError(model.ErrTruncated)
	chanKey := fmt.Sprintf("%v", e.Channel)

	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-quarantineWindow)
	recent := a.parseErrors[chanKey][:0]
	for _, t := range a.parseErrors[chanKey] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	a.parseErrors[chanKey] = recent

	if len(recent) >= quarantineThreshold {
		a.quarantined[chanKey] = now.Add(quarantineDuration)
		a.parseErrors[chanKey] = nil
		logger.Warn("[MAVLINK] Quarantined channel %s for %s after %d parse failures",
			chanKey, quarantineDuration, quarantineThreshold)
	} else {
		logger.Debug("[MAVLINK] Parse error on %s: %v", chanKey, e.Error)
	}
}

func (a *Adapter) isQuarantined(chanKey string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	until, ok := a.quarantined[chanKey]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(a.quarantined, chanKey)
		return false
	}
	return true
}

// Send encodes an outbound message onto the wire. Commands become
// COMMAND_LONG (or PARAM_SET when the extensions carry a parameter),
// mission items become MISSION_ITEM_INT.
func (a *Adapter) Send(ctx context.Context, msg *model.UnifiedMessage) error {
	if a.node == nil {
		return model.ErrNotStarted
	}
	sysID, err := sysIDFor(msg.DroneID)
	if err != nil {
		return err
	}

	var wire message.Message
	switch {
	case msg.Kind == model.KindCommand && msg.Command != nil:
		if paramID, ok := msg.Extensions["param_id"]; ok {
			wire = &common.MessageParamSet{
				TargetSystem:    sysID,
				TargetComponent: 1,
				ParamId:         paramID,
				ParamValue:      float32(msg.Command.Params[0]),
				ParamType:       common.MAV_PARAM_TYPE_REAL32,
			}
		} else {
			c := msg.Command
			wire = &common.MessageCommandLong{
				TargetSystem:    sysID,
				TargetComponent: 1,
				Command:         common.MAV_CMD(c.CommandID),
				Confirmation:    c.Confirmation,
				Param1:          float32(c.Params[0]),
				Param2:          float32(c.Params[1]),
				Param3:          float32(c.Params[2]),
				Param4:          float32(c.Params[3]),
				Param5:          float32(c.Params[4]),
				Param6:          float32(c.Params[5]),
				Param7:          float32(c.Params[6]),
			}
		}
	case msg.Kind == model.KindMission && msg.Mission != nil:
		mi := msg.Mission
		current := uint8(0)
		if mi.Current {
			current = 1
		}
		autocont := uint8(0)
		if mi.Autocont {
			autocont = 1
		}
		wire = &common.MessageMissionItemInt{
			TargetSystem:    sysID,
			TargetComponent: 1,
			Seq:             mi.Seq,
			Frame:           common.MAV_FRAME_GLOBAL_RELATIVE_ALT_INT,
			Command:         common.MAV_CMD(mi.CommandID),
			Current:         current,
			Autocontinue:    autocont,
			X:               int32(mi.Lat * degE7),
			Y:               int32(mi.Lon * degE7),
			Z:               float32(mi.Alt),
			MissionType:     common.MAV_MISSION_TYPE_MISSION,
		}
	default:
		return fmt.Errorf("%w: cannot encode %s over mavlink", model.ErrEncode, msg.Kind)
	}

	if err := a.node.WriteMessageAll(wire); err != nil {
		return fmt.Errorf("%w: %v", model.ErrSocket, err)
	}
	return nil
}

// widenSeq folds the wrapping 8-bit wire sequence into a monotonic
// 32-bit space: epoch<<8 | wire. The gateway's replay window keys on
// the widened value, so normal progression past 255 never collides
// with a fresh dedup entry while a re-sent frame still maps back to
// the value it was first seen with. Mod-256 deltas of 1..127 count as
// forward progression; anything else is an old frame resurfacing.
func (a *Adapter) widenSeq(droneID string, wire uint8) uint32 {
	a.seqMu.Lock()
	defer a.seqMu.Unlock()

	st, ok := a.seqs[droneID]
	if !ok {
		a.seqs[droneID] = &seqState{last: wire}
		return uint32(wire)
	}

	delta := wire - st.last // mod-256
	epoch := st.epoch
	switch {
	case delta == 0:
		// Same frame again: same widened value, rejected downstream.
	case delta < 128:
		if wire < st.last {
			st.epoch++
			epoch = st.epoch
		}
		st.last = wire
	default:
		// Behind the current position. A wire seq numerically above the
		// cursor belongs to the previous epoch.
		if wire > st.last && epoch > 0 {
			epoch--
		}
	}
	return epoch<<8 | uint32(wire)
}

// droneIDFor names a drone by its MAVLink system ID.
func droneIDFor(sysID uint8) string {
	return "mav-" + strconv.Itoa(int(sysID))
}

// sysIDFor recovers the system ID from a drone name.
func sysIDFor(droneID string) (uint8, error) {
	raw, ok := strings.CutPrefix(droneID, "mav-")
	if !ok {
		return 0, fmt.Errorf("%w: drone %s is not a mavlink system", model.ErrUnreachable, droneID)
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 255 {
		return 0, fmt.Errorf("%w: bad system id in %s", model.ErrUnreachable, droneID)
	}
	return uint8(n), nil
}
