package cyphal

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fleetgate/config"
	"fleetgate/logger"
	"fleetgate/metrics"
	"fleetgate/model"
)

// dedupeWindow bounds how long a (node, transfer) pair is remembered.
// Redundant ports deliver the same transfer more than once by design.
const dedupeWindow = 30 * time.Second

// Ingestor is the gateway-facing sink for normalized messages.
type Ingestor interface {
	Ingest(msg *model.UnifiedMessage) error
}

type transferKey struct {
	nodeID     uint16
	transferID uint64
}

// Adapter is the Cyphal/UDP front-end: a multicast listener per port
// (primary plus redundant), transfer dedupe across them, and the
// outbound frame encoder.
type Adapter struct {
	cfg  config.CyphalConfig
	reg  *metrics.Registry
	sink Ingestor

	conns  []*net.UDPConn
	out    *net.UDPConn
	outTo  *net.UDPAddr
	nextID atomic.Uint64

	mu     sync.Mutex
	seen   map[transferKey]time.Time
	seqs   map[uint16]uint32 // node -> rolling external seq
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg config.CyphalConfig, reg *metrics.Registry, sink Ingestor) *Adapter {
	return &Adapter{
		cfg:    cfg,
		reg:    reg,
		sink:   sink,
		seen:   make(map[transferKey]time.Time),
		seqs:   make(map[uint16]uint32),
		stopCh: make(chan struct{}),
	}
}

func (a *Adapter) Name() string             { return "cyphal" }
func (a *Adapter) Protocol() model.Protocol { return model.ProtocolCyphal }
func (a *Adapter) Mesh() bool               { return true }

// Start joins the multicast group on every configured port and launches
// one read loop per socket.
func (a *Adapter) Start(ctx context.Context) error {
	group := net.ParseIP(a.cfg.Multicast)
	if group == nil {
		return fmt.Errorf("%w: bad multicast group %q", model.ErrSocket, a.cfg.Multicast)
	}

	ports := append([]int{a.cfg.Port}, a.cfg.RedundantPorts...)
	for _, port := range ports {
		conn, err := net.ListenMulticastUDP("udp4", nil, &net.UDPAddr{IP: group, Port: port})
		if err != nil {
			a.closeConns()
			return fmt.Errorf("%w: port %d: %v", model.ErrSocket, port, err)
		}
		conn.SetReadBuffer(1 << 20)
		a.conns = append(a.conns, conn)
		a.wg.Add(1)
		go a.readLoop(ctx, conn, port)
	}

	a.outTo = &net.UDPAddr{IP: group, Port: a.cfg.Port}
	out, err := net.DialUDP("udp4", nil, a.outTo)
	if err != nil {
		a.closeConns()
		return fmt.Errorf("%w: %v", model.ErrSocket, err)
	}
	a.out = out

	logger.Info("[CYPHAL] Node %d joined %s on ports %v", a.cfg.NodeID, a.cfg.Multicast, ports)
	return nil
}

// Close shuts the sockets and waits for the read loops.
func (a *Adapter) Close() error {
	close(a.stopCh)
	a.closeConns()
	if a.out != nil {
		a.out.Close()
	}
	a.wg.Wait()
	return nil
}

func (a *Adapter) closeConns() {
	for _, c := range a.conns {
		c.Close()
	}
}

func (a *Adapter) readLoop(ctx context.Context, conn *net.UDPConn, port int) {
	defer a.wg.Done()
	buf := make([]byte, headerSize+maxPayload)

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-a.stopCh:
				return
			default:
			}
			logger.Debug("[CYPHAL] Read on port %d: %v", port, err)
			continue
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		a.handleFrame(frame)
	}
}

func (a *Adapter) handleFrame(buf []byte) {
	h, err := Decode(buf, nil)
	if err != nil {
		a.reg.IncError(err)
		return
	}
	if h.NodeID == a.cfg.NodeID {
		return // our own transmissions
	}
	if a.isDuplicate(h) {
		a.reg.IncDropped("redundant_transfer")
		return
	}

	droneID := droneIDFor(h.NodeID)
	priority, ok := priorityFromWire[h.Priority]
	if !ok {
		priority = model.PriorityNormal
	}
	seq := a.nextSeq(h.NodeID)

	switch h.SubjectID {
	case SubjectHeartbeat:
		var w wireHeartbeat
		if _, err := Decode(buf, &w); err != nil {
			a.reg.IncError(err)
			return
		}
		a.ingest(&model.UnifiedMessage{
			DroneID:        droneID,
			SourceProtocol: model.ProtocolCyphal,
			ExternalSeq:    seq,
			Kind:           model.KindHeartbeat,
			Priority:       priority,
			Heartbeat: &model.Heartbeat{
				FlightMode:   w.Mode,
				Armed:        w.Armed,
				SystemStatus: healthName(w.Health),
			},
		})
	case SubjectTelemetry:
		var w wireTelemetry
		if _, err := Decode(buf, &w); err != nil {
			a.reg.IncError(err)
			return
		}
		s := telemetryToModel(droneID, &w)
		s.Timestamp = time.Now()
		a.ingest(&model.UnifiedMessage{
			DroneID:        droneID,
			SourceProtocol: model.ProtocolCyphal,
			ExternalSeq:    seq,
			Kind:           model.KindTelemetry,
			Priority:       priority,
			Telemetry:      s,
		})
	case SubjectStatus:
		var w wireStatus
		if _, err := Decode(buf, &w); err != nil {
			a.reg.IncError(err)
			return
		}
		a.ingest(&model.UnifiedMessage{
			DroneID:        droneID,
			SourceProtocol: model.ProtocolCyphal,
			ExternalSeq:    seq,
			Kind:           model.KindStatus,
			Priority:       priority,
			Status: &model.StatusChange{
				State:  w.State,
				Detail: w.Detail,
			},
		})
	case SubjectAck:
		var w wireAck
		if _, err := Decode(buf, &w); err != nil {
			a.reg.IncError(err)
			return
		}
		a.ingest(&model.UnifiedMessage{
			DroneID:        droneID,
			SourceProtocol: model.ProtocolCyphal,
			ExternalSeq:    seq,
			Kind:           model.KindAck,
			Priority:       priority,
			Ack: &model.Ack{
				CommandID: w.CommandID,
				MessageID: w.MessageID,
				Result:    w.Result,
				Accepted:  w.Accepted,
			},
		})
	default:
		a.reg.IncError(model.ErrUnknownMessage)
	}
}

// isDuplicate tracks (node, transfer) pairs across the redundant ports.
func (a *Adapter) isDuplicate(h Header) bool {
	key := transferKey{h.NodeID, h.TransferID}
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()
	if seen, ok := a.seen[key]; ok && now.Sub(seen) < dedupeWindow {
		return true
	}
	a.seen[key] = now
	if len(a.seen)%512 == 0 {
		for k, t := range a.seen {
			if now.Sub(t) >= dedupeWindow {
				delete(a.seen, k)
			}
		}
	}
	return false
}

// nextSeq synthesizes a per-node sequence; Cyphal transfer IDs are
// 64-bit so the 32-bit external seq is a local counter instead.
func (a *Adapter) nextSeq(nodeID uint16) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seqs[nodeID]++
	return a.seqs[nodeID]
}

func (a *Adapter) ingest(msg *model.UnifiedMessage) {
	if err := a.sink.Ingest(msg); err != nil {
		logger.Debug("[CYPHAL] Ingest %s from %s rejected: %v", msg.Kind, msg.DroneID, err)
	}
}

// Send encodes an outbound message and multicasts it on the primary
// port.
func (a *Adapter) Send(ctx context.Context, msg *model.UnifiedMessage) error {
	if a.out == nil {
		return model.ErrNotStarted
	}
	nodeID, err := nodeIDFor(msg.DroneID)
	if err != nil {
		return err
	}

	h := Header{
		Priority:   wirePriority(msg.Priority),
		NodeID:     a.cfg.NodeID,
		TransferID: a.nextID.Add(1),
	}

	var payload interface{}
	switch {
	case msg.Kind == model.KindCommand && msg.Command != nil:
		h.SubjectID = SubjectCommand
		payload = &wireCommand{
			Target:       nodeID,
			Name:         msg.Command.Name,
			CommandID:    msg.Command.CommandID,
			Params:       msg.Command.Params,
			Confirmation: msg.Command.Confirmation,
		}
	case msg.Kind == model.KindMission && msg.Mission != nil:
		h.SubjectID = SubjectMission
		payload = &wireMission{
			Target:    nodeID,
			Seq:       msg.Mission.Seq,
			CommandID: msg.Mission.CommandID,
			Lat:       msg.Mission.Lat,
			Lon:       msg.Mission.Lon,
			Alt:       msg.Mission.Alt,
			Autocont:  msg.Mission.Autocont,
			Current:   msg.Mission.Current,
			Total:     msg.Mission.Total,
		}
	default:
		return fmt.Errorf("%w: cannot encode %s over cyphal", model.ErrEncode, msg.Kind)
	}

	buf, err := Encode(h, payload)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		a.out.SetWriteDeadline(deadline)
	}
	if _, err := a.out.Write(buf); err != nil {
		return fmt.Errorf("%w: %v", model.ErrSocket, err)
	}
	return nil
}

func healthName(h uint8) string {
	switch h {
	case 0:
		return "nominal"
	case 1:
		return "advisory"
	case 2:
		return "caution"
	default:
		return "warning"
	}
}

// droneIDFor names a drone by its Cyphal node ID.
func droneIDFor(nodeID uint16) string {
	return "uav-" + strconv.Itoa(int(nodeID))
}

// nodeIDFor recovers the node ID from a drone name.
func nodeIDFor(droneID string) (uint16, error) {
	raw, ok := strings.CutPrefix(droneID, "uav-")
	if !ok {
		return 0, fmt.Errorf("%w: drone %s is not a cyphal node", model.ErrUnreachable, droneID)
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > 65535 {
		return 0, fmt.Errorf("%w: bad node id in %s", model.ErrUnreachable, droneID)
	}
	return uint16(n), nil
}
