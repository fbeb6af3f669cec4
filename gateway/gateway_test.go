package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetgate/bus"
	"fleetgate/config"
	"fleetgate/metrics"
	"fleetgate/model"
)

func newTestGateway(cfg config.GatewayConfig) (*Gateway, *bus.Bus, *metrics.Registry) {
	reg := metrics.New()
	b := bus.New()
	g := New(cfg, reg, b, nil, nil, 8)
	return g, b, reg
}

func telemetryMsg(droneID string, seq uint32) *model.UnifiedMessage {
	return &model.UnifiedMessage{
		DroneID:        droneID,
		SourceProtocol: model.ProtocolMAVLink,
		ExternalSeq:    seq,
		Kind:           model.KindTelemetry,
		Priority:       model.PriorityNormal,
		Telemetry:      &model.TelemetrySample{DroneID: droneID, Timestamp: time.Now()},
	}
}

func TestIngestAssignsMonotonicIDs(t *testing.T) {
	g, b, _ := newTestGateway(config.GatewayConfig{})
	c := b.Subscribe("test", 16, bus.DropOldest)

	for seq := uint32(1); seq <= 3; seq++ {
		require.NoError(t, g.Ingest(telemetryMsg("mav-1", seq)))
	}
	b.Close()

	var ids []uint64
	for m := range c.C() {
		ids = append(ids, m.MessageID)
	}
	assert.Equal(t, []uint64{1, 2, 3}, ids)
}

func TestIngestRejectsReplay(t *testing.T) {
	g, _, reg := newTestGateway(config.GatewayConfig{ReplayWindowSeconds: 600})

	require.NoError(t, g.Ingest(telemetryMsg("mav-1", 42)))
	err := g.Ingest(telemetryMsg("mav-1", 42))
	assert.ErrorIs(t, err, model.ErrReplayRejected)
	assert.Equal(t, int64(1), reg.ErrorCount("framing"))

	// Same seq from another drone or protocol is a distinct key.
	assert.NoError(t, g.Ingest(telemetryMsg("mav-2", 42)))
	other := telemetryMsg("mav-1", 42)
	other.SourceProtocol = model.ProtocolCyphal
	assert.NoError(t, g.Ingest(other))
}

func TestIngestSustainedStreamNeverSelfCollides(t *testing.T) {
	g, b, reg := newTestGateway(config.GatewayConfig{ReplayWindowSeconds: 600})
	b.Subscribe("sink", 2048, bus.DropOldest)

	// Adapters hand the gateway a monotonic sequence; a long-lived
	// stream inside one replay window must be admitted in full.
	for seq := uint32(1); seq <= 1000; seq++ {
		require.NoError(t, g.Ingest(telemetryMsg("mav-1", seq)))
	}
	snap := reg.Snapshot()
	dropped, _ := snap["dropped"].(map[string]int64)
	assert.Zero(t, dropped["replay_rejected"])
}

func TestIngestHeartbeatAndSampleShareFrameSeq(t *testing.T) {
	g, _, _ := newTestGateway(config.GatewayConfig{ReplayWindowSeconds: 600})

	// One MAVLink frame can produce a heartbeat plus the telemetry
	// sample it completed; both carry the frame's seq and both land.
	hb := &model.UnifiedMessage{
		DroneID:        "mav-1",
		SourceProtocol: model.ProtocolMAVLink,
		ExternalSeq:    42,
		Kind:           model.KindHeartbeat,
		Priority:       model.PriorityNormal,
		Heartbeat:      &model.Heartbeat{FlightMode: "LOITER", Armed: true},
	}
	require.NoError(t, g.Ingest(hb))
	require.NoError(t, g.Ingest(telemetryMsg("mav-1", 42)))

	// An exact repeat of either is still a replay.
	assert.ErrorIs(t, g.Ingest(telemetryMsg("mav-1", 42)), model.ErrReplayRejected)
}

func TestIngestAdmissionDenied(t *testing.T) {
	g, _, reg := newTestGateway(config.GatewayConfig{AdmissionPerHour: 2})

	require.NoError(t, g.Ingest(telemetryMsg("mav-1", 1)))
	require.NoError(t, g.Ingest(telemetryMsg("mav-2", 1)))
	err := g.Ingest(telemetryMsg("mav-3", 1))
	assert.ErrorIs(t, err, model.ErrAdmissionDenied)
	assert.Equal(t, int64(1), reg.ErrorCount("backpressure"))

	// Known drones are unaffected by a spent budget.
	assert.NoError(t, g.Ingest(telemetryMsg("mav-1", 2)))
}

func TestIngestRoutesAcksToTable(t *testing.T) {
	g, b, _ := newTestGateway(config.GatewayConfig{})
	c := b.Subscribe("test", 16, bus.DropOldest)

	require.NoError(t, g.Ingest(&model.UnifiedMessage{
		DroneID:        "mav-1",
		SourceProtocol: model.ProtocolMAVLink,
		ExternalSeq:    7,
		Kind:           model.KindAck,
		Priority:       model.PriorityHigh,
		Ack:            &model.Ack{CommandID: 400, Accepted: true, Result: "accepted"},
	}))

	ack, err := g.Acks().Await(context.Background(), "mav-1", model.PriorityHigh)
	require.NoError(t, err)
	assert.True(t, ack.Accepted)

	// ACKs complete sends; they never fan out to consumers.
	b.Close()
	var count int
	for range c.C() {
		count++
	}
	assert.Zero(t, count)
}

func TestIngestExternalNormalizes(t *testing.T) {
	g, b, _ := newTestGateway(config.GatewayConfig{})
	c := b.Subscribe("test", 16, bus.DropOldest)

	require.NoError(t, g.IngestExternal(&model.TelemetrySample{
		DroneID:  "sim-1",
		Position: &model.Position{Lat: 47.6, Lon: -122.3, AltMSL: 100},
	}))
	b.Close()

	m, open := <-c.C()
	require.True(t, open)
	assert.Equal(t, model.ProtocolInternal, m.SourceProtocol)
	assert.Equal(t, model.KindTelemetry, m.Kind)
	assert.False(t, m.Timestamp.IsZero())
	assert.NotZero(t, m.MessageID)
}

func TestEnqueueRequiresStart(t *testing.T) {
	g, _, _ := newTestGateway(config.GatewayConfig{})
	err := g.Enqueue(telemetryMsg("mav-1", 1))
	assert.ErrorIs(t, err, model.ErrNotStarted)
}

func TestStartAfterStopRefused(t *testing.T) {
	g, _, _ := newTestGateway(config.GatewayConfig{})
	require.NoError(t, g.Start(context.Background()))
	g.Stop()

	err := g.Start(context.Background())
	assert.ErrorIs(t, err, model.ErrShuttingDown)
}

func TestEnqueueBackpressure(t *testing.T) {
	reg := metrics.New()
	b := bus.New()
	g := New(config.GatewayConfig{}, reg, b, nil, nil, 2)
	// Mark started without launching the outbound loop so the queue
	// stays full.
	g.started.Store(true)

	require.NoError(t, g.Enqueue(telemetryMsg("mav-1", 1)))
	require.NoError(t, g.Enqueue(telemetryMsg("mav-1", 2)))
	err := g.Enqueue(telemetryMsg("mav-1", 3))
	assert.ErrorIs(t, err, model.ErrQueueFull)
	assert.Equal(t, int64(1), reg.ErrorCount("backpressure"))
}
