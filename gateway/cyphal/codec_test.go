package cyphal

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetgate/model"
)

func f64(v float64) *float64 { return &v }

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := Header{Priority: 4, NodeID: 12, SubjectID: SubjectTelemetry, TransferID: 99}
	in := wireTelemetry{
		Lat:      f64(47.6),
		Lon:      f64(-122.3),
		AltRel:   f64(85.5),
		VX:       f64(4.2),
		BatteryV: f64(15.1),
	}

	frame, err := Encode(h, in)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(frame), headerSize)

	var out wireTelemetry
	got, err := Decode(frame, &out)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.Equal(t, in, out)
}

func TestEncodeIsDeterministic(t *testing.T) {
	h := Header{Priority: 1, NodeID: 3, SubjectID: SubjectCommand, TransferID: 1}
	cmd := wireCommand{Target: 7, Name: "ARM", CommandID: 400, Params: [7]float64{1}}

	a, err := Encode(h, cmd)
	require.NoError(t, err)
	b, err := Encode(h, cmd)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDecodeTruncatedFrame(t *testing.T) {
	_, err := Decode(make([]byte, headerSize-1), nil)
	assert.ErrorIs(t, err, model.ErrTruncated)

	// Payload length says more bytes than the frame carries.
	frame, err := Encode(Header{SubjectID: SubjectAck}, wireAck{CommandID: 1})
	require.NoError(t, err)
	_, err = Decode(frame[:len(frame)-2], nil)
	assert.ErrorIs(t, err, model.ErrTruncated)
}

func TestDecodeWrongVersion(t *testing.T) {
	frame, err := Encode(Header{SubjectID: SubjectHeartbeat}, wireHeartbeat{Mode: "AUTO"})
	require.NoError(t, err)
	frame[0] = 2
	_, err = Decode(frame, nil)
	assert.ErrorIs(t, err, model.ErrSchemaMismatch)
}

func TestDecodeCorruptPayload(t *testing.T) {
	frame, err := Encode(Header{SubjectID: SubjectHeartbeat}, wireHeartbeat{Mode: "AUTO", Armed: true})
	require.NoError(t, err)
	frame[headerSize] ^= 0xFF
	_, err = Decode(frame, nil)
	assert.ErrorIs(t, err, model.ErrCRCFailure)
}

func TestDecodeCorruptHeaderCRC(t *testing.T) {
	frame, err := Encode(Header{NodeID: 5, SubjectID: SubjectAck}, wireAck{CommandID: 3})
	require.NoError(t, err)
	binary.LittleEndian.PutUint16(frame[2:], 6) // flip the node id after checksumming
	_, err = Decode(frame, nil)
	assert.ErrorIs(t, err, model.ErrCRCFailure)
}

func TestDecodeHeaderOnly(t *testing.T) {
	frame, err := Encode(Header{Priority: 2, NodeID: 9, SubjectID: SubjectStatus, TransferID: 5}, wireHeartbeat{})
	require.NoError(t, err)

	h, err := Decode(frame, nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(9), h.NodeID)
	assert.Equal(t, SubjectStatus, h.SubjectID)
	assert.Equal(t, uint64(5), h.TransferID)
}

func TestEncodeOversizePayload(t *testing.T) {
	big := make([]byte, maxPayload+1)
	_, err := Encode(Header{SubjectID: SubjectTelemetry}, big)
	assert.ErrorIs(t, err, model.ErrEncode)
}

func TestPriorityMappingRoundTrip(t *testing.T) {
	for _, p := range []model.Priority{
		model.PriorityCritical,
		model.PriorityHigh,
		model.PriorityNormal,
		model.PriorityLow,
		model.PriorityBackground,
	} {
		assert.Equal(t, p, priorityFromWire[wirePriority(p)], "priority %s", p)
	}
	// Every wire level decodes to something.
	for w := uint8(0); w < 8; w++ {
		_, ok := priorityFromWire[w]
		assert.True(t, ok, "wire level %d", w)
	}
}

func TestTelemetryToModelMaterializesGroups(t *testing.T) {
	s := telemetryToModel("uav-12", &wireTelemetry{
		Lat:    f64(47.6),
		Lon:    f64(-122.3),
		AltMSL: f64(120),
	})
	require.NotNil(t, s.Position)
	assert.Equal(t, 47.6, s.Position.Lat)
	assert.Nil(t, s.Motion, "absent groups stay nil")
	assert.Nil(t, s.Systems)

	s = telemetryToModel("uav-12", &wireTelemetry{BatteryV: f64(14.8), Signal: f64(-72)})
	assert.Nil(t, s.Position)
	require.NotNil(t, s.Systems)
	assert.Equal(t, 14.8, s.Systems.BatteryVoltage)
	assert.Equal(t, -72.0, s.Systems.SignalStrength)
}
