package rls

import (
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/uesim/ue-sim/internal/rlspdu"
)

type recordingSignalSink struct {
	changes []struct {
		cellID uint32
		dbm    int32
	}
}

func (r *recordingSignalSink) HandleCellSignalChange(cellID uint32, dbm int32) {
	r.changes = append(r.changes, struct {
		cellID uint32
		dbm    int32
	}{cellID, dbm})
}

type noopMessages struct{}

func (noopMessages) HandleRlsMessage(cellID uint32, msgType rlspdu.MsgType, body []byte) {}

type capturingSender struct {
	sent [][]byte
}

func (s *capturingSender) SendTo(addr net.Addr, buf []byte) error {
	s.sent = append(s.sent, append([]byte(nil), buf...))
	return nil
}

func gnbAddr() net.Addr { return &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 4997} }

func TestDiscoveryRegistersCellAndNotifiesRRC(t *testing.T) {
	signals := &recordingSignalSink{}
	sender := &capturingSender{}
	clk := &fakeClock{now: 0}

	udp := NewUDPLayer(0xabc, []SearchSpaceEntry{{Addr: gnbAddr()}}, sender, signals, noopMessages{}, clk, zerolog.Nop())

	udp.CheckHeartbeat()
	require.Len(t, sender.sent, 1, "one heartbeat per search-space entry")

	gnbSTI := uint64(99)
	ack := rlspdu.HeartbeatAckPDU{STI: gnbSTI, Dbm: -80}
	udp.ReceiveRlsPdu(gnbAddr(), ack.Encode(nil))

	require.Len(t, signals.changes, 1)
	require.Equal(t, uint32(1), signals.changes[0].cellID)
	require.Equal(t, int32(-80), signals.changes[0].dbm)

	ci, ok := udp.Table().LookupCellID(1)
	require.True(t, ok)
	require.Equal(t, gnbSTI, ci.STI)
}

func TestDropOnSilence(t *testing.T) {
	signals := &recordingSignalSink{}
	sender := &capturingSender{}
	clk := &fakeClock{now: 0}

	udp := NewUDPLayer(0xabc, []SearchSpaceEntry{{Addr: gnbAddr()}}, sender, signals, noopMessages{}, clk, zerolog.Nop())

	ack := rlspdu.HeartbeatAckPDU{STI: 99, Dbm: -80}
	udp.ReceiveRlsPdu(gnbAddr(), ack.Encode(nil))
	require.True(t, udp.Table().KnownSTI(99))

	clk.now = 2001
	udp.CheckHeartbeat()

	require.False(t, udp.Table().KnownSTI(99))
	require.Len(t, signals.changes, 2, "one for the ack-driven detect, one for the silence-driven loss")
	last := signals.changes[len(signals.changes)-1]
	require.Equal(t, uint32(1), last.cellID)
	require.True(t, last.dbm <= -120)
}

func TestUnknownPeerControlTrafficDroppedSilently(t *testing.T) {
	var messages []rlspdu.MsgType
	sink := messageRecorder(func(cellID uint32, msgType rlspdu.MsgType, body []byte) {
		messages = append(messages, msgType)
	})
	signals := &recordingSignalSink{}
	sender := &capturingSender{}
	clk := &fakeClock{now: 0}

	udp := NewUDPLayer(1, nil, sender, signals, sink, clk, zerolog.Nop())

	pdu := rlspdu.PduTransmissionPDU{STI: 55, Type: rlspdu.PduTypeRRC, PduID: 1, Payload: 1, PDU: []byte("x")}
	udp.ReceiveRlsPdu(gnbAddr(), pdu.Encode(nil))

	require.Empty(t, messages, "pdu from an undiscovered sti must be dropped silently")
}

type messageRecorder func(cellID uint32, msgType rlspdu.MsgType, body []byte)

func (f messageRecorder) HandleRlsMessage(cellID uint32, msgType rlspdu.MsgType, body []byte) {
	f(cellID, msgType, body)
}
