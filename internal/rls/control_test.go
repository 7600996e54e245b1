package rls

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/uesim/ue-sim/internal/rlspdu"
)

type fakeClock struct{ now int64 }

func (c *fakeClock) NowMillis() int64 { return c.now }

type recordingSender struct {
	sent []sentPdu
}

type sentPdu struct {
	cellID uint32
	buf    []byte
}

func (s *recordingSender) SendToCell(cellID uint32, buf []byte) error {
	s.sent = append(s.sent, sentPdu{cellID, append([]byte(nil), buf...)})
	return nil
}

type recordingDownlink struct {
	calls []struct {
		cellID  uint32
		channel uint32
		bytes   []byte
	}
}

func (r *recordingDownlink) HandleDownlinkRrc(cellID uint32, channel uint32, bytes []byte) {
	r.calls = append(r.calls, struct {
		cellID  uint32
		channel uint32
		bytes   []byte
	}{cellID, channel, bytes})
}

type recordingData struct {
	writes map[uint32][][]byte
}

func (r *recordingData) WriteData(psi uint32, bytes []byte) error {
	if r.writes == nil {
		r.writes = make(map[uint32][][]byte)
	}
	r.writes[psi] = append(r.writes[psi], bytes)
	return nil
}

type recordingFailures struct {
	cellIDs []uint32
}

func (r *recordingFailures) HandleDeliveryFailure(cellID uint32) {
	r.cellIDs = append(r.cellIDs, cellID)
}

func newTestControl() (*Control, *recordingSender, *recordingDownlink, *recordingData, *recordingFailures, *fakeClock) {
	sender := &recordingSender{}
	downlink := &recordingDownlink{}
	data := &recordingData{}
	failures := &recordingFailures{}
	clk := &fakeClock{}
	ctl := NewControl(1, sender, downlink, data, failures, clk, zerolog.Nop())
	return ctl, sender, downlink, data, failures, clk
}

func TestPduIDsMonotonic(t *testing.T) {
	ctl, _, _, _, _, _ := newTestControl()
	require.NoError(t, ctl.HandleUplinkRrcDelivery(1, 5, []byte("a")))
	require.NoError(t, ctl.HandleUplinkRrcDelivery(1, 5, []byte("b")))
	require.NoError(t, ctl.HandleUplinkDataDelivery(1, 9, []byte("c")))

	var ids []uint32
	for id := range ctl.pendingAcks {
		ids = append(ids, id)
	}
	require.ElementsMatch(t, []uint32{1, 2, 3}, ids)
}

func TestAckBatchingOrder(t *testing.T) {
	ctl, sender, downlink, _, _, _ := newTestControl()

	pdu1 := rlspdu.PduTransmissionPDU{Type: rlspdu.PduTypeRRC, PduID: 41, Payload: 2, PDU: []byte("x")}
	pdu2 := rlspdu.PduTransmissionPDU{Type: rlspdu.PduTypeRRC, PduID: 42, Payload: 2, PDU: []byte("y")}

	_, _, body1, _ := rlspdu.DecodeHeader(pdu1.Encode(nil))
	_, _, body2, _ := rlspdu.DecodeHeader(pdu2.Encode(nil))

	ctl.HandleRlsMessage(7, rlspdu.PduTransmission, body1)
	ctl.HandleRlsMessage(7, rlspdu.PduTransmission, body2)

	require.Len(t, downlink.calls, 2)

	ctl.RunAckSend()
	require.Len(t, sender.sent, 1)

	_, _, ackBody, err := rlspdu.DecodeHeader(sender.sent[0].buf)
	require.NoError(t, err)
	ack, err := rlspdu.DecodePduTransmissionAck(0, ackBody)
	require.NoError(t, err)
	require.Equal(t, []uint32{41, 42}, ack.PduIDs)

	// second flush with nothing pending sends nothing more.
	ctl.RunAckSend()
	require.Len(t, sender.sent, 1)
}

func TestInboundAckClearsPending(t *testing.T) {
	ctl, _, _, _, _, _ := newTestControl()
	require.NoError(t, ctl.HandleUplinkRrcDelivery(1, 5, []byte("a")))
	require.Equal(t, 1, ctl.PendingCount())

	ackPdu := rlspdu.PduTransmissionAckPDU{PduIDs: []uint32{1, 999}}
	_, _, body, _ := rlspdu.DecodeHeader(ackPdu.Encode(nil))
	ctl.HandleRlsMessage(1, rlspdu.PduTransmissionAck, body)

	require.Equal(t, 0, ctl.PendingCount(), "unknown ids are ignored, known ids cleared")
}

func TestRetryThenDeliveryFailure(t *testing.T) {
	ctl, sender, _, _, failures, clk := newTestControl()
	require.NoError(t, ctl.HandleUplinkRrcDelivery(1, 5, []byte("a")))
	require.Len(t, sender.sent, 1)

	for i := 0; i < MaxRetries; i++ {
		clk.now += 10_000
		ctl.RunAckControl()
	}
	require.Equal(t, 1, ctl.PendingCount(), "entry still pending until one more scan exceeds the cap")

	clk.now += 10_000
	ctl.RunAckControl()
	require.Equal(t, 0, ctl.PendingCount())
	require.Equal(t, []uint32{1}, failures.cellIDs)
}

func TestAssignCurrentCellClearsOldPending(t *testing.T) {
	ctl, _, _, _, _, _ := newTestControl()
	require.NoError(t, ctl.HandleUplinkRrcDelivery(3, 5, []byte("a")))
	ctl.ackOutbox[3] = []uint32{100}

	ctl.AssignCurrentCell(3)
	require.NoError(t, ctl.HandleUplinkRrcDelivery(4, 5, []byte("b")))

	ctl.AssignCurrentCell(4)

	for _, p := range ctl.pendingAcks {
		require.NotEqual(t, uint32(3), p.cellID, "no pending ack may still target the previous cell")
	}
	require.NotContains(t, ctl.ackOutbox, uint32(3))
}
