package rls

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/uesim/ue-sim/internal/clock"
	"github.com/uesim/ue-sim/internal/rlspdu"
)

// AckSendPeriodMillis is the RLS_ACK_SEND timer: how often a batch of
// accumulated inbound PDU ids is flushed as one ack per cell.
const AckSendPeriodMillis = 2250

// AckControlPeriodMillis is the RLS_ACK_CONTROL timer: how often
// pending outbound PDUs are scanned for retransmission.
const AckControlPeriodMillis = 1500

// MaxRetries is the per-PDU retry cap before a delivery is abandoned.
const MaxRetries = 3

// CellSender transmits an already-encoded buffer to the peer behind a
// cell id. Implemented by UDPLayer.
type CellSender interface {
	SendToCell(cellID uint32, buf []byte) error
}

// RRCDownlink receives decoded RRC PDUs from the control layer.
type RRCDownlink interface {
	HandleDownlinkRrc(cellID uint32, channel uint32, bytes []byte)
}

// DataSink receives decoded user-plane PDUs, addressed by PSI.
type DataSink interface {
	WriteData(psi uint32, bytes []byte) error
}

// DeliveryFailureSink is notified when a pending ack exceeds its retry
// budget; RRC uses this as a potential radio-link-failure signal.
type DeliveryFailureSink interface {
	HandleDeliveryFailure(cellID uint32)
}

type pendingAck struct {
	payloadType     rlspdu.PduType
	cellID          uint32
	channelOrPsi    uint32
	bytes           []byte
	firstSentMillis int64
	nextRetryMillis int64
	retries         int
	backoff         *backoff.ExponentialBackOff
}

// Control is component D: the delivery engine that assigns PDU ids,
// batches acks, and retransmits unacknowledged PDUs.
type Control struct {
	sti          uint64
	sender       CellSender
	rrcDownlink  RRCDownlink
	data         DataSink
	failures     DeliveryFailureSink
	clock        clock.Clock
	log          zerolog.Logger
	pduIDCounter uint32
	pendingAcks  map[uint32]*pendingAck
	ackOutbox    map[uint32][]uint32
	activeCellID uint32
}

func NewControl(sti uint64, sender CellSender, rrcDownlink RRCDownlink, data DataSink, failures DeliveryFailureSink, clk clock.Clock, log zerolog.Logger) *Control {
	return &Control{
		sti:         sti,
		sender:      sender,
		rrcDownlink: rrcDownlink,
		data:        data,
		failures:    failures,
		clock:       clk,
		log:         log.With().Str("component", "rls-control").Logger(),
		pendingAcks: make(map[uint32]*pendingAck),
		ackOutbox:   make(map[uint32][]uint32),
	}
}

func newRetryBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = AckControlPeriodMillis * time.Millisecond
	b.MaxInterval = AckSendPeriodMillis * time.Millisecond
	b.Multiplier = 1.5
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// HandleUplinkRrcDelivery stamps and sends an RRC PDU to cellID.
func (c *Control) HandleUplinkRrcDelivery(cellID uint32, channel uint32, bytes []byte) error {
	return c.sendPdu(cellID, rlspdu.PduTypeRRC, channel, bytes)
}

// HandleUplinkDataDelivery stamps and sends a user-plane PDU, tagged
// with the PDU session identifier it originated from.
func (c *Control) HandleUplinkDataDelivery(cellID uint32, psi uint32, bytes []byte) error {
	return c.sendPdu(cellID, rlspdu.PduTypeData, psi, bytes)
}

func (c *Control) sendPdu(cellID uint32, pduType rlspdu.PduType, channelOrPsi uint32, bytes []byte) error {
	if c.pduIDCounter == ^uint32(0) {
		panic("rls: pdu id counter overflow")
	}
	c.pduIDCounter++
	pduID := c.pduIDCounter

	pdu := rlspdu.PduTransmissionPDU{
		STI:     c.sti,
		Type:    pduType,
		PduID:   pduID,
		Payload: channelOrPsi,
		PDU:     bytes,
	}
	buf := pdu.Encode(nil)
	if err := c.sender.SendToCell(cellID, buf); err != nil {
		return err
	}

	now := c.clock.NowMillis()
	c.pendingAcks[pduID] = &pendingAck{
		payloadType:     pduType,
		cellID:          cellID,
		channelOrPsi:    channelOrPsi,
		bytes:           buf,
		firstSentMillis: now,
		nextRetryMillis: now + AckControlPeriodMillis,
		backoff:         newRetryBackoff(),
	}
	return nil
}

// RunAckSend is the RLS_ACK_SEND timer body: flush one batched ack per
// cell with a non-empty outbox.
func (c *Control) RunAckSend() {
	for cellID, ids := range c.ackOutbox {
		if len(ids) == 0 {
			continue
		}
		ack := rlspdu.PduTransmissionAckPDU{STI: c.sti, PduIDs: append([]uint32(nil), ids...)}
		buf := ack.Encode(nil)
		if err := c.sender.SendToCell(cellID, buf); err != nil {
			c.log.Error().Err(err).Uint32("cell", cellID).Msg("failed to send pdu-transmission-ack")
		}
		delete(c.ackOutbox, cellID)
	}
}

// RunAckControl is the RLS_ACK_CONTROL timer body: resend pending PDUs
// past their retry deadline, dropping and reporting any past the cap.
func (c *Control) RunAckControl() {
	now := c.clock.NowMillis()
	for pduID, p := range c.pendingAcks {
		if now < p.nextRetryMillis {
			continue
		}
		if p.retries >= MaxRetries {
			delete(c.pendingAcks, pduID)
			c.failures.HandleDeliveryFailure(p.cellID)
			continue
		}
		if err := c.sender.SendToCell(p.cellID, p.bytes); err != nil {
			c.log.Error().Err(err).Uint32("cell", p.cellID).Msg("retransmit failed")
		}
		p.retries++
		p.nextRetryMillis = now + int64(p.backoff.NextBackOff()/time.Millisecond)
	}
}

// HandleRlsMessage is the inbound dispatch from the UDP layer for
// non-heartbeat messages from a known cell.
func (c *Control) HandleRlsMessage(cellID uint32, msgType rlspdu.MsgType, body []byte) {
	switch msgType {
	case rlspdu.PduTransmission:
		pdu, err := rlspdu.DecodePduTransmission(0, body)
		if err != nil {
			c.log.Error().Err(err).Msg("malformed pdu-transmission, dropping")
			return
		}
		c.ackOutbox[cellID] = append(c.ackOutbox[cellID], pdu.PduID)
		switch pdu.Type {
		case rlspdu.PduTypeRRC:
			c.rrcDownlink.HandleDownlinkRrc(cellID, pdu.Payload, pdu.PDU)
		case rlspdu.PduTypeData:
			if err := c.data.WriteData(pdu.Payload, pdu.PDU); err != nil {
				c.log.Error().Err(err).Msg("failed to write data pdu to tun")
			}
		}
	case rlspdu.PduTransmissionAck:
		ack, err := rlspdu.DecodePduTransmissionAck(0, body)
		if err != nil {
			c.log.Error().Err(err).Msg("malformed pdu-transmission-ack, dropping")
			return
		}
		for _, id := range ack.PduIDs {
			delete(c.pendingAcks, id) // unknown ids: already timed out, ignore
		}
	}
}

// AssignCurrentCell is called by RRC when the active serving cell
// changes. Spec §4.D: pending acks targeting the previous cell are no
// longer deliverable and must be cleared; its ack outbox is dropped
// silently.
func (c *Control) AssignCurrentCell(cellID uint32) {
	old := c.activeCellID
	c.activeCellID = cellID
	if old == cellID || old == 0 {
		return
	}
	for pduID, p := range c.pendingAcks {
		if p.cellID == old {
			delete(c.pendingAcks, pduID)
		}
	}
	delete(c.ackOutbox, old)
}

// PendingCount is exposed for tests asserting the ack-retry invariants.
func (c *Control) PendingCount() int {
	return len(c.pendingAcks)
}
