// Package rls implements the radio-link simulation: the UDP discovery
// layer (heartbeats, cell add/drop) and the control layer above it
// (PDU id assignment, ack batching, retransmission).
package rls

import (
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"github.com/uesim/ue-sim/internal/celltable"
	"github.com/uesim/ue-sim/internal/clock"
	"github.com/uesim/ue-sim/internal/rlspdu"
)

// LoopPeriodMillis is the minimum spacing between two heartbeat cycles.
const LoopPeriodMillis = 1000

// SignalSink receives cell detection, loss, and signal-change
// notifications from the UDP layer. Implemented by internal/rrc.
type SignalSink interface {
	HandleCellSignalChange(cellID uint32, dbm int32)
}

// MessageSink receives every non-heartbeat RLS message from a known
// peer. Implemented by Control.
type MessageSink interface {
	HandleRlsMessage(cellID uint32, msgType rlspdu.MsgType, body []byte)
}

// Sender transmits a raw datagram to addr, picking the socket family
// that matches it.
type Sender interface {
	SendTo(addr net.Addr, buf []byte) error
}

// SearchSpaceEntry is one statically configured gNB candidate.
type SearchSpaceEntry struct {
	Addr net.Addr
}

// SimPosition is the simulated 3D position reported in heartbeats.
type SimPosition struct {
	X, Y, Z float64
}

// UDPLayer is component C from the design: the cell-discovery engine.
type UDPLayer struct {
	sti         uint64
	searchSpace []SearchSpaceEntry
	pos         SimPosition
	sender      Sender
	table       *celltable.Table
	signals     SignalSink
	messages    MessageSink
	clock       clock.Clock
	log         zerolog.Logger
	lastCycleMillis int64
}

// NewUDPLayer constructs the discovery engine for one UE.
func NewUDPLayer(sti uint64, searchSpace []SearchSpaceEntry, sender Sender, signals SignalSink, messages MessageSink, clk clock.Clock, log zerolog.Logger) *UDPLayer {
	return &UDPLayer{
		sti:         sti,
		searchSpace: searchSpace,
		sender:      sender,
		table:       celltable.New(),
		signals:     signals,
		messages:    messages,
		clock:       clk,
		log:         log.With().Str("component", "rls-udp").Logger(),
		// Guarantees the first CheckHeartbeat call always runs its cycle,
		// regardless of what the clock reads at construction time.
		lastCycleMillis: -LoopPeriodMillis,
	}
}

// SetPosition updates the simulated position carried in future heartbeats.
func (u *UDPLayer) SetPosition(pos SimPosition) {
	u.pos = pos
}

// Table exposes the underlying cell table for read-only inspection.
// RRC does not use it: RRC only ever sees cell ids and dbm through
// SignalSink.
func (u *UDPLayer) Table() *celltable.Table {
	return u.table
}

// CheckHeartbeat runs one heartbeat cycle: expire stale cells, notify
// RRC of the loss, then emit a heartbeat to every search-space entry.
// Spec §4.C: called on every task loop iteration; it returns without
// doing anything unless LoopPeriodMillis have passed since the last
// cycle it ran.
func (u *UDPLayer) CheckHeartbeat() {
	now := u.clock.NowMillis()
	if now-u.lastCycleMillis < LoopPeriodMillis {
		return
	}
	u.lastCycleMillis = now

	for _, cellID := range u.table.Expire(now) {
		u.signals.HandleCellSignalChange(cellID, signalLostDbm)
	}

	buf := make([]byte, 0, 64)
	hb := rlspdu.HeartbeatPDU{STI: u.sti, X: u.pos.X, Y: u.pos.Y, Z: u.pos.Z}
	buf = hb.Encode(buf[:0])
	for _, entry := range u.searchSpace {
		if err := u.sender.SendTo(entry.Addr, buf); err != nil {
			u.log.Error().Err(err).Stringer("addr", addrStringer{entry.Addr}).Msg("failed to send heartbeat")
		}
	}
}

// signalLostDbm is the sentinel passed to HandleCellSignalChange when a
// cell is declared gone by heartbeat silence rather than by an observed
// weak reading. Any value below the -120 dBm "considered lost"
// threshold from spec §4.E works; this one is comfortably below it.
const signalLostDbm = int32(-1000)

// ReceiveRlsPdu decodes and dispatches one inbound datagram, per spec §4.C.
func (u *UDPLayer) ReceiveRlsPdu(addr net.Addr, raw []byte) {
	msgType, sti, body, err := rlspdu.DecodeHeader(raw)
	if err != nil {
		u.log.Error().Err(err).Msg("malformed rls header, dropping")
		return
	}
	if rlspdu.IsReserved(msgType) {
		return
	}

	if msgType == rlspdu.HeartbeatAck {
		ack, err := rlspdu.DecodeHeartbeatAck(sti, body)
		if err != nil {
			u.log.Error().Err(err).Msg("malformed heartbeat-ack, dropping")
			return
		}
		cellID, changed := u.table.UpsertFromAck(sti, addr, u.clock.NowMillis(), ack.Dbm)
		if changed {
			u.signals.HandleCellSignalChange(cellID, ack.Dbm)
		}
		return
	}

	ci, known := u.table.LookupSTI(sti)
	if !known {
		// Non-discovered peer attempting to inject control traffic.
		return
	}
	u.messages.HandleRlsMessage(ci.CellID, msgType, body)
}

// SendToCell implements CellSender for the control layer above.
func (u *UDPLayer) SendToCell(cellID uint32, buf []byte) error {
	ci, ok := u.table.LookupCellID(cellID)
	if !ok {
		return fmt.Errorf("rls: no known address for cell %d", cellID)
	}
	return u.sender.SendTo(ci.Addr, buf)
}

type addrStringer struct{ a net.Addr }

func (s addrStringer) String() string {
	if s.a == nil {
		return "<nil>"
	}
	return s.a.String()
}
