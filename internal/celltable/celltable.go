// Package celltable keeps the per-UE bookkeeping of observed remote
// radio endpoints (gNBs), keyed by their sender transport identifier
// (STI), with a bijective mapping to locally assigned cell ids.
package celltable

import "net"

// HeartbeatThresholdMillis is the silence duration after which a cell
// is considered gone.
const HeartbeatThresholdMillis = 2000

// CellInfo is the bookkeeping record for one observed remote STI.
type CellInfo struct {
	STI      uint64
	Addr     net.Addr
	LastSeen int64 // monotonic milliseconds
	Dbm      int32
	DbmKnown bool
	CellID   uint32
}

// Table maintains the sti<->cellId bijection described in spec §4.B.
// It is not safe for concurrent use; callers run it from a single
// owning goroutine (the UE task loop).
type Table struct {
	bySTI    map[uint64]*CellInfo
	byCellID map[uint32]uint64
	nextID   uint32
}

func New() *Table {
	return &Table{
		bySTI:    make(map[uint64]*CellInfo),
		byCellID: make(map[uint32]uint64),
	}
}

// UpsertFromAck registers or refreshes the cell for sti, reporting its
// cell id and whether dbm differs from the previously known value.
func (t *Table) UpsertFromAck(sti uint64, addr net.Addr, nowMs int64, dbm int32) (cellID uint32, dbmChanged bool) {
	ci, ok := t.bySTI[sti]
	if !ok {
		t.nextID++
		ci = &CellInfo{STI: sti, CellID: t.nextID}
		t.bySTI[sti] = ci
		t.byCellID[ci.CellID] = sti
	}
	ci.Addr = addr
	ci.LastSeen = nowMs
	dbmChanged = !ci.DbmKnown || ci.Dbm != dbm
	ci.Dbm = dbm
	ci.DbmKnown = true
	return ci.CellID, dbmChanged
}

// Expire removes and returns every cell whose last-seen age exceeds
// HeartbeatThresholdMillis as of nowMs.
func (t *Table) Expire(nowMs int64) []uint32 {
	var expired []uint32
	for sti, ci := range t.bySTI {
		if nowMs-ci.LastSeen > HeartbeatThresholdMillis {
			expired = append(expired, ci.CellID)
			delete(t.bySTI, sti)
			delete(t.byCellID, ci.CellID)
		}
	}
	return expired
}

// LookupSTI returns the cell info for sti, if known.
func (t *Table) LookupSTI(sti uint64) (*CellInfo, bool) {
	ci, ok := t.bySTI[sti]
	return ci, ok
}

// LookupCellID returns the cell info for cellID, if known.
func (t *Table) LookupCellID(cellID uint32) (*CellInfo, bool) {
	sti, ok := t.byCellID[cellID]
	if !ok {
		return nil, false
	}
	return t.bySTI[sti], true
}

// KnownSTI reports whether sti has ever sent a heartbeat-ack.
func (t *Table) KnownSTI(sti uint64) bool {
	_, ok := t.bySTI[sti]
	return ok
}
