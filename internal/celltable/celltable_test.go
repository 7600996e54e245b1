package celltable

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func addr(port int) net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
}

func TestUpsertAssignsMonotonicCellIDs(t *testing.T) {
	tbl := New()

	id1, changed1 := tbl.UpsertFromAck(1, addr(1), 0, -80)
	require.Equal(t, uint32(1), id1)
	require.True(t, changed1)

	id2, _ := tbl.UpsertFromAck(2, addr(2), 0, -90)
	require.Equal(t, uint32(2), id2)

	idAgain, changed := tbl.UpsertFromAck(1, addr(1), 100, -80)
	require.Equal(t, id1, idAgain)
	require.False(t, changed, "same dbm should not report a change")

	idAgain2, changed2 := tbl.UpsertFromAck(1, addr(1), 200, -81)
	require.Equal(t, id1, idAgain2)
	require.True(t, changed2)
}

func TestBijectionInvariant(t *testing.T) {
	tbl := New()
	for sti := uint64(1); sti <= 5; sti++ {
		tbl.UpsertFromAck(sti, addr(int(sti)), 0, -80)
	}
	for sti := uint64(1); sti <= 5; sti++ {
		ci, ok := tbl.LookupSTI(sti)
		require.True(t, ok)
		back, ok := tbl.LookupCellID(ci.CellID)
		require.True(t, ok)
		require.Equal(t, sti, back.STI)
	}
}

func TestExpireBoundary(t *testing.T) {
	tbl := New()
	tbl.UpsertFromAck(1, addr(1), 0, -80)

	require.Empty(t, tbl.Expire(HeartbeatThresholdMillis))

	expired := tbl.Expire(HeartbeatThresholdMillis + 1)
	require.Equal(t, []uint32{1}, expired)
	require.False(t, tbl.KnownSTI(1))

	_, ok := tbl.LookupCellID(1)
	require.False(t, ok, "reverse index must be removed with the forward entry")
}

func TestCellIDsNeverReused(t *testing.T) {
	tbl := New()
	tbl.UpsertFromAck(1, addr(1), 0, -80)
	tbl.Expire(HeartbeatThresholdMillis + 1)

	id, _ := tbl.UpsertFromAck(2, addr(2), 0, -80)
	require.Equal(t, uint32(2), id, "cell ids must keep increasing, never reuse a freed id")
}
