package rrc

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now int64 }

func (c *fakeClock) NowMillis() int64 { return c.now }

type recordingRlsCtl struct {
	assigned []uint32
}

func (r *recordingRlsCtl) AssignCurrentCell(cellID uint32) { r.assigned = append(r.assigned, cellID) }
func (r *recordingRlsCtl) HandleUplinkRrcDelivery(cellID uint32, channel uint32, bytes []byte) error {
	return nil
}

type recordingNAS struct {
	activeChanges []ActiveCellInfo
	rlfCauses     []string
}

func (r *recordingNAS) HandleActiveCellChange(active ActiveCellInfo) {
	r.activeChanges = append(r.activeChanges, active)
}
func (r *recordingNAS) HandleRadioLinkFailure(cause string) {
	r.rlfCauses = append(r.rlfCauses, cause)
}

func newTestMachine(plmn string) (*Machine, *recordingRlsCtl, *recordingNAS, *fakeClock) {
	rlsCtl := &recordingRlsCtl{}
	nas := &recordingNAS{}
	clk := &fakeClock{}
	m := NewMachine(plmn, rlsCtl, nas, nil, clk, zerolog.Nop())
	return m, rlsCtl, nas, clk
}

func known(m *Machine, cellID uint32, dbm int32, plmn string, tac uint32, barred, reserved bool) {
	m.HandleCellSignalChange(cellID, dbm)
	m.HandleMib(cellID, Mib{Barred: barred})
	m.HandleSib1(cellID, Sib1{PLMN: plmn, TAC: tac, Reserved: reserved})
}

func TestSuitableBeatsAcceptable(t *testing.T) {
	m, rlsCtl, _, clk := newTestMachine("001")
	clk.now = 10_000

	known(m, 1, -100, "001", 1, false, false) // X: selected plmn, weaker signal
	known(m, 2, -60, "999", 1, false, false)  // Y: other plmn, stronger signal

	m.RunSelection()

	require.Equal(t, uint32(1), m.ActiveCell().CellID)
	require.Equal(t, CategorySuitable, m.ActiveCell().Category)
	require.Equal(t, []uint32{1}, rlsCtl.assigned)
}

func TestAcceptableFallback(t *testing.T) {
	m, _, _, clk := newTestMachine("001")
	clk.now = 10_000

	known(m, 1, -90, "777", 1, false, false)
	known(m, 2, -95, "888", 1, false, false)

	m.RunSelection()

	require.Equal(t, uint32(1), m.ActiveCell().CellID)
	require.Equal(t, CategoryAcceptable, m.ActiveCell().Category)
}

func TestBarredCellExcluded(t *testing.T) {
	m, _, _, clk := newTestMachine("001")
	clk.now = 10_000

	known(m, 1, -60, "001", 1, true, false) // barred, best signal
	known(m, 2, -90, "001", 1, false, false)

	m.RunSelection()
	require.Equal(t, uint32(2), m.ActiveCell().CellID)
}

func TestForbiddenTaiExcluded(t *testing.T) {
	m, _, _, clk := newTestMachine("001")
	clk.now = 10_000
	m.AddForbiddenTAI("roaming", Tai{PLMN: "001", TAC: 1})

	known(m, 1, -60, "001", 1, false, false)
	known(m, 2, -90, "001", 2, false, false)

	m.RunSelection()
	require.Equal(t, uint32(2), m.ActiveCell().CellID)
}

func TestRadioLinkFailureOnActiveCellLoss(t *testing.T) {
	m, rlsCtl, nas, clk := newTestMachine("001")
	clk.now = 10_000

	known(m, 3, -90, "001", 1, false, false)
	m.RunSelection()
	require.Equal(t, uint32(3), m.ActiveCell().CellID)
	require.Equal(t, StateIdle, m.State())

	m.SetState(StateConnected)
	m.HandleCellSignalChange(3, -130)

	require.Equal(t, []string{CauseSignalLostToConnectedCell}, nas.rlfCauses)
	require.Equal(t, uint32(0), m.ActiveCell().CellID)
	require.Equal(t, StateIdle, m.State())
	require.Equal(t, []uint32{3, 0}, rlsCtl.assigned)
}

func TestSignalLostBoundary(t *testing.T) {
	m, _, _, _ := newTestMachine("001")
	m.HandleCellSignalChange(1, -120)
	_, known := m.cells[1]
	require.False(t, known, "-120 dBm is considered lost")

	m.HandleCellSignalChange(2, -119)
	_, known = m.cells[2]
	require.True(t, known, "-119 dBm is not lost")
}

func TestHasRadioResourcesGatesOnActiveCellAndState(t *testing.T) {
	m, _, _, clk := newTestMachine("001")
	clk.now = 10_000
	known(m, 1, -90, "001", 1, false, false)
	m.RunSelection()

	require.False(t, m.HasRadioResources(1), "not connected yet")

	m.SetState(StateConnected)
	require.True(t, m.HasRadioResources(1))
	require.False(t, m.HasRadioResources(2))
}
