// Package rrc implements the cell-selection state machine: component E
// from the design. It consumes signal notifications (cell id and dbm)
// from the RLS UDP layer, maintains one CellDesc per known cell, and
// drives the active serving cell.
package rrc

import (
	"github.com/rs/zerolog"

	"github.com/uesim/ue-sim/internal/clock"
)

// State is the RRC connectivity state.
type State int

const (
	StateIdle State = iota
	StateConnected
	StateInactive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "RRC_IDLE"
	case StateConnected:
		return "RRC_CONNECTED"
	case StateInactive:
		return "RRC_INACTIVE"
	default:
		return "RRC_UNKNOWN"
	}
}

// Category classifies why a cell was selected.
type Category int

const (
	CategoryNone Category = iota
	CategorySuitable
	CategoryAcceptable
)

// SignalLostDbmThreshold: dbm at or below this is "considered lost"
// (-120 itself is lost; -119 is not, per the boundary property).
const SignalLostDbmThreshold = -120

// Tai identifies a tracking area: PLMN + TAC.
type Tai struct {
	PLMN string
	TAC  uint32
}

// Mib is the parsed master information block for a cell.
type Mib struct {
	Barred bool
}

// Sib1 is the parsed system information block 1 for a cell.
type Sib1 struct {
	PLMN     string
	TAC      uint32
	Reserved bool
}

// CellDesc is the RRC view of one known cell id, per spec §3.
type CellDesc struct {
	CellID   uint32
	Dbm      int32
	HasMib   bool
	Mib      Mib
	HasSib1  bool
	Sib1     Sib1
}

func (d *CellDesc) tai() Tai {
	return Tai{PLMN: d.Sib1.PLMN, TAC: d.Sib1.TAC}
}

// ActiveCellInfo is the zero-or-active serving cell record.
type ActiveCellInfo struct {
	CellID   uint32
	PLMN     string
	TAC      uint32
	Category Category
}

// RlsControl is the subset of the RLS control layer RRC drives.
type RlsControl interface {
	AssignCurrentCell(cellID uint32)
	HandleUplinkRrcDelivery(cellID uint32, channel uint32, bytes []byte) error
}

// NASSink receives active-cell-change notifications and radio link
// failure events. Implemented by the NAS/session boundary.
type NASSink interface {
	HandleActiveCellChange(active ActiveCellInfo)
	HandleRadioLinkFailure(cause string)
}

// RLF causes.
const CauseSignalLostToConnectedCell = "SIGNAL_LOST_TO_CONNECTED_CELL"

// Machine is component E: the cell-selection state machine.
type Machine struct {
	state           State
	selectedPLMN    string
	hasSelectedPLMN bool
	forbiddenTAIRoaming    map[Tai]bool
	forbiddenTAIRegulatory map[Tai]bool
	advertisedPLMNs map[string]bool

	cells map[uint32]*CellDesc
	active ActiveCellInfo

	rlsCtl RlsControl
	nas    NASSink
	codec  Codec
	clock  clock.Clock
	log    zerolog.Logger

	startMillis        int64
	lastNoCellsWarn    int64
	lastNoPlmnWarn     int64
}

// Codec decodes broadcast RRC channels into the MIB/SIB1 fields the
// selection algorithm needs. Real ASN.1 RRC encoding is out of scope
// (spec §1); this is the bytes-in/bytes-out seam a concrete stand-in
// plugs into.
type Codec interface {
	DecodeBroadcast(channel uint32, bytes []byte) (mib *Mib, sib1 *Sib1, err error)
}

// NewMachine constructs the selection state machine for one UE.
func NewMachine(selectedPLMN string, rlsCtl RlsControl, nas NASSink, codec Codec, clk clock.Clock, log zerolog.Logger) *Machine {
	return &Machine{
		state:                  StateIdle,
		selectedPLMN:           selectedPLMN,
		hasSelectedPLMN:        selectedPLMN != "",
		forbiddenTAIRoaming:    make(map[Tai]bool),
		forbiddenTAIRegulatory: make(map[Tai]bool),
		advertisedPLMNs:        make(map[string]bool),
		cells:                  make(map[uint32]*CellDesc),
		rlsCtl:                 rlsCtl,
		nas:                    nas,
		codec:                  codec,
		clock:                  clk,
		log:                    log.With().Str("component", "rrc").Logger(),
		startMillis:            clk.NowMillis(),
	}
}

// AddForbiddenTAI registers a tracking area the UE must never select
// into, under the named list ("roaming" or "regulatory").
func (m *Machine) AddForbiddenTAI(list string, tai Tai) {
	switch list {
	case "roaming":
		m.forbiddenTAIRoaming[tai] = true
	case "regulatory":
		m.forbiddenTAIRegulatory[tai] = true
	}
}

// State returns the current connectivity state.
func (m *Machine) State() State { return m.state }

// SetState transitions the state machine; selection only runs while
// not StateConnected.
func (m *Machine) SetState(s State) { m.state = s }

// ActiveCell returns the current serving cell, zero if none.
func (m *Machine) ActiveCell() ActiveCellInfo { return m.active }

// HasRadioResources reports whether cellID is currently usable for
// uplink data: it must be non-zero, be the active cell, and the state
// must be StateConnected. This is the
// gate design note §9 asks for beyond plain CM-state checks.
func (m *Machine) HasRadioResources(cellID uint32) bool {
	return cellID != 0 && cellID == m.active.CellID && m.state == StateConnected
}

// HandleCellSignalChange is called by the RLS UDP layer whenever a
// cell's signal reading changes, or it is declared lost by silence.
func (m *Machine) HandleCellSignalChange(cellID uint32, dbm int32) {
	lost := dbm <= SignalLostDbmThreshold
	desc, known := m.cells[cellID]

	switch {
	case !known && !lost:
		desc = &CellDesc{CellID: cellID, Dbm: dbm}
		m.cells[cellID] = desc
		m.log.Info().Uint32("cell", cellID).Int32("dbm", dbm).Msg("cell detected")

	case known && lost:
		delete(m.cells, cellID)
		m.log.Info().Uint32("cell", cellID).Msg("cell signal lost")
		if cellID == m.active.CellID {
			if m.state != StateIdle {
				m.declareRadioLinkFailure(CauseSignalLostToConnectedCell)
			} else {
				m.setActiveCell(ActiveCellInfo{})
			}
		}

	case known && !lost:
		desc.Dbm = dbm
	}

	m.recomputeAdvertisedPLMNs()
}

func (m *Machine) recomputeAdvertisedPLMNs() {
	plmns := make(map[string]bool)
	for _, d := range m.cells {
		if d.HasSib1 {
			plmns[d.Sib1.PLMN] = true
		}
	}
	m.advertisedPLMNs = plmns
}

// HandleMib feeds a decoded MIB for cellID into its CellDesc.
func (m *Machine) HandleMib(cellID uint32, mib Mib) {
	if d, ok := m.cells[cellID]; ok {
		d.HasMib = true
		d.Mib = mib
	}
}

// HandleSib1 feeds a decoded SIB1 for cellID into its CellDesc.
func (m *Machine) HandleSib1(cellID uint32, sib1 Sib1) {
	if d, ok := m.cells[cellID]; ok {
		d.HasSib1 = true
		d.Sib1 = sib1
	}
	m.recomputeAdvertisedPLMNs()
}

func (m *Machine) declareRadioLinkFailure(cause string) {
	m.setActiveCell(ActiveCellInfo{})
	m.state = StateIdle
	m.nas.HandleRadioLinkFailure(cause)
}

func (m *Machine) setActiveCell(ac ActiveCellInfo) {
	changed := ac.CellID != m.active.CellID
	m.active = ac
	if changed {
		m.rlsCtl.AssignCurrentCell(ac.CellID)
		m.nas.HandleActiveCellChange(ac)
	}
}

func isForbidden(m *Machine, tai Tai) bool {
	return m.forbiddenTAIRoaming[tai] || m.forbiddenTAIRegulatory[tai]
}

// candidate filter shared by both selection passes.
func baseEligible(d *CellDesc) bool {
	return d.HasMib && d.HasSib1 && !d.Mib.Barred && !d.Sib1.Reserved
}

// lookForSuitableCell implements spec §4.E's first filter pass.
func (m *Machine) lookForSuitableCell() *CellDesc {
	if !m.hasSelectedPLMN {
		return nil
	}
	var best *CellDesc
	for _, d := range m.cells {
		if !baseEligible(d) {
			continue
		}
		if d.Sib1.PLMN != m.selectedPLMN {
			continue
		}
		if isForbidden(m, d.tai()) {
			continue
		}
		if best == nil || d.Dbm > best.Dbm {
			best = d
		}
	}
	return best
}

// lookForAcceptableCell implements spec §4.E's second filter pass: same
// eligibility but without the PLMN-match requirement, ranked by dbm
// with a stable preference for the selected PLMN among ties.
func (m *Machine) lookForAcceptableCell() *CellDesc {
	var candidates []*CellDesc
	for _, d := range m.cells {
		if !baseEligible(d) {
			continue
		}
		if isForbidden(m, d.tai()) {
			continue
		}
		candidates = append(candidates, d)
	}
	if len(candidates) == 0 {
		return nil
	}

	// Stable sort: primarily by dbm descending; cells matching the
	// selected PLMN are preferred when dbm would otherwise tie, which a
	// stable sort achieves by pre-ordering PLMN-matches first and then
	// doing a stable dbm sort on top.
	if m.hasSelectedPLMN {
		stablePartitionPLMNFirst(candidates, m.selectedPLMN)
	}
	stableSortByDbmDesc(candidates)

	return candidates[0]
}

func stablePartitionPLMNFirst(cells []*CellDesc, plmn string) {
	out := make([]*CellDesc, 0, len(cells))
	for _, d := range cells {
		if d.Sib1.PLMN == plmn {
			out = append(out, d)
		}
	}
	for _, d := range cells {
		if d.Sib1.PLMN != plmn {
			out = append(out, d)
		}
	}
	copy(cells, out)
}

func stableSortByDbmDesc(cells []*CellDesc) {
	// insertion sort: small N, and it is trivially stable.
	for i := 1; i < len(cells); i++ {
		j := i
		for j > 0 && cells[j-1].Dbm < cells[j].Dbm {
			cells[j-1], cells[j] = cells[j], cells[j-1]
			j--
		}
	}
}

const selectionWarnIntervalMillis = 30_000
const noCellsGraceMillis = 1_000
const noPlmnGraceMillis = 4_000

// RunSelection is invoked periodically (driven by the L3 machine-cycle
// timer) to pick an active serving cell, per spec §4.E.
func (m *Machine) RunSelection() {
	if m.state == StateConnected {
		return
	}

	now := m.clock.NowMillis()
	elapsed := now - m.startMillis

	if len(m.cells) == 0 {
		if elapsed >= noCellsGraceMillis {
			m.warnRateLimited(&m.lastNoCellsWarn, now, "no cells in coverage")
		}
		return
	}

	var chosen *CellDesc
	category := CategoryNone
	if c := m.lookForSuitableCell(); c != nil {
		chosen, category = c, CategorySuitable
	} else if c := m.lookForAcceptableCell(); c != nil {
		chosen, category = c, CategoryAcceptable
	}

	if chosen == nil {
		if !m.hasSelectedPLMN && elapsed >= noPlmnGraceMillis {
			m.warnRateLimited(&m.lastNoPlmnWarn, now, "no selected plmn")
		} else if elapsed >= noCellsGraceMillis {
			m.warnRateLimited(&m.lastNoCellsWarn, now, "no suitable nor acceptable cell")
		}
		return
	}

	ac := ActiveCellInfo{CellID: chosen.CellID, PLMN: chosen.Sib1.PLMN, TAC: chosen.Sib1.TAC, Category: category}
	if ac.CellID != m.active.CellID {
		m.setActiveCell(ac)
	} else {
		m.active = ac
	}
}

func (m *Machine) warnRateLimited(last *int64, now int64, msg string) {
	if now-*last < selectionWarnIntervalMillis {
		return
	}
	*last = now
	m.log.Warn().Msg(msg)
}

// broadcastChannels are decodable from any known cell; dedicated
// channels require cellID to be the active cell.
var broadcastChannels = map[uint32]bool{
	ChannelBCCHBCH:    true,
	ChannelBCCHDLSCH:  true,
	ChannelDLCCCH:     true,
}

// Channel identifiers for the RRC logical channels named in spec §6.
const (
	ChannelBCCHBCH = iota
	ChannelBCCHDLSCH
	ChannelDLCCCH
	ChannelDLDCCH
	ChannelPCCH
	ChannelULCCCH
	ChannelULCCCH1
	ChannelULDCCH
)

// HandleDownlinkRrc implements RLS's RRCDownlink interface: spec §4.E's
// downlink dispatch rules.
func (m *Machine) HandleDownlinkRrc(cellID uint32, channel uint32, bytes []byte) {
	if _, known := m.cells[cellID]; !known {
		return
	}
	if broadcastChannels[channel] {
		m.decodeAndApply(cellID, channel, bytes)
		return
	}
	// Dedicated channel: only from the active cell.
	if cellID != m.active.CellID {
		return
	}
	m.decodeAndApply(cellID, channel, bytes)
}

// decodeAndApply hands the raw bytes to the (out-of-scope) ASN.1 codec
// stand-in and applies whatever it returns. Real RRC message handling
// beyond MIB/SIB1 ingestion is not part of this core; see spec §1.
func (m *Machine) decodeAndApply(cellID uint32, channel uint32, bytes []byte) {
	if m.codec == nil {
		return
	}
	mib, sib1, err := m.codec.DecodeBroadcast(channel, bytes)
	if err != nil {
		m.log.Error().Err(err).Uint32("cell", cellID).Msg("failed to decode broadcast rrc message")
		return
	}
	if mib != nil {
		m.HandleMib(cellID, *mib)
	}
	if sib1 != nil {
		m.HandleSib1(cellID, *sib1)
	}
}

// HandleDeliveryFailure implements RLS's DeliveryFailureSink: a pending
// ack exceeding its retry cap is a potential radio link problem.
func (m *Machine) HandleDeliveryFailure(cellID uint32) {
	if cellID == m.active.CellID && m.state != StateIdle {
		m.declareRadioLinkFailure(CauseSignalLostToConnectedCell)
	}
}
