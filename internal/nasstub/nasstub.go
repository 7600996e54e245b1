// Package nasstub is the minimal stand-in for the NAS mobility/session
// layer and the RRC ASN.1 codec, both explicitly out of scope per spec
// §1. It exists only so the core (RLS + RRC) has a concrete peer to
// exercise and test against: a real 5G-AKA/NAS implementation is not
// part of this repository.
//
// Shape grounded on original_source/src/ue/nas/sm for the broad strokes
// of registration and PDU-session establishment, expressed here as
// fixed byte markers rather than ASN.1/NAS-encoded messages.
package nasstub

import (
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/uesim/ue-sim/internal/rrc"
	"github.com/uesim/ue-sim/internal/tun"
)

// Broadcast message markers. A real ASN.1 codec would instead decode
// BCCH-BCH/BCCH-DL-SCH PER-encoded messages; here the first byte of the
// body tags which block follows.
const (
	markerMib  = 0xB1
	markerSib1 = 0xB2
)

// Codec implements rrc.Codec with the byte-marker stand-in above.
type Codec struct{}

func (Codec) DecodeBroadcast(channel uint32, body []byte) (mib *rrc.Mib, sib1 *rrc.Sib1, err error) {
	if len(body) == 0 {
		return nil, nil, fmt.Errorf("nasstub: empty broadcast body")
	}
	switch body[0] {
	case markerMib:
		if len(body) < 2 {
			return nil, nil, fmt.Errorf("nasstub: short mib body")
		}
		mib = &rrc.Mib{Barred: body[1] != 0}
	case markerSib1:
		if len(body) < 10 {
			return nil, nil, fmt.Errorf("nasstub: short sib1 body")
		}
		plmnLen := int(body[1])
		if len(body) < 2+plmnLen+5 {
			return nil, nil, fmt.Errorf("nasstub: sib1 body too short for plmn")
		}
		plmn := string(body[2 : 2+plmnLen])
		rest := body[2+plmnLen:]
		tac := binary.BigEndian.Uint32(rest[0:4])
		reserved := rest[4] != 0
		sib1 = &rrc.Sib1{PLMN: plmn, TAC: tac, Reserved: reserved}
	default:
		return nil, nil, fmt.Errorf("nasstub: unknown broadcast marker 0x%x", body[0])
	}
	return mib, sib1, nil
}

// EncodeMib/EncodeSib1 are the matching encoders, for a simulated gNB
// peer; the real UE core never calls these.
func EncodeMib(barred bool) []byte {
	b := byte(0)
	if barred {
		b = 1
	}
	return []byte{markerMib, b}
}

func EncodeSib1(plmn string, tac uint32, reserved bool) []byte {
	buf := []byte{markerSib1, byte(len(plmn))}
	buf = append(buf, []byte(plmn)...)
	var tacBytes [4]byte
	binary.BigEndian.PutUint32(tacBytes[:], tac)
	buf = append(buf, tacBytes[:]...)
	r := byte(0)
	if reserved {
		r = 1
	}
	return append(buf, r)
}

// Stub stands in for NAS above RRC and for the per-PSI TUN boundary: it
// consumes active-cell-change/RLF events and writes downlink user-plane
// bytes to TUN devices keyed by PSI. Reading uplink bytes from those
// devices is done by ue.Task.AttachDataSource, not by Stub.
type Stub struct {
	psiDevices map[uint32]*tun.Device
	log        zerolog.Logger
}

func NewStub(log zerolog.Logger) *Stub {
	return &Stub{
		psiDevices: make(map[uint32]*tun.Device),
		log:        log.With().Str("component", "nasstub").Logger(),
	}
}

// BindPSI attaches dev as the TUN channel for session psi.
func (s *Stub) BindPSI(psi uint32, dev *tun.Device) {
	s.psiDevices[psi] = dev
}

// WriteData implements rls.DataSink: a downlink user-plane PDU is
// written to the TUN device bound to its PSI.
func (s *Stub) WriteData(psi uint32, bytes []byte) error {
	dev, ok := s.psiDevices[psi]
	if !ok {
		return fmt.Errorf("nasstub: no tun device bound for psi %d", psi)
	}
	_, err := dev.Write(bytes)
	return err
}

// HandleActiveCellChange implements rrc.NASSink.
func (s *Stub) HandleActiveCellChange(active rrc.ActiveCellInfo) {
	if active.CellID == 0 {
		s.log.Info().Msg("active cell cleared")
		return
	}
	s.log.Info().Uint32("cell", active.CellID).Str("plmn", active.PLMN).
		Msg("active cell changed")
}

// HandleRadioLinkFailure implements rrc.NASSink.
func (s *Stub) HandleRadioLinkFailure(cause string) {
	s.log.Warn().Str("cause", cause).Msg("radio link failure")
}
