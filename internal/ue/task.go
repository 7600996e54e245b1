// Package ue implements the task loop (component F): the single
// cooperative loop per simulated UE that drives the RLS and RRC layers
// on timer deadlines and one readiness selector, per spec §4.F and §5.
package ue

import (
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/uesim/ue-sim/internal/clock"
	"github.com/uesim/ue-sim/internal/rls"
	"github.com/uesim/ue-sim/internal/rrc"
)

// Timer periods, per spec §4.F.
const (
	l3MachineCycleMillis = 2500
	l3TimerMillis         = 1000
	switchOffMillis       = 500
	selectorTimeoutMillis = 200
)

type timerName int

const (
	timerL3MachineCycle timerName = iota
	timerL3Timer
	timerAckControl
	timerAckSend
	timerSwitchOff
	timerCount
)

type rlsDatagram struct {
	addr net.Addr
	buf  []byte
}

type dataDatagram struct {
	psi uint32
	buf []byte
}

// Task owns one UE's full state graph: the radio layers, the
// selection state machine, and the descriptors it reads from. Nothing
// here is shared with any other Task (spec §5).
type Task struct {
	NodeName string
	// RunID is a correlation id assigned once by New and stamped on
	// every log line the task emits; each Task gets a fresh one, so
	// log entries of different Task instances are never mistaken for
	// each other.
	RunID string

	udp *rls.UDPLayer
	ctl *rls.Control
	rrc *rrc.Machine

	clock clock.Clock
	log   zerolog.Logger

	deadlines      [timerCount]int64
	switchOffArmed bool
	immediateCycle bool

	conn4, conn6 net.PacketConn
	rlsInbound   chan rlsDatagram
	dataInbound  chan dataDatagram
	cliInbound   chan []byte

	quit chan struct{}
}

// New assembles a Task from its already-constructed layers. Callers
// (cmd/ue-sim) are responsible for wiring the layers' cross-references
// before calling Run, per the ownership model of design note §9: Task
// owns the layers outright, layers reach each other only through
// interfaces resolved at construction time, never through a pointer
// back to Task itself.
func New(nodeName string, udp *rls.UDPLayer, ctl *rls.Control, rrcM *rrc.Machine, conn4, conn6 net.PacketConn, clk clock.Clock, log zerolog.Logger) *Task {
	runID := uuid.New().String()
	t := &Task{
		NodeName:    nodeName,
		RunID:       runID,
		udp:         udp,
		ctl:         ctl,
		rrc:         rrcM,
		clock:       clk,
		log:         log.With().Str("ue", nodeName).Str("run", runID).Logger(),
		conn4:       conn4,
		conn6:       conn6,
		rlsInbound:  make(chan rlsDatagram, 64),
		dataInbound: make(chan dataDatagram, 64),
		cliInbound:  make(chan []byte, 8),
		quit:        make(chan struct{}),
	}
	now := clk.NowMillis()
	t.deadlines[timerL3MachineCycle] = now + l3MachineCycleMillis
	t.deadlines[timerL3Timer] = now + l3TimerMillis
	t.deadlines[timerAckControl] = now + rls.AckControlPeriodMillis
	t.deadlines[timerAckSend] = now + rls.AckSendPeriodMillis
	return t
}

// RequestImmediateCycle asks the loop to run one RRC cycle right after
// the next timer sweep, bypassing the selector wait. Any component on
// the task's own goroutine may call this synchronously.
func (t *Task) RequestImmediateCycle() {
	t.immediateCycle = true
}

// ArmSwitchOff schedules loop termination at the next SWITCH_OFF timer
// tick (<=500ms out), per spec §5's cooperative cancellation.
func (t *Task) ArmSwitchOff() {
	t.switchOffArmed = true
	t.deadlines[timerSwitchOff] = t.clock.NowMillis() + switchOffMillis
}

// Stop terminates the loop immediately, bypassing the timer sweep;
// used by the launcher for an ungraceful shutdown (process exit).
func (t *Task) Stop() {
	close(t.quit)
}

// tunReader is the minimal surface AttachDataSource needs from a PSI's
// TUN device; implemented by internal/tun.Device.
type tunReader interface {
	Read(buf []byte) (int, error)
}

// AttachDataSource wires a PSI's TUN device as an uplink data source:
// its reader goroutine joins the readiness selector's descriptor set
// (spec §4.F, role PS_START..PS_END).
func (t *Task) AttachDataSource(psi uint32, dev tunReader) {
	go func() {
		buf := make([]byte, 2048)
		for {
			n, err := dev.Read(buf)
			if err != nil {
				return
			}
			cp := append([]byte(nil), buf[:n]...)
			select {
			case t.dataInbound <- dataDatagram{psi: psi, buf: cp}:
			case <-t.quit:
				return
			}
		}
	}()
}

func (t *Task) startReaders() {
	if t.conn4 != nil {
		go t.readLoop(t.conn4)
	}
	if t.conn6 != nil {
		go t.readLoop(t.conn6)
	}
}

func (t *Task) readLoop(conn net.PacketConn) {
	buf := make([]byte, 2048)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			return // socket closed, loop exiting
		}
		cp := append([]byte(nil), buf[:n]...)
		select {
		case t.rlsInbound <- rlsDatagram{addr: addr, buf: cp}:
		case <-t.quit:
			return
		}
	}
}

// Run drives the cooperative loop until ArmSwitchOff fires or Stop is
// called. It never blocks longer than selectorTimeoutMillis between two
// heartbeat checks, per spec §5.
func (t *Task) Run() {
	t.startReaders()

	for {
		t.udp.CheckHeartbeat()

		now := t.clock.NowMillis()
		if now >= t.deadlines[timerL3MachineCycle] {
			t.rrc.RunSelection()
			t.deadlines[timerL3MachineCycle] = now + l3MachineCycleMillis
		}
		if now >= t.deadlines[timerL3Timer] {
			t.deadlines[timerL3Timer] = now + l3TimerMillis
		}
		if now >= t.deadlines[timerAckControl] {
			t.ctl.RunAckControl()
			t.deadlines[timerAckControl] = now + rls.AckControlPeriodMillis
		}
		if now >= t.deadlines[timerAckSend] {
			t.ctl.RunAckSend()
			t.deadlines[timerAckSend] = now + rls.AckSendPeriodMillis
		}
		if t.switchOffArmed && now >= t.deadlines[timerSwitchOff] {
			t.log.Info().Msg("switch-off timer fired, exiting task loop")
			return
		}

		if t.immediateCycle {
			t.immediateCycle = false
			t.rrc.RunSelection()
			continue
		}

		select {
		case d := <-t.rlsInbound:
			t.udp.ReceiveRlsPdu(d.addr, d.buf)
		case d := <-t.dataInbound:
			t.handleUplinkData(d)
		case <-t.cliInbound:
			// CLI command handling is outside the core (spec §6); the
			// launcher owns interpreting these.
		case <-time.After(selectorTimeoutMillis * time.Millisecond):
		case <-t.quit:
			return
		}
	}
}

// handleUplinkData is the NAS/TUN-boundary-to-control-layer path for
// locally originated user-plane traffic, gated on the cell actually
// having radio resources (design note §9's open question).
func (t *Task) handleUplinkData(d dataDatagram) {
	active := t.rrc.ActiveCell()
	if !t.rrc.HasRadioResources(active.CellID) {
		t.log.Warn().Uint32("psi", d.psi).Msg("dropping uplink data: no radio resources")
		return
	}
	if err := t.ctl.HandleUplinkDataDelivery(active.CellID, d.psi, d.buf); err != nil {
		t.log.Error().Err(err).Uint32("psi", d.psi).Msg("uplink data delivery failed")
	}
}
