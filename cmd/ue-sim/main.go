// Command ue-sim launches one or more simulated 5G UE instances, each
// running its own radio-link discovery and cell-selection core.
package main

import (
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/uesim/ue-sim/internal/clock"
	"github.com/uesim/ue-sim/internal/config"
	"github.com/uesim/ue-sim/internal/nasstub"
	"github.com/uesim/ue-sim/internal/rls"
	"github.com/uesim/ue-sim/internal/rlspdu"
	"github.com/uesim/ue-sim/internal/rrc"
	"github.com/uesim/ue-sim/internal/sti"
	"github.com/uesim/ue-sim/internal/tun"
	"github.com/uesim/ue-sim/internal/ue"
)

type flags struct {
	configPath string
	imsi       string
	count      int
	noCLI      bool
	noRouting  bool
}

func main() {
	var f flags

	root := &cobra.Command{
		Use:   "ue-sim",
		Short: "Simulated 5G UE radio-link core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(f)
		},
	}
	root.Flags().StringVarP(&f.configPath, "config", "c", "", "UE configuration file (required)")
	root.Flags().StringVarP(&f.imsi, "imsi", "i", "", "override the configured IMSI")
	root.Flags().IntVarP(&f.count, "count", "n", 1, "number of simulated UEs to launch (1-512)")
	root.Flags().BoolVarP(&f.noCLI, "no-cli", "l", false, "disable the CLI socket")
	root.Flags().BoolVarP(&f.noRouting, "no-routing", "r", false, "do not configure routes automatically")
	_ = root.MarkFlagRequired("config")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(f flags) error {
	if f.count < 1 || f.count > 512 {
		return fmt.Errorf("count must be between 1 and 512, got %d", f.count)
	}

	file, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	if f.imsi != "" {
		file.SUPI = f.imsi
	}

	if err := os.MkdirAll("logs", 0o755); err != nil {
		return fmt.Errorf("creating logs directory: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < f.count; i++ {
		cfg, err := file.Instantiate(i)
		if err != nil {
			return fmt.Errorf("instantiating ue %d: %w", i, err)
		}

		task, err := buildTask(cfg, f.noRouting)
		if err != nil {
			return fmt.Errorf("building ue %s: %w", cfg.NodeName, err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			task.Run()
		}()
	}

	wg.Wait()
	return nil
}

func newLogger(nodeName string) zerolog.Logger {
	writer := &lumberjack.Logger{
		Filename: fmt.Sprintf("logs/ue-%s.log", nodeName),
		MaxSize:  10, // MB
		MaxAge:   7,  // days
		Compress: true,
	}
	return zerolog.New(writer).With().Timestamp().Str("node", nodeName).Logger()
}

// buildTask wires one UE's complete state graph: sockets, RLS layers,
// RRC, and the NAS/TUN boundary stand-in. This is the single place that
// resolves the cross-references design note §9 asks layers to hold
// only indirectly.
func buildTask(cfg *config.UE, noRouting bool) (*ue.Task, error) {
	log := newLogger(cfg.NodeName)
	clk := clock.Real{}
	ueSTI := sti.FromNodeName(cfg.NodeName)

	conn4, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("opening ipv4 rls socket: %w", err)
	}
	conn6, err := net.ListenPacket("udp6", "[::]:0")
	if err != nil {
		log.Warn().Err(err).Msg("ipv6 rls socket unavailable, continuing ipv4-only")
		conn6 = nil
	}
	sender := rls.UDPSender{Conn4: conn4, Conn6: conn6}

	var searchSpace []rls.SearchSpaceEntry
	for _, addr := range cfg.SearchSpace {
		searchSpace = append(searchSpace, rls.SearchSpaceEntry{Addr: addr})
	}

	nas := nasstub.NewStub(log)
	codec := nasstub.Codec{}

	var rrcMachine *rrc.Machine
	ctlAdapter := &rlsControlAdapter{}
	rrcMachine = rrc.NewMachine(cfg.HomePLMN, ctlAdapter, nas, codec, clk, log)

	failuresAdapter := &deliveryFailureAdapter{rrc: rrcMachine}

	var control *rls.Control
	udp := rls.NewUDPLayer(ueSTI, searchSpace, sender, rrcMachine, &messageForwarder{getControl: func() *rls.Control { return control }}, clk, log)
	control = rls.NewControl(ueSTI, &cellSenderAdapter{udp: udp}, rrcMachine, nas, failuresAdapter, clk, log)
	ctlAdapter.control = control

	task := ue.New(cfg.NodeName, udp, control, rrcMachine, conn4, conn6, clk, log)

	for i, session := range cfg.Sessions {
		psi := uint32(i + 1)
		dev, err := tun.Create(psi, fmt.Sprintf("ue%s-%d", cfg.NodeName, psi))
		if err != nil {
			log.Warn().Err(err).Str("apn", session.APN).Msg("failed to create tun device, psi will be unreachable")
			continue
		}
		if !noRouting {
			if err := dev.AddAddress(net.ParseIP("10.45.0.1"), 16); err != nil {
				log.Warn().Err(err).Msg("failed to configure tun address")
			}
		}
		nas.BindPSI(psi, dev)
		task.AttachDataSource(psi, dev)
	}

	return task, nil
}

// rlsControlAdapter breaks the rrc<->rls construction-order cycle: RRC
// needs an RlsControl at construction time, but Control itself needs
// the already-built RRC machine as its RRCDownlink peer.
type rlsControlAdapter struct {
	control *rls.Control
}

func (a *rlsControlAdapter) AssignCurrentCell(cellID uint32) {
	a.control.AssignCurrentCell(cellID)
}

func (a *rlsControlAdapter) HandleUplinkRrcDelivery(cellID uint32, channel uint32, bytes []byte) error {
	return a.control.HandleUplinkRrcDelivery(cellID, channel, bytes)
}

// messageForwarder breaks the same ordering cycle from the UDP layer's
// side: it needs a MessageSink at construction time, before Control
// exists.
type messageForwarder struct {
	getControl func() *rls.Control
}

func (f *messageForwarder) HandleRlsMessage(cellID uint32, msgType rlspdu.MsgType, body []byte) {
	f.getControl().HandleRlsMessage(cellID, msgType, body)
}

type deliveryFailureAdapter struct {
	rrc *rrc.Machine
}

func (a *deliveryFailureAdapter) HandleDeliveryFailure(cellID uint32) {
	a.rrc.HandleDeliveryFailure(cellID)
}

type cellSenderAdapter struct {
	udp *rls.UDPLayer
}

func (a *cellSenderAdapter) SendToCell(cellID uint32, buf []byte) error {
	return a.udp.SendToCell(cellID, buf)
}
