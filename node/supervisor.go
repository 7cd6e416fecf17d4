// Package node wires every core component together into one running
// validator process, adapted from the teacher's cmd/node/main.go
// construction sequence but factored into a reusable Supervisor so
// cmd/pulsenode stays a thin flag-parsing entrypoint.
package node

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tolelom/pulsechain/config"
	"github.com/tolelom/pulsechain/consensus"
	"github.com/tolelom/pulsechain/crypto"
	"github.com/tolelom/pulsechain/envdata"
	"github.com/tolelom/pulsechain/events"
	"github.com/tolelom/pulsechain/heartbeat"
	"github.com/tolelom/pulsechain/pulse"
	"github.com/tolelom/pulsechain/region"
	"github.com/tolelom/pulsechain/regionsync"
)

// shutdownGrace is the cooperative-shutdown budget spec.md §6 requires:
// every component must observe stop and exit within this window.
const shutdownGrace = 2 * time.Second

// Supervisor owns every long-lived component and drives their combined
// startup/shutdown sequence: Pulse Generator -> Slot Consensus ->
// Heartbeat Protocol -> Region Manager -> Region Sync -> Environmental
// Data Integrator, mirroring the dependency order in SPEC_FULL.md §2.
type Supervisor struct {
	cfg *config.Config

	Pulses    *pulse.Generator
	Consensus *consensus.Engine
	Heartbeat *heartbeat.Protocol
	Regions   *region.Manager
	Sync      *regionsync.Sync
	EnvData   *envdata.Collector
	signer    crypto.Signer
	publicKey crypto.PublicKey

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New assembles every component from cfg but does not start any cadence
// loop; call Start to begin running.
func New(cfg *config.Config, signer crypto.Signer, publicKey crypto.PublicKey) (*Supervisor, error) {
	s := &Supervisor{cfg: cfg, signer: signer, publicKey: publicKey, stopCh: make(chan struct{})}

	s.Pulses = pulse.New(cfg.TargetHashRate)
	s.Consensus = consensus.New(cfg.NodeID, s.Pulses, cfg.TargetHashRate, cfg.SlotDuration())

	if cfg.IsLeader {
		s.Consensus.RegisterLeader(cfg.NodeID, publicKey, cfg.PrimaryRegion, cfg.Stake)
	}
	if cfg.IsValidator {
		s.Consensus.RegisterValidator(cfg.NodeID)
	}

	pulseFn := func() (crypto.PublicKey, uint64) {
		latest, err := s.Pulses.Latest()
		if err != nil {
			return nil, 0
		}
		return crypto.PublicKey(latest.Hash[:]), latest.Counter
	}
	s.Heartbeat = heartbeat.New(cfg.NodeID, cfg.PrimaryRegion, signer, s.Consensus, pulseFn, cfg.HeartbeatInterval(), cfg.NodeTimeout())

	s.Regions = region.New(cfg.NodeID, cfg.PrimaryRegion)
	for _, secondary := range cfg.SecondaryRegions {
		if err := s.Regions.AddSecondaryRegion(cfg.NodeID, secondary); err != nil {
			log.Printf("[node] add secondary region %s: %v", secondary, err)
		}
	}

	sync, err := regionsync.New(cfg.NodeID, cfg.SyncAddr, cfg.TLS, s.Pulses, s.Regions, s.Heartbeat, s.Consensus, cfg.SyncInterval())
	if err != nil {
		return nil, fmt.Errorf("node: build region sync: %w", err)
	}
	s.Sync = sync

	s.EnvData = envdata.New(cfg.NodeID, envDataSink{s.Pulses}, s.Consensus)
	if cfg.EnvConfigPath != "" {
		if err := envdata.LoadSources(s.EnvData, cfg.EnvConfigPath); err != nil {
			return nil, fmt.Errorf("node: load env sources: %w", err)
		}
	}
	s.Consensus.Subscribe(s.EnvData)
	s.Consensus.Subscribe(slotSyncListener{sync: s.Sync, pulses: s.Pulses})

	return s, nil
}

// envDataSink adapts *pulse.Generator to envdata.PulseSink (identical
// method set; a thin named wrapper documents the intent at the call
// site instead of relying on structural typing silently).
type envDataSink struct{ g *pulse.Generator }

func (e envDataSink) Next(envData any) (pulse.PulseHash, error) { return e.g.Next(envData) }

// slotSyncListener relays new-slot notifications into a region-sync
// broadcast so other regions learn about this node's slots.
type slotSyncListener struct {
	sync   *regionsync.Sync
	pulses *pulse.Generator
}

func (l slotSyncListener) OnNewSlot(slotNumber uint64, leaderID string, startCounter uint64) {
	latest, err := l.pulses.Latest()
	if err != nil {
		return
	}
	l.sync.BroadcastSlot(slotNumber, leaderID, startCounter, latest)
}

func (l slotSyncListener) OnSlotFinalized(slotNumber uint64, endCounter uint64, confirmations int) {}

// Start brings up the region-sync listener and every cadence loop.
func (s *Supervisor) Start() error {
	if err := s.Sync.Start(); err != nil {
		return fmt.Errorf("node: start region sync listener: %w", err)
	}
	for _, seed := range s.cfg.SeedRegions {
		if err := s.Sync.ConnectSeed(seed.RegionID, seed.Addr); err != nil {
			log.Printf("[node] connect seed region %s (%s): %v", seed.RegionID, seed.Addr, err)
			continue
		}
		log.Printf("[node] connected to seed region %s (%s)", seed.RegionID, seed.Addr)
	}

	s.runLoop(func(stop <-chan struct{}) { s.Pulses.Run(stop) })
	s.runLoop(func(stop <-chan struct{}) { s.Consensus.Run(s.cfg.SlotDuration(), stop) })
	s.runLoop(func(stop <-chan struct{}) {
		s.Heartbeat.Run(stop, func(msg heartbeat.Message) {
			s.Sync.BroadcastHeartbeat(msg)
		})
	})
	s.runLoop(func(stop <-chan struct{}) { s.Regions.Run(stop) })
	s.runLoop(func(stop <-chan struct{}) {
		s.Sync.Run(stop, s.cfg.PrimaryRegion, s.cfg.PrimaryRegion, s.cfg.SecondaryRegions)
	})
	s.runLoop(func(stop <-chan struct{}) { s.touchSelfLoop(stop) })

	log.Printf("[node] %s running (region: %s, validator: %s)", s.cfg.NodeID, s.cfg.PrimaryRegion, s.publicKey.Hex())
	return nil
}

func (s *Supervisor) runLoop(fn func(stop <-chan struct{})) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.stopCh)
	}()
}

// touchSelfLoop keeps this node's own liveness fresh in the region
// graph: region.Manager's inactivity sweep has no self-exemption (unlike
// heartbeat's), so something external must call Touch on our behalf.
func (s *Supervisor) touchSelfLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Regions.Touch(s.cfg.NodeID)
		}
	}
}

// Stop signals every cadence loop to exit and waits up to shutdownGrace
// for them to drain, per spec.md §5's cooperative-cancellation model.
func (s *Supervisor) Stop() {
	close(s.stopCh)
	s.Sync.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		log.Printf("[node] shutdown grace period elapsed before all components drained")
	}
}

// Compile-time check that slotSyncListener satisfies events.SlotListener
// even though it only acts on one half of the interface.
var _ events.SlotListener = slotSyncListener{}
