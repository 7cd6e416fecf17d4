package regionsync

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/tolelom/pulsechain/config"
	"github.com/tolelom/pulsechain/heartbeat"
	"github.com/tolelom/pulsechain/pulse"
	"github.com/tolelom/pulsechain/region"
)

// messageStaleness bounds how old an inbound message may be before it is
// dropped as stale, per spec.md §4.5.
const messageStaleness = 60 * time.Second

// dedupCacheSize bounds the region-sync dedup set (spec.md §3).
const dedupCacheSize = 10_000

// PulseComponent is the narrow view of the Pulse Generator Sync needs.
type PulseComponent interface {
	Latest() (pulse.PulseHash, error)
	Export(start, count int) []pulse.WireLink
	Import(links []pulse.WireLink) error
}

// HeartbeatComponent is the narrow view of the heartbeat Protocol Sync
// needs to relay inbound heartbeats from remote regions.
type HeartbeatComponent interface {
	ProcessHeartbeat(msg heartbeat.Message) error
}

// SlotSource is the narrow view of the Slot Consensus engine Sync needs
// to decide whether a gossiped slot is already known locally.
type SlotSource interface {
	IsFinalized(slotNumber uint64) bool
}

// chainRequestBacklog bounds how many slots back a single catch-up
// request reaches for, per spec.md §4.5 ("[max(0, n-10), n]").
const chainRequestBacklog = 10

// Sync wires a regionsync Hub to the local pulse/region/heartbeat
// components: it broadcasts local state on a cadence and applies inbound
// messages from other regions.
type Sync struct {
	mu sync.Mutex

	selfID  string
	hub     *Hub
	pulses  PulseComponent
	regions *region.Manager
	hb      HeartbeatComponent
	slots   SlotSource

	seen *lru.Cache // dedup set over message IDs

	syncInterval time.Duration
	tick         int
}

// New creates a Sync for selfID, listening on listenAddr (optionally over
// mTLS via tlsCfg) and dispatching to the given components.
func New(selfID, listenAddr string, tlsCfg *config.TLSConfig, pulses PulseComponent, regions *region.Manager, hb HeartbeatComponent, slots SlotSource, syncInterval time.Duration) (*Sync, error) {
	s := &Sync{
		selfID:       selfID,
		pulses:       pulses,
		regions:      regions,
		hb:           hb,
		slots:        slots,
		syncInterval: syncInterval,
	}
	cache, err := lru.New(dedupCacheSize)
	if err != nil {
		return nil, err
	}
	s.seen = cache

	tlsConf, err := config.LoadTLSConfig(tlsCfg)
	if err != nil {
		return nil, err
	}
	s.hub = NewHub(selfID, listenAddr, tlsConf, s.handle)
	return s, nil
}

// Start begins accepting inbound links.
func (s *Sync) Start() error {
	return s.hub.Start()
}

// Stop tears down the hub.
func (s *Sync) Stop() {
	s.hub.Stop()
}

// ConnectSeed dials a seed region's sync endpoint.
func (s *Sync) ConnectSeed(regionID, addr string) error {
	return s.hub.Connect(regionID, addr)
}

func newMessage(typ MsgType, selfID string, payload json.RawMessage) Message {
	return Message{Type: typ, OriginID: selfID, Timestamp: nowSeconds(), MessageID: newMessageID(), Payload: payload}
}

func (s *Sync) handle(link *Link, msg Message) {
	if msg.OriginID == s.selfID {
		return
	}

	age := time.Since(time.Unix(0, int64(msg.Timestamp*1e9)))
	if age > messageStaleness {
		log.Printf("[regionsync] dropping stale %s from %s (age %s)", msg.Type, msg.OriginID, age)
		return
	}

	if _, dup := s.seen.Get(msg.MessageID); dup {
		return
	}
	s.seen.Add(msg.MessageID, struct{}{})

	switch msg.Type {
	case MsgPoHChainRequest:
		s.handleChainRequest(link, msg)
	case MsgPoHChain:
		s.handleChain(msg)
	case MsgPoHSlot:
		s.handleSlot(link, msg)
	case MsgRegionInfo:
		s.handleRegionInfo(msg)
	case MsgNodeInfo:
		s.handleNodeInfo(msg)
	case MsgHeartbeat:
		s.handleHeartbeat(msg)
	default:
		log.Printf("[regionsync] unknown message type %q from %s", msg.Type, msg.OriginID)
	}
}

func (s *Sync) handleChainRequest(link *Link, msg Message) {
	var req PoHChainRequestPayload
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		log.Printf("[regionsync] decode chain request: %v", err)
		return
	}
	links := s.pulses.Export(req.From, req.Count)
	payload, err := marshalPayload(PoHChainPayload{Links: links})
	if err != nil {
		log.Printf("[regionsync] marshal chain response: %v", err)
		return
	}
	reply := newMessage(MsgPoHChain, s.selfID, payload)
	if err := link.Send(reply); err != nil {
		log.Printf("[regionsync] send chain response: %v", err)
	}
}

func (s *Sync) handleChain(msg Message) {
	var chain PoHChainPayload
	if err := json.Unmarshal(msg.Payload, &chain); err != nil {
		log.Printf("[regionsync] decode chain: %v", err)
		return
	}
	if err := s.pulses.Import(chain.Links); err != nil {
		log.Printf("[regionsync] import chain from %s: %v", msg.OriginID, err)
	}
}

// handleSlot applies a gossiped slot's link and, if the slot number isn't
// locally finalized yet, requests the surrounding chain range from the
// source so this node can catch up, per spec.md §4.5.
func (s *Sync) handleSlot(link *Link, msg Message) {
	var slot PoHSlotPayload
	if err := json.Unmarshal(msg.Payload, &slot); err != nil {
		log.Printf("[regionsync] decode slot: %v", err)
		return
	}
	if err := s.pulses.Import([]pulse.WireLink{slot.Link}); err != nil {
		log.Printf("[regionsync] import slot link from %s: %v", msg.OriginID, err)
	}

	if s.slots.IsFinalized(slot.SlotNumber) || link == nil {
		return
	}

	from := uint64(0)
	if slot.SlotNumber > chainRequestBacklog {
		from = slot.SlotNumber - chainRequestBacklog
	}
	count := int(slot.SlotNumber-from) + 1
	payload, err := marshalPayload(PoHChainRequestPayload{From: from, Count: count})
	if err != nil {
		log.Printf("[regionsync] marshal chain request: %v", err)
		return
	}
	if err := link.Send(newMessage(MsgPoHChainRequest, s.selfID, payload)); err != nil {
		log.Printf("[regionsync] send chain request to %s: %v", msg.OriginID, err)
	}
}

func (s *Sync) handleRegionInfo(msg Message) {
	var info RegionInfoPayload
	if err := json.Unmarshal(msg.Payload, &info); err != nil {
		log.Printf("[regionsync] decode region info: %v", err)
		return
	}
	s.regions.CreateRegion(info.RegionID, info.RegionID)
	for _, conn := range info.ConnectedRegions {
		s.regions.CreateRegion(conn, conn)
		_ = s.regions.ConnectRegions(info.RegionID, conn)
	}
}

func (s *Sync) handleNodeInfo(msg Message) {
	var info NodeInfoPayload
	if err := json.Unmarshal(msg.Payload, &info); err != nil {
		log.Printf("[regionsync] decode node info: %v", err)
		return
	}
	s.regions.RegisterNode(info.NodeID, info.PrimaryRegion)
	for _, secondary := range info.SecondaryRegions {
		_ = s.regions.AddSecondaryRegion(info.NodeID, secondary)
	}
}

func (s *Sync) handleHeartbeat(msg Message) {
	var payload HeartbeatPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		log.Printf("[regionsync] decode heartbeat: %v", err)
		return
	}
	hbMsg, err := heartbeat.FromWire(payload.Message)
	if err != nil {
		log.Printf("[regionsync] parse relayed heartbeat: %v", err)
		return
	}
	if err := s.hb.ProcessHeartbeat(hbMsg); err != nil {
		log.Printf("[regionsync] relayed heartbeat from %s: %v", msg.OriginID, err)
	}
}

// BroadcastSlot announces a newly created or finalized slot to all
// connected regions.
func (s *Sync) BroadcastSlot(slotNumber uint64, leaderID string, startCounter uint64, link pulse.PulseHash) {
	payload, err := marshalPayload(PoHSlotPayload{
		SlotNumber:   slotNumber,
		LeaderID:     leaderID,
		StartCounter: startCounter,
		Link:         link.ToWire(),
	})
	if err != nil {
		log.Printf("[regionsync] marshal slot: %v", err)
		return
	}
	s.hub.Broadcast(newMessage(MsgPoHSlot, s.selfID, payload))
}

// BroadcastHeartbeat relays a locally signed heartbeat to connected
// regions.
func (s *Sync) BroadcastHeartbeat(msg heartbeat.Message) {
	payload, err := marshalPayload(HeartbeatPayload{Message: msg.ToWire()})
	if err != nil {
		log.Printf("[regionsync] marshal heartbeat: %v", err)
		return
	}
	s.hub.Broadcast(newMessage(MsgHeartbeat, s.selfID, payload))
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Run drives the periodic region_info/node_info gossip cadence until
// stop is closed: every tick broadcasts nothing extra (slot/heartbeat
// broadcasts are event-driven from their own components); every 5 ticks
// it gossips region_info for the local primary region; every 10 ticks it
// gossips node_info for the local node.
func (s *Sync) Run(stop <-chan struct{}, selfRegion, selfPrimary string, selfSecondary []string) {
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.tick++
			tick := s.tick
			s.mu.Unlock()

			if tick%5 == 0 {
				s.gossipRegionInfo(selfRegion)
			}
			if tick%10 == 0 {
				s.gossipNodeInfo(selfPrimary, selfSecondary)
			}
		}
	}
}

func (s *Sync) gossipRegionInfo(regionID string) {
	coord, _ := s.regions.RegionCoordinator(regionID)
	payload, err := marshalPayload(RegionInfoPayload{
		RegionID:         regionID,
		CoordinatorID:    coord,
		ActiveNodes:      s.regions.RegionNodes(regionID),
		ConnectedRegions: s.regions.ConnectedRegions(regionID),
	})
	if err != nil {
		log.Printf("[regionsync] marshal region info: %v", err)
		return
	}
	s.hub.Broadcast(newMessage(MsgRegionInfo, s.selfID, payload))
}

func (s *Sync) gossipNodeInfo(primary string, secondary []string) {
	payload, err := marshalPayload(NodeInfoPayload{
		NodeID:           s.selfID,
		PrimaryRegion:    primary,
		SecondaryRegions: secondary,
	})
	if err != nil {
		log.Printf("[regionsync] marshal node info: %v", err)
		return
	}
	s.hub.Broadcast(newMessage(MsgNodeInfo, s.selfID, payload))
}
