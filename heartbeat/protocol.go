package heartbeat

import (
	"fmt"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/tolelom/pulsechain/crypto"
	"github.com/tolelom/pulsechain/events"
	"github.com/tolelom/pulsechain/internal/ring"
)

// Status values for a tracked peer (spec.md §4.3).
const (
	StatusUnknown = "unknown"
	StatusActive  = "active"
	StatusTimeout = "timeout"
)

const (
	maxSequenceSeen   = 1000
	maxLatencySamples = 100
	maxReceivedLog    = 1000
	maxClockSkew      = time.Second
)

// SlotSource gives the current slot number, if any.
type SlotSource interface {
	CurrentSlotNumber() uint64
}

// peer tracks what the protocol knows about one registered node. Replay
// defense is a bounded LRU of sequence numbers already seen from this
// peer, replacing the original implementation's bounded plain set with
// golang-lru's fixed-size cache.
type peer struct {
	nodeID       string
	publicKey    crypto.PublicKey
	region       string
	lastSeen     time.Time
	status       string
	sequenceSeen *lru.Cache
	latency      *ring.Ring[float64]
	avgLatency   float64
}

// Protocol is the heartbeat state machine for one node.
type Protocol struct {
	mu sync.Mutex

	selfID string
	region string
	signer crypto.Signer

	heartbeatInterval time.Duration
	nodeTimeout       time.Duration

	sequence uint64
	peers    map[string]*peer
	received *ring.Ring[Message]

	listeners []events.HeartbeatListener

	slots SlotSource
	pulse func() (crypto.PublicKey, uint64)
}

// New creates a Protocol for selfID in region, signing outgoing
// heartbeats with signer and pulling slot/pulse state from slots/pulseFn.
// pulseFn must return the 32-byte latest pulse hash and that link's
// counter (CreateHeartbeat uses only the hash); it is a closure rather than an interface because Latest()
// returns a richer type in package pulse that this package must not
// import (it would create pulse -> consensus -> heartbeat -> pulse cycle
// risk; heartbeat only ever needs the raw hash bytes).
func New(selfID, region string, signer crypto.Signer, slots SlotSource, pulseFn func() (crypto.PublicKey, uint64), heartbeatInterval, nodeTimeout time.Duration) *Protocol {
	p := &Protocol{
		selfID:            selfID,
		region:            region,
		signer:            signer,
		heartbeatInterval: heartbeatInterval,
		nodeTimeout:       nodeTimeout,
		peers:             make(map[string]*peer),
		received:          ring.New[Message](maxReceivedLog),
		slots:             slots,
		pulse:             pulseFn,
	}
	p.registerLocked(selfID, signer.PublicKey(), region, StatusActive)
	return p
}

// Subscribe registers l for peer status-change notifications.
func (p *Protocol) Subscribe(l events.HeartbeatListener) {
	p.mu.Lock()
	p.listeners = append(p.listeners, l)
	p.mu.Unlock()
}

// RegisterPeer adds or updates a known peer's identity.
func (p *Protocol) RegisterPeer(nodeID string, pub crypto.PublicKey, region string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registerLocked(nodeID, pub, region, StatusUnknown)
}

func (p *Protocol) registerLocked(nodeID string, pub crypto.PublicKey, region, status string) {
	if existing, ok := p.peers[nodeID]; ok {
		existing.publicKey = pub
		existing.region = region
		return
	}
	seqCache, _ := lru.New(maxSequenceSeen)
	p.peers[nodeID] = &peer{
		nodeID:       nodeID,
		publicKey:    pub,
		region:       region,
		lastSeen:     time.Now(),
		status:       status,
		sequenceSeen: seqCache,
		latency:      ring.New[float64](maxLatencySamples),
	}
}

// CreateHeartbeat builds and signs the next heartbeat from the local
// node's current slot and pulse state.
func (p *Protocol) CreateHeartbeat() (Message, error) {
	var slotNumber uint64
	if p.slots != nil {
		slotNumber = p.slots.CurrentSlotNumber()
	}
	var pulseHash crypto.PublicKey
	if p.pulse != nil {
		pulseHash, _ = p.pulse()
	}

	p.mu.Lock()
	p.sequence++
	seq := p.sequence
	p.mu.Unlock()

	msg := Message{
		NodeID:    p.selfID,
		Slot:      slotNumber,
		PulseHash: pulseHash,
		Sequence:  seq,
		Timestamp: nowSeconds(),
		Region:    p.region,
	}
	return Sign(msg, p.signer)
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// ProcessHeartbeat validates and applies a received heartbeat, per
// spec.md §4.3: unknown sender, bad signature, replayed sequence, and
// future timestamps beyond skew tolerance are all rejected.
func (p *Protocol) ProcessHeartbeat(msg Message) error {
	p.mu.Lock()
	pr, ok := p.peers[msg.NodeID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("heartbeat: unknown node %q", msg.NodeID)
	}
	pub := pr.publicKey
	p.mu.Unlock()

	if err := Verify(msg, pub, p.signer); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}

	now := time.Now()
	if msg.Timestamp > float64(now.Add(maxClockSkew).UnixNano())/1e9 {
		return fmt.Errorf("heartbeat: future timestamp from %s", msg.NodeID)
	}

	p.mu.Lock()
	if _, dup := pr.sequenceSeen.Get(msg.Sequence); dup {
		p.mu.Unlock()
		return fmt.Errorf("heartbeat: duplicate sequence %d from %s", msg.Sequence, msg.NodeID)
	}
	pr.sequenceSeen.Add(msg.Sequence, struct{}{})

	latency := now.Sub(time.Unix(0, int64(msg.Timestamp*1e9))).Seconds()
	pr.latency.Push(latency)
	pr.avgLatency = averageOf(pr.latency.Items())

	oldStatus := pr.status
	pr.status = StatusActive
	pr.lastSeen = now

	p.received.Push(msg)

	var listeners []events.HeartbeatListener
	if oldStatus != pr.status {
		listeners = append([]events.HeartbeatListener(nil), p.listeners...)
	}
	p.mu.Unlock()

	for _, l := range listeners {
		l.OnHeartbeatStatusChange(msg.NodeID, true)
	}
	return nil
}

func averageOf(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

// CheckTimeouts marks peers active -> timeout if they haven't been heard
// from within nodeTimeout. The local node is never timed out.
func (p *Protocol) CheckTimeouts() {
	now := time.Now()

	p.mu.Lock()
	type transition struct{ nodeID string }
	var transitions []transition
	for id, pr := range p.peers {
		if id == p.selfID {
			continue
		}
		if pr.status == StatusActive && now.Sub(pr.lastSeen) > p.nodeTimeout {
			pr.status = StatusTimeout
			transitions = append(transitions, transition{id})
		}
	}
	listeners := append([]events.HeartbeatListener(nil), p.listeners...)
	p.mu.Unlock()

	for _, t := range transitions {
		log.Printf("[heartbeat] node %s timed out", t.nodeID)
		for _, l := range listeners {
			l.OnHeartbeatStatusChange(t.nodeID, false)
		}
	}
}

// PeerStatus returns the known status of nodeID, and false if unknown.
func (p *Protocol) PeerStatus(nodeID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.peers[nodeID]
	if !ok {
		return "", false
	}
	return pr.status, true
}

// AverageLatency returns nodeID's mean one-way latency in seconds (receive
// time minus the heartbeat's own timestamp) over its last
// maxLatencySamples accepted heartbeats.
func (p *Protocol) AverageLatency(nodeID string) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.peers[nodeID]
	if !ok {
		return 0, false
	}
	return pr.avgLatency, true
}

// ActivePeerCount returns the number of peers (including self) currently
// marked active.
func (p *Protocol) ActivePeerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, pr := range p.peers {
		if pr.status == StatusActive {
			count++
		}
	}
	return count
}

// Run drives the send and timeout-check cadences until stop is closed.
func (p *Protocol) Run(stop <-chan struct{}, send func(Message)) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				msg, err := p.CreateHeartbeat()
				if err != nil {
					log.Printf("[heartbeat] create: %v", err)
					continue
				}
				if err := p.ProcessHeartbeat(msg); err != nil {
					log.Printf("[heartbeat] process own heartbeat: %v", err)
				}
				if send != nil {
					send(msg)
				}
			}
		}
	}()

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.nodeTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				p.CheckTimeouts()
			}
		}
	}()

	wg.Wait()
}
