package consensus

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/tolelom/pulsechain/crypto"
	"github.com/tolelom/pulsechain/events"
	"github.com/tolelom/pulsechain/internal/ring"
	"github.com/tolelom/pulsechain/pulse"
)

// PulseSource is the narrow view of the Pulse Generator the consensus
// engine needs: the latest link (for seeding leader selection and
// stamping slot bounds).
type PulseSource interface {
	Latest() (pulse.PulseHash, error)
}

// Engine is the slot consensus state machine for one node.
type Engine struct {
	mu sync.Mutex

	selfID string
	pulses PulseSource

	leaders    map[string]*Leader
	validators map[string]struct{}

	slots           map[uint64]*Slot
	finalizedOrder  *ring.Ring[uint64]
	currentSlot     uint64
	previousLeader  string

	targetHashesPerSlot float64

	listeners []events.SlotListener

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an Engine for the local node identified by selfID.
// targetHashRate and slotDuration derive the expected hash output per
// slot used by finalize-time performance adaptation.
func New(selfID string, pulses PulseSource, targetHashRate int, slotDuration time.Duration) *Engine {
	return &Engine{
		selfID:              selfID,
		pulses:              pulses,
		leaders:             make(map[string]*Leader),
		validators:          make(map[string]struct{}),
		slots:               make(map[uint64]*Slot),
		finalizedOrder:      ring.New[uint64](SlotWindow),
		targetHashesPerSlot: float64(targetHashRate) * slotDuration.Seconds(),
	}
}

// Subscribe registers l to receive OnNewSlot/OnSlotFinalized callbacks.
func (e *Engine) Subscribe(l events.SlotListener) {
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
}

// RegisterLeader registers (or updates, if id already exists) a leader
// candidate with the given stake and public key.
func (e *Engine) RegisterLeader(id string, pk crypto.PublicKey, region string, stake uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.leaders[id]; ok {
		l.PublicKey = pk
		l.Region = region
		l.Stake = stake
		return
	}
	e.leaders[id] = &Leader{
		NodeID:           id,
		PublicKey:        pk,
		Region:           region,
		Stake:            stake,
		PerformanceScore: DefaultPerformanceScore,
	}
}

// RegisterValidator adds id to the confirmer set.
func (e *Engine) RegisterValidator(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.validators[id] = struct{}{}
}

// Leader returns a copy of the leader record for id, if registered.
func (e *Engine) Leader(id string) (Leader, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.leaders[id]
	if !ok {
		return Leader{}, false
	}
	return *l, true
}

// ValidatorCount returns the number of registered validators.
func (e *Engine) ValidatorCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.validators)
}

// selectLeaderLocked deterministically picks a leader for slotNumber, seeded by
// SHA256(latestPulseHash ‖ le64(slotNumber)) truncated to 64 bits. It also
// applies the rotation-pressure side effect described in spec.md §4.2.
// Must be called with e.mu held.
func (e *Engine) selectLeaderLocked(slotNumber uint64, latestHash pulse.Hash) string {
	if len(e.leaders) == 0 {
		return e.selfID
	}

	ids := make([]string, 0, len(e.leaders))
	for id := range e.leaders {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic iteration order across processes/runs

	seedBytes := make([]byte, 0, 40)
	seedBytes = append(seedBytes, latestHash[:]...)
	seedBytes = append(seedBytes, crypto.LE64(slotNumber)...)
	seed := seedToInt64(crypto.HashBytes(seedBytes))
	rng := rand.New(rand.NewSource(seed))

	var total float64
	for _, id := range ids {
		total += e.leaders[id].weight()
	}

	var chosen string
	if total <= 0 {
		chosen = ids[rng.Intn(len(ids))]
	} else {
		target := rng.Float64() * total
		var cum float64
		chosen = ids[len(ids)-1]
		for _, id := range ids {
			cum += e.leaders[id].weight()
			if cum >= target {
				chosen = id
				break
			}
		}
	}

	if l, ok := e.leaders[chosen]; ok {
		if chosen == e.previousLeader {
			l.ConsecutiveSlots++
			if l.ConsecutiveSlots > RotationStreakLimit {
				l.PerformanceScore = clampScore(l.PerformanceScore * RotationPenalty)
			}
		} else {
			l.ConsecutiveSlots = 1
		}
		l.LastLeaderSlot = slotNumber
	}
	e.previousLeader = chosen
	return chosen
}

// seedToInt64 truncates a SHA-256 digest to the first 8 bytes,
// interpreted big-endian, and reduces it to a non-negative int64 so it
// can seed math/rand deterministically.
func seedToInt64(digest []byte) int64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(digest[i])
	}
	return int64(v &^ (1 << 63)) // clear sign bit; rand.NewSource wants int64
}

func clampScore(s float64) float64 {
	if s < MinPerformanceScore {
		return MinPerformanceScore
	}
	if s > MaxPerformanceScore {
		return MaxPerformanceScore
	}
	return s
}

// CreateNewSlot carves out the next slot: increments the slot number,
// selects a leader, stamps the start counter from the latest pulse, and
// fires OnNewSlot after releasing the lock.
func (e *Engine) CreateNewSlot() (Slot, error) {
	latest, err := e.pulses.Latest()
	if err != nil {
		return Slot{}, err
	}

	e.mu.Lock()
	e.currentSlot++
	slotNumber := e.currentSlot
	leaderID := e.selectLeaderLocked(slotNumber, latest.Hash)
	slot := &Slot{
		SlotNumber:    slotNumber,
		StartCounter:  latest.Counter,
		LeaderID:      leaderID,
		IsLeaderSelf:  leaderID == e.selfID,
		StartTime:     time.Now(),
		Confirmations: make(map[string]struct{}),
	}
	e.slots[slotNumber] = slot
	listeners := append([]events.SlotListener(nil), e.listeners...)
	e.mu.Unlock()

	for _, l := range listeners {
		l.OnNewSlot(slotNumber, leaderID, latest.Counter)
	}
	return *slot, nil
}

// ConfirmSlot records validatorID's attestation for slotNumber. Unknown
// slot numbers and duplicate confirmations are ignored (returns false,
// no error per spec.md §4.2 failure semantics). On a successful new
// confirmation it attempts FinalizeSlot.
func (e *Engine) ConfirmSlot(slotNumber uint64, validatorID string) bool {
	e.mu.Lock()
	slot, ok := e.slots[slotNumber]
	if !ok || slot.IsFinalized {
		e.mu.Unlock()
		return false
	}
	if _, dup := slot.Confirmations[validatorID]; dup {
		e.mu.Unlock()
		return false
	}
	slot.Confirmations[validatorID] = struct{}{}
	e.mu.Unlock()

	e.FinalizeSlot(slotNumber)
	return true
}

// FinalizeSlot finalizes slotNumber if quorum has been reached. It is
// idempotent: finalizing an already-finalized slot is a no-op.
func (e *Engine) FinalizeSlot(slotNumber uint64) bool {
	latest, err := e.pulses.Latest()
	if err != nil {
		return false
	}

	e.mu.Lock()
	slot, ok := e.slots[slotNumber]
	if !ok || slot.IsFinalized {
		e.mu.Unlock()
		return false
	}
	threshold := quorumThreshold(len(e.validators))
	if slot.ConfirmationCount() < threshold {
		e.mu.Unlock()
		return false
	}

	slot.EndCounter = latest.Counter
	slot.EndTime = time.Now()
	slot.IsFinalized = true
	e.finalizedOrder.Push(slotNumber)
	e.evictBehindFrontierLocked(slotNumber)

	if l, found := e.leaders[slot.LeaderID]; found {
		produced := float64(slot.EndCounter - slot.StartCounter)
		if e.targetHashesPerSlot > 0 && withinTolerance(produced, e.targetHashesPerSlot, FinalizeTolerance) {
			l.PerformanceScore = clampScore(l.PerformanceScore * FinalizeBonus)
		} else {
			l.PerformanceScore = clampScore(l.PerformanceScore * FinalizePenalty)
		}
	}

	confirmations := slot.ConfirmationCount()
	endCounter := slot.EndCounter
	listeners := append([]events.SlotListener(nil), e.listeners...)
	e.mu.Unlock()

	for _, l := range listeners {
		l.OnSlotFinalized(slotNumber, endCounter, confirmations)
	}
	return true
}

func withinTolerance(produced, target, tolerance float64) bool {
	if target == 0 {
		return true
	}
	diff := produced - target
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance*target
}

// evictBehindFrontierLocked drops slots that fall behind the
// finalization frontier by more than SlotWindow, per spec.md §3's
// "persists until evicted behind the finalization frontier". Must be
// called with e.mu held.
func (e *Engine) evictBehindFrontierLocked(frontier uint64) {
	if frontier <= SlotWindow {
		return
	}
	cutoff := frontier - SlotWindow
	for num, slot := range e.slots {
		if num < cutoff && slot.IsFinalized {
			delete(e.slots, num)
		}
	}
}

// Slot returns a copy of slot slotNumber, if known.
func (e *Engine) Slot(slotNumber uint64) (Slot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.slots[slotNumber]
	if !ok {
		return Slot{}, false
	}
	cp := *s
	cp.Confirmations = make(map[string]struct{}, len(s.Confirmations))
	for k := range s.Confirmations {
		cp.Confirmations[k] = struct{}{}
	}
	return cp, true
}

// CurrentSlotNumber returns the most recently created slot number (0
// before any slot has been created).
func (e *Engine) CurrentSlotNumber() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentSlot
}

// IsSelfLeader reports whether the local node leads the current slot.
// envdata.Collector calls this to gate fusion/injection to the leader
// only, per spec.md §4.6.
func (e *Engine) IsSelfLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	slot, ok := e.slots[e.currentSlot]
	return ok && slot.IsLeaderSelf
}

// LatestFinalizedSlot returns the most recently finalized slot number and
// true, or (0, false) if none has finalized yet. If slots finalize out of
// order this is not necessarily the highest finalized slot number.
func (e *Engine) LatestFinalizedSlot() (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.finalizedOrder.Last()
	return last, ok
}

// IsFinalized reports whether slotNumber is known and finalized.
func (e *Engine) IsFinalized(slotNumber uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.slots[slotNumber]
	return ok && s.IsFinalized
}

// Run starts the slot-cadence timer: every interval it calls
// CreateNewSlot. It returns when stop is closed.
func (e *Engine) Run(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := e.CreateNewSlot(); err != nil {
				continue
			}
		}
	}
}
