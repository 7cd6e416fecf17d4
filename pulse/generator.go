package pulse

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tolelom/pulsechain/crypto"
	"github.com/tolelom/pulsechain/internal/ring"
)

// MaxChainLen is the bounded ring size for the in-memory hash chain
// (spec.md §3: "a PulseHash lives in a bounded ring (≤ 1000 most recent)").
const MaxChainLen = 1000

// hashRateAlpha is the EWMA smoothing factor for the reported hash rate.
// The original implementation recomputed a flat "hashes since last
// check / elapsed seconds" figure once a second and called that a rate;
// this keeps the same one-second sampling cadence but smooths samples
// with a true exponential moving average, documented in SPEC_FULL.md as
// a deliberate improvement rather than a silent behavior change.
const hashRateAlpha = 0.2

// Generator maintains the verifiable pulse hash sequence. next is the
// sole writer; latest/verify/export are readers; import acquires the same
// exclusive lock as next (spec.md §5).
type Generator struct {
	mu sync.Mutex

	chain *ring.Ring[PulseHash]

	prevHash Hash
	counter  uint64
	envHash  Hash

	targetRate       int
	hashesSinceCheck int
	lastCheck        time.Time
	currentRate      float64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Generator with the canonical genesis state and the given
// target hash rate (Hz). targetRate <= 0 defaults to 10,000 Hz.
func New(targetRate int) *Generator {
	if targetRate <= 0 {
		targetRate = 10_000
	}
	return &Generator{
		chain:      ring.New[PulseHash](MaxChainLen),
		prevHash:   hashBytes([]byte(GenesisSeed)),
		counter:    0,
		envHash:    hashBytes([]byte(EnvGenesisSeed)),
		targetRate: targetRate,
		lastCheck:  time.Now(),
	}
}

// Next generates the next link in the sequence. If envData is non-nil it
// is canonically JSON-encoded and re-hashed into the env-hash before the
// new link is computed; a nil envData reuses whatever env-hash is
// currently set (env-hash updates are sticky, per spec.md §4.1).
func (g *Generator) Next(envData any) (PulseHash, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nextLocked(envData)
}

func (g *Generator) nextLocked(envData any) (PulseHash, error) {
	if envData != nil {
		data, err := crypto.CanonicalJSON(envData)
		if err != nil {
			return PulseHash{}, fmt.Errorf("canonicalize env data: %w", err)
		}
		g.envHash = hashBytes(data)
	}

	prev := g.prevHash
	input := make([]byte, 0, 32+8+32)
	input = append(input, prev[:]...)
	input = append(input, crypto.LE64(g.counter)...)
	input = append(input, g.envHash[:]...)
	newHash := hashBytes(input)

	g.counter++
	g.prevHash = newHash

	link := PulseHash{
		Hash:      newHash,
		Counter:   g.counter,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		EnvHash:   g.envHash,
		PrevHash:  prev,
	}
	g.chain.Push(link)
	g.recordHashLocked()
	return link, nil
}

func (g *Generator) recordHashLocked() {
	g.hashesSinceCheck++
	now := time.Now()
	elapsed := now.Sub(g.lastCheck)
	if elapsed < time.Second {
		return
	}
	instant := float64(g.hashesSinceCheck) / elapsed.Seconds()
	if g.currentRate == 0 {
		g.currentRate = instant
	} else {
		g.currentRate = hashRateAlpha*instant + (1-hashRateAlpha)*g.currentRate
	}
	g.hashesSinceCheck = 0
	g.lastCheck = now
}

// Verify recomputes the digest from link's declared PrevHash, Counter-1,
// and EnvHash, and reports whether it equals link.Hash. Never raises.
func (g *Generator) Verify(link PulseHash) bool {
	return verifyLink(link)
}

func verifyLink(link PulseHash) bool {
	if link.Counter == 0 {
		return false
	}
	input := make([]byte, 0, 32+8+32)
	input = append(input, link.PrevHash[:]...)
	input = append(input, crypto.LE64(link.Counter-1)...)
	input = append(input, link.EnvHash[:]...)
	computed := hashBytes(input)
	return computed == link.Hash
}

// Latest returns the most recent link, synthesizing one from genesis if
// the chain is empty.
func (g *Generator) Latest() (PulseHash, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if last, ok := g.chain.Last(); ok {
		return last, nil
	}
	return g.nextLocked(nil)
}

// HashRate returns the current smoothed hash rate in Hz.
func (g *Generator) HashRate() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currentRate
}

// Export returns up to count links starting at chain index start, oldest
// first, in wire form.
func (g *Generator) Export(start, count int) []WireLink {
	g.mu.Lock()
	defer g.mu.Unlock()
	items := g.chain.Slice(start, count)
	out := make([]WireLink, len(items))
	for i, link := range items {
		out[i] = link.ToWire()
	}
	return out
}

// ErrImportRejected is returned when any link in an imported batch fails
// verification or chain continuity; the whole batch is discarded.
var ErrImportRejected = errors.New("pulse: import batch rejected")

// Import validates each link in chain via Verify, in order, checking that
// each link's PrevHash matches the previous link's Hash (continuity).
// On any failure the whole batch is rejected and the local chain is left
// untouched. On success, the batch either extends the local chain (if its
// first link continues from the current tip) or replaces it outright
// (used for region-sync catch-up transfers), and the generator adopts the
// last link's counter and env-hash.
func (g *Generator) Import(links []WireLink) error {
	if len(links) == 0 {
		return nil
	}
	parsed := make([]PulseHash, len(links))
	for i, w := range links {
		link, err := FromWire(w)
		if err != nil {
			return fmt.Errorf("%w: link %d: %v", ErrImportRejected, i, err)
		}
		if !verifyLink(link) {
			return fmt.Errorf("%w: link %d failed verification", ErrImportRejected, i)
		}
		if i > 0 && link.PrevHash != parsed[i-1].Hash {
			return fmt.Errorf("%w: link %d does not chain from link %d", ErrImportRejected, i, i-1)
		}
		parsed[i] = link
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	first := parsed[0]
	if first.PrevHash == g.prevHash && first.Counter == g.counter+1 {
		for _, link := range parsed {
			g.chain.Push(link)
		}
	} else {
		g.chain.Reset(parsed)
	}
	last := parsed[len(parsed)-1]
	g.prevHash = last.Hash
	g.counter = last.Counter
	g.envHash = last.EnvHash
	return nil
}

// Run starts the hashing cadence loop at the generator's target rate,
// calling Next(nil) each tick and sleeping the residual interval. It
// returns when stop is closed; the caller is expected to run it in a
// goroutine and wait on a WaitGroup (spec.md §5: "the hash loop yields
// after each hash").
func (g *Generator) Run(stop <-chan struct{}) {
	interval := time.Second / time.Duration(g.targetRate)
	for {
		select {
		case <-stop:
			return
		default:
		}
		start := time.Now()
		if _, err := g.Next(nil); err != nil {
			// Canonicalization only fails for unmarshalable env data, which
			// never happens on the nil path; kept defensive per spec.md §7.
			continue
		}
		elapsed := time.Since(start)
		if remaining := interval - elapsed; remaining > 0 {
			select {
			case <-stop:
				return
			case <-time.After(remaining):
			}
		}
	}
}
