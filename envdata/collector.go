package envdata

import (
	"log"
	"math"
	"sync"
	"time"

	"github.com/tolelom/pulsechain/pulse"
)

// PulseSink is the narrow view of the Pulse Generator the collector needs
// to inject a fused payload into the next link.
type PulseSink interface {
	Next(envData any) (pulse.PulseHash, error)
}

// SlotSource tells the collector whether the local node is the current
// slot's leader; fusion only runs on the leader (spec.md §4.6: "if this
// node is leader").
type SlotSource interface {
	IsSelfLeader() bool
}

// Collector owns the registered sources, drives each one on its own
// update_interval, and performs slot-boundary fusion when this node
// leads.
type Collector struct {
	mu      sync.Mutex
	nodeID  string
	sources map[string]*Source
	pulses  PulseSink
	slots   SlotSource

	minSources int
}

// New creates an empty Collector for nodeID.
func New(nodeID string, pulses PulseSink, slots SlotSource) *Collector {
	return &Collector{
		nodeID:     nodeID,
		sources:    make(map[string]*Source),
		pulses:     pulses,
		slots:      slots,
		minSources: minSources,
	}
}

// SetMinSources overrides the default minimum accepted-source count
// fusion requires before injecting anything.
func (c *Collector) SetMinSources(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minSources = n
}

// AddSource registers a source at runtime (spec.md §4.6: "sources may be
// added/removed at runtime").
func (c *Collector) AddSource(cfg SourceConfig, fetcher Fetcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[cfg.SourceID] = &Source{Config: cfg, Fetcher: fetcher}
}

// RemoveSource unregisters a source.
func (c *Collector) RemoveSource(sourceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sources, sourceID)
}

// pollLocked polls a single source, applying the cache/decay/error policy
// in spec.md §4.6: a skipped poll reuses the cache at a linearly decayed
// confidence; past max_errors consecutive failures, the cache is still
// returned at a further-reduced floor confidence.
func (c *Collector) pollLocked(src *Source, now time.Time) (Sample, bool) {
	due := src.lastPolled.IsZero() || now.Sub(src.lastPolled) >= src.Config.UpdateInterval()
	if due {
		payload, err := src.Fetcher.Fetch()
		if err != nil {
			src.errCount++
			log.Printf("[envdata] source %s poll failed (%d consecutive): %v", src.Config.SourceID, src.errCount, err)
		} else {
			src.errCount = 0
			src.lastPolled = now
			if _, hasTimestamp := payload["timestamp"]; !hasTimestamp {
				payload["timestamp"] = nowSeconds(now)
			}
			sample, sErr := newSample(src.Config.SourceID, nowSeconds(now), src.Config.SourceType, payload, 1.0)
			if sErr != nil {
				log.Printf("[envdata] source %s sample construction failed: %v", src.Config.SourceID, sErr)
			} else {
				src.lastSample = &sample
				return sample, true
			}
		}
	}

	if src.lastSample == nil {
		return Sample{}, false
	}

	confidence := decayedConfidence(now.Sub(src.lastPolled))
	if src.errCount > maxErrors {
		confidence = math.Max(0.1, 1-float64(src.errCount)/10)
	}
	cached := *src.lastSample
	cached.Confidence = confidence
	return cached, true
}

// decayedConfidence linearly decays confidence with cache age, per
// spec.md §4.6, floored at 0.5.
func decayedConfidence(age time.Duration) float64 {
	frac := age.Seconds() / maxDataAge.Seconds()
	c := 1 - frac
	if c < 0.5 {
		return 0.5
	}
	return c
}

// CollectAll polls every registered source, applying each one's own
// cache/decay policy, and returns every sample that was produced.
func (c *Collector) CollectAll() []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	samples := make([]Sample, 0, len(c.sources))
	for _, src := range c.sources {
		if sample, ok := c.pollLocked(src, now); ok {
			samples = append(samples, sample)
		}
	}
	return samples
}

// OnNewSlot runs the fusion pipeline described in spec.md §4.6 when this
// node is the current slot's leader: collect, filter, fuse, and inject
// into the pulse generator. A fusion failure (too few fresh sources, or
// a downstream injection error) is logged and produces no injection;
// the pulse still advances, reusing its previous env-hash. Implements
// events.SlotListener so it can subscribe directly to consensus.Engine.
func (c *Collector) OnNewSlot(slotNumber uint64, leaderID string, startCounter uint64) {
	if !c.slots.IsSelfLeader() {
		return
	}
	samples := c.CollectAll()

	c.mu.Lock()
	nodeID := c.nodeID
	required := c.minSources
	c.mu.Unlock()

	fused, err := fuse(nodeID, samples, time.Now(), required)
	if err != nil {
		log.Printf("[envdata] slot %d: skipping injection: %v", slotNumber, err)
		if _, err := c.pulses.Next(nil); err != nil {
			log.Printf("[envdata] slot %d: pulse advance without env data failed: %v", slotNumber, err)
		}
		return
	}

	payload := map[string]any{
		"timestamp":     fused.Timestamp,
		"source_count":  fused.SourceCount,
		"integrated_by": fused.IntegratedBy,
		"hash":          fused.Hash,
	}
	for k, v := range fused.Groups {
		payload[k] = v
	}
	if _, err := c.pulses.Next(payload); err != nil {
		log.Printf("[envdata] slot %d: inject fused env data failed: %v", slotNumber, err)
	}
}

// OnSlotFinalized is a no-op: fusion only reacts to slot creation, but
// the method exists so Collector satisfies events.SlotListener.
func (c *Collector) OnSlotFinalized(slotNumber uint64, endCounter uint64, confirmations int) {}
