package envdata

import (
	"math/rand"
	"runtime"
	"time"
)

// TimeFetcher synthesizes a {timestamp, system_time, ntp_offset} sample.
// A real deployment would consult a set of NTP servers and average their
// offsets; this synthesizes a small, bounded jitter around zero to stand
// in for that average, per spec.md §4.6.
type TimeFetcher struct {
	rng *rand.Rand
}

// NewTimeFetcher builds a time source seeded from the wall clock at
// construction (this is a local probe, not consensus-critical data, so
// an unseeded PRNG is acceptable here unlike the leader-election path).
func NewTimeFetcher() *TimeFetcher {
	return &TimeFetcher{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (f *TimeFetcher) Fetch() (map[string]any, error) {
	now := time.Now()
	offsetMS := f.rng.NormFloat64() * 5 // milliseconds, centered on 0
	return map[string]any{
		"system_time": float64(now.UnixNano()) / 1e9,
		"ntp_offset":  offsetMS / 1000,
	}, nil
}

// NetworkFetcher synthesizes latency/packet-loss/bandwidth numbers from
// local probes, per spec.md §4.6.
type NetworkFetcher struct {
	rng *rand.Rand
}

func NewNetworkFetcher() *NetworkFetcher {
	return &NetworkFetcher{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (f *NetworkFetcher) Fetch() (map[string]any, error) {
	return map[string]any{
		"latency_ms":        20 + f.rng.Float64()*30,
		"packet_loss_ratio": f.rng.Float64() * 0.02,
		"bandwidth_mbps":    50 + f.rng.Float64()*150,
	}, nil
}

// SystemFetcher reports local resource counters sourced from the Go
// runtime rather than shelling out to the OS, per SPEC_FULL.md §4.6: no
// pack example wires a real OS-metrics library, and these are described
// as "local probes" that the runtime can answer directly.
type SystemFetcher struct {
	start time.Time
}

func NewSystemFetcher() *SystemFetcher {
	return &SystemFetcher{start: time.Now()}
}

func (f *SystemFetcher) Fetch() (map[string]any, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return map[string]any{
		"goroutines":   float64(runtime.NumGoroutine()),
		"heap_alloc":   float64(mem.HeapAlloc),
		"heap_objects": float64(mem.HeapObjects),
		"uptime":       time.Since(f.start).Seconds(),
	}, nil
}
