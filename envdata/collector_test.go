package envdata

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/pulsechain/pulse"
)

type stubFetcher struct {
	payload map[string]any
	err     error
	calls   int
}

func (f *stubFetcher) Fetch() (map[string]any, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]any, len(f.payload))
	for k, v := range f.payload {
		out[k] = v
	}
	return out, nil
}

type stubPulseSink struct {
	lastEnvData any
	calls       int
}

func (s *stubPulseSink) Next(envData any) (pulse.PulseHash, error) {
	s.lastEnvData = envData
	s.calls++
	return pulse.PulseHash{}, nil
}

type stubSlotSource struct{ leader bool }

func (s *stubSlotSource) IsSelfLeader() bool { return s.leader }

func TestCollectAllPollsDueSources(t *testing.T) {
	c := New("node-1", &stubPulseSink{}, &stubSlotSource{})
	fetcher := &stubFetcher{payload: map[string]any{"price": 42.0}}
	c.AddSource(SourceConfig{SourceID: "s1", SourceType: KindMarket, UpdateIntervalS: 3600}, fetcher)

	samples := c.CollectAll()
	require.Len(t, samples, 1)
	assert.Equal(t, 1, fetcher.calls)
	assert.Equal(t, 1.0, samples[0].Confidence)
}

func TestCollectAllReusesCacheWithinInterval(t *testing.T) {
	c := New("node-1", &stubPulseSink{}, &stubSlotSource{})
	fetcher := &stubFetcher{payload: map[string]any{"price": 42.0}}
	c.AddSource(SourceConfig{SourceID: "s1", SourceType: KindMarket, UpdateIntervalS: 3600}, fetcher)

	c.CollectAll()
	samples := c.CollectAll()
	require.Len(t, samples, 1)
	assert.Equal(t, 1, fetcher.calls, "second poll within the interval must reuse the cache, not refetch")
}

func TestCollectAllAppliesErrorFloorConfidenceBeyondMaxErrors(t *testing.T) {
	c := New("node-1", &stubPulseSink{}, &stubSlotSource{})
	fetcher := &stubFetcher{err: errors.New("boom")}
	c.AddSource(SourceConfig{SourceID: "s1", SourceType: KindMarket, UpdateIntervalS: 0}, fetcher)

	// prime a cached sample first by setting the source's cache directly.
	src := c.sources["s1"]
	sample, err := newSample("s1", nowSeconds(time.Now()), KindMarket, map[string]any{"price": 1.0}, 1.0)
	require.NoError(t, err)
	src.lastSample = &sample
	src.lastPolled = time.Now()

	for i := 0; i < maxErrors+2; i++ {
		c.CollectAll()
	}

	samples := c.CollectAll()
	require.Len(t, samples, 1)
	assert.Less(t, samples[0].Confidence, 0.5, "confidence should fall under the decay floor once max_errors is exceeded")
}

func TestOnNewSlotSkipsWhenNotLeader(t *testing.T) {
	sink := &stubPulseSink{}
	c := New("node-1", sink, &stubSlotSource{leader: false})
	c.AddSource(SourceConfig{SourceID: "s1", SourceType: KindMarket, UpdateIntervalS: 3600}, &stubFetcher{payload: map[string]any{"price": 1.0}})

	c.OnNewSlot(1, "other-node", 0)
	assert.Equal(t, 0, sink.calls)
}

func TestOnNewSlotInjectsFusedPayloadWhenLeader(t *testing.T) {
	sink := &stubPulseSink{}
	c := New("node-1", sink, &stubSlotSource{leader: true})
	c.AddSource(SourceConfig{SourceID: "s1", SourceType: KindMarket, UpdateIntervalS: 3600}, &stubFetcher{payload: map[string]any{"price": 1.0}})

	c.OnNewSlot(1, "node-1", 0)
	require.Equal(t, 1, sink.calls)
	payload, ok := sink.lastEnvData.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "node-1", payload["integrated_by"])
}

func TestOnNewSlotAdvancesWithoutInjectionWhenInsufficientSources(t *testing.T) {
	sink := &stubPulseSink{}
	c := New("node-1", sink, &stubSlotSource{leader: true})

	c.OnNewSlot(1, "node-1", 0)
	require.Equal(t, 1, sink.calls)
	assert.Nil(t, sink.lastEnvData)
}
