package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/pulsechain/pulse"
)

// fixedPulseSource hands back one fixed link, letting tests control the
// seed material deterministically instead of racing a real Generator.
type fixedPulseSource struct {
	link pulse.PulseHash
}

func (f fixedPulseSource) Latest() (pulse.PulseHash, error) { return f.link, nil }

func newTestEngine(selfID string, hash pulse.Hash) *Engine {
	return New(selfID, fixedPulseSource{link: pulse.PulseHash{Hash: hash, Counter: 1}}, 10_000, 400*time.Millisecond)
}

func TestSelectLeaderDeterministicAcrossEngines(t *testing.T) {
	hash := pulse.Hash{1, 2, 3}
	e1 := newTestEngine("nodeA", hash)
	e2 := newTestEngine("nodeA", hash)

	for _, e := range []*Engine{e1, e2} {
		e.RegisterLeader("nodeA", nil, "region-1", 100)
		e.RegisterLeader("nodeB", nil, "region-1", 50)
		e.RegisterLeader("nodeC", nil, "region-2", 25)
	}

	s1, err := e1.CreateNewSlot()
	require.NoError(t, err)
	s2, err := e2.CreateNewSlot()
	require.NoError(t, err)

	assert.Equal(t, s1.LeaderID, s2.LeaderID, "two engines seeded identically must pick the same leader")
}

func TestSelectLeaderStakeProportionality(t *testing.T) {
	const trials = 10_000
	counts := map[string]int{}

	for i := 0; i < trials; i++ {
		hash := pulse.Hash{}
		hash[0] = byte(i)
		hash[1] = byte(i >> 8)
		hash[2] = byte(i >> 16)
		e := newTestEngine("self", hash)
		e.RegisterLeader("heavy", nil, "r1", 75)
		e.RegisterLeader("light", nil, "r1", 25)

		slot, err := e.CreateNewSlot()
		require.NoError(t, err)
		counts[slot.LeaderID]++
	}

	freq := float64(counts["heavy"]) / float64(trials)
	assert.InDelta(t, 0.75, freq, 0.03, "heavy leader (75%% stake) should win roughly proportional to stake, got %.3f", freq)
}

func TestSelectLeaderRotationPressure(t *testing.T) {
	e := New("self", fixedPulseSource{link: pulse.PulseHash{Hash: pulse.Hash{9, 9, 9}, Counter: 1}}, 10_000, 400*time.Millisecond)
	e.RegisterLeader("solo", nil, "r1", 100)

	var lastScore float64
	for i := 0; i < RotationStreakLimit+2; i++ {
		_, err := e.CreateNewSlot()
		require.NoError(t, err)
		l, ok := e.Leader("solo")
		require.True(t, ok)
		lastScore = l.PerformanceScore
	}

	assert.Less(t, lastScore, DefaultPerformanceScore, "a leader winning past the rotation streak limit should be penalized")
}

func TestQuorumFinalization(t *testing.T) {
	e := newTestEngine("self", pulse.Hash{1})
	e.RegisterLeader("self", nil, "r1", 10)
	for _, v := range []string{"v1", "v2", "v3", "v4"} {
		e.RegisterValidator(v)
	}

	slot, err := e.CreateNewSlot()
	require.NoError(t, err)

	assert.Equal(t, 3, quorumThreshold(4), "ceil(2*4/3) == 3")

	assert.True(t, e.ConfirmSlot(slot.SlotNumber, "v1"))
	assert.False(t, e.IsFinalized(slot.SlotNumber))
	assert.True(t, e.ConfirmSlot(slot.SlotNumber, "v2"))
	assert.False(t, e.IsFinalized(slot.SlotNumber))
	assert.True(t, e.ConfirmSlot(slot.SlotNumber, "v3"))
	assert.True(t, e.IsFinalized(slot.SlotNumber))

	// Duplicate confirmation after finalization is a no-op, not an error.
	assert.False(t, e.ConfirmSlot(slot.SlotNumber, "v1"))
}

func TestConfirmSlotIgnoresDuplicatesAndUnknownSlots(t *testing.T) {
	e := newTestEngine("self", pulse.Hash{2})
	e.RegisterValidator("v1")

	slot, err := e.CreateNewSlot()
	require.NoError(t, err)

	assert.False(t, e.ConfirmSlot(slot.SlotNumber+999, "v1"), "unknown slot should be rejected")
	assert.True(t, e.ConfirmSlot(slot.SlotNumber, "v1"))
	assert.False(t, e.ConfirmSlot(slot.SlotNumber, "v1"), "duplicate confirmation should be ignored")
}

func TestFinalizeSlotIdempotent(t *testing.T) {
	e := newTestEngine("self", pulse.Hash{3})
	e.RegisterValidator("v1")

	slot, err := e.CreateNewSlot()
	require.NoError(t, err)
	require.True(t, e.ConfirmSlot(slot.SlotNumber, "v1"))
	require.True(t, e.IsFinalized(slot.SlotNumber))

	assert.False(t, e.FinalizeSlot(slot.SlotNumber), "finalizing an already-finalized slot is a no-op")
}

func TestCreateNewSlotFiresListenersAfterUnlock(t *testing.T) {
	e := newTestEngine("self", pulse.Hash{4})
	e.RegisterValidator("v1")

	fired := make(chan struct{}, 1)
	e.Subscribe(stubSlotListener{
		onNewSlot: func(slotNumber uint64, leaderID string, startCounter uint64) {
			// Re-entering the engine from inside the callback must not
			// deadlock: the mutex must already be released.
			_, _ = e.Slot(slotNumber)
			fired <- struct{}{}
		},
	})

	_, err := e.CreateNewSlot()
	require.NoError(t, err)

	select {
	case <-fired:
	default:
		t.Fatal("OnNewSlot was not invoked")
	}
}

func TestSelectLeaderNoLeadersFallsBackToSelf(t *testing.T) {
	e := newTestEngine("lonely", pulse.Hash{5})
	slot, err := e.CreateNewSlot()
	require.NoError(t, err)
	assert.Equal(t, "lonely", slot.LeaderID)
	assert.True(t, slot.IsLeaderSelf)
}

type stubSlotListener struct {
	onNewSlot   func(slotNumber uint64, leaderID string, startCounter uint64)
	onSlotFinal func(slotNumber uint64, endCounter uint64, confirmations int)
}

func (s stubSlotListener) OnNewSlot(slotNumber uint64, leaderID string, startCounter uint64) {
	if s.onNewSlot != nil {
		s.onNewSlot(slotNumber, leaderID, startCounter)
	}
}

func (s stubSlotListener) OnSlotFinalized(slotNumber uint64, endCounter uint64, confirmations int) {
	if s.onSlotFinal != nil {
		s.onSlotFinal(slotNumber, endCounter, confirmations)
	}
}
