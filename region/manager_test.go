package region

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewElectsSelfAsSoleCoordinator(t *testing.T) {
	m := New("node0", "region-a")
	coord, ok := m.RegionCoordinator("region-a")
	require.True(t, ok)
	assert.Equal(t, "node0", coord)
	assert.True(t, m.IsCoordinator("node0"))
}

func TestCoordinatorIsLexicographicallySmallest(t *testing.T) {
	m := New("node-z", "region-a")
	m.RegisterNode("node-a", "region-a")
	m.RegisterNode("node-m", "region-a")

	coord, ok := m.RegionCoordinator("region-a")
	require.True(t, ok)
	assert.Equal(t, "node-a", coord, "lowest node id should coordinate")
}

func TestCoordinatorReElectionOnDeparture(t *testing.T) {
	m := New("node-a", "region-a")
	m.RegisterNode("node-b", "region-a")
	m.RegisterNode("node-c", "region-a")

	coord, ok := m.RegionCoordinator("region-a")
	require.True(t, ok)
	require.Equal(t, "node-a", coord)

	require.True(t, m.UnregisterNode("node-a"))

	coord, ok = m.RegionCoordinator("region-a")
	require.True(t, ok)
	assert.Equal(t, "node-b", coord, "departure of the coordinator must trigger re-election to the next lowest id")
}

func TestRegionBecomesCoordinatorlessWhenEmpty(t *testing.T) {
	m := New("solo", "region-a")
	require.True(t, m.UnregisterNode("solo"))

	_, ok := m.RegionCoordinator("region-a")
	assert.False(t, ok, "an empty region has no coordinator")
}

type stubCoordinatorListener struct {
	changes []coordinatorChange
}

type coordinatorChange struct {
	regionID, newCoordinator string
}

func (s *stubCoordinatorListener) OnCoordinatorChange(regionID, newCoordinator string) {
	s.changes = append(s.changes, coordinatorChange{regionID, newCoordinator})
}

func TestUnregisterLastNodeFiresCoordinatorChangeToNone(t *testing.T) {
	m := New("solo", "region-a")
	listener := &stubCoordinatorListener{}
	m.SubscribeCoordinator(listener)

	require.True(t, m.UnregisterNode("solo"))

	require.NotEmpty(t, listener.changes, "a listener must be notified when a region's last node departs")
	last := listener.changes[len(listener.changes)-1]
	assert.Equal(t, "region-a", last.regionID)
	assert.Empty(t, last.newCoordinator, "coordinator_change must report \"none\" as an empty string")
}

func TestSweepOfLastNodeFiresCoordinatorChangeToNone(t *testing.T) {
	m := New("solo", "region-a")
	listener := &stubCoordinatorListener{}
	m.SubscribeCoordinator(listener)

	m.mu.Lock()
	m.nodes["solo"].LastActive = time.Now().Add(-2 * InactivityWindow)
	m.mu.Unlock()

	m.Sweep()

	require.NotEmpty(t, listener.changes, "sweeping away a region's last node must still notify listeners")
	last := listener.changes[len(listener.changes)-1]
	assert.Equal(t, "region-a", last.regionID)
	assert.Empty(t, last.newCoordinator)

	_, ok := m.RegionCoordinator("region-a")
	assert.False(t, ok)
}

func TestConnectAndDisconnectRegions(t *testing.T) {
	m := New("node-a", "region-a")
	m.CreateRegion("region-b", "region-b")

	require.NoError(t, m.ConnectRegions("region-a", "region-b"))
	assert.ElementsMatch(t, []string{"region-b"}, m.ConnectedRegions("region-a"))
	assert.ElementsMatch(t, []string{"region-a"}, m.ConnectedRegions("region-b"))

	require.NoError(t, m.DisconnectRegions("region-a", "region-b"))
	assert.Empty(t, m.ConnectedRegions("region-a"))
}

func TestConnectRegionsRejectsSelfAndUnknown(t *testing.T) {
	m := New("node-a", "region-a")
	assert.Error(t, m.ConnectRegions("region-a", "region-a"))
	assert.Error(t, m.ConnectRegions("region-a", "region-ghost"))
}

func TestSecondaryRegionMembership(t *testing.T) {
	m := New("node-a", "region-a")
	m.CreateRegion("region-b", "region-b")

	require.NoError(t, m.AddSecondaryRegion("node-a", "region-b"))
	assert.Contains(t, m.RegionNodes("region-b"), "node-a")

	assert.Error(t, m.AddSecondaryRegion("node-a", "region-a"), "primary region cannot also be secondary")
	assert.Error(t, m.AddSecondaryRegion("node-a", "region-b"), "duplicate secondary add should fail")

	require.NoError(t, m.RemoveSecondaryRegion("node-a", "region-b"))
	assert.NotContains(t, m.RegionNodes("region-b"), "node-a")
}

func TestSweepDropsInactiveNodesAndReElects(t *testing.T) {
	m := New("node-a", "region-a")
	m.RegisterNode("node-b", "region-a")

	// Force node-a to look stale without waiting InactivityWindow for real.
	m.mu.Lock()
	m.nodes["node-a"].LastActive = time.Now().Add(-2 * InactivityWindow)
	m.mu.Unlock()

	m.Sweep()

	_, ok := m.RegionCoordinator("region-a")
	require.True(t, ok)
	coord, _ := m.RegionCoordinator("region-a")
	assert.Equal(t, "node-b", coord)
	assert.NotContains(t, m.RegionNodes("region-a"), "node-a")
}
