// Package region implements the region membership graph: geographic
// groupings of nodes, each with a deterministically elected coordinator,
// connected to other regions for sync fan-out. See spec.md §4.4.
package region

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/tolelom/pulsechain/events"
)

// InactivityWindow is how long a node may go unseen before it is dropped
// from its regions by the periodic sweep.
const InactivityWindow = 60 * time.Second

// SweepInterval is how often Run checks for inactive nodes.
const SweepInterval = 5 * time.Second

// Info describes a region's membership and connectivity.
type Info struct {
	RegionID         string
	Name             string
	CoordinatorID    string
	ActiveNodes      map[string]struct{}
	ConnectedRegions map[string]struct{}
	CreatedAt        time.Time
	LastUpdate       time.Time
}

// NodeInfo describes one node's region assignments.
type NodeInfo struct {
	NodeID           string
	PrimaryRegion    string
	SecondaryRegions map[string]struct{}
	IsCoordinator    bool
	JoinedAt         time.Time
	LastActive       time.Time
}

// Manager tracks the region membership graph for one node's view of the
// network.
type Manager struct {
	mu sync.Mutex

	selfID        string
	primaryRegion string

	regions map[string]*Info
	nodes   map[string]*NodeInfo

	regionListeners      []events.RegionListener
	coordinatorListeners []events.CoordinatorListener
}

// New creates a Manager for selfID, creating and joining primaryRegion.
func New(selfID, primaryRegion string) *Manager {
	m := &Manager{
		selfID:        selfID,
		primaryRegion: primaryRegion,
		regions:       make(map[string]*Info),
		nodes:         make(map[string]*NodeInfo),
	}
	m.createRegionLocked(primaryRegion, primaryRegion)
	m.registerNodeLocked(selfID, primaryRegion, time.Now())
	var fire []func()
	m.maybeElectCoordinatorLocked(primaryRegion, &fire)
	for _, f := range fire {
		f()
	}
	return m
}

// SubscribeRegion registers l for primary-region change notifications.
func (m *Manager) SubscribeRegion(l events.RegionListener) {
	m.mu.Lock()
	m.regionListeners = append(m.regionListeners, l)
	m.mu.Unlock()
}

// SubscribeCoordinator registers l for coordinator change notifications.
func (m *Manager) SubscribeCoordinator(l events.CoordinatorListener) {
	m.mu.Lock()
	m.coordinatorListeners = append(m.coordinatorListeners, l)
	m.mu.Unlock()
}

// CreateRegion creates a new empty region. Returns false if it already
// exists.
func (m *Manager) CreateRegion(regionID, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createRegionLocked(regionID, name)
}

func (m *Manager) createRegionLocked(regionID, name string) bool {
	if _, exists := m.regions[regionID]; exists {
		return false
	}
	now := time.Now()
	m.regions[regionID] = &Info{
		RegionID:         regionID,
		Name:             name,
		ActiveNodes:      make(map[string]struct{}),
		ConnectedRegions: make(map[string]struct{}),
		CreatedAt:        now,
		LastUpdate:       now,
	}
	return true
}

// RegisterNode registers nodeID with primaryRegion, creating the region
// if it doesn't exist. A node already in a different primary region is
// moved, firing OnRegionChange.
func (m *Manager) RegisterNode(nodeID, primaryRegion string) {
	m.mu.Lock()
	existing, hadNode := m.nodes[nodeID]
	movedFrom := ""
	if hadNode && existing.PrimaryRegion != primaryRegion {
		movedFrom = existing.PrimaryRegion
	}

	m.registerNodeLocked(nodeID, primaryRegion, time.Now())

	var coordChanges []func()
	m.maybeElectCoordinatorLocked(primaryRegion, &coordChanges)
	if movedFrom != "" {
		m.maybeElectCoordinatorLocked(movedFrom, &coordChanges)
	}
	regionListeners := append([]events.RegionListener(nil), m.regionListeners...)
	m.mu.Unlock()

	if movedFrom != "" {
		for _, l := range regionListeners {
			l.OnRegionChange(nodeID, primaryRegion)
		}
	}
	for _, f := range coordChanges {
		f()
	}
}

func (m *Manager) registerNodeLocked(nodeID, primaryRegion string, now time.Time) {
	if _, ok := m.regions[primaryRegion]; !ok {
		m.createRegionLocked(primaryRegion, primaryRegion)
	}

	if existing, ok := m.nodes[nodeID]; ok {
		if existing.PrimaryRegion == primaryRegion {
			existing.LastActive = now
			return
		}
		oldRegion := existing.PrimaryRegion
		if r, ok := m.regions[oldRegion]; ok {
			delete(r.ActiveNodes, nodeID)
			r.LastUpdate = now
		}
		existing.PrimaryRegion = primaryRegion
		existing.LastActive = now
	} else {
		m.nodes[nodeID] = &NodeInfo{
			NodeID:           nodeID,
			PrimaryRegion:    primaryRegion,
			SecondaryRegions: make(map[string]struct{}),
			JoinedAt:         now,
			LastActive:       now,
		}
	}

	region := m.regions[primaryRegion]
	region.ActiveNodes[nodeID] = struct{}{}
	region.LastUpdate = now
}

// UnregisterNode removes nodeID from the graph entirely.
func (m *Manager) UnregisterNode(nodeID string) bool {
	m.mu.Lock()
	node, ok := m.nodes[nodeID]
	if !ok {
		m.mu.Unlock()
		return false
	}

	now := time.Now()
	var coordChanges []func()
	if r, ok := m.regions[node.PrimaryRegion]; ok {
		delete(r.ActiveNodes, nodeID)
		r.LastUpdate = now
		if r.CoordinatorID == nodeID {
			r.CoordinatorID = ""
			m.maybeElectCoordinatorLocked(node.PrimaryRegion, &coordChanges)
		}
	}
	for secondary := range node.SecondaryRegions {
		if r, ok := m.regions[secondary]; ok {
			delete(r.ActiveNodes, nodeID)
			r.LastUpdate = now
		}
	}
	delete(m.nodes, nodeID)
	m.mu.Unlock()

	for _, f := range coordChanges {
		f()
	}
	return true
}

// AddSecondaryRegion joins nodeID to regionID as a secondary region.
func (m *Manager) AddSecondaryRegion(nodeID, regionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[nodeID]
	if !ok {
		return fmt.Errorf("region: node %q not registered", nodeID)
	}
	if _, ok := m.regions[regionID]; !ok {
		return fmt.Errorf("region: %q does not exist", regionID)
	}
	if regionID == node.PrimaryRegion {
		return fmt.Errorf("region: %q is already the primary region for %q", regionID, nodeID)
	}
	if _, ok := node.SecondaryRegions[regionID]; ok {
		return fmt.Errorf("region: %q already has %q as a secondary region", nodeID, regionID)
	}
	node.SecondaryRegions[regionID] = struct{}{}
	r := m.regions[regionID]
	r.ActiveNodes[nodeID] = struct{}{}
	r.LastUpdate = time.Now()
	return nil
}

// RemoveSecondaryRegion removes nodeID's membership in regionID.
func (m *Manager) RemoveSecondaryRegion(nodeID, regionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[nodeID]
	if !ok {
		return fmt.Errorf("region: node %q not registered", nodeID)
	}
	if _, ok := node.SecondaryRegions[regionID]; !ok {
		return fmt.Errorf("region: %q is not a secondary region of %q", nodeID, regionID)
	}
	delete(node.SecondaryRegions, regionID)
	if r, ok := m.regions[regionID]; ok {
		delete(r.ActiveNodes, nodeID)
		r.LastUpdate = time.Now()
	}
	return nil
}

// ConnectRegions marks two regions as directly connected for sync
// fan-out (symmetric).
func (m *Manager) ConnectRegions(a, b string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ra, ok := m.regions[a]
	if !ok {
		return fmt.Errorf("region: %q does not exist", a)
	}
	rb, ok := m.regions[b]
	if !ok {
		return fmt.Errorf("region: %q does not exist", b)
	}
	if a == b {
		return fmt.Errorf("region: cannot connect %q to itself", a)
	}
	ra.ConnectedRegions[b] = struct{}{}
	rb.ConnectedRegions[a] = struct{}{}
	now := time.Now()
	ra.LastUpdate, rb.LastUpdate = now, now
	return nil
}

// DisconnectRegions removes a direct connection between two regions.
func (m *Manager) DisconnectRegions(a, b string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ra, ok := m.regions[a]
	if !ok {
		return fmt.Errorf("region: %q does not exist", a)
	}
	rb, ok := m.regions[b]
	if !ok {
		return fmt.Errorf("region: %q does not exist", b)
	}
	delete(ra.ConnectedRegions, b)
	delete(rb.ConnectedRegions, a)
	now := time.Now()
	ra.LastUpdate, rb.LastUpdate = now, now
	return nil
}

// maybeElectCoordinatorLocked (re)elects regionID's coordinator: the
// lexicographically smallest active node ID wins (spec.md §4.4), so an
// unchanged membership keeps the same coordinator. Appends a notification
// thunk to fire after unlock if the coordinator changed. If regionID has
// no active nodes left and its coordinator is unset, it fires the "none"
// transition instead of electing anyone.
func (m *Manager) maybeElectCoordinatorLocked(regionID string, fire *[]func()) {
	r, ok := m.regions[regionID]
	if !ok {
		return
	}
	if len(r.ActiveNodes) == 0 {
		if r.CoordinatorID == "" {
			m.fireCoordinatorClearedLocked(regionID, fire)
		}
		return
	}

	ids := make([]string, 0, len(r.ActiveNodes))
	for id := range r.ActiveNodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	newCoordinator := ids[0]
	if newCoordinator == r.CoordinatorID {
		return
	}
	if old, ok := m.nodes[r.CoordinatorID]; ok && old.PrimaryRegion == regionID {
		old.IsCoordinator = false
	}
	r.CoordinatorID = newCoordinator
	if node, ok := m.nodes[newCoordinator]; ok {
		node.IsCoordinator = true
	}

	listeners := append([]events.CoordinatorListener(nil), m.coordinatorListeners...)
	*fire = append(*fire, func() {
		log.Printf("[region] %s elected coordinator for %s", newCoordinator, regionID)
		for _, l := range listeners {
			l.OnCoordinatorChange(regionID, newCoordinator)
		}
	})
}

// fireCoordinatorClearedLocked appends a coordinator_change(regionID, "")
// notification thunk, per spec.md §4.4's requirement to notify listeners
// when a region becomes empty, not just when a new coordinator is chosen.
func (m *Manager) fireCoordinatorClearedLocked(regionID string, fire *[]func()) {
	listeners := append([]events.CoordinatorListener(nil), m.coordinatorListeners...)
	*fire = append(*fire, func() {
		log.Printf("[region] %s has no active nodes; coordinator cleared", regionID)
		for _, l := range listeners {
			l.OnCoordinatorChange(regionID, "")
		}
	})
}

// RegionCoordinator returns regionID's current coordinator, if any.
func (m *Manager) RegionCoordinator(regionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regions[regionID]
	if !ok || r.CoordinatorID == "" {
		return "", false
	}
	return r.CoordinatorID, true
}

// RegionNodes returns a snapshot of regionID's active node IDs.
func (m *Manager) RegionNodes(regionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regions[regionID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(r.ActiveNodes))
	for id := range r.ActiveNodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsCoordinator reports whether nodeID coordinates any region it belongs
// to.
func (m *Manager) IsCoordinator(nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[nodeID]
	return ok && node.IsCoordinator
}

// ConnectedRegions returns the regions directly connected to regionID.
func (m *Manager) ConnectedRegions(regionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regions[regionID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(r.ConnectedRegions))
	for id := range r.ConnectedRegions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SelfPrimaryRegion returns the region this Manager's own node joined
// with at construction time.
func (m *Manager) SelfPrimaryRegion() string {
	return m.primaryRegion
}

// Touch marks nodeID as seen just now, resetting its inactivity clock.
func (m *Manager) Touch(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if node, ok := m.nodes[nodeID]; ok {
		node.LastActive = time.Now()
	}
}

// sweepInactiveLocked drops nodes unseen for longer than InactivityWindow.
// Must be called with m.mu held; returns coordinator-change thunks for
// regions left without a coordinator.
func (m *Manager) sweepInactiveLocked(now time.Time) []func() {
	var stale []string
	for id, node := range m.nodes {
		if now.Sub(node.LastActive) > InactivityWindow {
			stale = append(stale, id)
		}
	}

	var fire []func()
	coordinatorCleared := make(map[string]struct{})
	for _, id := range stale {
		node := m.nodes[id]
		if r, ok := m.regions[node.PrimaryRegion]; ok {
			delete(r.ActiveNodes, id)
			r.LastUpdate = now
			if r.CoordinatorID == id {
				r.CoordinatorID = ""
				coordinatorCleared[node.PrimaryRegion] = struct{}{}
			}
		}
		for secondary := range node.SecondaryRegions {
			if r, ok := m.regions[secondary]; ok {
				delete(r.ActiveNodes, id)
			}
		}
		delete(m.nodes, id)
	}

	// Only regions whose coordinator was actually cleared by this sweep
	// are re-evaluated: a region that was already coordinatorless before
	// this pass must not be re-fired every sweep interval.
	for regionID := range coordinatorCleared {
		m.maybeElectCoordinatorLocked(regionID, &fire)
	}
	return fire
}

// Sweep runs one inactivity pass immediately (exported for tests and for
// callers that want to trigger it out of band).
func (m *Manager) Sweep() {
	m.mu.Lock()
	fire := m.sweepInactiveLocked(time.Now())
	m.mu.Unlock()
	for _, f := range fire {
		f()
	}
}

// Run periodically sweeps for inactive nodes until stop is closed.
func (m *Manager) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
