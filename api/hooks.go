// Package api defines the observe/mutate hook interfaces an external
// HTTP (or other) surface would call into. It intentionally implements
// no server: the public HTTP surface is out of scope (spec.md §4.6's
// Non-goals list "no persistent chain storage" and spec.md §6 states the
// core "offers observe/mutate hooks but defines no wire format for
// them"). Named after the teacher's rpc.Handler method set, but with no
// rpc.Server equivalent.
package api

import (
	"github.com/tolelom/pulsechain/consensus"
	"github.com/tolelom/pulsechain/pulse"
	"github.com/tolelom/pulsechain/region"
)

// Observer is the read-only surface a future external API would expose.
type Observer interface {
	LatestPulse() (pulse.PulseHash, error)
	CurrentSlot() (consensus.Slot, bool)
	Regions() []string
}

// Mutator is the state-changing surface a future external API would
// expose, narrowed to the operations spec.md §4.2 defines as safe to
// call from outside the core (confirmations and validator registration;
// leader registration and slot creation remain internal/cadence-driven).
type Mutator interface {
	ConfirmSlot(slotNumber uint64, validatorID string) bool
	RegisterValidator(id string)
}

// Bindings wires a concrete Observer/Mutator pair to the core
// components that actually implement them.
type Bindings struct {
	Pulses      *pulse.Generator
	Consensus   *consensus.Engine
	RegionsInfo *region.Manager
}

// LatestPulse implements Observer.
func (b *Bindings) LatestPulse() (pulse.PulseHash, error) { return b.Pulses.Latest() }

// CurrentSlot implements Observer.
func (b *Bindings) CurrentSlot() (consensus.Slot, bool) {
	return b.Consensus.Slot(b.Consensus.CurrentSlotNumber())
}

// Regions implements Observer by listing the currently connected
// regions via the configured primary region's connection set.
func (b *Bindings) Regions() []string {
	return b.RegionsInfo.ConnectedRegions(b.RegionsInfo.SelfPrimaryRegion())
}

// ConfirmSlot implements Mutator.
func (b *Bindings) ConfirmSlot(slotNumber uint64, validatorID string) bool {
	return b.Consensus.ConfirmSlot(slotNumber, validatorID)
}

// RegisterValidator implements Mutator.
func (b *Bindings) RegisterValidator(id string) {
	b.Consensus.RegisterValidator(id)
}
