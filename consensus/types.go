// Package consensus implements the slot consensus state machine: it
// carves the pulse sequence into slots, assigns each a weighted-random
// leader, accumulates validator confirmations, finalizes on quorum, and
// adapts leader performance scores. See spec.md §4.2.
package consensus

import (
	"time"

	"github.com/tolelom/pulsechain/crypto"
)

const (
	// MinPerformanceScore and MaxPerformanceScore bound Leader.PerformanceScore.
	MinPerformanceScore = 0.5
	MaxPerformanceScore = 1.5
	// DefaultPerformanceScore is assigned to newly registered leaders.
	DefaultPerformanceScore = 1.0

	// RotationStreakLimit is the number of consecutive slots a leader may
	// win before rotation pressure kicks in (spec.md §4.2).
	RotationStreakLimit = 3
	// RotationPenalty is applied to PerformanceScore once the streak
	// exceeds RotationStreakLimit.
	RotationPenalty = 0.95

	// FinalizeBonus/FinalizePenalty adjust PerformanceScore at finalization
	// depending on whether the slot's hash output was within tolerance of
	// the target.
	FinalizeBonus   = 1.05
	FinalizePenalty = 0.95
	// FinalizeTolerance is how far from target_hashes_per_slot (as a
	// fraction) a slot's output may be and still count as "on target".
	FinalizeTolerance = 0.20

	// SlotWindow bounds how many slots behind the finalization frontier
	// are retained in memory (spec.md §3: a Slot "persists until evicted
	// behind the finalization frontier").
	SlotWindow = 1000
)

// Leader is a registered block producer (spec.md §3).
type Leader struct {
	NodeID           string
	PublicKey        crypto.PublicKey
	Region           string
	Stake            uint64
	PerformanceScore float64
	LastLeaderSlot   uint64
	ConsecutiveSlots int
}

// weight is this leader's current selection weight: stake * performance.
func (l *Leader) weight() float64 {
	return float64(l.Stake) * l.PerformanceScore
}

// Slot is a segment of the timeline owned by a leader (spec.md §3).
type Slot struct {
	SlotNumber    uint64
	StartCounter  uint64
	EndCounter    uint64
	LeaderID      string
	IsLeaderSelf  bool
	StartTime     time.Time
	EndTime       time.Time
	Confirmations map[string]struct{}
	IsFinalized   bool
}

// ConfirmationCount returns the number of distinct validators that have
// attested to this slot.
func (s *Slot) ConfirmationCount() int { return len(s.Confirmations) }

// quorumThreshold returns ceil(2*validatorCount/3), floored at 1.
func quorumThreshold(validatorCount int) int {
	t := (2*validatorCount + 2) / 3 // ceil(2V/3) via integer arithmetic
	if t < 1 {
		t = 1
	}
	return t
}
