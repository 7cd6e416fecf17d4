// Package pulse implements the Pulse Generator: a continuous, verifiable
// hash sequence (the "pulse timeline") with a strictly monotone counter
// and optional environmental-entropy injection. See spec.md §4.1.
package pulse

import (
	"encoding/hex"
	"fmt"

	"github.com/tolelom/pulsechain/crypto"
)

// GenesisSeed and EnvGenesisSeed are hashed to produce the deterministic
// starting point of every fresh chain, per spec.md §4.1.
const (
	GenesisSeed    = "PulseChain PoH Genesis"
	EnvGenesisSeed = "Initial Environment Data"
)

// Hash is a 32-byte digest, the unit the chain links on.
type Hash [32]byte

// HexString returns the lowercase hex encoding of h.
func (h Hash) HexString() string { return hex.EncodeToString(h[:]) }

// HashFromHex decodes a 64-char hex string into a Hash.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash hex: %w", err)
	}
	if len(b) != 32 {
		return h, fmt.Errorf("hash must be 32 bytes, got %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

func hashBytes(b []byte) Hash {
	var h Hash
	copy(h[:], crypto.HashBytes(b))
	return h
}

// PulseHash is one link in the verifiable timeline (spec.md §3).
//
// Invariant: Hash == SHA256(PrevHash ‖ le64(Counter-1) ‖ EnvHash).
type PulseHash struct {
	Hash      Hash
	Counter   uint64
	Timestamp float64 // wall-clock seconds at emission; advisory only
	EnvHash   Hash
	PrevHash  Hash
}

// WireLink is the JSON shape used for export/import and inter-region
// poh_chain messages (spec.md §6).
type WireLink struct {
	Hash        string  `json:"hash"`
	Counter     uint64  `json:"counter"`
	Timestamp   float64 `json:"timestamp"`
	EnvDataHash *string `json:"env_data_hash"`
	PrevHash    *string `json:"prev_hash"`
}

// ToWire converts a PulseHash to its exportable JSON form.
func (p PulseHash) ToWire() WireLink {
	envHex := p.EnvHash.HexString()
	prevHex := p.PrevHash.HexString()
	return WireLink{
		Hash:        p.Hash.HexString(),
		Counter:     p.Counter,
		Timestamp:   p.Timestamp,
		EnvDataHash: &envHex,
		PrevHash:    &prevHex,
	}
}

// FromWire parses a WireLink back into a PulseHash.
func FromWire(w WireLink) (PulseHash, error) {
	var p PulseHash
	h, err := HashFromHex(w.Hash)
	if err != nil {
		return p, fmt.Errorf("hash: %w", err)
	}
	p.Hash = h
	p.Counter = w.Counter
	p.Timestamp = w.Timestamp
	if w.EnvDataHash != nil {
		eh, err := HashFromHex(*w.EnvDataHash)
		if err != nil {
			return p, fmt.Errorf("env_data_hash: %w", err)
		}
		p.EnvHash = eh
	}
	if w.PrevHash != nil {
		ph, err := HashFromHex(*w.PrevHash)
		if err != nil {
			return p, fmt.Errorf("prev_hash: %w", err)
		}
		p.PrevHash = ph
	}
	return p, nil
}
