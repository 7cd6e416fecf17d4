// Package heartbeat implements the signed heartbeat protocol: periodic
// liveness beacons carrying the sender's current pulse-chain position,
// used to drive peer status transitions (active/timeout). See spec.md
// §4.3.
package heartbeat

import (
	"encoding/hex"
	"fmt"

	"github.com/tolelom/pulsechain/crypto"
)

// Message is one heartbeat, signed by its sender.
type Message struct {
	NodeID    string
	Slot      uint64
	PulseHash crypto.PublicKey // 32-byte digest, reused as an opaque byte carrier
	Sequence  uint64
	Timestamp float64
	Region    string
	Signature string // hex-encoded
}

// WireMessage is the JSON shape exchanged over region-sync links and used
// for test fixtures (spec.md §6).
type WireMessage struct {
	NodeID    string  `json:"node_id"`
	Slot      uint64  `json:"poh_slot"`
	PulseHash string  `json:"poh_hash"`
	Sequence  uint64  `json:"sequence"`
	Timestamp float64 `json:"timestamp"`
	Region    string  `json:"region"`
	Signature string  `json:"signature"`
}

// signedBytes builds the exact byte layout that gets signed/verified:
// node_id ‖ be64(slot) ‖ pulse_hash ‖ be64(sequence) ‖ f64be(timestamp) ‖ region.
func (m Message) signedBytes() []byte {
	out := make([]byte, 0, len(m.NodeID)+8+len(m.PulseHash)+8+8+len(m.Region))
	out = append(out, []byte(m.NodeID)...)
	out = append(out, crypto.BE64(m.Slot)...)
	out = append(out, m.PulseHash...)
	out = append(out, crypto.BE64(m.Sequence)...)
	out = append(out, crypto.F64BE(m.Timestamp)...)
	out = append(out, []byte(m.Region)...)
	return out
}

// Sign computes m.Signature using signer, returning the signed copy.
func Sign(m Message, signer crypto.Signer) (Message, error) {
	sig, err := signer.Sign(m.signedBytes())
	if err != nil {
		return Message{}, fmt.Errorf("heartbeat: sign: %w", err)
	}
	m.Signature = sig
	return m, nil
}

// Verify checks m.Signature against pub using signer's verification
// scheme (ed25519 or simulated, selected by the node's configured signer
// backend — never a silent fallback between the two).
func Verify(m Message, pub crypto.PublicKey, signer crypto.Signer) error {
	if m.Signature == "" {
		return fmt.Errorf("heartbeat: missing signature")
	}
	return signer.Verify(pub, m.signedBytes(), m.Signature)
}

// ToWire converts m to its JSON wire form.
func (m Message) ToWire() WireMessage {
	return WireMessage{
		NodeID:    m.NodeID,
		Slot:      m.Slot,
		PulseHash: hex.EncodeToString(m.PulseHash),
		Sequence:  m.Sequence,
		Timestamp: m.Timestamp,
		Region:    m.Region,
		Signature: m.Signature,
	}
}

// FromWire parses a WireMessage back into a Message.
func FromWire(w WireMessage) (Message, error) {
	h, err := hex.DecodeString(w.PulseHash)
	if err != nil {
		return Message{}, fmt.Errorf("heartbeat: poh_hash: %w", err)
	}
	return Message{
		NodeID:    w.NodeID,
		Slot:      w.Slot,
		PulseHash: h,
		Sequence:  w.Sequence,
		Timestamp: w.Timestamp,
		Region:    w.Region,
		Signature: w.Signature,
	}, nil
}
