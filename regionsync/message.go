// Package regionsync carries pulse-chain state between regions: slot
// announcements, catch-up chain transfers, and region/node membership
// gossip, over length-prefixed JSON-over-TCP links. See spec.md §4.5.
package regionsync

import (
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/tolelom/pulsechain/heartbeat"
	"github.com/tolelom/pulsechain/pulse"
)

// MsgType labels a region-sync message.
type MsgType string

const (
	MsgPoHSlot         MsgType = "poh_slot"
	MsgPoHChainRequest MsgType = "poh_chain_request"
	MsgPoHChain        MsgType = "poh_chain"
	MsgRegionInfo      MsgType = "region_info"
	MsgNodeInfo        MsgType = "node_info"
	MsgHeartbeat       MsgType = "heartbeat"
)

// Message is the envelope for all region-sync communication.
type Message struct {
	Type      MsgType         `json:"type"`
	OriginID  string          `json:"origin_id"`
	Timestamp float64         `json:"timestamp"`
	MessageID string          `json:"message_id"`
	Payload   json.RawMessage `json:"payload"`
}

// newMessageID returns a fresh 16-hex-character dedup token, per
// spec.md §4.5's SyncMessage record.
func newMessageID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:8])
}

// PoHSlotPayload announces a newly created or finalized slot.
type PoHSlotPayload struct {
	SlotNumber   uint64         `json:"slot_number"`
	LeaderID     string         `json:"leader_id"`
	StartCounter uint64         `json:"start_counter"`
	Link         pulse.WireLink `json:"link"`
}

// PoHChainRequestPayload asks a peer for the links starting at From.
type PoHChainRequestPayload struct {
	From  uint64 `json:"from"`
	Count int    `json:"count"`
}

// PoHChainPayload carries a contiguous batch of chain links, used for
// catch-up transfers (spec.md §4.5: "replaces or extends").
type PoHChainPayload struct {
	Links []pulse.WireLink `json:"links"`
}

// RegionInfoPayload gossips one region's membership snapshot.
type RegionInfoPayload struct {
	RegionID         string   `json:"region_id"`
	CoordinatorID    string   `json:"coordinator_id"`
	ActiveNodes      []string `json:"active_nodes"`
	ConnectedRegions []string `json:"connected_regions"`
}

// NodeInfoPayload gossips one node's region assignment.
type NodeInfoPayload struct {
	NodeID           string   `json:"node_id"`
	PrimaryRegion    string   `json:"primary_region"`
	SecondaryRegions []string `json:"secondary_regions"`
}

// HeartbeatPayload relays a signed heartbeat across a region link.
type HeartbeatPayload struct {
	Message heartbeat.WireMessage `json:"message"`
}

func marshalPayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}
