package heartbeat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/pulsechain/crypto"
)

type fixedSlotSource struct{ slot uint64 }

func (f fixedSlotSource) CurrentSlotNumber() uint64 { return f.slot }

func newTestProtocol(t *testing.T, nodeID string) (*Protocol, crypto.Signer) {
	t.Helper()
	priv, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	signer := crypto.NewEd25519Signer(priv)
	p := New(nodeID, "region-1", signer, fixedSlotSource{slot: 1}, func() (crypto.PublicKey, uint64) {
		return crypto.PublicKey(make([]byte, 32)), 0
	}, 50*time.Millisecond, 200*time.Millisecond)
	return p, signer
}

func TestProcessHeartbeatAcceptsValidMessage(t *testing.T) {
	local, _ := newTestProtocol(t, "self")

	peerPriv, peerPub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	peerSigner := crypto.NewEd25519Signer(peerPriv)
	local.RegisterPeer("peer-a", peerPub, "region-2")

	msg := Message{NodeID: "peer-a", Slot: 5, PulseHash: crypto.PublicKey(make([]byte, 32)), Sequence: 1, Timestamp: nowSeconds(), Region: "region-2"}
	signed, err := Sign(msg, peerSigner)
	require.NoError(t, err)

	require.NoError(t, local.ProcessHeartbeat(signed))
	status, ok := local.PeerStatus("peer-a")
	require.True(t, ok)
	assert.Equal(t, StatusActive, status)
}

func TestProcessHeartbeatRejectsUnknownNode(t *testing.T) {
	local, _ := newTestProtocol(t, "self")
	msg := Message{NodeID: "ghost", Sequence: 1, Timestamp: nowSeconds()}
	err := local.ProcessHeartbeat(msg)
	assert.Error(t, err)
}

func TestProcessHeartbeatRejectsBadSignature(t *testing.T) {
	local, _ := newTestProtocol(t, "self")
	_, peerPub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	local.RegisterPeer("peer-a", peerPub, "region-2")

	msg := Message{NodeID: "peer-a", Sequence: 1, Timestamp: nowSeconds(), Signature: "deadbeef"}
	err = local.ProcessHeartbeat(msg)
	assert.Error(t, err)
}

func TestProcessHeartbeatRejectsReplayedSequence(t *testing.T) {
	local, _ := newTestProtocol(t, "self")
	peerPriv, peerPub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	peerSigner := crypto.NewEd25519Signer(peerPriv)
	local.RegisterPeer("peer-a", peerPub, "region-2")

	msg := Message{NodeID: "peer-a", Sequence: 7, Timestamp: nowSeconds(), Region: "region-2"}
	signed, err := Sign(msg, peerSigner)
	require.NoError(t, err)

	require.NoError(t, local.ProcessHeartbeat(signed))
	assert.Error(t, local.ProcessHeartbeat(signed), "replaying the same sequence number must be rejected")
}

func TestProcessHeartbeatRejectsFutureTimestamp(t *testing.T) {
	local, _ := newTestProtocol(t, "self")
	peerPriv, peerPub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	peerSigner := crypto.NewEd25519Signer(peerPriv)
	local.RegisterPeer("peer-a", peerPub, "region-2")

	msg := Message{NodeID: "peer-a", Sequence: 1, Timestamp: nowSeconds() + 10, Region: "region-2"}
	signed, err := Sign(msg, peerSigner)
	require.NoError(t, err)

	assert.Error(t, local.ProcessHeartbeat(signed))
}

func TestCheckTimeoutsMarksStaleDistinctPeer(t *testing.T) {
	local, _ := newTestProtocol(t, "self")
	peerPriv, peerPub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	peerSigner := crypto.NewEd25519Signer(peerPriv)
	local.RegisterPeer("peer-a", peerPub, "region-2")

	msg := Message{NodeID: "peer-a", Sequence: 1, Timestamp: nowSeconds(), Region: "region-2"}
	signed, err := Sign(msg, peerSigner)
	require.NoError(t, err)
	require.NoError(t, local.ProcessHeartbeat(signed))

	time.Sleep(250 * time.Millisecond)
	local.CheckTimeouts()

	status, ok := local.PeerStatus("peer-a")
	require.True(t, ok)
	assert.Equal(t, StatusTimeout, status)

	selfStatus, ok := local.PeerStatus("self")
	require.True(t, ok)
	assert.Equal(t, StatusActive, selfStatus, "the local node must never time itself out")
}

func TestSimulatedSignerAlwaysVerifiesNonEmptySignature(t *testing.T) {
	signer := crypto.NewSimulatedSigner("sim-node")
	p := New("sim-node", "region-1", signer, fixedSlotSource{}, nil, time.Second, time.Second)
	p.RegisterPeer("peer-x", signer.PublicKey(), "region-1")

	msg := Message{NodeID: "peer-x", Sequence: 1, Timestamp: nowSeconds(), Region: "region-1"}
	signed, err := Sign(msg, signer)
	require.NoError(t, err)
	assert.NoError(t, p.ProcessHeartbeat(signed))
}
