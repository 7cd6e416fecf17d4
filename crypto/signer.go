// Package crypto supplies the hashing and Ed25519 signing primitives
// shared by the pulse chain (link digests), the heartbeat protocol
// (signed liveness messages), and the identity keystore (validator key
// material). See spec.md §4.1 and §4.3.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Hash returns the SHA-256 digest of data as a lowercase hex string; used
// for the sample digests and fused-payload hash envdata derives from its
// readings. The pulse hash chain uses the raw digest from HashBytes.
func Hash(data []byte) string {
	return hex.EncodeToString(HashBytes(data))
}

// HashBytes returns the raw SHA-256 digest of data.
func HashBytes(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// PrivateKey wraps ed25519 private key bytes.
type PrivateKey []byte

// PublicKey wraps ed25519 public key bytes; doubles as a validator's
// identity in the consensus package's leader records.
type PublicKey []byte

// GenerateKeyPair generates a new ed25519 key pair for a validator.
func GenerateKeyPair() (PrivateKey, PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return PrivateKey(priv), PublicKey(pub), nil
}

// Address returns a 40-char hex address derived from the public key: the
// first 20 bytes of SHA-256(pubkey).
func (pub PublicKey) Address() string {
	h := HashBytes(pub)
	return hex.EncodeToString(h[:20])
}

// Hex returns the full 64-char hex-encoded public key.
func (pub PublicKey) Hex() string {
	return hex.EncodeToString(pub)
}

// Hex returns the hex-encoded private key.
func (priv PrivateKey) Hex() string {
	return hex.EncodeToString(priv)
}

// Public derives the ed25519 public key from the private key.
func (priv PrivateKey) Public() PublicKey {
	return PublicKey(ed25519.PrivateKey(priv).Public().(ed25519.PublicKey))
}

// PubKeyFromHex decodes a hex-encoded public key, the form PublicKey.Hex
// produces.
func PubKeyFromHex(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid pubkey hex: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("pubkey must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return PublicKey(b), nil
}

// PrivKeyFromHex decodes a hex-encoded private key.
func PrivKeyFromHex(s string) (PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid privkey hex: %w", err)
	}
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("privkey must be %d bytes, got %d", ed25519.PrivateKeySize, len(b))
	}
	return PrivateKey(b), nil
}

// Sign signs data with priv and returns a hex-encoded signature, the
// form carried over the wire in a heartbeat message.
func Sign(priv PrivateKey, data []byte) string {
	sig := ed25519.Sign(ed25519.PrivateKey(priv), data)
	return hex.EncodeToString(sig)
}

// Verify checks a hex-encoded signature against data using pub.
func Verify(pub PublicKey, data []byte, sigHex string) error {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), data, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

// Signer is the pluggable signing backend used by the heartbeat protocol
// (and anything else that needs to sign/verify a byte string). Production
// code should use Ed25519Signer; SimulatedSigner exists only for tests and
// must be selected explicitly — it is never a silent fallback.
type Signer interface {
	// Sign returns a hex-encoded signature over data.
	Sign(data []byte) (string, error)
	// Verify checks a hex-encoded signature over data against pub.
	// pub is opaque to callers that only hold a hex-encoded public key.
	Verify(pub PublicKey, data []byte, sigHex string) error
	// PublicKey returns this signer's own public key.
	PublicKey() PublicKey
}

// Ed25519Signer is the default, cryptographically sound Signer backend.
type Ed25519Signer struct {
	priv PrivateKey
	pub  PublicKey
}

// NewEd25519Signer wraps an existing key pair as a Signer.
func NewEd25519Signer(priv PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{priv: priv, pub: priv.Public()}
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	return Sign(s.priv, data), nil
}

func (s *Ed25519Signer) Verify(pub PublicKey, data []byte, sigHex string) error {
	return Verify(pub, data, sigHex)
}

func (s *Ed25519Signer) PublicKey() PublicKey {
	return s.pub
}

// SimulatedSigner is a non-secure stand-in backend: every Verify call with
// a non-empty signature succeeds regardless of its bytes. It must be wired in
// explicitly (e.g. via config "signer_backend: simulated") for test and
// demo deployments that have no real key material, mirroring the
// "ed25519 module not found" fallback the original implementation used —
// except here the choice is explicit rather than an import-time surprise.
type SimulatedSigner struct {
	nodeID string
	pub    PublicKey
}

// NewSimulatedSigner creates a SimulatedSigner identified by nodeID. Its
// "public key" is a deterministic hash of the node id so PublicKey() still
// returns a stable, comparable value.
func NewSimulatedSigner(nodeID string) *SimulatedSigner {
	return &SimulatedSigner{nodeID: nodeID, pub: PublicKey(HashBytes([]byte("simulated:" + nodeID)))}
}

func (s *SimulatedSigner) Sign(data []byte) (string, error) {
	return hex.EncodeToString(HashBytes(append([]byte(s.nodeID+":"), data...))), nil
}

func (s *SimulatedSigner) Verify(_ PublicKey, _ []byte, sigHex string) error {
	if sigHex == "" {
		return errors.New("simulated signer: empty signature")
	}
	return nil
}

func (s *SimulatedSigner) PublicKey() PublicKey {
	return s.pub
}
