// Package identity manages a validator's long-lived key material: the
// encrypted on-disk keystore and the Signer backend it unlocks, per
// spec.md §4.3 and §9's "pluggable signature scheme" open question.
package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"

	"github.com/tolelom/pulsechain/crypto"
)

type keystoreFile struct {
	PubKey     string `json:"pub_key"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	CipherText string `json:"cipher_text"`
}

// SaveKey encrypts priv with password and writes it to path. Key
// derivation is PBKDF2-HMAC-SHA256 over the password and a random salt,
// adapted from the teacher's wallet keystore.
func SaveKey(path, password string, priv crypto.PrivateKey) error {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("identity: generate salt: %w", err)
	}
	key := deriveKey(password, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("identity: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("identity: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("identity: generate nonce: %w", err)
	}
	cipherText := gcm.Seal(nil, nonce, priv, nil)

	ks := keystoreFile{
		PubKey:     priv.Public().Hex(),
		Salt:       hex.EncodeToString(salt),
		Nonce:      hex.EncodeToString(nonce),
		CipherText: hex.EncodeToString(cipherText),
	}
	data, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: marshal keystore: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// LoadKey decrypts the keystore at path using password.
func LoadKey(path, password string) (crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read keystore: %w", err)
	}
	var ks keystoreFile
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, fmt.Errorf("identity: parse keystore: %w", err)
	}
	salt, err := hex.DecodeString(ks.Salt)
	if err != nil {
		return nil, fmt.Errorf("identity: decode salt: %w", err)
	}
	nonce, err := hex.DecodeString(ks.Nonce)
	if err != nil {
		return nil, fmt.Errorf("identity: decode nonce: %w", err)
	}
	cipherText, err := hex.DecodeString(ks.CipherText)
	if err != nil {
		return nil, fmt.Errorf("identity: decode ciphertext: %w", err)
	}

	key := deriveKey(password, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("identity: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("identity: new gcm: %w", err)
	}
	privBytes, err := gcm.Open(nil, nonce, cipherText, nil)
	if err != nil {
		return nil, errors.New("identity: wrong password or corrupted keystore")
	}
	return crypto.PrivateKey(privBytes), nil
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, 210_000, 32, sha256.New)
}

// LoadSigner unlocks the keystore at path and wraps the resulting key in
// the Signer backend named by signerBackend ("ed25519" or "simulated"),
// per config.Config.SignerBackend. The two backends are never silently
// interchanged: an unrecognized backend name is a configuration error.
// nodeID is only used by the simulated backend, which has no real key
// material to derive a public key from.
func LoadSigner(path, password, signerBackend, nodeID string) (crypto.Signer, crypto.PublicKey, error) {
	priv, err := LoadKey(path, password)
	if err != nil {
		return nil, nil, err
	}
	pub := priv.Public()

	switch signerBackend {
	case "ed25519":
		return crypto.NewEd25519Signer(priv), pub, nil
	case "simulated":
		signer := crypto.NewSimulatedSigner(nodeID)
		return signer, signer.PublicKey(), nil
	default:
		return nil, nil, fmt.Errorf("identity: unknown signer_backend %q", signerBackend)
	}
}

// GenerateAndSave creates a fresh key pair, persists it under password at
// path, and returns the public key.
func GenerateAndSave(path, password string) (crypto.PublicKey, error) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("identity: generate key pair: %w", err)
	}
	if err := SaveKey(path, password, priv); err != nil {
		return nil, err
	}
	return pub, nil
}
