package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadKeyRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "validator.key")
	pub, err := GenerateAndSave(path, "correct horse battery staple")
	require.NoError(t, err)

	priv, err := LoadKey(path, "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, pub.Hex(), priv.Public().Hex())
}

func TestLoadKeyRejectsWrongPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "validator.key")
	_, err := GenerateAndSave(path, "correct password")
	require.NoError(t, err)

	_, err = LoadKey(path, "wrong password")
	assert.Error(t, err)
}

func TestLoadSignerSelectsEd25519Backend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "validator.key")
	pub, err := GenerateAndSave(path, "pw")
	require.NoError(t, err)

	signer, loadedPub, err := LoadSigner(path, "pw", "ed25519", "node0")
	require.NoError(t, err)
	assert.Equal(t, pub.Hex(), loadedPub.Hex())

	sig, err := signer.Sign([]byte("hello"))
	require.NoError(t, err)
	assert.NoError(t, signer.Verify(loadedPub, []byte("hello"), sig))
}

func TestLoadSignerSelectsSimulatedBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "validator.key")
	_, err := GenerateAndSave(path, "pw")
	require.NoError(t, err)

	signer, pub, err := LoadSigner(path, "pw", "simulated", "node7")
	require.NoError(t, err)
	assert.NotNil(t, pub)

	sig, err := signer.Sign([]byte("hello"))
	require.NoError(t, err)
	assert.NoError(t, signer.Verify(pub, []byte("hello"), sig))
}

func TestLoadSignerRejectsUnknownBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "validator.key")
	_, err := GenerateAndSave(path, "pw")
	require.NoError(t, err)

	_, _, err = LoadSigner(path, "pw", "quantum", "node0")
	assert.Error(t, err)
}

func TestLoadKeyMissingFile(t *testing.T) {
	_, err := LoadKey(filepath.Join(t.TempDir(), "missing.key"), "pw")
	assert.Error(t, err)
}
