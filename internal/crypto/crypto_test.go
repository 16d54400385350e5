package crypto

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateKeyRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.key")

	first, err := LoadOrCreateKey(path)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, raw, PrivateKeySize)

	second, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.Equal(t, first.Serialize(), second.Serialize(), "second boot must reuse the persisted key")
}

func TestLoadOrCreateKeyRejectsTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.key")
	require.NoError(t, os.WriteFile(path, []byte("short"), 0o600))

	_, err := LoadOrCreateKey(path)
	assert.Error(t, err)
}

func TestAddressFormat(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	addr := Address(priv)
	require.True(t, strings.HasPrefix(addr, "eth:"))
	assert.Len(t, addr, len("eth:")+40)
	assert.Equal(t, strings.ToLower(addr), addr)
}

func TestSignLoginChallengeRecoversSigner(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	message, signature := SignLoginChallenge(priv, "worker.example.org", 1700000000)
	assert.Equal(t, "Xnode Auth authenticate worker.example.org at 1700000000", message)
	require.True(t, strings.HasPrefix(signature, "0x"))
	assert.Len(t, signature, 2+65*2)

	recovered, err := RecoverAddress([]byte(message), signature)
	require.NoError(t, err)
	assert.Equal(t, Address(priv), recovered)
}

func TestRecoverAddressRejectsGarbage(t *testing.T) {
	_, err := RecoverAddress([]byte("msg"), "0xdeadbeef")
	assert.Error(t, err)

	_, err = RecoverAddress([]byte("msg"), "not hex at all")
	assert.Error(t, err)
}

func TestNormalizeHexAddress(t *testing.T) {
	assert.Equal(t, "eth:22223333444455556666777788889999aaaabbbb",
		NormalizeHexAddress("0x22223333444455556666777788889999AAAABBBB"))
}

func TestIsZeroAddress(t *testing.T) {
	assert.True(t, IsZeroAddress("0x0000000000000000000000000000000000000000"))
	assert.False(t, IsZeroAddress("0x0000000000000000000000000000000000000001"))
}
