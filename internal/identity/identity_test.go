package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateGeneratesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.json")

	created, err := LoadOrCreate(path, "tok")
	require.NoError(t, err)
	assert.Len(t, created.DeviceID(), 64)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reloaded, err := LoadOrCreate(path, "tok")
	require.NoError(t, err)
	assert.Equal(t, created.DeviceID(), reloaded.DeviceID())
	assert.Equal(t, created.publicKey, reloaded.publicKey)
	assert.Equal(t, created.privateKey, reloaded.privateKey)
}

func TestLoadOrCreateRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	_, err := LoadOrCreate(path, "")
	assert.Error(t, err)
}

func TestLoadOrCreateRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 9}`), 0o600))

	_, err := LoadOrCreate(path, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version")
}

func TestSignAuthPayloadV1(t *testing.T) {
	keeper, err := LoadOrCreate(filepath.Join(t.TempDir(), "identity.json"), "tok")
	require.NoError(t, err)

	payload := keeper.SignAuthPayload([]string{"operator.admin", "operator.write"}, "operator", "")

	assert.Equal(t, keeper.DeviceID(), payload.DeviceID)
	assert.Empty(t, payload.Nonce)
	assert.NotZero(t, payload.SignedAtMs)

	pub, err := base64.RawURLEncoding.DecodeString(payload.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, keeper.DeviceID(), DeviceID(pub))

	sig, err := base64.RawURLEncoding.DecodeString(payload.Signature)
	require.NoError(t, err)

	signed := strings.Join([]string{
		"v1", keeper.DeviceID(), "cli", "cli", "operator",
		"operator.admin,operator.write",
		strconv.FormatInt(payload.SignedAtMs, 10), "tok",
	}, "|")
	assert.True(t, ed25519.Verify(ed25519.PublicKey(pub), []byte(signed), sig))
}

func TestSignAuthPayloadV2WithNonce(t *testing.T) {
	keeper, err := LoadOrCreate(filepath.Join(t.TempDir(), "identity.json"), "")
	require.NoError(t, err)

	payload := keeper.SignAuthPayload([]string{"operator.read"}, "operator", "abc123")

	assert.Equal(t, "abc123", payload.Nonce)

	pub, err := base64.RawURLEncoding.DecodeString(payload.PublicKey)
	require.NoError(t, err)
	sig, err := base64.RawURLEncoding.DecodeString(payload.Signature)
	require.NoError(t, err)

	signed := strings.Join([]string{
		"v2", keeper.DeviceID(), "cli", "cli", "operator",
		"operator.read", strconv.FormatInt(payload.SignedAtMs, 10), "", "abc123",
	}, "|")
	assert.True(t, ed25519.Verify(ed25519.PublicKey(pub), []byte(signed), sig))
}
