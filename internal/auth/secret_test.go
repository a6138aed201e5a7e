package auth

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigningSecret_PrefersConfigured(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	secret, err := SigningSecret("from-config", dir)
	require.NoError(t, err)
	assert.Equal(t, "from-config", secret)

	_, err = os.Stat(filepath.Join(dir, secretFileName))
	assert.True(t, os.IsNotExist(err), "configured secret must not touch the key file")
}

func TestSigningSecret_PersistsGeneratedKey(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "nested")

	first, err := SigningSecret("", dir)
	require.NoError(t, err)
	requireKey(t, first)

	info, err := os.Stat(filepath.Join(dir, secretFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second, err := SigningSecret("", dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLoadOrCreateSecret_TrimsStoredKey(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, secretFileName), []byte("  cafe\n"), 0600))

	secret, err := LoadOrCreateSecret(dir)
	require.NoError(t, err)
	assert.Equal(t, "cafe", secret)
}

func TestLoadOrCreateSecret_BlankFileIsReplaced(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, secretFileName), []byte("\n"), 0600))

	secret, err := LoadOrCreateSecret(dir)
	require.NoError(t, err)
	requireKey(t, secret)
}

func TestRotateSecret_InvalidatesIssuedTokens(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	original, err := LoadOrCreateSecret(dir)
	require.NoError(t, err)
	token, _, err := NewTokens(original, "dispatchboard", time.Hour).Issue(7)
	require.NoError(t, err)

	rotated, err := RotateSecret(dir)
	require.NoError(t, err)
	require.NotEqual(t, original, rotated)
	requireKey(t, rotated)

	_, err = NewTokens(rotated, "dispatchboard", time.Hour).Resolve(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func requireKey(t *testing.T, s string) {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	require.Len(t, b, 32)
}
