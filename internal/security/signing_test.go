package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureKeyPairGeneratesOnceThenLoads(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")

	first, err := EnsureKeyPair(dir)
	require.NoError(t, err)
	second, err := EnsureKeyPair(dir)
	require.NoError(t, err)

	assert.Equal(t, first.Public, second.Public)
	assert.Equal(t, first.Private, second.Private)
}

func TestLoadKeyPairRejectsMismatch(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, SaveKeyPair(KeyPair{Public: a.Public, Private: b.Private}, dir))
	_, err = LoadKeyPair(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, pubFile), []byte("zz"), 0o600))
	_, err = LoadKeyPair(dir)
	assert.Error(t, err)
}

func TestSignAndVerify(t *testing.T) {
	k, err := GenerateKeyPair()
	require.NoError(t, err)

	sig := SignData(k.Private, []byte("block-hash"))

	ok, err := VerifySignatureFromHex(k.PublicHex(), []byte("block-hash"), sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifySignature(k.Public, []byte("other-hash"), sig)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifySignatureFromHex("abcd", []byte("block-hash"), sig)
	assert.Error(t, err)
}

func TestLoadPublicKey(t *testing.T) {
	dir := t.TempDir()
	k, err := EnsureKeyPair(dir)
	require.NoError(t, err)

	pub, err := LoadPublicKey(dir)
	require.NoError(t, err)
	assert.True(t, k.Public.Equal(pub.Public))
	assert.Nil(t, pub.Private)

	_, err = LoadPublicKey(t.TempDir())
	assert.Error(t, err)
}
