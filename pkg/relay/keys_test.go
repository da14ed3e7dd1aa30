package relay

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateIdentity(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	assert.Len(t, id.PublicKey, 64)
	assert.True(t, strings.HasPrefix(id.Npub(), "npub1"))
	assert.True(t, strings.HasPrefix(id.Nsec(), "nsec1"))
}

func TestIdentityFromKeyRoundTrip(t *testing.T) {
	original, err := GenerateIdentity()
	require.NoError(t, err)

	// The nsec backup form must restore the same identity.
	restored, err := IdentityFromKey(original.Nsec())
	require.NoError(t, err)
	assert.Equal(t, original.PublicKey, restored.PublicKey)

	// So must the raw hex form.
	restored, err = IdentityFromKey(original.privateKey)
	require.NoError(t, err)
	assert.Equal(t, original.PublicKey, restored.PublicKey)
}

func TestIdentityFromKeyRejectsGarbage(t *testing.T) {
	for _, key := range []string{"", "nsec1qqqqqqqq", "zzzz", "npub1abc"} {
		_, err := IdentityFromKey(key)
		assert.Error(t, err, "key=%q", key)
	}
}

func TestDecodePublicKey(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	fromNpub, err := DecodePublicKey(id.Npub())
	require.NoError(t, err)
	assert.Equal(t, id.PublicKey, fromNpub)

	fromHex, err := DecodePublicKey(strings.ToUpper(id.PublicKey))
	require.NoError(t, err)
	assert.Equal(t, id.PublicKey, fromHex)

	for _, bad := range []string{"", "npub1notbech32!!", "abcd", strings.Repeat("g", 64)} {
		_, err := DecodePublicKey(bad)
		assert.Error(t, err, "input=%q", bad)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice, err := GenerateIdentity()
	require.NoError(t, err)
	bob, err := GenerateIdentity()
	require.NoError(t, err)

	ciphertext, err := alice.Encrypt(bob.PublicKey, `{"pod_id":"1001"}`)
	require.NoError(t, err)
	assert.NotContains(t, ciphertext, "pod_id")

	plaintext, err := bob.Decrypt(alice.PublicKey, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, `{"pod_id":"1001"}`, plaintext)

	// A third party cannot open it.
	eve, err := GenerateIdentity()
	require.NoError(t, err)
	opened, err := eve.Decrypt(alice.PublicKey, ciphertext)
	if err == nil {
		assert.NotEqual(t, `{"pod_id":"1001"}`, opened)
	}
}
