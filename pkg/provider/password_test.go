package provider

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePassword(t *testing.T) {
	password, err := generatePassword()
	require.NoError(t, err)
	assert.Len(t, password, passwordLength)

	for _, c := range password {
		assert.True(t, strings.ContainsRune(passwordCharset, c),
			"unexpected character %q", c)
	}
}

func TestGeneratePasswordUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		password, err := generatePassword()
		require.NoError(t, err)
		assert.False(t, seen[password], "password repeated")
		seen[password] = true
	}
}
