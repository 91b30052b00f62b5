package secure

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifesthub/manifesthub/internal/model"
)

func randomKey(t *testing.T) [KeySize]byte {
	t.Helper()
	var key [KeySize]byte
	_, err := rand.Read(key[:])
	require.NoError(t, err)
	return key
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	key := randomKey(t)

	for _, s := range []string{"hunter2", "a very long refresh token value with spaces", "x"} {
		ciphertext, iv, err := EncryptSecret(s, key)
		require.NoError(t, err)
		assert.NotEmpty(t, ciphertext)
		assert.NotEmpty(t, iv)

		plain, err := DecryptSecret(ciphertext, iv, key)
		require.NoError(t, err)
		assert.Equal(t, s, plain)
	}
}

func TestEncryptDecryptEmptyIsIdentity(t *testing.T) {
	key := randomKey(t)

	ciphertext, iv, err := EncryptSecret("", key)
	require.NoError(t, err)
	assert.Empty(t, ciphertext)
	assert.Empty(t, iv)

	plain, err := DecryptSecret("", "", key)
	require.NoError(t, err)
	assert.Empty(t, plain)
}

func TestEncryptAccountDecryptAccountRoundtrip(t *testing.T) {
	key := randomKey(t)
	acct := &model.Account{
		AccountName:     "alice",
		AccountPassword: "s3cret",
		RefreshToken:    "refresh-token-value",
	}

	require.NoError(t, EncryptAccount(acct, key))
	assert.True(t, acct.IsEncrypted())
	assert.NotEqual(t, "s3cret", acct.AccountPassword)
	assert.NotEmpty(t, acct.AESIV)

	require.NoError(t, DecryptAccount(acct, key))
	assert.Equal(t, "s3cret", acct.AccountPassword)
	assert.Equal(t, "refresh-token-value", acct.RefreshToken)
}

func TestDecryptAccountSkipsUnencrypted(t *testing.T) {
	key := randomKey(t)
	acct := &model.Account{AccountName: "bob", AccountPassword: "plaintext"}

	require.NoError(t, DecryptAccount(acct, key))
	assert.Equal(t, "plaintext", acct.AccountPassword)
}
