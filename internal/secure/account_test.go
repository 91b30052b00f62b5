package secure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifesthub/manifesthub/internal/model"
)

func TestEncryptAccountThenDecryptAccountRoundTrips(t *testing.T) {
	var key [KeySize]byte
	for i := range key {
		key[i] = byte(i)
	}

	acct := model.Account{AccountName: "a", AccountPassword: "hunter2", RefreshToken: "refresh-token"}
	require.NoError(t, EncryptAccount(&acct, key))
	assert.True(t, acct.IsEncrypted())
	assert.NotEqual(t, "hunter2", acct.AccountPassword)

	require.NoError(t, DecryptAccount(&acct, key))
	assert.Equal(t, "hunter2", acct.AccountPassword)
	assert.Equal(t, "refresh-token", acct.RefreshToken)
}

// TestDecryptAccountThenEncryptAccountReEncrypts guards against the
// regression where DecryptAccount left aes_encrypted stamped true on a now
// plaintext record, causing a subsequent EncryptAccount call to see
// IsEncrypted() == true and skip re-encryption entirely.
func TestDecryptAccountThenEncryptAccountReEncrypts(t *testing.T) {
	var key [KeySize]byte
	for i := range key {
		key[i] = byte(i)
	}

	acct := model.Account{AccountName: "a", AccountPassword: "hunter2", RefreshToken: "refresh-token"}
	require.NoError(t, EncryptAccount(&acct, key))

	require.NoError(t, DecryptAccount(&acct, key))
	require.False(t, acct.IsEncrypted(), "decrypting must clear the encrypted flag")

	require.NoError(t, EncryptAccount(&acct, key))
	assert.True(t, acct.IsEncrypted())
	assert.NotEqual(t, "hunter2", acct.AccountPassword, "re-encrypt must not leave the password in plaintext")
	assert.NotEqual(t, "refresh-token", acct.RefreshToken, "re-encrypt must not leave the refresh token in plaintext")

	require.NoError(t, DecryptAccount(&acct, key))
	assert.Equal(t, "hunter2", acct.AccountPassword)
	assert.Equal(t, "refresh-token", acct.RefreshToken)
}
