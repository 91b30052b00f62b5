package secure

import (
	"encoding/base64"
	"fmt"

	"github.com/manifesthub/manifesthub/internal/model"
)

// ParseKey decodes the -k/--key CLI flag into a fixed-size AES key.
func ParseKey(base64Key string) ([KeySize]byte, error) {
	var key [KeySize]byte
	raw, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return key, fmt.Errorf("secure: decode key: %w", err)
	}
	if len(raw) != KeySize {
		return key, fmt.Errorf("secure: key must decode to %d bytes, got %d", KeySize, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// EncryptAccount encrypts acct's password and refresh token in place under
// key, generating a fresh IV on first encryption. Calling it on an
// already-encrypted record is a no-op.
func EncryptAccount(acct *model.Account, key [KeySize]byte) error {
	if acct.IsEncrypted() {
		return nil
	}

	ivB64 := acct.AESIV
	password, passwordIV, err := encryptReusingIV(acct.AccountPassword, ivB64, key)
	if err != nil {
		return fmt.Errorf("secure: encrypt account_password: %w", err)
	}
	if passwordIV != "" {
		ivB64 = passwordIV
	}
	token, tokenIV, err := encryptReusingIV(acct.RefreshToken, ivB64, key)
	if err != nil {
		return fmt.Errorf("secure: encrypt refresh_token: %w", err)
	}
	if tokenIV != "" {
		ivB64 = tokenIV
	}

	acct.AccountPassword = password
	acct.RefreshToken = token
	acct.AESIV = ivB64
	acct.SetEncrypted(true)
	return nil
}

// DecryptAccount reverses EncryptAccount in place. Records whose
// aes_encrypted flag is null or false pass through unchanged.
func DecryptAccount(acct *model.Account, key [KeySize]byte) error {
	if !acct.IsEncrypted() {
		return nil
	}

	password, err := DecryptSecret(acct.AccountPassword, acct.AESIV, key)
	if err != nil {
		return fmt.Errorf("secure: decrypt account_password: %w", err)
	}
	token, err := DecryptSecret(acct.RefreshToken, acct.AESIV, key)
	if err != nil {
		return fmt.Errorf("secure: decrypt refresh_token: %w", err)
	}

	acct.AccountPassword = password
	acct.RefreshToken = token
	acct.SetEncrypted(false)
	return nil
}

// encryptReusingIV encrypts plaintext, reusing an existing base64 IV when
// one is already pinned for this record instead of minting a second one.
// An empty plaintext is untouched.
func encryptReusingIV(plaintext, existingIVB64 string, key [KeySize]byte) (ciphertextB64, ivB64 string, err error) {
	if plaintext == "" {
		return "", "", nil
	}
	if existingIVB64 == "" {
		return EncryptSecret(plaintext, key)
	}

	iv, err := base64.StdEncoding.DecodeString(existingIVB64)
	if err != nil {
		return "", "", fmt.Errorf("decode existing iv: %w", err)
	}
	ciphertextB64, err = encryptWithIV(plaintext, iv, key)
	if err != nil {
		return "", "", err
	}
	return ciphertextB64, existingIVB64, nil
}
