// Package secure implements the two cryptographic collaborators the account
// vault relies on: AES-CBC at-rest encryption of account secrets, and
// RSA-OAEP unsealing of the account-ingestion payload. Both are built
// directly on the standard library (see DESIGN.md for why no pack
// dependency fits the exact envelope the wire format pins down).
package secure

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// KeySize is the process-wide AES key length (32 bytes / 256 bits).
const KeySize = 32

// EncryptSecret AES-CBC-encrypts plaintext under key, generating a fresh IV.
// An empty plaintext passes through unchanged: no IV is generated and the
// returned ciphertext is also empty.
func EncryptSecret(plaintext string, key [KeySize]byte) (ciphertextB64, ivB64 string, err error) {
	if plaintext == "" {
		return "", "", nil
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", "", fmt.Errorf("secure: generate iv: %w", err)
	}

	ciphertextB64, err = encryptWithIV(plaintext, iv, key)
	if err != nil {
		return "", "", err
	}
	return ciphertextB64, base64.StdEncoding.EncodeToString(iv), nil
}

// encryptWithIV AES-CBC-encrypts plaintext under key using the supplied IV,
// letting callers reuse a record's existing IV rather than minting a new
// one per field. plaintext must be non-empty.
func encryptWithIV(plaintext string, iv []byte, key [KeySize]byte) (string, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("secure: new cipher: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("secure: iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptSecret reverses EncryptSecret. An empty ciphertext passes through
// unchanged.
func DecryptSecret(ciphertextB64, ivB64 string, key [KeySize]byte) (string, error) {
	if ciphertextB64 == "" {
		return "", nil
	}

	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("secure: decode ciphertext: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return "", fmt.Errorf("secure: decode iv: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("secure: iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", errors.New("secure: ciphertext is not a whole number of blocks")
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("secure: new cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("secure: invalid padded length")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, errors.New("secure: invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("secure: invalid padding")
		}
	}
	return data[:len(data)-padLen], nil
}
