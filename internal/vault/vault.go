// Package vault encrypts and decrypts text artifacts under a passphrase-derived key.
//
// Artifacts are stored as IV (16 bytes) || AES-256-CBC ciphertext of the PKCS#7 padded
// plaintext. The key is the SHA-256 digest of the passphrase.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"unicode/utf8"
)

// KeySize is the AES-256 key length.
const KeySize = sha256.Size

// ErrDecryption is returned for a wrong passphrase or a malformed artifact.
var ErrDecryption = errors.New("decryption failed")

// Key is a symmetric key derived from a passphrase.
type Key [KeySize]byte

// DeriveKey hashes the passphrase's UTF-8 bytes. The same passphrase always yields the same key.
func DeriveKey(passphrase string) Key {
	return Key(sha256.Sum256([]byte(passphrase)))
}

// MarshalText encodes the key as base64 so it can travel inside JSON task payloads.
func (k Key) MarshalText() ([]byte, error) {
	out := make([]byte, base64.StdEncoding.EncodedLen(KeySize))
	base64.StdEncoding.Encode(out, k[:])
	return out, nil
}

func (k *Key) UnmarshalText(text []byte) error {
	raw, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decode key: %w", err)
	}
	if len(raw) != KeySize {
		return fmt.Errorf("decode key: want %d bytes, got %d", KeySize, len(raw))
	}
	copy(k[:], raw)
	return nil
}

// Encrypt pads plaintext and encrypts it under a fresh random IV, returning iv || ciphertext.
func Encrypt(plaintext string, key Key) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}

	padded := pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return out, nil
}

// Decrypt reverses Encrypt. A wrong key surfaces as ErrDecryption, never as garbled text.
func Decrypt(data []byte, key Key) (string, error) {
	if len(data) < 2*aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: malformed artifact (%d bytes)", ErrDecryption, len(data))
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}

	iv, ciphertext := data[:aes.BlockSize], data[aes.BlockSize:]
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plain, err := unpad(padded, aes.BlockSize)
	if err != nil {
		return "", err
	}
	// PKCS#7 alone accepts roughly 1 in 256 wrong keys; artifacts are always UTF-8 text.
	if !utf8.Valid(plain) {
		return "", fmt.Errorf("%w: plaintext is not valid UTF-8", ErrDecryption)
	}
	return string(plain), nil
}

// EncryptFile encrypts plaintext and writes it to path, readable by the owner only.
func EncryptFile(path, plaintext string, key Key) error {
	data, err := Encrypt(plaintext, key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// DecryptFile reads and decrypts the artifact at path.
// A missing file is treated as empty plaintext, not as an error.
func DecryptFile(path string, key Key) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return Decrypt(data, key)
}

func pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, fmt.Errorf("%w: invalid padded length", ErrDecryption)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize {
		return nil, fmt.Errorf("%w: invalid padding", ErrDecryption)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("%w: invalid padding", ErrDecryption)
		}
	}
	return b[:len(b)-n], nil
}
