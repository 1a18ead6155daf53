package signalcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MasterKeySize is the required size, in bytes, of the AES-256-GCM master key.
const MasterKeySize = 32

// saltSize is the size, in bytes, of the random per-credential HKDF salt
// stored alongside each ciphertext.
const saltSize = 16

// hkdfInfo binds derived keys to this specific use, so the same master key
// used for any other purpose would derive unrelated subkeys.
var hkdfInfo = []byte("rondevu-credential-secret")

// ErrInvalidMasterKey is returned when a master key string doesn't decode to
// exactly MasterKeySize bytes of hex.
var ErrInvalidMasterKey = errors.New("master encryption key must be 64 hex characters (32 bytes)")

// ParseMasterKey decodes a 64-hex-character master key into raw bytes.
func ParseMasterKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != MasterKeySize {
		return nil, ErrInvalidMasterKey
	}
	return key, nil
}

// deriveKey expands masterKey and salt into a one-time AES-256 key via
// HKDF-SHA256, so no two credentials are ever encrypted under the same key
// and a derived key's compromise doesn't expose the master key itself.
func deriveKey(masterKey, salt []byte) ([]byte, error) {
	key := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, salt, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}

// EncryptSecret encrypts a credential's hex-encoded plaintext secret under a
// key HKDF-derived from masterKey and a fresh random salt, sealed with
// AES-GCM under a fresh random 12-byte nonce. The returned string is
// base64(salt || nonce || ciphertext || tag).
func EncryptSecret(masterKey []byte, secretHex string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	key, err := deriveKey(masterKey, salt)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("creating GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	out := append(salt, nonce...)
	sealed := gcm.Seal(out, nonce, []byte(secretHex), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptSecret reverses EncryptSecret. Any failure — bad base64, truncated
// payload, authentication failure — is treated as "credential not found"
// (fail-closed) by returning a single opaque error; callers must not
// distinguish the failure mode.
func DecryptSecret(masterKey []byte, encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errDecryptFailed
	}
	if len(raw) < saltSize {
		return "", errDecryptFailed
	}
	salt, rest := raw[:saltSize], raw[saltSize:]

	key, err := deriveKey(masterKey, salt)
	if err != nil {
		return "", errDecryptFailed
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", errDecryptFailed
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errDecryptFailed
	}

	nonceSize := gcm.NonceSize()
	if len(rest) < nonceSize {
		return "", errDecryptFailed
	}

	nonce, ciphertext := rest[:nonceSize], rest[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", errDecryptFailed
	}

	return string(plaintext), nil
}

var errDecryptFailed = errors.New("decrypting credential secret failed")
