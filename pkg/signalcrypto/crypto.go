// Package signalcrypto implements the broker's cryptographic primitives:
// HMAC request signing, credential secret encryption at rest, credential
// name generation, and the validation rules shared by every RPC method.
package signalcrypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
)

// nameAlphabet is used to generate short, URL-safe credential names.
const nameAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// CanonicalMessage builds the string signed by the client and verified by
// the server: "{timestamp}:{nonce}:{method}:{paramsJson}".
//
// paramsJSON must already be the server's own canonical re-marshaling of the
// decoded params (see CanonicalParamsJSON) — signatures are verified against
// what the server parsed, not the client's raw request bytes, so that
// verification is deterministic regardless of the client's JSON formatting.
func CanonicalMessage(timestamp int64, nonce, method, paramsJSON string) string {
	return fmt.Sprintf("%s:%s:%s:%s", strconv.FormatInt(timestamp, 10), nonce, method, paramsJSON)
}

// CanonicalParamsJSON re-marshals params into the server's canonical JSON
// encoding. A nil params value canonicalizes to "{}".
func CanonicalParamsJSON(params any) (string, error) {
	if params == nil {
		return "{}", nil
	}
	if raw, ok := params.(json.RawMessage); ok && len(raw) == 0 {
		return "{}", nil
	}

	b, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("marshaling params: %w", err)
	}
	if string(b) == "null" {
		return "{}", nil
	}
	return string(b), nil
}

// Sign computes the base64-encoded HMAC-SHA256 of message under secretHex
// (the credential's hex-encoded plaintext secret).
func Sign(secretHex, message string) (string, error) {
	key, err := hex.DecodeString(secretHex)
	if err != nil {
		return "", fmt.Errorf("decoding secret: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether sigB64 is a valid HMAC-SHA256 signature of message
// under secretHex. Comparison is constant-time.
func Verify(secretHex, message, sigB64 string) bool {
	expected, err := Sign(secretHex, message)
	if err != nil {
		return false
	}
	got, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(expected)
	if err != nil {
		return false
	}
	return hmac.Equal(got, want)
}

// GenerateSecret returns 32 random bytes hex-encoded (64 characters), the
// credential's plaintext HMAC key. It is returned to the client exactly
// once, at credential creation.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GenerateCredentialName produces a random 6-10 character base36 token.
// Uniqueness is enforced by the caller retrying against storage.
func GenerateCredentialName() (string, error) {
	n, err := randInt(5) // 6..10 inclusive
	if err != nil {
		return "", err
	}
	length := 6 + n

	out := make([]byte, length)
	for i := range out {
		idx, err := randInt(len(nameAlphabet))
		if err != nil {
			return "", err
		}
		out[i] = nameAlphabet[idx]
	}
	return string(out), nil
}

func randInt(n int) (int, error) {
	max := big.NewInt(int64(n))
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0, fmt.Errorf("generating random int: %w", err)
	}
	return int(v.Int64()), nil
}
