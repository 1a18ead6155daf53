// Package authgate implements the auth gate (C4): the ordered verification
// sequence every authenticated RPC method runs through before its handler
// is invoked.
package authgate

import (
	"context"
	"errors"
	"time"

	"github.com/xtrdev/rondevu/pkg/ratelimit"
	"github.com/xtrdev/rondevu/pkg/signalcrypto"
	"github.com/xtrdev/rondevu/pkg/storage"
)

// ErrInvalidCredentials is returned for every verification failure that
// must be indistinguishable to the caller: unknown name, wrong signature,
// replayed nonce, or a timestamp outside the accepted window. Collapsing
// these prevents credential-name enumeration.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Headers carries the four authentication headers presented on an
// authenticated request.
type Headers struct {
	Name      string
	Timestamp string
	Nonce     string
	Signature string
}

// DecryptFunc reverses the at-rest encryption of a credential's secret. In
// production this closes over the master key via signalcrypto.DecryptSecret;
// tests can pass an identity function to work with plaintext fixtures.
type DecryptFunc func(encryptedSecret string) (string, error)

// Gate verifies authenticated requests against a Store and a Limiter.
type Gate struct {
	store         storage.Store
	nonces        ratelimit.Limiter
	decrypt       DecryptFunc
	maxAge        time.Duration
	maxFuture     time.Duration
	credentialTTL time.Duration
}

// New constructs a Gate. maxAge/maxFuture bound the timestamp window;
// credentialTTL is the lifetime a successful auth extends a credential's
// expiresAt to (365 days per the data model).
func New(store storage.Store, nonces ratelimit.Limiter, decrypt DecryptFunc, maxAge, maxFuture, credentialTTL time.Duration) *Gate {
	return &Gate{store: store, nonces: nonces, decrypt: decrypt, maxAge: maxAge, maxFuture: maxFuture, credentialTTL: credentialTTL}
}

// Identity is the verified caller, available to a handler after Verify
// succeeds.
type Identity struct {
	Name string
}

// Verify runs the five-step sequence from the component design. Order is
// load-bearing: the nonce is burned only after the signature checks out, so
// an attacker without the secret cannot exhaust a victim's nonce space by
// probing with garbage signatures.
func (g *Gate) Verify(ctx context.Context, h Headers, method, paramsJSON string, now time.Time) (*Identity, error) {
	ts, err := parseTimestampMs(h.Timestamp)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	nowMs := now.UnixMilli()
	if nowMs-ts > g.maxAge.Milliseconds() || ts-nowMs > g.maxFuture.Milliseconds() {
		return nil, ErrInvalidCredentials
	}

	if h.Name == "" || h.Nonce == "" || h.Signature == "" {
		return nil, ErrInvalidCredentials
	}

	cred, err := g.store.GetCredentialByName(ctx, signalcrypto.NormalizeName(h.Name))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if cred.ExpiresAt < nowMs {
		return nil, ErrInvalidCredentials
	}

	secret, err := g.decrypt(cred.EncryptedSecret)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	msg := signalcrypto.CanonicalMessage(ts, h.Nonce, method, paramsJSON)
	if !signalcrypto.Verify(secret, msg, h.Signature) {
		return nil, ErrInvalidCredentials
	}

	nonceKey := cred.Name + ":" + h.Nonce
	fresh, err := g.nonces.CheckAndMarkNonce(ctx, nonceKey, g.maxAge)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return nil, ErrInvalidCredentials
	}

	if err := g.store.TouchCredential(ctx, cred.Name, nowMs, nowMs+g.credentialTTL.Milliseconds()); err != nil {
		return nil, err
	}

	return &Identity{Name: cred.Name}, nil
}

func parseTimestampMs(s string) (int64, error) {
	if s == "" {
		return 0, errors.New("missing timestamp")
	}
	var v int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errors.New("timestamp must be a decimal integer")
		}
		v = v*10 + int64(r-'0')
	}
	return v, nil
}
