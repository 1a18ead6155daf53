// Package credential implements credential lifecycle (C7):
// generateCredentials admission, name uniqueness, encrypted-secret
// persistence, and the one-time plaintext return to the caller.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xtrdev/rondevu/pkg/ratelimit"
	"github.com/xtrdev/rondevu/pkg/signalcrypto"
	"github.com/xtrdev/rondevu/pkg/storage"
)

const maxNameRetries = 100

// Error codes surfaced to the RPC layer; see pkg/rpc for the full taxonomy.
var (
	ErrStorageFull       = errors.New("credential storage is full")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrInvalidName       = signalcrypto.ErrInvalidName
	ErrNameTaken         = storage.ErrNameTaken
	ErrInvalidExpiresAt  = errors.New("expiresAt must be in the future and within 10 years")
)

// EncryptFunc encrypts a credential's plaintext secret for storage.
type EncryptFunc func(secretHex string) (string, error)

// Service implements generateCredentials.
type Service struct {
	store   storage.Store
	limiter ratelimit.Limiter
	encrypt EncryptFunc

	maxTotalCredentials int
	perIPPerSecond      int
	sharedFallbackRate  int // applied when the caller's IP could not be determined
	defaultTTL          time.Duration
}

// Config bundles the admission limits Service enforces.
type Config struct {
	MaxTotalCredentials int
	PerIPPerSecond      int
	DefaultTTL          time.Duration
}

// New constructs a Service.
func New(store storage.Store, limiter ratelimit.Limiter, encrypt EncryptFunc, cfg Config) *Service {
	return &Service{
		store:               store,
		limiter:             limiter,
		encrypt:             encrypt,
		maxTotalCredentials: cfg.MaxTotalCredentials,
		perIPPerSecond:      cfg.PerIPPerSecond,
		sharedFallbackRate:  2, // §4.6: shared bucket limited to 2/s when IP is unknown
		defaultTTL:          cfg.DefaultTTL,
	}
}

// Input is the optional payload of generateCredentials.
type Input struct {
	Name      string // optional; empty means server-generated
	ExpiresAt int64  // optional epoch-ms; zero means defaultTTL from now
}

// Result is returned to the caller, including the plaintext secret, which
// is never persisted or returned again after this call.
type Result struct {
	Name      string
	Secret    string
	CreatedAt int64
	ExpiresAt int64
}

// Generate admits, allocates, and persists a new credential. clientIP is
// empty when the server could not determine a remote address.
func (s *Service) Generate(ctx context.Context, in Input, clientIP string, now time.Time) (*Result, error) {
	nowMs := now.UnixMilli()

	count, err := s.store.GetCredentialCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking credential count: %w", err)
	}
	if count >= s.maxTotalCredentials {
		return nil, ErrStorageFull
	}

	if err := s.checkRate(ctx, clientIP); err != nil {
		return nil, err
	}

	expiresAt := nowMs + s.defaultTTL.Milliseconds()
	if in.ExpiresAt != 0 {
		const tolerance = 60_000
		const maxHorizon = 10 * 365 * 24 * 3600 * 1000
		if in.ExpiresAt < nowMs-tolerance || in.ExpiresAt > nowMs+maxHorizon {
			return nil, ErrInvalidExpiresAt
		}
		expiresAt = in.ExpiresAt
	}

	name := in.Name
	if name != "" {
		if err := signalcrypto.ValidateName(name); err != nil {
			return nil, ErrInvalidName
		}
		name = signalcrypto.NormalizeName(name)
	}

	secret, err := signalcrypto.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}
	encrypted, err := s.encrypt(secret)
	if err != nil {
		return nil, fmt.Errorf("encrypting secret: %w", err)
	}

	finalName := name
	attempts := 1
	if finalName == "" {
		attempts = maxNameRetries
	}

	for i := 0; i < attempts; i++ {
		candidate := finalName
		if candidate == "" {
			candidate, err = signalcrypto.GenerateCredentialName()
			if err != nil {
				return nil, fmt.Errorf("generating name: %w", err)
			}
		}

		cred := storage.Credential{
			Name:            candidate,
			EncryptedSecret: encrypted,
			CreatedAt:       nowMs,
			ExpiresAt:       expiresAt,
			LastUsed:        nowMs,
		}
		err = s.store.CreateCredential(ctx, cred)
		if err == nil {
			return &Result{Name: candidate, Secret: secret, CreatedAt: nowMs, ExpiresAt: expiresAt}, nil
		}
		if !errors.Is(err, storage.ErrNameTaken) {
			return nil, fmt.Errorf("creating credential: %w", err)
		}
		if name != "" {
			// a caller-supplied name collided; no point retrying with the
			// same fixed value.
			return nil, ErrNameTaken
		}
	}
	return nil, fmt.Errorf("generating credential: exhausted %d name attempts", maxNameRetries)
}

func (s *Service) checkRate(ctx context.Context, clientIP string) error {
	identifier := "cred:ip:" + clientIP
	limit := s.perIPPerSecond
	if clientIP == "" {
		identifier = "cred:shared"
		limit = s.sharedFallbackRate
	}
	ok, err := s.limiter.Allow(ctx, identifier, limit, time.Second)
	if err != nil {
		return fmt.Errorf("checking rate limit: %w", err)
	}
	if !ok {
		return ErrRateLimitExceeded
	}
	return nil
}
