package credential

import (
	"context"
	"testing"
	"time"

	"github.com/xtrdev/rondevu/pkg/ratelimit"
	"github.com/xtrdev/rondevu/pkg/storage/memory"
)

func identityEncrypt(s string) (string, error) { return s, nil }

func newService(t *testing.T) *Service {
	t.Helper()
	return New(memory.New(), ratelimit.NewMemoryLimiter(), identityEncrypt, Config{
		MaxTotalCredentials: 1000,
		PerIPPerSecond:      1,
		DefaultTTL:          365 * 24 * time.Hour,
	})
}

func TestGenerateDefaults(t *testing.T) {
	s := newService(t)
	now := time.Now()

	res, err := s.Generate(context.Background(), Input{}, "1.1.1.1", now)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if len(res.Name) < 6 || len(res.Name) > 10 {
		t.Errorf("Generate() name %q has unexpected length", res.Name)
	}
	if res.Secret == "" {
		t.Error("Generate() returned empty secret")
	}
	wantExpiry := now.Add(365 * 24 * time.Hour).UnixMilli()
	if diff := res.ExpiresAt - wantExpiry; diff > 1000 || diff < -1000 {
		t.Errorf("Generate() expiresAt = %d, want near %d", res.ExpiresAt, wantExpiry)
	}
}

func TestGenerateCustomName(t *testing.T) {
	s := newService(t)
	now := time.Now()

	res, err := s.Generate(context.Background(), Input{Name: "Alice-01"}, "1.1.1.2", now)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if res.Name != "alice-01" {
		t.Errorf("Generate() name = %q, want normalized alice-01", res.Name)
	}

	_, err = s.Generate(context.Background(), Input{Name: "alice-01"}, "1.1.1.3", now)
	if err != ErrNameTaken {
		t.Errorf("Generate() with duplicate name = %v, want ErrNameTaken", err)
	}
}

func TestGenerateInvalidName(t *testing.T) {
	s := newService(t)
	_, err := s.Generate(context.Background(), Input{Name: "x"}, "1.1.1.4", time.Now())
	if err != ErrInvalidName {
		t.Errorf("Generate() with too-short name = %v, want ErrInvalidName", err)
	}
}

func TestGenerateRejectsExpiresAtInPast(t *testing.T) {
	s := newService(t)
	now := time.Now()
	past := now.Add(-time.Hour).UnixMilli()

	_, err := s.Generate(context.Background(), Input{ExpiresAt: past}, "1.1.1.5", now)
	if err != ErrInvalidExpiresAt {
		t.Errorf("Generate() with past expiresAt = %v, want ErrInvalidExpiresAt", err)
	}
}

func TestGenerateRejectsExpiresAtTooFar(t *testing.T) {
	s := newService(t)
	now := time.Now()
	tooFar := now.Add(11 * 365 * 24 * time.Hour).UnixMilli()

	_, err := s.Generate(context.Background(), Input{ExpiresAt: tooFar}, "1.1.1.6", now)
	if err != ErrInvalidExpiresAt {
		t.Errorf("Generate() with far-future expiresAt = %v, want ErrInvalidExpiresAt", err)
	}
}

func TestGeneratePerIPRateLimit(t *testing.T) {
	s := newService(t)
	now := time.Now()

	if _, err := s.Generate(context.Background(), Input{}, "9.9.9.9", now); err != nil {
		t.Fatalf("Generate() first call error: %v", err)
	}
	if _, err := s.Generate(context.Background(), Input{}, "9.9.9.9", now); err != ErrRateLimitExceeded {
		t.Errorf("Generate() second call within window = %v, want ErrRateLimitExceeded", err)
	}
}

func TestGenerateUnknownIPUsesSharedFallback(t *testing.T) {
	s := newService(t)
	now := time.Now()

	if _, err := s.Generate(context.Background(), Input{}, "", now); err != nil {
		t.Fatalf("Generate() first call error: %v", err)
	}
	if _, err := s.Generate(context.Background(), Input{}, "", now); err != nil {
		t.Fatalf("Generate() second call (within shared rate of 2) error: %v", err)
	}
	if _, err := s.Generate(context.Background(), Input{}, "", now); err != ErrRateLimitExceeded {
		t.Errorf("Generate() third call over shared fallback rate = %v, want ErrRateLimitExceeded", err)
	}
}

func TestGenerateStorageFull(t *testing.T) {
	s := newService(t)
	s.maxTotalCredentials = 0
	_, err := s.Generate(context.Background(), Input{}, "1.1.1.7", time.Now())
	if err != ErrStorageFull {
		t.Errorf("Generate() at capacity = %v, want ErrStorageFull", err)
	}
}
