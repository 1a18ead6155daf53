// Package storage defines the abstract persistence contract (C2) shared by
// every backend: offers, ICE candidates, credentials, rate-limit counters,
// and nonces. All timestamps passed to and returned from this interface are
// caller-supplied epoch milliseconds, not wall-clock reads taken inside the
// backend — this keeps the contract deterministic and testable.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors returned by backend implementations. Backends must map
// their own failure modes onto these where the contract calls for it.
var (
	ErrNotFound      = errors.New("not found")
	ErrNameTaken     = errors.New("name already in use")
	ErrTooManyOfferIDs = errors.New("too many offer ids in a single request")
)

// AnswerOutcome discriminates the result of a conditional AnswerOffer update.
type AnswerOutcome int

const (
	AnswerSuccess AnswerOutcome = iota
	AnswerAlreadyAnswered
	AnswerNotFoundOrExpired
)

// Role identifies which side of a WebRTC exchange posted an ICE candidate.
type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

// Opposite returns the other role — the one entitled to see this role's
// candidates.
func (r Role) Opposite() Role {
	if r == RoleOfferer {
		return RoleAnswerer
	}
	return RoleOfferer
}

// Credential is the persisted identity record (§3 "Credential").
type Credential struct {
	Name            string
	EncryptedSecret string
	CreatedAt       int64
	ExpiresAt       int64
	LastUsed        int64
}

// Offer is the persisted SDP posting (§3 "Offer").
type Offer struct {
	ID                string
	Username          string
	Tags              []string
	SDP               string
	CreatedAt         int64
	ExpiresAt         int64
	LastSeen          int64
	AnswererUsername  *string
	AnswerSDP         *string
	AnsweredAt        *int64
	MatchedTags       []string
}

// Answered reports whether the offer has a recorded answerer.
func (o *Offer) Answered() bool {
	return o.AnswererUsername != nil
}

// IceCandidate is a single opaque candidate posted by one peer (§3 "IceCandidate").
type IceCandidate struct {
	ID        int64
	OfferID   string
	Username  string
	Role      Role
	Candidate json.RawMessage
	CreatedAt int64
}

// NewOfferInput is the per-offer payload accepted by CreateOffers; ID is
// computed by the caller as sha256(sdp) before insertion so that identical
// SDPs deduplicate into the same row regardless of backend.
type NewOfferInput struct {
	ID       string
	Username string
	Tags     []string
	SDP      string
	CreatedAt int64
	ExpiresAt int64
}

// Store is the abstract persistence contract (C2). Every backend (memory,
// postgres, ...) implements the same semantics; only performance and
// dialect differ.
type Store interface {
	// Offers

	// CreateOffers inserts all offers transactionally. An offer whose ID
	// (sha256 of its SDP) already exists is left untouched — the existing
	// row wins, making the batch idempotent.
	CreateOffers(ctx context.Context, offers []NewOfferInput) ([]Offer, error)

	// GetOfferByID returns the offer iff it exists and expiresAt > now.
	GetOfferByID(ctx context.Context, id string, now int64) (*Offer, error)

	// DeleteOffer deletes the offer iff owner matches the stored username.
	// Reports whether a row was removed.
	DeleteOffer(ctx context.Context, id, owner string) (bool, error)

	// AnswerOffer performs a conditional update: it sets the answerer fields
	// only where answerer_username IS NULL and the offer is unexpired.
	AnswerOffer(ctx context.Context, id, answerer, sdp string, matchedTags []string, now int64) (AnswerOutcome, error)

	// GetOfferAnswer returns the live offer iff owner owns it, answered or
	// not (ErrNotFound otherwise); callers check Answered() before reading
	// the answer SDP/timestamp.
	GetOfferAnswer(ctx context.Context, id, owner string, now int64) (*Offer, error)

	// DiscoverOffers lists unanswered, unexpired offers matching any of tags
	// (OR), excluding excludeUser's own offers, newest first. Returns the
	// page and the total match count (for pagination metadata).
	DiscoverOffers(ctx context.Context, tags []string, excludeUser string, limit, offset int, now int64) ([]Offer, int, error)

	// GetRandomOffer returns a single uniformly-random offer matching the
	// same filter as DiscoverOffers, or ErrNotFound.
	GetRandomOffer(ctx context.Context, tags []string, excludeUser string, now int64) (*Offer, error)

	// GetOfferCount returns the global count of live (unexpired) offers.
	GetOfferCount(ctx context.Context, now int64) (int, error)

	// GetOfferCountByUsername returns the live offer count owned by username.
	GetOfferCountByUsername(ctx context.Context, username string, now int64) (int, error)

	// ListParticipantOfferIDs returns the IDs of every live offer where
	// username is either the offerer or the recorded answerer — the
	// candidate set poll() walks for new answers and ICE candidates in a
	// single pass.
	ListParticipantOfferIDs(ctx context.Context, username string, now int64) ([]string, error)

	// ICE candidates

	// AddIceCandidates atomically appends candidates for offerID, assigning
	// strictly increasing createdAt values starting at base.
	AddIceCandidates(ctx context.Context, offerID, username string, role Role, candidates []json.RawMessage, base int64) ([]IceCandidate, error)

	// GetIceCandidates returns candidates posted under role for offerID,
	// strictly after since, ordered by createdAt ascending.
	GetIceCandidates(ctx context.Context, offerID string, role Role, since int64) ([]IceCandidate, error)

	// GetIceCandidatesForOffers batches the same query across many offers,
	// for a single poll() cycle. Only candidates the caller is entitled to
	// (the opposite role on offers they participate in) are returned, keyed
	// by offer ID. ids is capped at 1000; exceeding it returns
	// ErrTooManyOfferIDs.
	GetIceCandidatesForOffers(ctx context.Context, ids []string, username string, since int64) (map[string][]IceCandidate, error)

	// GetIceCandidateCount returns the live candidate count for one offer.
	GetIceCandidateCount(ctx context.Context, offerID string) (int, error)

	// Credentials

	// CreateCredential inserts a new credential. Returns ErrNameTaken if the
	// (case-insensitive) name already exists.
	CreateCredential(ctx context.Context, cred Credential) error

	// GetCredentialByName looks up a credential by case-insensitive name.
	GetCredentialByName(ctx context.Context, name string) (*Credential, error)

	// TouchCredential refreshes lastUsed/expiresAt on successful auth.
	TouchCredential(ctx context.Context, name string, lastUsed, newExpiresAt int64) error

	// GetCredentialCount returns the global credential count.
	GetCredentialCount(ctx context.Context) (int, error)

	// Rate limiting & replay protection (C3)

	// CheckRateLimit atomically increments (or resets, if the window has
	// elapsed) the counter for identifier and reports whether the
	// post-increment count is within limit.
	CheckRateLimit(ctx context.Context, identifier string, limit int, window time.Duration, now int64) (bool, error)

	// CheckAndMarkNonce inserts key if and only if it is not already
	// present, returning true iff this call performed the insert.
	CheckAndMarkNonce(ctx context.Context, key string, expiresAt int64) (bool, error)

	// Cleanup sweeps

	DeleteExpiredOffers(ctx context.Context, now int64) (int, error)
	DeleteExpiredCredentials(ctx context.Context, now int64) (int, error)
	DeleteExpiredNonces(ctx context.Context, now int64) (int, error)
	DeleteExpiredRateLimits(ctx context.Context, now int64) (int, error)
}
