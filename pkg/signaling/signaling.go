// Package signaling implements the signaling state machine (C6): offer
// publication, discovery, answering, ICE candidate exchange, and polling.
package signaling

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xtrdev/rondevu/pkg/signalcrypto"
	"github.com/xtrdev/rondevu/pkg/storage"
)

// Sentinel errors mapped onto the RPC error taxonomy by pkg/rpc.
var (
	ErrOfferNotFound        = errors.New("offer not found")
	ErrOfferAlreadyAnswered = errors.New("offer already answered")
	ErrOfferNotAnswered     = errors.New("offer not answered")
	ErrNotAuthorized        = errors.New("not authorized")
	ErrTooManyOffers        = errors.New("too many offers in request")
	ErrTooManyOffersPerUser = errors.New("too many offers for this user")
	ErrStorageFull          = errors.New("offer storage is full")
	ErrSDPTooLarge          = errors.New("sdp exceeds the configured size limit")
	ErrTooManyICECandidates = errors.New("too many ice candidates for this offer")
	ErrInvalidParams        = errors.New("invalid params")
	ErrOwnershipMismatch    = errors.New("matched tags are not a subset of the offer's tags")
)

// MaxDiscoverPageSize is the hard ceiling on discover's limit parameter;
// requests above it are clamped, per §8 boundary tests (limit=101 -> 100).
const MaxDiscoverPageSize = 100

// Config bundles the admission limits enforced by Service.
type Config struct {
	MaxOffersPerRequest      int
	MaxOffersPerUser         int
	MaxTotalOffers           int
	MaxSDPSize               int
	OfferDefaultTTL          time.Duration
	OfferMinTTL              time.Duration
	OfferMaxTTL              time.Duration
	MaxCandidatesPerRequest  int
	MaxCandidateDepth        int
	MaxCandidateSize         int
	MaxIceCandidatesPerOffer int
}

// Service implements the offer/ICE state machine against a Store.
type Service struct {
	store storage.Store
	cfg   Config
}

// New constructs a Service.
func New(store storage.Store, cfg Config) *Service {
	return &Service{store: store, cfg: cfg}
}

// OfferResult is one entry of PublishOffer's response.
type OfferResult struct {
	OfferID   string
	SDP       string
	CreatedAt int64
	ExpiresAt int64
}

// PublishResult is the full response of publishOffer.
type PublishResult struct {
	Username  string
	Tags      []string
	Offers    []OfferResult
	CreatedAt int64
	ExpiresAt int64
}

// PublishOffer validates and persists a batch of SDP offers under one TTL.
func (s *Service) PublishOffer(ctx context.Context, username string, tags []string, sdps []string, ttlMs int64, now time.Time) (*PublishResult, error) {
	if len(sdps) < 1 || len(sdps) > s.cfg.MaxOffersPerRequest {
		return nil, ErrTooManyOffers
	}
	if err := signalcrypto.ValidateTags(tags); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	for _, sdp := range sdps {
		if err := signalcrypto.ValidateSDP(sdp, s.cfg.MaxSDPSize); err != nil {
			return nil, ErrSDPTooLarge
		}
	}

	nowMs := now.UnixMilli()

	perUser, err := s.store.GetOfferCountByUsername(ctx, username, nowMs)
	if err != nil {
		return nil, fmt.Errorf("checking per-user offer count: %w", err)
	}
	if perUser+len(sdps) > s.cfg.MaxOffersPerUser {
		return nil, ErrTooManyOffersPerUser
	}

	total, err := s.store.GetOfferCount(ctx, nowMs)
	if err != nil {
		return nil, fmt.Errorf("checking global offer count: %w", err)
	}
	if total+len(sdps) > s.cfg.MaxTotalOffers {
		return nil, ErrStorageFull
	}

	ttl := s.clampTTL(ttlMs)
	expiresAt := nowMs + ttl.Milliseconds()

	inputs := make([]storage.NewOfferInput, 0, len(sdps))
	for _, sdp := range sdps {
		inputs = append(inputs, storage.NewOfferInput{
			ID:        sdpOfferID(sdp),
			Username:  username,
			Tags:      tags,
			SDP:       sdp,
			CreatedAt: nowMs,
			ExpiresAt: expiresAt,
		})
	}

	created, err := s.store.CreateOffers(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("creating offers: %w", err)
	}

	offers := make([]OfferResult, 0, len(created))
	for _, o := range created {
		offers = append(offers, OfferResult{OfferID: o.ID, SDP: o.SDP, CreatedAt: o.CreatedAt, ExpiresAt: o.ExpiresAt})
	}

	return &PublishResult{Username: username, Tags: tags, Offers: offers, CreatedAt: nowMs, ExpiresAt: expiresAt}, nil
}

func (s *Service) clampTTL(requested int64) time.Duration {
	ttl := s.cfg.OfferDefaultTTL
	if requested > 0 {
		ttl = time.Duration(requested) * time.Millisecond
	}
	if ttl < s.cfg.OfferMinTTL {
		ttl = s.cfg.OfferMinTTL
	}
	if ttl > s.cfg.OfferMaxTTL {
		ttl = s.cfg.OfferMaxTTL
	}
	return ttl
}

func sdpOfferID(sdp string) string {
	sum := sha256.Sum256([]byte(sdp))
	return hex.EncodeToString(sum[:])
}

// DiscoverResult is the paginated discover() response.
type DiscoverResult struct {
	Offers []storage.Offer
	Count  int
	Limit  int
	Offset int
}

// Discover lists open offers matching tags. limit<0 selects random mode
// (one offer). callerUsername is empty for unauthenticated callers.
func (s *Service) Discover(ctx context.Context, tags []string, callerUsername string, limit, offset int, now time.Time) (*DiscoverResult, *storage.Offer, error) {
	if err := signalcrypto.ValidateTags(tags); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	nowMs := now.UnixMilli()

	if limit < 0 {
		offer, err := s.store.GetRandomOffer(ctx, tags, callerUsername, nowMs)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, nil, ErrOfferNotFound
			}
			return nil, nil, fmt.Errorf("selecting random offer: %w", err)
		}
		return nil, offer, nil
	}

	if limit == 0 {
		return nil, nil, fmt.Errorf("%w: limit must be >= 1", ErrInvalidParams)
	}
	if limit > MaxDiscoverPageSize {
		limit = MaxDiscoverPageSize
	}
	if offset < 0 {
		return nil, nil, fmt.Errorf("%w: offset must be >= 0", ErrInvalidParams)
	}

	offers, count, err := s.store.DiscoverOffers(ctx, tags, callerUsername, limit, offset, nowMs)
	if err != nil {
		return nil, nil, fmt.Errorf("discovering offers: %w", err)
	}
	return &DiscoverResult{Offers: offers, Count: count, Limit: limit, Offset: offset}, nil, nil
}

// AnswerOffer validates and conditionally claims an offer.
func (s *Service) AnswerOffer(ctx context.Context, offerID, answerer, sdp string, matchedTags []string, now time.Time) error {
	if err := signalcrypto.ValidateSDP(sdp, s.cfg.MaxSDPSize); err != nil {
		return ErrSDPTooLarge
	}
	nowMs := now.UnixMilli()

	offer, err := s.store.GetOfferByID(ctx, offerID, nowMs)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrOfferNotFound
		}
		return fmt.Errorf("loading offer: %w", err)
	}
	if offer.Answered() {
		return ErrOfferAlreadyAnswered
	}

	if len(matchedTags) > 0 {
		allowed := make(map[string]struct{}, len(offer.Tags))
		for _, t := range offer.Tags {
			allowed[t] = struct{}{}
		}
		for _, t := range matchedTags {
			if _, ok := allowed[t]; !ok {
				return ErrOwnershipMismatch
			}
		}
	}

	outcome, err := s.store.AnswerOffer(ctx, offerID, answerer, sdp, matchedTags, nowMs)
	if err != nil {
		return fmt.Errorf("answering offer: %w", err)
	}
	switch outcome {
	case storage.AnswerSuccess:
		return nil
	case storage.AnswerAlreadyAnswered:
		return ErrOfferAlreadyAnswered
	default:
		return ErrOfferNotFound
	}
}

// GetOfferAnswer returns the recorded answer for an offer the caller owns.
func (s *Service) GetOfferAnswer(ctx context.Context, offerID, owner string, now time.Time) (*storage.Offer, error) {
	offer, err := s.store.GetOfferAnswer(ctx, offerID, owner, now.UnixMilli())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrOfferNotFound
		}
		return nil, fmt.Errorf("loading offer: %w", err)
	}
	if !offer.Answered() {
		return nil, ErrOfferNotAnswered
	}
	return offer, nil
}

// AddIceCandidates appends candidates under a server-assigned role.
func (s *Service) AddIceCandidates(ctx context.Context, offerID, caller string, candidates []json.RawMessage, now time.Time) ([]storage.IceCandidate, error) {
	if len(candidates) < 1 || len(candidates) > s.cfg.MaxCandidatesPerRequest {
		return nil, fmt.Errorf("%w: candidate count out of range", ErrInvalidParams)
	}
	for _, c := range candidates {
		if err := signalcrypto.ValidateCandidate(c, s.cfg.MaxCandidateSize, s.cfg.MaxCandidateDepth); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
	}

	nowMs := now.UnixMilli()
	offer, err := s.store.GetOfferByID(ctx, offerID, nowMs)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrOfferNotFound
		}
		return nil, fmt.Errorf("loading offer: %w", err)
	}

	role := storage.RoleAnswerer
	if offer.Username == caller {
		role = storage.RoleOfferer
	}

	current, err := s.store.GetIceCandidateCount(ctx, offerID)
	if err != nil {
		return nil, fmt.Errorf("checking ice candidate count: %w", err)
	}
	if current+len(candidates) > s.cfg.MaxIceCandidatesPerOffer {
		return nil, ErrTooManyICECandidates
	}

	added, err := s.store.AddIceCandidates(ctx, offerID, caller, role, candidates, nowMs)
	if err != nil {
		return nil, fmt.Errorf("adding ice candidates: %w", err)
	}
	return added, nil
}

// GetIceCandidates returns the opposite role's candidates for an offer the
// caller participates in.
func (s *Service) GetIceCandidates(ctx context.Context, offerID, caller string, since int64, now time.Time) ([]storage.IceCandidate, error) {
	offer, err := s.store.GetOfferByID(ctx, offerID, now.UnixMilli())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrOfferNotFound
		}
		return nil, fmt.Errorf("loading offer: %w", err)
	}

	callerRole, err := participantRole(offer, caller)
	if err != nil {
		return nil, err
	}

	candidates, err := s.store.GetIceCandidates(ctx, offerID, callerRole.Opposite(), since)
	if err != nil {
		return nil, fmt.Errorf("loading ice candidates: %w", err)
	}
	return candidates, nil
}

func participantRole(offer *storage.Offer, caller string) (storage.Role, error) {
	switch {
	case offer.Username == caller:
		return storage.RoleOfferer, nil
	case offer.AnswererUsername != nil && *offer.AnswererUsername == caller:
		return storage.RoleAnswerer, nil
	default:
		return "", ErrNotAuthorized
	}
}

// DeleteOffer removes an offer iff owner is its creator.
func (s *Service) DeleteOffer(ctx context.Context, offerID, owner string) error {
	deleted, err := s.store.DeleteOffer(ctx, offerID, owner)
	if err != nil {
		return fmt.Errorf("deleting offer: %w", err)
	}
	if !deleted {
		return ErrNotAuthorized
	}
	return nil
}

// PollResult is poll()'s response: newly-answered offers owned by the
// caller, and the opposite role's ICE candidates for every offer the caller
// participates in.
type PollResult struct {
	Answers       []storage.Offer
	IceCandidates map[string][]storage.IceCandidate
}

// Poll gathers everything new since a cursor in one pass, batching the ICE
// lookup across every offer the caller participates in rather than issuing
// one query per offer.
func (s *Service) Poll(ctx context.Context, caller string, since int64, now time.Time) (*PollResult, error) {
	nowMs := now.UnixMilli()

	offerIDs, err := s.store.ListParticipantOfferIDs(ctx, caller, nowMs)
	if err != nil {
		return nil, fmt.Errorf("listing participant offers: %w", err)
	}

	var answers []storage.Offer
	for _, id := range offerIDs {
		offer, err := s.store.GetOfferByID(ctx, id, nowMs)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("loading offer %s: %w", id, err)
		}
		if offer.Username == caller && offer.Answered() && offer.AnsweredAt != nil && *offer.AnsweredAt > since {
			answers = append(answers, *offer)
		}
	}

	iceByOffer, err := s.store.GetIceCandidatesForOffers(ctx, offerIDs, caller, since)
	if err != nil {
		return nil, fmt.Errorf("batch-loading ice candidates: %w", err)
	}

	return &PollResult{Answers: answers, IceCandidates: iceByOffer}, nil
}
