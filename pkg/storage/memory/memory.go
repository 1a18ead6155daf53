// Package memory implements the storage.Store contract (C2) as an in-process
// index guarded by a mutex. It is the broker's default backend and the one
// exercised by the signaling package's unit tests.
package memory

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/xtrdev/rondevu/pkg/storage"
)

// Store is an in-memory implementation of storage.Store. The zero value is
// not usable; construct with New.
type Store struct {
	mu sync.RWMutex

	offers      map[string]*storage.Offer
	credentials map[string]*storage.Credential // keyed by normalized name
	iceSeq      map[string]int64               // offerID -> next candidate id
	ice         map[string][]storage.IceCandidate

	rlMu  sync.Mutex
	rl    map[string]rateLimitEntry
	nonce map[string]int64 // key -> expiresAt
}

type rateLimitEntry struct {
	count     int
	resetTime int64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		offers:      make(map[string]*storage.Offer),
		credentials: make(map[string]*storage.Credential),
		iceSeq:      make(map[string]int64),
		ice:         make(map[string][]storage.IceCandidate),
		rl:          make(map[string]rateLimitEntry),
		nonce:       make(map[string]int64),
	}
}

// --- Offers ---

func (s *Store) CreateOffers(_ context.Context, offers []storage.NewOfferInput) ([]storage.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.Offer, 0, len(offers))
	for _, in := range offers {
		if existing, ok := s.offers[in.ID]; ok {
			out = append(out, *existing)
			continue
		}
		o := &storage.Offer{
			ID:        in.ID,
			Username:  in.Username,
			Tags:      append([]string(nil), in.Tags...),
			SDP:       in.SDP,
			CreatedAt: in.CreatedAt,
			ExpiresAt: in.ExpiresAt,
			LastSeen:  in.CreatedAt,
		}
		s.offers[in.ID] = o
		out = append(out, *o)
	}
	return out, nil
}

func (s *Store) GetOfferByID(_ context.Context, id string, now int64) (*storage.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.offers[id]
	if !ok || o.ExpiresAt <= now {
		return nil, storage.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *Store) DeleteOffer(_ context.Context, id, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[id]
	if !ok || o.Username != owner {
		return false, nil
	}
	delete(s.offers, id)
	delete(s.ice, id)
	delete(s.iceSeq, id)
	return true, nil
}

func (s *Store) AnswerOffer(_ context.Context, id, answerer, sdp string, matchedTags []string, now int64) (storage.AnswerOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[id]
	if !ok || o.ExpiresAt <= now {
		return storage.AnswerNotFoundOrExpired, nil
	}
	if o.Answered() {
		return storage.AnswerAlreadyAnswered, nil
	}

	answererCopy := answerer
	sdpCopy := sdp
	answeredAt := now
	o.AnswererUsername = &answererCopy
	o.AnswerSDP = &sdpCopy
	o.AnsweredAt = &answeredAt
	if len(matchedTags) > 0 {
		o.MatchedTags = append([]string(nil), matchedTags...)
	}
	return storage.AnswerSuccess, nil
}

func (s *Store) GetOfferAnswer(_ context.Context, id, owner string, now int64) (*storage.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.offers[id]
	if !ok || o.ExpiresAt <= now || o.Username != owner {
		return nil, storage.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *Store) DiscoverOffers(_ context.Context, tags []string, excludeUser string, limit, offset int, now int64) ([]storage.Offer, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.matchOffers(tags, excludeUser, now)
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt > matched[j].CreatedAt })

	total := len(matched)
	if offset >= total {
		return []storage.Offer{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := make([]storage.Offer, end-offset)
	copy(page, matched[offset:end])
	return page, total, nil
}

func (s *Store) GetRandomOffer(_ context.Context, tags []string, excludeUser string, now int64) (*storage.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.matchOffers(tags, excludeUser, now)
	if len(matched) == 0 {
		return nil, storage.ErrNotFound
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(matched))))
	if err != nil {
		return nil, err
	}
	cp := matched[n.Int64()]
	return &cp, nil
}

// matchOffers returns unanswered, unexpired offers matching any of tags (OR),
// excluding excludeUser's own offers. Caller must hold at least a read lock.
func (s *Store) matchOffers(tags []string, excludeUser string, now int64) []storage.Offer {
	want := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		want[t] = struct{}{}
	}

	var out []storage.Offer
	for _, o := range s.offers {
		if o.ExpiresAt <= now || o.Answered() {
			continue
		}
		if excludeUser != "" && o.Username == excludeUser {
			continue
		}
		if !anyTagMatches(o.Tags, want) {
			continue
		}
		out = append(out, *o)
	}
	return out
}

func anyTagMatches(offerTags []string, want map[string]struct{}) bool {
	if len(want) == 0 {
		return true
	}
	for _, t := range offerTags {
		if _, ok := want[t]; ok {
			return true
		}
	}
	return false
}

func (s *Store) GetOfferCount(_ context.Context, now int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, o := range s.offers {
		if o.ExpiresAt > now {
			n++
		}
	}
	return n, nil
}

func (s *Store) GetOfferCountByUsername(_ context.Context, username string, now int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, o := range s.offers {
		if o.ExpiresAt > now && o.Username == username {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListParticipantOfferIDs(_ context.Context, username string, now int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, o := range s.offers {
		if o.ExpiresAt <= now {
			continue
		}
		if o.Username == username || (o.AnswererUsername != nil && *o.AnswererUsername == username) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// --- ICE candidates ---

func (s *Store) AddIceCandidates(_ context.Context, offerID, username string, role storage.Role, candidates []json.RawMessage, base int64) ([]storage.IceCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.offers[offerID]; !ok {
		return nil, storage.ErrNotFound
	}

	start := s.iceSeq[offerID]
	if base > start {
		start = base
	}

	out := make([]storage.IceCandidate, 0, len(candidates))
	for i, c := range candidates {
		ic := storage.IceCandidate{
			ID:        start + int64(i),
			OfferID:   offerID,
			Username:  username,
			Role:      role,
			Candidate: append(json.RawMessage(nil), c...),
			CreatedAt: start + int64(i),
		}
		s.ice[offerID] = append(s.ice[offerID], ic)
		out = append(out, ic)
	}
	s.iceSeq[offerID] = start + int64(len(candidates))
	return out, nil
}

func (s *Store) GetIceCandidates(_ context.Context, offerID string, role storage.Role, since int64) ([]storage.IceCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []storage.IceCandidate
	for _, c := range s.ice[offerID] {
		if c.Role == role && c.CreatedAt > since {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *Store) GetIceCandidatesForOffers(_ context.Context, ids []string, username string, since int64) (map[string][]storage.IceCandidate, error) {
	if len(ids) > 1000 {
		return nil, storage.ErrTooManyOfferIDs
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string][]storage.IceCandidate)
	for _, id := range ids {
		o, ok := s.offers[id]
		if !ok {
			continue
		}

		var wantRole storage.Role
		switch username {
		case o.Username:
			wantRole = storage.RoleAnswerer
		default:
			if o.AnswererUsername != nil && *o.AnswererUsername == username {
				wantRole = storage.RoleOfferer
			} else {
				continue // caller is neither offerer nor answerer
			}
		}

		var matched []storage.IceCandidate
		for _, c := range s.ice[id] {
			if c.Role == wantRole && c.CreatedAt > since {
				matched = append(matched, c)
			}
		}
		if len(matched) > 0 {
			sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt < matched[j].CreatedAt })
			result[id] = matched
		}
	}
	return result, nil
}

func (s *Store) GetIceCandidateCount(_ context.Context, offerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ice[offerID]), nil
}

// --- Credentials ---

func (s *Store) CreateCredential(_ context.Context, cred storage.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := normalizedKey(cred.Name)
	if _, exists := s.credentials[key]; exists {
		return storage.ErrNameTaken
	}
	cp := cred
	s.credentials[key] = &cp
	return nil
}

func (s *Store) GetCredentialByName(_ context.Context, name string) (*storage.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.credentials[normalizedKey(name)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) TouchCredential(_ context.Context, name string, lastUsed, newExpiresAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[normalizedKey(name)]
	if !ok {
		return storage.ErrNotFound
	}
	c.LastUsed = lastUsed
	c.ExpiresAt = newExpiresAt
	return nil
}

func (s *Store) GetCredentialCount(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.credentials), nil
}

func normalizedKey(name string) string {
	// Credential names are already validated against [a-z0-9._-]; storage
	// only needs to fold case for uniqueness.
	b := []byte(name)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// --- Rate limiting & nonces (C3) ---

func (s *Store) CheckRateLimit(_ context.Context, identifier string, limit int, window time.Duration, now int64) (bool, error) {
	s.rlMu.Lock()
	defer s.rlMu.Unlock()

	windowMs := window.Milliseconds()
	entry, ok := s.rl[identifier]
	if !ok || entry.resetTime < now {
		entry = rateLimitEntry{count: 1, resetTime: now + windowMs}
		s.rl[identifier] = entry
		return true, nil
	}
	entry.count++
	s.rl[identifier] = entry
	return entry.count <= limit, nil
}

func (s *Store) CheckAndMarkNonce(_ context.Context, key string, expiresAt int64) (bool, error) {
	s.rlMu.Lock()
	defer s.rlMu.Unlock()

	if _, exists := s.nonce[key]; exists {
		return false, nil
	}
	s.nonce[key] = expiresAt
	return true, nil
}

// --- Cleanup sweeps ---

func (s *Store) DeleteExpiredOffers(_ context.Context, now int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, o := range s.offers {
		if o.ExpiresAt < now {
			delete(s.offers, id)
			delete(s.ice, id)
			delete(s.iceSeq, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteExpiredCredentials(_ context.Context, now int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, c := range s.credentials {
		if c.ExpiresAt < now {
			delete(s.credentials, key)
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteExpiredNonces(_ context.Context, now int64) (int, error) {
	s.rlMu.Lock()
	defer s.rlMu.Unlock()

	n := 0
	for key, expiresAt := range s.nonce {
		if expiresAt < now {
			delete(s.nonce, key)
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteExpiredRateLimits(_ context.Context, now int64) (int, error) {
	s.rlMu.Lock()
	defer s.rlMu.Unlock()

	n := 0
	for key, e := range s.rl {
		if e.resetTime < now {
			delete(s.rl, key)
			n++
		}
	}
	return n, nil
}

var _ storage.Store = (*Store)(nil)
