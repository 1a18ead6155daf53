package signaling

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/xtrdev/rondevu/pkg/storage"
	"github.com/xtrdev/rondevu/pkg/storage/memory"
)

func newService() *Service {
	return New(memory.New(), Config{
		MaxOffersPerRequest:      100,
		MaxOffersPerUser:         50,
		MaxTotalOffers:           100000,
		MaxSDPSize:               65536,
		OfferDefaultTTL:          120 * time.Second,
		OfferMinTTL:              30 * time.Second,
		OfferMaxTTL:              time.Hour,
		MaxCandidatesPerRequest:  20,
		MaxCandidateDepth:        10,
		MaxCandidateSize:         4096,
		MaxIceCandidatesPerOffer: 200,
	})
}

func TestPublishOfferIdempotentOnSDPHash(t *testing.T) {
	s := newService()
	ctx := context.Background()
	now := time.Now()

	res, err := s.PublishOffer(ctx, "alice", []string{"chat"}, []string{"v=0\r\no=A"}, 0, now)
	if err != nil {
		t.Fatalf("PublishOffer() error: %v", err)
	}
	id1 := res.Offers[0].OfferID

	res2, err := s.PublishOffer(ctx, "alice", []string{"chat"}, []string{"v=0\r\no=A"}, 0, now)
	if err != nil {
		t.Fatalf("PublishOffer() second call error: %v", err)
	}
	if res2.Offers[0].OfferID != id1 {
		t.Errorf("PublishOffer() with identical SDP produced a different ID: %q vs %q", res2.Offers[0].OfferID, id1)
	}
}

func TestPublishOfferTTLClamp(t *testing.T) {
	s := newService()
	ctx := context.Background()
	now := time.Now()

	res, err := s.PublishOffer(ctx, "alice", []string{"chat"}, []string{"v=0\r\no=A"}, 1000, now)
	if err != nil {
		t.Fatalf("PublishOffer() error: %v", err)
	}
	got := res.ExpiresAt - res.CreatedAt
	if got < s.cfg.OfferMinTTL.Milliseconds() {
		t.Errorf("PublishOffer() ttl=%dms clamped to %dms, want >= %dms", 1000, got, s.cfg.OfferMinTTL.Milliseconds())
	}
}

func TestPublishOfferRejectsOverBatchLimit(t *testing.T) {
	s := newService()
	s.cfg.MaxOffersPerRequest = 2
	ctx := context.Background()

	_, err := s.PublishOffer(ctx, "alice", []string{"chat"}, []string{"a", "b", "c"}, 0, time.Now())
	if err != ErrTooManyOffers {
		t.Errorf("PublishOffer() over batch limit = %v, want ErrTooManyOffers", err)
	}
}

func TestAnswerOfferSingleWinner(t *testing.T) {
	s := newService()
	ctx := context.Background()
	now := time.Now()

	res, _ := s.PublishOffer(ctx, "alice", []string{"chat"}, []string{"v=0\r\no=A"}, 0, now)
	offerID := res.Offers[0].OfferID

	err1 := s.AnswerOffer(ctx, offerID, "bob", "v=0\r\no=B", nil, now)
	err2 := s.AnswerOffer(ctx, offerID, "carol", "v=0\r\no=C", nil, now)

	if err1 != nil {
		t.Errorf("AnswerOffer() first caller error = %v, want nil", err1)
	}
	if err2 != ErrOfferAlreadyAnswered {
		t.Errorf("AnswerOffer() second caller error = %v, want ErrOfferAlreadyAnswered", err2)
	}
}

func TestAnswerOfferNotFound(t *testing.T) {
	s := newService()
	err := s.AnswerOffer(context.Background(), "missing", "bob", "v=0", nil, time.Now())
	if err != ErrOfferNotFound {
		t.Errorf("AnswerOffer() on missing offer = %v, want ErrOfferNotFound", err)
	}
}

func TestGetOfferAnswerRequiresAnswered(t *testing.T) {
	s := newService()
	ctx := context.Background()
	now := time.Now()
	res, _ := s.PublishOffer(ctx, "alice", []string{"chat"}, []string{"v=0\r\no=A"}, 0, now)
	offerID := res.Offers[0].OfferID

	_, err := s.GetOfferAnswer(ctx, offerID, "alice", now)
	if err != ErrOfferNotAnswered {
		t.Errorf("GetOfferAnswer() before answer = %v, want ErrOfferNotAnswered", err)
	}

	s.AnswerOffer(ctx, offerID, "bob", "v=0\r\no=B", nil, now)
	answer, err := s.GetOfferAnswer(ctx, offerID, "alice", now)
	if err != nil {
		t.Fatalf("GetOfferAnswer() after answer error: %v", err)
	}
	if *answer.AnswerSDP != "v=0\r\no=B" {
		t.Errorf("GetOfferAnswer() sdp = %q, want %q", *answer.AnswerSDP, "v=0\r\no=B")
	}
}

func TestDiscoverExcludesSelfAndAnswered(t *testing.T) {
	s := newService()
	ctx := context.Background()
	now := time.Now()

	s.PublishOffer(ctx, "alice", []string{"chat"}, []string{"v=0\r\no=A"}, 0, now)
	res, _ := s.PublishOffer(ctx, "bob", []string{"chat"}, []string{"v=0\r\no=B"}, 0, now)
	s.AnswerOffer(ctx, res.Offers[0].OfferID, "carol", "v=0\r\no=C", nil, now)

	page, _, err := s.Discover(ctx, []string{"chat"}, "alice", 10, 0, now)
	if err != nil {
		t.Fatalf("Discover() error: %v", err)
	}
	if page.Count != 0 {
		t.Errorf("Discover() count = %d, want 0 (self excluded, only other offer answered)", page.Count)
	}
}

func TestDiscoverRandomModeNoneAvailable(t *testing.T) {
	s := newService()
	_, _, err := s.Discover(context.Background(), []string{"chat"}, "alice", -1, 0, time.Now())
	if err != ErrOfferNotFound {
		t.Errorf("Discover() random mode with nothing available = %v, want ErrOfferNotFound", err)
	}
}

func TestAddIceCandidatesRoleAssignment(t *testing.T) {
	s := newService()
	ctx := context.Background()
	now := time.Now()
	res, _ := s.PublishOffer(ctx, "alice", []string{"chat"}, []string{"v=0\r\no=A"}, 0, now)
	offerID := res.Offers[0].OfferID
	s.AnswerOffer(ctx, offerID, "bob", "v=0\r\no=B", nil, now)

	added, err := s.AddIceCandidates(ctx, offerID, "alice", []json.RawMessage{json.RawMessage(`{"c":"x1"}`)}, now)
	if err != nil || added[0].Role != storage.RoleOfferer {
		t.Fatalf("AddIceCandidates() by offerer got role %v, err %v", added[0].Role, err)
	}

	added, err = s.AddIceCandidates(ctx, offerID, "bob", []json.RawMessage{json.RawMessage(`{"c":"y1"}`)}, now)
	if err != nil || added[0].Role != storage.RoleAnswerer {
		t.Fatalf("AddIceCandidates() by answerer got role %v, err %v", added[0].Role, err)
	}
}

func TestGetIceCandidatesRoleConfidentiality(t *testing.T) {
	s := newService()
	ctx := context.Background()
	now := time.Now()
	res, _ := s.PublishOffer(ctx, "alice", []string{"chat"}, []string{"v=0\r\no=A"}, 0, now)
	offerID := res.Offers[0].OfferID
	s.AnswerOffer(ctx, offerID, "bob", "v=0\r\no=B", nil, now)
	s.AddIceCandidates(ctx, offerID, "alice", []json.RawMessage{json.RawMessage(`{"c":"x1"}`)}, now)
	s.AddIceCandidates(ctx, offerID, "bob", []json.RawMessage{json.RawMessage(`{"c":"y1"}`)}, now)

	aliceView, err := s.GetIceCandidates(ctx, offerID, "alice", 0, now)
	if err != nil {
		t.Fatalf("GetIceCandidates() error: %v", err)
	}
	if len(aliceView) != 1 || string(aliceView[0].Candidate) != `{"c":"y1"}` {
		t.Fatalf("GetIceCandidates() for alice = %+v, want exactly bob's candidate", aliceView)
	}
	for _, c := range aliceView {
		if c.Username == "alice" {
			t.Errorf("GetIceCandidates() leaked the caller's own candidate back to them")
		}
	}

	bobView, err := s.GetIceCandidates(ctx, offerID, "bob", 0, now)
	if err != nil {
		t.Fatalf("GetIceCandidates() error: %v", err)
	}
	if len(bobView) != 1 || string(bobView[0].Candidate) != `{"c":"x1"}` {
		t.Fatalf("GetIceCandidates() for bob = %+v, want exactly alice's candidate", bobView)
	}
}

func TestGetIceCandidatesNotAuthorized(t *testing.T) {
	s := newService()
	ctx := context.Background()
	now := time.Now()
	res, _ := s.PublishOffer(ctx, "alice", []string{"chat"}, []string{"v=0\r\no=A"}, 0, now)
	offerID := res.Offers[0].OfferID

	_, err := s.GetIceCandidates(ctx, offerID, "mallory", 0, now)
	if err != ErrNotAuthorized {
		t.Errorf("GetIceCandidates() by non-participant = %v, want ErrNotAuthorized", err)
	}
}

func TestPollReturnsAnswersAndOppositeCandidates(t *testing.T) {
	s := newService()
	ctx := context.Background()
	now := time.Now()
	res, _ := s.PublishOffer(ctx, "alice", []string{"chat"}, []string{"v=0\r\no=A"}, 0, now)
	offerID := res.Offers[0].OfferID

	s.AnswerOffer(ctx, offerID, "bob", "v=0\r\no=B", nil, now)
	s.AddIceCandidates(ctx, offerID, "bob", []json.RawMessage{json.RawMessage(`{"c":"y1"}`)}, now)

	poll, err := s.Poll(ctx, "alice", 0, now)
	if err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	if len(poll.Answers) != 1 || poll.Answers[0].ID != offerID {
		t.Fatalf("Poll() answers = %+v, want the one answered offer", poll.Answers)
	}
	if len(poll.IceCandidates[offerID]) != 1 {
		t.Fatalf("Poll() ice candidates = %+v, want bob's one candidate", poll.IceCandidates)
	}
}

func TestDeleteOfferOwnerOnly(t *testing.T) {
	s := newService()
	ctx := context.Background()
	now := time.Now()
	res, _ := s.PublishOffer(ctx, "alice", []string{"chat"}, []string{"v=0\r\no=A"}, 0, now)
	offerID := res.Offers[0].OfferID

	deleted, err := s.store.DeleteOffer(ctx, offerID, "mallory")
	if err != nil || deleted {
		t.Fatalf("DeleteOffer() by non-owner = %v, %v, want false", deleted, err)
	}
	deleted, err = s.store.DeleteOffer(ctx, offerID, "alice")
	if err != nil || !deleted {
		t.Fatalf("DeleteOffer() by owner = %v, %v, want true", deleted, err)
	}
}
