package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/xtrdev/rondevu/pkg/authgate"
	"github.com/xtrdev/rondevu/pkg/credential"
	"github.com/xtrdev/rondevu/pkg/ratelimit"
	"github.com/xtrdev/rondevu/pkg/signalcrypto"
	"github.com/xtrdev/rondevu/pkg/signaling"
	"github.com/xtrdev/rondevu/pkg/storage"
	"github.com/xtrdev/rondevu/pkg/storage/memory"
)

func identityCodec(s string) (string, error) { return s, nil }

type harness struct {
	d     *Dispatcher
	store storage.Store
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.New()
	limiter := ratelimit.NewMemoryLimiter()
	now := time.UnixMilli(1_700_000_000_000)

	gate := authgate.New(store, limiter, identityCodec, 60*time.Second, 60*time.Second, 365*24*time.Hour)
	signalingSvc := signaling.New(store, signaling.Config{
		MaxOffersPerRequest: 100, MaxOffersPerUser: 50, MaxTotalOffers: 100000, MaxSDPSize: 65536,
		OfferDefaultTTL: 120 * time.Second, OfferMinTTL: 30 * time.Second, OfferMaxTTL: time.Hour,
		MaxCandidatesPerRequest: 20, MaxCandidateDepth: 10, MaxCandidateSize: 4096, MaxIceCandidatesPerOffer: 200,
	})
	credentialSvc := credential.New(store, limiter, identityCodec, credential.Config{
		MaxTotalCredentials: 1000000, PerIPPerSecond: 1, DefaultTTL: 365 * 24 * time.Hour,
	})

	d := New(Config{MaxBatchSize: 50, MaxTotalOperations: 1000, RequestsPerIPPerSecond: 20}, gate, limiter, signalingSvc, credentialSvc)
	return &harness{d: d, store: store, now: now}
}

func (h *harness) generateCredential(t *testing.T, ip string) (string, string) {
	t.Helper()
	reqs := []Request{{Method: "generateCredentials", Params: json.RawMessage(`{}`)}}
	resp := h.d.Handle(context.Background(), reqs, authgate.Headers{}, ip, h.now)
	if !resp[0].Success {
		t.Fatalf("generateCredentials failed: %+v", resp[0])
	}
	m := resp[0].Result.(generateCredentialsResult)
	return m.Name, m.Secret
}

func (h *harness) authHeaders(t *testing.T, name, secret, method string, params any) authgate.Headers {
	t.Helper()
	paramsJSON, err := signalcrypto.CanonicalParamsJSON(params)
	if err != nil {
		t.Fatalf("CanonicalParamsJSON() error: %v", err)
	}
	ts := h.now.UnixMilli()
	nonce := fmt.Sprintf("n-%d-%s-%s", ts, method, name)
	msg := signalcrypto.CanonicalMessage(ts, nonce, method, paramsJSON)
	sig, err := signalcrypto.Sign(secret, msg)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	return authgate.Headers{Name: name, Timestamp: strconv.FormatInt(ts, 10), Nonce: nonce, Signature: sig}
}

func TestHappyPathEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	aliceName, aliceSecret := h.generateCredential(t, "1.1.1.1")
	bobName, bobSecret := h.generateCredential(t, "1.1.1.2")

	publishParams := map[string]any{"tags": []string{"chat"}, "offers": []map[string]string{{"sdp": "v=0\r\no=A"}}, "ttl": 120000}
	headers := h.authHeaders(t, aliceName, aliceSecret, "publishOffer", publishParams)
	resp := h.d.Handle(ctx, []Request{{Method: "publishOffer", Params: marshal(t, publishParams)}}, headers, "1.1.1.1", h.now)
	if !resp[0].Success {
		t.Fatalf("publishOffer failed: %+v", resp[0])
	}

	discoverParams := map[string]any{"tags": []string{"chat"}, "limit": 10}
	resp = h.d.Handle(ctx, []Request{{Method: "discover", Params: marshal(t, discoverParams)}}, authgate.Headers{}, "1.1.1.2", h.now)
	if !resp[0].Success {
		t.Fatalf("discover failed: %+v", resp[0])
	}
	page := resp[0].Result.(discoverPaginatedResult)
	if page.Count != 1 {
		t.Fatalf("discover found %d offers, want 1", page.Count)
	}
	offerID := page.Offers[0].OfferID

	answerParams := map[string]any{"offerId": offerID, "sdp": "v=0\r\no=B"}
	headers = h.authHeaders(t, bobName, bobSecret, "answerOffer", answerParams)
	resp = h.d.Handle(ctx, []Request{{Method: "answerOffer", Params: marshal(t, answerParams)}}, headers, "1.1.1.2", h.now)
	if !resp[0].Success {
		t.Fatalf("answerOffer failed: %+v", resp[0])
	}

	pollParams := map[string]any{"since": 0}
	headers = h.authHeaders(t, aliceName, aliceSecret, "poll", pollParams)
	resp = h.d.Handle(ctx, []Request{{Method: "poll", Params: marshal(t, pollParams)}}, headers, "1.1.1.1", h.now)
	if !resp[0].Success {
		t.Fatalf("poll failed: %+v", resp[0])
	}
}

func marshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal() error: %v", err)
	}
	return b
}

func TestBatchBudgetRejectsEntireBatch(t *testing.T) {
	h := newHarness(t)
	h.d.cfg.MaxTotalOperations = 1000
	h.d.cfg.MaxBatchSize = 50

	name, secret := h.generateCredential(t, "2.2.2.1")

	offers := make([]map[string]string, 100)
	for i := range offers {
		offers[i] = map[string]string{"sdp": fmt.Sprintf("v=0\r\no=%d", i)}
	}
	params := map[string]any{"tags": []string{"chat"}, "offers": offers}
	headers := h.authHeaders(t, name, secret, "publishOffer", params)

	reqs := make([]Request, 11)
	for i := range reqs {
		reqs[i] = Request{Method: "publishOffer", Params: marshal(t, params)}
	}
	resp := h.d.Handle(context.Background(), reqs, headers, "2.2.2.1", h.now)

	if len(resp) != 11 {
		t.Fatalf("response length = %d, want 11", len(resp))
	}
	for i, r := range resp {
		if r.Success || r.ErrorCode != CodeBatchTooLarge {
			t.Errorf("response[%d] = %+v, want BATCH_TOO_LARGE", i, r)
		}
	}

	count, err := h.store.GetOfferCount(context.Background(), h.now.UnixMilli())
	if err != nil {
		t.Fatalf("GetOfferCount() error: %v", err)
	}
	if count != 0 {
		t.Errorf("GetOfferCount() = %d, want 0 (no partial state on rejected batch)", count)
	}
}

func TestResponseAlignment(t *testing.T) {
	h := newHarness(t)
	reqs := []Request{
		{Method: "unknownMethod"},
		{Method: "generateCredentials", Params: json.RawMessage(`{}`)},
		{Method: "unknownMethod2"},
	}
	resp := h.d.Handle(context.Background(), reqs, authgate.Headers{}, "3.3.3.1", h.now)
	if len(resp) != len(reqs) {
		t.Fatalf("response length = %d, want %d", len(resp), len(reqs))
	}
	if resp[0].ErrorCode != CodeUnknownMethod || resp[2].ErrorCode != CodeUnknownMethod {
		t.Errorf("unknown methods did not map to UNKNOWN_METHOD: %+v, %+v", resp[0], resp[2])
	}
	if !resp[1].Success {
		t.Errorf("valid request at index 1 failed: %+v", resp[1])
	}
}

func TestUnauthenticatedCallRejected(t *testing.T) {
	h := newHarness(t)
	resp := h.d.Handle(context.Background(), []Request{{Method: "publishOffer", Params: json.RawMessage(`{}`)}}, authgate.Headers{}, "4.4.4.1", h.now)
	if resp[0].Success || resp[0].ErrorCode != CodeInvalidCredentials {
		t.Errorf("publishOffer without auth headers = %+v, want INVALID_CREDENTIALS", resp[0])
	}
}

func TestRateLimitBroadcast(t *testing.T) {
	h := newHarness(t)
	h.d.cfg.RequestsPerIPPerSecond = 1

	ctx := context.Background()
	first := h.d.Handle(ctx, []Request{{Method: "discover", Params: json.RawMessage(`{"tags":["x"]}`)}}, authgate.Headers{}, "5.5.5.1", h.now)
	if first[0].ErrorCode == CodeRateLimitExceeded {
		t.Fatalf("first call under the rate limit was rejected: %+v", first[0])
	}

	second := h.d.Handle(ctx, []Request{
		{Method: "discover", Params: json.RawMessage(`{"tags":["x"]}`)},
		{Method: "discover", Params: json.RawMessage(`{"tags":["x"]}`)},
	}, authgate.Headers{}, "5.5.5.1", h.now)
	for i, r := range second {
		if r.ErrorCode != CodeRateLimitExceeded {
			t.Errorf("response[%d] = %+v, want RATE_LIMIT_EXCEEDED broadcast", i, r)
		}
	}
}
