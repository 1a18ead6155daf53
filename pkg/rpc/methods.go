package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/xtrdev/rondevu/pkg/authgate"
	"github.com/xtrdev/rondevu/pkg/credential"
)

// validate enforces the shape of decoded params (required fields, non-empty
// batches) before a handler ever sees them. Semantic validation — tag
// charset, SDP size, candidate depth — stays in signalcrypto, same division
// as the teacher's httpserver.Validate versus its domain packages.
var validate = validator.New(validator.WithRequiredStructEnabled())

// methodFunc is the shape every RPC method handler implements: it receives
// the verified identity (nil for public methods), the caller's IP, the raw
// params, and the request's observed "now", and returns the RPC result.
type methodFunc func(ctx context.Context, d *Dispatcher, identity *authgate.Identity, clientIP string, params json.RawMessage, now time.Time) (any, error)

var methodTable = map[string]methodFunc{
	"generateCredentials": handleGenerateCredentials,
	"discover":            handleDiscover,
	"publishOffer":        handlePublishOffer,
	"answerOffer":         handleAnswerOffer,
	"getOfferAnswer":      handleGetOfferAnswer,
	"addIceCandidates":    handleAddIceCandidates,
	"getIceCandidates":    handleGetIceCandidates,
	"poll":                handlePoll,
	"deleteOffer":         handleDeleteOffer,
}

func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("%w: %v", errMissingOrInvalidParams, err)
		}
	}
	if err := validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return fmt.Errorf("%w: %s", errMissingOrInvalidParams, ve[0].Field())
		}
		return fmt.Errorf("%w: %v", errMissingOrInvalidParams, err)
	}
	return nil
}

var errMissingOrInvalidParams = fmt.Errorf("params could not be decoded")

// --- generateCredentials (public) ---

type generateCredentialsParams struct {
	Name      string `json:"name,omitempty"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

type generateCredentialsResult struct {
	Name      string `json:"name"`
	Secret    string `json:"secret"`
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

func handleGenerateCredentials(ctx context.Context, d *Dispatcher, _ *authgate.Identity, clientIP string, raw json.RawMessage, now time.Time) (any, error) {
	var p generateCredentialsParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}

	res, err := d.credentials.Generate(ctx, credential.Input{Name: p.Name, ExpiresAt: p.ExpiresAt}, clientIP, now)
	if err != nil {
		return nil, err
	}
	return generateCredentialsResult{Name: res.Name, Secret: res.Secret, CreatedAt: res.CreatedAt, ExpiresAt: res.ExpiresAt}, nil
}

// --- discover (public) ---

type discoverParams struct {
	Tags   []string `json:"tags"`
	Limit  *int     `json:"limit,omitempty"`
	Offset int      `json:"offset,omitempty"`
}

type offerSummary struct {
	OfferID   string   `json:"offerId"`
	Username  string   `json:"username"`
	Tags      []string `json:"tags"`
	SDP       string   `json:"sdp"`
	CreatedAt int64    `json:"createdAt"`
	ExpiresAt int64    `json:"expiresAt"`
}

type discoverPaginatedResult struct {
	Offers []offerSummary `json:"offers"`
	Count  int            `json:"count"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

func handleDiscover(ctx context.Context, d *Dispatcher, identity *authgate.Identity, _ string, raw json.RawMessage, now time.Time) (any, error) {
	var p discoverParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}

	caller := ""
	if identity != nil {
		caller = identity.Name
	}

	limit := -1 // random mode by default
	if p.Limit != nil {
		limit = *p.Limit
	}

	page, random, err := d.signaling.Discover(ctx, p.Tags, caller, limit, p.Offset, now)
	if err != nil {
		return nil, err
	}
	if random != nil {
		return offerSummary{
			OfferID: random.ID, Username: random.Username, Tags: random.Tags,
			SDP: random.SDP, CreatedAt: random.CreatedAt, ExpiresAt: random.ExpiresAt,
		}, nil
	}

	out := discoverPaginatedResult{Count: page.Count, Limit: page.Limit, Offset: page.Offset}
	for _, o := range page.Offers {
		out.Offers = append(out.Offers, offerSummary{
			OfferID: o.ID, Username: o.Username, Tags: o.Tags,
			SDP: o.SDP, CreatedAt: o.CreatedAt, ExpiresAt: o.ExpiresAt,
		})
	}
	return out, nil
}

// --- publishOffer ---

type publishOfferParams struct {
	Tags   []string `json:"tags"`
	Offers []struct {
		SDP string `json:"sdp" validate:"required"`
	} `json:"offers" validate:"required,min=1,dive"`
	TTL int64 `json:"ttl,omitempty"`
}

func handlePublishOffer(ctx context.Context, d *Dispatcher, identity *authgate.Identity, _ string, raw json.RawMessage, now time.Time) (any, error) {
	var p publishOfferParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}

	sdps := make([]string, len(p.Offers))
	for i, o := range p.Offers {
		sdps[i] = o.SDP
	}

	res, err := d.signaling.PublishOffer(ctx, identity.Name, p.Tags, sdps, p.TTL, now)
	if err != nil {
		return nil, err
	}

	type offerEntry struct {
		OfferID   string `json:"offerId"`
		SDP       string `json:"sdp"`
		CreatedAt int64  `json:"createdAt"`
		ExpiresAt int64  `json:"expiresAt"`
	}
	offers := make([]offerEntry, len(res.Offers))
	for i, o := range res.Offers {
		offers[i] = offerEntry{OfferID: o.OfferID, SDP: o.SDP, CreatedAt: o.CreatedAt, ExpiresAt: o.ExpiresAt}
	}

	return struct {
		Username  string       `json:"username"`
		Tags      []string     `json:"tags"`
		Offers    []offerEntry `json:"offers"`
		CreatedAt int64        `json:"createdAt"`
		ExpiresAt int64        `json:"expiresAt"`
	}{identity.Name, res.Tags, offers, res.CreatedAt, res.ExpiresAt}, nil
}

// --- answerOffer ---

type answerOfferParams struct {
	OfferID     string   `json:"offerId" validate:"required"`
	SDP         string   `json:"sdp" validate:"required"`
	MatchedTags []string `json:"matchedTags,omitempty"`
}

func handleAnswerOffer(ctx context.Context, d *Dispatcher, identity *authgate.Identity, _ string, raw json.RawMessage, now time.Time) (any, error) {
	var p answerOfferParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := d.signaling.AnswerOffer(ctx, p.OfferID, identity.Name, p.SDP, p.MatchedTags, now); err != nil {
		return nil, err
	}
	return struct {
		Success bool `json:"success"`
	}{true}, nil
}

// --- getOfferAnswer ---

type getOfferAnswerParams struct {
	OfferID string `json:"offerId" validate:"required"`
}

func handleGetOfferAnswer(ctx context.Context, d *Dispatcher, identity *authgate.Identity, _ string, raw json.RawMessage, now time.Time) (any, error) {
	var p getOfferAnswerParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	offer, err := d.signaling.GetOfferAnswer(ctx, p.OfferID, identity.Name, now)
	if err != nil {
		return nil, err
	}
	return struct {
		SDP        string `json:"sdp"`
		AnsweredAt int64  `json:"answeredAt"`
	}{*offer.AnswerSDP, *offer.AnsweredAt}, nil
}

// --- addIceCandidates ---

type addIceCandidatesParams struct {
	OfferID    string            `json:"offerId" validate:"required"`
	Candidates []json.RawMessage `json:"candidates" validate:"required,min=1"`
}

func handleAddIceCandidates(ctx context.Context, d *Dispatcher, identity *authgate.Identity, _ string, raw json.RawMessage, now time.Time) (any, error) {
	var p addIceCandidatesParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	added, err := d.signaling.AddIceCandidates(ctx, p.OfferID, identity.Name, p.Candidates, now)
	if err != nil {
		return nil, err
	}

	type entry struct {
		ID        int64           `json:"id"`
		Candidate json.RawMessage `json:"candidate"`
		CreatedAt int64           `json:"createdAt"`
	}
	out := make([]entry, len(added))
	for i, c := range added {
		out[i] = entry{ID: c.ID, Candidate: c.Candidate, CreatedAt: c.CreatedAt}
	}
	return struct {
		Candidates []entry `json:"candidates"`
	}{out}, nil
}

// --- getIceCandidates ---

type getIceCandidatesParams struct {
	OfferID string `json:"offerId" validate:"required"`
	Since   int64  `json:"since,omitempty"`
}

func handleGetIceCandidates(ctx context.Context, d *Dispatcher, identity *authgate.Identity, _ string, raw json.RawMessage, now time.Time) (any, error) {
	var p getIceCandidatesParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	candidates, err := d.signaling.GetIceCandidates(ctx, p.OfferID, identity.Name, p.Since, now)
	if err != nil {
		return nil, err
	}

	type entry struct {
		Candidate json.RawMessage `json:"candidate"`
		CreatedAt int64           `json:"createdAt"`
	}
	out := make([]entry, len(candidates))
	for i, c := range candidates {
		out[i] = entry{Candidate: c.Candidate, CreatedAt: c.CreatedAt}
	}
	return struct {
		Candidates []entry `json:"candidates"`
	}{out}, nil
}

// --- poll ---

type pollParams struct {
	Since int64 `json:"since,omitempty"`
}

func handlePoll(ctx context.Context, d *Dispatcher, identity *authgate.Identity, _ string, raw json.RawMessage, now time.Time) (any, error) {
	var p pollParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	res, err := d.signaling.Poll(ctx, identity.Name, p.Since, now)
	if err != nil {
		return nil, err
	}

	type answerEntry struct {
		OfferID    string `json:"offerId"`
		SDP        string `json:"sdp"`
		AnsweredAt int64  `json:"answeredAt"`
	}
	answers := make([]answerEntry, len(res.Answers))
	for i, a := range res.Answers {
		answers[i] = answerEntry{OfferID: a.ID, SDP: *a.AnswerSDP, AnsweredAt: *a.AnsweredAt}
	}

	type candidateEntry struct {
		Candidate json.RawMessage `json:"candidate"`
		CreatedAt int64           `json:"createdAt"`
	}
	iceCandidates := make(map[string][]candidateEntry, len(res.IceCandidates))
	for offerID, cands := range res.IceCandidates {
		entries := make([]candidateEntry, len(cands))
		for i, c := range cands {
			entries[i] = candidateEntry{Candidate: c.Candidate, CreatedAt: c.CreatedAt}
		}
		iceCandidates[offerID] = entries
	}

	return struct {
		Answers       []answerEntry               `json:"answers"`
		IceCandidates map[string][]candidateEntry `json:"iceCandidates"`
	}{answers, iceCandidates}, nil
}

// --- deleteOffer ---

type deleteOfferParams struct {
	OfferID string `json:"offerId" validate:"required"`
}

func handleDeleteOffer(ctx context.Context, d *Dispatcher, identity *authgate.Identity, _ string, raw json.RawMessage, now time.Time) (any, error) {
	var p deleteOfferParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := d.signaling.DeleteOffer(ctx, p.OfferID, identity.Name); err != nil {
		return nil, err
	}
	return struct {
		Success bool `json:"success"`
	}{true}, nil
}
