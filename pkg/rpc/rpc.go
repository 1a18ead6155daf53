// Package rpc implements the RPC dispatcher (C5): batch ingress, the
// cumulative operation budget, method routing and auth classification, and
// the stable error taxonomy surfaced to clients.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xtrdev/rondevu/pkg/authgate"
	"github.com/xtrdev/rondevu/pkg/credential"
	"github.com/xtrdev/rondevu/pkg/ratelimit"
	"github.com/xtrdev/rondevu/pkg/signalcrypto"
	"github.com/xtrdev/rondevu/pkg/signaling"
	"github.com/xtrdev/rondevu/pkg/storage"
)

// Request is one element of the batch POSTed to /rpc.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one element of the response array, index-aligned with the
// request that produced it.
type Response struct {
	Success   bool   `json:"success"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
}

// Stable error codes (§7).
const (
	CodeAuthRequired         = "AUTH_REQUIRED"
	CodeInvalidCredentials   = "INVALID_CREDENTIALS"
	CodeInvalidName          = "INVALID_NAME"
	CodeInvalidTag           = "INVALID_TAG"
	CodeInvalidSDP           = "INVALID_SDP"
	CodeInvalidParams        = "INVALID_PARAMS"
	CodeMissingParams        = "MISSING_PARAMS"
	CodeOfferNotFound        = "OFFER_NOT_FOUND"
	CodeOfferAlreadyAnswered = "OFFER_ALREADY_ANSWERED"
	CodeOfferNotAnswered     = "OFFER_NOT_ANSWERED"
	CodeNotAuthorized        = "NOT_AUTHORIZED"
	CodeOwnershipMismatch    = "OWNERSHIP_MISMATCH"
	CodeTooManyOffers        = "TOO_MANY_OFFERS"
	CodeSDPTooLarge          = "SDP_TOO_LARGE"
	CodeBatchTooLarge        = "BATCH_TOO_LARGE"
	CodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	CodeTooManyOffersPerUser = "TOO_MANY_OFFERS_PER_USER"
	CodeStorageFull          = "STORAGE_FULL"
	CodeTooManyICECandidates = "TOO_MANY_ICE_CANDIDATES"
	CodeInternalError        = "INTERNAL_ERROR"
	CodeUnknownMethod        = "UNKNOWN_METHOD"
)

// publicMethods require no authentication headers.
var publicMethods = map[string]bool{
	"generateCredentials": true,
	"discover":            true,
}

// Config bundles the dispatcher's own admission limits; per-method domain
// limits live in signaling.Config and credential.Config.
type Config struct {
	MaxBatchSize           int
	MaxTotalOperations     int
	RequestsPerIPPerSecond int
}

// Dispatcher wires the auth gate and domain services to /rpc.
type Dispatcher struct {
	cfg         Config
	gate        *authgate.Gate
	limiter     ratelimit.Limiter
	signaling   *signaling.Service
	credentials *credential.Service
}

// New constructs a Dispatcher.
func New(cfg Config, gate *authgate.Gate, limiter ratelimit.Limiter, signalingSvc *signaling.Service, credentialSvc *credential.Service) *Dispatcher {
	return &Dispatcher{cfg: cfg, gate: gate, limiter: limiter, signaling: signalingSvc, credentials: credentialSvc}
}

// Handle processes one batch. clientIP is empty when undeterminable.
func (d *Dispatcher) Handle(ctx context.Context, requests []Request, headers authgate.Headers, clientIP string, now time.Time) []Response {
	n := len(requests)

	if n > d.cfg.MaxBatchSize {
		return broadcast(n, CodeBatchTooLarge, "batch exceeds the maximum number of requests")
	}

	rateIdentifier := "rpc:ip:" + clientIP
	if clientIP == "" {
		rateIdentifier = "rpc:shared"
	}
	allowed, err := d.limiter.Allow(ctx, rateIdentifier, d.cfg.RequestsPerIPPerSecond, time.Second)
	if err != nil {
		return broadcast(n, CodeInternalError, "rate limiter unavailable")
	}
	if !allowed {
		return broadcast(n, CodeRateLimitExceeded, "too many requests")
	}

	totalOps := 0
	for _, req := range requests {
		totalOps += operationCost(req)
	}
	if totalOps > d.cfg.MaxTotalOperations {
		return broadcast(n, CodeBatchTooLarge, "batch operation budget exceeded")
	}

	responses := make([]Response, n)
	for i, req := range requests {
		responses[i] = d.dispatchOne(ctx, req, headers, clientIP, now)
	}
	return responses
}

// operationCost counts publishOffer by len(offers) and addIceCandidates by
// len(candidates); every other method counts 1. Malformed params still
// count 1 — the handler will reject them individually.
func operationCost(req Request) int {
	switch req.Method {
	case "publishOffer":
		var p struct {
			Offers []json.RawMessage `json:"offers"`
		}
		if err := json.Unmarshal(req.Params, &p); err == nil {
			return max(1, len(p.Offers))
		}
	case "addIceCandidates":
		var p struct {
			Candidates []json.RawMessage `json:"candidates"`
		}
		if err := json.Unmarshal(req.Params, &p); err == nil {
			return max(1, len(p.Candidates))
		}
	}
	return 1
}

func broadcast(n int, code, message string) []Response {
	out := make([]Response, n)
	for i := range out {
		out[i] = Response{Success: false, Error: message, ErrorCode: code}
	}
	return out
}

func (d *Dispatcher) dispatchOne(ctx context.Context, req Request, headers authgate.Headers, clientIP string, now time.Time) Response {
	handler, ok := methodTable[req.Method]
	if !ok {
		return errorResponse(CodeUnknownMethod, "unknown method: "+req.Method)
	}

	var identity *authgate.Identity
	if !publicMethods[req.Method] {
		paramsJSON, err := canonicalParams(req.Params)
		if err != nil {
			return errorResponse(CodeInvalidParams, err.Error())
		}
		id, err := d.gate.Verify(ctx, headers, req.Method, paramsJSON, now)
		if err != nil {
			if errors.Is(err, authgate.ErrInvalidCredentials) {
				return errorResponse(CodeInvalidCredentials, "invalid credentials")
			}
			slog.Error("rpc authentication failed", "method", req.Method, "error", err)
			return errorResponse(CodeInternalError, "authentication failed")
		}
		identity = id
	}

	result, err := handler(ctx, d, identity, clientIP, req.Params, now)
	if err != nil {
		resp := errorFromDomain(err)
		if resp.ErrorCode == CodeInternalError {
			slog.Error("rpc method failed", "method", req.Method, "error", err)
		}
		return resp
	}
	return Response{Success: true, Result: result}
}

// canonicalParams re-marshals raw params the same way a client is expected
// to sign them, so the signature is verified against what the server
// actually parsed.
func canonicalParams(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "{}", nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("params is not valid JSON")
	}
	return signalcrypto.CanonicalParamsJSON(v)
}

func errorResponse(code, message string) Response {
	return Response{Success: false, Error: message, ErrorCode: code}
}

// errorFromDomain maps a domain-layer sentinel error to its stable code.
// Anything unrecognized is logged by the caller and surfaced generically.
func errorFromDomain(err error) Response {
	switch {
	case errors.Is(err, errMissingOrInvalidParams):
		return errorResponse(CodeInvalidParams, "params could not be decoded")
	case errors.Is(err, signaling.ErrOfferNotFound):
		return errorResponse(CodeOfferNotFound, "offer not found")
	case errors.Is(err, signaling.ErrOfferAlreadyAnswered):
		return errorResponse(CodeOfferAlreadyAnswered, "offer already answered")
	case errors.Is(err, signaling.ErrOfferNotAnswered):
		return errorResponse(CodeOfferNotAnswered, "offer not answered")
	case errors.Is(err, signaling.ErrNotAuthorized):
		return errorResponse(CodeNotAuthorized, "not authorized")
	case errors.Is(err, signaling.ErrTooManyOffers):
		return errorResponse(CodeTooManyOffers, "too many offers in request")
	case errors.Is(err, signaling.ErrTooManyOffersPerUser):
		return errorResponse(CodeTooManyOffersPerUser, "too many offers for this user")
	case errors.Is(err, signaling.ErrStorageFull):
		return errorResponse(CodeStorageFull, "offer storage is full")
	case errors.Is(err, signaling.ErrSDPTooLarge):
		return errorResponse(CodeSDPTooLarge, "sdp exceeds the configured size limit")
	case errors.Is(err, signaling.ErrTooManyICECandidates):
		return errorResponse(CodeTooManyICECandidates, "too many ice candidates for this offer")
	case errors.Is(err, signaling.ErrOwnershipMismatch):
		return errorResponse(CodeOwnershipMismatch, "matched tags are not a subset of the offer's tags")
	case errors.Is(err, signaling.ErrInvalidParams):
		return errorResponse(CodeInvalidParams, err.Error())
	case errors.Is(err, credential.ErrStorageFull):
		return errorResponse(CodeStorageFull, "credential storage is full")
	case errors.Is(err, credential.ErrRateLimitExceeded):
		return errorResponse(CodeRateLimitExceeded, "too many requests")
	case errors.Is(err, credential.ErrInvalidName):
		return errorResponse(CodeInvalidName, "invalid credential name")
	case errors.Is(err, credential.ErrNameTaken):
		return errorResponse(CodeInvalidName, "name already in use")
	case errors.Is(err, credential.ErrInvalidExpiresAt):
		return errorResponse(CodeInvalidParams, err.Error())
	case errors.Is(err, storage.ErrTooManyOfferIDs):
		return errorResponse(CodeInvalidParams, "too many offer ids in a single poll")
	default:
		return errorResponse(CodeInternalError, "internal error")
	}
}
