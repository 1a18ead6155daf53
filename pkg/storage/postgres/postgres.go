// Package postgres implements the storage.Store contract (C2) against
// PostgreSQL via pgx. Every method issues raw SQL directly against the pool
// — there is no generated query layer, so queries live next to the Go code
// that issues them.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xtrdev/rondevu/pkg/storage"
)

// postgresUniqueViolation is the SQLSTATE for a unique constraint violation.
const postgresUniqueViolation = "23505"

// Store is a PostgreSQL-backed storage.Store.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-connected pool. Callers own the pool's lifecycle.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Offers ---

func (s *Store) CreateOffers(ctx context.Context, offers []storage.NewOfferInput) ([]storage.Offer, error) {
	if len(offers) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	out := make([]storage.Offer, 0, len(offers))
	for _, in := range offers {
		row := tx.QueryRow(ctx, `
			INSERT INTO offers (id, username, tags, sdp, created_at, expires_at, last_seen)
			VALUES ($1, $2, $3, $4, $5, $6, $5)
			ON CONFLICT (id) DO UPDATE SET id = offers.id
			RETURNING id, username, tags, sdp, created_at, expires_at, last_seen,
				answerer_username, answer_sdp, answered_at, matched_tags`,
			in.ID, in.Username, in.Tags, in.SDP, in.CreatedAt, in.ExpiresAt,
		)
		o, err := scanOffer(row)
		if err != nil {
			return nil, fmt.Errorf("inserting offer: %w", err)
		}
		out = append(out, o)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing offers: %w", err)
	}
	return out, nil
}

func scanOffer(row pgx.Row) (storage.Offer, error) {
	var o storage.Offer
	err := row.Scan(
		&o.ID, &o.Username, &o.Tags, &o.SDP, &o.CreatedAt, &o.ExpiresAt, &o.LastSeen,
		&o.AnswererUsername, &o.AnswerSDP, &o.AnsweredAt, &o.MatchedTags,
	)
	return o, err
}

func (s *Store) GetOfferByID(ctx context.Context, id string, now int64) (*storage.Offer, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, username, tags, sdp, created_at, expires_at, last_seen,
			answerer_username, answer_sdp, answered_at, matched_tags
		FROM offers WHERE id = $1 AND expires_at > $2`, id, now)
	o, err := scanOffer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting offer: %w", err)
	}
	return &o, nil
}

func (s *Store) DeleteOffer(ctx context.Context, id, owner string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM offers WHERE id = $1 AND username = $2`, id, owner)
	if err != nil {
		return false, fmt.Errorf("deleting offer: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) AnswerOffer(ctx context.Context, id, answerer, sdp string, matchedTags []string, now int64) (storage.AnswerOutcome, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE offers SET answerer_username = $2, answer_sdp = $3, answered_at = $4, matched_tags = $5
		WHERE id = $1 AND answerer_username IS NULL AND expires_at > $4`,
		id, answerer, sdp, now, matchedTags,
	)
	if err != nil {
		return storage.AnswerNotFoundOrExpired, fmt.Errorf("answering offer: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return storage.AnswerSuccess, nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx, `SELECT answerer_username IS NOT NULL FROM offers WHERE id = $1 AND expires_at > $2`, id, now).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.AnswerNotFoundOrExpired, nil
	}
	if err != nil {
		return storage.AnswerNotFoundOrExpired, fmt.Errorf("checking answer state: %w", err)
	}
	if exists {
		return storage.AnswerAlreadyAnswered, nil
	}
	return storage.AnswerNotFoundOrExpired, nil
}

func (s *Store) GetOfferAnswer(ctx context.Context, id, owner string, now int64) (*storage.Offer, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, username, tags, sdp, created_at, expires_at, last_seen,
			answerer_username, answer_sdp, answered_at, matched_tags
		FROM offers WHERE id = $1 AND username = $2 AND expires_at > $3`, id, owner, now)
	o, err := scanOffer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting offer answer: %w", err)
	}
	return &o, nil
}

func (s *Store) DiscoverOffers(ctx context.Context, tags []string, excludeUser string, limit, offset int, now int64) ([]storage.Offer, int, error) {
	var total int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM offers
		WHERE expires_at > $1 AND answerer_username IS NULL AND username != $2 AND tags && $3::text[]`,
		now, excludeUser, tags,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting discoverable offers: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, username, tags, sdp, created_at, expires_at, last_seen,
			answerer_username, answer_sdp, answered_at, matched_tags
		FROM offers
		WHERE expires_at > $1 AND answerer_username IS NULL AND username != $2 AND tags && $3::text[]
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`,
		now, excludeUser, tags, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("discovering offers: %w", err)
	}
	defer rows.Close()

	var out []storage.Offer
	for rows.Next() {
		o, err := scanOfferRows(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning discovered offer: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating discovered offers: %w", err)
	}
	return out, total, nil
}

func scanOfferRows(rows pgx.Rows) (storage.Offer, error) {
	var o storage.Offer
	err := rows.Scan(
		&o.ID, &o.Username, &o.Tags, &o.SDP, &o.CreatedAt, &o.ExpiresAt, &o.LastSeen,
		&o.AnswererUsername, &o.AnswerSDP, &o.AnsweredAt, &o.MatchedTags,
	)
	return o, err
}

func (s *Store) GetRandomOffer(ctx context.Context, tags []string, excludeUser string, now int64) (*storage.Offer, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, username, tags, sdp, created_at, expires_at, last_seen,
			answerer_username, answer_sdp, answered_at, matched_tags
		FROM offers
		WHERE expires_at > $1 AND answerer_username IS NULL AND username != $2 AND tags && $3::text[]
		ORDER BY random()
		LIMIT 1`,
		now, excludeUser, tags,
	)
	o, err := scanOffer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting random offer: %w", err)
	}
	return &o, nil
}

func (s *Store) GetOfferCount(ctx context.Context, now int64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM offers WHERE expires_at > $1`, now).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting offers: %w", err)
	}
	return count, nil
}

func (s *Store) GetOfferCountByUsername(ctx context.Context, username string, now int64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM offers WHERE username = $1 AND expires_at > $2`, username, now).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting user offers: %w", err)
	}
	return count, nil
}

func (s *Store) ListParticipantOfferIDs(ctx context.Context, username string, now int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM offers
		WHERE expires_at > $1 AND (username = $2 OR answerer_username = $2)`,
		now, username,
	)
	if err != nil {
		return nil, fmt.Errorf("listing participant offers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning participant offer id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating participant offers: %w", err)
	}
	return ids, nil
}

// --- ICE candidates ---

func (s *Store) AddIceCandidates(ctx context.Context, offerID, username string, role storage.Role, candidates []json.RawMessage, base int64) ([]storage.IceCandidate, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var maxSeq *int64
	if err := tx.QueryRow(ctx, `SELECT max(created_at) FROM ice_candidates WHERE offer_id = $1`, offerID).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("reading ice sequence: %w", err)
	}
	start := base
	if maxSeq != nil && *maxSeq+1 > start {
		start = *maxSeq + 1
	}

	out := make([]storage.IceCandidate, len(candidates))
	for i, c := range candidates {
		createdAt := start + int64(i)
		var ic storage.IceCandidate
		row := tx.QueryRow(ctx, `
			INSERT INTO ice_candidates (offer_id, username, role, candidate, created_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, offer_id, username, role, candidate, created_at`,
			offerID, username, string(role), c, createdAt,
		)
		if err := row.Scan(&ic.ID, &ic.OfferID, &ic.Username, &ic.Role, &ic.Candidate, &ic.CreatedAt); err != nil {
			return nil, fmt.Errorf("inserting ice candidate: %w", err)
		}
		out[i] = ic
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing ice candidates: %w", err)
	}
	return out, nil
}

func (s *Store) GetIceCandidates(ctx context.Context, offerID string, role storage.Role, since int64) ([]storage.IceCandidate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, offer_id, username, role, candidate, created_at
		FROM ice_candidates
		WHERE offer_id = $1 AND role = $2 AND created_at > $3
		ORDER BY created_at ASC`,
		offerID, string(role), since,
	)
	if err != nil {
		return nil, fmt.Errorf("getting ice candidates: %w", err)
	}
	defer rows.Close()

	var out []storage.IceCandidate
	for rows.Next() {
		var ic storage.IceCandidate
		if err := rows.Scan(&ic.ID, &ic.OfferID, &ic.Username, &ic.Role, &ic.Candidate, &ic.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning ice candidate: %w", err)
		}
		out = append(out, ic)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ice candidates: %w", err)
	}
	return out, nil
}

func (s *Store) GetIceCandidatesForOffers(ctx context.Context, ids []string, username string, since int64) (map[string][]storage.IceCandidate, error) {
	if len(ids) > 1000 {
		return nil, storage.ErrTooManyOfferIDs
	}
	if len(ids) == 0 {
		return map[string][]storage.IceCandidate{}, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT ic.id, ic.offer_id, ic.username, ic.role, ic.candidate, ic.created_at
		FROM ice_candidates ic
		JOIN offers o ON o.id = ic.offer_id
		WHERE ic.offer_id = ANY($1::text[])
			AND ic.created_at > $2
			AND (
				(o.username = $3 AND ic.role = 'answerer') OR
				(o.answerer_username = $3 AND ic.role = 'offerer')
			)
		ORDER BY ic.created_at ASC`,
		ids, since, username,
	)
	if err != nil {
		return nil, fmt.Errorf("batch getting ice candidates: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]storage.IceCandidate)
	for rows.Next() {
		var ic storage.IceCandidate
		if err := rows.Scan(&ic.ID, &ic.OfferID, &ic.Username, &ic.Role, &ic.Candidate, &ic.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning batched ice candidate: %w", err)
		}
		out[ic.OfferID] = append(out[ic.OfferID], ic)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating batched ice candidates: %w", err)
	}
	return out, nil
}

func (s *Store) GetIceCandidateCount(ctx context.Context, offerID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM ice_candidates WHERE offer_id = $1`, offerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting ice candidates: %w", err)
	}
	return count, nil
}

// --- Credentials ---

func (s *Store) CreateCredential(ctx context.Context, cred storage.Credential) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credentials (name, normalized_name, encrypted_secret, created_at, expires_at, last_used)
		VALUES ($1, lower($1), $2, $3, $4, $5)`,
		cred.Name, cred.EncryptedSecret, cred.CreatedAt, cred.ExpiresAt, cred.LastUsed,
	)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == postgresUniqueViolation {
		return storage.ErrNameTaken
	}
	return fmt.Errorf("creating credential: %w", err)
}

func (s *Store) GetCredentialByName(ctx context.Context, name string) (*storage.Credential, error) {
	var c storage.Credential
	err := s.pool.QueryRow(ctx, `
		SELECT name, encrypted_secret, created_at, expires_at, last_used
		FROM credentials WHERE normalized_name = lower($1)`, name,
	).Scan(&c.Name, &c.EncryptedSecret, &c.CreatedAt, &c.ExpiresAt, &c.LastUsed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting credential: %w", err)
	}
	return &c, nil
}

func (s *Store) TouchCredential(ctx context.Context, name string, lastUsed, newExpiresAt int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE credentials SET last_used = $2, expires_at = $3 WHERE normalized_name = lower($1)`,
		name, lastUsed, newExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("touching credential: %w", err)
	}
	return nil
}

func (s *Store) GetCredentialCount(ctx context.Context) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM credentials`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting credentials: %w", err)
	}
	return count, nil
}

// --- Rate limiting & replay protection ---

// CheckRateLimit uses an UPSERT guarded by a partial condition on reset_time
// to emulate the fixed-window semantics atomically in a single statement.
func (s *Store) CheckRateLimit(ctx context.Context, identifier string, limit int, window time.Duration, now int64) (bool, error) {
	windowMs := window.Milliseconds()
	var count int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO rate_limits (identifier, count, reset_time)
		VALUES ($1, 1, $2 + $3)
		ON CONFLICT (identifier) DO UPDATE SET
			count = CASE WHEN rate_limits.reset_time < $2 THEN 1 ELSE rate_limits.count + 1 END,
			reset_time = CASE WHEN rate_limits.reset_time < $2 THEN $2 + $3 ELSE rate_limits.reset_time END
		RETURNING count`,
		identifier, now, windowMs,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking rate limit: %w", err)
	}
	return count <= int64(limit), nil
}

func (s *Store) CheckAndMarkNonce(ctx context.Context, key string, expiresAt int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO nonces (key, expires_at) VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING`,
		key, expiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("checking nonce: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// --- Cleanup sweeps ---

func (s *Store) DeleteExpiredOffers(ctx context.Context, now int64) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM offers WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired offers: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) DeleteExpiredCredentials(ctx context.Context, now int64) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM credentials WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired credentials: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) DeleteExpiredNonces(ctx context.Context, now int64) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM nonces WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired nonces: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) DeleteExpiredRateLimits(ctx context.Context, now int64) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rate_limits WHERE reset_time < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired rate limits: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

var _ storage.Store = (*Store)(nil)
