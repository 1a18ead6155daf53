package signalcrypto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"unicode"
)

var nameRe = regexp.MustCompile(`^[a-z0-9._-]{3,32}$`)

// ErrInvalidName reports a credential name that fails the charset/length rule.
var ErrInvalidName = errors.New("name must be 3-32 characters of [a-z0-9._-]")

// ValidateName checks a credential name against the shared naming rule.
// Matching is case-insensitive; callers should lowercase before storage
// lookups to enforce case-insensitive uniqueness.
func ValidateName(name string) error {
	if !nameRe.MatchString(normalizeName(name)) {
		return ErrInvalidName
	}
	return nil
}

// normalizeName lowercases a name for case-insensitive comparison/storage.
func normalizeName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		out = append(out, unicode.ToLower(r))
	}
	return string(out)
}

// NormalizeName is the exported form of normalizeName, used by storage
// backends to key credential lookups case-insensitively.
func NormalizeName(name string) string {
	return normalizeName(name)
}

// ErrInvalidTag reports a tag that is empty, contains whitespace/control
// characters, or is not printable.
var ErrInvalidTag = errors.New("tag must be a non-empty printable token with no spaces or control characters")

// ValidateTag checks a single discovery tag token.
func ValidateTag(tag string) error {
	if tag == "" {
		return ErrInvalidTag
	}
	for _, r := range tag {
		if unicode.IsSpace(r) || unicode.IsControl(r) || !unicode.IsPrint(r) {
			return ErrInvalidTag
		}
	}
	return nil
}

// ValidateTags validates a non-empty ordered set of tags.
func ValidateTags(tags []string) error {
	if len(tags) == 0 {
		return fmt.Errorf("%w: at least one tag is required", ErrInvalidTag)
	}
	for _, t := range tags {
		if err := ValidateTag(t); err != nil {
			return err
		}
	}
	return nil
}

// ErrInvalidSDP reports an empty or oversized SDP blob.
var ErrInvalidSDP = errors.New("sdp must be a non-empty string within the configured size limit")

// ValidateSDP checks that sdp is non-empty and within maxSize bytes.
func ValidateSDP(sdp string, maxSize int) error {
	if sdp == "" {
		return ErrInvalidSDP
	}
	if len(sdp) > maxSize {
		return ErrInvalidSDP
	}
	return nil
}

// ErrCandidateTooDeep reports a candidate JSON value nested beyond maxDepth.
var ErrCandidateTooDeep = errors.New("candidate exceeds the maximum allowed nesting depth")

// ErrCandidateTooLarge reports a candidate JSON value exceeding the size cap.
var ErrCandidateTooLarge = errors.New("candidate exceeds the maximum allowed size")

// ValidateCandidate checks an opaque ICE candidate JSON object against the
// configured size and depth caps. Depth is tracked iteratively with a
// counter over the decoder's token stream and checked at entry to each
// container — not at the leaf — so adversarial nesting fails fast without
// recursion.
func ValidateCandidate(raw json.RawMessage, maxSize, maxDepth int) error {
	if len(raw) > maxSize {
		return ErrCandidateTooLarge
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decoding candidate: %w", err)
		}

		switch tok.(type) {
		case json.Delim:
			d := tok.(json.Delim)
			switch d {
			case '{', '[':
				depth++
				if depth > maxDepth {
					return ErrCandidateTooDeep
				}
			case '}', ']':
				depth--
			}
		}
	}
}
