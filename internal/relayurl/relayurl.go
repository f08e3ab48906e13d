// Package relayurl canonicalizes relay WebSocket URLs and validates the
// identifiers used throughout the service. Every URL that reaches the store
// has passed through Normalize exactly once; Normalize is idempotent so
// re-normalizing a stored URL is always a no-op.
package relayurl

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	// ErrInvalidURL is returned for any input that cannot be canonicalized.
	ErrInvalidURL = errors.New("invalid relay url")

	hexKeyRe = regexp.MustCompile(`^[0-9a-f]{64}$`)
	hexSigRe = regexp.MustCompile(`^[0-9a-f]{128}$`)
)

// Normalize canonicalizes a relay URL: lowercased ws/wss scheme and host,
// default ports elided, no trailing slash, query and fragment stripped.
// Inputs without a scheme are assumed to be wss.
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrInvalidURL
	}
	if !strings.Contains(s, "://") {
		s = "wss://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidURL, "unparseable")
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "ws", "wss":
	case "http":
		scheme = "ws"
	case "https":
		scheme = "wss"
	default:
		return "", fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: empty host", ErrInvalidURL)
	}

	port := u.Port()
	if (scheme == "wss" && port == "443") || (scheme == "ws" && port == "80") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}

	path := strings.TrimRight(u.EscapedPath(), "/")

	return scheme + "://" + host + path, nil
}

// Hostname extracts the bare hostname from a canonical relay URL.
func Hostname(canonical string) string {
	u, err := url.Parse(canonical)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// IsOnion reports whether the relay is a Tor hidden service.
func IsOnion(canonical string) bool {
	return strings.HasSuffix(Hostname(canonical), ".onion")
}

// IsSecure reports whether the relay uses TLS (wss scheme).
func IsSecure(canonical string) bool {
	return strings.HasPrefix(canonical, "wss://")
}

// ValidPubKey reports whether s is a 64-char lowercase hex public key.
func ValidPubKey(s string) bool {
	return hexKeyRe.MatchString(s)
}

// ValidEventID reports whether s is a 64-char lowercase hex event id.
func ValidEventID(s string) bool {
	return hexKeyRe.MatchString(s)
}

// ValidSig reports whether s is a 128-char lowercase hex signature.
func ValidSig(s string) bool {
	return hexSigRe.MatchString(s)
}
