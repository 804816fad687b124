package ledger

import (
	"crypto/rand"
	"encoding/base64"
)

// TokenLength is the length, in characters, of a per-user access token.
// Tokens gate follow-up pages (e.g. a cancellation survey) without a login,
// so they must come from a CSPRNG.
const TokenLength = 32

// tokenBytes is the raw entropy needed for TokenLength base64url characters.
const tokenBytes = (TokenLength*6 + 7) / 8

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b)[:TokenLength], nil
}
