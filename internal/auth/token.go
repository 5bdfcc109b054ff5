// Package auth implements the time-window token shared by agents and the collector.
//
// token = HEX(SHA256(secret + ":" + floor(unix/300)))
//
// Tokens identify a five-minute window, not a request. The verifier accepts
// the current window and the one before it.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Window is the token validity window.
const Window = 300 * time.Second

// TokenSize is the length of a hex-encoded token.
const TokenSize = sha256.Size * 2

// WindowIndex returns the window number containing t.
func WindowIndex(t time.Time) int64 {
	return t.Unix() / int64(Window/time.Second)
}

// TokenForWindow returns the token for the given window number.
func TokenForWindow(secret string, window int64) string {
	sum := sha256.Sum256([]byte(secret + ":" + strconv.FormatInt(window, 10)))
	return hex.EncodeToString(sum[:])
}

// Token returns the token valid at time t.
func Token(secret string, t time.Time) string {
	return TokenForWindow(secret, WindowIndex(t))
}

// Verify performs a constant-time comparison of token against the tokens of
// the window containing now and the previous window.
func Verify(token, secret string, now time.Time) bool {
	if secret == "" || len(token) != TokenSize {
		return false
	}
	token = strings.ToLower(token)
	w := WindowIndex(now)
	cur := subtle.ConstantTimeCompare([]byte(token), []byte(TokenForWindow(secret, w)))
	prev := subtle.ConstantTimeCompare([]byte(token), []byte(TokenForWindow(secret, w-1)))
	return cur|prev == 1
}
