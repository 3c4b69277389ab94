package glasses

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidToken is returned by [TokenAuthenticator.Authenticate] for a
// malformed, expired, or incorrectly signed token.
var ErrInvalidToken = errors.New("glasses: invalid auth token")

// TokenAuthenticator verifies an HMAC-signed connection token carrying the
// wearer's user ID and an expiry, passed as the "token" query parameter.
//
// Token format: "<userID>.<expiryUnixSeconds>.<base64url(HMAC-SHA256)>",
// where the signed material is "<userID>.<expiryUnixSeconds>".
type TokenAuthenticator struct {
	secret []byte
}

// NewTokenAuthenticator returns a [TokenAuthenticator] using secret to
// verify tokens. secret must be non-empty.
func NewTokenAuthenticator(secret string) *TokenAuthenticator {
	return &TokenAuthenticator{secret: []byte(secret)}
}

// Sign produces a token for userID valid until expiry. Used by whatever
// issues glasses connection tokens (not part of this duplex server, but
// colocated since it shares the verification logic).
func (a *TokenAuthenticator) Sign(userID string, expiry time.Time) string {
	payload := fmt.Sprintf("%s.%d", userID, expiry.Unix())
	sig := a.sign(payload)
	return payload + "." + sig
}

func (a *TokenAuthenticator) sign(payload string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Authenticate implements [Authenticator].
func (a *TokenAuthenticator) Authenticate(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		return "", ErrInvalidToken
	}

	parts := strings.SplitN(token, ".", 3)
	if len(parts) != 3 {
		return "", ErrInvalidToken
	}
	userID, expiryStr, sig := parts[0], parts[1], parts[2]

	payload := userID + "." + expiryStr
	want := a.sign(payload)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return "", ErrInvalidToken
	}

	expiryUnix, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil {
		return "", ErrInvalidToken
	}
	if time.Now().After(time.Unix(expiryUnix, 0)) {
		return "", ErrInvalidToken
	}

	return userID, nil
}
