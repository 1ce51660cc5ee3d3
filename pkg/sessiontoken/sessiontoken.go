// Package sessiontoken issues and validates the HMAC-SHA256 session tokens
// described in spec.md §6, ported 1:1 from the original_source scheduler's
// `core/network/session_tokens.py` (issue_session_token /
// validate_session_token).
package sessiontoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Claims is the signed token payload. Field order matches the alphabetical
// JSON keys the Python source produces via `sort_keys=True`
// (exp, iat, sid, tenant, wid); Go's encoding/json already emits struct
// fields in declaration order, so declaring them alphabetically reproduces
// the same canonical byte sequence without a custom marshaler.
type Claims struct {
	Exp    int64  `json:"exp"`
	Iat    int64  `json:"iat"`
	Sid    string `json:"sid"`
	Tenant string `json:"tenant"`
	Wid    string `json:"wid"`
}

// ErrInvalidToken is returned by Validate for any malformed, mismatched, or
// expired token, without distinguishing the exact cause (the spec's
// E.SESSION.INVALID_TOKEN is deliberately a single code).
var ErrInvalidToken = errors.New("sessiontoken: invalid token")

// Issuer issues and validates tokens against a shared HMAC secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer constructs an Issuer with the given secret and default TTL.
func NewIssuer(secret []byte, defaultTTL time.Duration) *Issuer {
	return &Issuer{secret: secret, ttl: defaultTTL}
}

// Issue mints a token for (sessionID, workerInstanceID, tenant), returning
// the token string and its expiry (unix seconds). ttl of zero uses the
// issuer's default.
func (iss *Issuer) Issue(sessionID, workerInstanceID, tenant string, ttl time.Duration) (token string, expiresAt int64, err error) {
	if ttl <= 0 {
		ttl = iss.ttl
	}
	now := time.Now().Unix()
	claims := Claims{
		Exp:    now + int64(ttl.Seconds()),
		Iat:    now,
		Sid:    sessionID,
		Tenant: tenant,
		Wid:    workerInstanceID,
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", 0, fmt.Errorf("sessiontoken: marshal claims: %w", err)
	}
	sig := iss.sign(payload)
	token = b64encode(payload) + "." + b64encode(sig)
	return token, claims.Exp, nil
}

// Validate checks the token's signature and exact field match against the
// expected session id, worker instance id, and tenant, and that it has not
// expired. On success it returns the decoded claims.
func (iss *Issuer) Validate(token string, sessionID, workerInstanceID, tenant string) (Claims, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return Claims{}, ErrInvalidToken
	}
	payload, err := b64decode(parts[0])
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	sig, err := b64decode(parts[1])
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	expected := iss.sign(payload)
	if !hmac.Equal(sig, expected) {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.Sid != sessionID || claims.Wid != workerInstanceID || claims.Tenant != tenant {
		return Claims{}, ErrInvalidToken
	}
	if claims.Exp < time.Now().Unix() {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

func (iss *Issuer) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, iss.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

func b64encode(data []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(data), "=")
}

func b64decode(s string) ([]byte, error) {
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return base64.URLEncoding.DecodeString(s)
}
