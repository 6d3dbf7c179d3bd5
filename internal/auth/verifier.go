// Package auth verifies bearer tokens on the operator endpoints.
package auth

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

// RoleAdmin is required for the operator endpoints.
const RoleAdmin = "admin"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpired      = errors.New("token expired")
)

// Verifier validates bearer tokens and extracts the caller's role.
// Supports modes: dev (token is "subject:role", no verification) and hmac
// (HS256 JWT with sub, role and exp claims).
type Verifier struct {
	Mode       string
	HMACSecret []byte
	now        func() time.Time
}

type Principal struct {
	Subject string
	Role    string
}

func New(mode, secret string) (*Verifier, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = "dev"
	}
	switch mode {
	case "dev":
	case "hmac":
		if secret == "" {
			return nil, errors.New("auth: hmac mode needs a secret")
		}
	default:
		return nil, fmt.Errorf("auth: unknown mode %q", mode)
	}
	return &Verifier{Mode: mode, HMACSecret: []byte(secret), now: time.Now}, nil
}

// FromHeader verifies the token of an Authorization header value.
func (v *Verifier) FromHeader(h string) (Principal, error) {
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return Principal{}, ErrMissingToken
	}
	return v.Verify(strings.TrimSpace(token))
}

func (v *Verifier) Verify(token string) (Principal, error) {
	if v.Mode == "dev" {
		sub, role, ok := strings.Cut(token, ":")
		if !ok || sub == "" || role == "" {
			return Principal{}, fmt.Errorf("%w: dev token must be subject:role", ErrInvalidToken)
		}
		return Principal{Subject: sub, Role: strings.ToLower(role)}, nil
	}
	segs := strings.Split(token, ".")
	if len(segs) != 3 {
		return Principal{}, ErrInvalidToken
	}
	headerJSON, err := b64urlDecode(segs[0])
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	var hdr struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerJSON, &hdr); err != nil || hdr.Alg != "HS256" {
		return Principal{}, fmt.Errorf("%w: unsupported alg", ErrInvalidToken)
	}
	sig, err := b64urlDecode(segs[2])
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	if !hmac.Equal(sig, v.sign(segs[0]+"."+segs[1])) {
		return Principal{}, fmt.Errorf("%w: bad signature", ErrInvalidToken)
	}
	payloadJSON, err := b64urlDecode(segs[1])
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	var claims struct {
		Sub  string `json:"sub"`
		Role string `json:"role"`
		Exp  int64  `json:"exp"`
	}
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return Principal{}, ErrInvalidToken
	}
	if claims.Exp != 0 && v.now().Unix() >= claims.Exp {
		return Principal{}, ErrExpired
	}
	return Principal{Subject: claims.Sub, Role: strings.ToLower(claims.Role)}, nil
}

// Issue mints an HS256 token, used by tooling and tests.
func (v *Verifier) Issue(p Principal, ttl time.Duration) (string, error) {
	if v.Mode == "dev" {
		return p.Subject + ":" + p.Role, nil
	}
	hdr := b64urlEncode([]byte(`{"alg":"HS256","typ":"JWT"}`))
	claims := map[string]any{"sub": p.Subject, "role": p.Role}
	if ttl > 0 {
		claims["exp"] = v.now().Add(ttl).Unix()
	}
	body, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	signingInput := hdr + "." + b64urlEncode(body)
	return signingInput + "." + b64urlEncode(v.sign(signingInput)), nil
}

func (v *Verifier) sign(input string) []byte {
	mac := hmac.New(sha256.New, v.HMACSecret)
	mac.Write([]byte(input))
	return mac.Sum(nil)
}

func b64urlDecode(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }
func b64urlEncode(b []byte) string          { return base64.RawURLEncoding.EncodeToString(b) }
