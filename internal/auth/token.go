// Package auth verifies the bearer credential presented during the socket
// handshake and resolves it to a Principal.
//
// A token is two base64url segments joined by a dot:
//
//	base64url(CBOR claims) "." base64url(HMAC-SHA256(secret, CBOR claims))
//
// Claims are encoded with CBOR core deterministic encoding, so the same
// claims always sign to the same bytes. Issuing tokens is the login
// service's job; Sign exists so that service and tests share one format.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Claims is the signed token payload.
type Claims struct {
	UserID    string `cbor:"uid"`
	SessionID string `cbor:"sid"`
	ExpiresAt int64  `cbor:"exp"` // unix seconds
}

var (
	ErrMalformedToken   = errors.New("auth: malformed token")
	ErrInvalidSignature = errors.New("auth: invalid token signature")
	ErrTokenExpired     = errors.New("auth: token expired")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("auth: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("auth: CBOR decoder initialization failed: " + err.Error())
	}
}

// Sign encodes and signs claims with secret.
func Sign(secret []byte, claims Claims) (string, error) {
	payload, err := encMode.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("auth: encode claims: %w", err)
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(payload) + "." + enc.EncodeToString(mac(secret, payload)), nil
}

// Parse checks the token's signature and expiry at now and returns its
// claims. It does not consult the session store.
func Parse(secret []byte, token string, now time.Time) (*Claims, error) {
	payloadPart, sigPart, ok := strings.Cut(token, ".")
	if !ok || payloadPart == "" || sigPart == "" {
		return nil, ErrMalformedToken
	}

	enc := base64.RawURLEncoding
	payload, err := enc.DecodeString(payloadPart)
	if err != nil {
		return nil, ErrMalformedToken
	}
	sig, err := enc.DecodeString(sigPart)
	if err != nil {
		return nil, ErrMalformedToken
	}

	if !hmac.Equal(sig, mac(secret, payload)) {
		return nil, ErrInvalidSignature
	}

	var claims Claims
	if err := decMode.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if claims.UserID == "" || claims.SessionID == "" {
		return nil, ErrMalformedToken
	}
	if now.Unix() >= claims.ExpiresAt {
		return nil, ErrTokenExpired
	}
	return &claims, nil
}

func mac(secret, payload []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return h.Sum(nil)
}
