package platform

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidToken is returned for credentials that fail verification.
var ErrInvalidToken = errors.New("invalid token")

// ErrSuspended is returned when a suspended account tries to connect.
var ErrSuspended = errors.New("account suspended")

// HMACIdentity verifies tokens of the form base64(claims) + "." +
// base64(hmac-sha256(claims)). The claims document is a JSON PlayerInfo
// issued by the platform's identity service, which shares the secret.
type HMACIdentity struct {
	secret []byte
}

// NewHMACIdentity creates a verifier with the shared signing secret.
func NewHMACIdentity(secret []byte) *HMACIdentity {
	return &HMACIdentity{secret: secret}
}

// Verify checks the token signature and decodes the player claims.
func (h *HMACIdentity) Verify(_ context.Context, token string) (PlayerInfo, error) {
	payloadB64, sigB64, ok := strings.Cut(token, ".")
	if !ok {
		return PlayerInfo{}, ErrInvalidToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return PlayerInfo{}, ErrInvalidToken
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return PlayerInfo{}, ErrInvalidToken
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(payload)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return PlayerInfo{}, ErrInvalidToken
	}

	var info PlayerInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		return PlayerInfo{}, errors.Wrap(ErrInvalidToken, "bad claims")
	}
	if info.PlayerID == "" {
		return PlayerInfo{}, errors.Wrap(ErrInvalidToken, "missing player id")
	}
	return info, nil
}

// SignToken builds a token the verifier accepts. Used by the dev tooling
// and tests; production tokens come from the identity service.
func (h *HMACIdentity) SignToken(info PlayerInfo) (string, error) {
	payload, err := json.Marshal(info)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}
