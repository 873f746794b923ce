// Package server contains HTTP handlers for the attestation service. This
// file implements session token issuance for attested agents and the
// matching validator used by downstream services.
package server

import (
	"crypto/ed25519"
	"fmt"
	"net/http"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// handleSessionIssue exchanges a verified attestation for a short-lived JWT
// so downstream services can authorize the agent without re-running the
// attestation ceremony. Runs behind the agent gate; the identity comes from
// the request context.
func (h *Handler) handleSessionIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeErrorWithRequest(w, r, http.StatusMethodNotAllowed, "ATTEST_VALIDATION", "method not allowed")
		return
	}
	if h.signer == nil {
		h.writeErrorWithRequest(w, r, http.StatusServiceUnavailable, "ATTEST_CONFIG", "session signing key not configured")
		return
	}
	agentID, ok := AgentIDFrom(r.Context())
	if !ok {
		h.writeErrorWithRequest(w, r, http.StatusUnauthorized, "ATTEST_UNAUTHORIZED", "unauthorized")
		return
	}

	issuedAt := h.clock()
	expires := issuedAt.Add(h.cfg.SessionTTL)
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodEdDSA, jwtlib.MapClaims{
		"sub": agentID,
		"aud": h.cfg.JWTAudience,
		"iss": h.cfg.JWTIssuer,
		"iat": issuedAt.Unix(),
		"exp": expires.Unix(),
		"jti": uuid.NewString(),
	})

	signedToken, err := token.SignedString(h.signer)
	if err != nil {
		h.logger.Error("session token signing failed", "agentId", agentID, "error", err)
		h.writeErrorWithRequest(w, r, http.StatusInternalServerError, "ATTEST_INTERNAL", "failed to sign session token")
		return
	}
	incrementSessionTokens()

	h.writeSuccess(w, r, http.StatusOK, map[string]any{
		"jwt": signedToken,
		"exp": expires.Format(time.RFC3339),
		"aud": h.cfg.JWTAudience,
		"sub": agentID,
	})
	h.logger.Info("session issued", "agentId", agentID, "correlationId", correlationIDFrom(r.Context()))
}

// TokenValidator validates session tokens issued by this service. Downstream
// services construct one with the service's public key.
type TokenValidator struct {
	key      ed25519.PublicKey
	issuer   string
	audience string
	clock    func() time.Time
}

// NewTokenValidator creates a TokenValidator with fail-closed semantics.
func NewTokenValidator(key ed25519.PublicKey, issuer, audience string) *TokenValidator {
	return &TokenValidator{
		key:      key,
		issuer:   issuer,
		audience: audience,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the validator clock. Intended for tests.
func (v *TokenValidator) SetClock(clock func() time.Time) {
	v.clock = clock
}

// Validate checks the token's algorithm, signature and claims and returns
// the attested agent id from the subject claim.
func (v *TokenValidator) Validate(tokenString string) (string, error) {
	token, err := jwtlib.Parse(tokenString, func(token *jwtlib.Token) (interface{}, error) {
		if token.Method != jwtlib.SigningMethodEdDSA {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.key, nil
	}, jwtlib.WithTimeFunc(v.clock))
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok {
		return "", fmt.Errorf("failed to parse claims")
	}

	if iss, ok := claims["iss"].(string); !ok || iss != v.issuer {
		return "", fmt.Errorf("iss claim mismatch")
	}
	if aud, ok := claims["aud"].(string); !ok || aud != v.audience {
		return "", fmt.Errorf("aud claim mismatch")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("missing or invalid sub claim")
	}
	if iat, ok := claims["iat"].(float64); !ok || iat == 0 {
		return "", fmt.Errorf("missing or invalid iat claim")
	} else if time.Unix(int64(iat), 0).After(v.clock().Add(5 * time.Minute)) {
		return "", fmt.Errorf("token issued in the future")
	}
	if exp, ok := claims["exp"].(float64); !ok || exp == 0 {
		return "", fmt.Errorf("missing or invalid exp claim")
	} else if time.Unix(int64(exp), 0).Before(v.clock()) {
		return "", fmt.Errorf("token expired")
	}
	if jti, ok := claims["jti"].(string); !ok || jti == "" {
		return "", fmt.Errorf("missing or invalid jti claim")
	}

	return sub, nil
}
