// Package server contains HTTP handlers and middleware for the attestation
// service. This file implements the request gates: admin routes accept only
// the configured static secret; agent routes accept only a valid attestation.
// The two are never composed into one trust boundary.
package server

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/attestkit/attest-go/internal/model"
	"github.com/attestkit/attest-go/internal/payload"
	"github.com/attestkit/attest-go/internal/registry"
)

const (
	apiKeyScheme = "ApiKey "

	// unauthorizedHint is the single hint returned for every agent-gate
	// denial. It never varies with the failure cause, so a caller cannot
	// learn which check rejected the request.
	unauthorizedHint = "supply a valid attestation header for a registered credential"
)

// AdminGate requires the configured admin secret as `Authorization: ApiKey
// <secret>`. An unset secret is an operational misconfiguration and yields
// 503, distinct from a caller presenting no or wrong credentials (401).
func (h *Handler) AdminGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AdminAPIKey == "" {
			h.writeErrorWithRequest(w, r, http.StatusServiceUnavailable, "ATTEST_CONFIG", "admin credentials not configured")
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), apiKeyScheme)
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.AdminAPIKey)) != 1 {
			h.writeErrorWithRequest(w, r, http.StatusUnauthorized, "ATTEST_UNAUTHORIZED", "invalid admin credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AgentGate requires a base64url JSON attestation envelope in the
// attestation header. Any decode, parse or verification failure produces the
// same generic 401. On success the resolved agent id is attached to the
// request context and, for authenticator attestations, the post-ceremony
// signature counter is written back through the registry.
func (h *Handler) AgentGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		att, ok := h.decodeAttestation(r)
		if !ok {
			incrementVerifications("unknown", "rejected")
			h.denyAgent(w, r)
			return
		}

		res, ok := h.ver.Verify(r.Context(), att, h.reg.Snapshot())
		if !ok {
			incrementVerifications(string(att.Format), "rejected")
			h.denyAgent(w, r)
			return
		}
		if res.Format == model.FormatTPM && !h.payloadMatchesRequest(att.Payload, r) {
			incrementVerifications(string(att.Format), "rejected")
			h.denyAgent(w, r)
			return
		}
		incrementVerifications(string(res.Format), "verified")

		if res.Format == model.FormatFIDO2 {
			// The request is already authenticated; a failed counter
			// write-back is surfaced operationally, not to the caller.
			if err := h.reg.UpdateAuthenticatorCounter(r.Context(), res.CredentialID, res.Counter); err != nil {
				incrementCounterWritebacks("failure")
				h.logger.Warn("signature counter write-back failed",
					"agentId", res.AgentID,
					"credentialId", res.CredentialID,
					"error", err,
					"correlationId", correlationIDFrom(r.Context()),
				)
			} else {
				incrementCounterWritebacks("success")
			}
		}

		ctx := context.WithValue(r.Context(), contextKeyAgentID, res.AgentID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LegacyGate accepts either an admin secret or an attestation on one route.
//
// Deprecated: retained for backward-compatible tests only. New routes must
// use AdminGate or AgentGate, never both.
func (h *Handler) LegacyGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), apiKeyScheme); ok {
			if h.cfg.AdminAPIKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.AdminAPIKey)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			h.denyAgent(w, r)
			return
		}
		h.AgentGate(next).ServeHTTP(w, r)
	})
}

// payloadMatchesRequest binds a verified hardware-key payload to the live
// request: a captured envelope for one call must not authorize a different
// method, path or body within the replay window. The body is restored for
// the downstream handler.
func (h *Handler) payloadMatchesRequest(p *model.SignedPayload, r *http.Request) bool {
	if p == nil {
		return false
	}
	if p.Method != r.Method || p.Path != r.URL.Path {
		return false
	}
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return false
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	return p.BodyHash == payload.HashBody(body)
}

func (h *Handler) decodeAttestation(r *http.Request) (model.Attestation, bool) {
	raw := strings.TrimSpace(r.Header.Get(headerAttestation))
	if raw == "" {
		return model.Attestation{}, false
	}

	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
	if err != nil {
		return model.Attestation{}, false
	}

	var att model.Attestation
	if err := json.Unmarshal(decoded, &att); err != nil {
		return model.Attestation{}, false
	}
	if !att.Format.Valid() {
		return model.Attestation{}, false
	}
	return att, true
}

func (h *Handler) denyAgent(w http.ResponseWriter, r *http.Request) {
	env := responseEnvelope{Error: &errorEnvelope{
		Code:          "ATTEST_UNAUTHORIZED",
		Message:       "unauthorized",
		Hint:          unauthorizedHint,
		CorrelationID: correlationIDFrom(r.Context()),
	}}
	w.WriteHeader(http.StatusUnauthorized)
	if _, err := w.Write(mustJSON(env)); err != nil {
		h.logger.Warn("write error failed", "error", err, "correlationId", correlationIDFrom(r.Context()))
	}
}

// writeRegistrationError maps registry registration failures to responses.
// Administrators get the specific reason.
func (h *Handler) writeRegistrationError(w http.ResponseWriter, r *http.Request, agentID string, err error) {
	switch {
	case errors.Is(err, registry.ErrMissingChallenge):
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, "ATTEST_MISSING_CHALLENGE", "no registration challenge available; request options first or supply expectedChallenge")
	case errors.Is(err, registry.ErrRegistrationFailed):
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, "ATTEST_REGISTRATION_FAILED", err.Error())
	default:
		h.logger.Error("authenticator registration failed", "agentId", agentID, "error", err)
		h.writeErrorWithRequest(w, r, http.StatusInternalServerError, "ATTEST_INTERNAL", "failed to persist agent")
	}
}
