// Package server wires the HTTP surface of the attestation service: the
// admin and agent gates, registration and challenge routes, and session
// issuance. Routing uses net/http.
package server

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/attestkit/attest-go/internal/config"
	"github.com/attestkit/attest-go/internal/model"
	"github.com/attestkit/attest-go/internal/registry"
	"github.com/attestkit/attest-go/internal/storage"
	"github.com/attestkit/attest-go/internal/verifier"
)

type contextKey string

const (
	contextKeyCorrelationID contextKey = "correlationId"
	contextKeyAgentID       contextKey = "agentId"

	headerContentType   = "Content-Type"
	headerCorrelationID = "X-Correlation-Id"
	headerAttestation   = "X-Attestation"

	contentTypeJSON = "application/json"
)

// Handler wires HTTP endpoints using net/http.
type Handler struct {
	cfg    config.Config
	reg    *registry.Registry
	ver    *verifier.Verifier
	store  storage.DocumentStore
	logger *slog.Logger
	signer ed25519.PrivateKey // nil when session issuance is unconfigured
	clock  func() time.Time
	router *http.ServeMux
}

// New creates a Handler using the supplied dependencies.
func New(cfg config.Config, reg *registry.Registry, ver *verifier.Verifier, store storage.DocumentStore, logger *slog.Logger) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		cfg:    cfg,
		reg:    reg,
		ver:    ver,
		store:  store,
		logger: logger,
		clock:  func() time.Time { return time.Now().UTC() },
		router: http.NewServeMux(),
	}
	if len(cfg.JWTSigningKey) > 0 {
		if len(cfg.JWTSigningKey) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("session signing key must be %d bytes", ed25519.PrivateKeySize)
		}
		h.signer = ed25519.PrivateKey(cfg.JWTSigningKey)
	}
	h.registerRoutes()
	return h, nil
}

// Router returns the *http.ServeMux with all routes registered.
func (h *Handler) Router() *http.ServeMux {
	return h.router
}

func (h *Handler) registerRoutes() {
	h.router.Handle("/health", h.loggingMiddleware(h.timeoutMiddleware(http.HandlerFunc(h.health))))
	h.router.Handle("/ready", h.loggingMiddleware(h.timeoutMiddleware(http.HandlerFunc(h.readyHandler))))
	h.router.Handle("/metrics", h.loggingMiddleware(h.timeoutMiddleware(http.HandlerFunc(h.metricsHandler))))

	// Administrative routes: static-secret gate only. Registration of either
	// credential format and the challenge exchange happen here.
	h.router.Handle("/v1/agents/challenge", h.chainAdmin(h.handleChallengeIssue))
	h.router.Handle("/v1/agents/register", h.chainAdmin(h.handleAgentRegister))
	h.router.Handle("/v1/agents", h.chainAdmin(h.handleAgentList))

	// Agent routes: attestation gate only. No route accepts both an admin
	// secret and an attestation.
	h.router.Handle("/v1/whoami", h.chainAgent(h.handleWhoami))
	h.router.Handle("/v1/session", h.chainAgent(h.handleSessionIssue))
}

func (h *Handler) chainAdmin(next func(http.ResponseWriter, *http.Request)) http.Handler {
	return h.loggingMiddleware(h.timeoutMiddleware(h.wrap(h.AdminGate(http.HandlerFunc(next)))))
}

func (h *Handler) chainAgent(next func(http.ResponseWriter, *http.Request)) http.Handler {
	return h.loggingMiddleware(h.timeoutMiddleware(h.wrap(h.AgentGate(http.HandlerFunc(next)))))
}

type responseEnvelope struct {
	Data  any            `json:"data,omitempty"`
	Error *errorEnvelope `json:"error,omitempty"`
}

type errorEnvelope struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	Hint          string `json:"hint,omitempty"`
	CorrelationID string `json:"correlationId"`
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// wrap attaches a correlation id, fixes the content type and recovers panics
// into structured 500 responses.
func (h *Handler) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := h.ensureCorrelationID(w, r)
		r = r.WithContext(withCorrelationID(r.Context(), correlationID))
		w.Header().Set(headerContentType, contentTypeJSON)

		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("panic recovered", "panic", rec, "correlationId", correlationID)
				h.writeError(w, http.StatusInternalServerError, "ATTEST_INTERNAL", "internal server error", correlationID)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) ensureCorrelationID(w http.ResponseWriter, r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(headerCorrelationID))
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(headerCorrelationID, id)
	return id
}

// handleChallengeIssue generates authenticator creation options for an agent
// id and stores the matching registration challenge with its time-to-live.
func (h *Handler) handleChallengeIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeErrorWithRequest(w, r, http.StatusMethodNotAllowed, "ATTEST_VALIDATION", "method not allowed")
		return
	}

	var input struct {
		AgentID string `json:"agentId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, "ATTEST_VALIDATION", "invalid JSON body")
		return
	}
	agentID := strings.TrimSpace(input.AgentID)
	if agentID == "" {
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, "ATTEST_VALIDATION", "agentId is required")
		return
	}

	creation, err := h.reg.IssueRegistrationChallenge(r.Context(), agentID)
	if err != nil {
		h.logger.Error("challenge issuance failed", "agentId", agentID, "error", err)
		h.writeErrorWithRequest(w, r, http.StatusInternalServerError, "ATTEST_INTERNAL", "failed to issue challenge")
		return
	}
	incrementChallengesIssued()

	h.writeSuccess(w, r, http.StatusOK, creation.Response)
}

// handleAgentRegister completes a registration for either credential format.
// The caller here is a trusted administrator, so registration failures carry
// their specific reason, unlike agent-gate denials.
func (h *Handler) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeErrorWithRequest(w, r, http.StatusMethodNotAllowed, "ATTEST_VALIDATION", "method not allowed")
		return
	}

	var input struct {
		AgentID           string          `json:"agentId"`
		Format            model.Format    `json:"format"`
		PublicKey         string          `json:"publicKey"`
		Response          json.RawMessage `json:"response"`
		ExpectedChallenge string          `json:"expectedChallenge"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, "ATTEST_VALIDATION", "invalid JSON body")
		return
	}
	agentID := strings.TrimSpace(input.AgentID)
	if agentID == "" {
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, "ATTEST_VALIDATION", "agentId is required")
		return
	}

	switch input.Format {
	case model.FormatTPM:
		if strings.TrimSpace(input.PublicKey) == "" {
			h.writeErrorWithRequest(w, r, http.StatusBadRequest, "ATTEST_VALIDATION", "publicKey is required for tpm registration")
			return
		}
		rec, err := h.reg.RegisterHardwareKey(r.Context(), agentID, input.PublicKey)
		if err != nil {
			incrementRegistrations(string(model.FormatTPM), "failure")
			h.logger.Error("hardware key registration failed", "agentId", agentID, "error", err)
			h.writeErrorWithRequest(w, r, http.StatusInternalServerError, "ATTEST_INTERNAL", "failed to persist agent")
			return
		}
		incrementRegistrations(string(model.FormatTPM), "success")
		h.writeSuccess(w, r, http.StatusCreated, rec.DTO())

	case model.FormatFIDO2:
		if len(input.Response) == 0 {
			h.writeErrorWithRequest(w, r, http.StatusBadRequest, "ATTEST_VALIDATION", "response is required for fido2 registration")
			return
		}
		rec, err := h.reg.RegisterAuthenticator(r.Context(), agentID, input.Response, strings.TrimSpace(input.ExpectedChallenge))
		if err != nil {
			incrementRegistrations(string(model.FormatFIDO2), "failure")
			h.writeRegistrationError(w, r, agentID, err)
			return
		}
		incrementRegistrations(string(model.FormatFIDO2), "success")
		h.writeSuccess(w, r, http.StatusCreated, rec.DTO())

	default:
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, "ATTEST_VALIDATION", "format must be tpm or fido2")
	}
}

// handleAgentList returns the registered agents, reduced to listing DTOs.
func (h *Handler) handleAgentList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeErrorWithRequest(w, r, http.StatusMethodNotAllowed, "ATTEST_VALIDATION", "method not allowed")
		return
	}

	snapshot := h.reg.Snapshot()
	dtos := make([]model.AgentDTO, 0, len(snapshot))
	for _, rec := range snapshot {
		dtos = append(dtos, rec.DTO())
	}
	sort.Slice(dtos, func(i, j int) bool { return dtos[i].AgentID < dtos[j].AgentID })

	h.writeSuccess(w, r, http.StatusOK, map[string]any{"agents": dtos})
}

// handleWhoami echoes the attested agent identity.
func (h *Handler) handleWhoami(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeErrorWithRequest(w, r, http.StatusMethodNotAllowed, "ATTEST_VALIDATION", "method not allowed")
		return
	}
	agentID, ok := AgentIDFrom(r.Context())
	if !ok {
		h.writeErrorWithRequest(w, r, http.StatusUnauthorized, "ATTEST_UNAUTHORIZED", "unauthorized")
		return
	}
	h.writeSuccess(w, r, http.StatusOK, map[string]any{"agentId": agentID})
}

func (h *Handler) writeSuccess(w http.ResponseWriter, r *http.Request, status int, data any) {
	env := responseEnvelope{Data: data}
	payload := mustJSON(env)
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		h.logger.Warn("write success failed", "error", err, "correlationId", correlationIDFrom(r.Context()))
	}
}

func (h *Handler) writeErrorWithRequest(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.writeError(w, status, code, message, correlationIDFrom(r.Context()))
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	env := responseEnvelope{Error: &errorEnvelope{Code: code, Message: message, CorrelationID: correlationID}}
	payload := mustJSON(env)
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		h.logger.Warn("write error failed", "error", err, "correlationId", correlationID)
	}
}

func mustJSON(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return payload
}

func withCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKeyCorrelationID, id)
}

func correlationIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyCorrelationID).(string); ok {
		return v
	}
	return ""
}

// AgentIDFrom extracts the attested agent id placed in the request context by
// the agent gate.
func AgentIDFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(contextKeyAgentID).(string)
	return v, ok && v != ""
}
