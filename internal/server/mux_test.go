package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/attestkit/attest-go/internal/config"
	"github.com/attestkit/attest-go/internal/fidotest"
	"github.com/attestkit/attest-go/internal/model"
	"github.com/attestkit/attest-go/internal/payload"
	"github.com/attestkit/attest-go/internal/registry"
	"github.com/attestkit/attest-go/internal/storage"
	"github.com/attestkit/attest-go/internal/verifier"
)

const adminHeader = "ApiKey test-secret"

func testConfig() config.Config {
	return config.Config{
		Env:          "test",
		AdminAPIKey:  "test-secret",
		RPID:         "localhost",
		RPName:       "attestd test",
		RPOrigin:     "http://localhost:8080",
		ReplayWindow: 5 * time.Minute,
		ChallengeTTL: 10 * time.Minute,
		SessionTTL:   10 * time.Minute,
		JWTIssuer:    "attestd",
		JWTAudience:  "attestd-test",
	}
}

func newTestHandler(t *testing.T, cfg config.Config) (*Handler, *registry.Registry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemory()
	web, err := registry.NewWebAuthn(cfg.RPID, cfg.RPName, cfg.RPOrigin)
	if err != nil {
		t.Fatalf("NewWebAuthn: %v", err)
	}
	reg := registry.New(store, web, cfg.ChallengeTTL, logger)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("registry load: %v", err)
	}
	ver := verifier.New(web, cfg.ReplayWindow, logger)
	h, err := New(cfg, reg, ver, store, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h, reg
}

type testEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code          string `json:"code"`
		Message       string `json:"message"`
		Hint          string `json:"hint"`
		CorrelationID string `json:"correlationId"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, body *bytes.Buffer) testEnvelope {
	t.Helper()
	var env testEnvelope
	if err := json.Unmarshal(body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %s)", err, body.String())
	}
	return env
}

func adminRequest(method, path string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", adminHeader)
	return req
}

// attestationHeader encodes an attestation envelope the way agents send it.
func attestationHeader(t *testing.T, att model.Attestation) string {
	t.Helper()
	raw, err := json.Marshal(att)
	if err != nil {
		t.Fatalf("marshal attestation: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// hardwareAgent registers a fresh hardware-key agent through the admin route
// and returns a signer for it.
func hardwareAgent(t *testing.T, h *Handler, agentID string) func(method, path string, body []byte) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pub := base64.StdEncoding.EncodeToString(der)

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, adminRequest(http.MethodPost, "/v1/agents/register", map[string]string{
		"agentId":   agentID,
		"format":    "tpm",
		"publicKey": pub,
	}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("hardware registration status = %d, body %s", rec.Code, rec.Body.String())
	}

	return func(method, path string, body []byte) string {
		p := model.SignedPayload{
			BodyHash:  payload.HashBody(body),
			Method:    method,
			Path:      path,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		digest := sha256.Sum256([]byte(payload.Encode(p)))
		sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
		if err != nil {
			t.Fatalf("sign payload: %v", err)
		}
		return attestationHeader(t, model.Attestation{
			Format:    model.FormatTPM,
			Signature: base64.StdEncoding.EncodeToString(sig),
			PublicKey: pub,
			Payload:   &p,
		})
	}
}

// Session iat/exp claims come from the handler clock; it must keep advancing
// after construction or every token issued later than SessionTTL into the
// process lifetime would be born expired.
func TestDefaultClockAdvances(t *testing.T) {
	h, _ := newTestHandler(t, testConfig())
	first := h.clock()
	time.Sleep(20 * time.Millisecond)
	second := h.clock()
	if !second.After(first) {
		t.Errorf("clock readings %v and %v must advance", first, second)
	}
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler(t, testConfig())
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q, want ok", rec.Body.String())
	}
}

func TestReady(t *testing.T) {
	h, _ := newTestHandler(t, testConfig())
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestRegisterHardwareKeyEndpoint(t *testing.T) {
	h, _ := newTestHandler(t, testConfig())

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, adminRequest(http.MethodPost, "/v1/agents/register", map[string]string{
		"agentId":   "agent-1",
		"format":    "tpm",
		"publicKey": "dGVzdC1rZXk",
	}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec.Body)
	var dto model.AgentDTO
	if err := json.Unmarshal(env.Data, &dto); err != nil {
		t.Fatalf("decode dto: %v", err)
	}
	if dto.AgentID != "agent-1" || dto.Format != model.FormatTPM {
		t.Errorf("dto = %+v", dto)
	}
	if dto.Fingerprint == "" {
		t.Error("listing should carry a key fingerprint")
	}

	// The listing never echoes raw key material.
	rec = httptest.NewRecorder()
	h.Router().ServeHTTP(rec, adminRequest(http.MethodGet, "/v1/agents", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("dGVzdC1rZXk")) {
		t.Error("agent listing leaks registered key material")
	}
}

func TestRegisterValidation(t *testing.T) {
	h, _ := newTestHandler(t, testConfig())

	cases := []struct {
		name string
		body map[string]string
		code string
	}{
		{"missing agent id", map[string]string{"format": "tpm", "publicKey": "k"}, "ATTEST_VALIDATION"},
		{"missing public key", map[string]string{"agentId": "a", "format": "tpm"}, "ATTEST_VALIDATION"},
		{"missing response", map[string]string{"agentId": "a", "format": "fido2"}, "ATTEST_VALIDATION"},
		{"unknown format", map[string]string{"agentId": "a", "format": "dna"}, "ATTEST_VALIDATION"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.Router().ServeHTTP(rec, adminRequest(http.MethodPost, "/v1/agents/register", tc.body))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			env := decodeEnvelope(t, rec.Body)
			if env.Error == nil || env.Error.Code != tc.code {
				t.Errorf("error = %+v, want code %s", env.Error, tc.code)
			}
		})
	}
}

func TestChallengeThenRegisterAuthenticator(t *testing.T) {
	h, _ := newTestHandler(t, testConfig())

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, adminRequest(http.MethodPost, "/v1/agents/challenge", map[string]string{"agentId": "agent-f"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("challenge status = %d, body %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec.Body)
	var options struct {
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(env.Data, &options); err != nil {
		t.Fatalf("decode creation options: %v", err)
	}
	if options.Challenge == "" {
		t.Fatal("creation options carry no challenge")
	}

	dev := fidotest.New(t, "localhost", "http://localhost:8080")
	rec = httptest.NewRecorder()
	h.Router().ServeHTTP(rec, adminRequest(http.MethodPost, "/v1/agents/register", map[string]any{
		"agentId":  "agent-f",
		"format":   "fido2",
		"response": dev.RegistrationResponse(t, options.Challenge),
	}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("registration status = %d, body %s", rec.Code, rec.Body.String())
	}
	env = decodeEnvelope(t, rec.Body)
	var dto model.AgentDTO
	if err := json.Unmarshal(env.Data, &dto); err != nil {
		t.Fatalf("decode dto: %v", err)
	}
	if dto.Format != model.FormatFIDO2 || dto.CredentialID == "" {
		t.Errorf("dto = %+v", dto)
	}
}

func TestRegisterAuthenticatorWithoutChallenge(t *testing.T) {
	h, _ := newTestHandler(t, testConfig())
	dev := fidotest.New(t, "localhost", "http://localhost:8080")

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, adminRequest(http.MethodPost, "/v1/agents/register", map[string]any{
		"agentId":  "agent-f",
		"format":   "fido2",
		"response": dev.RegistrationResponse(t, "ignored"),
	}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec.Body)
	if env.Error == nil || env.Error.Code != "ATTEST_MISSING_CHALLENGE" {
		t.Errorf("error = %+v, want ATTEST_MISSING_CHALLENGE", env.Error)
	}
}

func TestWhoami(t *testing.T) {
	h, _ := newTestHandler(t, testConfig())
	sign := hardwareAgent(t, h, "agent-1")

	req := httptest.NewRequest(http.MethodGet, "/v1/whoami", nil)
	req.Header.Set(headerAttestation, sign(http.MethodGet, "/v1/whoami", nil))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec.Body)
	var out struct {
		AgentID string `json:"agentId"`
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.AgentID != "agent-1" {
		t.Errorf("agentId = %q, want agent-1", out.AgentID)
	}
}

func TestWhoamiCounterWriteback(t *testing.T) {
	h, reg := newTestHandler(t, testConfig())

	challenge := base64.RawURLEncoding.EncodeToString([]byte("registration-challenge-0123456789abc"))
	dev := fidotest.New(t, "localhost", "http://localhost:8080")
	credRec, err := reg.RegisterAuthenticator(context.Background(), "agent-f", dev.RegistrationResponse(t, challenge), challenge)
	if err != nil {
		t.Fatalf("RegisterAuthenticator: %v", err)
	}

	assertChallenge := base64.RawURLEncoding.EncodeToString([]byte("assertion-challenge-0123456789abcdef"))
	req := httptest.NewRequest(http.MethodGet, "/v1/whoami", nil)
	req.Header.Set(headerAttestation, attestationHeader(t, model.Attestation{
		Format:    model.FormatFIDO2,
		Challenge: assertChallenge,
		Response:  dev.AssertionResponse(t, assertChallenge, "agent-f"),
	}))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	got, ok := reg.Snapshot()["agent-f"]
	if !ok {
		t.Fatal("agent-f missing after assertion")
	}
	if got.Counter <= credRec.Counter {
		t.Errorf("counter = %d, want write-back above %d", got.Counter, credRec.Counter)
	}
}

func TestSessionIssue(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	cfg := testConfig()
	cfg.JWTSigningKey = priv

	h, _ := newTestHandler(t, cfg)
	sign := hardwareAgent(t, h, "agent-1")

	req := httptest.NewRequest(http.MethodPost, "/v1/session", nil)
	req.Header.Set(headerAttestation, sign(http.MethodPost, "/v1/session", nil))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec.Body)
	var out struct {
		JWT string `json:"jwt"`
		Sub string `json:"sub"`
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Sub != "agent-1" {
		t.Errorf("sub = %q, want agent-1", out.Sub)
	}

	validator := NewTokenValidator(pub, cfg.JWTIssuer, cfg.JWTAudience)
	sub, err := validator.Validate(out.JWT)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if sub != "agent-1" {
		t.Errorf("validated sub = %q, want agent-1", sub)
	}

	// A validator for a different audience rejects the token.
	if _, err := NewTokenValidator(pub, cfg.JWTIssuer, "other-audience").Validate(out.JWT); err == nil {
		t.Error("expected audience mismatch error")
	}

	// Past the session lifetime the token reads as expired.
	expired := NewTokenValidator(pub, cfg.JWTIssuer, cfg.JWTAudience)
	expired.SetClock(func() time.Time { return time.Now().Add(cfg.SessionTTL + time.Minute) })
	if _, err := expired.Validate(out.JWT); err == nil {
		t.Error("expected expiry error from a clock past the session lifetime")
	}
}

func TestSessionIssueUnconfigured(t *testing.T) {
	h, _ := newTestHandler(t, testConfig()) // no signing key
	sign := hardwareAgent(t, h, "agent-1")

	req := httptest.NewRequest(http.MethodPost, "/v1/session", nil)
	req.Header.Set(headerAttestation, sign(http.MethodPost, "/v1/session", nil))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	env := decodeEnvelope(t, rec.Body)
	if env.Error == nil || env.Error.Code != "ATTEST_CONFIG" {
		t.Errorf("error = %+v, want ATTEST_CONFIG", env.Error)
	}
}

func TestCorrelationIDEcho(t *testing.T) {
	h, _ := newTestHandler(t, testConfig())
	req := adminRequest(http.MethodGet, "/v1/agents", nil)
	req.Header.Set(headerCorrelationID, "test-correlation-42")
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	if got := rec.Header().Get(headerCorrelationID); got != "test-correlation-42" {
		t.Errorf("correlation id = %q, want echo of supplied value", got)
	}
}
