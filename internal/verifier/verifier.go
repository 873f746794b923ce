// Package verifier decides which, if any, registered agent produced a
// signed or asserted request. Verification failures never escape as errors:
// every parsing or cryptographic failure collapses to not-verified, and the
// gate turns not-verified into a uniform denial.
package verifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/attestkit/attest-go/internal/model"
	"github.com/attestkit/attest-go/internal/payload"
)

// Result identifies the agent behind a verified attestation. For the
// authenticator format it also carries the post-ceremony signature counter so
// the caller can route it back through the registry.
type Result struct {
	AgentID string
	Format  model.Format

	// fido2 only
	CredentialID string // base64url
	Counter      uint32
}

// Verifier checks attestations against a registry snapshot.
type Verifier struct {
	web          *webauthn.WebAuthn
	log          *slog.Logger
	replayWindow time.Duration
	clock        func() time.Time
}

// New creates a Verifier. replayWindow bounds the allowed skew between a
// signed payload's timestamp and verification time.
func New(web *webauthn.WebAuthn, replayWindow time.Duration, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		web:          web,
		log:          logger,
		replayWindow: replayWindow,
		clock:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the verifier clock. Intended for tests.
func (v *Verifier) SetClock(clock func() time.Time) {
	v.clock = clock
}

// Verify dispatches on the attestation format and reports the producing
// agent. The boolean is false whenever the attestation cannot be attributed
// to a registered credential, for any reason.
func (v *Verifier) Verify(ctx context.Context, att model.Attestation, agents map[string]model.Agent) (Result, bool) {
	switch att.Format {
	case model.FormatTPM:
		return v.verifyHardwareKey(att, agents)
	case model.FormatFIDO2:
		return v.verifyAuthenticator(ctx, att, agents)
	default:
		return Result{}, false
	}
}

// verifyHardwareKey checks a detached signature over the canonical payload.
// The replay window is enforced before any key material is touched. Candidate
// agents are found by a linear scan for an exact public-key match: registries
// are small, and no signature is ever checked against a non-matching key, so
// a caller cannot probe which keys exist.
func (v *Verifier) verifyHardwareKey(att model.Attestation, agents map[string]model.Agent) (Result, bool) {
	if att.Payload == nil || att.PublicKey == "" || att.Signature == "" {
		return Result{}, false
	}

	ts, err := time.Parse(time.RFC3339, att.Payload.Timestamp)
	if err != nil {
		return Result{}, false
	}
	skew := v.clock().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.replayWindow {
		v.log.Debug("signed payload outside replay window", "skew", skew)
		return Result{}, false
	}

	message := []byte(payload.Encode(*att.Payload))
	sig, err := decodeBase64(att.Signature)
	if err != nil {
		return Result{}, false
	}

	for id, rec := range agents {
		if rec.Format != model.FormatTPM {
			continue
		}
		if !keysEqual(rec.PublicKey, att.PublicKey) {
			continue
		}
		pub, err := parsePublicKey(rec.PublicKey)
		if err != nil {
			// A stored key that no longer parses disqualifies this
			// candidate, not the whole verification.
			v.log.Warn("stored public key unparseable", "agentId", id, "error", err)
			continue
		}
		if verifySignature(pub, message, sig) {
			return Result{AgentID: id, Format: model.FormatTPM}, true
		}
	}
	return Result{}, false
}

// verifyAuthenticator resolves the credential named by the assertion and runs
// the authentication ceremony against its stored public key and counter. The
// expected challenge comes from the attestation itself; only registration-time
// challenges are managed server-side.
func (v *Verifier) verifyAuthenticator(ctx context.Context, att model.Attestation, agents map[string]model.Agent) (Result, bool) {
	if len(att.Response) == 0 || att.Challenge == "" {
		return Result{}, false
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(att.Response))
	if err != nil {
		return Result{}, false
	}
	credID := base64.RawURLEncoding.EncodeToString(parsed.RawID)

	var (
		agentID string
		rec     model.Agent
		found   bool
	)
	for id, a := range agents {
		if a.Format == model.FormatFIDO2 && a.CredentialIDString() == credID {
			agentID, rec, found = id, a, true
			break
		}
	}
	if !found {
		// No credential, no verification attempt.
		return Result{}, false
	}

	transports := make([]protocol.AuthenticatorTransport, 0, len(rec.Transports))
	for _, tr := range rec.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(tr))
	}
	stored := webauthn.Credential{
		ID:        []byte(rec.CredentialID),
		PublicKey: []byte(rec.Key),
		Transport: transports,
		Authenticator: webauthn.Authenticator{
			SignCount: rec.Counter,
		},
	}
	session := webauthn.SessionData{
		Challenge:            att.Challenge,
		UserID:               []byte(agentID),
		AllowedCredentialIDs: [][]byte{stored.ID},
	}

	verified, err := v.web.ValidateLogin(assertionUser{id: agentID, creds: []webauthn.Credential{stored}}, session, parsed)
	if err != nil {
		v.log.Debug("assertion ceremony rejected", "agentId", agentID, "error", err)
		return Result{}, false
	}
	if verified.Authenticator.CloneWarning {
		v.log.Warn("signature counter regression, possible cloned credential",
			"agentId", agentID, "credentialId", credID)
		return Result{}, false
	}

	return Result{
		AgentID:      agentID,
		Format:       model.FormatFIDO2,
		CredentialID: credID,
		Counter:      verified.Authenticator.SignCount,
	}, true
}

// assertionUser adapts a registered agent record to the webauthn user
// contract for the assertion ceremony.
type assertionUser struct {
	id    string
	creds []webauthn.Credential
}

func (u assertionUser) WebAuthnID() []byte                         { return []byte(u.id) }
func (u assertionUser) WebAuthnName() string                       { return u.id }
func (u assertionUser) WebAuthnDisplayName() string                { return u.id }
func (u assertionUser) WebAuthnIcon() string                       { return "" }
func (u assertionUser) WebAuthnCredentials() []webauthn.Credential { return u.creds }
