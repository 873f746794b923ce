// Package registry owns the in-memory index of registered agent credentials
// and the registration challenge lifecycle. The durable store is a passive
// document: the registry reads it wholesale on load and rewrites it wholesale
// on save. All writers run strictly one at a time behind a single mutex, so a
// load-mutate-save span can never interleave with another writer's.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	cache "github.com/patrickmn/go-cache"

	"github.com/attestkit/attest-go/internal/model"
	"github.com/attestkit/attest-go/internal/storage"
)

var (
	// ErrMissingChallenge indicates an authenticator registration arrived
	// with no server-held challenge and no explicit expected challenge.
	ErrMissingChallenge = errors.New("no registration challenge available")
	// ErrRegistrationFailed indicates the authenticator registration ceremony
	// rejected the response.
	ErrRegistrationFailed = errors.New("authenticator registration failed")
	// ErrUnknownCredential indicates a counter update referenced a credential
	// id that is not registered.
	ErrUnknownCredential = errors.New("unknown credential")
)

// NewWebAuthn builds the relying-party handle shared by the registry and the
// verifier.
func NewWebAuthn(rpID, rpName, rpOrigin string) (*webauthn.WebAuthn, error) {
	web, err := webauthn.New(&webauthn.Config{
		RPID:          rpID,
		RPDisplayName: rpName,
		RPOrigins:     []string{rpOrigin},
	})
	if err != nil {
		return nil, fmt.Errorf("configure relying party: %w", err)
	}
	return web, nil
}

// Registry is the credential directory. Construct once at service start and
// pass by reference; it holds no global state.
type Registry struct {
	store storage.DocumentStore
	web   *webauthn.WebAuthn
	log   *slog.Logger
	clock func() time.Time

	// writeMu serializes every load-mutate-save span. Readers are not
	// blocked by it; they see whole-map swaps only.
	writeMu sync.Mutex

	mu     sync.RWMutex
	agents map[string]model.Agent // agentId -> record (canonical entries)
	byCred map[string]string      // base64url credentialId -> agentId

	challenges   *cache.Cache // agentId -> challenge string, TTL-bound
	challengeTTL time.Duration
}

// New creates a Registry over the given document store. Challenges expire
// after challengeTTL and are never persisted.
func New(store storage.DocumentStore, web *webauthn.WebAuthn, challengeTTL time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:        store,
		web:          web,
		log:          logger,
		clock:        func() time.Time { return time.Now().UTC() },
		agents:       make(map[string]model.Agent),
		byCred:       make(map[string]string),
		challenges:   cache.New(challengeTTL, time.Minute),
		challengeTTL: challengeTTL,
	}
}

// SetClock overrides the registry clock. Intended for tests.
func (r *Registry) SetClock(clock func() time.Time) {
	r.clock = clock
}

// Load replaces the in-memory index from the durable document. A missing
// document (first boot) and a malformed document both reset to an empty
// index; they are logged distinctly so corruption is observable. Only a real
// store I/O failure is returned to the caller.
func (r *Registry) Load(ctx context.Context) error {
	doc, err := r.store.Load(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			r.log.Info("no agent document yet, starting empty")
			r.swap(nil)
			return nil
		}
		return fmt.Errorf("load agent document: %w", err)
	}

	var parsed model.AgentDocument
	if err := json.Unmarshal(doc, &parsed); err != nil {
		r.log.Warn("agent document malformed, resetting to empty index", "error", err)
		r.swap(nil)
		return nil
	}
	r.swap(parsed.Agents)
	return nil
}

// swap atomically replaces the in-memory index with the given records.
// Records missing an agent id are dropped; later records win on duplicate
// ids, matching the last-write-wins directory semantics.
func (r *Registry) swap(records []model.Agent) {
	agents := make(map[string]model.Agent, len(records))
	byCred := make(map[string]string)
	for _, rec := range records {
		if rec.AgentID == "" || !rec.Format.Valid() {
			continue
		}
		agents[rec.AgentID] = rec
	}
	for id, rec := range agents {
		if rec.Format == model.FormatFIDO2 && len(rec.CredentialID) > 0 {
			byCred[rec.CredentialIDString()] = id
		}
	}

	r.mu.Lock()
	r.agents = agents
	r.byCred = byCred
	r.mu.Unlock()
}

// Save serializes the current index to the durable document as a flat agent
// list in stable order. Challenges are never part of the document.
func (r *Registry) Save(ctx context.Context) error {
	r.mu.RLock()
	records := make([]model.Agent, 0, len(r.agents))
	for _, rec := range r.agents {
		records = append(records, rec)
	}
	r.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool { return records[i].AgentID < records[j].AgentID })

	doc, err := json.Marshal(model.AgentDocument{Agents: records})
	if err != nil {
		return fmt.Errorf("marshal agent document: %w", err)
	}
	if err := r.store.Save(ctx, doc); err != nil {
		return fmt.Errorf("save agent document: %w", err)
	}
	return nil
}

// IssueRegistrationChallenge generates relying-party-scoped creation options
// for a new authenticator credential and stores the challenge for agentID
// with the configured time-to-live, overwriting any prior challenge for that
// agent. The returned options are relayed to the device.
func (r *Registry) IssueRegistrationChallenge(ctx context.Context, agentID string) (*protocol.CredentialCreation, error) {
	creation, session, err := r.web.BeginRegistration(ceremonyUser{id: agentID})
	if err != nil {
		return nil, fmt.Errorf("begin registration: %w", err)
	}
	r.challenges.Set(agentID, session.Challenge, r.challengeTTL)
	r.log.Info("registration challenge issued", "agentId", agentID)
	return creation, nil
}

// consumeChallenge returns and deletes the stored challenge for agentID.
// Expired entries are treated as absent.
func (r *Registry) consumeChallenge(agentID string) (string, bool) {
	v, ok := r.challenges.Get(agentID)
	if !ok {
		return "", false
	}
	r.challenges.Delete(agentID)
	challenge, ok := v.(string)
	return challenge, ok && challenge != ""
}

// RegisterHardwareKey inserts or overwrites a hardware-key agent record. No
// challenge is required on this path; trust is established out-of-band by the
// operator supplying the key.
func (r *Registry) RegisterHardwareKey(ctx context.Context, agentID, publicKey string) (model.Agent, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := r.Load(ctx); err != nil {
		return model.Agent{}, err
	}

	rec := model.Agent{
		AgentID:   agentID,
		Format:    model.FormatTPM,
		PublicKey: publicKey,
		CreatedAt: r.clock().Format(time.RFC3339),
	}
	r.insert(rec)

	if err := r.Save(ctx); err != nil {
		return model.Agent{}, err
	}
	r.log.Info("hardware key registered", "agentId", agentID, "fingerprint", rec.Fingerprint())
	return rec, nil
}

// RegisterAuthenticator verifies an authenticator registration response and
// inserts the resulting credential record. The expected challenge is the
// stored registration challenge for agentID when present (consumed here),
// else the explicitly supplied fallback; with neither, ErrMissingChallenge.
func (r *Registry) RegisterAuthenticator(ctx context.Context, agentID string, response json.RawMessage, fallbackChallenge string) (model.Agent, error) {
	challenge, ok := r.consumeChallenge(agentID)
	if !ok {
		challenge = fallbackChallenge
	}
	if challenge == "" {
		return model.Agent{}, ErrMissingChallenge
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		return model.Agent{}, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	session := webauthn.SessionData{
		Challenge: challenge,
		UserID:    []byte(agentID),
	}
	cred, err := r.web.CreateCredential(ceremonyUser{id: agentID}, session, parsed)
	if err != nil {
		return model.Agent{}, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	transports := make([]string, 0, len(cred.Transport))
	for _, tr := range cred.Transport {
		transports = append(transports, string(tr))
	}

	rec := model.Agent{
		AgentID:      agentID,
		Format:       model.FormatFIDO2,
		CreatedAt:    r.clock().Format(time.RFC3339),
		CredentialID: model.ByteSeq(cred.ID),
		Key:          model.ByteSeq(cred.PublicKey),
		Counter:      cred.Authenticator.SignCount,
		Transports:   transports,
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := r.Load(ctx); err != nil {
		return model.Agent{}, err
	}
	r.insert(rec)
	if err := r.Save(ctx); err != nil {
		return model.Agent{}, err
	}
	r.log.Info("authenticator registered",
		"agentId", agentID,
		"credentialId", rec.CredentialIDString(),
		"fingerprint", rec.Fingerprint(),
	)
	return rec, nil
}

// insert places rec under its agent id and rebuilds the credential-id alias
// index. Callers hold writeMu.
func (r *Registry) insert(rec model.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.agents[rec.AgentID] = rec

	// Rebuild aliases: an overwrite may have replaced an authenticator
	// record, leaving its old credential id dangling.
	r.byCred = make(map[string]string, len(r.byCred))
	for id, a := range r.agents {
		if a.Format == model.FormatFIDO2 && len(a.CredentialID) > 0 {
			r.byCred[a.CredentialIDString()] = id
		}
	}
}

// UpdateAuthenticatorCounter persists the post-ceremony signature counter for
// the credential, running the full load-patch-save span behind the write
// mutex. Returns ErrUnknownCredential when the credential id is not (or no
// longer) registered.
func (r *Registry) UpdateAuthenticatorCounter(ctx context.Context, credentialID string, counter uint32) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := r.Load(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	agentID, ok := r.byCred[credentialID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownCredential
	}
	rec := r.agents[agentID]
	rec.Counter = counter
	r.agents[agentID] = rec
	r.mu.Unlock()

	return r.Save(ctx)
}

// Snapshot returns a read-only copy of the canonical agentId -> record index
// for handing to the verifier. Alias entries are excluded. A snapshot taken
// while a registration is in flight sees either the old or the new credential
// set, never a torn one.
func (r *Registry) Snapshot() map[string]model.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]model.Agent, len(r.agents))
	for id, rec := range r.agents {
		out[id] = rec
	}
	return out
}

// AgentByCredentialID resolves an authenticator agent through the secondary
// index. credentialID is base64url.
func (r *Registry) AgentByCredentialID(credentialID string) (model.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agentID, ok := r.byCred[credentialID]
	if !ok {
		return model.Agent{}, false
	}
	rec, ok := r.agents[agentID]
	return rec, ok
}

// ceremonyUser adapts an agent id to the webauthn user contract. Agents are
// machine callers; name and display name are the id itself.
type ceremonyUser struct {
	id    string
	creds []webauthn.Credential
}

func (u ceremonyUser) WebAuthnID() []byte                         { return []byte(u.id) }
func (u ceremonyUser) WebAuthnName() string                       { return u.id }
func (u ceremonyUser) WebAuthnDisplayName() string                { return u.id }
func (u ceremonyUser) WebAuthnIcon() string                       { return "" }
func (u ceremonyUser) WebAuthnCredentials() []webauthn.Credential { return u.creds }
