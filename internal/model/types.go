// Package model defines internal and external data shapes for the attestation
// service. Internal types are used by the registry, verifier and handlers,
// while DTOs are serialized on the wire.
package model

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mr-tron/base58"
)

// Format discriminates the two supported credential families.
type Format string

const (
	// FormatTPM is the hardware signing-key credential family. Requests are
	// authenticated by a detached signature over a canonical payload.
	FormatTPM Format = "tpm"
	// FormatFIDO2 is the WebAuthn authenticator credential family. Requests
	// are authenticated via signed assertions referencing a credential id.
	FormatFIDO2 Format = "fido2"
)

// Valid reports whether f names a known credential format.
func (f Format) Valid() bool {
	return f == FormatTPM || f == FormatFIDO2
}

// SignedPayload is the canonical content signed on the hardware-key path.
// Field order matches the canonical key order used by payload.Encode.
type SignedPayload struct {
	BodyHash  string `json:"bodyHash"`
	Method    string `json:"method"`
	Nonce     string `json:"nonce,omitempty"`
	Path      string `json:"path"`
	Timestamp string `json:"timestamp"` // RFC3339
}

// Attestation is the per-request envelope carried in the attestation header,
// discriminated by Format. The hardware-key variant uses Signature, PublicKey
// and Payload; the authenticator variant uses Challenge and Response.
type Attestation struct {
	Format Format `json:"format"`

	// tpm variant
	Signature string         `json:"signature,omitempty"` // base64
	PublicKey string         `json:"publicKey,omitempty"` // raw base64, PKIX base64 or PEM
	Payload   *SignedPayload `json:"payload,omitempty"`

	// fido2 variant
	Challenge string          `json:"challenge,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
}

// ByteSeq is key material persisted as a plain array of byte values so the
// agent document stays readable and diffable. Unmarshal also accepts the
// base64 string encoding/json would have produced for a bare []byte.
type ByteSeq []byte

// MarshalJSON emits a numeric array, e.g. [4,18,255].
func (b ByteSeq) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	vals := make([]uint16, len(b))
	for i, v := range b {
		vals[i] = uint16(v)
	}
	return json.Marshal(vals)
}

// UnmarshalJSON accepts a numeric array or a base64 string.
func (b *ByteSeq) UnmarshalJSON(data []byte) error {
	var vals []uint16
	if err := json.Unmarshal(data, &vals); err == nil {
		out := make([]byte, len(vals))
		for i, v := range vals {
			if v > 0xff {
				return fmt.Errorf("byte value %d out of range", v)
			}
			out[i] = byte(v)
		}
		*b = out
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("byte sequence must be an array or base64 string")
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("decode base64 byte sequence: %w", err)
	}
	*b = raw
	return nil
}

// Agent is a registered credential record. The registry keeps exactly one
// record per agent id; a later registration overwrites the earlier one.
//
// tpm records carry PublicKey (the encoded key material as supplied at
// registration). fido2 records carry CredentialID, Key (raw COSE public key
// bytes), Counter and Transports.
type Agent struct {
	AgentID   string `json:"agentId"`
	Format    Format `json:"format"`
	CreatedAt string `json:"createdAt"` // RFC3339

	PublicKey string `json:"publicKey,omitempty"`

	CredentialID ByteSeq  `json:"credentialId,omitempty"`
	Key          ByteSeq  `json:"key,omitempty"`
	Counter      uint32   `json:"counter,omitempty"`
	Transports   []string `json:"transports,omitempty"`
}

// CredentialIDString returns the base64url form of the credential id, used as
// the secondary index key for authenticator records.
func (a Agent) CredentialIDString() string {
	return base64.RawURLEncoding.EncodeToString(a.CredentialID)
}

// Fingerprint is a short base58 digest of the record's key material, safe to
// log and to show in listings.
func (a Agent) Fingerprint() string {
	var material []byte
	switch a.Format {
	case FormatTPM:
		material = []byte(a.PublicKey)
	case FormatFIDO2:
		material = a.Key
	}
	if len(material) == 0 {
		return ""
	}
	sum := sha256.Sum256(material)
	return base58.Encode(sum[:8])
}

// AgentDocument is the durable document shape: a flat list of agent records.
// Challenges are never part of it.
type AgentDocument struct {
	Agents []Agent `json:"agents"`
}

// AgentDTO is the public listing shape returned by admin handlers. Key
// material is reduced to a fingerprint.
type AgentDTO struct {
	AgentID      string   `json:"agentId"`
	Format       Format   `json:"format"`
	Fingerprint  string   `json:"fingerprint,omitempty"`
	CredentialID string   `json:"credentialId,omitempty"`
	Counter      uint32   `json:"counter,omitempty"`
	Transports   []string `json:"transports,omitempty"`
	CreatedAt    string   `json:"createdAt"`
}

// DTO converts an Agent into its listing shape.
func (a Agent) DTO() AgentDTO {
	dto := AgentDTO{
		AgentID:     a.AgentID,
		Format:      a.Format,
		Fingerprint: a.Fingerprint(),
		Counter:     a.Counter,
		Transports:  a.Transports,
		CreatedAt:   a.CreatedAt,
	}
	if len(a.CredentialID) > 0 {
		dto.CredentialID = a.CredentialIDString()
	}
	return dto
}
